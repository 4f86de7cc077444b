package reputation

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainguard/internal/access"
	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/model"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	analyzer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b9")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

type fakeRisk struct {
	level model.RiskLevel
	fresh bool
	err   error
}

func (f *fakeRisk) LatestRiskLevel(model.Address) (model.RiskLevel, error) { return f.level, f.err }
func (f *fakeRisk) IsFresh(model.Address) (bool, error)                    { return f.fresh, f.err }

type fakeThreat struct {
	level int
	err   error
}

func (f *fakeThreat) ThreatLevel(model.Address) (int, error) { return f.level, f.err }

func newAggregatorForTest(t *testing.T, clk clock.Clock, risk RiskSource, threat ThreatSource) *Aggregator {
	t.Helper()
	roster := access.NewRoster(owner)
	_ = roster.Grant(access.RoleAnalyzer, analyzer, owner)
	agg, err := New(Options{
		Roster:      roster,
		Clock:       clk,
		Risk:        risk,
		Threat:      threat,
		Scale:       1000,
		Weights:     Weights{Security: 40, Community: 30, Stability: 20, Transparency: 10},
		DecayFactor: 5,
		DecayPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg
}

func TestUpdateScoreWeightedSum(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	agg := newAggregatorForTest(t, clk, &fakeRisk{level: model.RiskLow, fresh: true}, &fakeThreat{})
	up, err := agg.UpdateScore(contract, "initial", analyzer)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	s := up.Score
	if s.Security != 1000 || s.Community != 1000 || s.Stability != 500 || s.Transparency != 750 {
		t.Fatalf("unexpected subscores %+v", s)
	}
	want := (s.Security*40 + s.Community*30 + s.Stability*20 + s.Transparency*10) / 100
	if s.Overall != want || s.Overall != 875 {
		t.Fatalf("overall = %d, want %d", s.Overall, want)
	}
	if s.TotalInteractions != 1 || up.Previous != 0 {
		t.Fatalf("unexpected bookkeeping %+v", up)
	}
	hist := agg.History(contract)
	if len(hist) != 1 || hist[0].Reason != "initial" || hist[0].Score != 875 {
		t.Fatalf("unexpected history %+v", hist)
	}
}

func TestUpdateScoreRequiresTrustedCaller(t *testing.T) {
	agg := newAggregatorForTest(t, clock.NewManual(time.Now()), nil, nil)
	if _, err := agg.UpdateScore(contract, "x", stranger); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := agg.Score(contract); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSourceFailuresUseNeutralDefaults(t *testing.T) {
	fail := errors.New("unavailable")
	agg := newAggregatorForTest(t, clock.NewManual(time.Now()), &fakeRisk{level: model.RiskCritical, fresh: true, err: fail}, &fakeThreat{level: 90, err: fail})
	up, err := agg.UpdateScore(contract, "degraded", owner)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Score.Security != 500 || up.Score.Community != 1000 || up.Score.Transparency != 500 {
		t.Fatalf("unexpected fallback subscores %+v", up.Score)
	}
}

func TestRiskAndThreatSignals(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	risk := &fakeRisk{level: model.RiskHigh}
	agg := newAggregatorForTest(t, clk, risk, &fakeThreat{level: 80})
	if err := agg.RecordDeployment(contract, clk.Now().Add(-15*24*time.Hour), analyzer); err != nil {
		t.Fatalf("record deployment: %v", err)
	}
	up, _ := agg.UpdateScore(contract, "signals", analyzer)
	if up.Score.Security != 300 || up.Score.Community != 200 || up.Score.Stability != 500 {
		t.Fatalf("unexpected subscores %+v", up.Score)
	}
	risk.level = model.RiskMedium
	clk.Advance(30 * 24 * time.Hour)
	up, _ = agg.UpdateScore(contract, "mature", analyzer)
	if up.Score.Security != 700 || up.Score.Stability != 1000 || up.Score.TotalInteractions != 2 {
		t.Fatalf("unexpected subscores after maturity %+v", up.Score)
	}
}

// The overall score shrinks once per elapsed period while the security and
// community subscores shrink a single time.
func TestReadTimeDecayQuirk(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	agg := newAggregatorForTest(t, clk, &fakeRisk{level: model.RiskLow, fresh: true}, &fakeThreat{})
	if _, err := agg.UpdateScore(contract, "initial", analyzer); err != nil {
		t.Fatalf("update: %v", err)
	}
	clk.Advance(7 * 24 * time.Hour)
	s, _ := agg.Score(contract)
	if s.Overall != 875 {
		t.Fatalf("no decay expected at exactly one period, got %d", s.Overall)
	}
	clk.Advance(8 * 24 * time.Hour)
	s, _ = agg.Score(contract)
	if s.Overall != 875-875*5*2/100 {
		t.Fatalf("overall after two periods = %d", s.Overall)
	}
	if s.Security != 950 || s.Community != 950 {
		t.Fatalf("subscores should shrink once, got security=%d community=%d", s.Security, s.Community)
	}
	if cat, _ := agg.Category(contract); cat != "GOOD" {
		t.Fatalf("category = %s, want GOOD", cat)
	}
	clk.Advance(365 * 24 * time.Hour)
	s, _ = agg.Score(contract)
	if s.Overall != 0 {
		t.Fatalf("expected decay clamped at 0, got %d", s.Overall)
	}
	agg.mu.RLock()
	stored := agg.scores[contract].Overall
	agg.mu.RUnlock()
	if stored != 875 {
		t.Fatalf("read must not mutate stored score, got %d", stored)
	}
}

func TestVerifyContract(t *testing.T) {
	agg := newAggregatorForTest(t, clock.NewManual(time.Now()), &fakeRisk{err: errs.NotFound("none")}, &fakeThreat{})
	up, err := agg.Verify(contract, analyzer)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if up.Score.Transparency != 750 || up.Snapshot.Reason != VerifiedReason {
		t.Fatalf("unexpected verify result %+v", up)
	}
	if _, err := agg.Verify(contract, analyzer); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected re-verification to fail, got %v", err)
	}
}

func TestParameterUpdatesOwnerOnly(t *testing.T) {
	agg := newAggregatorForTest(t, clock.NewManual(time.Now()), nil, nil)
	if err := agg.SetWeights(Weights{Security: 25, Community: 25, Stability: 25, Transparency: 25}, analyzer); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := agg.SetWeights(Weights{Security: 50, Community: 30, Stability: 20, Transparency: 10}, owner); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for weights summing to 110, got %v", err)
	}
	if err := agg.SetWeights(Weights{Security: 25, Community: 25, Stability: 25, Transparency: 25}, owner); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	if err := agg.SetDecayFactor(21, owner); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected decay cap, got %v", err)
	}
	if err := agg.SetDecayFactor(20, owner); err != nil || agg.DecayFactor() != 20 {
		t.Fatalf("set decay factor: %v", err)
	}
}

func TestCategoryFor(t *testing.T) {
	cases := map[uint64]string{100: "EXCELLENT", 90: "EXCELLENT", 89: "GOOD", 75: "GOOD", 50: "FAIR", 49: "POOR", 25: "POOR", 24: "DANGEROUS", 0: "DANGEROUS"}
	for p, want := range cases {
		if got := CategoryFor(p); got != want {
			t.Fatalf("CategoryFor(%d) = %s, want %s", p, got, want)
		}
	}
}

func TestEmptyReasonGetsDefault(t *testing.T) {
	agg := newAggregatorForTest(t, clock.NewManual(time.Now()), nil, nil)
	up, err := agg.UpdateScore(contract, "   ", analyzer)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Snapshot.Reason != "manual update" {
		t.Fatalf("expected default reason, got %q", up.Snapshot.Reason)
	}
	if hist := agg.History(contract); hist[0].Reason != "manual update" {
		t.Fatalf("expected default reason in history, got %q", hist[0].Reason)
	}
}

func TestRestoreState(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	agg := newAggregatorForTest(t, clk, &fakeRisk{level: model.RiskLow}, &fakeThreat{})
	weights := Weights{Security: 25, Community: 25, Stability: 25, Transparency: 25}
	factor := uint64(10)
	err := agg.Restore(State{
		Scores:      []model.ReputationScore{{Contract: contract, Overall: 800, LastUpdated: clk.Now(), TotalInteractions: 3}},
		History:     map[model.Address][]model.ScoreSnapshot{contract: {{Timestamp: clk.Now(), Score: 800, Reason: "initial"}}},
		Verified:    []model.Address{contract},
		Deployments: map[model.Address]time.Time{contract: clk.Now().Add(-60 * 24 * time.Hour)},
		Weights:     &weights,
		DecayFactor: &factor,
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	s, err := agg.Score(contract)
	if err != nil || s.Overall != 800 || s.TotalInteractions != 3 {
		t.Fatalf("unexpected restored score %+v %v", s, err)
	}
	if !agg.IsVerified(contract) || agg.Weights() != weights || agg.DecayFactor() != 10 {
		t.Fatalf("restored flags or parameters missing")
	}
	if _, err := agg.Verify(contract, analyzer); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected restored verification to block re-verify, got %v", err)
	}
	up, err := agg.UpdateScore(contract, "refresh", analyzer)
	if err != nil || up.Score.Stability != 1000 || up.Score.TotalInteractions != 4 || up.Previous != 800 {
		t.Fatalf("recompute after restore: %+v %v", up, err)
	}
	if err := agg.Restore(State{}); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected restore into populated aggregator to fail, got %v", err)
	}
}

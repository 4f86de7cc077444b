package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainguard/internal/access"
	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/model"
	"chainguard/internal/ratelimit"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	analyzer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	second   = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func newLedgerForTest(clk clock.Clock) *Ledger {
	roster := access.NewRoster(owner)
	_ = roster.Grant(access.RoleAnalyzer, analyzer, owner)
	_ = roster.Grant(access.RoleAnalyzer, second, owner)
	return New(Options{
		Roster:     roster,
		Clock:      clk,
		Quota:      ratelimit.Window{Limit: 3, Span: 24 * time.Hour},
		StaleAfter: 24 * time.Hour,
	})
}

func submission(score int, level model.RiskLevel) Submission {
	return Submission{Contract: contract, RiskScore: score, RiskLevel: level, Confidence: 80, EvidenceRef: "ipfs://evidence"}
}

func TestSubmitValidationLeavesNoTrace(t *testing.T) {
	l := newLedgerForTest(clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	bad := []Submission{
		{Contract: contract, RiskScore: 101, Confidence: 10, EvidenceRef: "x"},
		{Contract: contract, RiskScore: -1, Confidence: 10, EvidenceRef: "x"},
		{Contract: contract, RiskScore: 10, Confidence: 101, EvidenceRef: "x"},
		{Contract: contract, RiskScore: 10, Confidence: 10, EvidenceRef: " "},
		{Contract: contract, RiskScore: 10, RiskLevel: model.RiskLevel(9), Confidence: 10, EvidenceRef: "x"},
		{RiskScore: 10, Confidence: 10, EvidenceRef: "x"},
	}
	for i, sub := range bad {
		if _, err := l.Submit(sub, analyzer); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if l.Count() != 0 {
		t.Fatalf("expected empty ledger, got %d records", l.Count())
	}
	if _, err := l.Latest(contract); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubmitRequiresAnalyzer(t *testing.T) {
	l := newLedgerForTest(clock.NewManual(time.Now()))
	if _, err := l.Submit(submission(10, model.RiskLow), contract); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitReportsLevelChange(t *testing.T) {
	l := newLedgerForTest(clock.NewManual(time.Now()))
	r1, err := l.Submit(submission(10, model.RiskLow), analyzer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r1.LevelChanged || r1.Result.ID != 1 {
		t.Fatalf("first LOW submission should not change level: %+v", r1)
	}
	r2, err := l.Submit(submission(90, model.RiskCritical), analyzer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !r2.LevelChanged || r2.PreviousLevel != model.RiskLow || r2.Result.ID != 2 {
		t.Fatalf("expected LOW->CRITICAL change, got %+v", r2)
	}
	st := l.Stats(contract)
	if st.Count != 2 || st.AverageRiskScore != 50 || st.LatestRiskLevel != model.RiskCritical {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := newLedgerForTest(clk)
	for i := 0; i < 3; i++ {
		if _, err := l.Submit(submission(10, model.RiskLow), analyzer); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		clk.Advance(time.Minute)
	}
	if _, err := l.Submit(submission(10, model.RiskLow), analyzer); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	clk.Advance(24 * time.Hour)
	if _, err := l.Submit(submission(10, model.RiskLow), analyzer); err != nil {
		t.Fatalf("expected quota to recover: %v", err)
	}
}

func TestVerifyRules(t *testing.T) {
	l := newLedgerForTest(clock.NewManual(time.Now()))
	r, _ := l.Submit(submission(40, model.RiskMedium), analyzer)
	if _, err := l.Verify(r.Result.ID, analyzer); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected self-verify to fail, got %v", err)
	}
	if _, err := l.Verify(99, second); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := l.Verify(r.Result.ID, second)
	if err != nil || !got.Verified || got.VerifiedBy != second {
		t.Fatalf("verify: %+v %v", got, err)
	}
	if _, err := l.Verify(r.Result.ID, owner); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected re-verify to fail, got %v", err)
	}
	if st := l.Stats(contract); st.VerifiedCount != 1 {
		t.Fatalf("expected 1 verified, got %d", st.VerifiedCount)
	}
}

func TestIsFresh(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := newLedgerForTest(clk)
	if _, err := l.IsFresh(contract); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _ = l.Submit(submission(10, model.RiskLow), analyzer)
	clk.Advance(24 * time.Hour)
	if fresh, _ := l.IsFresh(contract); !fresh {
		t.Fatalf("analysis exactly 24h old should still be fresh")
	}
	clk.Advance(time.Second)
	if fresh, _ := l.IsFresh(contract); fresh {
		t.Fatalf("analysis older than 24h should be stale")
	}
}

func TestRestoreResumesIDsAndQuota(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := newLedgerForTest(clk)
	now := clk.Now()
	restored := []Submission{submission(10, model.RiskLow), submission(20, model.RiskLow)}
	records := make([]model.AnalysisResult, 0, len(restored))
	for i, sub := range restored {
		records = append(records, model.AnalysisResult{
			ID: uint64(2 - i), Contract: sub.Contract, RiskScore: sub.RiskScore, RiskLevel: sub.RiskLevel,
			Confidence: sub.Confidence, Analyzer: analyzer, EvidenceRef: sub.EvidenceRef, Timestamp: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	if err := l.Restore(records); err != nil {
		t.Fatalf("restore: %v", err)
	}
	latest, err := l.Latest(contract)
	if err != nil || latest.ID != 2 {
		t.Fatalf("expected latest restored id 2, got %+v %v", latest, err)
	}
	rec, err := l.Submit(submission(90, model.RiskCritical), analyzer)
	if err != nil {
		t.Fatalf("submit after restore: %v", err)
	}
	if rec.Result.ID != 3 || rec.PreviousLevel != model.RiskLow || !rec.LevelChanged {
		t.Fatalf("unexpected receipt after restore %+v", rec)
	}
	if _, err := l.Submit(submission(90, model.RiskCritical), analyzer); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("restored records must count toward the quota, got %v", err)
	}
	if err := l.Restore(records); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected restore into populated ledger to fail, got %v", err)
	}
}

// Package ledger is the append-only store of analysis results per contract.
package ledger

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chainguard/internal/access"
	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/logging"
	"chainguard/internal/model"
	"chainguard/internal/ratelimit"
)

type Submission struct {
	Contract    model.Address
	RiskScore   int
	RiskLevel   model.RiskLevel
	Confidence  int
	EvidenceRef string
}

func (s Submission) validate() error {
	if model.IsZero(s.Contract) {
		return errs.Validation("contract address required")
	}
	if s.RiskScore < 0 || s.RiskScore > 100 {
		return errs.Validation("risk score %d out of range [0,100]", s.RiskScore)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return errs.Validation("confidence %d out of range [0,100]", s.Confidence)
	}
	if !s.RiskLevel.Valid() {
		return errs.Validation("unknown risk level %d", s.RiskLevel)
	}
	if strings.TrimSpace(s.EvidenceRef) == "" {
		return errs.Validation("evidence reference required")
	}
	return nil
}

// Receipt describes a committed submission. PreviousLevel is LOW when the
// contract had no earlier analysis.
type Receipt struct {
	Result        model.AnalysisResult
	PreviousLevel model.RiskLevel
	LevelChanged  bool
}

type Stats struct {
	Count            int             `json:"count"`
	AverageRiskScore int             `json:"average_risk_score"`
	VerifiedCount    int             `json:"verified_count"`
	LatestRiskLevel  model.RiskLevel `json:"latest_risk_level"`
}

type Options struct {
	Roster     *access.Roster
	Clock      clock.Clock
	Quota      ratelimit.Window
	StaleAfter time.Duration
	Logger     *slog.Logger
}

type Ledger struct {
	mu         sync.RWMutex
	roster     *access.Roster
	clock      clock.Clock
	quota      ratelimit.Window
	staleAfter time.Duration
	logger     *slog.Logger

	nextID     uint64
	records    map[uint64]*model.AnalysisResult
	byContract map[model.Address][]uint64
}

func New(opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return &Ledger{
		roster:     opts.Roster,
		clock:      opts.Clock,
		quota:      opts.Quota,
		staleAfter: opts.StaleAfter,
		logger:     logging.Component(opts.Logger, "ledger"),
		records:    make(map[uint64]*model.AnalysisResult),
		byContract: make(map[model.Address][]uint64),
	}
}

// SetQuota replaces the per-contract write quota.
func (l *Ledger) SetQuota(w ratelimit.Window) {
	l.mu.Lock()
	l.quota = w
	l.mu.Unlock()
}

func (l *Ledger) Submit(sub Submission, caller model.Address) (Receipt, error) {
	if err := l.roster.Require(caller, access.RoleAnalyzer); err != nil {
		return Receipt{}, err
	}
	if err := sub.validate(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	ids := l.byContract[sub.Contract]
	if err := l.quota.Check(sub.Contract.Hex(), l.timestampsLocked(ids), now); err != nil {
		return Receipt{}, err
	}

	prev := model.RiskLow
	if n := len(ids); n > 0 {
		prev = l.records[ids[n-1]].RiskLevel
	}
	l.nextID++
	rec := &model.AnalysisResult{
		ID:          l.nextID,
		Contract:    sub.Contract,
		RiskScore:   sub.RiskScore,
		RiskLevel:   sub.RiskLevel,
		Confidence:  sub.Confidence,
		Analyzer:    caller,
		EvidenceRef: sub.EvidenceRef,
		Timestamp:   now,
	}
	l.records[rec.ID] = rec
	l.byContract[sub.Contract] = append(ids, rec.ID)
	l.logger.Debug("analysis submitted", "id", rec.ID, "contract", sub.Contract.Hex(), "risk_level", sub.RiskLevel.String())
	return Receipt{Result: *rec, PreviousLevel: prev, LevelChanged: prev != rec.RiskLevel}, nil
}

func (l *Ledger) timestampsLocked(ids []uint64) []time.Time {
	out := make([]time.Time, len(ids))
	for i, id := range ids {
		out[i] = l.records[id].Timestamp
	}
	return out
}

// Verify marks an analysis as confirmed by a second analyzer.
func (l *Ledger) Verify(id uint64, caller model.Address) (model.AnalysisResult, error) {
	if err := l.roster.Require(caller, access.RoleAnalyzer); err != nil {
		return model.AnalysisResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return model.AnalysisResult{}, errs.NotFound("analysis %d", id)
	}
	if rec.Verified {
		return model.AnalysisResult{}, errs.State("analysis %d already verified", id)
	}
	if rec.Analyzer == caller {
		return model.AnalysisResult{}, errs.State("analysis %d cannot be verified by its submitter", id)
	}
	rec.Verified = true
	rec.VerifiedBy = caller
	return *rec, nil
}

func (l *Ledger) Get(id uint64) (model.AnalysisResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return model.AnalysisResult{}, errs.NotFound("analysis %d", id)
	}
	return *rec, nil
}

func (l *Ledger) Latest(contract model.Address) (model.AnalysisResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byContract[contract]
	if len(ids) == 0 {
		return model.AnalysisResult{}, errs.NotFound("no analysis for %s", contract.Hex())
	}
	return *l.records[ids[len(ids)-1]], nil
}

// History returns every analysis of contract, oldest first.
func (l *Ledger) History(contract model.Address) []model.AnalysisResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byContract[contract]
	out := make([]model.AnalysisResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.records[id])
	}
	return out
}

func (l *Ledger) LatestRiskLevel(contract model.Address) (model.RiskLevel, error) {
	rec, err := l.Latest(contract)
	if err != nil {
		return model.RiskLow, err
	}
	return rec.RiskLevel, nil
}

// IsFresh reports whether the latest analysis is no older than the stale
// threshold.
func (l *Ledger) IsFresh(contract model.Address) (bool, error) {
	rec, err := l.Latest(contract)
	if err != nil {
		return false, err
	}
	return l.clock.Now().Sub(rec.Timestamp) <= l.staleAfter, nil
}

func (l *Ledger) Stats(contract model.Address) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byContract[contract]
	var st Stats
	if len(ids) == 0 {
		return st
	}
	total := 0
	for _, id := range ids {
		rec := l.records[id]
		total += rec.RiskScore
		if rec.Verified {
			st.VerifiedCount++
		}
	}
	st.Count = len(ids)
	st.AverageRiskScore = total / len(ids)
	st.LatestRiskLevel = l.records[ids[len(ids)-1]].RiskLevel
	return st
}

// Restore loads journaled analyses into an empty ledger. The id counter
// resumes after the highest restored id.
func (l *Ledger) Restore(records []model.AnalysisResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) > 0 {
		return errs.State("ledger already holds %d analyses", len(l.records))
	}
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b model.AnalysisResult) int { return cmp.Compare(a.ID, b.ID) })
	for i := range sorted {
		rec := sorted[i]
		if rec.ID == 0 {
			return errs.Validation("analysis without id")
		}
		if _, dup := l.records[rec.ID]; dup {
			return errs.State("duplicate analysis %d", rec.ID)
		}
		l.records[rec.ID] = &rec
		l.byContract[rec.Contract] = append(l.byContract[rec.Contract], rec.ID)
		l.nextID = max(l.nextID, rec.ID)
	}
	return nil
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

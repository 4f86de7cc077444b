// Package reputation folds the analysis ledger's risk signal, the community
// threat level, contract age and verification status into one weighted
// score that decays when it is not refreshed.
package reputation

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"chainguard/internal/access"
	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/logging"
	"chainguard/internal/model"
)

const (
	DefaultScale    uint64 = 1000
	MaxDecayFactor  uint64 = 20
	VerifiedReason         = "contract verified"
)

// RiskSource is the analysis ledger as seen by the aggregator. Errors are
// treated as missing data.
type RiskSource interface {
	LatestRiskLevel(contract model.Address) (model.RiskLevel, error)
	IsFresh(contract model.Address) (bool, error)
}

type ThreatSource interface {
	ThreatLevel(contract model.Address) (int, error)
}

type Weights struct {
	Security     uint64 `json:"security"`
	Community    uint64 `json:"community"`
	Stability    uint64 `json:"stability"`
	Transparency uint64 `json:"transparency"`
}

func (w Weights) Sum() uint64 {
	return w.Security + w.Community + w.Stability + w.Transparency
}

func (w Weights) validate() error {
	if s := w.Sum(); s != 100 {
		return errs.Validation("weights must sum to 100, got %d", s)
	}
	return nil
}

type Options struct {
	Roster         *access.Roster
	Clock          clock.Clock
	Risk           RiskSource
	Threat         ThreatSource
	Scale          uint64
	Weights        Weights
	DecayFactor    uint64
	DecayPeriod    time.Duration
	MaturityWindow time.Duration
	Logger         *slog.Logger
}

// Update is the result of a recompute. Previous is the stored overall score
// before the recompute, zero for a first score.
type Update struct {
	Score    model.ReputationScore
	Snapshot model.ScoreSnapshot
	Previous uint64
}

type Aggregator struct {
	roster *access.Roster
	clock  clock.Clock
	risk   RiskSource
	threat ThreatSource
	logger *slog.Logger

	scale          uint64
	decayPeriod    time.Duration
	maturityWindow time.Duration

	mu          sync.RWMutex
	weights     Weights
	decayFactor uint64
	scores      map[model.Address]*model.ReputationScore
	history     map[model.Address][]model.ScoreSnapshot
	verified    map[model.Address]bool
	deployed    map[model.Address]time.Time
}

func New(opts Options) (*Aggregator, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Scale == 0 {
		opts.Scale = DefaultScale
	}
	if opts.Weights.Sum() == 0 {
		opts.Weights = Weights{Security: 40, Community: 30, Stability: 20, Transparency: 10}
	}
	if err := opts.Weights.validate(); err != nil {
		return nil, err
	}
	if opts.DecayFactor > MaxDecayFactor {
		return nil, errs.Validation("decay factor %d exceeds %d", opts.DecayFactor, MaxDecayFactor)
	}
	if opts.DecayPeriod <= 0 {
		opts.DecayPeriod = 7 * 24 * time.Hour
	}
	if opts.MaturityWindow <= 0 {
		opts.MaturityWindow = 30 * 24 * time.Hour
	}
	return &Aggregator{
		roster:         opts.Roster,
		clock:          opts.Clock,
		risk:           opts.Risk,
		threat:         opts.Threat,
		logger:         logging.Component(opts.Logger, "reputation"),
		scale:          opts.Scale,
		decayPeriod:    opts.DecayPeriod,
		maturityWindow: opts.MaturityWindow,
		weights:        opts.Weights,
		decayFactor:    opts.DecayFactor,
		scores:         make(map[model.Address]*model.ReputationScore),
		history:        make(map[model.Address][]model.ScoreSnapshot),
		verified:       make(map[model.Address]bool),
		deployed:       make(map[model.Address]time.Time),
	}, nil
}

func (a *Aggregator) Scale() uint64 { return a.scale }

func (a *Aggregator) pct(p uint64) uint64 { return a.scale * p / 100 }

// UpdateScore recomputes and stores the score of contract, appending a
// snapshot with reason.
func (a *Aggregator) UpdateScore(contract model.Address, reason string, caller model.Address) (Update, error) {
	if err := a.roster.Require(caller, access.RoleAnalyzer); err != nil {
		return Update{}, err
	}
	if model.IsZero(contract) {
		return Update{}, errs.Validation("contract address required")
	}
	return a.recompute(contract, NormalizeReason(reason)), nil
}

func (a *Aggregator) recompute(contract model.Address, reason string) Update {
	a.mu.RLock()
	verified := a.verified[contract]
	deployedAt, hasDeploy := a.deployed[contract]
	a.mu.RUnlock()

	// external reads run outside the lock
	now := a.clock.Now()
	security := a.securityScore(contract)
	community := a.communityScore(contract)
	stability := a.stabilityScore(deployedAt, hasDeploy, now)
	transparency := a.transparencyScore(contract, verified)

	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.weights
	overall := (security*w.Security + community*w.Community + stability*w.Stability + transparency*w.Transparency) / 100

	s, ok := a.scores[contract]
	if !ok {
		s = &model.ReputationScore{Contract: contract}
		a.scores[contract] = s
	}
	previous := s.Overall
	s.Overall = overall
	s.Security = security
	s.Community = community
	s.Stability = stability
	s.Transparency = transparency
	s.LastUpdated = now
	s.TotalInteractions++

	snap := model.ScoreSnapshot{Timestamp: now, Score: overall, Reason: reason}
	a.history[contract] = append(a.history[contract], snap)
	a.logger.Debug("score updated", "contract", contract.Hex(), "overall", overall, "previous", previous, "reason", reason)
	return Update{Score: *s, Snapshot: snap, Previous: previous}
}

func (a *Aggregator) securityScore(contract model.Address) uint64 {
	if a.risk == nil {
		return a.pct(50)
	}
	level, err := a.risk.LatestRiskLevel(contract)
	if err != nil {
		return a.pct(50)
	}
	switch level {
	case model.RiskLow:
		return a.scale
	case model.RiskMedium:
		return a.pct(70)
	case model.RiskHigh:
		return a.pct(30)
	default:
		return 0
	}
}

func (a *Aggregator) communityScore(contract model.Address) uint64 {
	if a.threat == nil {
		return a.scale
	}
	level, err := a.threat.ThreatLevel(contract)
	if err != nil {
		a.logger.Warn("threat level unavailable, using neutral community score", "contract", contract.Hex(), "err", err)
		return a.scale
	}
	level = min(max(level, 0), 100)
	return a.scale - uint64(level)*a.scale/100
}

func (a *Aggregator) stabilityScore(deployedAt time.Time, known bool, now time.Time) uint64 {
	if !known {
		return a.pct(50)
	}
	age := now.Sub(deployedAt)
	switch {
	case age <= 0:
		return 0
	case age >= a.maturityWindow:
		return a.scale
	}
	return uint64(age) * a.scale / uint64(a.maturityWindow)
}

func (a *Aggregator) transparencyScore(contract model.Address, verified bool) uint64 {
	score := a.pct(50)
	if verified {
		score += a.pct(25)
	}
	if a.risk != nil {
		if fresh, err := a.risk.IsFresh(contract); err == nil && fresh {
			score += a.pct(25)
		}
	}
	return min(score, a.scale)
}

// Verify marks contract as verified and refreshes its score.
func (a *Aggregator) Verify(contract model.Address, caller model.Address) (Update, error) {
	if err := a.roster.Require(caller, access.RoleAnalyzer); err != nil {
		return Update{}, err
	}
	if model.IsZero(contract) {
		return Update{}, errs.Validation("contract address required")
	}
	a.mu.Lock()
	if a.verified[contract] {
		a.mu.Unlock()
		return Update{}, errs.State("contract %s already verified", contract.Hex())
	}
	a.verified[contract] = true
	a.mu.Unlock()
	return a.recompute(contract, VerifiedReason), nil
}

func (a *Aggregator) IsVerified(contract model.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.verified[contract]
}

func (a *Aggregator) RecordDeployment(contract model.Address, deployedAt time.Time, caller model.Address) error {
	if err := a.roster.Require(caller, access.RoleAnalyzer); err != nil {
		return err
	}
	if model.IsZero(contract) {
		return errs.Validation("contract address required")
	}
	if deployedAt.IsZero() {
		return errs.Validation("deployment time required")
	}
	a.mu.Lock()
	a.deployed[contract] = deployedAt.UTC()
	a.mu.Unlock()
	return nil
}

// Score returns the stored score with read-time decay applied. Stored state
// is never modified by a read.
func (a *Aggregator) Score(contract model.Address) (model.ReputationScore, error) {
	a.mu.RLock()
	s, ok := a.scores[contract]
	if !ok {
		a.mu.RUnlock()
		return model.ReputationScore{}, errs.NotFound("no reputation score for %s", contract.Hex())
	}
	view := *s
	factor := a.decayFactor
	a.mu.RUnlock()
	return applyDecay(view, a.clock.Now(), a.decayPeriod, factor), nil
}

// applyDecay reduces overall by factor% per elapsed period, while security
// and community shrink by factor% once regardless of the period count.
func applyDecay(s model.ReputationScore, now time.Time, period time.Duration, factor uint64) model.ReputationScore {
	elapsed := now.Sub(s.LastUpdated)
	if elapsed <= period || factor == 0 {
		return s
	}
	periods := uint64(elapsed / period)
	cut := s.Overall * factor * periods / 100
	if cut >= s.Overall {
		s.Overall = 0
	} else {
		s.Overall -= cut
	}
	s.Security = s.Security * (100 - factor) / 100
	s.Community = s.Community * (100 - factor) / 100
	return s
}

func (a *Aggregator) Percentage(contract model.Address) (uint64, error) {
	s, err := a.Score(contract)
	if err != nil {
		return 0, err
	}
	return s.Overall * 100 / a.scale, nil
}

func (a *Aggregator) Category(contract model.Address) (string, error) {
	p, err := a.Percentage(contract)
	if err != nil {
		return "", err
	}
	return CategoryFor(p), nil
}

func CategoryFor(percentage uint64) string {
	switch {
	case percentage >= 90:
		return "EXCELLENT"
	case percentage >= 75:
		return "GOOD"
	case percentage >= 50:
		return "FAIR"
	case percentage >= 25:
		return "POOR"
	default:
		return "DANGEROUS"
	}
}

func (a *Aggregator) History(contract model.Address) []model.ScoreSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]model.ScoreSnapshot(nil), a.history[contract]...)
}

func (a *Aggregator) SetWeights(w Weights, caller model.Address) error {
	if err := a.roster.Require(caller, access.RoleOwner); err != nil {
		return err
	}
	if err := w.validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.weights = w
	a.mu.Unlock()
	a.logger.Info("weights updated", "security", w.Security, "community", w.Community,
		"stability", w.Stability, "transparency", w.Transparency)
	return nil
}

func (a *Aggregator) SetDecayFactor(factor uint64, caller model.Address) error {
	if err := a.roster.Require(caller, access.RoleOwner); err != nil {
		return err
	}
	if factor > MaxDecayFactor {
		return errs.Validation("decay factor %d exceeds %d", factor, MaxDecayFactor)
	}
	a.mu.Lock()
	a.decayFactor = factor
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) Weights() Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights
}

func (a *Aggregator) DecayFactor() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.decayFactor
}

// State is the journaled part of the aggregator. Nil Weights or DecayFactor
// keep the configured values.
type State struct {
	Scores      []model.ReputationScore
	History     map[model.Address][]model.ScoreSnapshot
	Verified    []model.Address
	Deployments map[model.Address]time.Time
	Weights     *Weights
	DecayFactor *uint64
}

// Restore loads journaled state into an aggregator that has scored nothing.
func (a *Aggregator) Restore(st State) error {
	if st.Weights != nil {
		if err := st.Weights.validate(); err != nil {
			return err
		}
	}
	if st.DecayFactor != nil && *st.DecayFactor > MaxDecayFactor {
		return errs.Validation("decay factor %d exceeds %d", *st.DecayFactor, MaxDecayFactor)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.scores) > 0 {
		return errs.State("aggregator already holds %d scores", len(a.scores))
	}
	for _, s := range st.Scores {
		score := s
		a.scores[s.Contract] = &score
	}
	for contract, snaps := range st.History {
		a.history[contract] = append([]model.ScoreSnapshot(nil), snaps...)
	}
	for _, contract := range st.Verified {
		a.verified[contract] = true
	}
	for contract, at := range st.Deployments {
		a.deployed[contract] = at.UTC()
	}
	if st.Weights != nil {
		a.weights = *st.Weights
	}
	if st.DecayFactor != nil {
		a.decayFactor = *st.DecayFactor
	}
	return nil
}

func (a *Aggregator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.scores)
}

// NormalizeReason trims reason and substitutes a default for empty input.
func NormalizeReason(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return "manual update"
}

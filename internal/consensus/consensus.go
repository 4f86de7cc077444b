// Package consensus runs the community review of threat reports: submission,
// confirm/dispute voting with a fixed threshold, moderator overrides and the
// reporter reputation side effects of each outcome.
package consensus

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chainguard/internal/access"
	"chainguard/internal/clock"
	"chainguard/internal/errs"
	"chainguard/internal/logging"
	"chainguard/internal/model"
)

type Draft struct {
	Contract    model.Address
	ThreatType  model.ThreatType
	Description string
	EvidenceRef string
	Severity    int
}

func (d Draft) validate() error {
	if model.IsZero(d.Contract) {
		return errs.Validation("contract address required")
	}
	if !d.ThreatType.Valid() {
		return errs.Validation("unknown threat type %q", d.ThreatType)
	}
	if strings.TrimSpace(d.Description) == "" {
		return errs.Validation("description required")
	}
	if d.Severity < 1 || d.Severity > 10 {
		return errs.Validation("severity %d out of range [1,10]", d.Severity)
	}
	return nil
}

// Outcome is the committed state of a report after a mutation together with
// the status it held before.
type Outcome struct {
	Report   model.ThreatReport
	Previous model.ReportStatus
	// Boosted lists the addresses whose reputation rose in this mutation.
	Boosted []model.Address
}

func (o Outcome) StatusChanged() bool { return o.Previous != o.Report.Status }

type Options struct {
	Roster               *access.Roster
	Clock                clock.Clock
	Threshold            int
	ReporterBoost        uint64
	ConfirmerBoost       uint64
	FalsePositivePenalty uint64
	Logger               *slog.Logger
}

type Consensus struct {
	mu      sync.RWMutex
	roster  *access.Roster
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
	nextID  uint64
	reports map[uint64]*model.ThreatReport

	byContract map[model.Address][]uint64
	byReporter map[model.Address][]uint64
	reputation map[model.Address]uint64
}

func New(opts Options) *Consensus {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	return &Consensus{
		roster:     opts.Roster,
		clock:      opts.Clock,
		opts:       opts,
		logger:     logging.Component(opts.Logger, "consensus"),
		reports:    make(map[uint64]*model.ThreatReport),
		byContract: make(map[model.Address][]uint64),
		byReporter: make(map[model.Address][]uint64),
		reputation: make(map[model.Address]uint64),
	}
}

func (c *Consensus) Report(d Draft, caller model.Address) (model.ThreatReport, error) {
	if model.IsZero(caller) {
		return model.ThreatReport{}, errs.Unauthorized("anonymous caller")
	}
	if err := d.validate(); err != nil {
		return model.ThreatReport{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.nextID++
	r := &model.ThreatReport{
		ID:          c.nextID,
		Reporter:    caller,
		Contract:    d.Contract,
		ThreatType:  d.ThreatType,
		Status:      model.ReportPending,
		Description: d.Description,
		EvidenceRef: d.EvidenceRef,
		Severity:    d.Severity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.reports[r.ID] = r
	c.byContract[d.Contract] = append(c.byContract[d.Contract], r.ID)
	c.byReporter[caller] = append(c.byReporter[caller], r.ID)
	return cloneReport(r), nil
}

func (c *Consensus) Confirm(id uint64, caller model.Address) (Outcome, error) {
	return c.vote(id, caller, true)
}

func (c *Consensus) Dispute(id uint64, caller model.Address) (Outcome, error) {
	return c.vote(id, caller, false)
}

func (c *Consensus) vote(id uint64, caller model.Address, confirm bool) (Outcome, error) {
	if model.IsZero(caller) {
		return Outcome{}, errs.Unauthorized("anonymous caller")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[id]
	if !ok {
		return Outcome{}, errs.NotFound("report %d", id)
	}
	if r.Status != model.ReportPending {
		return Outcome{}, errs.State("report %d is %s, voting closed", id, r.Status)
	}
	if r.Reporter == caller {
		return Outcome{}, errs.State("reporter cannot vote on report %d", id)
	}
	if slices.Contains(r.Confirmers, caller) || slices.Contains(r.Disputers, caller) {
		return Outcome{}, errs.State("%s already voted on report %d", caller.Hex(), id)
	}

	prev := r.Status
	if confirm {
		r.Confirmers = append(r.Confirmers, caller)
		r.Confirmations++
	} else {
		r.Disputers = append(r.Disputers, caller)
		r.Disputes++
	}
	r.UpdatedAt = c.clock.Now()
	out := Outcome{Previous: prev}
	r.Status = nextStatus(r.Confirmations, r.Disputes, c.opts.Threshold, confirm)
	if r.Status == model.ReportVerified {
		out.Boosted = c.applyBoostsLocked(r)
	}
	if r.Status != prev {
		c.logger.Info("report status changed", "id", id, "from", prev, "to", r.Status,
			"confirmations", r.Confirmations, "disputes", r.Disputes)
	}
	out.Report = cloneReport(r)
	return out, nil
}

// nextStatus evaluates the threshold rule for the side that just voted.
// A confirm can only verify and a dispute can only dispute.
func nextStatus(confirmations, disputes, threshold int, confirm bool) model.ReportStatus {
	if confirm && confirmations >= threshold && confirmations > disputes {
		return model.ReportVerified
	}
	if !confirm && disputes >= threshold && disputes > confirmations {
		return model.ReportDisputed
	}
	return model.ReportPending
}

func (c *Consensus) applyBoostsLocked(r *model.ThreatReport) []model.Address {
	boosted := make([]model.Address, 0, len(r.Confirmers)+1)
	c.reputation[r.Reporter] += c.opts.ReporterBoost
	boosted = append(boosted, r.Reporter)
	for _, addr := range r.Confirmers {
		c.reputation[addr] += c.opts.ConfirmerBoost
		boosted = append(boosted, addr)
	}
	return boosted
}

var allowedOverrides = map[model.ReportStatus][]model.ReportStatus{
	model.ReportPending:  {model.ReportVerified, model.ReportDisputed, model.ReportFalsePositive},
	model.ReportDisputed: {model.ReportVerified, model.ReportFalsePositive},
	model.ReportVerified: {model.ReportFalsePositive},
	model.ReportResolved: {model.ReportFalsePositive},
}

// SetStatus is the moderator override. RESOLVED is reachable only through
// Resolve and nothing returns a report to PENDING.
func (c *Consensus) SetStatus(id uint64, status model.ReportStatus, caller model.Address) (Outcome, error) {
	if err := c.roster.Require(caller, access.RoleModerator); err != nil {
		return Outcome{}, err
	}
	switch status {
	case model.ReportVerified, model.ReportDisputed, model.ReportFalsePositive:
	default:
		return Outcome{}, errs.Validation("status %q cannot be set by override", status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[id]
	if !ok {
		return Outcome{}, errs.NotFound("report %d", id)
	}
	if !slices.Contains(allowedOverrides[r.Status], status) {
		return Outcome{}, errs.State("report %d cannot move from %s to %s", id, r.Status, status)
	}
	prev := r.Status
	r.Status = status
	r.UpdatedAt = c.clock.Now()
	out := Outcome{Previous: prev}
	switch status {
	case model.ReportVerified:
		if prev != model.ReportVerified {
			out.Boosted = c.applyBoostsLocked(r)
		}
	case model.ReportFalsePositive:
		if rep := c.reputation[r.Reporter]; rep > c.opts.FalsePositivePenalty {
			c.reputation[r.Reporter] = rep - c.opts.FalsePositivePenalty
		} else {
			c.reputation[r.Reporter] = 0
		}
	}
	c.logger.Info("report status overridden", "id", id, "from", prev, "to", status, "moderator", caller.Hex())
	out.Report = cloneReport(r)
	return out, nil
}

func (c *Consensus) Resolve(id uint64, caller model.Address) (Outcome, error) {
	if err := c.roster.Require(caller, access.RoleModerator); err != nil {
		return Outcome{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[id]
	if !ok {
		return Outcome{}, errs.NotFound("report %d", id)
	}
	if r.Status != model.ReportVerified {
		return Outcome{}, errs.State("report %d is %s, only VERIFIED reports resolve", id, r.Status)
	}
	prev := r.Status
	r.Status = model.ReportResolved
	r.Resolved = true
	r.UpdatedAt = c.clock.Now()
	return Outcome{Report: cloneReport(r), Previous: prev}, nil
}

func (c *Consensus) Get(id uint64) (model.ThreatReport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[id]
	if !ok {
		return model.ThreatReport{}, errs.NotFound("report %d", id)
	}
	return cloneReport(r), nil
}

// Voters returns the confirmers and disputers of a report in vote order.
func (c *Consensus) Voters(id uint64) (confirmers, disputers []model.Address, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[id]
	if !ok {
		return nil, nil, errs.NotFound("report %d", id)
	}
	return slices.Clone(r.Confirmers), slices.Clone(r.Disputers), nil
}

func (c *Consensus) ReportsByContract(contract model.Address) []model.ThreatReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.byContract[contract])
}

func (c *Consensus) ReportsByReporter(reporter model.Address) []model.ThreatReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.byReporter[reporter])
}

func (c *Consensus) collectLocked(ids []uint64) []model.ThreatReport {
	out := make([]model.ThreatReport, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneReport(c.reports[id]))
	}
	return out
}

// ThreatLevel averages severity*10 over the contract's verified, unresolved
// reports, capped at 100.
func (c *Consensus) ThreatLevel(contract model.Address) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total, n := 0, 0
	for _, id := range c.byContract[contract] {
		r := c.reports[id]
		if r.Status == model.ReportVerified && !r.Resolved {
			total += r.Severity * 10
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return min(total/n, 100), nil
}

func (c *Consensus) HasActiveThreat(contract model.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.byContract[contract] {
		r := c.reports[id]
		if r.Status == model.ReportVerified && !r.Resolved {
			return true
		}
	}
	return false
}

func (c *Consensus) ReporterReputation(addr model.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reputation[addr]
}

// Restore loads journaled reports and reporter reputation into an empty
// instance. The id counter resumes after the highest restored id.
func (c *Consensus) Restore(reports []model.ThreatReport, reputation map[model.Address]uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reports) > 0 {
		return errs.State("consensus already holds %d reports", len(c.reports))
	}
	sorted := slices.Clone(reports)
	slices.SortFunc(sorted, func(a, b model.ThreatReport) int { return cmp.Compare(a.ID, b.ID) })
	for i := range sorted {
		r := cloneReport(&sorted[i])
		if r.ID == 0 {
			return errs.Validation("report without id")
		}
		if _, dup := c.reports[r.ID]; dup {
			return errs.State("duplicate report %d", r.ID)
		}
		c.reports[r.ID] = &r
		c.byContract[r.Contract] = append(c.byContract[r.Contract], r.ID)
		c.byReporter[r.Reporter] = append(c.byReporter[r.Reporter], r.ID)
		c.nextID = max(c.nextID, r.ID)
	}
	for addr, rep := range reputation {
		c.reputation[addr] = rep
	}
	return nil
}

func (c *Consensus) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.reports)
}

func cloneReport(r *model.ThreatReport) model.ThreatReport {
	out := *r
	out.Confirmers = slices.Clone(r.Confirmers)
	out.Disputers = slices.Clone(r.Disputers)
	return out
}

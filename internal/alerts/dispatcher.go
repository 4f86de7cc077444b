// Package alerts creates security alerts, keeps per-user subscriptions and
// decides which subscribers an alert concerns. Delivery itself happens
// outside the engine through the event stream.
package alerts

import (
	"cmp"
	"log/slog"
	"slices"
	"sort"
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

type Draft struct {
	Type              model.AlertType
	Severity          model.AlertSeverity
	Contract          model.Address
	Title             string
	Description       string
	ActionRequired    string
	Payload           []byte
	BroadcastGlobally bool
	// ExpiresIn of zero means the alert never expires.
	ExpiresIn time.Duration
}

func (d Draft) validate() error {
	if model.IsZero(d.Contract) {
		return errs.Validation("contract address required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return errs.Validation("title required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return errs.Validation("description required")
	}
	if !d.Type.Valid() {
		return errs.Validation("unknown alert type %q", d.Type)
	}
	if !d.Severity.Valid() {
		return errs.Validation("unknown severity %d", d.Severity)
	}
	if d.ExpiresIn < 0 {
		return errs.Validation("negative expiry %s", d.ExpiresIn)
	}
	return nil
}

type SubscriptionRequest struct {
	Types            []model.AlertType
	MinSeverity      model.AlertSeverity
	WatchedContracts []model.Address
	GlobalAlerts     bool
}

type ContractStats struct {
	Total       int        `json:"total"`
	Active      int        `json:"active"`
	Critical    int        `json:"critical"`
	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
}

type Options struct {
	Roster              *access.Roster
	Clock               clock.Clock
	Quota               ratelimit.Window
	MaxWatchedContracts int
	Logger              *slog.Logger
}

type Dispatcher struct {
	roster *access.Roster
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	quota      ratelimit.Window
	maxWatched int
	nextID     uint64
	cursor     uint64
	alerts     map[uint64]*model.SecurityAlert
	byContract map[model.Address][]uint64
	subs       map[model.Address]*model.AlertSubscription
	acked      map[uint64]map[model.Address]struct{}
	dismissed  map[uint64]map[model.Address]struct{}
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.MaxWatchedContracts <= 0 {
		opts.MaxWatchedContracts = 50
	}
	return &Dispatcher{
		roster:     opts.Roster,
		clock:      opts.Clock,
		logger:     logging.Component(opts.Logger, "alerts"),
		quota:      opts.Quota,
		maxWatched: opts.MaxWatchedContracts,
		alerts:     make(map[uint64]*model.SecurityAlert),
		byContract: make(map[model.Address][]uint64),
		subs:       make(map[model.Address]*model.AlertSubscription),
		acked:      make(map[uint64]map[model.Address]struct{}),
		dismissed:  make(map[uint64]map[model.Address]struct{}),
	}
}

// SetLimits replaces the creation quota and the watched-contract bound.
func (d *Dispatcher) SetLimits(quota ratelimit.Window, maxWatched int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quota = quota
	if maxWatched > 0 {
		d.maxWatched = maxWatched
	}
}

// Matches reports whether sub should receive a.
func Matches(sub *model.AlertSubscription, a *model.SecurityAlert) bool {
	if sub == nil || !sub.Active || a.Severity < sub.MinSeverity {
		return false
	}
	if !sub.GlobalAlerts && !slices.Contains(sub.Types, a.Type) {
		return false
	}
	return sub.GlobalAlerts || len(sub.WatchedContracts) == 0 || slices.Contains(sub.WatchedContracts, a.Contract)
}

func (d *Dispatcher) Create(draft Draft, caller model.Address) (model.SecurityAlert, error) {
	if err := d.roster.Require(caller, access.RoleReporter); err != nil {
		return model.SecurityAlert{}, err
	}
	if err := draft.validate(); err != nil {
		return model.SecurityAlert{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	ids := d.byContract[draft.Contract]
	stamps := make([]time.Time, len(ids))
	for i, id := range ids {
		stamps[i] = d.alerts[id].Timestamp
	}
	if err := d.quota.Check(draft.Contract.Hex(), stamps, now); err != nil {
		return model.SecurityAlert{}, err
	}

	d.nextID++
	a := &model.SecurityAlert{
		ID:                d.nextID,
		Type:              draft.Type,
		Severity:          draft.Severity,
		Status:            model.AlertActive,
		Contract:          draft.Contract,
		Reporter:          caller,
		Title:             draft.Title,
		Description:       draft.Description,
		ActionRequired:    draft.ActionRequired,
		Payload:           slices.Clone(draft.Payload),
		Timestamp:         now,
		BroadcastGlobally: draft.BroadcastGlobally,
	}
	if draft.ExpiresIn > 0 {
		exp := now.Add(draft.ExpiresIn)
		a.ExpiresAt = &exp
	}
	for _, sub := range d.subs {
		if Matches(sub, a) {
			a.AffectedUserCount++
		}
	}
	d.alerts[a.ID] = a
	d.byContract[draft.Contract] = append(ids, a.ID)
	d.logger.Info("alert created", "id", a.ID, "type", a.Type, "severity", a.Severity.String(),
		"contract", a.Contract.Hex(), "affected_users", a.AffectedUserCount)
	return cloneAlert(a), nil
}

// Subscribe replaces any earlier subscription held by caller.
func (d *Dispatcher) Subscribe(req SubscriptionRequest, caller model.Address) (model.AlertSubscription, error) {
	if model.IsZero(caller) {
		return model.AlertSubscription{}, errs.Unauthorized("anonymous caller")
	}
	if len(req.Types) == 0 {
		return model.AlertSubscription{}, errs.Validation("at least one alert type required")
	}
	for _, t := range req.Types {
		if !t.Valid() {
			return model.AlertSubscription{}, errs.Validation("unknown alert type %q", t)
		}
	}
	if !req.MinSeverity.Valid() {
		return model.AlertSubscription{}, errs.Validation("unknown severity %d", req.MinSeverity)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	watched := dedupe(req.WatchedContracts)
	if len(watched) > d.maxWatched {
		return model.AlertSubscription{}, errs.Validation("%d watched contracts exceeds maximum %d", len(watched), d.maxWatched)
	}
	for _, c := range watched {
		if model.IsZero(c) {
			return model.AlertSubscription{}, errs.Validation("zero address in watched contracts")
		}
	}
	sub := &model.AlertSubscription{
		Subscriber:       caller,
		Types:            dedupe(req.Types),
		MinSeverity:      req.MinSeverity,
		WatchedContracts: watched,
		GlobalAlerts:     req.GlobalAlerts,
		Active:           true,
		CreatedAt:        d.clock.Now(),
	}
	d.subs[caller] = sub
	return cloneSubscription(sub), nil
}

func dedupe[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (d *Dispatcher) Unsubscribe(caller model.Address) (model.AlertSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[caller]
	if !ok {
		return model.AlertSubscription{}, errs.NotFound("no subscription for %s", caller.Hex())
	}
	if !sub.Active {
		return model.AlertSubscription{}, errs.State("subscription for %s already inactive", caller.Hex())
	}
	sub.Active = false
	return cloneSubscription(sub), nil
}

func (d *Dispatcher) Subscription(user model.Address) (model.AlertSubscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub, ok := d.subs[user]
	if !ok {
		return model.AlertSubscription{}, errs.NotFound("no subscription for %s", user.Hex())
	}
	return cloneSubscription(sub), nil
}

func (d *Dispatcher) ActiveSubscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, sub := range d.subs {
		if sub.Active {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Acknowledge(id uint64, caller model.Address) error {
	if model.IsZero(caller) {
		return errs.Unauthorized("anonymous caller")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.alerts[id]; !ok {
		return errs.NotFound("alert %d", id)
	}
	set := d.acked[id]
	if _, ok := set[caller]; ok {
		return errs.State("alert %d already acknowledged by %s", id, caller.Hex())
	}
	if set == nil {
		set = make(map[model.Address]struct{})
		d.acked[id] = set
	}
	set[caller] = struct{}{}
	return nil
}

// Dismiss hides an acknowledged alert from caller's view only.
func (d *Dispatcher) Dismiss(id uint64, caller model.Address) error {
	if model.IsZero(caller) {
		return errs.Unauthorized("anonymous caller")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.alerts[id]; !ok {
		return errs.NotFound("alert %d", id)
	}
	if _, ok := d.acked[id][caller]; !ok {
		return errs.State("alert %d must be acknowledged before dismissal", id)
	}
	set := d.dismissed[id]
	if _, ok := set[caller]; ok {
		return errs.State("alert %d already dismissed by %s", id, caller.Hex())
	}
	if set == nil {
		set = make(map[model.Address]struct{})
		d.dismissed[id] = set
	}
	set[caller] = struct{}{}
	return nil
}

func (d *Dispatcher) Resolve(id uint64, caller model.Address) (model.SecurityAlert, error) {
	if err := d.roster.Require(caller, access.RoleReporter); err != nil {
		return model.SecurityAlert{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.alerts[id]
	if !ok {
		return model.SecurityAlert{}, errs.NotFound("alert %d", id)
	}
	if a.Status != model.AlertActive {
		return model.SecurityAlert{}, errs.State("alert %d is %s", id, a.Status)
	}
	a.Status = model.AlertResolved
	return cloneAlert(a), nil
}

// ExpireBatch scans up to batchSize alerts in id order, continuing where the
// previous call stopped and wrapping at the end, and moves ACTIVE alerts
// whose expiry has passed to EXPIRED.
func (d *Dispatcher) ExpireBatch(batchSize int) ([]model.SecurityAlert, error) {
	if batchSize <= 0 {
		return nil, errs.Validation("batch size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	total := d.nextID
	if total == 0 {
		return nil, nil
	}
	now := d.clock.Now()
	scan := min(uint64(batchSize), total)
	var expired []model.SecurityAlert
	for i := uint64(0); i < scan; i++ {
		d.cursor = d.cursor%total + 1
		a := d.alerts[d.cursor]
		if a != nil && a.Status == model.AlertActive && a.Expired(now) {
			a.Status = model.AlertExpired
			expired = append(expired, cloneAlert(a))
		}
	}
	if len(expired) > 0 {
		d.logger.Info("alerts expired", "count", len(expired), "cursor", d.cursor)
	}
	return expired, nil
}

// Receipt is a user's acknowledgement of an alert, optionally followed by a
// dismissal.
type Receipt struct {
	AlertID   uint64
	User      model.Address
	Dismissed bool
}

// Restore loads journaled alerts, subscriptions and receipts into an empty
// dispatcher. Ids missing from the journal stay unused and the counter
// resumes after the highest restored id.
func (d *Dispatcher) Restore(alerts []model.SecurityAlert, subs []model.AlertSubscription, receipts []Receipt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.alerts) > 0 || len(d.subs) > 0 {
		return errs.State("dispatcher already holds state")
	}
	sorted := slices.Clone(alerts)
	slices.SortFunc(sorted, func(a, b model.SecurityAlert) int { return cmp.Compare(a.ID, b.ID) })
	for i := range sorted {
		a := cloneAlert(&sorted[i])
		if a.ID == 0 {
			return errs.Validation("alert without id")
		}
		if _, dup := d.alerts[a.ID]; dup {
			return errs.State("duplicate alert %d", a.ID)
		}
		d.alerts[a.ID] = &a
		d.byContract[a.Contract] = append(d.byContract[a.Contract], a.ID)
		d.nextID = max(d.nextID, a.ID)
	}
	for i := range subs {
		sub := cloneSubscription(&subs[i])
		d.subs[sub.Subscriber] = &sub
	}
	for _, r := range receipts {
		if _, ok := d.alerts[r.AlertID]; !ok {
			continue
		}
		addTo(d.acked, r.AlertID, r.User)
		if r.Dismissed {
			addTo(d.dismissed, r.AlertID, r.User)
		}
	}
	return nil
}

func addTo(sets map[uint64]map[model.Address]struct{}, id uint64, user model.Address) {
	set := sets[id]
	if set == nil {
		set = make(map[model.Address]struct{})
		sets[id] = set
	}
	set[user] = struct{}{}
}

func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.alerts)
}

func (d *Dispatcher) Get(id uint64) (model.SecurityAlert, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.alerts[id]
	if !ok {
		return model.SecurityAlert{}, errs.NotFound("alert %d", id)
	}
	return cloneAlert(a), nil
}

// ContractAlerts lists the contract's alerts oldest first. With activeOnly
// set, resolved, expired and past-expiry alerts are left out.
func (d *Dispatcher) ContractAlerts(contract model.Address, activeOnly bool) []model.SecurityAlert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.clock.Now()
	ids := d.byContract[contract]
	out := make([]model.SecurityAlert, 0, len(ids))
	for _, id := range ids {
		a := d.alerts[id]
		if activeOnly && (a.Status != model.AlertActive || a.Expired(now)) {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	return out
}

// UserAlerts returns every alert matching user's current subscription that
// the user has not dismissed, newest first.
func (d *Dispatcher) UserAlerts(user model.Address) []model.SecurityAlert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sub := d.subs[user]
	if sub == nil || !sub.Active {
		return nil
	}
	var out []model.SecurityAlert
	for id := d.nextID; id >= 1; id-- {
		a := d.alerts[id]
		if a == nil {
			continue
		}
		if _, gone := d.dismissed[id][user]; gone {
			continue
		}
		if Matches(sub, a) {
			out = append(out, cloneAlert(a))
		}
	}
	return out
}

func (d *Dispatcher) HasCriticalAlerts(contract model.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.clock.Now()
	for _, id := range d.byContract[contract] {
		a := d.alerts[id]
		if a.Status == model.AlertActive && a.Severity == model.SeverityCritical && !a.Expired(now) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) Stats(contract model.Address) ContractStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.clock.Now()
	var st ContractStats
	for _, id := range d.byContract[contract] {
		a := d.alerts[id]
		st.Total++
		if a.Status == model.AlertActive && !a.Expired(now) {
			st.Active++
		}
		if a.Severity == model.SeverityCritical {
			st.Critical++
		}
		ts := a.Timestamp
		st.LastAlertAt = &ts
	}
	return st
}

// Subscribers lists active subscriptions in subscriber order.
func (d *Dispatcher) Subscribers() []model.AlertSubscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.AlertSubscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.Active {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber.Cmp(out[j].Subscriber) < 0 })
	return out
}

func cloneAlert(a *model.SecurityAlert) model.SecurityAlert {
	out := *a
	out.Payload = slices.Clone(a.Payload)
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

func cloneSubscription(s *model.AlertSubscription) model.AlertSubscription {
	out := *s
	out.Types = slices.Clone(s.Types)
	out.WatchedContracts = slices.Clone(s.WatchedContracts)
	return out
}

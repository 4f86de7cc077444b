package alerts

import (
	"errors"
	"math/big"
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
	reporter = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	user     = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	other    = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	second   = common.HexToAddress("0x00000000000000000000000000000000000000c5")
)

func newDispatcherForTest(clk clock.Clock) *Dispatcher {
	roster := access.NewRoster(owner)
	_ = roster.Grant(access.RoleReporter, reporter, owner)
	return New(Options{
		Roster:              roster,
		Clock:               clk,
		Quota:               ratelimit.Window{Limit: 10, Span: 24 * time.Hour},
		MaxWatchedContracts: 50,
	})
}

func draft(typ model.AlertType, sev model.AlertSeverity, target model.Address) Draft {
	return Draft{Type: typ, Severity: sev, Contract: target, Title: "alert", Description: "details"}
}

func TestMatchingPredicate(t *testing.T) {
	d := newDispatcherForTest(clock.NewManual(time.Now()))
	if _, err := d.Subscribe(SubscriptionRequest{
		Types:       []model.AlertType{model.AlertRugPull},
		MinSeverity: model.SeverityHigh,
	}, user); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rug, err := d.Create(draft(model.AlertRugPull, model.SeverityCritical, contract), reporter)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rug.AffectedUserCount != 1 {
		t.Fatalf("rug pull alert should reach subscriber, count=%d", rug.AffectedUserCount)
	}
	honeypot, _ := d.Create(draft(model.AlertHoneypot, model.SeverityCritical, second), reporter)
	if honeypot.AffectedUserCount != 0 {
		t.Fatalf("honeypot alert should not reach subscriber")
	}
	medium, _ := d.Create(draft(model.AlertRugPull, model.SeverityMedium, second), reporter)
	if medium.AffectedUserCount != 0 {
		t.Fatalf("alert below min severity should not match")
	}
	got := d.UserAlerts(user)
	if len(got) != 1 || got[0].ID != rug.ID {
		t.Fatalf("unexpected user alerts %+v", got)
	}
}

func TestMatchesWatchedAndGlobal(t *testing.T) {
	a := &model.SecurityAlert{Type: model.AlertExploit, Severity: model.SeverityLow, Contract: contract}
	watched := &model.AlertSubscription{Active: true, Types: []model.AlertType{model.AlertExploit}, WatchedContracts: []model.Address{second}}
	if Matches(watched, a) {
		t.Fatalf("alert on unwatched contract should not match")
	}
	global := &model.AlertSubscription{Active: true, GlobalAlerts: true, WatchedContracts: []model.Address{second}}
	if !Matches(global, a) {
		t.Fatalf("global subscriber should match any type and contract")
	}
	global.Active = false
	if Matches(global, a) {
		t.Fatalf("inactive subscription must not match")
	}
}

func TestCreateRateLimit(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	d := newDispatcherForTest(clk)
	for i := 1; i <= 10; i++ {
		if _, err := d.Create(draft(model.AlertSuspicious, model.SeverityLow, contract), reporter); err != nil {
			t.Fatalf("alert %d: %v", i, err)
		}
		clk.Advance(time.Hour)
	}
	if _, err := d.Create(draft(model.AlertSuspicious, model.SeverityLow, contract), reporter); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("11th alert should be rate limited, got %v", err)
	}
	if _, err := d.Create(draft(model.AlertSuspicious, model.SeverityLow, second), reporter); err != nil {
		t.Fatalf("quota is per contract: %v", err)
	}
	clk.Advance(14 * time.Hour)
	if _, err := d.Create(draft(model.AlertSuspicious, model.SeverityLow, contract), reporter); err != nil {
		t.Fatalf("quota should recover once the first alert leaves the window: %v", err)
	}
}

func TestCreateValidationAndAuth(t *testing.T) {
	d := newDispatcherForTest(clock.NewManual(time.Now()))
	if _, err := d.Create(draft(model.AlertExploit, model.SeverityHigh, contract), user); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	bad := draft(model.AlertExploit, model.SeverityHigh, contract)
	bad.Title = ""
	if _, err := d.Create(bad, reporter); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := d.Create(draft(model.AlertExploit, model.SeverityHigh, model.Address{}), reporter); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for zero contract, got %v", err)
	}
}

func TestSubscribeRules(t *testing.T) {
	d := newDispatcherForTest(clock.NewManual(time.Now()))
	if _, err := d.Subscribe(SubscriptionRequest{}, user); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected empty types to fail, got %v", err)
	}
	many := make([]model.Address, 51)
	for i := range many {
		many[i] = common.BigToAddress(big.NewInt(int64(0x5000 + i)))
	}
	if _, err := d.Subscribe(SubscriptionRequest{Types: []model.AlertType{model.AlertExploit}, WatchedContracts: many}, user); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected watched contract bound, got %v", err)
	}
	if _, err := d.Unsubscribe(user); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := d.Subscribe(SubscriptionRequest{Types: []model.AlertType{model.AlertExploit}, WatchedContracts: many[:50]}, user); err != nil {
		t.Fatalf("subscribe at bound: %v", err)
	}
	sub, err := d.Subscribe(SubscriptionRequest{Types: []model.AlertType{model.AlertHoneypot, model.AlertHoneypot}}, user)
	if err != nil || len(sub.Types) != 1 || len(sub.WatchedContracts) != 0 {
		t.Fatalf("replacement subscription: %+v %v", sub, err)
	}
	if _, err := d.Unsubscribe(user); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := d.Unsubscribe(user); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected state error for inactive subscription, got %v", err)
	}
	kept, err := d.Subscription(user)
	if err != nil || kept.Active {
		t.Fatalf("subscription should be retained inactive: %+v %v", kept, err)
	}
}

func TestAcknowledgeDismiss(t *testing.T) {
	d := newDispatcherForTest(clock.NewManual(time.Now()))
	_, _ = d.Subscribe(SubscriptionRequest{Types: []model.AlertType{model.AlertExploit}}, user)
	_, _ = d.Subscribe(SubscriptionRequest{Types: []model.AlertType{model.AlertExploit}}, other)
	a, _ := d.Create(draft(model.AlertExploit, model.SeverityHigh, contract), reporter)
	if a.AffectedUserCount != 2 {
		t.Fatalf("expected 2 affected users, got %d", a.AffectedUserCount)
	}
	if err := d.Dismiss(a.ID, user); !errors.Is(err, errs.ErrState) {
		t.Fatalf("dismiss before acknowledge should fail, got %v", err)
	}
	if err := d.Acknowledge(a.ID, user); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := d.Acknowledge(a.ID, user); !errors.Is(err, errs.ErrState) {
		t.Fatalf("double acknowledge should fail, got %v", err)
	}
	if err := d.Dismiss(a.ID, user); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if got := d.UserAlerts(user); len(got) != 0 {
		t.Fatalf("dismissed alert should be hidden from user, got %d", len(got))
	}
	if got := d.UserAlerts(other); len(got) != 1 {
		t.Fatalf("dismissal is per user, other sees %d", len(got))
	}
	if got, _ := d.Get(a.ID); got.Status != model.AlertActive {
		t.Fatalf("dismissal must not change global status, got %s", got.Status)
	}
}

func TestResolveAndExpireBatch(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	d := newDispatcherForTest(clk)
	short := draft(model.AlertFlashLoan, model.SeverityCritical, contract)
	short.ExpiresIn = time.Hour
	a1, _ := d.Create(short, reporter)
	a2, _ := d.Create(short, reporter)
	forever, _ := d.Create(draft(model.AlertExploit, model.SeverityCritical, contract), reporter)
	a4, _ := d.Create(short, reporter)
	if forever.ExpiresAt != nil {
		t.Fatalf("zero expiry should never expire")
	}
	if _, err := d.Resolve(a2.ID, reporter); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := d.Resolve(a2.ID, reporter); !errors.Is(err, errs.ErrState) {
		t.Fatalf("resolving twice should fail, got %v", err)
	}
	if !d.HasCriticalAlerts(contract) {
		t.Fatalf("expected critical alerts")
	}

	clk.Advance(time.Hour)
	first, err := d.ExpireBatch(2)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(first) != 1 || first[0].ID != a1.ID {
		t.Fatalf("first batch should expire only alert 1, got %+v", first)
	}
	next, _ := d.ExpireBatch(2)
	if len(next) != 1 || next[0].ID != a4.ID {
		t.Fatalf("second batch should continue from cursor and expire alert 4, got %+v", next)
	}
	third, _ := d.ExpireBatch(10)
	if len(third) != 0 {
		t.Fatalf("nothing left to expire, got %d", len(third))
	}
	st := d.Stats(contract)
	if st.Total != 4 || st.Active != 1 || st.Critical != 4 || st.LastAlertAt == nil {
		t.Fatalf("unexpected stats %+v", st)
	}
	if active := d.ContractAlerts(contract, true); len(active) != 1 || active[0].ID != forever.ID {
		t.Fatalf("unexpected active alerts %+v", active)
	}
	if _, err := d.ExpireBatch(0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for zero batch, got %v", err)
	}
}

func TestRestoreResumesIDsAndReceipts(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	d := newDispatcherForTest(clk)
	past := clk.Now().Add(-time.Minute)
	restored := []model.SecurityAlert{
		{ID: 4, Type: model.AlertExploit, Severity: model.SeverityHigh, Status: model.AlertActive, Contract: contract, Reporter: reporter, Title: "t", Description: "d", Timestamp: clk.Now(), ExpiresAt: &past},
		{ID: 1, Type: model.AlertExploit, Severity: model.SeverityHigh, Status: model.AlertActive, Contract: contract, Reporter: reporter, Title: "t", Description: "d", Timestamp: clk.Now()},
	}
	subs := []model.AlertSubscription{{Subscriber: user, Types: []model.AlertType{model.AlertExploit}, Active: true, CreatedAt: clk.Now()}}
	receipts := []Receipt{{AlertID: 1, User: user, Dismissed: true}, {AlertID: 9, User: user}}
	if err := d.Restore(restored, subs, receipts); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := d.UserAlerts(user)
	if len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("expected only undismissed alert 4 for user, got %+v", got)
	}
	if err := d.Acknowledge(1, user); !errors.Is(err, errs.ErrState) {
		t.Fatalf("restored acknowledgement should block a second one, got %v", err)
	}
	a, err := d.Create(draft(model.AlertExploit, model.SeverityHigh, second), reporter)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID != 5 || a.AffectedUserCount != 1 {
		t.Fatalf("expected id 5 with restored subscriber matched, got %+v", a)
	}
	expired, err := d.ExpireBatch(10)
	if err != nil {
		t.Fatalf("expire across id gaps: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != 4 {
		t.Fatalf("expected alert 4 to expire, got %+v", expired)
	}
	if err := d.Restore(nil, nil, nil); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected restore into populated dispatcher to fail, got %v", err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"chainguard/internal/alerts"
	"chainguard/internal/events"
	"chainguard/internal/model"
	"chainguard/internal/storage"
)

func (e *Engine) CreateAlert(ctx context.Context, d alerts.Draft, caller model.Address) (model.SecurityAlert, error) {
	a, err := e.alerts.Create(d, caller)
	if e.observe("create_alert", err) != nil {
		return model.SecurityAlert{}, err
	}
	e.commitAlert(ctx, a, caller)
	return a, nil
}

func (e *Engine) commitAlert(ctx context.Context, a model.SecurityAlert, caller model.Address) {
	e.metrics.AlertCreated(a.Severity.String())
	e.saveAlert(ctx, a)
	e.publish(ctx, e.event(events.AlertCreated, a.Contract, caller, a))
	if a.BroadcastGlobally {
		e.publish(ctx, e.event(events.AlertBroadcast, a.Contract, caller, a))
	}
}

func (e *Engine) saveAlert(ctx context.Context, a model.SecurityAlert) {
	e.persist(ctx, "alert", func(ctx context.Context, st storage.Store) error {
		return st.SaveAlert(ctx, a)
	})
}

func (e *Engine) SubscribeToAlerts(ctx context.Context, req alerts.SubscriptionRequest, caller model.Address) (model.AlertSubscription, error) {
	sub, err := e.alerts.Subscribe(req, caller)
	if e.observe("subscribe", err) != nil {
		return model.AlertSubscription{}, err
	}
	e.commitSubscription(ctx, sub)
	return sub, nil
}

func (e *Engine) UnsubscribeFromAlerts(ctx context.Context, caller model.Address) (model.AlertSubscription, error) {
	sub, err := e.alerts.Unsubscribe(caller)
	if e.observe("unsubscribe", err) != nil {
		return model.AlertSubscription{}, err
	}
	e.commitSubscription(ctx, sub)
	return sub, nil
}

func (e *Engine) commitSubscription(ctx context.Context, sub model.AlertSubscription) {
	e.metrics.Subscribers(e.alerts.ActiveSubscribers())
	e.persist(ctx, "subscription", func(ctx context.Context, st storage.Store) error {
		return st.SaveSubscription(ctx, sub)
	})
	var zero model.Address
	e.publish(ctx, e.event(events.SubscriptionUpdated, zero, sub.Subscriber, sub))
}

func (e *Engine) AcknowledgeAlert(ctx context.Context, id uint64, caller model.Address) error {
	if err := e.observe("acknowledge_alert", e.alerts.Acknowledge(id, caller)); err != nil {
		return err
	}
	e.saveReceipt(ctx, storage.AlertReceipt{AlertID: id, User: caller})
	return nil
}

func (e *Engine) DismissAlert(ctx context.Context, id uint64, caller model.Address) error {
	if err := e.observe("dismiss_alert", e.alerts.Dismiss(id, caller)); err != nil {
		return err
	}
	e.saveReceipt(ctx, storage.AlertReceipt{AlertID: id, User: caller, Dismissed: true})
	return nil
}

func (e *Engine) saveReceipt(ctx context.Context, r storage.AlertReceipt) {
	e.persist(ctx, "alert receipt", func(ctx context.Context, st storage.Store) error {
		return st.SaveAlertReceipt(ctx, r)
	})
}

func (e *Engine) ResolveAlert(ctx context.Context, id uint64, caller model.Address) (model.SecurityAlert, error) {
	a, err := e.alerts.Resolve(id, caller)
	if e.observe("resolve_alert", err) != nil {
		return model.SecurityAlert{}, err
	}
	e.saveAlert(ctx, a)
	e.publish(ctx, e.event(events.AlertResolved, a.Contract, caller, a).WithChange(model.AlertActive, a.Status))
	return a, nil
}

// ExpireOldAlerts runs one bounded sweep step. A non-positive batch falls
// back to the configured batch size.
func (e *Engine) ExpireOldAlerts(ctx context.Context, batch int) ([]model.SecurityAlert, error) {
	if batch <= 0 {
		batch = e.config().Alerts.ExpireBatchSize
	}
	expired, err := e.alerts.ExpireBatch(batch)
	if e.observe("expire_alerts", err) != nil {
		return nil, err
	}
	e.metrics.AlertsExpired(len(expired))
	var system model.Address
	for _, a := range expired {
		e.saveAlert(ctx, a)
		e.publish(ctx, e.event(events.AlertExpired, a.Contract, system, a).WithChange(model.AlertActive, a.Status))
	}
	return expired, nil
}

func (e *Engine) GetAlert(id uint64) (model.SecurityAlert, error) {
	return e.alerts.Get(id)
}

func (e *Engine) GetContractAlerts(contract model.Address, activeOnly bool) []model.SecurityAlert {
	return e.alerts.ContractAlerts(contract, activeOnly)
}

func (e *Engine) GetUserAlerts(user model.Address) []model.SecurityAlert {
	return e.alerts.UserAlerts(user)
}

func (e *Engine) GetSubscription(user model.Address) (model.AlertSubscription, error) {
	return e.alerts.Subscription(user)
}

func (e *Engine) HasCriticalAlerts(contract model.Address) bool {
	return e.alerts.HasCriticalAlerts(contract)
}

func (e *Engine) GetContractAlertStats(contract model.Address) alerts.ContractStats {
	return e.alerts.Stats(contract)
}

var threatAlertTypes = map[model.ThreatType]model.AlertType{
	model.ThreatRugPull:           model.AlertRugPull,
	model.ThreatHoneypot:          model.AlertHoneypot,
	model.ThreatPhishing:          model.AlertPhishing,
	model.ThreatFlashLoanAttack:   model.AlertFlashLoan,
	model.ThreatPriceManipulation: model.AlertPriceManipulation,
	model.ThreatReentrancy:        model.AlertExploit,
	model.ThreatMaliciousUpgrade:  model.AlertContractUpgrade,
}

func alertTypeFor(t model.ThreatType) model.AlertType {
	if at, ok := threatAlertTypes[t]; ok {
		return at
	}
	return model.AlertSuspicious
}

// severityFor maps a 1..10 report severity onto the alert scale.
func severityFor(severity int) model.AlertSeverity {
	switch {
	case severity >= 9:
		return model.SeverityCritical
	case severity >= 7:
		return model.SeverityHigh
	case severity >= 4:
		return model.SeverityMedium
	case severity >= 2:
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}

func (e *Engine) raiseRiskAlert(ctx context.Context, res model.AnalysisResult) {
	sev := model.SeverityHigh
	if res.RiskLevel == model.RiskCritical {
		sev = model.SeverityCritical
	}
	payload, _ := json.Marshal(map[string]any{"analysis_id": res.ID, "risk_score": res.RiskScore, "evidence_ref": res.EvidenceRef})
	e.raiseAutoAlert(ctx, alerts.Draft{
		Type:              model.AlertHighRiskContract,
		Severity:          sev,
		Contract:          res.Contract,
		Title:             fmt.Sprintf("Contract risk raised to %s", res.RiskLevel),
		Description:       fmt.Sprintf("Analysis %d scored %d with %d%% confidence.", res.ID, res.RiskScore, res.Confidence),
		ActionRequired:    "Avoid interacting with this contract until it is reviewed.",
		Payload:           payload,
		BroadcastGlobally: sev == model.SeverityCritical,
	})
}

func (e *Engine) raiseThreatAlert(ctx context.Context, r model.ThreatReport) {
	sev := severityFor(r.Severity)
	payload, _ := json.Marshal(map[string]any{"report_id": r.ID, "confirmations": r.Confirmations, "evidence_ref": r.EvidenceRef})
	e.raiseAutoAlert(ctx, alerts.Draft{
		Type:              alertTypeFor(r.ThreatType),
		Severity:          sev,
		Contract:          r.Contract,
		Title:             fmt.Sprintf("Verified %s report", r.ThreatType),
		Description:       r.Description,
		ActionRequired:    "Revoke approvals and withdraw funds from this contract.",
		Payload:           payload,
		BroadcastGlobally: sev == model.SeverityCritical,
	})
}

// raiseAutoAlert creates an alert as the owner. Failures never surface to the
// operation that triggered it.
func (e *Engine) raiseAutoAlert(ctx context.Context, d alerts.Draft) {
	cfg := e.config().Alerts
	if !cfg.AutoAlerts {
		return
	}
	key := cooldownKey(d.Contract, d.Type)
	if !e.cooldown.Ready(key, e.clock.Now(), cfg.AutoAlertCooldown) {
		e.logger.Debug("auto alert suppressed by cooldown", "type", d.Type, "contract", d.Contract.Hex())
		return
	}
	d.ExpiresIn = cfg.AutoAlertTTL
	owner := e.roster.Owner()
	a, err := e.alerts.Create(d, owner)
	if e.observe("auto_alert", err) != nil {
		e.logger.Warn("auto alert not raised", "type", d.Type, "contract", d.Contract.Hex(), "err", err)
		return
	}
	e.cooldown.Mark(key, a.Timestamp, cfg.AutoAlertCooldown)
	e.commitAlert(ctx, a, owner)
}

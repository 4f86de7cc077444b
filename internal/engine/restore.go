package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"chainguard/internal/access"
	"chainguard/internal/alerts"
	"chainguard/internal/errs"
	"chainguard/internal/reputation"
	"chainguard/internal/storage"
)

const (
	settingWeights     = "reputation.weights"
	settingDecayFactor = "reputation.decay_factor"
)

// Restore rebuilds engine state from the journal. It must run before the
// engine serves any operation; a populated engine is refused.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if n := e.ledger.Count() + e.consensus.Count() + e.reputation.Count() + e.alerts.Count(); n > 0 {
		return errs.State("restore requires an empty engine, found %d entities", n)
	}
	j, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, g := range j.RoleGrants {
		if err := e.roster.Replay(access.Role(g.Role), g.Address, g.Granted); err != nil {
			e.logger.Warn("skipping journaled role grant", "role", g.Role, "address", g.Address.Hex(), "err", err)
		}
	}
	if err := e.ledger.Restore(j.Analyses); err != nil {
		return err
	}
	if err := e.consensus.Restore(j.Reports, j.ReporterReputation); err != nil {
		return err
	}
	state := reputation.State{
		Scores:      j.Scores,
		History:     j.Snapshots,
		Verified:    j.Verified,
		Deployments: j.Deployments,
	}
	if raw, ok := j.Settings[settingWeights]; ok {
		var w reputation.Weights
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			e.logger.Warn("ignoring journaled weights", "err", err)
		} else {
			state.Weights = &w
		}
	}
	if raw, ok := j.Settings[settingDecayFactor]; ok {
		if f, err := strconv.ParseUint(raw, 10, 64); err != nil {
			e.logger.Warn("ignoring journaled decay factor", "value", raw, "err", err)
		} else {
			state.DecayFactor = &f
		}
	}
	if err := e.reputation.Restore(state); err != nil {
		return err
	}
	receipts := make([]alerts.Receipt, 0, len(j.Receipts))
	for _, r := range j.Receipts {
		receipts = append(receipts, alerts.Receipt{AlertID: r.AlertID, User: r.User, Dismissed: r.Dismissed})
	}
	if err := e.alerts.Restore(j.Alerts, j.Subscriptions, receipts); err != nil {
		return err
	}
	e.metrics.Subscribers(e.alerts.ActiveSubscribers())
	e.logger.Info("state restored from journal",
		"analyses", len(j.Analyses),
		"reports", len(j.Reports),
		"scores", len(j.Scores),
		"alerts", len(j.Alerts),
		"subscriptions", len(j.Subscriptions),
		"role_grants", len(j.RoleGrants))
	return nil
}

func (e *Engine) saveSetting(ctx context.Context, name, value string) {
	e.persist(ctx, "setting", func(ctx context.Context, st storage.Store) error {
		return st.SaveSetting(ctx, name, value)
	})
}

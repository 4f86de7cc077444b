// Package engine composes the analysis ledger, threat consensus, reputation
// aggregator and alert dispatcher behind one operation set. Each operation
// authorizes, mutates one component atomically, then journals the result,
// records metrics and publishes an event. Post-commit failures are logged and
// never undo the mutation.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"chainguard/internal/access"
	"chainguard/internal/alerts"
	"chainguard/internal/clock"
	"chainguard/internal/config"
	"chainguard/internal/consensus"
	"chainguard/internal/errs"
	"chainguard/internal/events"
	"chainguard/internal/ledger"
	"chainguard/internal/logging"
	"chainguard/internal/metrics"
	"chainguard/internal/model"
	"chainguard/internal/ratelimit"
	"chainguard/internal/reputation"
	"chainguard/internal/storage"
)

type Options struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	Publisher events.Publisher
	Store     storage.Store
	Metrics   *metrics.Recorder
}

type Engine struct {
	logger    *slog.Logger
	clock     clock.Clock
	publisher events.Publisher
	store     storage.Store
	metrics   *metrics.Recorder
	cfg       atomic.Value
	started   time.Time

	roster     *access.Roster
	ledger     *ledger.Ledger
	consensus  *consensus.Consensus
	reputation *reputation.Aggregator
	alerts     *alerts.Dispatcher
	cooldown   *cooldown
}

func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := logging.Component(opts.Logger, "engine")
	roster, err := access.FromConfig(cfg.Roles)
	if err != nil {
		return nil, err
	}
	led := ledger.New(ledger.Options{
		Roster:     roster,
		Clock:      opts.Clock,
		Quota:      ratelimit.Window{Limit: cfg.Ledger.MaxPerWindow, Span: cfg.Ledger.Window},
		StaleAfter: cfg.Ledger.StaleAfter,
		Logger:     opts.Logger,
	})
	con := consensus.New(consensus.Options{
		Roster:               roster,
		Clock:                opts.Clock,
		Threshold:            cfg.Consensus.Threshold,
		ReporterBoost:        cfg.Consensus.ReporterBoost,
		ConfirmerBoost:       cfg.Consensus.ConfirmerBoost,
		FalsePositivePenalty: cfg.Consensus.FalsePositivePenalty,
		Logger:               opts.Logger,
	})
	w := cfg.Reputation.Weights
	agg, err := reputation.New(reputation.Options{
		Roster:         roster,
		Clock:          opts.Clock,
		Risk:           led,
		Threat:         con,
		Scale:          cfg.Reputation.Scale,
		Weights:        reputation.Weights{Security: w.Security, Community: w.Community, Stability: w.Stability, Transparency: w.Transparency},
		DecayFactor:    cfg.Reputation.DecayFactor,
		DecayPeriod:    cfg.Reputation.DecayPeriod,
		MaturityWindow: cfg.Reputation.MaturityWindow,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	disp := alerts.New(alerts.Options{
		Roster:              roster,
		Clock:               opts.Clock,
		Quota:               ratelimit.Window{Limit: cfg.Alerts.MaxPerWindow, Span: cfg.Alerts.Window},
		MaxWatchedContracts: cfg.Alerts.MaxWatchedContracts,
		Logger:              opts.Logger,
	})
	e := &Engine{
		logger:     logger,
		clock:      opts.Clock,
		publisher:  opts.Publisher,
		store:      opts.Store,
		metrics:    opts.Metrics,
		started:    opts.Clock.Now(),
		roster:     roster,
		ledger:     led,
		consensus:  con,
		reputation: agg,
		alerts:     disp,
		cooldown:   newCooldown(),
	}
	e.cfg.Store(cfg)
	return e, nil
}

// UpdateConfig applies reloadable tunables. Rosters and reputation
// parameters are engine state and change only through owner operations.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.cfg.Store(cfg)
	e.ledger.SetQuota(ratelimit.Window{Limit: cfg.Ledger.MaxPerWindow, Span: cfg.Ledger.Window})
	e.alerts.SetLimits(ratelimit.Window{Limit: cfg.Alerts.MaxPerWindow, Span: cfg.Alerts.Window}, cfg.Alerts.MaxWatchedContracts)
	e.logger.Info("config updated")
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Owner() model.Address { return e.roster.Owner() }

type Status struct {
	StartedAt         time.Time          `json:"started_at"`
	Uptime            string             `json:"uptime"`
	Analyses          int                `json:"analyses"`
	Reports           int                `json:"reports"`
	ScoredContracts   int                `json:"scored_contracts"`
	Alerts            int                `json:"alerts"`
	ActiveSubscribers int                `json:"active_subscribers"`
	DecayFactor       uint64             `json:"decay_factor"`
	Weights           reputation.Weights `json:"weights"`
	StorageEnabled    bool               `json:"storage_enabled"`
	AutoAlerts        bool               `json:"auto_alerts"`
}

func (e *Engine) Status() Status {
	return Status{
		StartedAt:         e.started,
		Uptime:            e.clock.Now().Sub(e.started).Truncate(time.Second).String(),
		Analyses:          e.ledger.Count(),
		Reports:           e.consensus.Count(),
		ScoredContracts:   e.reputation.Count(),
		Alerts:            e.alerts.Count(),
		ActiveSubscribers: e.alerts.ActiveSubscribers(),
		DecayFactor:       e.reputation.DecayFactor(),
		Weights:           e.reputation.Weights(),
		StorageEnabled:    e.store != nil,
		AutoAlerts:        e.config().Alerts.AutoAlerts,
	}
}

// observe counts the outcome of op and passes err through.
func (e *Engine) observe(op string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = errs.Kind(err)
		e.logger.Debug("operation rejected", "op", op, "kind", outcome, "err", err)
	}
	e.metrics.Operation(op, outcome)
	return err
}

func (e *Engine) persist(ctx context.Context, what string, fn func(ctx context.Context, st storage.Store) error) {
	if e.store == nil {
		return
	}
	if err := fn(ctx, e.store); err != nil {
		e.metrics.StoreError()
		if errors.Is(err, storage.ErrConflict) {
			e.logger.Error("journal id conflict, entity not recorded", "entity", what, "err", err)
			return
		}
		e.logger.Warn("journal write failed", "entity", what, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.metrics.PublishError()
		e.logger.Warn("event publish failed", "kind", ev.Kind, "id", ev.ID, "err", err)
	}
}

func (e *Engine) event(kind events.Kind, contract, actor model.Address, payload any) events.Event {
	return events.New(kind, contract, actor, e.clock.Now(), payload)
}

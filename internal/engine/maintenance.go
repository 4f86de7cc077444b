package engine

import (
	"context"
	"time"
)

// RunMaintenance sweeps expired alerts until ctx ends. The interval is read
// from the current config on every tick so reloads take effect.
func (e *Engine) RunMaintenance(ctx context.Context) {
	interval := e.config().Alerts.SweepInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.sweep(ctx)
			timer.Reset(e.config().Alerts.SweepInterval)
		}
	}
}

// sweep drains every alert whose expiry has passed, one bounded batch at a
// time, stopping after a full pass over the id space.
func (e *Engine) sweep(ctx context.Context) {
	batch := e.config().Alerts.ExpireBatchSize
	if batch <= 0 {
		return
	}
	total := e.alerts.Count()
	for scanned := 0; scanned < total; scanned += batch {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.ExpireOldAlerts(ctx, batch); err != nil {
			e.logger.Warn("alert sweep failed", "err", err)
			return
		}
	}
}

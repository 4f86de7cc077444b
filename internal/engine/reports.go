package engine

import (
	"context"

	"chainguard/internal/consensus"
	"chainguard/internal/events"
	"chainguard/internal/model"
	"chainguard/internal/storage"
)

func (e *Engine) ReportThreat(ctx context.Context, d consensus.Draft, caller model.Address) (model.ThreatReport, error) {
	report, err := e.consensus.Report(d, caller)
	if e.observe("report_threat", err) != nil {
		return model.ThreatReport{}, err
	}
	e.metrics.ReportTransition(string(report.Status))
	e.saveReporterReputation(ctx, report, nil)
	e.saveReport(ctx, report)
	e.publish(ctx, e.event(events.ReportSubmitted, report.Contract, caller, report))
	return report, nil
}

func (e *Engine) ConfirmReport(ctx context.Context, id uint64, caller model.Address) (model.ThreatReport, error) {
	out, err := e.consensus.Confirm(id, caller)
	if e.observe("confirm_report", err) != nil {
		return model.ThreatReport{}, err
	}
	e.commitOutcome(ctx, out, caller, true)
	return out.Report, nil
}

func (e *Engine) DisputeReport(ctx context.Context, id uint64, caller model.Address) (model.ThreatReport, error) {
	out, err := e.consensus.Dispute(id, caller)
	if e.observe("dispute_report", err) != nil {
		return model.ThreatReport{}, err
	}
	e.commitOutcome(ctx, out, caller, true)
	return out.Report, nil
}

func (e *Engine) SetReportStatus(ctx context.Context, id uint64, status model.ReportStatus, caller model.Address) (model.ThreatReport, error) {
	out, err := e.consensus.SetStatus(id, status, caller)
	if e.observe("set_report_status", err) != nil {
		return model.ThreatReport{}, err
	}
	e.commitOutcome(ctx, out, caller, false)
	return out.Report, nil
}

func (e *Engine) ResolveReport(ctx context.Context, id uint64, caller model.Address) (model.ThreatReport, error) {
	out, err := e.consensus.Resolve(id, caller)
	if e.observe("resolve_report", err) != nil {
		return model.ThreatReport{}, err
	}
	e.commitOutcome(ctx, out, caller, false)
	return out.Report, nil
}

// commitOutcome journals and announces a report mutation. Votes that leave
// the status unchanged emit report.voted only.
func (e *Engine) commitOutcome(ctx context.Context, out consensus.Outcome, caller model.Address, vote bool) {
	report := out.Report
	e.saveReport(ctx, report)
	if vote {
		e.publish(ctx, e.event(events.ReportVoted, report.Contract, caller, report))
	}
	if !out.StatusChanged() {
		return
	}
	e.metrics.ReportTransition(string(report.Status))
	e.saveReporterReputation(ctx, report, out.Boosted)
	e.publish(ctx, e.event(events.ReportStatusChanged, report.Contract, caller, report).
		WithChange(out.Previous, report.Status))
	if len(out.Boosted) > 0 {
		e.logger.Info("reporter reputation boosted", "report", report.ID, "addresses", len(out.Boosted))
	}
	if report.Status == model.ReportVerified {
		e.raiseThreatAlert(ctx, report)
	}
}

func (e *Engine) saveReport(ctx context.Context, report model.ThreatReport) {
	e.persist(ctx, "report", func(ctx context.Context, st storage.Store) error {
		return st.SaveReport(ctx, report)
	})
}

// saveReporterReputation journals the reputation of every address a status
// change touched: boosted voters and the reporter, who may also be penalized.
func (e *Engine) saveReporterReputation(ctx context.Context, report model.ThreatReport, boosted []model.Address) {
	addrs := append([]model.Address{report.Reporter}, boosted...)
	seen := make(map[model.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		rep := e.consensus.ReporterReputation(addr)
		e.persist(ctx, "reporter reputation", func(ctx context.Context, st storage.Store) error {
			return st.SaveReporterReputation(ctx, addr, rep)
		})
	}
}

func (e *Engine) GetReport(id uint64) (model.ThreatReport, error) {
	return e.consensus.Get(id)
}

func (e *Engine) GetReportVoters(id uint64) (confirmers, disputers []model.Address, err error) {
	return e.consensus.Voters(id)
}

func (e *Engine) GetContractReports(contract model.Address) []model.ThreatReport {
	return e.consensus.ReportsByContract(contract)
}

func (e *Engine) GetReporterReports(reporter model.Address) []model.ThreatReport {
	return e.consensus.ReportsByReporter(reporter)
}

func (e *Engine) GetContractThreatLevel(contract model.Address) int {
	level, _ := e.consensus.ThreatLevel(contract)
	return level
}

func (e *Engine) HasActiveThreat(contract model.Address) bool {
	return e.consensus.HasActiveThreat(contract)
}

func (e *Engine) ReporterReputation(addr model.Address) uint64 {
	return e.consensus.ReporterReputation(addr)
}

package engine

import (
	"context"

	"chainguard/internal/events"
	"chainguard/internal/ledger"
	"chainguard/internal/model"
	"chainguard/internal/storage"
)

func (e *Engine) SubmitAnalysis(ctx context.Context, sub ledger.Submission, caller model.Address) (ledger.Receipt, error) {
	receipt, err := e.ledger.Submit(sub, caller)
	if e.observe("submit_analysis", err) != nil {
		return ledger.Receipt{}, err
	}
	res := receipt.Result
	e.metrics.Analysis(res.RiskLevel.String())
	e.persist(ctx, "analysis", func(ctx context.Context, st storage.Store) error {
		return st.SaveAnalysis(ctx, res)
	})
	ev := e.event(events.AnalysisSubmitted, res.Contract, caller, res)
	if receipt.LevelChanged {
		ev = ev.WithChange(receipt.PreviousLevel.String(), res.RiskLevel.String())
	}
	e.publish(ctx, ev)

	if receipt.LevelChanged && res.RiskLevel >= model.RiskHigh {
		e.raiseRiskAlert(ctx, res)
	}
	return receipt, nil
}

func (e *Engine) VerifyAnalysis(ctx context.Context, id uint64, caller model.Address) (model.AnalysisResult, error) {
	res, err := e.ledger.Verify(id, caller)
	if e.observe("verify_analysis", err) != nil {
		return model.AnalysisResult{}, err
	}
	e.persist(ctx, "analysis", func(ctx context.Context, st storage.Store) error {
		return st.SaveAnalysis(ctx, res)
	})
	e.publish(ctx, e.event(events.AnalysisVerified, res.Contract, caller, res).WithChange(false, true))
	return res, nil
}

func (e *Engine) GetAnalysis(id uint64) (model.AnalysisResult, error) {
	return e.ledger.Get(id)
}

func (e *Engine) GetLatestAnalysis(contract model.Address) (model.AnalysisResult, error) {
	return e.ledger.Latest(contract)
}

func (e *Engine) GetContractAnalyses(contract model.Address) []model.AnalysisResult {
	return e.ledger.History(contract)
}

func (e *Engine) GetContractStats(contract model.Address) ledger.Stats {
	return e.ledger.Stats(contract)
}

func (e *Engine) IsAnalysisFresh(contract model.Address) (bool, error) {
	return e.ledger.IsFresh(contract)
}

package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"chainguard/internal/events"
	"chainguard/internal/model"
	"chainguard/internal/reputation"
	"chainguard/internal/storage"
)

func (e *Engine) UpdateReputationScore(ctx context.Context, contract model.Address, reason string, caller model.Address) (model.ReputationScore, error) {
	up, err := e.reputation.UpdateScore(contract, reason, caller)
	if e.observe("update_reputation", err) != nil {
		return model.ReputationScore{}, err
	}
	e.commitScore(ctx, up, caller)
	return up.Score, nil
}

func (e *Engine) VerifyContract(ctx context.Context, contract model.Address, caller model.Address) (model.ReputationScore, error) {
	up, err := e.reputation.Verify(contract, caller)
	if e.observe("verify_contract", err) != nil {
		return model.ReputationScore{}, err
	}
	e.persist(ctx, "contract verification", func(ctx context.Context, st storage.Store) error {
		return st.SaveContractVerified(ctx, contract)
	})
	e.publish(ctx, e.event(events.ContractVerified, contract, caller, up.Score).WithChange(false, true))
	e.commitScore(ctx, up, caller)
	return up.Score, nil
}

func (e *Engine) commitScore(ctx context.Context, up reputation.Update, caller model.Address) {
	score := up.Score
	if scale := e.reputation.Scale(); scale > 0 {
		e.metrics.Score(score.Overall * 100 / scale)
	}
	e.persist(ctx, "reputation", func(ctx context.Context, st storage.Store) error {
		if err := st.SaveScore(ctx, score); err != nil {
			return err
		}
		return st.SaveSnapshot(ctx, score.Contract, up.Snapshot)
	})
	e.publish(ctx, e.event(events.ReputationUpdated, score.Contract, caller, score).
		WithChange(up.Previous, score.Overall))
}

func (e *Engine) RecordDeployment(ctx context.Context, contract model.Address, deployedAt time.Time, caller model.Address) error {
	if err := e.observe("record_deployment", e.reputation.RecordDeployment(contract, deployedAt, caller)); err != nil {
		return err
	}
	e.persist(ctx, "deployment", func(ctx context.Context, st storage.Store) error {
		return st.SaveDeployment(ctx, contract, deployedAt)
	})
	return nil
}

func (e *Engine) GetReputationScore(contract model.Address) (model.ReputationScore, error) {
	return e.reputation.Score(contract)
}

func (e *Engine) GetReputationPercentage(contract model.Address) (uint64, error) {
	return e.reputation.Percentage(contract)
}

func (e *Engine) GetReputationCategory(contract model.Address) (string, error) {
	return e.reputation.Category(contract)
}

func (e *Engine) GetScoreHistory(contract model.Address) []model.ScoreSnapshot {
	return e.reputation.History(contract)
}

func (e *Engine) IsContractVerified(contract model.Address) bool {
	return e.reputation.IsVerified(contract)
}

func (e *Engine) SetReputationWeights(ctx context.Context, w reputation.Weights, caller model.Address) error {
	err := e.reputation.SetWeights(w, caller)
	if e.observe("set_weights", err) == nil {
		e.logger.Info("reputation weights changed", "security", w.Security, "community", w.Community,
			"stability", w.Stability, "transparency", w.Transparency)
		raw, _ := json.Marshal(w)
		e.saveSetting(ctx, settingWeights, string(raw))
	}
	return err
}

func (e *Engine) SetDecayFactor(ctx context.Context, factor uint64, caller model.Address) error {
	err := e.reputation.SetDecayFactor(factor, caller)
	if e.observe("set_decay_factor", err) == nil {
		e.logger.Info("decay factor changed", "factor", factor)
		e.saveSetting(ctx, settingDecayFactor, strconv.FormatUint(factor, 10))
	}
	return err
}

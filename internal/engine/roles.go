package engine

import (
	"context"

	"chainguard/internal/access"
	"chainguard/internal/model"
	"chainguard/internal/storage"
)

func (e *Engine) AddAnalyzer(ctx context.Context, addr, caller model.Address) error {
	return e.grant(ctx, access.RoleAnalyzer, addr, caller)
}

func (e *Engine) RemoveAnalyzer(ctx context.Context, addr, caller model.Address) error {
	return e.revoke(ctx, access.RoleAnalyzer, addr, caller)
}

func (e *Engine) AddModerator(ctx context.Context, addr, caller model.Address) error {
	return e.grant(ctx, access.RoleModerator, addr, caller)
}

func (e *Engine) RemoveModerator(ctx context.Context, addr, caller model.Address) error {
	return e.revoke(ctx, access.RoleModerator, addr, caller)
}

func (e *Engine) AddReporter(ctx context.Context, addr, caller model.Address) error {
	return e.grant(ctx, access.RoleReporter, addr, caller)
}

func (e *Engine) RemoveReporter(ctx context.Context, addr, caller model.Address) error {
	return e.revoke(ctx, access.RoleReporter, addr, caller)
}

func (e *Engine) HasRole(role access.Role, addr model.Address) bool {
	return e.roster.Has(role, addr)
}

func (e *Engine) grant(ctx context.Context, role access.Role, addr, caller model.Address) error {
	err := e.roster.Grant(role, addr, caller)
	if e.observe("grant_"+string(role), err) == nil {
		e.logger.Info("role granted", "role", role, "address", addr.Hex())
		e.saveRoleGrant(ctx, storage.RoleGrant{Role: string(role), Address: addr, Granted: true})
	}
	return err
}

func (e *Engine) revoke(ctx context.Context, role access.Role, addr, caller model.Address) error {
	err := e.roster.Revoke(role, addr, caller)
	if e.observe("revoke_"+string(role), err) == nil {
		e.logger.Info("role revoked", "role", role, "address", addr.Hex())
		e.saveRoleGrant(ctx, storage.RoleGrant{Role: string(role), Address: addr, Granted: false})
	}
	return err
}

func (e *Engine) saveRoleGrant(ctx context.Context, g storage.RoleGrant) {
	e.persist(ctx, "role grant", func(ctx context.Context, st storage.Store) error {
		return st.SaveRoleGrant(ctx, g)
	})
}

// Package access keeps the role rosters and performs the single authorization
// check every write operation runs before it mutates anything.
package access

import (
	"sort"
	"sync"

	"chainguard/internal/config"
	"chainguard/internal/errs"
	"chainguard/internal/model"
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleAnalyzer  Role = "analyzer"
	RoleModerator Role = "moderator"
	RoleReporter  Role = "reporter"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAnalyzer, RoleModerator, RoleReporter:
		return true
	}
	return false
}

// Roster maps roles to member sets. The owner implicitly holds every role and
// can never be revoked.
type Roster struct {
	mu      sync.RWMutex
	owner   model.Address
	members map[Role]map[model.Address]struct{}
}

func NewRoster(owner model.Address) *Roster {
	return &Roster{
		owner: owner,
		members: map[Role]map[model.Address]struct{}{
			RoleAnalyzer:  {},
			RoleModerator: {},
			RoleReporter:  {},
		},
	}
}

// FromConfig builds a roster from hex addresses. Entries that fail to parse
// are skipped; config.Validate rejects them earlier.
func FromConfig(cfg config.RolesConfig) (*Roster, error) {
	owner, err := model.ParseAddress(cfg.Owner)
	if err != nil {
		return nil, err
	}
	r := NewRoster(owner)
	r.members[RoleAnalyzer] = buildAddressSet(cfg.Analyzers)
	r.members[RoleModerator] = buildAddressSet(cfg.Moderators)
	r.members[RoleReporter] = buildAddressSet(cfg.Reporters)
	return r, nil
}

func buildAddressSet(values []string) map[model.Address]struct{} {
	set := make(map[model.Address]struct{}, len(values))
	for _, v := range values {
		addr, err := model.ParseAddress(v)
		if err != nil {
			continue
		}
		set[addr] = struct{}{}
	}
	return set
}

func (r *Roster) Owner() model.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *Roster) Has(role Role, addr model.Address) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr == r.owner {
		return true
	}
	set, ok := r.members[role]
	if !ok {
		return false
	}
	_, ok = set[addr]
	return ok
}

// Require passes when caller holds any of roles.
func (r *Roster) Require(caller model.Address, roles ...Role) error {
	if model.IsZero(caller) {
		return errs.Unauthorized("anonymous caller")
	}
	for _, role := range roles {
		if r.Has(role, caller) {
			return nil
		}
	}
	return errs.Unauthorized("caller %s lacks role %v", caller.Hex(), roles)
}

func (r *Roster) Grant(role Role, addr, caller model.Address) error {
	if err := r.Require(caller, RoleOwner); err != nil {
		return err
	}
	if !role.Valid() {
		return errs.Validation("unknown role %q", role)
	}
	if model.IsZero(addr) {
		return errs.Validation("zero address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[role][addr] = struct{}{}
	return nil
}

func (r *Roster) Revoke(role Role, addr, caller model.Address) error {
	if err := r.Require(caller, RoleOwner); err != nil {
		return err
	}
	if !role.Valid() {
		return errs.Validation("unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr == r.owner {
		return errs.Validation("cannot revoke owner")
	}
	if _, ok := r.members[role][addr]; !ok {
		return errs.NotFound("%s is not a %s", addr.Hex(), role)
	}
	delete(r.members[role], addr)
	return nil
}

// Replay applies a journaled grant or revocation without the owner check.
// The owner and the zero address are left untouched.
func (r *Roster) Replay(role Role, addr model.Address, granted bool) error {
	if !role.Valid() {
		return errs.Validation("unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if model.IsZero(addr) || addr == r.owner {
		return nil
	}
	if granted {
		r.members[role][addr] = struct{}{}
	} else {
		delete(r.members[role], addr)
	}
	return nil
}

// Members lists explicit members of role in address order. The owner is not
// included unless granted explicitly.
func (r *Roster) Members(role Role) []model.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Address, 0, len(r.members[role]))
	for addr := range r.members[role] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

package access

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"chainguard/internal/config"
	"chainguard/internal/errs"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	analyzer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestRosterFromConfig(t *testing.T) {
	r, err := FromConfig(config.RolesConfig{
		Owner:     owner.Hex(),
		Analyzers: []string{analyzer.Hex(), "not-an-address"},
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if !r.Has(RoleAnalyzer, analyzer) {
		t.Fatalf("expected analyzer role")
	}
	if r.Has(RoleModerator, analyzer) {
		t.Fatalf("analyzer should not be moderator")
	}
	if !r.Has(RoleModerator, owner) || !r.Has(RoleReporter, owner) {
		t.Fatalf("owner should hold every role")
	}
	if got := len(r.Members(RoleAnalyzer)); got != 1 {
		t.Fatalf("expected 1 analyzer, got %d", got)
	}
}

func TestRosterGrantRevokeOwnerOnly(t *testing.T) {
	r := NewRoster(owner)
	if err := r.Grant(RoleReporter, stranger, analyzer); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := r.Grant(RoleReporter, stranger, owner); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.Require(stranger, RoleAnalyzer, RoleReporter); err != nil {
		t.Fatalf("require any-of: %v", err)
	}
	if err := r.Revoke(RoleReporter, stranger, owner); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := r.Require(stranger, RoleReporter); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected unauthorized after revoke, got %v", err)
	}
	if err := r.Revoke(RoleModerator, owner, owner); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected owner revocation to fail validation, got %v", err)
	}
}

func TestRosterReplay(t *testing.T) {
	r := NewRoster(owner)
	_ = r.Grant(RoleModerator, analyzer, owner)
	if err := r.Replay(RoleAnalyzer, stranger, true); err != nil {
		t.Fatalf("replay grant: %v", err)
	}
	if err := r.Replay(RoleModerator, analyzer, false); err != nil {
		t.Fatalf("replay revoke: %v", err)
	}
	if !r.Has(RoleAnalyzer, stranger) || r.Has(RoleModerator, analyzer) {
		t.Fatalf("replayed changes not applied")
	}
	if err := r.Replay(RoleAnalyzer, owner, false); err != nil || !r.Has(RoleAnalyzer, owner) {
		t.Fatalf("owner must keep every role, err %v", err)
	}
	if err := r.Replay(Role("admin"), stranger, true); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

package emergency

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	owner    = common.HexToAddress("0x10")
	signerA  = common.HexToAddress("0x11")
	signerB  = common.HexToAddress("0x12")
	investor = common.HexToAddress("0x20")
	operator = common.HexToAddress("0x30")
)

func newControl(t *testing.T) *Control {
	t.Helper()
	c, err := New(owner, []common.Address{signerA, signerB}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestOwnerHoldsAllRolesAtBringUp(t *testing.T) {
	c := newControl(t)
	if !c.HasRole(owner, RoleOwner|RoleEmergency|RolePriceUpdater) {
		t.Fatal("owner must hold all roles after construction")
	}
}

func TestPauseRequiresEmergencyRole(t *testing.T) {
	c := newControl(t)

	if err := c.Pause(investor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := c.Pause(owner); err != nil {
		t.Fatalf("owner pause failed: %v", err)
	}
	if !c.Paused() {
		t.Fatal("paused flag not set")
	}
	if err := c.Pause(owner); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("expected ErrAlreadyPaused, got %v", err)
	}

	if err := c.Unpause(owner); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if err := c.Unpause(owner); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestGrantedEmergencyRoleCanPause(t *testing.T) {
	c := newControl(t)

	if err := c.GrantRole(investor, operator, RoleEmergency); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner grant should fail, got %v", err)
	}
	if err := c.GrantRole(owner, operator, RoleEmergency); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := c.Pause(operator); err != nil {
		t.Fatalf("granted operator pause failed: %v", err)
	}

	if err := c.RevokeRole(owner, operator, RoleEmergency); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := c.Unpause(operator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked operator should be rejected, got %v", err)
	}
}

func TestBlacklistImmunity(t *testing.T) {
	c := newControl(t)

	for _, target := range []common.Address{owner, signerA, signerB, {}} {
		if err := c.SetBlacklist(owner, target, true); !errors.Is(err, ErrImmuneAddress) {
			t.Fatalf("blacklisting %s should fail with ErrImmuneAddress, got %v", target.Hex(), err)
		}
		if c.Blacklisted(target) {
			t.Fatalf("immune address %s ended up blacklisted", target.Hex())
		}
	}
}

func TestBlacklistToggle(t *testing.T) {
	c := newControl(t)

	if err := c.SetBlacklist(investor, investor, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthorized blacklist should fail, got %v", err)
	}

	if err := c.SetBlacklist(owner, investor, true); err != nil {
		t.Fatalf("blacklist failed: %v", err)
	}
	if !c.Blacklisted(investor) {
		t.Fatal("investor should be blacklisted")
	}
	if err := c.SetBlacklist(owner, investor, true); !errors.Is(err, ErrNoChange) {
		t.Fatalf("redundant toggle should fail with ErrNoChange, got %v", err)
	}

	if err := c.SetBlacklist(owner, investor, false); err != nil {
		t.Fatalf("unblacklist failed: %v", err)
	}
	if c.Blacklisted(investor) {
		t.Fatal("investor should no longer be blacklisted")
	}
	if c.BlacklistCount() != 0 {
		t.Fatalf("blacklist count = %d, want 0", c.BlacklistCount())
	}
}

func TestAuthorizeEmergencyWithdraw(t *testing.T) {
	c := newControl(t)

	if err := c.AuthorizeEmergencyWithdraw(investor, operator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := c.AuthorizeEmergencyWithdraw(owner, common.Address{}); !errors.Is(err, ErrImmuneAddress) {
		t.Fatalf("zero recipient should fail, got %v", err)
	}
	if err := c.AuthorizeEmergencyWithdraw(owner, operator); err != nil {
		t.Fatalf("authorized withdraw failed: %v", err)
	}
}

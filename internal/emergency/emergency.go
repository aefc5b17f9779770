package emergency

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized indicates the actor lacks the required role.
	ErrUnauthorized = errors.New("emergency: actor lacks required role")
	// ErrAlreadyPaused indicates a redundant pause.
	ErrAlreadyPaused = errors.New("emergency: already paused")
	// ErrNotPaused indicates a redundant unpause.
	ErrNotPaused = errors.New("emergency: not paused")
	// ErrImmuneAddress indicates a blacklist attempt against the owner,
	// a signer, or the zero address.
	ErrImmuneAddress = errors.New("emergency: address cannot be blacklisted")
	// ErrNoChange indicates a blacklist toggle to the current status.
	ErrNoChange = errors.New("emergency: blacklist status unchanged")
)

// Role is a capability bitmask.
type Role uint8

const (
	RoleOwner Role = 1 << iota
	RoleEmergency
	RolePriceUpdater
)

// Has reports whether r carries all bits of want.
func (r Role) Has(want Role) bool { return r&want == want }

// Control 持有进程级运行状态：暂停标志、黑名单与角色表。
// Mutated only through role-gated calls; reads never mutate.
type Control struct {
	logger zerolog.Logger

	owner   common.Address
	signers []common.Address

	mu        sync.RWMutex
	paused    bool
	pausedAt  time.Time
	roles     map[common.Address]Role
	blacklist map[common.Address]bool
}

// New initializes the control plane with the owner holding all roles.
func New(owner common.Address, signers []common.Address, logger zerolog.Logger) (*Control, error) {
	if owner == (common.Address{}) {
		return nil, errors.New("emergency: owner must not be the zero address")
	}
	frozen := make([]common.Address, len(signers))
	copy(frozen, signers)

	c := &Control{
		logger:    logger.With().Str("component", "emergency").Logger(),
		owner:     owner,
		signers:   frozen,
		roles:     make(map[common.Address]Role),
		blacklist: make(map[common.Address]bool),
	}
	c.roles[owner] = RoleOwner | RoleEmergency | RolePriceUpdater
	return c, nil
}

// GrantRole adds roles to an address. Owner only.
func (c *Control) GrantRole(actor, target common.Address, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roles[actor].Has(RoleOwner) {
		return ErrUnauthorized
	}
	c.roles[target] |= role
	c.logger.Info().
		Str("actor", actor.Hex()).
		Str("target", target.Hex()).
		Uint8("role", uint8(role)).
		Msg("role granted")
	return nil
}

// RevokeRole removes roles from an address. Owner only; the owner's own
// roles cannot be revoked.
func (c *Control) RevokeRole(actor, target common.Address, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roles[actor].Has(RoleOwner) {
		return ErrUnauthorized
	}
	if target == c.owner {
		return ErrImmuneAddress
	}
	c.roles[target] &^= role
	return nil
}

// HasRole reports whether an address carries the given roles.
func (c *Control) HasRole(addr common.Address, role Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles[addr].Has(role)
}

// Pause halts value-moving operations. Emergency role required.
func (c *Control) Pause(actor common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roles[actor].Has(RoleEmergency) {
		return ErrUnauthorized
	}
	if c.paused {
		return ErrAlreadyPaused
	}
	c.paused = true
	c.pausedAt = time.Now()
	c.logger.Warn().Str("actor", actor.Hex()).Msg("system paused")
	return nil
}

// Unpause resumes normal operation. Emergency role required.
func (c *Control) Unpause(actor common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roles[actor].Has(RoleEmergency) {
		return ErrUnauthorized
	}
	if !c.paused {
		return ErrNotPaused
	}
	c.paused = false
	c.logger.Warn().Str("actor", actor.Hex()).Msg("system unpaused")
	return nil
}

// Paused reports the pause flag. Read-only.
func (c *Control) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// SetBlacklist toggles blacklist membership. Emergency or Owner role;
// the owner, the signers, and the zero address are immune, enforced here
// rather than by convention.
func (c *Control) SetBlacklist(actor, target common.Address, status bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roles[actor].Has(RoleEmergency) && !c.roles[actor].Has(RoleOwner) {
		return ErrUnauthorized
	}
	if target == (common.Address{}) || target == c.owner {
		return ErrImmuneAddress
	}
	for _, signer := range c.signers {
		if target == signer {
			return ErrImmuneAddress
		}
	}
	if c.blacklist[target] == status {
		return ErrNoChange
	}

	if status {
		c.blacklist[target] = true
	} else {
		delete(c.blacklist, target)
	}

	c.logger.Warn().
		Str("actor", actor.Hex()).
		Str("target", target.Hex()).
		Bool("status", status).
		Msg("blacklist updated")
	return nil
}

// Blacklisted reports membership. Read-only.
func (c *Control) Blacklisted(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blacklist[addr]
}

// BlacklistCount returns the current number of blacklisted addresses.
func (c *Control) BlacklistCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blacklist)
}

// AuthorizeEmergencyWithdraw gates the break-glass transfer path. The
// transfer itself is performed by the caller so that no external I/O
// happens under the control-plane lock; every call is expected to append
// a full-detail activity record.
func (c *Control) AuthorizeEmergencyWithdraw(actor, to common.Address) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.roles[actor].Has(RoleEmergency) {
		return ErrUnauthorized
	}
	if to == (common.Address{}) {
		return ErrImmuneAddress
	}
	return nil
}

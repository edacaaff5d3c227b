// Package guard holds the role table and the pause switch every engine
// operation consults before touching state. Roles are persisted in the
// node's own store, so a restart keeps grants and the paused flag.
package guard

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/infra"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RolePauser Role = "pauser"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrZeroAddress  = errors.New("zero address")
)

const (
	pausedKey    = "guard/paused"
	bootstrapKey = "guard/bootstrapped"
)

// grant is the stored record for a role assignment.
type grant struct {
	GrantedBy common.Address `json:"granted_by"`
	GrantedAt time.Time      `json:"granted_at"`
}

type Guard struct {
	kv infra.KVStore

	mu     sync.RWMutex
	paused bool
}

// New loads the pause flag and, on the very first start of a store, grants
// the configured admin the admin role. The one-shot marker keeps a later
// Revoke of that address from being undone by a restart.
func New(kv infra.KVStore, admin common.Address) (*Guard, error) {
	g := &Guard{kv: kv}

	if admin == (common.Address{}) {
		return nil, fmt.Errorf("bootstrap admin: %w", ErrZeroAddress)
	}
	var bootstrapped bool
	if _, err := kv.GetAny(bootstrapKey, &bootstrapped); err != nil {
		return nil, fmt.Errorf("read bootstrap marker: %w", err)
	}
	if !bootstrapped {
		rec := grant{GrantedBy: admin, GrantedAt: time.Now().UTC()}
		if err := kv.SetAny(roleKey(RoleAdmin, admin), rec); err != nil {
			return nil, fmt.Errorf("bootstrap admin role: %w", err)
		}
		if err := kv.SetAny(bootstrapKey, true); err != nil {
			return nil, fmt.Errorf("persist bootstrap marker: %w", err)
		}
	}

	var paused bool
	if _, err := kv.GetAny(pausedKey, &paused); err != nil {
		return nil, fmt.Errorf("read pause flag: %w", err)
	}
	g.paused = paused
	return g, nil
}

// Require returns ErrUnauthorized unless actor holds the role. Admins pass
// every role check.
func (g *Guard) Require(actor common.Address, role Role) error {
	if g.has(actor, role) {
		return nil
	}
	if role != RoleAdmin && g.has(actor, RoleAdmin) {
		return nil
	}
	return fmt.Errorf("%s lacks role %q: %w", actor.Hex(), role, ErrUnauthorized)
}

func (g *Guard) has(addr common.Address, role Role) bool {
	var rec grant
	found, err := g.kv.GetAny(roleKey(role, addr), &rec)
	return err == nil && found
}

// Grant assigns role to addr. Only admins may grant.
func (g *Guard) Grant(actor common.Address, role Role, addr common.Address) error {
	if err := g.Require(actor, RoleAdmin); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("grant %s: %w", role, ErrZeroAddress)
	}
	rec := grant{GrantedBy: actor, GrantedAt: time.Now().UTC()}
	if err := g.kv.SetAny(roleKey(role, addr), rec); err != nil {
		return fmt.Errorf("persist grant: %w", err)
	}
	return nil
}

// Revoke removes role from addr. Only admins may revoke; an admin may
// revoke itself, which is permanent unless another admin remains.
func (g *Guard) Revoke(actor common.Address, role Role, addr common.Address) error {
	if err := g.Require(actor, RoleAdmin); err != nil {
		return err
	}
	if err := g.kv.Delete(roleKey(role, addr)); err != nil {
		return fmt.Errorf("remove grant: %w", err)
	}
	return nil
}

// Pause flips the switch that blocks intent initiation, fulfillment
// recording and routing. Settlement delivery is not gated, so in-flight
// value can always land.
func (g *Guard) Pause(actor common.Address) error {
	if err := g.Require(actor, RolePauser); err != nil {
		return err
	}
	return g.setPaused(true)
}

func (g *Guard) Unpause(actor common.Address) error {
	if err := g.Require(actor, RolePauser); err != nil {
		return err
	}
	return g.setPaused(false)
}

func (g *Guard) setPaused(v bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.kv.SetAny(pausedKey, v); err != nil {
		return fmt.Errorf("persist pause flag: %w", err)
	}
	g.paused = v
	return nil
}

func (g *Guard) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

func roleKey(role Role, addr common.Address) string {
	return fmt.Sprintf("guard/roles/%s/%s", role, strings.ToLower(addr.Hex()))
}

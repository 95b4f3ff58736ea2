package common

import (
	"sort"
	"sync"

	"btcfi/crypto"
)

// Caller identifies the account invoking an entry point.
type Caller = crypto.Address

// Role names an administrative capability.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleOracleAdmin Role = "oracle-admin"
	RoleRiskAdmin   Role = "risk-admin"
	RoleTreasury    Role = "treasury"
	RolePauser      Role = "pauser"
	RoleKeeper      Role = "keeper"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin:       {},
	RoleOracleAdmin: {},
	RoleRiskAdmin:   {},
	RoleTreasury:    {},
	RolePauser:      {},
	RoleKeeper:      {},
}

var (
	ErrUnauthorized = State("caller lacks required role")
	ErrUnknownRole  = Validation("unknown role")
)

// ParseRole validates a role name.
func ParseRole(name string) (Role, error) {
	role := Role(name)
	if _, ok := knownRoles[role]; !ok {
		return "", ErrUnknownRole
	}
	return role, nil
}

// Roles is the access-control registry handed to every engine. Admins hold
// every role implicitly and are the only accounts allowed to grant or revoke.
type Roles struct {
	mu      sync.RWMutex
	members map[Role]map[crypto.Address]struct{}
}

// NewRoles seeds the registry with a single admin.
func NewRoles(admin crypto.Address) *Roles {
	r := &Roles{members: make(map[Role]map[crypto.Address]struct{})}
	r.add(RoleAdmin, admin)
	return r
}

func (r *Roles) add(role Role, addr crypto.Address) {
	set, ok := r.members[role]
	if !ok {
		set = make(map[crypto.Address]struct{})
		r.members[role] = set
	}
	set[addr] = struct{}{}
}

// Has reports whether addr holds role, directly or through admin.
func (r *Roles) Has(role Role, addr crypto.Address) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[RoleAdmin][addr]; ok {
		return true
	}
	_, ok := r.members[role][addr]
	return ok
}

// Require fails with ErrUnauthorized unless caller holds role.
func (r *Roles) Require(role Role, caller Caller) error {
	if caller.IsZero() {
		return ErrZeroAddress
	}
	if !r.Has(role, caller) {
		return ErrUnauthorized
	}
	return nil
}

// Grant assigns role to addr.
func (r *Roles) Grant(caller Caller, role Role, addr crypto.Address) error {
	if err := r.Require(RoleAdmin, caller); err != nil {
		return err
	}
	if _, ok := knownRoles[role]; !ok {
		return ErrUnknownRole
	}
	if addr.IsZero() {
		return ErrZeroAddress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(role, addr)
	return nil
}

// Revoke removes role from addr. The last admin cannot be revoked.
func (r *Roles) Revoke(caller Caller, role Role, addr crypto.Address) error {
	if err := r.Require(RoleAdmin, caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[role]
	if _, ok := set[addr]; !ok {
		return nil
	}
	if role == RoleAdmin && len(set) == 1 {
		return ErrLastAdmin
	}
	delete(set, addr)
	return nil
}

var ErrLastAdmin = State("cannot revoke the last admin")

// Members lists holders of role in address order.
func (r *Roles) Members(role Role) []crypto.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.Address, 0, len(r.members[role]))
	for addr := range r.members[role] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

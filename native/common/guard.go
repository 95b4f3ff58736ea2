package common

import "sync"

var (
	ErrModulePaused = State("module paused")
	// ErrReentrant is returned when a mutating entry point is invoked while
	// another entry point of the same engine is still executing.
	ErrReentrant = State("reentrant call")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is the mutable pause switchboard shared by all engines. Toggling
// requires RolePauser.
type Pauses struct {
	mu     sync.RWMutex
	roles  *Roles
	paused map[string]bool
}

// NewPauses constructs a switchboard guarded by the supplied role registry.
func NewPauses(roles *Roles) *Pauses {
	return &Pauses{roles: roles, paused: make(map[string]bool)}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

// SetPaused flips the pause flag for a module.
func (p *Pauses) SetPaused(caller Caller, module string, paused bool) error {
	if err := p.roles.Require(RolePauser, caller); err != nil {
		return err
	}
	if module == "" {
		return ErrUnknownModule
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
	} else {
		delete(p.paused, module)
	}
	return nil
}

// Snapshot lists paused modules.
func (p *Pauses) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module := range p.paused {
		out = append(out, module)
	}
	return out
}

// ErrUnknownModule rejects empty module identifiers.
var ErrUnknownModule = Validation("unknown module")

// Reentrancy is the per-engine busy flag. Every mutating entry point calls
// Enter and defers the returned release, so the flag is cleared on every exit
// path including errors and panics.
type Reentrancy struct {
	busy bool
}

// Enter marks the engine busy or fails with ErrReentrant.
func (r *Reentrancy) Enter() (func(), error) {
	if r.busy {
		return nil, ErrReentrant
	}
	r.busy = true
	return func() { r.busy = false }, nil
}

// Busy reports whether an entry point is currently executing.
func (r *Reentrancy) Busy() bool { return r.busy }

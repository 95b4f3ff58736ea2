package accrual

import (
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

var ErrInsufficientPrincipal = nativecommon.Solvency("accrual: withdrawal exceeds principal")

// Pool owns one accumulator and the records that reference it. Every method
// that touches principal or claims accrues the state and settles the record
// first; there is no way to reach a record without doing so.
type Pool[K comparable, P, R units.Domain] struct {
	state   State[P, R]
	records map[K]*Record[P, R]
}

// NewPool wraps an accumulator.
func NewPool[K comparable, P, R units.Domain](state State[P, R]) *Pool[K, P, R] {
	return &Pool[K, P, R]{state: state, records: make(map[K]*Record[P, R])}
}

// mutate accrues to now, settles key's record and hands it to fn. Empty
// records are dropped afterwards so they behave like absent ones.
func (p *Pool[K, P, R]) mutate(now uint64, key K, fn func(*Record[P, R]) error) error {
	if err := p.state.Accrue(now); err != nil {
		return err
	}
	rec, ok := p.records[key]
	if !ok {
		rec = &Record[P, R]{}
	}
	if err := rec.Settle(&p.state); err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	if rec.Empty() {
		delete(p.records, key)
	} else {
		p.records[key] = rec
	}
	return nil
}

// Deposit adds principal for key.
func (p *Pool[K, P, R]) Deposit(now uint64, key K, amount units.Amount[P]) error {
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	return p.mutate(now, key, func(rec *Record[P, R]) error {
		principal, err := rec.Principal.Add(amount)
		if err != nil {
			return err
		}
		total, err := p.state.TotalPrincipal.Add(amount)
		if err != nil {
			return err
		}
		rec.Principal = principal
		p.state.TotalPrincipal = total
		return rec.rebase(&p.state)
	})
}

// Withdraw removes principal for key.
func (p *Pool[K, P, R]) Withdraw(now uint64, key K, amount units.Amount[P]) error {
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	return p.mutate(now, key, func(rec *Record[P, R]) error {
		if rec.Principal.Lt(amount) {
			return ErrInsufficientPrincipal
		}
		rec.Principal, _ = rec.Principal.Sub(amount)
		total, err := p.state.TotalPrincipal.Sub(amount)
		if err != nil {
			return err
		}
		p.state.TotalPrincipal = total
		return rec.rebase(&p.state)
	})
}

// Claim pays out key's pending reward.
func (p *Pool[K, P, R]) Claim(now uint64, key K) (units.Amount[R], error) {
	var out units.Amount[R]
	err := p.mutate(now, key, func(rec *Record[P, R]) error {
		claimed, err := rec.Claim()
		if err != nil {
			return err
		}
		out = claimed
		return nil
	})
	return out, err
}

// Settle accrues and settles key without changing principal.
func (p *Pool[K, P, R]) Settle(now uint64, key K) error {
	return p.mutate(now, key, func(*Record[P, R]) error { return nil })
}

// Notify accrues to now and then distributes amount to current principal.
func (p *Pool[K, P, R]) Notify(now uint64, amount units.Amount[R]) (bool, error) {
	if err := p.state.Accrue(now); err != nil {
		return false, err
	}
	return p.state.Notify(amount)
}

// Accrue advances the accumulator without touching any record.
func (p *Pool[K, P, R]) Accrue(now uint64) error { return p.state.Accrue(now) }

// SetRate accrues at the old rate up to now and then switches rate.
func (p *Pool[K, P, R]) SetRate(now uint64, ratePerSecond *uint256.Int) error {
	if p.state.Mode != ModeFlatRate {
		return ErrBadMode
	}
	if err := p.state.Accrue(now); err != nil {
		return err
	}
	p.state.RatePerSecond.Set(ratePerSecond)
	return nil
}

// SetAPY accrues at the old APY up to now and then switches.
func (p *Pool[K, P, R]) SetAPY(now uint64, apy units.Bps) error {
	if p.state.Mode != ModeAPY {
		return ErrBadMode
	}
	if apy > 10*units.BasisPoints {
		return ErrRateRange
	}
	if err := p.state.Accrue(now); err != nil {
		return err
	}
	p.state.APYBps = apy
	return nil
}

// Earned reports pending plus unsettled reward for key as of now without
// mutating the pool.
func (p *Pool[K, P, R]) Earned(now uint64, key K) (units.Amount[R], error) {
	state := p.state
	if err := state.Accrue(now); err != nil {
		return units.Amount[R]{}, err
	}
	rec, ok := p.records[key]
	if !ok {
		return units.Amount[R]{}, nil
	}
	view := *rec
	if err := view.Settle(&state); err != nil {
		return units.Amount[R]{}, err
	}
	return view.Pending, nil
}

// Principal returns key's principal.
func (p *Pool[K, P, R]) Principal(key K) units.Amount[P] {
	if rec, ok := p.records[key]; ok {
		return rec.Principal
	}
	return units.Amount[P]{}
}

// Total returns the pool-wide principal.
func (p *Pool[K, P, R]) Total() units.Amount[P] { return p.state.TotalPrincipal }

// State returns a copy of the accumulator.
func (p *Pool[K, P, R]) State() State[P, R] { return p.state }

// Len reports the number of live records.
func (p *Pool[K, P, R]) Len() int { return len(p.records) }

// Clone deep copies the pool for checkpoints.
func (p *Pool[K, P, R]) Clone() *Pool[K, P, R] {
	out := &Pool[K, P, R]{state: p.state, records: make(map[K]*Record[P, R], len(p.records))}
	for k, rec := range p.records {
		copied := *rec
		out.records[k] = &copied
	}
	return out
}

// Entry is a flattened record used by snapshots.
type Entry[K comparable, P, R units.Domain] struct {
	Key       K
	Principal units.Amount[P]
	Debt      units.Amount[R]
	Pending   units.Amount[R]
}

// Snapshot is the RLP friendly form of a pool.
type Snapshot[K comparable, P, R units.Domain] struct {
	Mode           uint8
	TotalPrincipal units.Amount[P]
	RatePerSecond  *big.Int
	APYBps         uint64
	LastUpdate     uint64
	AccPerUnit     *big.Int
	Entries        []Entry[K, P, R]
}

// Export flattens the pool ordering entries with less.
func (p *Pool[K, P, R]) Export(less func(a, b K) bool) Snapshot[K, P, R] {
	snap := Snapshot[K, P, R]{
		Mode:           uint8(p.state.Mode),
		TotalPrincipal: p.state.TotalPrincipal,
		RatePerSecond:  p.state.RatePerSecond.ToBig(),
		APYBps:         uint64(p.state.APYBps),
		LastUpdate:     p.state.LastUpdate,
		AccPerUnit:     p.state.AccPerUnit.ToBig(),
	}
	for k, rec := range p.records {
		snap.Entries = append(snap.Entries, Entry[K, P, R]{Key: k, Principal: rec.Principal, Debt: rec.Debt, Pending: rec.Pending})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return less(snap.Entries[i].Key, snap.Entries[j].Key) })
	return snap
}

// ImportPool rebuilds a pool from a snapshot.
func ImportPool[K comparable, P, R units.Domain](snap Snapshot[K, P, R]) (*Pool[K, P, R], error) {
	state := State[P, R]{
		Mode:           Mode(snap.Mode),
		TotalPrincipal: snap.TotalPrincipal,
		APYBps:         units.Bps(snap.APYBps),
		LastUpdate:     snap.LastUpdate,
	}
	if snap.RatePerSecond != nil {
		if v, overflow := uint256.FromBig(snap.RatePerSecond); !overflow {
			state.RatePerSecond.Set(v)
		} else {
			return nil, ErrOverflow
		}
	}
	if snap.AccPerUnit != nil {
		if v, overflow := uint256.FromBig(snap.AccPerUnit); !overflow {
			state.AccPerUnit.Set(v)
		} else {
			return nil, ErrOverflow
		}
	}
	pool := NewPool[K](state)
	for _, e := range snap.Entries {
		pool.records[e.Key] = &Record[P, R]{Principal: e.Principal, Debt: e.Debt, Pending: e.Pending}
	}
	return pool, nil
}

package accrual

import (
	"math/big"

	"github.com/holiman/uint256"

	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

// Precision scales AccPerUnit.
const Precision = 1_000_000_000_000_000_000

var (
	precision    = uint256.NewInt(Precision)
	apyDenom     = uint256.NewInt(units.BasisPoints * units.SecondsPerYear)
	ErrOverflow  = nativecommon.Arithmetic("accrual: overflow")
	ErrBadMode   = nativecommon.Validation("accrual: unknown mode")
	ErrRateRange = nativecommon.Validation("accrual: rate out of range")
)

// Mode selects how elapsed time turns into reward.
type Mode uint8

const (
	// ModeFlatRate pays RatePerSecond reward units, scaled by Precision, per
	// unit of principal per second. Distributor pools use it.
	ModeFlatRate Mode = iota + 1
	// ModeAPY pays APYBps of principal per year, linearly. Yield tokens use it.
	ModeAPY
)

// State is the pool-wide accumulator. P is the principal domain and R the
// reward domain.
type State[P, R units.Domain] struct {
	Mode           Mode
	TotalPrincipal units.Amount[P]
	RatePerSecond  uint256.Int
	APYBps         units.Bps
	LastUpdate     uint64
	AccPerUnit     uint256.Int
}

// NewFlatState returns a flat-rate accumulator anchored at now.
func NewFlatState[P, R units.Domain](ratePerSecond *uint256.Int, now uint64) State[P, R] {
	s := State[P, R]{Mode: ModeFlatRate, LastUpdate: now}
	if ratePerSecond != nil {
		s.RatePerSecond.Set(ratePerSecond)
	}
	return s
}

// NewAPYState returns an APY accumulator anchored at now.
func NewAPYState[P, R units.Domain](apy units.Bps, now uint64) State[P, R] {
	return State[P, R]{Mode: ModeAPY, APYBps: apy, LastUpdate: now}
}

// Accrue advances the accumulator to now. An empty pool only moves the clock,
// a now at or before LastUpdate changes nothing, and repeated calls with the
// same now are idempotent.
func (s *State[P, R]) Accrue(now uint64) error {
	if now <= s.LastUpdate {
		return nil
	}
	elapsed := now - s.LastUpdate
	if s.TotalPrincipal.IsZero() {
		s.LastUpdate = now
		return nil
	}
	delta, err := s.delta(elapsed)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(&s.AccPerUnit, delta)
	if overflow {
		return ErrOverflow
	}
	s.AccPerUnit.Set(next)
	s.LastUpdate = now
	return nil
}

// delta computes reward*Precision/total for the elapsed window.
func (s *State[P, R]) delta(elapsed uint64) (*uint256.Int, error) {
	total := s.TotalPrincipal.Uint256()
	reward := new(uint256.Int)
	switch s.Mode {
	case ModeFlatRate:
		// reward = total * rate * elapsed / Precision, so the per-unit delta
		// is simply rate * elapsed.
		out, overflow := new(uint256.Int).MulOverflow(&s.RatePerSecond, uint256.NewInt(elapsed))
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	case ModeAPY:
		num, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(s.APYBps)), uint256.NewInt(elapsed))
		if overflow {
			return nil, ErrOverflow
		}
		if _, overflow := reward.MulDivOverflow(total, num, apyDenom); overflow {
			return nil, ErrOverflow
		}
	default:
		return nil, ErrBadMode
	}
	out, overflow := new(uint256.Int).MulDivOverflow(reward, precision, total)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Notify distributes amount across current principal immediately. It returns
// false, leaving the accumulator untouched, when there is no principal.
func (s *State[P, R]) Notify(amount units.Amount[R]) (bool, error) {
	if amount.IsZero() || s.TotalPrincipal.IsZero() {
		return false, nil
	}
	delta, overflow := new(uint256.Int).MulDivOverflow(amount.Uint256(), precision, s.TotalPrincipal.Uint256())
	if overflow {
		return false, ErrOverflow
	}
	next, overflow := new(uint256.Int).AddOverflow(&s.AccPerUnit, delta)
	if overflow {
		return false, ErrOverflow
	}
	s.AccPerUnit.Set(next)
	return true, nil
}

// accrued returns principal*AccPerUnit/Precision in reward units.
func (s *State[P, R]) accrued(principal units.Amount[P]) (units.Amount[R], error) {
	if principal.IsZero() || s.AccPerUnit.IsZero() {
		return units.Amount[R]{}, nil
	}
	return units.FromUint256[R](principal.Uint256()).Scale(&s.AccPerUnit, precision)
}

// Index returns a copy of AccPerUnit as a big integer.
func (s *State[P, R]) Index() *big.Int { return s.AccPerUnit.ToBig() }

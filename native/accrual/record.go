package accrual

import (
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

var ErrNothingToClaim = nativecommon.Validation("accrual: nothing to claim")

// Record is a participant's view of a State. Debt is the reward already
// accounted for at the last settle and Pending only grows until claimed.
type Record[P, R units.Domain] struct {
	Principal units.Amount[P]
	Debt      units.Amount[R]
	Pending   units.Amount[R]
}

// Settle moves reward earned since the last settle into Pending. The state
// must already be accrued.
func (r *Record[P, R]) Settle(s *State[P, R]) error {
	accrued, err := s.accrued(r.Principal)
	if err != nil {
		return err
	}
	owed := accrued.SaturatingSub(r.Debt)
	pending, err := r.Pending.Add(owed)
	if err != nil {
		return err
	}
	r.Pending = pending
	r.Debt = accrued
	return nil
}

// rebase resets Debt after a principal change.
func (r *Record[P, R]) rebase(s *State[P, R]) error {
	accrued, err := s.accrued(r.Principal)
	if err != nil {
		return err
	}
	r.Debt = accrued
	return nil
}

// Claim zeroes Pending and returns it.
func (r *Record[P, R]) Claim() (units.Amount[R], error) {
	if r.Pending.IsZero() {
		return units.Amount[R]{}, ErrNothingToClaim
	}
	out := r.Pending
	r.Pending = units.Amount[R]{}
	return out, nil
}

// Empty reports whether the record is indistinguishable from an absent one.
func (r *Record[P, R]) Empty() bool {
	return r.Principal.IsZero() && r.Pending.IsZero()
}

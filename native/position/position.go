package position

import (
	"math/big"

	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

var (
	ErrAmountExceedsDebt      = nativecommon.Validation("position: amount exceeds debt")
	ErrInsufficientCollateral = nativecommon.Solvency("position: insufficient collateral")
	ErrInactive               = nativecommon.State("position: inactive")
	ErrUnknownPosition        = nativecommon.Validation("position: unknown id")
	ErrNoDebt                 = nativecommon.State("position: no outstanding debt")
)

const maxBps = units.Bps(^uint64(0))

// Position is a collateralised debt: collateral in domain D against USD
// denominated principal and accrued interest. The rate is fixed at creation.
type Position[D units.Domain] struct {
	ID                      uint64
	Owner                   crypto.Address
	Collateral              units.Amount[D]
	Principal               units.USD
	Interest                units.USD
	RateBps                 units.Bps
	LastAccrual             uint64
	LiquidationThresholdBps units.Bps
	Active                  bool
}

// AccrueInterest adds simple interest on principal for the time since the
// last accrual. Times at or before LastAccrual are ignored.
func (p *Position[D]) AccrueInterest(now uint64) error {
	if now <= p.LastAccrual {
		return nil
	}
	interest, err := units.AnnualInterest(p.Principal, p.RateBps, now-p.LastAccrual)
	if err != nil {
		return err
	}
	total, err := p.Interest.Add(interest)
	if err != nil {
		return err
	}
	p.Interest = total
	p.LastAccrual = now
	return nil
}

// TotalDebt is principal plus accrued interest.
func (p *Position[D]) TotalDebt() (units.USD, error) {
	return p.Principal.Add(p.Interest)
}

// LTVBps returns total debt over value in basis points. A zero value with
// outstanding debt saturates.
func (p *Position[D]) LTVBps(value units.USD) (units.Bps, error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return 0, err
	}
	if debt.IsZero() {
		return 0, nil
	}
	if value.IsZero() {
		return maxBps, nil
	}
	return units.RatioBps(debt, value)
}

// Liquidatable reports whether debt has reached the liquidation threshold
// against value. A zero value is always liquidatable while debt is owed.
func (p *Position[D]) Liquidatable(value units.USD) (bool, error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return false, err
	}
	if debt.IsZero() {
		return false, nil
	}
	if value.IsZero() {
		return true, nil
	}
	return !below(debt, value, p.LiquidationThresholdBps), nil
}

// WithinLTV reports debt*10000 <= value*maxLTV.
func (p *Position[D]) WithinLTV(value units.USD, maxLTV units.Bps) (bool, error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return false, err
	}
	return WithinLTV(debt, value, maxLTV), nil
}

// WithinLTV reports debt*10000 <= value*maxLTV using exact products.
func WithinLTV(debt, value units.USD, maxLTV units.Bps) bool {
	return cmpRatio(debt, value, maxLTV) <= 0
}

// below reports debt*10000 < value*bps.
func below(debt, value units.USD, bps units.Bps) bool {
	return cmpRatio(debt, value, bps) < 0
}

func cmpRatio(debt, value units.USD, bps units.Bps) int {
	lhs := new(big.Int).Mul(debt.Big(), big.NewInt(units.BasisPoints))
	rhs := new(big.Int).Mul(value.Big(), new(big.Int).SetUint64(uint64(bps)))
	return lhs.Cmp(rhs)
}

// PayDown applies amount to interest first and then principal.
func (p *Position[D]) PayDown(amount units.USD) (interest, principal units.USD, err error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return units.USD{}, units.USD{}, err
	}
	if amount.Gt(debt) {
		return units.USD{}, units.USD{}, ErrAmountExceedsDebt
	}
	interest = units.Min(amount, p.Interest)
	principal, _ = amount.Sub(interest)
	p.Interest, _ = p.Interest.Sub(interest)
	p.Principal, _ = p.Principal.Sub(principal)
	return interest, principal, nil
}

// Seize computes collateral owed to a liquidator covering cover of the debt:
// cover/totalDebt of the collateral plus bonusBps of that, capped at the
// collateral held. The debt is paid down and the collateral removed.
func (p *Position[D]) Seize(cover units.USD, bonusBps units.Bps) (units.Amount[D], error) {
	debt, err := p.TotalDebt()
	if err != nil {
		return units.Amount[D]{}, err
	}
	if debt.IsZero() {
		return units.Amount[D]{}, ErrNoDebt
	}
	if cover.IsZero() {
		return units.Amount[D]{}, nativecommon.ErrInvalidAmount
	}
	if cover.Gt(debt) {
		return units.Amount[D]{}, ErrAmountExceedsDebt
	}
	base, err := p.Collateral.Scale(cover.Uint256(), debt.Uint256())
	if err != nil {
		return units.Amount[D]{}, err
	}
	bonus, err := base.MulBps(bonusBps)
	if err != nil {
		return units.Amount[D]{}, err
	}
	seized, err := base.Add(bonus)
	if err != nil {
		return units.Amount[D]{}, err
	}
	seized = units.Min(seized, p.Collateral)
	if _, _, err := p.PayDown(cover); err != nil {
		return units.Amount[D]{}, err
	}
	p.Collateral, _ = p.Collateral.Sub(seized)
	return seized, nil
}

// RemoveCollateral subtracts amount from the collateral.
func (p *Position[D]) RemoveCollateral(amount units.Amount[D]) error {
	if amount.Gt(p.Collateral) {
		return ErrInsufficientCollateral
	}
	p.Collateral, _ = p.Collateral.Sub(amount)
	return nil
}

// AddCollateral adds amount to the collateral.
func (p *Position[D]) AddCollateral(amount units.Amount[D]) error {
	next, err := p.Collateral.Add(amount)
	if err != nil {
		return err
	}
	p.Collateral = next
	return nil
}

// Close zeroes the position and returns the collateral still held.
func (p *Position[D]) Close() units.Amount[D] {
	released := p.Collateral
	p.Collateral = units.Amount[D]{}
	p.Principal = units.USD{}
	p.Interest = units.USD{}
	p.Active = false
	return released
}

// Settled reports whether no debt remains.
func (p *Position[D]) Settled() bool {
	return p.Principal.IsZero() && p.Interest.IsZero()
}

package lending

import (
	"math/big"

	"btcfi/native/units"
)

// InterestModel is the linear utilisation curve
// rate = base + utilisation * multiplier / 10000, all in basis points.
type InterestModel struct {
	BaseRateBps   units.Bps
	MultiplierBps units.Bps
}

// UtilisationBps computes borrowed/deposited in basis points. When no
// liquidity exists the utilisation is defined as zero.
func UtilisationBps(borrowed, deposited units.USD) units.Bps {
	if borrowed.IsZero() || deposited.IsZero() {
		return 0
	}
	u, err := units.RatioBps(borrowed, deposited)
	if err != nil {
		return 0
	}
	return u
}

// BorrowRateBps derives the borrow APR from the utilisation observed before
// the borrow is applied.
func (m InterestModel) BorrowRateBps(borrowed, deposited units.USD) units.Bps {
	util := UtilisationBps(borrowed, deposited)
	return m.BaseRateBps + units.Bps(uint64(util)*uint64(m.MultiplierBps)/units.BasisPoints)
}

// SupplyRate derives the supplier APY implied by the borrow rate, utilisation
// and reserve factor as a fraction.
func (m InterestModel) SupplyRate(borrowed, deposited units.USD, reserveFactorBps units.Bps) *big.Rat {
	util := UtilisationBps(borrowed, deposited)
	if util == 0 {
		return new(big.Rat)
	}
	borrow := new(big.Rat).SetFrac64(int64(m.BorrowRateBps(borrowed, deposited)), units.BasisPoints)
	share := new(big.Rat).SetFrac64(int64(util), units.BasisPoints)
	keep := new(big.Rat).SetFrac64(int64(units.BasisPoints)-int64(reserveFactorBps), units.BasisPoints)
	if keep.Sign() < 0 {
		keep.SetInt64(0)
	}
	out := new(big.Rat).Mul(borrow, share)
	return out.Mul(out, keep)
}

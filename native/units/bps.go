package units

import (
	"math"

	"github.com/holiman/uint256"
)

// BasisPoints is 100% expressed in basis points.
const BasisPoints = 10_000

// SecondsPerYear is the 365 day year used by every rate formula.
const SecondsPerYear = 365 * 24 * 60 * 60

// Bps is a ratio in basis points.
type Bps uint64

// Valid reports whether the ratio is at most 100%.
func (b Bps) Valid() bool { return b <= BasisPoints }

// RatioBps returns floor(num*10000/den). Ratios beyond uint64 saturate.
func RatioBps[D Domain](num, den Amount[D]) (Bps, error) {
	if den.IsZero() {
		return 0, ErrDivisionByZero
	}
	out := new(uint256.Int)
	if _, overflow := out.MulDivOverflow(&num.v, uint256.NewInt(BasisPoints), &den.v); overflow || !out.IsUint64() {
		return Bps(math.MaxUint64), nil
	}
	return Bps(out.Uint64()), nil
}

// AnnualInterest returns floor(principal*rate*elapsed/(10000*SecondsPerYear)).
func AnnualInterest[D Domain](principal Amount[D], rate Bps, elapsed uint64) (Amount[D], error) {
	if principal.IsZero() || rate == 0 || elapsed == 0 {
		return Amount[D]{}, nil
	}
	num := new(uint256.Int)
	if _, overflow := num.MulOverflow(uint256.NewInt(uint64(rate)), uint256.NewInt(elapsed)); overflow {
		return Amount[D]{}, ErrOverflow
	}
	return principal.Scale(num, uint256.NewInt(BasisPoints*SecondsPerYear))
}

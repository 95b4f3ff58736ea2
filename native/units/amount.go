package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	nativecommon "btcfi/native/common"
)

var (
	ErrOverflow       = nativecommon.Arithmetic("units: overflow")
	ErrUnderflow      = nativecommon.Arithmetic("units: underflow")
	ErrDivisionByZero = nativecommon.Arithmetic("units: division by zero")
	ErrInvalidAmount  = nativecommon.Validation("units: invalid amount")
	ErrTooPrecise     = nativecommon.Validation("units: amount exceeds domain precision")
)

// Amount is a non-negative fixed-point quantity in the decimal domain D. The
// zero value is a valid zero amount. Every mutating operation is checked and
// returns a new value.
type Amount[D Domain] struct {
	v uint256.Int
}

// New returns an amount of n base units.
func New[D Domain](n uint64) Amount[D] {
	var a Amount[D]
	a.v.SetUint64(n)
	return a
}

// Whole returns n whole units, e.g. Whole[DomainBTC](1) is 100,000,000 sats.
func Whole[D Domain](n uint64) Amount[D] {
	out, err := New[D](n).Scale(pow10(decimalsOf[D]()), uint256.NewInt(1))
	if err != nil {
		panic(err)
	}
	return out
}

// FromUint256 wraps a raw base unit value.
func FromUint256[D Domain](v *uint256.Int) Amount[D] {
	var a Amount[D]
	if v != nil {
		a.v.Set(v)
	}
	return a
}

// FromBig converts a big integer of base units.
func FromBig[D Domain](v *big.Int) (Amount[D], error) {
	var a Amount[D]
	if v == nil {
		return a, nil
	}
	if v.Sign() < 0 {
		return a, ErrInvalidAmount
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return a, ErrOverflow
	}
	a.v.Set(u)
	return a, nil
}

// ParseUnits parses an integer string of base units.
func ParseUnits[D Domain](s string) (Amount[D], error) {
	var a Amount[D]
	s = strings.TrimSpace(s)
	if s == "" {
		return a, ErrInvalidAmount
	}
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	a.v.Set(u)
	return a, nil
}

// Parse parses a human decimal ("1.5") into base units. Inputs carrying more
// fractional digits than the domain supports are rejected, not rounded.
func Parse[D Domain](s string) (Amount[D], error) {
	var a Amount[D]
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return a, ErrInvalidAmount
	}
	shifted := d.Shift(int32(decimalsOf[D]()))
	if !shifted.Equal(shifted.Truncate(0)) {
		return a, ErrTooPrecise
	}
	return FromBig[D](shifted.BigInt())
}

func (a Amount[D]) IsZero() bool { return a.v.IsZero() }

func (a Amount[D]) Cmp(b Amount[D]) int { return a.v.Cmp(&b.v) }

func (a Amount[D]) Lt(b Amount[D]) bool { return a.v.Lt(&b.v) }

func (a Amount[D]) Gt(b Amount[D]) bool { return a.v.Gt(&b.v) }

func (a Amount[D]) Eq(b Amount[D]) bool { return a.v.Eq(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount[D]) Add(b Amount[D]) (Amount[D], error) {
	var out Amount[D]
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount[D]{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount[D]) Sub(b Amount[D]) (Amount[D], error) {
	var out Amount[D]
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount[D]{}, ErrUnderflow
	}
	return out, nil
}

// SaturatingSub returns a-b floored at zero.
func (a Amount[D]) SaturatingSub(b Amount[D]) Amount[D] {
	if a.v.Lt(&b.v) {
		return Amount[D]{}
	}
	out, _ := a.Sub(b)
	return out
}

// Scale returns floor(a*num/den) with a 512-bit intermediate.
func (a Amount[D]) Scale(num, den *uint256.Int) (Amount[D], error) {
	var out Amount[D]
	if den == nil || den.IsZero() {
		return out, ErrDivisionByZero
	}
	if num == nil || num.IsZero() || a.v.IsZero() {
		return out, nil
	}
	if _, overflow := out.v.MulDivOverflow(&a.v, num, den); overflow {
		return Amount[D]{}, ErrOverflow
	}
	return out, nil
}

// MulBps returns floor(a*bps/10000).
func (a Amount[D]) MulBps(bps Bps) (Amount[D], error) {
	return a.Scale(uint256.NewInt(uint64(bps)), uint256.NewInt(BasisPoints))
}

// Uint256 returns a copy of the raw base unit value.
func (a Amount[D]) Uint256() *uint256.Int { return new(uint256.Int).Set(&a.v) }

// Big returns the raw base unit value as a big integer.
func (a Amount[D]) Big() *big.Int { return a.v.ToBig() }

// String renders the raw base unit integer.
func (a Amount[D]) String() string { return a.v.Dec() }

// Display renders the human decimal form, e.g. "0.525".
func (a Amount[D]) Display() string {
	return decimal.NewFromBigInt(a.v.ToBig(), -int32(decimalsOf[D]())).String()
}

// Symbol names the decimal domain of the amount.
func (a Amount[D]) Symbol() string { return symbolOf[D]() }

// MarshalText renders base units so amounts survive JSON without float loss.
func (a Amount[D]) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Amount[D]) UnmarshalText(text []byte) error {
	parsed, err := ParseUnits[D](string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Min returns the smaller of a and b.
func Min[D Domain](a, b Amount[D]) Amount[D] {
	if a.Lt(b) {
		return a
	}
	return b
}

// Sum adds every amount, failing on overflow.
func Sum[D Domain](amounts ...Amount[D]) (Amount[D], error) {
	var total Amount[D]
	for _, amt := range amounts {
		next, err := total.Add(amt)
		if err != nil {
			return Amount[D]{}, err
		}
		total = next
	}
	return total, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

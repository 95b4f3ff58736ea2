package units

import "github.com/holiman/uint256"

// satsToStBTCFactor bridges the 8 decimal base asset to the 18 decimal
// derivative.
var satsToStBTCFactor = uint256.NewInt(10_000_000_000)

var one = uint256.NewInt(1)

// SatsToStBTC converts base units into derivative units at 1:1 value.
func SatsToStBTC(s Sats) (StBTC, error) {
	return FromUint256[DomainStBTC](&s.v).Scale(satsToStBTCFactor, one)
}

// StBTCToSats converts derivative units back into base units, rounding down.
func StBTCToSats(s StBTC) Sats {
	out, _ := FromUint256[DomainBTC](&s.v).Scale(one, satsToStBTCFactor)
	return out
}

// valueDivisor is 10^(dec(D) + dec(Price) - dec(USD)).
func valueDivisor[D Domain]() *uint256.Int {
	return pow10(decimalsOf[D]() + DomainPrice{}.Decimals() - DomainUSD{}.Decimals())
}

// Value prices amt at price and returns the USD value, rounding down.
func Value[D Domain](amt Amount[D], price Price) (USD, error) {
	return FromUint256[DomainUSD](&amt.v).Scale(&price.v, valueDivisor[D]())
}

// AmountForValue returns how much of domain D is worth value at price,
// rounding down.
func AmountForValue[D Domain](value USD, price Price) (Amount[D], error) {
	if price.IsZero() {
		return Amount[D]{}, ErrDivisionByZero
	}
	return FromUint256[D](&value.v).Scale(valueDivisor[D](), &price.v)
}

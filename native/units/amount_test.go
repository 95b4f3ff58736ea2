package units

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseAndDisplay(t *testing.T) {
	btc, err := Parse[DomainBTC]("0.525")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if btc.String() != "52500000" {
		t.Fatalf("unexpected base units %s", btc)
	}
	if btc.Display() != "0.525" {
		t.Fatalf("unexpected display %s", btc.Display())
	}
	if _, err := Parse[DomainUSD]("1.0000001"); !errors.Is(err, ErrTooPrecise) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := Parse[DomainUSD]("-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	a := New[DomainUSD](10)
	b := New[DomainUSD](11)
	if _, err := a.Sub(b); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	max := FromUint256[DomainUSD](new(uint256.Int).SetAllOne())
	if _, err := max.Add(New[DomainUSD](1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if got := a.SaturatingSub(b); !got.IsZero() {
		t.Fatalf("expected saturation at zero, got %s", got)
	}
	sum, err := Sum(a, b, New[DomainUSD](1))
	if err != nil || sum.String() != "22" {
		t.Fatalf("sum = %s, %v", sum, err)
	}
}

func TestScaleRejectsZeroDenominator(t *testing.T) {
	if _, err := New[DomainBTC](1).Scale(uint256.NewInt(1), uint256.NewInt(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestMulBpsFloors(t *testing.T) {
	got, err := New[DomainUSD](999).MulBps(500)
	if err != nil {
		t.Fatalf("mulbps: %v", err)
	}
	if got.String() != "49" {
		t.Fatalf("expected 49, got %s", got)
	}
}

func TestFromBigRejectsNegative(t *testing.T) {
	if _, err := FromBig[DomainGov](big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestTextRoundTrip(t *testing.T) {
	in := Whole[DomainStBTC](3)
	text, _ := in.MarshalText()
	var out StBTC
	if err := out.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Eq(in) {
		t.Fatalf("round trip mismatch %s vs %s", out, in)
	}
}

func TestAssetSymbols(t *testing.T) {
	for _, id := range Assets() {
		parsed, err := ParseAsset(id.String())
		if err != nil || parsed != id {
			t.Fatalf("asset %s did not round trip: %v", id, err)
		}
	}
	if _, err := ParseAsset("DOGE"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	if id, _ := ParseAsset(" usdc "); !id.Stablecoin() {
		t.Fatalf("usdc should be a stablecoin")
	}
}

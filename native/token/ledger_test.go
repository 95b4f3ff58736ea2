package token

import (
	"errors"
	"testing"

	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

var (
	alice  = crypto.DeriveAddress(crypto.AccountPrefix, "alice")
	bob    = crypto.DeriveAddress(crypto.AccountPrefix, "bob")
	module = crypto.ModuleAddress("vault")
)

func sats(n uint64) units.Sats { return units.New[units.DomainBTC](n) }

func TestTransferAndAllowance(t *testing.T) {
	l := NewLedger[units.DomainBTC]("BTC")
	if err := l.Mint(alice, sats(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(alice, bob, sats(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := l.TransferFrom(bob, alice, bob, sats(10)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	if err := l.Approve(alice, bob, sats(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(bob, alice, bob, sats(10)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if !l.Allowance(alice, bob).IsZero() {
		t.Fatalf("allowance not consumed")
	}
	if l.BalanceOf(alice).String() != "90" || l.BalanceOf(bob).String() != "10" {
		t.Fatalf("unexpected balances %s %s", l.BalanceOf(alice), l.BalanceOf(bob))
	}
}

func TestOperatorSkipsAllowance(t *testing.T) {
	l := NewLedger[units.DomainBTC]("BTC")
	l.AddOperator(module)
	_ = l.Mint(alice, sats(50))
	if err := l.TransferFrom(module, alice, module, sats(50)); err != nil {
		t.Fatalf("operator transfer: %v", err)
	}
	if l.BalanceOf(module).String() != "50" {
		t.Fatalf("module balance %s", l.BalanceOf(module))
	}
}

func TestMintBurnAndRevert(t *testing.T) {
	l := NewLedger[units.DomainStBTC]("stBTC")
	_ = l.Mint(alice, units.New[units.DomainStBTC](7))
	cp := l.Checkpoint()
	if err := l.Burn(alice, units.New[units.DomainStBTC](7)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if !l.TotalSupply().IsZero() {
		t.Fatalf("supply not reduced")
	}
	l.Revert(cp)
	if l.TotalSupply().String() != "7" || l.BalanceOf(alice).String() != "7" {
		t.Fatalf("revert failed: supply %s", l.TotalSupply())
	}
	if err := l.Burn(bob, units.New[units.DomainStBTC](1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := l.Mint(crypto.Address{}, units.New[units.DomainStBTC](1)); !errors.Is(err, nativecommon.ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v", err)
	}
}

func TestLedgerSnapshot(t *testing.T) {
	l := NewLedger[units.DomainUSD]("USDT")
	_ = l.Mint(alice, units.New[units.DomainUSD](5))
	_ = l.Mint(bob, units.New[units.DomainUSD](6))
	_ = l.Approve(alice, bob, units.New[units.DomainUSD](2))
	data, err := l.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored := NewLedger[units.DomainUSD]("USDT")
	if err := restored.DecodeState(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if restored.TotalSupply().String() != "11" || restored.Allowance(alice, bob).String() != "2" {
		t.Fatalf("snapshot mismatch")
	}
}

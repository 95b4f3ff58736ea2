package credit

import (
	"errors"
	"testing"

	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/oracle"
	"btcfi/native/position"
	"btcfi/native/token"
	"btcfi/native/units"
)

var (
	admin      = crypto.DeriveAddress(crypto.AccountPrefix, "admin")
	holder     = crypto.DeriveAddress(crypto.AccountPrefix, "holder")
	stranger   = crypto.DeriveAddress(crypto.AccountPrefix, "stranger")
	liquidator = crypto.DeriveAddress(crypto.AccountPrefix, "liquidator")
	moduleAddr = crypto.ModuleAddress(moduleName)
)

type stubPrices map[units.AssetID]units.Price

func (s stubPrices) Price(asset units.AssetID) (units.Price, error) {
	p, ok := s[asset]
	if !ok {
		return units.Price{}, oracle.ErrNoPrice
	}
	return p, nil
}

type fixture struct {
	facility *Facility
	btc      *token.Ledger[units.DomainBTC]
	usdc     *token.Ledger[units.DomainUSD]
	prices   stubPrices
	clock    *nativecommon.ManualClock
}

func usd(n uint64) units.USD { return units.Whole[units.DomainUSD](n) }

func btc(n uint64) units.Sats { return units.New[units.DomainBTC](n) }

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	btcLedger := token.NewLedger[units.DomainBTC]("BTC")
	usdc := token.NewLedger[units.DomainUSD]("USDC")
	btcLedger.AddOperator(moduleAddr)
	usdc.AddOperator(moduleAddr)
	prices := stubPrices{units.AssetBTC: units.Whole[units.DomainPrice](50_000)}
	clock := nativecommon.NewManualClock(1_700_000_000)
	facility, err := NewFacility(moduleAddr, cfg, btcLedger, usdc, prices, clock)
	if err != nil {
		t.Fatalf("facility: %v", err)
	}
	if err := usdc.Mint(moduleAddr, usd(1_000_000)); err != nil {
		t.Fatalf("fund liquidity: %v", err)
	}
	for _, acct := range []crypto.Address{holder, liquidator} {
		if err := usdc.Mint(acct, usd(100_000)); err != nil {
			t.Fatalf("fund usdc: %v", err)
		}
	}
	if err := btcLedger.Mint(holder, btc(500_000_000)); err != nil {
		t.Fatalf("fund btc: %v", err)
	}
	return fixture{facility: facility, btc: btcLedger, usdc: usdc, prices: prices, clock: clock}
}

func unlimited() Config {
	cfg := DefaultConfig()
	cfg.DefaultLimits = Limits{}
	return cfg
}

func TestIssueCardCapsLimitAtOriginationLTV(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, err := f.facility.IssueCard(holder, btc(100_000_000), usd(100_000))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	view, err := f.facility.Card(id)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if !view.CreditLimit.Eq(usd(40_000)) || !view.Available.Eq(usd(40_000)) {
		t.Fatalf("limit %s available %s", view.CreditLimit, view.Available)
	}
	small, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(10_000))
	if v, _ := f.facility.Card(small); !v.CreditLimit.Eq(usd(10_000)) {
		t.Fatalf("requested limit not honoured: %s", v.CreditLimit)
	}
	if got := f.facility.CardsOf(holder); len(got) != 2 {
		t.Fatalf("cards = %v", got)
	}
	if !f.btc.BalanceOf(moduleAddr).Eq(btc(200_000_000)) {
		t.Fatalf("custody = %s", f.btc.BalanceOf(moduleAddr))
	}
}

func TestPurchaseSourcePriority(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(1_000))
	if err := f.facility.FundYieldBalance(holder, id, usd(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	source, err := f.facility.ProcessPurchase(holder, id, "coffee", usd(60))
	if err != nil || source != SourceYield {
		t.Fatalf("first purchase source=%q err=%v", source, err)
	}
	source, err = f.facility.ProcessPurchase(holder, id, "coffee", usd(80))
	if err != nil || source != SourceCredit {
		t.Fatalf("second purchase source=%q err=%v", source, err)
	}
	view, _ := f.facility.Card(id)
	if !view.YieldBalance.Eq(usd(40)) || !view.Position.Principal.Eq(usd(80)) {
		t.Fatalf("yield %s principal %s", view.YieldBalance, view.Position.Principal)
	}
	if !f.usdc.BalanceOf(MerchantAddress("coffee")).Eq(usd(140)) {
		t.Fatalf("merchant paid %s", f.usdc.BalanceOf(MerchantAddress("coffee")))
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "coffee", usd(921)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "", usd(1)); !errors.Is(err, ErrInvalidMerchant) {
		t.Fatalf("expected invalid merchant, got %v", err)
	}
}

func TestSpendingLimitsRollLazily(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(40_000))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(5_001)); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Fatalf("expected per transaction limit, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(5_000)); err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Fatalf("expected daily limit, got %v", err)
	}
	f.clock.Advance(DaySeconds)
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); err != nil {
		t.Fatalf("daily window should roll: %v", err)
	}
	view, _ := f.facility.Card(id)
	if !view.Usage.Monthly.Spent.Eq(usd(10_001)) {
		t.Fatalf("monthly spend = %s", view.Usage.Monthly.Spent)
	}
	tighter := Limits{PerTransaction: usd(100), Daily: usd(200), Monthly: usd(1_000)}
	if err := f.facility.SetLimits(holder, id, tighter); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(101)); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Fatalf("expected tightened limit, got %v", err)
	}
	if err := f.facility.SetLimits(holder, id, Limits{PerTransaction: usd(6_000), Daily: usd(1), Monthly: usd(1)}); !errors.Is(err, ErrLimitAboveDefaults) {
		t.Fatalf("expected limits above defaults, got %v", err)
	}
}

func TestBlockedCardRejectsPurchases(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(1_000))
	if err := f.facility.Block(stranger, id); !errors.Is(err, nativecommon.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := f.facility.Block(holder, id); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); !errors.Is(err, ErrCardBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if err := f.facility.Unblock(holder, id); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); err != nil {
		t.Fatalf("purchase after unblock: %v", err)
	}
}

func TestPaymentAppliesInterestFirst(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(10_000))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	f.clock.Advance(units.SecondsPerYear)
	if err := f.facility.MakePayment(holder, id, usd(200)); err != nil {
		t.Fatalf("payment: %v", err)
	}
	view, _ := f.facility.Card(id)
	if !view.Position.Interest.IsZero() || !view.Position.Principal.Eq(usd(980)) {
		t.Fatalf("after payment interest %s principal %s", view.Position.Interest, view.Position.Principal)
	}
	if !f.facility.InterestCollected().Eq(usd(180)) {
		t.Fatalf("interest collected %s", f.facility.InterestCollected())
	}
	if err := f.facility.MakePayment(holder, id, usd(981)); !errors.Is(err, position.ErrAmountExceedsDebt) {
		t.Fatalf("expected amount exceeds debt, got %v", err)
	}
	if err := f.facility.MakePayment(holder, id, usd(980)); err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if view, _ := f.facility.Card(id); !view.Position.Active {
		t.Fatalf("cards stay open after full payment")
	}
}

func TestRemoveCollateralChecksOriginationLTV(t *testing.T) {
	f := newFixture(t, unlimited())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(40_000))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(20_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := f.facility.RemoveCollateral(holder, id, btc(50_000_001)); !errors.Is(err, ErrLtvExceeded) {
		t.Fatalf("expected ltv exceeded, got %v", err)
	}
	if err := f.facility.RemoveCollateral(holder, id, btc(50_000_000)); err != nil {
		t.Fatalf("remove to max ltv: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); !errors.Is(err, ErrLtvExceeded) {
		t.Fatalf("credit draw beyond collateral value should fail, got %v", err)
	}
	if err := f.facility.AddCollateral(holder, id, btc(50_000_000)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); err != nil {
		t.Fatalf("purchase after top up: %v", err)
	}
}

func TestCardWithoutCollateralStaysOpen(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(1_000))
	if err := f.facility.RemoveCollateral(holder, id, btc(100_000_000)); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1)); !errors.Is(err, ErrLtvExceeded) {
		t.Fatalf("expected ltv exceeded on empty card, got %v", err)
	}
	if err := f.facility.FundYieldBalance(holder, id, usd(10)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if source, err := f.facility.ProcessPurchase(holder, id, "shop", usd(10)); err != nil || source != SourceYield {
		t.Fatalf("yield purchase source=%q err=%v", source, err)
	}
}

func TestLiquidateCard(t *testing.T) {
	f := newFixture(t, unlimited())
	f.prices[units.AssetBTC] = units.Whole[units.DomainPrice](53_250)
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(42_600))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(42_600)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := f.facility.Liquidate(liquidator, id, usd(21_300)); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected healthy, got %v", err)
	}
	f.prices[units.AssetBTC] = units.Whole[units.DomainPrice](50_000)
	seized, err := f.facility.Liquidate(liquidator, id, usd(21_300))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !seized.Eq(btc(52_500_000)) || !f.btc.BalanceOf(liquidator).Eq(seized) {
		t.Fatalf("seized %s", seized)
	}
	view, _ := f.facility.Card(id)
	if !view.Position.Collateral.Eq(btc(47_500_000)) || !view.Position.Principal.Eq(usd(21_300)) {
		t.Fatalf("remaining %+v", view.Position)
	}
}

func TestFailedTransfersLeaveCardUntouched(t *testing.T) {
	f := newFixture(t, unlimited())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(40_000))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(8_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	before, _ := f.facility.Card(id)

	broke := crypto.DeriveAddress(crypto.AccountPrefix, "broke")
	if err := f.facility.MakePayment(broke, id, usd(8_000)); err == nil {
		t.Fatalf("payment without funds succeeded")
	}
	if err := f.usdc.Transfer(moduleAddr, stranger, f.usdc.BalanceOf(moduleAddr)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(1_000)); err == nil {
		t.Fatalf("purchase without liquidity succeeded")
	}
	f.prices[units.AssetBTC] = units.Whole[units.DomainPrice](9_000)
	if _, err := f.facility.Liquidate(broke, id, usd(4_000)); err == nil {
		t.Fatalf("liquidation without funds succeeded")
	}

	after, _ := f.facility.Card(id)
	if !after.Position.Principal.Eq(usd(8_000)) || !after.Position.Collateral.Eq(before.Position.Collateral) {
		t.Fatalf("failed calls mutated position %+v", after.Position)
	}
	if after.Usage != before.Usage || !after.YieldBalance.Eq(before.YieldBalance) {
		t.Fatalf("failed purchase recorded usage %+v", after.Usage)
	}
}

func TestCardHealthTracksPrice(t *testing.T) {
	f := newFixture(t, unlimited())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(40_000))
	if _, err := f.facility.ProcessPurchase(holder, id, "shop", usd(40_000)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	h, err := f.facility.Health(id)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.LTVBps != 8_000 || h.Liquidatable {
		t.Fatalf("unexpected health %+v", h)
	}
	f.prices[units.AssetBTC] = units.Whole[units.DomainPrice](47_000)
	h, _ = f.facility.Health(id)
	if !h.Liquidatable {
		t.Fatalf("expected liquidatable at 47k, got %+v", h)
	}
	if ids := f.facility.ActiveCards(); len(ids) != 1 || ids[0] != id {
		t.Fatalf("active cards = %v", ids)
	}
}

func TestPausedFacility(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	roles := nativecommon.NewRoles(admin)
	pauses := nativecommon.NewPauses(roles)
	f.facility.SetPauses(pauses)
	_ = pauses.SetPaused(admin, moduleName, true)
	if _, err := f.facility.IssueCard(holder, btc(100_000_000), usd(1_000)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if f.facility.guard.Busy() {
		t.Fatalf("reentrancy flag leaked")
	}
}

func TestFacilitySnapshotAndRevert(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id, _ := f.facility.IssueCard(holder, btc(100_000_000), usd(1_000))
	_, _ = f.facility.ProcessPurchase(holder, id, "shop", usd(100))
	data, err := f.facility.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cp := f.facility.Checkpoint()
	_ = f.facility.Block(holder, id)
	f.facility.Revert(cp)
	if view, _ := f.facility.Card(id); view.Blocked {
		t.Fatalf("revert left card blocked")
	}

	restored, _ := NewFacility(moduleAddr, DefaultConfig(), f.btc, f.usdc, f.prices, f.clock)
	if err := restored.DecodeState(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, _ := restored.Card(id)
	want, _ := f.facility.Card(id)
	if got != want {
		t.Fatalf("restored %+v want %+v", got, want)
	}
}

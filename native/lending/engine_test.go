package lending

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
	lender     = crypto.DeriveAddress(crypto.AccountPrefix, "lender")
	borrower   = crypto.DeriveAddress(crypto.AccountPrefix, "borrower")
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
	engine *Engine
	st     *token.Ledger[units.DomainStBTC]
	usdt   *token.Ledger[units.DomainUSD]
	prices stubPrices
	clock  *nativecommon.ManualClock
	roles  *nativecommon.Roles
}

func usd(n uint64) units.USD { return units.Whole[units.DomainUSD](n) }
func btcPrice(n uint64) units.Price { return units.Whole[units.DomainPrice](n) }

func stbtc(t *testing.T, s string) units.StBTC {
	t.Helper()
	v, err := units.Parse[units.DomainStBTC](s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return v
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := token.NewLedger[units.DomainStBTC]("stBTC")
	usdt := token.NewLedger[units.DomainUSD]("USDT")
	usdc := token.NewLedger[units.DomainUSD]("USDC")
	for _, l := range []interface{ AddOperator(crypto.Address) }{st, usdt, usdc} {
		l.AddOperator(moduleAddr)
	}
	prices := stubPrices{units.AssetBTC: btcPrice(50_000)}
	clock := nativecommon.NewManualClock(1_700_000_000)
	roles := nativecommon.NewRoles(admin)
	stables := map[units.AssetID]token.Fungible[units.DomainUSD]{units.AssetUSDT: usdt, units.AssetUSDC: usdc}
	engine, err := NewEngine(moduleAddr, DefaultConfig(), st, stables, prices, clock, roles)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := usdt.Mint(lender, usd(1_000_000)); err != nil {
		t.Fatalf("fund lender: %v", err)
	}
	if err := usdt.Mint(liquidator, usd(100_000)); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	if err := st.Mint(borrower, units.Whole[units.DomainStBTC](10)); err != nil {
		t.Fatalf("fund borrower: %v", err)
	}
	if err := engine.Supply(lender, units.AssetUSDT, usd(100_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	return fixture{engine: engine, st: st, usdt: usdt, prices: prices, clock: clock, roles: roles}
}

func TestBorrowLTVBoundary(t *testing.T) {
	f := newFixture(t)
	// 0.2 stBTC at $50,000 is worth $10,000.
	if _, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(8_001), stbtc(t, "0.2")); !errors.Is(err, ErrLtvExceeded) {
		t.Fatalf("expected ltv exceeded, got %v", err)
	}
	if nativecommon.KindOf(ErrLtvExceeded) != nativecommon.KindSolvency {
		t.Fatalf("ltv breach must be a solvency error")
	}
	if !f.st.BalanceOf(moduleAddr).IsZero() {
		t.Fatalf("rejected borrow moved collateral")
	}
	id, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(8_000), stbtc(t, "0.2"))
	if err != nil {
		t.Fatalf("borrow at max ltv: %v", err)
	}
	if !f.usdt.BalanceOf(borrower).Eq(usd(8_000)) {
		t.Fatalf("borrower received %s", f.usdt.BalanceOf(borrower))
	}
	loan, err := f.engine.Position(id)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if loan.Asset != units.AssetUSDT || !loan.Principal.Eq(usd(8_000)) || loan.RateBps != 200 {
		t.Fatalf("unexpected loan %+v", loan)
	}
}

func TestRateFrozenFromPriorUtilisation(t *testing.T) {
	f := newFixture(t)
	first, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(40_000), units.Whole[units.DomainStBTC](1))
	second, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(10_000), units.Whole[units.DomainStBTC](1))
	if err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	a, _ := f.engine.Position(first)
	b, _ := f.engine.Position(second)
	// 40% utilisation adds 4000*1000/10000 bps on top of the 200 bps base.
	if a.RateBps != 200 || b.RateBps != 600 {
		t.Fatalf("rates = %d, %d", a.RateBps, b.RateBps)
	}
	market, _ := f.engine.Market(units.AssetUSDT)
	if market.UtilisationBps() != 5_000 {
		t.Fatalf("utilisation = %d", market.UtilisationBps())
	}
	if a2, _ := f.engine.Position(first); a2.RateBps != 200 {
		t.Fatalf("existing loan repriced")
	}
}

func TestRepayInterestFlowsToSuppliers(t *testing.T) {
	f := newFixture(t)
	id, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(40_000), units.Whole[units.DomainStBTC](1))
	f.clock.Advance(units.SecondsPerYear)
	if err := f.engine.AccrueInterest(id); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	loan, _ := f.engine.Position(id)
	if !loan.Interest.Eq(usd(800)) {
		t.Fatalf("interest = %s", loan.Interest)
	}
	if _, err := f.engine.Repay(borrower, id, usd(40_801)); !errors.Is(err, position.ErrAmountExceedsDebt) {
		t.Fatalf("expected amount exceeds debt, got %v", err)
	}
	if err := f.usdt.Mint(borrower, usd(800)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	closed, err := f.engine.Repay(borrower, id, usd(40_800))
	if err != nil || !closed {
		t.Fatalf("repay closed=%v err=%v", closed, err)
	}
	if !f.st.BalanceOf(borrower).Eq(units.Whole[units.DomainStBTC](10)) {
		t.Fatalf("collateral not released: %s", f.st.BalanceOf(borrower))
	}
	market, _ := f.engine.Market(units.AssetUSDT)
	if !market.TotalReserves.Eq(usd(80)) || !market.TotalBorrowed.IsZero() {
		t.Fatalf("market = %+v", market)
	}
	yield, err := f.engine.ClaimSupplierYield(lender, units.AssetUSDT)
	if err != nil || !yield.Eq(usd(720)) {
		t.Fatalf("yield = %s, %v", yield, err)
	}
	if _, err := f.engine.ClaimSupplierYield(lender, units.AssetUSDT); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected nothing to claim, got %v", err)
	}
	if err := f.engine.WithdrawReserves(lender, units.AssetUSDT, usd(80)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.WithdrawReserves(admin, units.AssetUSDT, usd(80)); err != nil {
		t.Fatalf("withdraw reserves: %v", err)
	}
	if _, err := f.engine.Position(id); err != nil {
		t.Fatalf("closed loan should stay readable: %v", err)
	}
}

func TestShortPayerLeavesLoanUntouched(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(8_000), stbtc(t, "0.2"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.usdt.Transfer(borrower, lender, usd(8_000)); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := f.engine.Repay(borrower, id, usd(8_000)); err == nil {
		t.Fatalf("repay without funds succeeded")
	}
	loan, _ := f.engine.Position(id)
	if !loan.Active || !loan.Principal.Eq(usd(8_000)) {
		t.Fatalf("failed repay mutated loan %+v", loan)
	}

	broke := crypto.DeriveAddress(crypto.AccountPrefix, "broke")
	f.prices[units.AssetBTC] = btcPrice(9_000)
	if _, err := f.engine.Liquidate(broke, id, usd(4_000)); err == nil {
		t.Fatalf("liquidation without funds succeeded")
	}
	loan, _ = f.engine.Position(id)
	if !loan.Active || !loan.Principal.Eq(usd(8_000)) || !loan.Collateral.Eq(stbtc(t, "0.2")) {
		t.Fatalf("failed liquidation mutated loan %+v", loan)
	}
	market, _ := f.engine.Market(units.AssetUSDT)
	if !market.TotalBorrowed.Eq(usd(8_000)) {
		t.Fatalf("borrowed = %s", market.TotalBorrowed)
	}
}

func TestPartialLiquidation(t *testing.T) {
	f := newFixture(t)
	f.prices[units.AssetBTC] = btcPrice(53_250)
	id, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(42_600), units.Whole[units.DomainStBTC](1))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Liquidate(liquidator, id, usd(21_300)); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected healthy, got %v", err)
	}

	f.prices[units.AssetBTC] = btcPrice(50_000)
	health, err := f.engine.Health(id)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.LTVBps != 8_520 || !health.Liquidatable {
		t.Fatalf("health = %+v", health)
	}
	seized, err := f.engine.Liquidate(liquidator, id, usd(21_300))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !seized.Eq(stbtc(t, "0.525")) {
		t.Fatalf("seized %s", seized.Display())
	}
	loan, _ := f.engine.Position(id)
	if !loan.Active || !loan.Collateral.Eq(stbtc(t, "0.475")) || !loan.Principal.Eq(usd(21_300)) {
		t.Fatalf("remaining loan %+v", loan)
	}
	if !f.st.BalanceOf(liquidator).Eq(seized) {
		t.Fatalf("liquidator holds %s", f.st.BalanceOf(liquidator))
	}
	if _, err := f.engine.Liquidate(liquidator, id, usd(30_000)); !errors.Is(err, position.ErrAmountExceedsDebt) {
		t.Fatalf("expected amount exceeds debt, got %v", err)
	}
}

func TestFullLiquidationClosesLoan(t *testing.T) {
	f := newFixture(t)
	id, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(40_000), units.Whole[units.DomainStBTC](1))
	f.prices[units.AssetBTC] = btcPrice(40_000)
	seized, err := f.engine.Liquidate(liquidator, id, usd(40_000))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !seized.Eq(units.Whole[units.DomainStBTC](1)) {
		t.Fatalf("seized %s", seized.Display())
	}
	loan, _ := f.engine.Position(id)
	if loan.Active || !loan.Collateral.IsZero() {
		t.Fatalf("loan still open: %+v", loan)
	}
	market, _ := f.engine.Market(units.AssetUSDT)
	if !market.TotalBorrowed.IsZero() {
		t.Fatalf("borrowed = %s", market.TotalBorrowed)
	}
}

func TestZeroPriceCollateralAlwaysLiquidatable(t *testing.T) {
	f := newFixture(t)
	id, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(1_000), units.Whole[units.DomainStBTC](1))
	f.prices[units.AssetBTC] = units.Price{}
	if _, err := f.engine.Liquidate(liquidator, id, usd(500)); err != nil {
		t.Fatalf("liquidate worthless collateral: %v", err)
	}
}

func TestRemoveCollateralRespectsMaxLTV(t *testing.T) {
	f := newFixture(t)
	id, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(20_000), units.Whole[units.DomainStBTC](1))
	if err := f.engine.RemoveCollateral(borrower, id, stbtc(t, "0.500000000000000001")); !errors.Is(err, ErrLtvExceeded) {
		t.Fatalf("expected ltv exceeded, got %v", err)
	}
	if err := f.engine.RemoveCollateral(liquidator, id, stbtc(t, "0.1")); !errors.Is(err, nativecommon.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := f.engine.RemoveCollateral(borrower, id, stbtc(t, "0.5")); err != nil {
		t.Fatalf("remove to exactly max ltv: %v", err)
	}
	if err := f.engine.AddCollateral(borrower, id, stbtc(t, "0.25")); err != nil {
		t.Fatalf("add: %v", err)
	}
	loan, _ := f.engine.Position(id)
	if !loan.Collateral.Eq(stbtc(t, "0.75")) {
		t.Fatalf("collateral = %s", loan.Collateral.Display())
	}
}

func TestCollateralConservation(t *testing.T) {
	f := newFixture(t)
	a, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(10_000), units.Whole[units.DomainStBTC](1))
	b, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(5_000), units.Whole[units.DomainStBTC](2))
	_ = f.engine.AddCollateral(borrower, a, stbtc(t, "0.3"))
	_ = f.engine.RemoveCollateral(borrower, b, stbtc(t, "1"))
	if _, err := f.engine.Repay(borrower, a, usd(10_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	total, err := f.engine.TotalCollateral()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Eq(f.st.BalanceOf(moduleAddr)) || !total.Eq(units.Whole[units.DomainStBTC](1)) {
		t.Fatalf("book %s vs custody %s", total, f.st.BalanceOf(moduleAddr))
	}
}

func TestWithdrawLimitedByCash(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(40_000), units.Whole[units.DomainStBTC](1)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.engine.Withdraw(lender, units.AssetUSDT, usd(60_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if err := f.engine.Withdraw(lender, units.AssetUSDT, usd(60_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := f.engine.Borrow(borrower, units.AssetUSDC, usd(1), units.Whole[units.DomainStBTC](1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected empty usdc market, got %v", err)
	}
}

func TestCapsEnforced(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultMarket(units.AssetUSDT)
	cfg.SupplyCap = usd(150_000)
	cfg.BorrowCap = usd(1_000)
	if err := f.engine.SetMarket(admin, cfg); err != nil {
		t.Fatalf("set market: %v", err)
	}
	if err := f.engine.Supply(lender, units.AssetUSDT, usd(50_001)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("expected supply cap, got %v", err)
	}
	if _, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(1_001), units.Whole[units.DomainStBTC](1)); !errors.Is(err, ErrBorrowCapExceeded) {
		t.Fatalf("expected borrow cap, got %v", err)
	}
}

func TestPausedActionBlocksMutation(t *testing.T) {
	f := newFixture(t)
	pauses := nativecommon.NewPauses(f.roles)
	f.engine.SetPauses(pauses)
	if err := pauses.SetPaused(admin, ActionBorrow.PauseKey(), true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(1_000), units.Whole[units.DomainStBTC](1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if f.engine.guard.Busy() {
		t.Fatalf("reentrancy flag leaked")
	}
	if err := f.engine.Supply(lender, units.AssetUSDT, usd(1)); err != nil {
		t.Fatalf("supply should stay open: %v", err)
	}
	if err := pauses.SetPaused(admin, moduleName, true); err != nil {
		t.Fatalf("pause module: %v", err)
	}
	if err := f.engine.Supply(lender, units.AssetUSDT, usd(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected module paused, got %v", err)
	}
}

func TestOracleFailureAbortsBorrow(t *testing.T) {
	f := newFixture(t)
	delete(f.prices, units.AssetBTC)
	if _, err := f.engine.Borrow(borrower, units.AssetUSDT, usd(1_000), units.Whole[units.DomainStBTC](1)); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected oracle error, got %v", err)
	}
}

func TestSnapshotAndRevert(t *testing.T) {
	f := newFixture(t)
	id, _ := f.engine.Borrow(borrower, units.AssetUSDT, usd(10_000), units.Whole[units.DomainStBTC](1))
	data, err := f.engine.EncodeState()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cp := f.engine.Checkpoint()
	if _, err := f.engine.Repay(borrower, id, usd(10_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.engine.Revert(cp)
	if loan, _ := f.engine.Position(id); !loan.Active {
		t.Fatalf("revert did not restore loan")
	}

	restored, err := NewEngine(moduleAddr, DefaultConfig(), f.st, map[units.AssetID]token.Fungible[units.DomainUSD]{units.AssetUSDT: f.usdt, units.AssetUSDC: f.usdt}, f.prices, f.clock, f.roles)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := restored.DecodeState(data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, _ := restored.Position(id)
	want, _ := f.engine.Position(id)
	if got != want {
		t.Fatalf("restored %+v want %+v", got, want)
	}
	if !restored.Supplied(lender, units.AssetUSDT).Eq(usd(100_000)) {
		t.Fatalf("supplier principal lost")
	}
}

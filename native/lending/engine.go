package lending

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/core/events"
	"btcfi/crypto"
	"btcfi/native/accrual"
	nativecommon "btcfi/native/common"
	"btcfi/native/oracle"
	"btcfi/native/position"
	"btcfi/native/token"
	"btcfi/native/units"
)

const moduleName = "lending"

var (
	ErrUnknownMarket         = nativecommon.Validation("lending: unknown market")
	ErrLtvExceeded           = nativecommon.Solvency("lending: loan to value exceeded")
	ErrPositionHealthy       = nativecommon.State("lending: position healthy")
	ErrInsufficientLiquidity = nativecommon.Solvency("lending: insufficient liquidity")
	ErrSupplyCapExceeded     = nativecommon.Solvency("lending: supply cap exceeded")
	ErrBorrowCapExceeded     = nativecommon.Solvency("lending: borrow cap exceeded")
	ErrInsufficientReserves  = nativecommon.Solvency("lending: insufficient reserves")
	ErrNothingToClaim        = nativecommon.Validation("lending: nothing to claim")
)

type supplierPool = accrual.Pool[crypto.Address, units.DomainUSD, units.DomainUSD]

type engineState struct {
	markets   map[units.AssetID]*Market
	suppliers map[units.AssetID]*supplierPool
	book      *position.Book[units.DomainStBTC]
	loanAsset map[uint64]units.AssetID
}

func (s *engineState) clone() *engineState {
	out := &engineState{
		markets:   make(map[units.AssetID]*Market, len(s.markets)),
		suppliers: make(map[units.AssetID]*supplierPool, len(s.suppliers)),
		book:      s.book.Clone(),
		loanAsset: make(map[uint64]units.AssetID, len(s.loanAsset)),
	}
	for asset, m := range s.markets {
		copied := *m
		out.markets[asset] = &copied
	}
	for asset, p := range s.suppliers {
		out.suppliers[asset] = p.Clone()
	}
	for id, asset := range s.loanAsset {
		out.loanAsset[id] = asset
	}
	return out
}

// Engine orchestrates the state transitions of the lending module: supplier
// liquidity per stablecoin market and stBTC collateralised loans.
type Engine struct {
	module     crypto.Address
	collateral token.Fungible[units.DomainStBTC]
	stables    map[units.AssetID]token.Fungible[units.DomainUSD]
	prices     oracle.Source
	clock      nativecommon.Clock
	roles      *nativecommon.Roles
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	guard      nativecommon.Reentrancy
	state      *engineState
}

// NewEngine constructs a lending engine for the configured markets. Every
// market asset needs a token in stables.
func NewEngine(module crypto.Address, cfg Config, collateral token.Fungible[units.DomainStBTC], stables map[units.AssetID]token.Fungible[units.DomainUSD], prices oracle.Source, clock nativecommon.Clock, roles *nativecommon.Roles) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		module:     module,
		collateral: collateral,
		stables:    stables,
		prices:     prices,
		clock:      clock,
		roles:      roles,
		emitter:    events.NoopEmitter{},
		state: &engineState{
			markets:   make(map[units.AssetID]*Market),
			suppliers: make(map[units.AssetID]*supplierPool),
			book:      position.NewBook[units.DomainStBTC](),
			loanAsset: make(map[uint64]units.AssetID),
		},
	}
	now := clock.Now()
	for _, m := range cfg.Markets {
		if _, ok := stables[m.Asset]; !ok {
			return nil, fmt.Errorf("lending: no token for market %s", m.Asset)
		}
		e.state.markets[m.Asset] = &Market{MarketConfig: m}
		e.state.suppliers[m.Asset] = accrual.NewPool[crypto.Address](accrual.NewFlatState[units.DomainUSD, units.DomainUSD](nil, now))
	}
	return e, nil
}

func (e *Engine) SetEmitter(em events.Emitter) {
	if e == nil || em == nil {
		return
	}
	e.emitter = em
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) Module() string { return moduleName }

// Address returns the module account holding liquidity and collateral.
func (e *Engine) Address() crypto.Address { return e.module }

func (e *Engine) enter(action Action) (func(), error) {
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		release()
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, action.PauseKey()); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (e *Engine) market(asset units.AssetID) (*Market, error) {
	m, ok := e.state.markets[asset]
	if !ok {
		return nil, ErrUnknownMarket
	}
	return m, nil
}

// Supply moves amount of asset from the supplier into the pool.
func (e *Engine) Supply(supplier crypto.Address, asset units.AssetID, amount units.USD) error {
	release, err := e.enter(ActionSupply)
	if err != nil {
		return err
	}
	defer release()
	if supplier.IsZero() {
		return nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	market, err := e.market(asset)
	if err != nil {
		return err
	}
	deposited, err := market.TotalDeposited.Add(amount)
	if err != nil {
		return err
	}
	if !market.SupplyCap.IsZero() && deposited.Gt(market.SupplyCap) {
		return ErrSupplyCapExceeded
	}
	if err := e.stables[asset].TransferFrom(e.module, supplier, e.module, amount); err != nil {
		return err
	}
	if err := e.state.suppliers[asset].Deposit(e.clock.Now(), supplier, amount); err != nil {
		return err
	}
	market.TotalDeposited = deposited
	e.emitter.Emit(events.LendingLiquidity{Kind: events.TypeLendingSupplied, Supplier: supplier, Asset: asset, Amount: amount})
	return nil
}

// Withdraw returns supplied principal. Liquidity lent out cannot be withdrawn.
func (e *Engine) Withdraw(supplier crypto.Address, asset units.AssetID, amount units.USD) error {
	release, err := e.enter(ActionWithdraw)
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	market, err := e.market(asset)
	if err != nil {
		return err
	}
	if amount.Gt(market.Cash()) {
		return ErrInsufficientLiquidity
	}
	if err := e.state.suppliers[asset].Withdraw(e.clock.Now(), supplier, amount); err != nil {
		return err
	}
	market.TotalDeposited = market.TotalDeposited.SaturatingSub(amount)
	if err := e.stables[asset].Transfer(e.module, supplier, amount); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingLiquidity{Kind: events.TypeLendingWithdrawn, Supplier: supplier, Asset: asset, Amount: amount})
	return nil
}

// ClaimSupplierYield pays the supplier's share of repaid interest.
func (e *Engine) ClaimSupplierYield(supplier crypto.Address, asset units.AssetID) (units.USD, error) {
	release, err := e.enter(ActionWithdraw)
	if err != nil {
		return units.USD{}, err
	}
	defer release()
	if _, err := e.market(asset); err != nil {
		return units.USD{}, err
	}
	amount, err := e.state.suppliers[asset].Claim(e.clock.Now(), supplier)
	if err != nil {
		if errors.Is(err, accrual.ErrNothingToClaim) {
			return units.USD{}, ErrNothingToClaim
		}
		return units.USD{}, err
	}
	if err := e.stables[asset].Transfer(e.module, supplier, amount); err != nil {
		return units.USD{}, err
	}
	e.emitter.Emit(events.LendingLiquidity{Kind: events.TypeLendingYieldClaimed, Supplier: supplier, Asset: asset, Amount: amount})
	return amount, nil
}

// SupplierYield reports the claimable yield without mutating the pool.
func (e *Engine) SupplierYield(supplier crypto.Address, asset units.AssetID) (units.USD, error) {
	pool, ok := e.state.suppliers[asset]
	if !ok {
		return units.USD{}, ErrUnknownMarket
	}
	return pool.Earned(e.clock.Now(), supplier)
}

// Supplied reports the supplier's principal in asset.
func (e *Engine) Supplied(supplier crypto.Address, asset units.AssetID) units.USD {
	pool, ok := e.state.suppliers[asset]
	if !ok {
		return units.USD{}
	}
	return pool.Principal(supplier)
}

func (e *Engine) collateralValue(amount units.StBTC) (units.USD, error) {
	price, err := e.prices.Price(units.AssetBTC)
	if err != nil {
		return units.USD{}, err
	}
	return units.Value(amount, price)
}

// Borrow pulls collateral, checks the origination LTV and opens a loan at a
// rate frozen from the utilisation observed before the borrow.
func (e *Engine) Borrow(borrower crypto.Address, asset units.AssetID, amount units.USD, collateral units.StBTC) (uint64, error) {
	release, err := e.enter(ActionBorrow)
	if err != nil {
		return 0, err
	}
	defer release()
	if borrower.IsZero() {
		return 0, nativecommon.ErrZeroAddress
	}
	if amount.IsZero() || collateral.IsZero() {
		return 0, nativecommon.ErrInvalidAmount
	}
	market, err := e.market(asset)
	if err != nil {
		return 0, err
	}
	value, err := e.collateralValue(collateral)
	if err != nil {
		return 0, err
	}
	if !position.WithinLTV(amount, value, market.MaxLTVBps) {
		return 0, ErrLtvExceeded
	}
	if amount.Gt(market.Cash()) {
		return 0, ErrInsufficientLiquidity
	}
	borrowed, err := market.TotalBorrowed.Add(amount)
	if err != nil {
		return 0, err
	}
	if !market.BorrowCap.IsZero() && borrowed.Gt(market.BorrowCap) {
		return 0, ErrBorrowCapExceeded
	}
	rate := market.Model().BorrowRateBps(market.TotalBorrowed, market.TotalDeposited)

	if err := e.collateral.TransferFrom(e.module, borrower, e.module, collateral); err != nil {
		return 0, err
	}
	if err := e.stables[asset].Transfer(e.module, borrower, amount); err != nil {
		return 0, err
	}
	pos := e.state.book.Open(borrower, collateral, amount, rate, market.LiquidationThresholdBps, e.clock.Now())
	e.state.loanAsset[pos.ID] = asset
	market.TotalBorrowed = borrowed
	e.emitter.Emit(events.LendingBorrowed{Borrower: borrower, PositionID: pos.ID, Asset: asset, Amount: amount, Collateral: collateral, RateBps: rate})
	return pos.ID, nil
}

func (e *Engine) loan(id uint64) (*position.Position[units.DomainStBTC], *Market, error) {
	pos, err := e.state.book.Active(id)
	if err != nil {
		return nil, nil, err
	}
	market, err := e.market(e.state.loanAsset[id])
	if err != nil {
		return nil, nil, err
	}
	if err := pos.AccrueInterest(e.clock.Now()); err != nil {
		return nil, nil, err
	}
	return pos, market, nil
}

// distributeInterest splits repaid interest between reserves and suppliers.
// With no suppliers left the whole amount goes to reserves.
func (e *Engine) distributeInterest(market *Market, interest units.USD) error {
	if interest.IsZero() {
		return nil
	}
	reserve, err := interest.MulBps(market.ReserveFactorBps)
	if err != nil {
		return err
	}
	share := interest.SaturatingSub(reserve)
	distributed, err := e.state.suppliers[market.Asset].Notify(e.clock.Now(), share)
	if err != nil {
		return err
	}
	if !distributed {
		reserve = interest
	}
	total, err := market.TotalReserves.Add(reserve)
	if err != nil {
		return err
	}
	market.TotalReserves = total
	return nil
}

// Repay pays down interest then principal. Paying the full debt closes the
// loan and releases the collateral to its owner.
func (e *Engine) Repay(payer crypto.Address, id uint64, amount units.USD) (bool, error) {
	release, err := e.enter(ActionRepay)
	if err != nil {
		return false, err
	}
	defer release()
	if amount.IsZero() {
		return false, nativecommon.ErrInvalidAmount
	}
	pos, market, err := e.loan(id)
	if err != nil {
		return false, err
	}
	next := *pos
	interest, principal, err := next.PayDown(amount)
	if err != nil {
		return false, err
	}
	if err := e.stables[market.Asset].TransferFrom(e.module, payer, e.module, amount); err != nil {
		return false, err
	}
	*pos = next
	market.TotalBorrowed = market.TotalBorrowed.SaturatingSub(principal)
	if err := e.distributeInterest(market, interest); err != nil {
		return false, err
	}
	closed := pos.Settled()
	if closed {
		owner := pos.Owner
		released := pos.Close()
		if !released.IsZero() {
			if err := e.collateral.Transfer(e.module, owner, released); err != nil {
				return false, err
			}
		}
	}
	e.emitter.Emit(events.LendingRepaid{Payer: payer, PositionID: id, Asset: market.Asset, Interest: interest, Principal: principal, Closed: closed})
	return closed, nil
}

// AddCollateral tops up a loan.
func (e *Engine) AddCollateral(owner crypto.Address, id uint64, amount units.StBTC) error {
	release, err := e.enter(ActionRepay)
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	pos, _, err := e.loan(id)
	if err != nil {
		return err
	}
	if pos.Owner != owner {
		return nativecommon.ErrNotOwner
	}
	if err := e.collateral.TransferFrom(e.module, owner, e.module, amount); err != nil {
		return err
	}
	if err := pos.AddCollateral(amount); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingCollateral{Kind: events.TypeLendingCollateralAdded, Owner: owner, PositionID: id, Amount: amount, Remaining: pos.Collateral})
	return nil
}

// RemoveCollateral withdraws collateral as long as the remaining debt stays
// within the market's max LTV, which is tighter than the liquidation trigger.
func (e *Engine) RemoveCollateral(owner crypto.Address, id uint64, amount units.StBTC) error {
	release, err := e.enter(ActionWithdraw)
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	pos, market, err := e.loan(id)
	if err != nil {
		return err
	}
	if pos.Owner != owner {
		return nativecommon.ErrNotOwner
	}
	if amount.Gt(pos.Collateral) {
		return position.ErrInsufficientCollateral
	}
	remaining, _ := pos.Collateral.Sub(amount)
	value, err := e.collateralValue(remaining)
	if err != nil {
		return err
	}
	ok, err := pos.WithinLTV(value, market.MaxLTVBps)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLtvExceeded
	}
	if err := pos.RemoveCollateral(amount); err != nil {
		return err
	}
	if err := e.collateral.Transfer(e.module, owner, amount); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingCollateral{Kind: events.TypeLendingCollateralRemoved, Owner: owner, PositionID: id, Amount: amount, Remaining: pos.Collateral})
	return nil
}

// Liquidate covers part or all of an unhealthy loan's debt in exchange for a
// proportional share of its collateral plus the market bonus. Covering the
// whole debt closes the loan and returns any leftover collateral to the
// borrower.
func (e *Engine) Liquidate(liquidator crypto.Address, id uint64, cover units.USD) (units.StBTC, error) {
	release, err := e.enter(ActionLiquidate)
	if err != nil {
		return units.StBTC{}, err
	}
	defer release()
	if liquidator.IsZero() {
		return units.StBTC{}, nativecommon.ErrZeroAddress
	}
	if cover.IsZero() {
		return units.StBTC{}, nativecommon.ErrInvalidAmount
	}
	pos, market, err := e.loan(id)
	if err != nil {
		return units.StBTC{}, err
	}
	value, err := e.collateralValue(pos.Collateral)
	if err != nil {
		return units.StBTC{}, err
	}
	liquidatable, err := pos.Liquidatable(value)
	if err != nil {
		return units.StBTC{}, err
	}
	if !liquidatable {
		return units.StBTC{}, ErrPositionHealthy
	}
	interest := units.Min(cover, pos.Interest)
	principal := cover.SaturatingSub(interest)
	next := *pos
	seized, err := next.Seize(cover, market.LiquidationBonusBps)
	if err != nil {
		return units.StBTC{}, err
	}
	if err := e.stables[market.Asset].TransferFrom(e.module, liquidator, e.module, cover); err != nil {
		return units.StBTC{}, err
	}
	*pos = next
	market.TotalBorrowed = market.TotalBorrowed.SaturatingSub(principal)
	if err := e.distributeInterest(market, interest); err != nil {
		return units.StBTC{}, err
	}
	if err := e.collateral.Transfer(e.module, liquidator, seized); err != nil {
		return units.StBTC{}, err
	}
	owner := pos.Owner
	var returned units.StBTC
	closed := pos.Settled()
	if closed {
		returned = pos.Close()
		if !returned.IsZero() {
			if err := e.collateral.Transfer(e.module, owner, returned); err != nil {
				return units.StBTC{}, err
			}
		}
	}
	e.emitter.Emit(events.LendingLiquidated{
		Liquidator: liquidator,
		Borrower:   owner,
		PositionID: id,
		Asset:      market.Asset,
		Covered:    cover,
		Seized:     seized,
		Returned:   returned,
		Closed:     closed,
	})
	return seized, nil
}

// AccrueInterest brings a loan's interest up to now. Keepers poke it so views
// stay current between user actions.
func (e *Engine) AccrueInterest(id uint64) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	_, _, err = e.loan(id)
	return err
}

// WithdrawReserves sweeps protocol reserves to the treasury caller.
func (e *Engine) WithdrawReserves(caller nativecommon.Caller, asset units.AssetID, amount units.USD) error {
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := e.roles.Require(nativecommon.RoleTreasury, caller); err != nil {
		return err
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	market, err := e.market(asset)
	if err != nil {
		return err
	}
	if amount.Gt(market.TotalReserves) {
		return ErrInsufficientReserves
	}
	market.TotalReserves = market.TotalReserves.SaturatingSub(amount)
	if err := e.stables[asset].Transfer(e.module, caller, amount); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingReservesWithdrawn{Treasury: caller, Asset: asset, Amount: amount})
	return nil
}

// SetMarket replaces a market's parameters. Outstanding loans keep their
// frozen rate and threshold.
func (e *Engine) SetMarket(caller nativecommon.Caller, cfg MarketConfig) error {
	if err := e.roles.Require(nativecommon.RoleRiskAdmin, caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	market, err := e.market(cfg.Asset)
	if err != nil {
		return err
	}
	market.MarketConfig = cfg
	return nil
}

// Market returns a copy of a market's state.
func (e *Engine) Market(asset units.AssetID) (Market, error) {
	m, err := e.market(asset)
	if err != nil {
		return Market{}, err
	}
	return *m, nil
}

// Markets lists configured market assets in ascending order.
func (e *Engine) Markets() []units.AssetID {
	out := make([]units.AssetID, 0, len(e.state.markets))
	for asset := range e.state.markets {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Position returns a copy of a loan with interest projected to now.
func (e *Engine) Position(id uint64) (Loan, error) {
	pos, err := e.state.book.Get(id)
	if err != nil {
		return Loan{}, err
	}
	view := *pos
	if view.Active {
		if err := view.AccrueInterest(e.clock.Now()); err != nil {
			return Loan{}, err
		}
	}
	return Loan{Position: view, Asset: e.state.loanAsset[id]}, nil
}

// PositionsOf lists owner's loans in creation order.
func (e *Engine) PositionsOf(owner crypto.Address) ([]Loan, error) {
	ids := e.state.book.Owned(owner)
	out := make([]Loan, 0, len(ids))
	for _, id := range ids {
		loan, err := e.Position(id)
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, nil
}

// ActivePositions lists the ids of every open loan.
func (e *Engine) ActivePositions() []uint64 { return e.state.book.ActiveIDs() }

// Health values a loan at the current price.
func (e *Engine) Health(id uint64) (Health, error) {
	loan, err := e.Position(id)
	if err != nil {
		return Health{}, err
	}
	if !loan.Active {
		return Health{}, position.ErrInactive
	}
	value, err := e.collateralValue(loan.Collateral)
	if err != nil {
		return Health{}, err
	}
	debt, err := loan.TotalDebt()
	if err != nil {
		return Health{}, err
	}
	ltv, err := loan.LTVBps(value)
	if err != nil {
		return Health{}, err
	}
	liquidatable, err := loan.Liquidatable(value)
	if err != nil {
		return Health{}, err
	}
	return Health{Debt: debt, CollateralValue: value, LTVBps: ltv, Liquidatable: liquidatable}, nil
}

// TotalCollateral sums collateral over active loans.
func (e *Engine) TotalCollateral() (units.StBTC, error) { return e.state.book.TotalCollateral() }

func (e *Engine) Checkpoint() any { return e.state.clone() }

func (e *Engine) Revert(checkpoint any) {
	if s, ok := checkpoint.(*engineState); ok {
		e.state = s.clone()
	}
}

type supplierSnapshot = accrual.Snapshot[crypto.Address, units.DomainUSD, units.DomainUSD]

type marketSnapshot struct {
	Market    Market
	Suppliers supplierSnapshot
}

type loanAssetEntry struct {
	ID    uint64
	Asset units.AssetID
}

type engineSnapshot struct {
	Markets []marketSnapshot
	Book    position.Snapshot[units.DomainStBTC]
	Assets  []loanAssetEntry
}

func addrLess(a, b crypto.Address) bool { return bytes.Compare(a.Bytes(), b.Bytes()) < 0 }

func (e *Engine) EncodeState() ([]byte, error) {
	snap := engineSnapshot{Book: e.state.book.Export()}
	for _, asset := range e.Markets() {
		snap.Markets = append(snap.Markets, marketSnapshot{
			Market:    *e.state.markets[asset],
			Suppliers: e.state.suppliers[asset].Export(addrLess),
		})
	}
	for id, asset := range e.state.loanAsset {
		snap.Assets = append(snap.Assets, loanAssetEntry{ID: id, Asset: asset})
	}
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].ID < snap.Assets[j].ID })
	return rlp.EncodeToBytes(&snap)
}

func (e *Engine) DecodeState(data []byte) error {
	var snap engineSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &engineState{
		markets:   make(map[units.AssetID]*Market, len(snap.Markets)),
		suppliers: make(map[units.AssetID]*supplierPool, len(snap.Markets)),
		book:      position.ImportBook(snap.Book),
		loanAsset: make(map[uint64]units.AssetID, len(snap.Assets)),
	}
	for i := range snap.Markets {
		m := snap.Markets[i].Market
		pool, err := accrual.ImportPool(snap.Markets[i].Suppliers)
		if err != nil {
			return err
		}
		next.markets[m.Asset] = &m
		next.suppliers[m.Asset] = pool
	}
	for _, entry := range snap.Assets {
		next.loanAsset[entry.ID] = entry.Asset
	}
	e.state = next
	return nil
}

package credit

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/core/events"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/oracle"
	"btcfi/native/position"
	"btcfi/native/token"
	"btcfi/native/units"
)

const moduleName = "credit"

var (
	ErrUnknownCard        = nativecommon.Validation("credit: unknown card")
	ErrCardBlocked        = nativecommon.State("credit: card blocked")
	ErrInsufficientFunds  = nativecommon.Solvency("credit: insufficient funds")
	ErrLtvExceeded        = nativecommon.Solvency("credit: loan to value exceeded")
	ErrPositionHealthy    = nativecommon.State("credit: position healthy")
	ErrInvalidMerchant    = nativecommon.Validation("credit: merchant required")
	ErrLimitAboveDefaults = nativecommon.Validation("credit: limits above facility maximum")
)

type facilityState struct {
	cards map[uint64]*Card
	book  *position.Book[units.DomainBTC]
	// interest is the interest collected and retained by the facility.
	interest units.USD
}

func (s *facilityState) clone() *facilityState {
	out := &facilityState{cards: make(map[uint64]*Card, len(s.cards)), book: s.book.Clone(), interest: s.interest}
	for id, c := range s.cards {
		copied := *c
		out.cards[id] = &copied
	}
	return out
}

// Facility issues BTC collateralised cards and settles purchases in a
// stablecoin from its own liquidity.
type Facility struct {
	module     crypto.Address
	cfg        Config
	collateral token.Fungible[units.DomainBTC]
	stable     token.Fungible[units.DomainUSD]
	prices     oracle.Source
	clock      nativecommon.Clock
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	guard      nativecommon.Reentrancy
	state      *facilityState
}

func NewFacility(module crypto.Address, cfg Config, collateral token.Fungible[units.DomainBTC], stable token.Fungible[units.DomainUSD], prices oracle.Source, clock nativecommon.Clock) (*Facility, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Facility{
		module:     module,
		cfg:        cfg,
		collateral: collateral,
		stable:     stable,
		prices:     prices,
		clock:      clock,
		emitter:    events.NoopEmitter{},
		state: &facilityState{
			cards: make(map[uint64]*Card),
			book:  position.NewBook[units.DomainBTC](),
		},
	}, nil
}

func (f *Facility) SetEmitter(e events.Emitter) {
	if f == nil || e == nil {
		return
	}
	f.emitter = e
}

func (f *Facility) SetPauses(p nativecommon.PauseView) {
	if f == nil {
		return
	}
	f.pauses = p
}

func (f *Facility) Module() string { return moduleName }

func (f *Facility) Address() crypto.Address { return f.module }

// Config returns the facility configuration.
func (f *Facility) Config() Config { return f.cfg }

func (f *Facility) enter() (func(), error) {
	release, err := f.guard.Enter()
	if err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(f.pauses, moduleName); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (f *Facility) value(amount units.Sats) (units.USD, error) {
	price, err := f.prices.Price(units.AssetBTC)
	if err != nil {
		return units.USD{}, err
	}
	return units.Value(amount, price)
}

// IssueCard locks collateral and opens a card whose limit is the requested
// limit capped at the origination LTV of the collateral value.
func (f *Facility) IssueCard(holder crypto.Address, collateral units.Sats, requested units.USD) (uint64, error) {
	release, err := f.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	if holder.IsZero() {
		return 0, nativecommon.ErrZeroAddress
	}
	if collateral.IsZero() || requested.IsZero() {
		return 0, nativecommon.ErrInvalidAmount
	}
	value, err := f.value(collateral)
	if err != nil {
		return 0, err
	}
	maxLimit, err := value.MulBps(f.cfg.MaxLTVBps)
	if err != nil {
		return 0, err
	}
	limit := units.Min(requested, maxLimit)
	if limit.IsZero() {
		return 0, ErrLtvExceeded
	}
	if err := f.collateral.TransferFrom(f.module, holder, f.module, collateral); err != nil {
		return 0, err
	}
	now := f.clock.Now()
	pos := f.state.book.Open(holder, collateral, units.USD{}, f.cfg.RateBps, f.cfg.LiquidationThresholdBps, now)
	card := &Card{
		ID:          pos.ID,
		Holder:      holder,
		CreditLimit: limit,
		Limits:      f.cfg.DefaultLimits,
		Usage:       Usage{Daily: Window{Start: now}, Monthly: Window{Start: now}},
		IssuedAt:    now,
	}
	f.state.cards[card.ID] = card
	f.emitter.Emit(events.CreditCardIssued{Holder: holder, CardID: card.ID, Collateral: collateral, Limit: limit})
	return card.ID, nil
}

// load returns the card and its backing position with interest accrued to now.
func (f *Facility) load(id uint64) (*Card, *position.Position[units.DomainBTC], error) {
	card, ok := f.state.cards[id]
	if !ok {
		return nil, nil, ErrUnknownCard
	}
	pos, err := f.state.book.Active(id)
	if err != nil {
		return nil, nil, err
	}
	if err := pos.AccrueInterest(f.clock.Now()); err != nil {
		return nil, nil, err
	}
	return card, pos, nil
}

func (f *Facility) owned(holder crypto.Address, id uint64) (*Card, *position.Position[units.DomainBTC], error) {
	card, pos, err := f.load(id)
	if err != nil {
		return nil, nil, err
	}
	if card.Holder != holder {
		return nil, nil, nativecommon.ErrNotOwner
	}
	return card, pos, nil
}

func available(card *Card, pos *position.Position[units.DomainBTC]) (units.USD, error) {
	debt, err := pos.TotalDebt()
	if err != nil {
		return units.USD{}, err
	}
	return card.CreditLimit.SaturatingSub(debt), nil
}

// ProcessPurchase pays merchant from the yield balance when it covers the
// amount and from the credit line otherwise. The spend windows are rolled
// lazily and updated only for approved purchases.
func (f *Facility) ProcessPurchase(holder crypto.Address, id uint64, merchant string, amount units.USD) (string, error) {
	release, err := f.enter()
	if err != nil {
		return "", err
	}
	defer release()
	if amount.IsZero() {
		return "", nativecommon.ErrInvalidAmount
	}
	if merchant == "" {
		return "", ErrInvalidMerchant
	}
	card, pos, err := f.owned(holder, id)
	if err != nil {
		return "", err
	}
	if card.Blocked {
		return "", ErrCardBlocked
	}
	usage, err := CheckSpend(card.Limits, f.clock.Now(), card.Usage, amount)
	if err != nil {
		return "", err
	}

	source := SourceYield
	yieldBalance, principal := card.YieldBalance, pos.Principal
	switch {
	case !yieldBalance.Lt(amount):
		yieldBalance = yieldBalance.SaturatingSub(amount)
	default:
		avail, err := available(card, pos)
		if err != nil {
			return "", err
		}
		if avail.Lt(amount) {
			return "", ErrInsufficientFunds
		}
		debt, err := pos.TotalDebt()
		if err != nil {
			return "", err
		}
		next, err := debt.Add(amount)
		if err != nil {
			return "", err
		}
		value, err := f.value(pos.Collateral)
		if err != nil {
			return "", err
		}
		if !position.WithinLTV(next, value, f.cfg.MaxLTVBps) {
			return "", ErrLtvExceeded
		}
		if principal, err = principal.Add(amount); err != nil {
			return "", err
		}
		source = SourceCredit
	}
	if err := f.stable.Transfer(f.module, MerchantAddress(merchant), amount); err != nil {
		return "", err
	}
	card.YieldBalance, pos.Principal, card.Usage = yieldBalance, principal, usage
	f.emitter.Emit(events.CreditPurchase{CardID: id, Merchant: merchant, Amount: amount, Source: source})
	return source, nil
}

// MerchantAddress derives the settlement account of a merchant id.
func MerchantAddress(merchant string) crypto.Address {
	return crypto.DeriveAddress(crypto.AccountPrefix, "merchant/"+merchant)
}

// FundYieldBalance moves stablecoin from the holder onto the card's prepaid
// yield balance.
func (f *Facility) FundYieldBalance(holder crypto.Address, id uint64, amount units.USD) error {
	release, err := f.enter()
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	card, _, err := f.owned(holder, id)
	if err != nil {
		return err
	}
	total, err := card.YieldBalance.Add(amount)
	if err != nil {
		return err
	}
	if err := f.stable.TransferFrom(f.module, holder, f.module, amount); err != nil {
		return err
	}
	card.YieldBalance = total
	f.emitter.Emit(events.CreditBalance{Kind: events.TypeCreditYieldFunded, CardID: id, Amount: amount.String(), Total: total.String()})
	return nil
}

// MakePayment pays down the credit line, interest first. Anyone may pay.
func (f *Facility) MakePayment(payer crypto.Address, id uint64, amount units.USD) error {
	release, err := f.enter()
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	_, pos, err := f.load(id)
	if err != nil {
		return err
	}
	next := *pos
	interest, principal, err := next.PayDown(amount)
	if err != nil {
		return err
	}
	collected, err := f.state.interest.Add(interest)
	if err != nil {
		return err
	}
	if err := f.stable.TransferFrom(f.module, payer, f.module, amount); err != nil {
		return err
	}
	*pos = next
	f.state.interest = collected
	f.emitter.Emit(events.CreditPayment{CardID: id, Interest: interest, Principal: principal})
	return nil
}

// AddCollateral tops up the card's backing position.
func (f *Facility) AddCollateral(holder crypto.Address, id uint64, amount units.Sats) error {
	release, err := f.enter()
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	_, pos, err := f.owned(holder, id)
	if err != nil {
		return err
	}
	if err := f.collateral.TransferFrom(f.module, holder, f.module, amount); err != nil {
		return err
	}
	if err := pos.AddCollateral(amount); err != nil {
		return err
	}
	f.emitter.Emit(events.CreditBalance{Kind: events.TypeCreditCollateralAdded, CardID: id, Amount: amount.String(), Total: pos.Collateral.String()})
	return nil
}

// RemoveCollateral releases collateral while the outstanding debt stays
// within the origination LTV.
func (f *Facility) RemoveCollateral(holder crypto.Address, id uint64, amount units.Sats) error {
	release, err := f.enter()
	if err != nil {
		return err
	}
	defer release()
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	_, pos, err := f.owned(holder, id)
	if err != nil {
		return err
	}
	if amount.Gt(pos.Collateral) {
		return position.ErrInsufficientCollateral
	}
	remaining, _ := pos.Collateral.Sub(amount)
	if !pos.Settled() {
		value, err := f.value(remaining)
		if err != nil {
			return err
		}
		ok, err := pos.WithinLTV(value, f.cfg.MaxLTVBps)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLtvExceeded
		}
	}
	if err := pos.RemoveCollateral(amount); err != nil {
		return err
	}
	if err := f.collateral.Transfer(f.module, holder, amount); err != nil {
		return err
	}
	f.emitter.Emit(events.CreditBalance{Kind: events.TypeCreditCollateralRemoved, CardID: id, Amount: amount.String(), Total: pos.Collateral.String()})
	return nil
}

// Block stops purchases on the card until the holder unblocks it.
func (f *Facility) Block(holder crypto.Address, id uint64) error {
	return f.setBlocked(holder, id, true)
}

func (f *Facility) Unblock(holder crypto.Address, id uint64) error {
	return f.setBlocked(holder, id, false)
}

func (f *Facility) setBlocked(holder crypto.Address, id uint64, blocked bool) error {
	release, err := f.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	card, ok := f.state.cards[id]
	if !ok {
		return ErrUnknownCard
	}
	if card.Holder != holder {
		return nativecommon.ErrNotOwner
	}
	card.Blocked = blocked
	f.emitter.Emit(events.CreditCardStatus{CardID: id, Blocked: blocked})
	return nil
}

// SetLimits lets the holder tighten the card's spend limits. Limits may not
// exceed the facility defaults.
func (f *Facility) SetLimits(holder crypto.Address, id uint64, limits Limits) error {
	release, err := f.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	card, ok := f.state.cards[id]
	if !ok {
		return ErrUnknownCard
	}
	if card.Holder != holder {
		return nativecommon.ErrNotOwner
	}
	ceiling := f.cfg.DefaultLimits
	if exceeds(limits.PerTransaction, ceiling.PerTransaction) || exceeds(limits.Daily, ceiling.Daily) || exceeds(limits.Monthly, ceiling.Monthly) {
		return ErrLimitAboveDefaults
	}
	card.Limits = limits
	return nil
}

// exceeds treats zero as unlimited on either side.
func exceeds(v, ceiling units.USD) bool {
	if ceiling.IsZero() {
		return false
	}
	return v.IsZero() || v.Gt(ceiling)
}

// Liquidate covers debt on an unhealthy card for a proportional share of its
// collateral plus the bonus. The card survives; leftover collateral on a
// fully covered card goes back to the holder.
func (f *Facility) Liquidate(liquidator crypto.Address, id uint64, cover units.USD) (units.Sats, error) {
	release, err := f.enter()
	if err != nil {
		return units.Sats{}, err
	}
	defer release()
	if liquidator.IsZero() {
		return units.Sats{}, nativecommon.ErrZeroAddress
	}
	if cover.IsZero() {
		return units.Sats{}, nativecommon.ErrInvalidAmount
	}
	card, pos, err := f.load(id)
	if err != nil {
		return units.Sats{}, err
	}
	value, err := f.value(pos.Collateral)
	if err != nil {
		return units.Sats{}, err
	}
	liquidatable, err := pos.Liquidatable(value)
	if err != nil {
		return units.Sats{}, err
	}
	if !liquidatable {
		return units.Sats{}, ErrPositionHealthy
	}
	interest := units.Min(cover, pos.Interest)
	next := *pos
	seized, err := next.Seize(cover, f.cfg.LiquidationBonusBps)
	if err != nil {
		return units.Sats{}, err
	}
	collected, err := f.state.interest.Add(interest)
	if err != nil {
		return units.Sats{}, err
	}
	if err := f.stable.TransferFrom(f.module, liquidator, f.module, cover); err != nil {
		return units.Sats{}, err
	}
	*pos = next
	f.state.interest = collected
	if err := f.collateral.Transfer(f.module, liquidator, seized); err != nil {
		return units.Sats{}, err
	}
	var returned units.Sats
	closed := pos.Settled()
	if closed && !pos.Collateral.IsZero() {
		returned = pos.Collateral
		if err := pos.RemoveCollateral(returned); err != nil {
			return units.Sats{}, err
		}
		if err := f.collateral.Transfer(f.module, card.Holder, returned); err != nil {
			return units.Sats{}, err
		}
	}
	f.emitter.Emit(events.CreditLiquidated{Liquidator: liquidator, CardID: id, Covered: cover, Seized: seized, Returned: returned, Closed: closed})
	return seized, nil
}

// Card returns the card, its backing position with interest projected to now
// and the credit still available.
func (f *Facility) Card(id uint64) (CardView, error) {
	card, ok := f.state.cards[id]
	if !ok {
		return CardView{}, ErrUnknownCard
	}
	pos, err := f.state.book.Get(id)
	if err != nil {
		return CardView{}, err
	}
	view := *pos
	if err := view.AccrueInterest(f.clock.Now()); err != nil {
		return CardView{}, err
	}
	avail, err := available(card, &view)
	if err != nil {
		return CardView{}, err
	}
	out := CardView{Card: *card, Position: view, Available: avail}
	out.Usage = card.Usage.Refresh(f.clock.Now())
	return out, nil
}

// CardsOf lists holder's card ids in issue order.
func (f *Facility) CardsOf(holder crypto.Address) []uint64 { return f.state.book.Owned(holder) }

// ActiveCards lists the ids of every card whose position is open.
func (f *Facility) ActiveCards() []uint64 { return f.state.book.ActiveIDs() }

// Health values a card's position at the current price with interest
// projected to now.
func (f *Facility) Health(id uint64) (Health, error) {
	view, err := f.Card(id)
	if err != nil {
		return Health{}, err
	}
	value, err := f.value(view.Position.Collateral)
	if err != nil {
		return Health{}, err
	}
	debt, err := view.Position.TotalDebt()
	if err != nil {
		return Health{}, err
	}
	ltv, err := view.Position.LTVBps(value)
	if err != nil {
		return Health{}, err
	}
	liquidatable, err := view.Position.Liquidatable(value)
	if err != nil {
		return Health{}, err
	}
	return Health{Debt: debt, CollateralValue: value, LTVBps: ltv, Liquidatable: liquidatable}, nil
}

// InterestCollected reports interest retained by the facility.
func (f *Facility) InterestCollected() units.USD { return f.state.interest }

// TotalCollateral sums collateral held for all cards.
func (f *Facility) TotalCollateral() (units.Sats, error) { return f.state.book.TotalCollateral() }

func (f *Facility) Checkpoint() any { return f.state.clone() }

func (f *Facility) Revert(checkpoint any) {
	if s, ok := checkpoint.(*facilityState); ok {
		f.state = s.clone()
	}
}

type facilitySnapshot struct {
	Cards    []Card
	Book     position.Snapshot[units.DomainBTC]
	Interest units.USD
}

func (f *Facility) EncodeState() ([]byte, error) {
	snap := facilitySnapshot{Book: f.state.book.Export(), Interest: f.state.interest}
	for _, c := range f.state.cards {
		snap.Cards = append(snap.Cards, *c)
	}
	sort.Slice(snap.Cards, func(i, j int) bool { return snap.Cards[i].ID < snap.Cards[j].ID })
	return rlp.EncodeToBytes(&snap)
}

func (f *Facility) DecodeState(data []byte) error {
	var snap facilitySnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &facilityState{cards: make(map[uint64]*Card, len(snap.Cards)), book: position.ImportBook(snap.Book), interest: snap.Interest}
	for i := range snap.Cards {
		c := snap.Cards[i]
		next.cards[c.ID] = &c
	}
	f.state = next
	return nil
}

package events

import (
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/native/units"
)

const (
	TypeLendingSupplied          = "lending.supplied"
	TypeLendingWithdrawn         = "lending.withdrawn"
	TypeLendingYieldClaimed      = "lending.yieldClaimed"
	TypeLendingBorrowed          = "lending.borrowed"
	TypeLendingRepaid            = "lending.repaid"
	TypeLendingCollateralAdded   = "lending.collateralAdded"
	TypeLendingCollateralRemoved = "lending.collateralRemoved"
	TypeLendingLiquidated        = "lending.liquidated"
	TypeLendingReservesWithdrawn = "lending.reservesWithdrawn"
)

// LendingLiquidity captures supplier deposits, withdrawals and yield claims.
// The event type is selected by Kind.
type LendingLiquidity struct {
	Kind     string
	Supplier crypto.Address
	Asset    units.AssetID
	Amount   units.USD
}

func (e LendingLiquidity) EventType() string { return e.Kind }

func (e LendingLiquidity) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"supplier": formatAddress(e.Supplier),
		"asset":    e.Asset.String(),
		"amount":   e.Amount.String(),
	}}
}

// LendingBorrowed captures a new loan.
type LendingBorrowed struct {
	Borrower   crypto.Address
	PositionID uint64
	Asset      units.AssetID
	Amount     units.USD
	Collateral units.StBTC
	RateBps    units.Bps
}

func (LendingBorrowed) EventType() string { return TypeLendingBorrowed }

func (e LendingBorrowed) Event() *types.Event {
	return &types.Event{Type: TypeLendingBorrowed, Attributes: map[string]string{
		"borrower":   formatAddress(e.Borrower),
		"position":   formatID(e.PositionID),
		"asset":      e.Asset.String(),
		"amount":     e.Amount.String(),
		"collateral": e.Collateral.String(),
		"rateBps":    formatID(uint64(e.RateBps)),
	}}
}

// LendingRepaid captures a repayment split into interest and principal.
type LendingRepaid struct {
	Payer      crypto.Address
	PositionID uint64
	Asset      units.AssetID
	Interest   units.USD
	Principal  units.USD
	Closed     bool
}

func (LendingRepaid) EventType() string { return TypeLendingRepaid }

func (e LendingRepaid) Event() *types.Event {
	return &types.Event{Type: TypeLendingRepaid, Attributes: map[string]string{
		"payer":     formatAddress(e.Payer),
		"position":  formatID(e.PositionID),
		"asset":     e.Asset.String(),
		"interest":  e.Interest.String(),
		"principal": e.Principal.String(),
		"closed":    formatBool(e.Closed),
	}}
}

// LendingCollateral captures collateral top ups and withdrawals.
type LendingCollateral struct {
	Kind       string
	Owner      crypto.Address
	PositionID uint64
	Amount     units.StBTC
	Remaining  units.StBTC
}

func (e LendingCollateral) EventType() string { return e.Kind }

func (e LendingCollateral) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"owner":     formatAddress(e.Owner),
		"position":  formatID(e.PositionID),
		"amount":    e.Amount.String(),
		"remaining": e.Remaining.String(),
	}}
}

// LendingLiquidated captures a partial or full liquidation.
type LendingLiquidated struct {
	Liquidator crypto.Address
	Borrower   crypto.Address
	PositionID uint64
	Asset      units.AssetID
	Covered    units.USD
	Seized     units.StBTC
	Returned   units.StBTC
	Closed     bool
}

func (LendingLiquidated) EventType() string { return TypeLendingLiquidated }

func (e LendingLiquidated) Event() *types.Event {
	return &types.Event{Type: TypeLendingLiquidated, Attributes: map[string]string{
		"liquidator": formatAddress(e.Liquidator),
		"borrower":   formatAddress(e.Borrower),
		"position":   formatID(e.PositionID),
		"asset":      e.Asset.String(),
		"covered":    e.Covered.String(),
		"seized":     e.Seized.String(),
		"returned":   e.Returned.String(),
		"closed":     formatBool(e.Closed),
	}}
}

// LendingReservesWithdrawn captures a treasury sweep of protocol reserves.
type LendingReservesWithdrawn struct {
	Treasury crypto.Address
	Asset    units.AssetID
	Amount   units.USD
}

func (LendingReservesWithdrawn) EventType() string { return TypeLendingReservesWithdrawn }

func (e LendingReservesWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeLendingReservesWithdrawn, Attributes: map[string]string{
		"treasury": formatAddress(e.Treasury),
		"asset":    e.Asset.String(),
		"amount":   e.Amount.String(),
	}}
}

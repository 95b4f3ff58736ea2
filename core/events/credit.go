package events

import (
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/native/units"
)

const (
	TypeCreditCardIssued        = "credit.cardIssued"
	TypeCreditPurchase          = "credit.purchase"
	TypeCreditPayment           = "credit.payment"
	TypeCreditYieldFunded       = "credit.yieldFunded"
	TypeCreditCollateralAdded   = "credit.collateralAdded"
	TypeCreditCollateralRemoved = "credit.collateralRemoved"
	TypeCreditCardBlocked       = "credit.cardBlocked"
	TypeCreditCardUnblocked     = "credit.cardUnblocked"
	TypeCreditLiquidated        = "credit.liquidated"
)

// CreditCardIssued captures a new card and its backing position.
type CreditCardIssued struct {
	Holder     crypto.Address
	CardID     uint64
	Collateral units.Sats
	Limit      units.USD
}

func (CreditCardIssued) EventType() string { return TypeCreditCardIssued }

func (e CreditCardIssued) Event() *types.Event {
	return &types.Event{Type: TypeCreditCardIssued, Attributes: map[string]string{
		"holder":     formatAddress(e.Holder),
		"card":       formatID(e.CardID),
		"collateral": e.Collateral.String(),
		"limit":      e.Limit.String(),
	}}
}

// CreditPurchase captures an approved purchase and its funding source.
type CreditPurchase struct {
	CardID   uint64
	Merchant string
	Amount   units.USD
	Source   string
}

func (CreditPurchase) EventType() string { return TypeCreditPurchase }

func (e CreditPurchase) Event() *types.Event {
	return &types.Event{Type: TypeCreditPurchase, Attributes: map[string]string{
		"card":     formatID(e.CardID),
		"merchant": e.Merchant,
		"amount":   e.Amount.String(),
		"source":   e.Source,
	}}
}

// CreditPayment captures a repayment of the credit line.
type CreditPayment struct {
	CardID    uint64
	Interest  units.USD
	Principal units.USD
}

func (CreditPayment) EventType() string { return TypeCreditPayment }

func (e CreditPayment) Event() *types.Event {
	return &types.Event{Type: TypeCreditPayment, Attributes: map[string]string{
		"card":      formatID(e.CardID),
		"interest":  e.Interest.String(),
		"principal": e.Principal.String(),
	}}
}

// CreditBalance captures yield funding and collateral moves on a card. The
// event type is selected by Kind.
type CreditBalance struct {
	Kind   string
	CardID uint64
	Amount string
	Total  string
}

func (e CreditBalance) EventType() string { return e.Kind }

func (e CreditBalance) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"card":   formatID(e.CardID),
		"amount": e.Amount,
		"total":  e.Total,
	}}
}

// CreditCardStatus captures holder driven block and unblock toggles.
type CreditCardStatus struct {
	CardID  uint64
	Blocked bool
}

func (e CreditCardStatus) EventType() string {
	if e.Blocked {
		return TypeCreditCardBlocked
	}
	return TypeCreditCardUnblocked
}

func (e CreditCardStatus) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{"card": formatID(e.CardID)}}
}

// CreditLiquidated captures a liquidation of a card's backing position.
type CreditLiquidated struct {
	Liquidator crypto.Address
	CardID     uint64
	Covered    units.USD
	Seized     units.Sats
	Returned   units.Sats
	Closed     bool
}

func (CreditLiquidated) EventType() string { return TypeCreditLiquidated }

func (e CreditLiquidated) Event() *types.Event {
	return &types.Event{Type: TypeCreditLiquidated, Attributes: map[string]string{
		"liquidator": formatAddress(e.Liquidator),
		"card":       formatID(e.CardID),
		"covered":    e.Covered.String(),
		"seized":     e.Seized.String(),
		"returned":   e.Returned.String(),
		"closed":     formatBool(e.Closed),
	}}
}

package credit

import (
	"btcfi/crypto"
	"btcfi/native/position"
	"btcfi/native/units"
)

// Funding sources reported on purchases.
const (
	SourceYield  = "yield"
	SourceCredit = "credit"
)

// Card is a BTC backed credit line. Its id equals the id of the backing
// position. Cards have no closed state; a card with no collateral stays
// usable only from its yield balance.
type Card struct {
	ID           uint64
	Holder       crypto.Address
	CreditLimit  units.USD
	YieldBalance units.USD
	Limits       Limits
	Usage        Usage
	Blocked      bool
	IssuedAt     uint64
}

// CardView is a card together with its backing position.
type CardView struct {
	Card
	Position  position.Position[units.DomainBTC]
	Available units.USD
}

// Health summarises a card's position against the current price.
type Health struct {
	Debt            units.USD
	CollateralValue units.USD
	LTVBps          units.Bps
	Liquidatable    bool
}

package lending

import (
	"btcfi/native/position"
	"btcfi/native/units"
)

// Market captures the global accounting state of one borrowable asset.
type Market struct {
	MarketConfig
	// TotalDeposited is supplier principal currently in the pool.
	TotalDeposited units.USD
	// TotalBorrowed is outstanding loan principal. Accrued interest is tracked
	// on positions.
	TotalBorrowed units.USD
	// TotalReserves is the protocol share of repaid interest not yet swept.
	TotalReserves units.USD
}

// Model returns the market's interest model.
func (m *Market) Model() InterestModel {
	return InterestModel{BaseRateBps: m.BaseRateBps, MultiplierBps: m.MultiplierBps}
}

// UtilisationBps reports borrowed/deposited.
func (m *Market) UtilisationBps() units.Bps { return UtilisationBps(m.TotalBorrowed, m.TotalDeposited) }

// Cash is the liquidity available to borrow or withdraw.
func (m *Market) Cash() units.USD { return m.TotalDeposited.SaturatingSub(m.TotalBorrowed) }

// Loan is a position together with the market it borrowed from.
type Loan struct {
	position.Position[units.DomainStBTC]
	Asset units.AssetID
}

// Health summarises a loan against the current price.
type Health struct {
	Debt            units.USD
	CollateralValue units.USD
	LTVBps          units.Bps
	Liquidatable    bool
}

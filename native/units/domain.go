package units

// Domain describes a fixed-point decimal domain. Implementations are empty
// marker types so amounts of different domains never mix at compile time.
type Domain interface {
	Decimals() uint8
	Symbol() string
}

// DomainBTC is the base asset denominated in satoshis.
type DomainBTC struct{}

func (DomainBTC) Decimals() uint8 { return 8 }
func (DomainBTC) Symbol() string  { return "BTC" }

// DomainStBTC is the staking derivative (stBTC), 18 decimals.
type DomainStBTC struct{}

func (DomainStBTC) Decimals() uint8 { return 18 }
func (DomainStBTC) Symbol() string  { return "stBTC" }

// DomainUSD covers the 6 decimal stablecoins (USDT, USDC) and every USD valuation.
type DomainUSD struct{}

func (DomainUSD) Decimals() uint8 { return 6 }
func (DomainUSD) Symbol() string  { return "USD" }

// DomainGov is the governance token.
type DomainGov struct{}

func (DomainGov) Decimals() uint8 { return 18 }
func (DomainGov) Symbol() string  { return "GOV" }

// DomainPrice is a USD price per whole unit of an asset, 18 decimals.
type DomainPrice struct{}

func (DomainPrice) Decimals() uint8 { return 18 }
func (DomainPrice) Symbol() string  { return "USD/unit" }

type (
	Sats  = Amount[DomainBTC]
	StBTC = Amount[DomainStBTC]
	USD   = Amount[DomainUSD]
	Gov   = Amount[DomainGov]
	Price = Amount[DomainPrice]
)

func decimalsOf[D Domain]() uint8 {
	var d D
	return d.Decimals()
}

func symbolOf[D Domain]() string {
	var d D
	return d.Symbol()
}

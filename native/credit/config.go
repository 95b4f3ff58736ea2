package credit

import (
	"fmt"

	"btcfi/native/units"
)

// Config captures the runtime configuration of the spending facility.
type Config struct {
	// SettlementAsset is the stablecoin merchants are paid in.
	SettlementAsset         units.AssetID `toml:"SettlementAsset"`
	MaxLTVBps               units.Bps     `toml:"MaxLTVBps"`
	LiquidationThresholdBps units.Bps     `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     units.Bps     `toml:"LiquidationBonusBps"`
	RateBps                 units.Bps     `toml:"RateBps"`
	DefaultLimits           Limits        `toml:"limits"`
}

// DefaultConfig issues cards at 80% LTV with liquidation at 85%.
func DefaultConfig() Config {
	return Config{
		SettlementAsset:         units.AssetUSDC,
		MaxLTVBps:               8_000,
		LiquidationThresholdBps: 8_500,
		LiquidationBonusBps:     500,
		RateBps:                 1_800,
		DefaultLimits: Limits{
			PerTransaction: units.Whole[units.DomainUSD](5_000),
			Daily:          units.Whole[units.DomainUSD](10_000),
			Monthly:        units.Whole[units.DomainUSD](50_000),
		},
	}
}

func (c Config) Validate() error {
	if !c.SettlementAsset.Stablecoin() {
		return fmt.Errorf("credit: settlement asset %s is not a stablecoin", c.SettlementAsset)
	}
	if c.MaxLTVBps == 0 || c.MaxLTVBps > c.LiquidationThresholdBps {
		return fmt.Errorf("credit: max ltv %d must be positive and at most the liquidation threshold %d", c.MaxLTVBps, c.LiquidationThresholdBps)
	}
	if !c.LiquidationThresholdBps.Valid() {
		return fmt.Errorf("credit: liquidation threshold %d exceeds 100%%", c.LiquidationThresholdBps)
	}
	if c.LiquidationBonusBps > units.BasisPoints/2 {
		return fmt.Errorf("credit: liquidation bonus %d too large", c.LiquidationBonusBps)
	}
	return nil
}

package lending

import (
	"fmt"

	"btcfi/native/units"
)

// MarketConfig captures the governance parameters of one borrowable market.
type MarketConfig struct {
	Asset                   units.AssetID `toml:"Asset"`
	BaseRateBps             units.Bps     `toml:"BaseRateBps"`
	MultiplierBps           units.Bps     `toml:"MultiplierBps"`
	MaxLTVBps               units.Bps     `toml:"MaxLTVBps"`
	LiquidationThresholdBps units.Bps     `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     units.Bps     `toml:"LiquidationBonusBps"`
	ReserveFactorBps        units.Bps     `toml:"ReserveFactorBps"`
	// SupplyCap and BorrowCap are disabled when zero.
	SupplyCap units.USD `toml:"SupplyCap"`
	BorrowCap units.USD `toml:"BorrowCap"`
}

// Config captures the runtime configuration for the native lending module.
type Config struct {
	Markets []MarketConfig `toml:"market"`
}

// DefaultMarket returns the stablecoin market defaults.
func DefaultMarket(asset units.AssetID) MarketConfig {
	return MarketConfig{
		Asset:                   asset,
		BaseRateBps:             200,
		MultiplierBps:           1_000,
		MaxLTVBps:               8_000,
		LiquidationThresholdBps: 8_500,
		LiquidationBonusBps:     500,
		ReserveFactorBps:        1_000,
	}
}

// DefaultConfig lists the USDT and USDC markets.
func DefaultConfig() Config {
	return Config{Markets: []MarketConfig{DefaultMarket(units.AssetUSDT), DefaultMarket(units.AssetUSDC)}}
}

// Validate checks a single market.
func (c MarketConfig) Validate() error {
	if !c.Asset.Stablecoin() {
		return fmt.Errorf("lending: market asset %s is not borrowable", c.Asset)
	}
	if c.MaxLTVBps == 0 || c.MaxLTVBps > c.LiquidationThresholdBps {
		return fmt.Errorf("lending: %s max ltv %d must be positive and at most the liquidation threshold %d", c.Asset, c.MaxLTVBps, c.LiquidationThresholdBps)
	}
	if !c.LiquidationThresholdBps.Valid() {
		return fmt.Errorf("lending: %s liquidation threshold %d exceeds 100%%", c.Asset, c.LiquidationThresholdBps)
	}
	if !c.ReserveFactorBps.Valid() {
		return fmt.Errorf("lending: %s reserve factor %d exceeds 100%%", c.Asset, c.ReserveFactorBps)
	}
	if c.LiquidationBonusBps > units.BasisPoints/2 {
		return fmt.Errorf("lending: %s liquidation bonus %d too large", c.Asset, c.LiquidationBonusBps)
	}
	return nil
}

// Validate checks every market and rejects duplicates.
func (c Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("lending: no markets configured")
	}
	seen := make(map[units.AssetID]struct{}, len(c.Markets))
	for _, m := range c.Markets {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Asset]; dup {
			return fmt.Errorf("lending: duplicate market %s", m.Asset)
		}
		seen[m.Asset] = struct{}{}
	}
	return nil
}

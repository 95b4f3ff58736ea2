package oracle

import (
	"fmt"

	"btcfi/native/units"
)

const (
	DefaultMaxStaleness     = 3600
	DefaultMaxConfidenceBps = units.Bps(200)
	DefaultBreakerBps       = units.Bps(2000)
)

// AssetConfig binds an asset to its upstream feed and sanity band.
type AssetConfig struct {
	FeedID   string
	MinPrice units.Price
	MaxPrice units.Price
}

// Config captures the runtime configuration of a price feed.
type Config struct {
	MaxStaleness     uint64
	MaxConfidenceBps units.Bps
	BreakerBps       units.Bps
	Assets           map[units.AssetID]AssetConfig
}

// DefaultConfig returns the production defaults without any assets.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:     DefaultMaxStaleness,
		MaxConfidenceBps: DefaultMaxConfidenceBps,
		BreakerBps:       DefaultBreakerBps,
		Assets:           make(map[units.AssetID]AssetConfig),
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.MaxStaleness == 0 {
		return fmt.Errorf("oracle: max staleness must be positive")
	}
	if c.MaxConfidenceBps == 0 || !c.MaxConfidenceBps.Valid() {
		return fmt.Errorf("oracle: max confidence bps must be within (0, 10000]")
	}
	if c.BreakerBps == 0 {
		return fmt.Errorf("oracle: breaker bps must be positive")
	}
	for asset, cfg := range c.Assets {
		if !asset.Valid() {
			return fmt.Errorf("oracle: unknown asset %d", asset)
		}
		if cfg.FeedID == "" {
			return fmt.Errorf("oracle: %s feed id required", asset)
		}
		if cfg.MaxPrice.IsZero() || cfg.MinPrice.Gt(cfg.MaxPrice) {
			return fmt.Errorf("oracle: %s price band invalid", asset)
		}
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Assets = make(map[units.AssetID]AssetConfig, len(c.Assets))
	for k, v := range c.Assets {
		out.Assets[k] = v
	}
	return out
}

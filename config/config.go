package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"btcfi/crypto"
	"btcfi/native/accrual"
	nativecommon "btcfi/native/common"
	"btcfi/native/credit"
	"btcfi/native/lending"
	"btcfi/native/oracle"
	"btcfi/native/units"
	"btcfi/native/vault"
)

// Config is the protocol parameter file shared by every btcfi process.
type Config struct {
	NetworkName       string           `toml:"NetworkName"`
	DataDir           string           `toml:"DataDir"`
	Admin             string           `toml:"Admin"`
	AdminKeystorePath string           `toml:"AdminKeystorePath"`
	Roles             []RoleGrant      `toml:"role"`
	Paused            []string         `toml:"Paused"`
	Oracle            Oracle           `toml:"oracle"`
	Lending           lending.Config   `toml:"lending"`
	Credit            credit.Config    `toml:"credit"`
	Vault             Vault            `toml:"vault"`
	Rewards           Rewards          `toml:"rewards"`
	Yield             Yield            `toml:"yield"`
	Genesis           []GenesisBalance `toml:"genesis"`
}

// RoleGrant assigns a role to a bech32 account at boot.
type RoleGrant struct {
	Role    string `toml:"Role"`
	Address string `toml:"Address"`
}

// Oracle configures the price feed. Prices are human decimals in USD.
type Oracle struct {
	MaxStalenessSeconds uint64        `toml:"MaxStalenessSeconds"`
	MaxConfidenceBps    units.Bps     `toml:"MaxConfidenceBps"`
	BreakerBps          units.Bps     `toml:"BreakerBps"`
	UpdateFeeSats       uint64        `toml:"UpdateFeeSats"`
	Assets              []OracleAsset `toml:"asset"`
}

// OracleAsset binds an asset to a feed id and sanity band.
type OracleAsset struct {
	Asset    units.AssetID `toml:"Asset"`
	FeedID   string        `toml:"FeedID"`
	MinPrice string        `toml:"MinPrice"`
	MaxPrice string        `toml:"MaxPrice"`
}

// Vault selects the distributor pool and optionally overrides tiers.
type Vault struct {
	PoolID uint64       `toml:"PoolID"`
	Tiers  []vault.Tier `toml:"tier"`
}

// Rewards configures the GOV distributor pool. RatePerSecond is GOV base
// units per unit of weighted stake per second, scaled by accrual.Precision.
type Rewards struct {
	PoolID        uint64 `toml:"PoolID"`
	RatePerSecond string `toml:"RatePerSecond"`
}

// Yield sets the APY of the interest-bearing tokens.
type Yield struct {
	StBTCAPYBps  units.Bps `toml:"StBTCAPYBps"`
	StableAPYBps units.Bps `toml:"StableAPYBps"`
}

// GenesisBalance credits a devnet balance on first boot. Amounts are human
// decimals.
type GenesisBalance struct {
	Address string        `toml:"Address"`
	Asset   units.AssetID `toml:"Asset"`
	Amount  string        `toml:"Amount"`
}

// Grant is a parsed role assignment.
type Grant struct {
	Role    nativecommon.Role
	Address crypto.Address
}

// Default returns a devnet configuration with the production risk parameters.
func Default() *Config {
	return &Config{
		NetworkName: "btcfi-local",
		DataDir:     "./btcfi-data",
		Oracle: Oracle{
			MaxStalenessSeconds: oracle.DefaultMaxStaleness,
			MaxConfidenceBps:    oracle.DefaultMaxConfidenceBps,
			BreakerBps:          oracle.DefaultBreakerBps,
			UpdateFeeSats:       1,
			Assets: []OracleAsset{
				{Asset: units.AssetBTC, FeedID: "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43", MinPrice: "1000", MaxPrice: "10000000"},
				{Asset: units.AssetUSDT, FeedID: "2b89b9dc8fdf9f34709a5b106b472f0f39bb6ca9ce04b0fd7f2e971688e2e53b", MinPrice: "0.5", MaxPrice: "2"},
				{Asset: units.AssetUSDC, FeedID: "eaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a", MinPrice: "0.5", MaxPrice: "2"},
			},
		},
		Lending: lending.DefaultConfig(),
		Credit:  credit.DefaultConfig(),
		Vault:   Vault{PoolID: 1},
		Rewards: Rewards{PoolID: 1, RatePerSecond: fmt.Sprint(accrual.Precision / 1_000_000)},
		Yield:   Yield{StBTCAPYBps: 300, StableAPYBps: 450},
	}
}

// Load reads the configuration at path. A missing file is created from
// Default with a freshly generated admin key stored beside it.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}
	cfg := Default()
	// Slices replace rather than merge.
	cfg.Oracle.Assets = nil
	cfg.Lending.Markets = nil
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
	}
	if len(cfg.Oracle.Assets) == 0 {
		cfg.Oracle.Assets = Default().Oracle.Assets
	}
	if len(cfg.Lending.Markets) == 0 {
		cfg.Lending = lending.DefaultConfig()
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "btcfi-local"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Admin = key.PubKey().Address().String()
	cfg.AdminKeystorePath = keystorePath
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.AdminAddress(); err != nil {
		return err
	}
	if _, err := c.Grants(); err != nil {
		return err
	}
	if _, err := c.OracleConfig(); err != nil {
		return err
	}
	if err := c.Lending.Validate(); err != nil {
		return err
	}
	if err := c.Credit.Validate(); err != nil {
		return err
	}
	for _, tier := range c.Vault.Tiers {
		if err := tier.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.RewardRate(); err != nil {
		return err
	}
	if c.Yield.StBTCAPYBps > 10*units.BasisPoints || c.Yield.StableAPYBps > 10*units.BasisPoints {
		return fmt.Errorf("yield: apy too high")
	}
	for _, g := range c.Genesis {
		if _, err := ResolveAccount(g.Address); err != nil {
			return fmt.Errorf("genesis: %s: %w", g.Address, err)
		}
		var err error
		switch {
		case g.Asset == units.AssetBTC:
			_, err = units.Parse[units.DomainBTC](g.Amount)
		case g.Asset.Stablecoin():
			_, err = units.Parse[units.DomainUSD](g.Amount)
		case g.Asset == units.AssetGOV:
			_, err = units.Parse[units.DomainGov](g.Amount)
		default:
			err = fmt.Errorf("asset %s cannot be credited", g.Asset)
		}
		if err != nil {
			return fmt.Errorf("genesis: %s: %w", g.Address, err)
		}
	}
	return nil
}

// ModuleAlias prefixes genesis accounts that name a protocol module, for
// example "module:credit" for the spending facility's liquidity account.
const ModuleAlias = "module:"

// ResolveAccount decodes a bech32 address or a module alias.
func ResolveAccount(raw string) (crypto.Address, error) {
	raw = strings.TrimSpace(raw)
	if name, ok := strings.CutPrefix(raw, ModuleAlias); ok {
		if name == "" {
			return crypto.Address{}, fmt.Errorf("empty module alias")
		}
		return crypto.ModuleAddress(name), nil
	}
	return crypto.DecodeAddress(raw)
}

// AdminAddress decodes the admin account.
func (c *Config) AdminAddress() (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(c.Admin))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("admin: %w", err)
	}
	return addr, nil
}

// Grants parses the role table.
func (c *Config) Grants() ([]Grant, error) {
	out := make([]Grant, 0, len(c.Roles))
	for _, r := range c.Roles {
		role, err := nativecommon.ParseRole(strings.TrimSpace(r.Role))
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", r.Role, err)
		}
		addr, err := crypto.DecodeAddress(strings.TrimSpace(r.Address))
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", r.Role, err)
		}
		out = append(out, Grant{Role: role, Address: addr})
	}
	return out, nil
}

// OracleConfig converts the oracle section into feed configuration.
func (c *Config) OracleConfig() (oracle.Config, error) {
	out := oracle.DefaultConfig()
	out.MaxStaleness = c.Oracle.MaxStalenessSeconds
	out.MaxConfidenceBps = c.Oracle.MaxConfidenceBps
	out.BreakerBps = c.Oracle.BreakerBps
	for _, a := range c.Oracle.Assets {
		minPrice, err := units.Parse[units.DomainPrice](a.MinPrice)
		if err != nil {
			return oracle.Config{}, fmt.Errorf("oracle: %s min price: %w", a.Asset, err)
		}
		maxPrice, err := units.Parse[units.DomainPrice](a.MaxPrice)
		if err != nil {
			return oracle.Config{}, fmt.Errorf("oracle: %s max price: %w", a.Asset, err)
		}
		out.Assets[a.Asset] = oracle.AssetConfig{FeedID: a.FeedID, MinPrice: minPrice, MaxPrice: maxPrice}
	}
	if err := out.Validate(); err != nil {
		return oracle.Config{}, err
	}
	return out, nil
}

// RewardRate parses the distributor rate.
func (c *Config) RewardRate() (*uint256.Int, error) {
	rate, err := uint256.FromDecimal(strings.TrimSpace(c.Rewards.RatePerSecond))
	if err != nil {
		return nil, fmt.Errorf("rewards: rate: %w", err)
	}
	return rate, nil
}

// UpdateFee is the per-blob oracle update fee.
func (c *Config) UpdateFee() units.Sats { return units.New[units.DomainBTC](c.Oracle.UpdateFeeSats) }

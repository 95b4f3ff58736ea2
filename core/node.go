// Package core assembles the protocol: token ledgers, the price feed and the
// vault, lending and spending engines, all registered on one ledger.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"btcfi/config"
	"btcfi/core/ledger"
	"btcfi/core/state"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/credit"
	"btcfi/native/lending"
	"btcfi/native/oracle"
	"btcfi/native/rewards"
	"btcfi/native/token"
	"btcfi/native/units"
	"btcfi/native/vault"
	"btcfi/native/yieldtoken"
)

// Node is the central controller, wiring all components together.
type Node struct {
	Admin  crypto.Address
	Ledger *ledger.Ledger
	Roles  *nativecommon.Roles
	Pauses *nativecommon.Pauses

	BTC     *token.Ledger[units.DomainBTC]
	GOV     *token.Ledger[units.DomainGov]
	StBTC   *yieldtoken.Token[units.DomainStBTC]
	Stables map[units.AssetID]*yieldtoken.Token[units.DomainUSD]

	Transport *oracle.StaticTransport
	Oracle    *oracle.Feed
	Rewards   *rewards.Distributor
	Vault     *vault.Vault
	Lending   *lending.Engine
	Credit    *credit.Facility

	cfg    *config.Config
	logger *slog.Logger
}

// NewNode builds every component from cfg. store may be nil for an in-memory
// node. source supplies wall time to the ledger.
func NewNode(cfg *config.Config, store *state.Manager, source nativecommon.Clock, logger *slog.Logger, opts ...ledger.Option) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	admin, err := cfg.AdminAddress()
	if err != nil {
		return nil, err
	}
	roles := nativecommon.NewRoles(admin)
	grants, err := cfg.Grants()
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if err := roles.Grant(admin, g.Role, g.Address); err != nil {
			return nil, fmt.Errorf("grant %s: %w", g.Role, err)
		}
	}
	pauses := nativecommon.NewPauses(roles)
	for _, module := range cfg.Paused {
		if err := pauses.SetPaused(admin, module, true); err != nil {
			return nil, fmt.Errorf("pause %s: %w", module, err)
		}
	}

	opts = append([]ledger.Option{ledger.WithLogger(logger)}, opts...)
	l := ledger.New(source, store, opts...)
	clock := l.Clock()

	n := &Node{
		Admin:   admin,
		Ledger:  l,
		Roles:   roles,
		Pauses:  pauses,
		BTC:     token.NewLedger[units.DomainBTC](units.AssetBTC.String()),
		GOV:     token.NewLedger[units.DomainGov](units.AssetGOV.String()),
		StBTC:   yieldtoken.New[units.DomainStBTC](units.AssetStBTC.String(), cfg.Yield.StBTCAPYBps, clock, roles),
		Stables: make(map[units.AssetID]*yieldtoken.Token[units.DomainUSD]),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "node")),
	}
	stables := make(map[units.AssetID]token.Fungible[units.DomainUSD])
	for _, asset := range []units.AssetID{units.AssetUSDT, units.AssetUSDC} {
		t := yieldtoken.New[units.DomainUSD](asset.String(), cfg.Yield.StableAPYBps, clock, roles)
		n.Stables[asset] = t
		stables[asset] = t
	}

	vaultAddr := crypto.ModuleAddress("vault")
	lendingAddr := crypto.ModuleAddress("lending")
	creditAddr := crypto.ModuleAddress("credit")
	rewardsAddr := crypto.ModuleAddress("rewards")

	n.BTC.AddOperator(vaultAddr)
	n.BTC.AddOperator(creditAddr)
	n.StBTC.AddOperator(vaultAddr)
	n.StBTC.AddOperator(lendingAddr)
	for _, t := range n.Stables {
		t.AddOperator(lendingAddr)
		t.AddOperator(creditAddr)
	}

	oracleCfg, err := cfg.OracleConfig()
	if err != nil {
		return nil, err
	}
	n.Transport = oracle.NewStaticTransport(cfg.UpdateFee())
	n.Oracle = oracle.NewFeed(oracleCfg, n.Transport, clock, roles)
	n.Oracle.SetLogger(logger)

	n.Rewards = rewards.NewDistributor(rewardsAddr, n.GOV, n.BTC, clock, roles)
	n.Vault = vault.NewVault(vaultAddr, n.BTC, n.StBTC, n.Rewards, cfg.Vault.PoolID, clock, roles)

	n.Lending, err = lending.NewEngine(lendingAddr, cfg.Lending, n.StBTC, stables, n.Oracle, clock, roles)
	if err != nil {
		return nil, err
	}
	settlement, ok := stables[cfg.Credit.SettlementAsset]
	if !ok {
		return nil, fmt.Errorf("credit: no ledger for settlement asset %s", cfg.Credit.SettlementAsset)
	}
	n.Credit, err = credit.NewFacility(creditAddr, cfg.Credit, n.BTC, settlement, n.Oracle, clock)
	if err != nil {
		return nil, err
	}

	n.Oracle.SetPauses(pauses)
	n.Rewards.SetPauses(pauses)
	n.Vault.SetPauses(pauses)
	n.Lending.SetPauses(pauses)
	n.Credit.SetPauses(pauses)

	components := []ledger.Component{n.BTC, n.GOV, n.StBTC}
	for _, asset := range []units.AssetID{units.AssetUSDT, units.AssetUSDC} {
		components = append(components, n.Stables[asset])
	}
	components = append(components, n.Oracle, n.Rewards, n.Vault, n.Lending, n.Credit)
	if err := l.Register(components...); err != nil {
		return nil, err
	}
	return n, nil
}

// Start restores persisted state, or applies genesis on a fresh store.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Ledger.Restore(); err != nil {
		return err
	}
	if n.Ledger.Head().Height > 0 {
		return nil
	}
	if err := n.Ledger.Execute(ctx, "genesis", n.genesis); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	n.logger.Info("genesis applied",
		slog.String("network", n.cfg.NetworkName),
		slog.Int("balances", len(n.cfg.Genesis)))
	return nil
}

func (n *Node) genesis() error {
	rate, err := n.cfg.RewardRate()
	if err != nil {
		return err
	}
	if err := n.Rewards.CreatePool(n.Admin, n.cfg.Rewards.PoolID, rate); err != nil {
		return err
	}
	for _, tier := range n.cfg.Vault.Tiers {
		if err := n.Vault.SetTier(n.Admin, tier); err != nil {
			return fmt.Errorf("tier %d: %w", tier.ID, err)
		}
	}
	for _, g := range n.cfg.Genesis {
		if err := n.Fund(g); err != nil {
			return err
		}
	}
	return nil
}

// Fund mints a genesis balance.
func (n *Node) Fund(g config.GenesisBalance) error {
	addr, err := config.ResolveAccount(g.Address)
	if err != nil {
		return err
	}
	switch {
	case g.Asset == units.AssetBTC:
		amount, err := units.Parse[units.DomainBTC](g.Amount)
		if err != nil {
			return err
		}
		return n.BTC.Mint(addr, amount)
	case g.Asset.Stablecoin():
		amount, err := units.Parse[units.DomainUSD](g.Amount)
		if err != nil {
			return err
		}
		return n.Stables[g.Asset].Mint(addr, amount)
	case g.Asset == units.AssetGOV:
		amount, err := units.Parse[units.DomainGov](g.Amount)
		if err != nil {
			return err
		}
		return n.GOV.Mint(addr, amount)
	default:
		return fmt.Errorf("asset %s cannot be credited", g.Asset)
	}
}

// RewardsPool is the GOV pool staking positions accrue into.
func (n *Node) RewardsPool() uint64 { return n.cfg.Rewards.PoolID }

// BalanceOf reports an account's balance of asset in raw units.
func (n *Node) BalanceOf(asset units.AssetID, addr crypto.Address) (string, error) {
	switch asset {
	case units.AssetBTC:
		return n.BTC.BalanceOf(addr).String(), nil
	case units.AssetStBTC:
		return n.StBTC.BalanceOf(addr).String(), nil
	case units.AssetGOV:
		return n.GOV.BalanceOf(addr).String(), nil
	case units.AssetUSDT, units.AssetUSDC:
		return n.Stables[asset].BalanceOf(addr).String(), nil
	default:
		return "", fmt.Errorf("unknown asset %s", asset)
	}
}

package events

import (
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/native/units"
)

const (
	TypeVaultStaked         = "vault.staked"
	TypeVaultUnstaked       = "vault.unstaked"
	TypeVaultRewardsClaimed = "vault.rewardsClaimed"
	// TypeVaultTierUpdated is emitted when a risk admin reconfigures a tier.
	TypeVaultTierUpdated = "vault.tierUpdated"
)

// VaultStaked captures a new stake position.
type VaultStaked struct {
	Owner      crypto.Address
	PositionID uint64
	Tier       uint8
	Amount     units.Sats
	Minted     units.StBTC
}

func (VaultStaked) EventType() string { return TypeVaultStaked }

func (e VaultStaked) Event() *types.Event {
	return &types.Event{Type: TypeVaultStaked, Attributes: map[string]string{
		"owner":    formatAddress(e.Owner),
		"position": formatID(e.PositionID),
		"tier":     formatID(uint64(e.Tier)),
		"amount":   e.Amount.String(),
		"minted":   e.Minted.String(),
	}}
}

// VaultUnstaked captures a closed stake position.
type VaultUnstaked struct {
	Owner      crypto.Address
	PositionID uint64
	Amount     units.Sats
	Burned     units.StBTC
	Rewards    units.Sats
}

func (VaultUnstaked) EventType() string { return TypeVaultUnstaked }

func (e VaultUnstaked) Event() *types.Event {
	return &types.Event{Type: TypeVaultUnstaked, Attributes: map[string]string{
		"owner":    formatAddress(e.Owner),
		"position": formatID(e.PositionID),
		"amount":   e.Amount.String(),
		"burned":   e.Burned.String(),
		"rewards":  e.Rewards.String(),
	}}
}

// VaultRewardsClaimed captures a tier reward payout.
type VaultRewardsClaimed struct {
	Owner      crypto.Address
	PositionID uint64
	Amount     units.Sats
}

func (VaultRewardsClaimed) EventType() string { return TypeVaultRewardsClaimed }

func (e VaultRewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeVaultRewardsClaimed, Attributes: map[string]string{
		"owner":    formatAddress(e.Owner),
		"position": formatID(e.PositionID),
		"amount":   e.Amount.String(),
	}}
}

// VaultTierUpdated captures a tier reconfiguration.
type VaultTierUpdated struct {
	Tier        uint8
	APYBps      units.Bps
	LockSeconds uint64
	MinStake    units.Sats
	Active      bool
}

func (VaultTierUpdated) EventType() string { return TypeVaultTierUpdated }

func (e VaultTierUpdated) Event() *types.Event {
	return &types.Event{Type: TypeVaultTierUpdated, Attributes: map[string]string{
		"tier":        formatID(uint64(e.Tier)),
		"apyBps":      formatID(uint64(e.APYBps)),
		"lockSeconds": formatID(e.LockSeconds),
		"minStake":    e.MinStake.String(),
		"active":      formatBool(e.Active),
	}}
}

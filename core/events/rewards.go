package events

import (
	"btcfi/core/types"
	"btcfi/crypto"
	"btcfi/native/units"
)

const (
	TypeRewardsDistributed = "rewards.distributed"
	TypeRewardsClaimed     = "rewards.claimed"
)

// RewardsDistributed captures a base asset payout from the rewards reserve.
type RewardsDistributed struct {
	Recipient crypto.Address
	Amount    units.Sats
}

func (RewardsDistributed) EventType() string { return TypeRewardsDistributed }

func (e RewardsDistributed) Event() *types.Event {
	return &types.Event{Type: TypeRewardsDistributed, Attributes: map[string]string{
		"recipient": formatAddress(e.Recipient),
		"amount":    e.Amount.String(),
	}}
}

// RewardsClaimed captures a governance token claim from a distributor pool.
type RewardsClaimed struct {
	Account crypto.Address
	PoolID  uint64
	Amount  units.Gov
}

func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

func (e RewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeRewardsClaimed, Attributes: map[string]string{
		"account": formatAddress(e.Account),
		"pool":    formatID(e.PoolID),
		"amount":  e.Amount.String(),
	}}
}

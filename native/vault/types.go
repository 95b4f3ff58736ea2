package vault

import (
	"fmt"

	"btcfi/crypto"
	"btcfi/native/units"
)

// TierCount is the number of lock tiers.
const TierCount = 4

const day = 24 * 60 * 60

// Tier is an admin-mutable staking configuration referenced by positions.
// MultiplierBps weights the position in the rewards distributor.
type Tier struct {
	ID            uint8
	APYBps        units.Bps
	LockSeconds   uint64
	MinStake      units.Sats
	MultiplierBps units.Bps
	Active        bool
}

// DefaultTiers returns the flexible, 30, 90 and 180 day tiers.
func DefaultTiers() [TierCount]Tier {
	minStake := units.New[units.DomainBTC](100_000)
	return [TierCount]Tier{
		{ID: 0, APYBps: 300, LockSeconds: 0, MinStake: minStake, MultiplierBps: 10_000, Active: true},
		{ID: 1, APYBps: 520, LockSeconds: 30 * day, MinStake: minStake, MultiplierBps: 12_500, Active: true},
		{ID: 2, APYBps: 750, LockSeconds: 90 * day, MinStake: minStake, MultiplierBps: 15_000, Active: true},
		{ID: 3, APYBps: 1_000, LockSeconds: 180 * day, MinStake: minStake, MultiplierBps: 20_000, Active: true},
	}
}

// Validate checks a tier in isolation.
func (t Tier) Validate() error {
	if t.ID >= TierCount {
		return fmt.Errorf("vault: tier %d out of range", t.ID)
	}
	if t.APYBps > 10*units.BasisPoints {
		return fmt.Errorf("vault: tier %d apy too high", t.ID)
	}
	if t.MultiplierBps == 0 {
		return fmt.Errorf("vault: tier %d multiplier must be positive", t.ID)
	}
	return nil
}

// StakePosition is one independent stake. Positions never merge.
type StakePosition struct {
	ID               uint64
	Owner            crypto.Address
	BaseAmount       units.Sats
	DerivativeMinted units.StBTC
	Tier             uint8
	StartTime        uint64
	LastClaimTime    uint64
	RewardPositionID uint64
	Active           bool
	// UnpaidRewards is tier reward that came due while the reserve was short.
	// It stays claimable after the position closes.
	UnpaidRewards units.Sats
}

// UnlockTime is the first timestamp at which the position can be unstaked.
func (p StakePosition) UnlockTime(t Tier) uint64 { return p.StartTime + t.LockSeconds }

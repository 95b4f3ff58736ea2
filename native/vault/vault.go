package vault

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/core/events"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/token"
	"btcfi/native/units"
)

const moduleName = "vault"

var (
	ErrInvalidTier     = nativecommon.Validation("vault: invalid tier")
	ErrBelowMinimum    = nativecommon.Validation("vault: amount below tier minimum")
	ErrUnknownPosition = nativecommon.Validation("vault: unknown position")
	ErrInactive        = nativecommon.State("vault: position inactive")
	ErrPositionLocked  = nativecommon.State("vault: position locked")
	ErrNothingToClaim  = nativecommon.Validation("vault: nothing to claim")
	ErrReserveEmpty    = nativecommon.Solvency("vault: reward reserve empty")
)

// RewardsDistributor is the accounting sink tier rewards are paid through.
type RewardsDistributor interface {
	DistributeRewards(user crypto.Address, amount units.Sats) error
	CreateStakingPosition(user crypto.Address, poolID uint64, amount units.StBTC, multiplier units.Bps) (uint64, error)
	UpdateStakingPosition(id uint64, amount units.StBTC, multiplier units.Bps) error
	CloseStakingPosition(id uint64) (units.Gov, error)
	Reserve() units.Sats
}

type vaultState struct {
	tiers       [TierCount]Tier
	nextID      uint64
	positions   map[uint64]*StakePosition
	totalStaked units.Sats
}

func (s *vaultState) clone() *vaultState {
	out := &vaultState{tiers: s.tiers, nextID: s.nextID, totalStaked: s.totalStaked, positions: make(map[uint64]*StakePosition, len(s.positions))}
	for id, p := range s.positions {
		copied := *p
		out.positions[id] = &copied
	}
	return out
}

// Vault locks the base asset in tiers, mints the derivative 1:1 and pays
// tier APY through the rewards distributor.
type Vault struct {
	module      crypto.Address
	base        token.Fungible[units.DomainBTC]
	derivative  token.Mintable[units.DomainStBTC]
	distributor RewardsDistributor
	poolID      uint64
	clock       nativecommon.Clock
	roles       *nativecommon.Roles
	pauses      nativecommon.PauseView
	emitter     events.Emitter
	guard       nativecommon.Reentrancy
	state       *vaultState
}

// NewVault wires a vault. Tiers start at DefaultTiers.
func NewVault(module crypto.Address, base token.Fungible[units.DomainBTC], derivative token.Mintable[units.DomainStBTC], distributor RewardsDistributor, poolID uint64, clock nativecommon.Clock, roles *nativecommon.Roles) *Vault {
	return &Vault{
		module:      module,
		base:        base,
		derivative:  derivative,
		distributor: distributor,
		poolID:      poolID,
		clock:       clock,
		roles:       roles,
		emitter:     events.NoopEmitter{},
		state: &vaultState{
			tiers:     DefaultTiers(),
			nextID:    1,
			positions: make(map[uint64]*StakePosition),
		},
	}
}

func (v *Vault) SetEmitter(e events.Emitter) {
	if v == nil || e == nil {
		return
	}
	v.emitter = e
}

func (v *Vault) SetPauses(p nativecommon.PauseView) {
	if v == nil {
		return
	}
	v.pauses = p
}

func (v *Vault) Module() string { return moduleName }

// Address returns the module account custodying the base asset.
func (v *Vault) Address() crypto.Address { return v.module }

// Stake locks amount in tier and returns the new position id.
func (v *Vault) Stake(caller nativecommon.Caller, amount units.Sats, tierID uint8) (uint64, error) {
	release, err := v.guard.Enter()
	if err != nil {
		return 0, err
	}
	defer release()
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return 0, err
	}
	if caller.IsZero() {
		return 0, nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return 0, nativecommon.ErrInvalidAmount
	}
	if tierID >= TierCount || !v.state.tiers[tierID].Active {
		return 0, ErrInvalidTier
	}
	tier := v.state.tiers[tierID]
	if amount.Lt(tier.MinStake) {
		return 0, ErrBelowMinimum
	}
	minted, err := units.SatsToStBTC(amount)
	if err != nil {
		return 0, err
	}
	total, err := v.state.totalStaked.Add(amount)
	if err != nil {
		return 0, err
	}

	if err := v.base.TransferFrom(v.module, caller, v.module, amount); err != nil {
		return 0, err
	}
	rewardID, err := v.distributor.CreateStakingPosition(caller, v.poolID, minted, tier.MultiplierBps)
	if err != nil {
		return 0, err
	}
	if err := v.derivative.Mint(caller, minted); err != nil {
		return 0, err
	}

	now := v.clock.Now()
	pos := &StakePosition{
		ID:               v.state.nextID,
		Owner:            caller,
		BaseAmount:       amount,
		DerivativeMinted: minted,
		Tier:             tierID,
		StartTime:        now,
		LastClaimTime:    now,
		RewardPositionID: rewardID,
		Active:           true,
	}
	v.state.nextID++
	v.state.positions[pos.ID] = pos
	v.state.totalStaked = total
	v.emitter.Emit(events.VaultStaked{Owner: caller, PositionID: pos.ID, Tier: tierID, Amount: amount, Minted: minted})
	return pos.ID, nil
}

// Unstake burns the derivative, returns the base amount and pays pending
// rewards. Locked positions are rejected. Reward the reserve cannot cover is
// kept on the position for a later Claim; it never blocks the principal.
func (v *Vault) Unstake(caller nativecommon.Caller, id uint64) (units.Sats, error) {
	release, err := v.guard.Enter()
	if err != nil {
		return units.Sats{}, err
	}
	defer release()
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return units.Sats{}, err
	}
	pos, err := v.owned(caller, id)
	if err != nil {
		return units.Sats{}, err
	}
	tier := v.state.tiers[pos.Tier]
	now := v.clock.Now()
	if tier.LockSeconds > 0 && now < pos.UnlockTime(tier) {
		return units.Sats{}, ErrPositionLocked
	}
	due, err := v.due(pos, now)
	if err != nil {
		return units.Sats{}, err
	}
	if err := v.derivative.Burn(caller, pos.DerivativeMinted); err != nil {
		return units.Sats{}, err
	}
	if _, err := v.distributor.CloseStakingPosition(pos.RewardPositionID); err != nil {
		return units.Sats{}, err
	}
	if err := v.base.Transfer(v.module, caller, pos.BaseAmount); err != nil {
		return units.Sats{}, err
	}
	paid, err := v.payout(pos.Owner, due)
	if err != nil {
		return units.Sats{}, err
	}

	returned := pos.BaseAmount
	v.state.totalStaked = v.state.totalStaked.SaturatingSub(returned)
	pos.LastClaimTime = now
	pos.UnpaidRewards = due.SaturatingSub(paid)
	pos.Active = false
	v.emitter.Emit(events.VaultUnstaked{Owner: caller, PositionID: id, Amount: returned, Burned: pos.DerivativeMinted, Rewards: paid})
	return returned, nil
}

// Claim pays the position's pending tier reward plus anything left unpaid
// and restarts its clock. Closed positions can still claim what they are
// owed. A short reserve pays what it holds.
func (v *Vault) Claim(caller nativecommon.Caller, id uint64) (units.Sats, error) {
	release, err := v.guard.Enter()
	if err != nil {
		return units.Sats{}, err
	}
	defer release()
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return units.Sats{}, err
	}
	pos, ok := v.state.positions[id]
	if !ok {
		return units.Sats{}, ErrUnknownPosition
	}
	if pos.Owner != caller {
		return units.Sats{}, nativecommon.ErrNotOwner
	}
	if !pos.Active && pos.UnpaidRewards.IsZero() {
		return units.Sats{}, ErrInactive
	}
	now := v.clock.Now()
	due, err := v.due(pos, now)
	if err != nil {
		return units.Sats{}, err
	}
	if due.IsZero() {
		return units.Sats{}, ErrNothingToClaim
	}
	if v.distributor.Reserve().IsZero() {
		return units.Sats{}, ErrReserveEmpty
	}
	paid, err := v.payout(pos.Owner, due)
	if err != nil {
		return units.Sats{}, err
	}
	if pos.Active {
		pos.LastClaimTime = now
	}
	pos.UnpaidRewards = due.SaturatingSub(paid)
	v.emitter.Emit(events.VaultRewardsClaimed{Owner: caller, PositionID: id, Amount: paid})
	return paid, nil
}

// PendingRewards is amount*apy*(now-lastClaim)/(10000*year), linear and
// without compounding, plus any reward left unpaid by a short reserve.
func (v *Vault) PendingRewards(id uint64, now uint64) (units.Sats, error) {
	pos, ok := v.state.positions[id]
	if !ok {
		return units.Sats{}, ErrUnknownPosition
	}
	return v.due(pos, now)
}

func (v *Vault) due(pos *StakePosition, now uint64) (units.Sats, error) {
	if !pos.Active {
		return pos.UnpaidRewards, nil
	}
	accrued, err := v.pending(pos, now)
	if err != nil {
		return units.Sats{}, err
	}
	return accrued.Add(pos.UnpaidRewards)
}

// payout sends as much of due as the reserve holds.
func (v *Vault) payout(to crypto.Address, due units.Sats) (units.Sats, error) {
	paid := units.Min(due, v.distributor.Reserve())
	if paid.IsZero() {
		return paid, nil
	}
	if err := v.distributor.DistributeRewards(to, paid); err != nil {
		return units.Sats{}, err
	}
	return paid, nil
}

func (v *Vault) pending(pos *StakePosition, now uint64) (units.Sats, error) {
	if now <= pos.LastClaimTime {
		return units.Sats{}, nil
	}
	return units.AnnualInterest(pos.BaseAmount, v.state.tiers[pos.Tier].APYBps, now-pos.LastClaimTime)
}

func (v *Vault) owned(caller nativecommon.Caller, id uint64) (*StakePosition, error) {
	pos, ok := v.state.positions[id]
	if !ok {
		return nil, ErrUnknownPosition
	}
	if !pos.Active {
		return nil, ErrInactive
	}
	if pos.Owner != caller {
		return nil, nativecommon.ErrNotOwner
	}
	return pos, nil
}

// SetTier replaces a tier's configuration.
func (v *Vault) SetTier(caller nativecommon.Caller, tier Tier) error {
	if err := v.roles.Require(nativecommon.RoleRiskAdmin, caller); err != nil {
		return err
	}
	if err := tier.Validate(); err != nil {
		return ErrInvalidTier
	}
	v.state.tiers[tier.ID] = tier
	v.emitter.Emit(events.VaultTierUpdated{Tier: tier.ID, APYBps: tier.APYBps, LockSeconds: tier.LockSeconds, MinStake: tier.MinStake, Active: tier.Active})
	return nil
}

// Tiers returns the current tier table.
func (v *Vault) Tiers() [TierCount]Tier { return v.state.tiers }

// Position returns a copy of a stake position.
func (v *Vault) Position(id uint64) (StakePosition, error) {
	pos, ok := v.state.positions[id]
	if !ok {
		return StakePosition{}, ErrUnknownPosition
	}
	return *pos, nil
}

// PositionsOf lists owner's positions, active or not, in id order.
func (v *Vault) PositionsOf(owner crypto.Address) []StakePosition {
	var out []StakePosition
	for _, pos := range v.state.positions {
		if pos.Owner == owner {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalStaked is the base asset currently locked.
func (v *Vault) TotalStaked() units.Sats { return v.state.totalStaked }

func (v *Vault) Checkpoint() any { return v.state.clone() }

func (v *Vault) Revert(checkpoint any) {
	if s, ok := checkpoint.(*vaultState); ok {
		v.state = s.clone()
	}
}

type vaultSnapshot struct {
	Tiers       []Tier
	NextID      uint64
	TotalStaked units.Sats
	Positions   []StakePosition
}

func (v *Vault) EncodeState() ([]byte, error) {
	snap := vaultSnapshot{Tiers: v.state.tiers[:], NextID: v.state.nextID, TotalStaked: v.state.totalStaked}
	for _, pos := range v.state.positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })
	return rlp.EncodeToBytes(&snap)
}

func (v *Vault) DecodeState(data []byte) error {
	var snap vaultSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &vaultState{tiers: DefaultTiers(), nextID: snap.NextID, totalStaked: snap.TotalStaked, positions: make(map[uint64]*StakePosition, len(snap.Positions))}
	for _, t := range snap.Tiers {
		if t.ID < TierCount {
			next.tiers[t.ID] = t
		}
	}
	for i := range snap.Positions {
		pos := snap.Positions[i]
		next.positions[pos.ID] = &pos
	}
	v.state = next
	return nil
}

package rewards

import (
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"btcfi/core/events"
	"btcfi/crypto"
	"btcfi/native/accrual"
	nativecommon "btcfi/native/common"
	"btcfi/native/token"
	"btcfi/native/units"
)

const moduleName = "rewards"

var (
	ErrUnknownPool       = nativecommon.Validation("rewards: unknown pool")
	ErrPoolExists        = nativecommon.State("rewards: pool already exists")
	ErrUnknownPosition   = nativecommon.Validation("rewards: unknown staking position")
	ErrInvalidMultiplier = nativecommon.Validation("rewards: multiplier must be positive")
	ErrReserveExhausted  = nativecommon.Solvency("rewards: reserve cannot cover payout")
)

type weightedPool = accrual.Pool[uint64, units.DomainStBTC, units.DomainGov]

// StakingPosition is a secondary position registered by a staking module.
// Weight is Amount scaled by MultiplierBps and is the principal in the pool.
type StakingPosition struct {
	ID            uint64
	Owner         crypto.Address
	PoolID        uint64
	Amount        units.StBTC
	MultiplierBps units.Bps
	Weight        units.StBTC
}

// owedKey indexes GOV that was earned but not yet paid because the reserve
// was short when it came due.
type owedKey struct {
	Owner  crypto.Address
	PoolID uint64
}

type distState struct {
	nextID    uint64
	pools     map[uint64]*weightedPool
	positions map[uint64]StakingPosition
	owed      map[owedKey]units.Gov
}

func (s *distState) clone() *distState {
	out := &distState{
		nextID:    s.nextID,
		pools:     make(map[uint64]*weightedPool, len(s.pools)),
		positions: make(map[uint64]StakingPosition, len(s.positions)),
		owed:      make(map[owedKey]units.Gov, len(s.owed)),
	}
	for k, v := range s.owed {
		out.owed[k] = v
	}
	for id, p := range s.pools {
		out.pools[id] = p.Clone()
	}
	for id, p := range s.positions {
		out.positions[id] = p
	}
	return out
}

// Distributor accrues governance token rewards over multiplier-weighted
// staking positions and pays base asset rewards from a funded reserve.
type Distributor struct {
	module  crypto.Address
	gov     token.Fungible[units.DomainGov]
	btc     token.Fungible[units.DomainBTC]
	clock   nativecommon.Clock
	roles   *nativecommon.Roles
	pauses  nativecommon.PauseView
	emitter events.Emitter
	guard   nativecommon.Reentrancy
	state   *distState
}

// NewDistributor wires a distributor paying from the module account.
func NewDistributor(module crypto.Address, gov token.Fungible[units.DomainGov], btc token.Fungible[units.DomainBTC], clock nativecommon.Clock, roles *nativecommon.Roles) *Distributor {
	return &Distributor{
		module:  module,
		gov:     gov,
		btc:     btc,
		clock:   clock,
		roles:   roles,
		emitter: events.NoopEmitter{},
		state: &distState{
			nextID:    1,
			pools:     make(map[uint64]*weightedPool),
			positions: make(map[uint64]StakingPosition),
			owed:      make(map[owedKey]units.Gov),
		},
	}
}

func (d *Distributor) SetEmitter(e events.Emitter) {
	if d == nil || e == nil {
		return
	}
	d.emitter = e
}

func (d *Distributor) SetPauses(p nativecommon.PauseView) {
	if d == nil {
		return
	}
	d.pauses = p
}

func (d *Distributor) Module() string { return moduleName }

// Address returns the module account holding the reserves.
func (d *Distributor) Address() crypto.Address { return d.module }

// CreatePool registers a pool paying ratePerSecond GOV units, scaled by
// accrual.Precision, per unit of weight per second.
func (d *Distributor) CreatePool(caller nativecommon.Caller, poolID uint64, ratePerSecond *uint256.Int) error {
	if err := d.roles.Require(nativecommon.RoleAdmin, caller); err != nil {
		return err
	}
	if _, ok := d.state.pools[poolID]; ok {
		return ErrPoolExists
	}
	d.state.pools[poolID] = accrual.NewPool[uint64](accrual.NewFlatState[units.DomainStBTC, units.DomainGov](ratePerSecond, d.clock.Now()))
	return nil
}

// SetPoolRate changes a pool's emission after accruing at the old rate.
func (d *Distributor) SetPoolRate(caller nativecommon.Caller, poolID uint64, ratePerSecond *uint256.Int) error {
	if err := d.roles.Require(nativecommon.RoleRiskAdmin, caller); err != nil {
		return err
	}
	pool, ok := d.state.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	return pool.SetRate(d.clock.Now(), ratePerSecond)
}

// HasPool reports whether poolID exists.
func (d *Distributor) HasPool(poolID uint64) bool {
	_, ok := d.state.pools[poolID]
	return ok
}

func weigh(amount units.StBTC, multiplier units.Bps) (units.StBTC, error) {
	if multiplier == 0 {
		return units.StBTC{}, ErrInvalidMultiplier
	}
	return amount.MulBps(multiplier)
}

// CreateStakingPosition registers amount for user in poolID weighted by
// multiplier (10000 = 1x) and returns the position id.
func (d *Distributor) CreateStakingPosition(user crypto.Address, poolID uint64, amount units.StBTC, multiplier units.Bps) (uint64, error) {
	if err := nativecommon.Guard(d.pauses, moduleName); err != nil {
		return 0, err
	}
	if user.IsZero() {
		return 0, nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return 0, nativecommon.ErrInvalidAmount
	}
	pool, ok := d.state.pools[poolID]
	if !ok {
		return 0, ErrUnknownPool
	}
	weight, err := weigh(amount, multiplier)
	if err != nil {
		return 0, err
	}
	id := d.state.nextID
	if !weight.IsZero() {
		if err := pool.Deposit(d.clock.Now(), id, weight); err != nil {
			return 0, err
		}
	}
	d.state.nextID++
	d.state.positions[id] = StakingPosition{ID: id, Owner: user, PoolID: poolID, Amount: amount, MultiplierBps: multiplier, Weight: weight}
	return id, nil
}

// UpdateStakingPosition replaces the amount and multiplier of a position,
// settling reward at the old weight first.
func (d *Distributor) UpdateStakingPosition(id uint64, amount units.StBTC, multiplier units.Bps) error {
	if err := nativecommon.Guard(d.pauses, moduleName); err != nil {
		return err
	}
	pos, ok := d.state.positions[id]
	if !ok {
		return ErrUnknownPosition
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	weight, err := weigh(amount, multiplier)
	if err != nil {
		return err
	}
	pool := d.state.pools[pos.PoolID]
	now := d.clock.Now()
	switch weight.Cmp(pos.Weight) {
	case 1:
		delta, _ := weight.Sub(pos.Weight)
		err = pool.Deposit(now, id, delta)
	case -1:
		delta, _ := pos.Weight.Sub(weight)
		err = pool.Withdraw(now, id, delta)
	default:
		err = pool.Settle(now, id)
	}
	if err != nil {
		return err
	}
	pos.Amount, pos.MultiplierBps, pos.Weight = amount, multiplier, weight
	d.state.positions[id] = pos
	return nil
}

// CloseStakingPosition removes the position and pays its pending GOV to the
// owner. Whatever the reserve cannot cover stays owed and is paid by a later
// Claim, so a short reserve never blocks the close. The paid amount is
// returned.
func (d *Distributor) CloseStakingPosition(id uint64) (units.Gov, error) {
	if err := nativecommon.Guard(d.pauses, moduleName); err != nil {
		return units.Gov{}, err
	}
	pos, ok := d.state.positions[id]
	if !ok {
		return units.Gov{}, ErrUnknownPosition
	}
	pool := d.state.pools[pos.PoolID]
	now := d.clock.Now()
	if !pos.Weight.IsZero() {
		if err := pool.Withdraw(now, id, pos.Weight); err != nil {
			return units.Gov{}, err
		}
	}
	claimed, err := pool.Claim(now, id)
	if err != nil && !errors.Is(err, accrual.ErrNothingToClaim) {
		return units.Gov{}, err
	}
	delete(d.state.positions, id)
	if claimed.IsZero() {
		return claimed, nil
	}
	return d.payGov(pos.Owner, pos.PoolID, claimed)
}

// Earned sums pending GOV for account across its positions in poolID,
// including anything still owed from closed positions.
func (d *Distributor) Earned(account crypto.Address, poolID uint64) (units.Gov, error) {
	pool, ok := d.state.pools[poolID]
	if !ok {
		return units.Gov{}, ErrUnknownPool
	}
	now := d.clock.Now()
	total := d.state.owed[owedKey{Owner: account, PoolID: poolID}]
	for _, id := range d.positionsOf(account, poolID) {
		earned, err := pool.Earned(now, id)
		if err != nil {
			return units.Gov{}, err
		}
		if total, err = total.Add(earned); err != nil {
			return units.Gov{}, err
		}
	}
	return total, nil
}

// Claim pays caller's pending and owed GOV in poolID. A partially funded
// reserve pays what it holds and the rest stays owed; an empty one fails
// before anything is settled.
func (d *Distributor) Claim(caller nativecommon.Caller, poolID uint64) (units.Gov, error) {
	release, err := d.guard.Enter()
	if err != nil {
		return units.Gov{}, err
	}
	defer release()
	if err := nativecommon.Guard(d.pauses, moduleName); err != nil {
		return units.Gov{}, err
	}
	due, err := d.Earned(caller, poolID)
	if err != nil {
		return units.Gov{}, err
	}
	if due.IsZero() {
		return units.Gov{}, accrual.ErrNothingToClaim
	}
	if d.gov.BalanceOf(d.module).IsZero() {
		return units.Gov{}, ErrReserveExhausted
	}
	pool := d.state.pools[poolID]
	now := d.clock.Now()
	key := owedKey{Owner: caller, PoolID: poolID}
	total := d.state.owed[key]
	delete(d.state.owed, key)
	for _, id := range d.positionsOf(caller, poolID) {
		claimed, err := pool.Claim(now, id)
		if errors.Is(err, accrual.ErrNothingToClaim) {
			continue
		}
		if err != nil {
			return units.Gov{}, err
		}
		if total, err = total.Add(claimed); err != nil {
			return units.Gov{}, err
		}
	}
	return d.payGov(caller, poolID, total)
}

// Owed reports GOV recorded for account in poolID that the reserve has not
// yet covered.
func (d *Distributor) Owed(account crypto.Address, poolID uint64) units.Gov {
	return d.state.owed[owedKey{Owner: account, PoolID: poolID}]
}

// payGov transfers as much of amount as the reserve holds and records the
// remainder as owed.
func (d *Distributor) payGov(to crypto.Address, poolID uint64, amount units.Gov) (units.Gov, error) {
	paid := units.Min(amount, d.gov.BalanceOf(d.module))
	if !paid.IsZero() {
		if err := d.gov.Transfer(d.module, to, paid); err != nil {
			return units.Gov{}, err
		}
		d.emitter.Emit(events.RewardsClaimed{Account: to, PoolID: poolID, Amount: paid})
	}
	if short := amount.SaturatingSub(paid); !short.IsZero() {
		key := owedKey{Owner: to, PoolID: poolID}
		owed, err := d.state.owed[key].Add(short)
		if err != nil {
			return units.Gov{}, err
		}
		d.state.owed[key] = owed
	}
	return paid, nil
}

// DistributeRewards pays amount of the base asset to user from the reserve.
func (d *Distributor) DistributeRewards(user crypto.Address, amount units.Sats) error {
	if err := nativecommon.Guard(d.pauses, moduleName); err != nil {
		return err
	}
	if user.IsZero() {
		return nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	if d.btc.BalanceOf(d.module).Lt(amount) {
		return ErrReserveExhausted
	}
	if err := d.btc.Transfer(d.module, user, amount); err != nil {
		return err
	}
	d.emitter.Emit(events.RewardsDistributed{Recipient: user, Amount: amount})
	return nil
}

// Reserve reports the base asset available for payouts.
func (d *Distributor) Reserve() units.Sats { return d.btc.BalanceOf(d.module) }

// Position returns a registered staking position.
func (d *Distributor) Position(id uint64) (StakingPosition, error) {
	pos, ok := d.state.positions[id]
	if !ok {
		return StakingPosition{}, ErrUnknownPosition
	}
	return pos, nil
}

func (d *Distributor) positionsOf(account crypto.Address, poolID uint64) []uint64 {
	var ids []uint64
	for id, pos := range d.state.positions {
		if pos.Owner == account && pos.PoolID == poolID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Distributor) Checkpoint() any { return d.state.clone() }

func (d *Distributor) Revert(checkpoint any) {
	if s, ok := checkpoint.(*distState); ok {
		d.state = s.clone()
	}
}

type poolSnapshot struct {
	ID   uint64
	Pool accrual.Snapshot[uint64, units.DomainStBTC, units.DomainGov]
}

type owedEntry struct {
	Owner  crypto.Address
	PoolID uint64
	Amount units.Gov
}

type distSnapshot struct {
	NextID    uint64
	Pools     []poolSnapshot
	Positions []StakingPosition
	Owed      []owedEntry
}

func (d *Distributor) EncodeState() ([]byte, error) {
	snap := distSnapshot{NextID: d.state.nextID}
	for id, pool := range d.state.pools {
		snap.Pools = append(snap.Pools, poolSnapshot{ID: id, Pool: pool.Export(func(a, b uint64) bool { return a < b })})
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].ID < snap.Pools[j].ID })
	for _, pos := range d.state.positions {
		snap.Positions = append(snap.Positions, pos)
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].ID < snap.Positions[j].ID })
	for k, amount := range d.state.owed {
		snap.Owed = append(snap.Owed, owedEntry{Owner: k.Owner, PoolID: k.PoolID, Amount: amount})
	}
	sort.Slice(snap.Owed, func(i, j int) bool {
		if snap.Owed[i].PoolID != snap.Owed[j].PoolID {
			return snap.Owed[i].PoolID < snap.Owed[j].PoolID
		}
		return snap.Owed[i].Owner.String() < snap.Owed[j].Owner.String()
	})
	return rlp.EncodeToBytes(&snap)
}

func (d *Distributor) DecodeState(data []byte) error {
	var snap distSnapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &distState{
		nextID:    snap.NextID,
		pools:     make(map[uint64]*weightedPool, len(snap.Pools)),
		positions: make(map[uint64]StakingPosition, len(snap.Positions)),
		owed:      make(map[owedKey]units.Gov, len(snap.Owed)),
	}
	for _, o := range snap.Owed {
		next.owed[owedKey{Owner: o.Owner, PoolID: o.PoolID}] = o.Amount
	}
	for _, p := range snap.Pools {
		pool, err := accrual.ImportPool(p.Pool)
		if err != nil {
			return err
		}
		next.pools[p.ID] = pool
	}
	for _, pos := range snap.Positions {
		next.positions[pos.ID] = pos
	}
	d.state = next
	return nil
}

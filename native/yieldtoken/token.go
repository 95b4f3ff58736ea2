package yieldtoken

import (
	"bytes"

	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/crypto"
	"btcfi/native/accrual"
	nativecommon "btcfi/native/common"
	"btcfi/native/token"
	"btcfi/native/units"
)

// Token is an interest bearing fungible token: every non-excluded holder
// accrues APYBps of its balance per year, realised as newly minted tokens on
// Claim. Balances live in an embedded token ledger.
type Token[D units.Domain] struct {
	*token.Ledger[D]
	clock    nativecommon.Clock
	roles    *nativecommon.Roles
	excluded map[crypto.Address]struct{}
	pool     *accrual.Pool[crypto.Address, D, D]
}

// New returns a yield token accruing apy from the current clock time.
func New[D units.Domain](symbol string, apy units.Bps, clock nativecommon.Clock, roles *nativecommon.Roles) *Token[D] {
	return &Token[D]{
		Ledger:   token.NewLedger[D](symbol),
		clock:    clock,
		roles:    roles,
		excluded: make(map[crypto.Address]struct{}),
		pool:     accrual.NewPool[crypto.Address](accrual.NewAPYState[D, D](apy, clock.Now())),
	}
}

// Exclude stops addr from accruing yield. Protocol module accounts holding
// user collateral are excluded so yield is not double counted.
func (t *Token[D]) Exclude(addr crypto.Address) { t.excluded[addr] = struct{}{} }

// AddOperator authorises a module account and excludes it from yield.
func (t *Token[D]) AddOperator(addr crypto.Address) {
	t.Ledger.AddOperator(addr)
	t.Exclude(addr)
}

func (t *Token[D]) accrues(addr crypto.Address) bool {
	_, excluded := t.excluded[addr]
	return !excluded
}

func (t *Token[D]) Mint(to crypto.Address, amount units.Amount[D]) error {
	if err := t.Ledger.Mint(to, amount); err != nil {
		return err
	}
	if t.accrues(to) {
		return t.pool.Deposit(t.clock.Now(), to, amount)
	}
	return nil
}

func (t *Token[D]) Burn(from crypto.Address, amount units.Amount[D]) error {
	if err := t.Ledger.Burn(from, amount); err != nil {
		return err
	}
	if t.accrues(from) {
		return t.pool.Withdraw(t.clock.Now(), from, amount)
	}
	return nil
}

func (t *Token[D]) Transfer(from, to crypto.Address, amount units.Amount[D]) error {
	if err := t.Ledger.Transfer(from, to, amount); err != nil {
		return err
	}
	return t.move(from, to, amount)
}

func (t *Token[D]) TransferFrom(spender, from, to crypto.Address, amount units.Amount[D]) error {
	if err := t.Ledger.TransferFrom(spender, from, to, amount); err != nil {
		return err
	}
	return t.move(from, to, amount)
}

// move settles both sides at the pre-transfer balances and then shifts
// principal.
func (t *Token[D]) move(from, to crypto.Address, amount units.Amount[D]) error {
	if from == to {
		return nil
	}
	now := t.clock.Now()
	if t.accrues(from) {
		if err := t.pool.Withdraw(now, from, amount); err != nil {
			return err
		}
	}
	if t.accrues(to) {
		return t.pool.Deposit(now, to, amount)
	}
	return nil
}

// Earned reports the yield claimable by holder now.
func (t *Token[D]) Earned(holder crypto.Address) (units.Amount[D], error) {
	return t.pool.Earned(t.clock.Now(), holder)
}

// Claim mints holder's accrued yield into its balance.
func (t *Token[D]) Claim(holder crypto.Address) (units.Amount[D], error) {
	reward, err := t.pool.Claim(t.clock.Now(), holder)
	if err != nil {
		return units.Amount[D]{}, err
	}
	if err := t.Mint(holder, reward); err != nil {
		return units.Amount[D]{}, err
	}
	return reward, nil
}

// SetAPY changes the yield rate after accruing at the old one.
func (t *Token[D]) SetAPY(caller nativecommon.Caller, apy units.Bps) error {
	if err := t.roles.Require(nativecommon.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return t.pool.SetAPY(t.clock.Now(), apy)
}

// APY returns the current rate.
func (t *Token[D]) APY() units.Bps { return t.pool.State().APYBps }

type tokenCheckpoint[D units.Domain] struct {
	ledger any
	pool   *accrual.Pool[crypto.Address, D, D]
}

func (t *Token[D]) Checkpoint() any {
	return tokenCheckpoint[D]{ledger: t.Ledger.Checkpoint(), pool: t.pool.Clone()}
}

func (t *Token[D]) Revert(checkpoint any) {
	cp, ok := checkpoint.(tokenCheckpoint[D])
	if !ok {
		return
	}
	t.Ledger.Revert(cp.ledger)
	t.pool = cp.pool.Clone()
}

type tokenSnapshot[D units.Domain] struct {
	Ledger []byte
	Pool   accrual.Snapshot[crypto.Address, D, D]
}

func (t *Token[D]) EncodeState() ([]byte, error) {
	ledger, err := t.Ledger.EncodeState()
	if err != nil {
		return nil, err
	}
	snap := tokenSnapshot[D]{
		Ledger: ledger,
		Pool: t.pool.Export(func(a, b crypto.Address) bool {
			return bytes.Compare(a.Bytes(), b.Bytes()) < 0
		}),
	}
	return rlp.EncodeToBytes(&snap)
}

func (t *Token[D]) DecodeState(data []byte) error {
	var snap tokenSnapshot[D]
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	if err := t.Ledger.DecodeState(snap.Ledger); err != nil {
		return err
	}
	pool, err := accrual.ImportPool(snap.Pool)
	if err != nil {
		return err
	}
	t.pool = pool
	return nil
}

package token

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"btcfi/core/events"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

var (
	ErrInsufficientBalance   = nativecommon.Solvency("token: insufficient balance")
	ErrInsufficientAllowance = nativecommon.State("token: insufficient allowance")
)

// Fungible is the transfer surface engines depend on.
type Fungible[D units.Domain] interface {
	Transfer(from, to crypto.Address, amount units.Amount[D]) error
	TransferFrom(spender, from, to crypto.Address, amount units.Amount[D]) error
	BalanceOf(addr crypto.Address) units.Amount[D]
}

// Mintable extends Fungible with supply control for derivative tokens.
type Mintable[D units.Domain] interface {
	Fungible[D]
	Mint(to crypto.Address, amount units.Amount[D]) error
	Burn(from crypto.Address, amount units.Amount[D]) error
}

type allowanceKey struct {
	owner   crypto.Address
	spender crypto.Address
}

type ledgerState[D units.Domain] struct {
	balances   map[crypto.Address]units.Amount[D]
	allowances map[allowanceKey]units.Amount[D]
	supply     units.Amount[D]
}

func (s *ledgerState[D]) clone() *ledgerState[D] {
	out := &ledgerState[D]{
		balances:   make(map[crypto.Address]units.Amount[D], len(s.balances)),
		allowances: make(map[allowanceKey]units.Amount[D], len(s.allowances)),
		supply:     s.supply,
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.allowances {
		out.allowances[k] = v
	}
	return out
}

// Ledger is an in-memory balance book for one token. Operators are protocol
// module accounts that may move balances without an allowance.
type Ledger[D units.Domain] struct {
	symbol    string
	operators map[crypto.Address]struct{}
	emitter   events.Emitter
	state     *ledgerState[D]
}

// NewLedger returns an empty ledger for symbol.
func NewLedger[D units.Domain](symbol string) *Ledger[D] {
	return &Ledger[D]{
		symbol:    symbol,
		operators: make(map[crypto.Address]struct{}),
		emitter:   events.NoopEmitter{},
		state: &ledgerState[D]{
			balances:   make(map[crypto.Address]units.Amount[D]),
			allowances: make(map[allowanceKey]units.Amount[D]),
		},
	}
}

func (l *Ledger[D]) SetEmitter(e events.Emitter) {
	if e != nil {
		l.emitter = e
	}
}

// AddOperator authorises a module account to use TransferFrom freely.
func (l *Ledger[D]) AddOperator(addr crypto.Address) { l.operators[addr] = struct{}{} }

func (l *Ledger[D]) Symbol() string { return l.symbol }

// Module names the ledger for snapshots.
func (l *Ledger[D]) Module() string { return "token/" + l.symbol }

func (l *Ledger[D]) BalanceOf(addr crypto.Address) units.Amount[D] {
	return l.state.balances[addr]
}

func (l *Ledger[D]) TotalSupply() units.Amount[D] { return l.state.supply }

func (l *Ledger[D]) Allowance(owner, spender crypto.Address) units.Amount[D] {
	return l.state.allowances[allowanceKey{owner, spender}]
}

func (l *Ledger[D]) Approve(owner, spender crypto.Address, amount units.Amount[D]) error {
	if owner.IsZero() || spender.IsZero() {
		return nativecommon.ErrZeroAddress
	}
	key := allowanceKey{owner, spender}
	if amount.IsZero() {
		delete(l.state.allowances, key)
		return nil
	}
	l.state.allowances[key] = amount
	return nil
}

func (l *Ledger[D]) Transfer(from, to crypto.Address, amount units.Amount[D]) error {
	if to.IsZero() {
		return nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	fromBal := l.state.balances[from]
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	toBal, err := l.state.balances[to].Add(amount)
	if err != nil {
		return err
	}
	l.set(from, fromBal.SaturatingSub(amount))
	if from == to {
		toBal = fromBal
	}
	l.set(to, toBal)
	return nil
}

func (l *Ledger[D]) TransferFrom(spender, from, to crypto.Address, amount units.Amount[D]) error {
	if _, ok := l.operators[spender]; ok || spender == from {
		return l.Transfer(from, to, amount)
	}
	key := allowanceKey{from, spender}
	allowed := l.state.allowances[key]
	if allowed.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(from, to, amount); err != nil {
		return err
	}
	remaining := allowed.SaturatingSub(amount)
	if remaining.IsZero() {
		delete(l.state.allowances, key)
	} else {
		l.state.allowances[key] = remaining
	}
	return nil
}

func (l *Ledger[D]) Mint(to crypto.Address, amount units.Amount[D]) error {
	if to.IsZero() {
		return nativecommon.ErrZeroAddress
	}
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	supply, err := l.state.supply.Add(amount)
	if err != nil {
		return err
	}
	bal, err := l.state.balances[to].Add(amount)
	if err != nil {
		return err
	}
	l.state.supply = supply
	l.set(to, bal)
	l.emitter.Emit(events.TokenSupply{Token: l.symbol, Total: supply.String(), Delta: amount.String(), Reason: events.SupplyReasonMint})
	return nil
}

func (l *Ledger[D]) Burn(from crypto.Address, amount units.Amount[D]) error {
	if amount.IsZero() {
		return nativecommon.ErrInvalidAmount
	}
	bal := l.state.balances[from]
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	supply, err := l.state.supply.Sub(amount)
	if err != nil {
		return err
	}
	l.state.supply = supply
	l.set(from, bal.SaturatingSub(amount))
	l.emitter.Emit(events.TokenSupply{Token: l.symbol, Total: supply.String(), Delta: amount.String(), Reason: events.SupplyReasonBurn})
	return nil
}

func (l *Ledger[D]) set(addr crypto.Address, amount units.Amount[D]) {
	if amount.IsZero() {
		delete(l.state.balances, addr)
		return
	}
	l.state.balances[addr] = amount
}

// Checkpoint captures balances for the ledger executor.
func (l *Ledger[D]) Checkpoint() any { return l.state.clone() }

// Revert restores a checkpoint.
func (l *Ledger[D]) Revert(checkpoint any) {
	if s, ok := checkpoint.(*ledgerState[D]); ok {
		l.state = s.clone()
	}
}

type balanceEntry[D units.Domain] struct {
	Account crypto.Address
	Amount  units.Amount[D]
}

type allowanceEntry[D units.Domain] struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  units.Amount[D]
}

type ledgerSnapshot[D units.Domain] struct {
	Supply     units.Amount[D]
	Balances   []balanceEntry[D]
	Allowances []allowanceEntry[D]
}

func addrLess(a, b crypto.Address) bool { return bytes.Compare(a.Bytes(), b.Bytes()) < 0 }

func (l *Ledger[D]) EncodeState() ([]byte, error) {
	snap := ledgerSnapshot[D]{Supply: l.state.supply}
	for addr, amt := range l.state.balances {
		snap.Balances = append(snap.Balances, balanceEntry[D]{Account: addr, Amount: amt})
	}
	for key, amt := range l.state.allowances {
		snap.Allowances = append(snap.Allowances, allowanceEntry[D]{Owner: key.owner, Spender: key.spender, Amount: amt})
	}
	sort.Slice(snap.Balances, func(i, j int) bool { return addrLess(snap.Balances[i].Account, snap.Balances[j].Account) })
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Owner != b.Owner {
			return addrLess(a.Owner, b.Owner)
		}
		return addrLess(a.Spender, b.Spender)
	})
	return rlp.EncodeToBytes(&snap)
}

func (l *Ledger[D]) DecodeState(data []byte) error {
	var snap ledgerSnapshot[D]
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return err
	}
	next := &ledgerState[D]{
		balances:   make(map[crypto.Address]units.Amount[D], len(snap.Balances)),
		allowances: make(map[allowanceKey]units.Amount[D], len(snap.Allowances)),
		supply:     snap.Supply,
	}
	for _, e := range snap.Balances {
		next.balances[e.Account] = e.Amount
	}
	for _, e := range snap.Allowances {
		next.allowances[allowanceKey{e.Owner, e.Spender}] = e.Amount
	}
	l.state = next
	return nil
}

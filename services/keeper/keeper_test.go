package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"btcfi/crypto"
	"btcfi/native/credit"
	"btcfi/native/lending"
	"btcfi/native/units"
)

var liquidatorAddr = crypto.DeriveAddress(crypto.AccountPrefix, "liquidator")

type fakeExec struct {
	mu      sync.Mutex
	labels  []string
	viewErr error
}

func (f *fakeExec) Execute(ctx context.Context, label string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.labels = append(f.labels, label)
	f.mu.Unlock()
	return fn()
}

func (f *fakeExec) View(fn func() error) error {
	if f.viewErr != nil {
		return f.viewErr
	}
	return fn()
}

func (f *fakeExec) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.labels...)
}

type fakeLending struct {
	health  map[uint64]lending.Health
	covers  map[uint64]units.USD
	accrued int
	failID  uint64
}

func (f *fakeLending) ActivePositions() []uint64 {
	ids := make([]uint64, 0, len(f.health))
	for id := uint64(1); id <= uint64(len(f.health)); id++ {
		if _, ok := f.health[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeLending) Health(id uint64) (lending.Health, error) {
	h, ok := f.health[id]
	if !ok {
		return lending.Health{}, errors.New("unknown")
	}
	return h, nil
}

func (f *fakeLending) Liquidate(_ crypto.Address, id uint64, cover units.USD) (units.StBTC, error) {
	if id == f.failID {
		return units.StBTC{}, lending.ErrPositionHealthy
	}
	if f.covers == nil {
		f.covers = map[uint64]units.USD{}
	}
	f.covers[id] = cover
	return units.Whole[units.DomainStBTC](1), nil
}

func (f *fakeLending) AccrueInterest(uint64) error {
	f.accrued++
	return nil
}

type fakeCredit struct {
	health map[uint64]credit.Health
	covers map[uint64]units.USD
	err    error
}

func (f *fakeCredit) ActiveCards() []uint64 {
	ids := make([]uint64, 0, len(f.health))
	for id := range f.health {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeCredit) Health(id uint64) (credit.Health, error) { return f.health[id], nil }

func (f *fakeCredit) Liquidate(_ crypto.Address, id uint64, cover units.USD) (units.Sats, error) {
	if f.err != nil {
		return units.Sats{}, f.err
	}
	if f.covers == nil {
		f.covers = map[uint64]units.USD{}
	}
	f.covers[id] = cover
	return units.New[units.DomainBTC](1_000), nil
}

type fakePrices struct {
	tripped bool
	calls   int
}

func (f *fakePrices) RefreshAll() (bool, error) {
	f.calls++
	return f.tripped, nil
}

func usd(n uint64) units.USD { return units.Whole[units.DomainUSD](n) }

func baseConfig() Config {
	return Config{
		Account:     liquidatorAddr.String(),
		DustUSD:     "100",
		Refresh:     true,
		AccrueLoans: true,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, &fakeExec{})
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(Config{Account: "nope"}, &fakeExec{})
	require.Error(t, err)

	cfg := baseConfig()
	cfg.Schedule = "every tuesday"
	_, err = New(cfg, &fakeExec{})
	require.Error(t, err)

	cfg = baseConfig()
	cfg.DustUSD = "1.0000000000000000001"
	_, err = New(cfg, &fakeExec{})
	require.Error(t, err)

	k, err := New(baseConfig(), &fakeExec{})
	require.NoError(t, err)
	require.Equal(t, DefaultSchedule, k.cfg.Schedule)
}

func TestRunOnceLiquidatesUnhealthyPositions(t *testing.T) {
	exec := &fakeExec{}
	book := &fakeLending{health: map[uint64]lending.Health{
		1: {Debt: usd(40_000), Liquidatable: true},
		2: {Debt: usd(10_000)},
		3: {Debt: usd(50), Liquidatable: true},
	}}
	cards := &fakeCredit{health: map[uint64]credit.Health{
		7: {Debt: usd(2_000), Liquidatable: true},
	}}
	prices := &fakePrices{}

	k, err := New(baseConfig(), exec, WithLending(book), WithCredit(cards), WithPrices(prices))
	require.NoError(t, err)

	report, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.Scanned)
	require.Equal(t, 3, report.Liquidated)
	require.Zero(t, report.Failed)
	require.Equal(t, 1, prices.calls)
	require.Equal(t, 3, book.accrued)

	require.True(t, book.covers[1].Eq(usd(20_000)), "half cover for large debt")
	require.True(t, book.covers[3].Eq(usd(50)), "dust debt is closed in full")
	_, touched := book.covers[2]
	require.False(t, touched)
	require.True(t, cards.covers[7].Eq(usd(1_000)))

	labels := exec.executed()
	require.Equal(t, "oracle.refresh", labels[0])
	require.Equal(t, "lending.accrue", labels[1])
	require.Contains(t, labels, "credit.liquidate")
}

func TestRunOnceSkipsWhenBreakerTrips(t *testing.T) {
	book := &fakeLending{health: map[uint64]lending.Health{1: {Debt: usd(1_000), Liquidatable: true}}}
	k, err := New(baseConfig(), &fakeExec{}, WithLending(book), WithPrices(&fakePrices{tripped: true}))
	require.NoError(t, err)

	report, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, report.Tripped)
	require.Zero(t, report.Liquidated)
	require.Empty(t, book.covers)
}

func TestRunOnceCountsFailures(t *testing.T) {
	book := &fakeLending{
		health: map[uint64]lending.Health{1: {Debt: usd(1_000), Liquidatable: true}},
		failID: 1,
	}
	cards := &fakeCredit{
		health: map[uint64]credit.Health{4: {Debt: usd(1_000), Liquidatable: true}},
		err:    credit.ErrInsufficientFunds,
	}
	k, err := New(baseConfig(), &fakeExec{}, WithLending(book), WithCredit(cards))
	require.NoError(t, err)

	report, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Liquidated)
	require.Equal(t, 1, report.Failed, "healthy-by-now positions are skipped, not failed")
}

func TestAccrueSurfacesViewFailure(t *testing.T) {
	book := &fakeLending{health: map[uint64]lending.Health{1: {Debt: usd(1_000)}}}
	closed := errors.New("ledger closed")
	exec := &fakeExec{viewErr: closed}
	k, err := New(baseConfig(), exec, WithLending(book))
	require.NoError(t, err)

	err = k.accrue(context.Background())
	require.ErrorIs(t, err, closed)
	require.Zero(t, book.accrued)
	require.NotContains(t, exec.executed(), "lending.accrue")
}

func TestRunOnceHonoursCancellation(t *testing.T) {
	book := &fakeLending{health: map[uint64]lending.Health{1: {Debt: usd(1_000), Liquidatable: true}}}
	cfg := baseConfig()
	cfg.Refresh = false
	cfg.AccrueLoans = false
	k, err := New(cfg, &fakeExec{}, WithLending(book))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, book.covers)
}

func TestStartStopDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := baseConfig()
	cfg.Schedule = "@every 1s"
	prices := &fakePrices{}
	exec := &fakeExec{}
	k, err := New(cfg, exec, WithPrices(prices))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))
	require.NoError(t, k.Start(ctx))

	require.Eventually(t, func() bool {
		return len(exec.executed()) > 0
	}, 5*time.Second, 20*time.Millisecond)

	k.Stop()
	k.Stop()
}

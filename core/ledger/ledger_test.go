package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"btcfi/core/state"
	"btcfi/core/types"
	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/token"
	"btcfi/native/units"
	"btcfi/storage"
)

var (
	alice = crypto.DeriveAddress(crypto.AccountPrefix, "alice")
	bob   = crypto.DeriveAddress(crypto.AccountPrefix, "bob")
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]*types.Event
}

func (c *captureSink) Publish(batch []*types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

type fixture struct {
	ledger *Ledger
	btc    *token.Ledger[units.DomainBTC]
	usd    *token.Ledger[units.DomainUSD]
	wall   *nativecommon.ManualClock
	sink   *captureSink
	db     *storage.MemDB
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storage.NewMemDB()
	wall := nativecommon.NewManualClock(1_000)
	sink := &captureSink{}
	l := New(wall, state.NewManager(db), WithSinks(sink))
	btc := token.NewLedger[units.DomainBTC]("BTC")
	usd := token.NewLedger[units.DomainUSD]("USDC")
	if err := l.Register(btc, usd); err != nil {
		t.Fatalf("register: %v", err)
	}
	return fixture{ledger: l, btc: btc, usd: usd, wall: wall, sink: sink, db: db}
}

func TestExecuteCommitsAndPublishes(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.Execute(context.Background(), "mint", func() error {
		return f.btc.Mint(alice, units.New[units.DomainBTC](500))
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.btc.BalanceOf(alice).String() != "500" {
		t.Fatalf("mint not applied")
	}
	head := f.ledger.Head()
	if head.Height != 1 || head.Time != 1_000 || head.Label != "mint" {
		t.Fatalf("unexpected head %+v", head)
	}
	if f.sink.count() != 1 {
		t.Fatalf("expected one published event, got %d", f.sink.count())
	}
	evt := f.sink.batches[0][0]
	if evt.Height != 1 || evt.Time != 1_000 {
		t.Fatalf("event not stamped: %+v", evt)
	}
}

func TestExecuteRevertsEveryComponent(t *testing.T) {
	f := newFixture(t)
	_ = f.ledger.Execute(context.Background(), "seed", func() error {
		return f.btc.Mint(alice, units.New[units.DomainBTC](100))
	})
	published := f.sink.count()

	boom := errors.New("boom")
	err := f.ledger.Execute(context.Background(), "fail", func() error {
		if err := f.usd.Mint(bob, units.New[units.DomainUSD](7)); err != nil {
			return err
		}
		if err := f.btc.Transfer(alice, bob, units.New[units.DomainBTC](60)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !f.usd.BalanceOf(bob).IsZero() || f.btc.BalanceOf(alice).String() != "100" {
		t.Fatalf("partial effects survived a failed transition")
	}
	if f.sink.count() != published {
		t.Fatalf("events of a reverted transition were published")
	}
	if f.ledger.Head().Height != 1 {
		t.Fatalf("height advanced on failure")
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.Execute(context.Background(), "panic", func() error {
		_ = f.btc.Mint(alice, units.New[units.DomainBTC](1))
		panic("unexpected")
	})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if !f.btc.BalanceOf(alice).IsZero() {
		t.Fatalf("panicking transition left state behind")
	}
}

func TestBlockClockNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	f.wall.Set(2_000)
	_ = f.ledger.Execute(context.Background(), "a", func() error { return nil })
	f.wall.Set(1_500)
	var seen uint64
	_ = f.ledger.Execute(context.Background(), "b", func() error {
		seen = f.ledger.Clock().Now()
		return nil
	})
	if seen != 2_000 {
		t.Fatalf("block clock went backwards: %d", seen)
	}
}

func TestCancelledContextRejected(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := f.ledger.Execute(ctx, "x", func() error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before running, got %v called=%v", err, called)
	}
}

func TestRestoreFromStore(t *testing.T) {
	f := newFixture(t)
	_ = f.ledger.Execute(context.Background(), "mint", func() error {
		return f.btc.Mint(alice, units.New[units.DomainBTC](42))
	})

	wall := nativecommon.NewManualClock(10)
	restored := New(wall, state.NewManager(f.db))
	btc := token.NewLedger[units.DomainBTC]("BTC")
	usd := token.NewLedger[units.DomainUSD]("USDC")
	if err := restored.Register(btc, usd); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := restored.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if btc.BalanceOf(alice).String() != "42" {
		t.Fatalf("balance not restored")
	}
	if restored.Head() != f.ledger.Head() {
		t.Fatalf("head mismatch %+v vs %+v", restored.Head(), f.ledger.Head())
	}
	if restored.Clock().Now() != 1_000 {
		t.Fatalf("block clock not advanced to head time")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.Register(token.NewLedger[units.DomainBTC]("BTC")); !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestSerialisedExecution(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ledger.Execute(context.Background(), "mint", func() error {
				return f.btc.Mint(alice, units.New[units.DomainBTC](1))
			})
		}()
	}
	wg.Wait()
	if f.btc.BalanceOf(alice).String() != "20" || f.ledger.Head().Height != 20 {
		t.Fatalf("lost updates: balance=%s height=%d", f.btc.BalanceOf(alice), f.ledger.Head().Height)
	}
}

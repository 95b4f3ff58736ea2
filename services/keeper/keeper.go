// Package keeper runs the liquidation bot. Each tick refreshes the oracle,
// scans lending loans and credit cards, and liquidates unhealthy ones through
// the ledger so every action is an ordinary transition.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"btcfi/crypto"
	"btcfi/native/credit"
	"btcfi/native/lending"
	"btcfi/native/units"
	"btcfi/observability"
)

const (
	BookLending = "lending"
	BookCredit  = "credit"

	DefaultSchedule = "@every 30s"
	halfCoverBps    = units.Bps(5_000)
)

var ErrNotConfigured = errors.New("keeper: liquidator account not configured")

// Config controls the keeper loop.
type Config struct {
	Enabled     bool   `yaml:"enabled" envconfig:"KEEPER_ENABLED"`
	Schedule    string `yaml:"schedule" envconfig:"KEEPER_SCHEDULE"`
	Account     string `yaml:"account" envconfig:"KEEPER_ACCOUNT"`
	DustUSD     string `yaml:"dustUSD" envconfig:"KEEPER_DUST_USD"`
	Refresh     bool   `yaml:"refreshOracle" envconfig:"KEEPER_REFRESH_ORACLE"`
	AccrueLoans bool   `yaml:"accrueLoans" envconfig:"KEEPER_ACCRUE_LOANS"`
}

// Executor runs transitions and consistent reads.
type Executor interface {
	Execute(ctx context.Context, label string, fn func() error) error
	View(fn func() error) error
}

// LendingBook is the lending surface the keeper needs.
type LendingBook interface {
	ActivePositions() []uint64
	Health(id uint64) (lending.Health, error)
	Liquidate(liquidator crypto.Address, id uint64, cover units.USD) (units.StBTC, error)
	AccrueInterest(id uint64) error
}

// CreditBook is the credit surface the keeper needs.
type CreditBook interface {
	ActiveCards() []uint64
	Health(id uint64) (credit.Health, error)
	Liquidate(liquidator crypto.Address, id uint64, cover units.USD) (units.Sats, error)
}

// PriceRefresher pulls fresh oracle prints.
type PriceRefresher interface {
	RefreshAll() (bool, error)
}

// Report summarises one tick.
type Report struct {
	Scanned    int
	Liquidated int
	Failed     int
	Tripped    bool
}

type candidate struct {
	book  string
	id    uint64
	cover units.USD
}

// Keeper owns the cron scheduler and the liquidation pass.
type Keeper struct {
	cfg     Config
	account crypto.Address
	dust    units.USD
	exec    Executor
	lending LendingBook
	credit  CreditBook
	prices  PriceRefresher
	logger  *slog.Logger
	metrics *observability.KeeperMetrics

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.Mutex
}

// Option customises a Keeper.
type Option func(*Keeper)

func WithLending(b LendingBook) Option   { return func(k *Keeper) { k.lending = b } }
func WithCredit(b CreditBook) Option     { return func(k *Keeper) { k.credit = b } }
func WithPrices(p PriceRefresher) Option { return func(k *Keeper) { k.prices = p } }
func WithLogger(l *slog.Logger) Option   { return func(k *Keeper) { k.logger = l } }

// New validates cfg and returns a stopped keeper.
func New(cfg Config, exec Executor, opts ...Option) (*Keeper, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(cfg.Account) == "" {
		return nil, ErrNotConfigured
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(cfg.Account))
	if err != nil {
		return nil, fmt.Errorf("keeper: account: %w", err)
	}
	var dust units.USD
	if strings.TrimSpace(cfg.DustUSD) != "" {
		dust, err = units.Parse[units.DomainUSD](cfg.DustUSD)
		if err != nil {
			return nil, fmt.Errorf("keeper: dust: %w", err)
		}
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("keeper: schedule %q: %w", cfg.Schedule, err)
	}
	k := &Keeper{
		cfg:     cfg,
		account: account,
		dust:    dust,
		exec:    exec,
		logger:  slog.Default(),
		metrics: observability.Keeper(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With(slog.String("component", "keeper"))
	return k, nil
}

// Start schedules the tick. Overlapping ticks are skipped.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(k.cfg.Schedule, func() {
		if _, err := k.RunOnce(ctx); err != nil && ctx.Err() == nil {
			k.logger.Error("keeper tick failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	k.cron = c
	k.logger.Info("keeper started", slog.String("schedule", k.cfg.Schedule), slog.String("account", k.account.String()))
	return nil
}

// Stop halts the scheduler and waits for a running tick.
func (k *Keeper) Stop() {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	k.logger.Info("keeper stopped")
}

// RunOnce performs one full pass.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	k.running.Lock()
	defer k.running.Unlock()

	var report Report
	if k.prices != nil && k.cfg.Refresh {
		err := k.exec.Execute(ctx, "oracle.refresh", func() error {
			tripped, err := k.prices.RefreshAll()
			report.Tripped = tripped
			return err
		})
		if err != nil {
			k.logger.Warn("oracle refresh failed", slog.String("error", err.Error()))
		}
		if report.Tripped {
			k.logger.Warn("oracle breaker tripped; skipping liquidations")
			return report, nil
		}
	}
	if k.lending != nil && k.cfg.AccrueLoans {
		if err := k.accrue(ctx); err != nil {
			k.logger.Warn("interest accrual failed", slog.String("error", err.Error()))
		}
	}

	candidates, scanned, err := k.scan()
	report.Scanned = scanned
	if err != nil {
		return report, err
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := k.liquidate(ctx, c)
		k.metrics.RecordLiquidation(c.book, err)
		switch {
		case err == nil:
			report.Liquidated++
		case errors.Is(err, lending.ErrPositionHealthy), errors.Is(err, credit.ErrPositionHealthy):
		default:
			report.Failed++
			k.logger.Warn("liquidation failed",
				slog.String("book", c.book),
				slog.Uint64("id", c.id),
				slog.String("error", err.Error()))
		}
	}
	if report.Liquidated > 0 || report.Failed > 0 {
		k.logger.Info("keeper pass",
			slog.Int("scanned", report.Scanned),
			slog.Int("liquidated", report.Liquidated),
			slog.Int("failed", report.Failed))
	}
	return report, nil
}

func (k *Keeper) accrue(ctx context.Context) error {
	var ids []uint64
	err := k.exec.View(func() error {
		ids = k.lending.ActivePositions()
		return nil
	})
	if err != nil {
		return fmt.Errorf("list loans: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	return k.exec.Execute(ctx, "lending.accrue", func() error {
		for _, id := range ids {
			if err := k.lending.AccrueInterest(id); err != nil {
				return fmt.Errorf("loan %d: %w", id, err)
			}
		}
		return nil
	})
}

// scan collects liquidatable positions under one consistent read.
func (k *Keeper) scan() ([]candidate, int, error) {
	var (
		out     []candidate
		scanned int
	)
	err := k.exec.View(func() error {
		if k.lending != nil {
			ids := k.lending.ActivePositions()
			for _, id := range ids {
				scanned++
				h, err := k.lending.Health(id)
				if err != nil {
					k.metrics.RecordScan(BookLending, err)
					return fmt.Errorf("lending %d: %w", id, err)
				}
				if h.Liquidatable {
					out = append(out, candidate{book: BookLending, id: id, cover: k.coverFor(h.Debt)})
				}
			}
			k.metrics.RecordScan(BookLending, nil)
		}
		if k.credit != nil {
			for _, id := range k.credit.ActiveCards() {
				scanned++
				h, err := k.credit.Health(id)
				if err != nil {
					k.metrics.RecordScan(BookCredit, err)
					return fmt.Errorf("credit %d: %w", id, err)
				}
				if h.Liquidatable {
					out = append(out, candidate{book: BookCredit, id: id, cover: k.coverFor(h.Debt)})
				}
			}
			k.metrics.RecordScan(BookCredit, nil)
		}
		return nil
	})
	return out, scanned, err
}

// coverFor repays half the debt, or all of it once the debt is dust.
func (k *Keeper) coverFor(debt units.USD) units.USD {
	if !debt.Gt(k.dust) {
		return debt
	}
	half, err := debt.MulBps(halfCoverBps)
	if err != nil || half.IsZero() {
		return debt
	}
	return half
}

func (k *Keeper) liquidate(ctx context.Context, c candidate) error {
	label := c.book + ".liquidate"
	return k.exec.Execute(ctx, label, func() error {
		var err error
		switch c.book {
		case BookLending:
			_, err = k.lending.Liquidate(k.account, c.id, c.cover)
		case BookCredit:
			_, err = k.credit.Liquidate(k.account, c.id, c.cover)
		}
		return err
	})
}

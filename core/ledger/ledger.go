// Package ledger serialises every protocol entry point. A transition runs
// against checkpoints of every registered component and either commits as a
// whole or leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"btcfi/core/events"
	"btcfi/core/state"
	"btcfi/core/types"
	nativecommon "btcfi/native/common"
	"btcfi/observability"
	"btcfi/observability/otel"
)

var (
	ErrDuplicateModule = errors.New("ledger: module already registered")
	ErrPanic           = nativecommon.Arithmetic("ledger: transition panicked")
)

// Component is a stateful engine the ledger checkpoints, reverts and persists.
type Component interface {
	Module() string
	Checkpoint() any
	Revert(checkpoint any)
	EncodeState() ([]byte, error)
	DecodeState(data []byte) error
}

type emitterSetter interface {
	SetEmitter(events.Emitter)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSinks registers consumers of committed events.
func WithSinks(sinks ...events.Sink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, sinks...) }
}

// WithMetrics records transition outcomes.
func WithMetrics(m *observability.LedgerMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger is the total-order executor.
type Ledger struct {
	mu         sync.Mutex
	source     nativecommon.Clock
	clock      *nativecommon.ManualClock
	store      *state.Manager
	components []Component
	names      map[string]struct{}
	buffer     *events.Buffer
	sinks      []events.Sink
	head       state.Head
	logger     *slog.Logger
	metrics    *observability.LedgerMetrics
	tracer     trace.Tracer
}

// New builds a ledger reading wall time from source. store may be nil for an
// in-memory ledger.
func New(source nativecommon.Clock, store *state.Manager, opts ...Option) *Ledger {
	l := &Ledger{
		source: source,
		clock:  nativecommon.NewManualClock(source.Now()),
		store:  store,
		names:  make(map[string]struct{}),
		buffer: &events.Buffer{},
		logger: slog.Default(),
		tracer: otel.Tracer(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clock is the block clock components must read. It only moves inside
// Execute and never goes backwards.
func (l *Ledger) Clock() nativecommon.Clock { return l.clock }

// Register adds components in execution order. Components with SetEmitter
// are wired to the transition buffer.
func (l *Ledger) Register(components ...Component) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range components {
		name := c.Module()
		if _, ok := l.names[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
		}
		l.names[name] = struct{}{}
		l.components = append(l.components, c)
		if s, ok := c.(emitterSetter); ok {
			s.SetEmitter(l.buffer)
		}
	}
	return nil
}

// AddSink registers a consumer of committed events.
func (l *Ledger) AddSink(s events.Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Head returns the last committed head.
func (l *Ledger) Head() state.Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Restore loads the persisted head and every registered component's
// snapshot. Components without a snapshot keep their constructed state.
func (l *Ledger) Restore() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	if err := l.store.CheckVersion(); err != nil {
		return err
	}
	head, ok, err := l.store.Head()
	if err != nil {
		return fmt.Errorf("ledger: load head: %w", err)
	}
	if !ok {
		return nil
	}
	for _, c := range l.components {
		blob, found, err := l.store.Module(c.Module())
		if err != nil {
			return fmt.Errorf("ledger: load %s: %w", c.Module(), err)
		}
		if !found {
			continue
		}
		if err := c.DecodeState(blob); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", c.Module(), err)
		}
	}
	l.head = head
	if head.Time > l.clock.Now() {
		l.clock.Set(head.Time)
	}
	l.metrics.SetHeight(head.Height)
	l.logger.Info("ledger restored", slog.Uint64("height", head.Height), slog.Int("modules", len(l.components)))
	return nil
}

// View runs fn under the ledger lock so reads observe a committed state.
func (l *Ledger) View(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Execute runs fn as one transition. Any error or panic reverts every
// component. Events emitted inside fn reach the sinks only after commit.
func (l *Ledger) Execute(ctx context.Context, label string, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := l.tracer.Start(ctx, "ledger.execute", trace.WithAttributes(attribute.String("label", label)))
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	now := l.source.Now()
	if prev := l.clock.Now(); now < prev {
		now = prev
	}
	l.clock.Set(now)

	checkpoints := make([]any, len(l.components))
	for i, c := range l.components {
		checkpoints[i] = c.Checkpoint()
	}
	l.buffer.Discard()

	defer func() {
		kind := ""
		if err != nil {
			kind = nativecommon.KindOf(err).String()
		}
		l.metrics.ObserveTransition(label, kind, err == nil, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err = l.run(fn); err != nil {
		l.revert(checkpoints)
		l.logger.Debug("transition reverted", slog.String("label", label), slog.String("error", err.Error()))
		return err
	}
	if err = ctx.Err(); err != nil {
		l.revert(checkpoints)
		return err
	}

	head := state.Head{Height: l.head.Height + 1, Time: now, Label: label}
	if l.store != nil {
		blobs := make(map[string][]byte, len(l.components))
		for _, c := range l.components {
			blob, encErr := c.EncodeState()
			if encErr != nil {
				l.revert(checkpoints)
				err = fmt.Errorf("ledger: encode %s: %w", c.Module(), encErr)
				return err
			}
			blobs[c.Module()] = blob
		}
		committed, commitErr := l.store.Commit(head, blobs)
		if commitErr != nil {
			l.revert(checkpoints)
			err = commitErr
			l.logger.Error("state commit failed", slog.String("label", label), slog.String("error", err.Error()))
			return err
		}
		head = committed
	}
	l.head = head
	l.metrics.SetHeight(head.Height)
	span.SetAttributes(attribute.Int64("height", int64(head.Height)))
	l.publish(head)
	return nil
}

func (l *Ledger) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// revert restores components in reverse registration order.
func (l *Ledger) revert(checkpoints []any) {
	for i := len(l.components) - 1; i >= 0; i-- {
		l.components[i].Revert(checkpoints[i])
	}
	l.buffer.Discard()
}

func (l *Ledger) publish(head state.Head) {
	pending := l.buffer.Drain()
	if len(pending) == 0 {
		return
	}
	batch := make([]*types.Event, 0, len(pending))
	for _, evt := range pending {
		rendered := events.Render(evt)
		if rendered == nil {
			continue
		}
		rendered.Height = head.Height
		rendered.Time = head.Time
		batch = append(batch, rendered)
	}
	for _, sink := range l.sinks {
		if err := sink.Publish(batch); err != nil {
			l.logger.Warn("event sink failed",
				slog.Uint64("height", head.Height),
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()))
		}
	}
	l.logger.Debug("transition committed",
		slog.String("label", head.Label),
		slog.Uint64("height", head.Height),
		slog.Int("events", len(batch)))
}

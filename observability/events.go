package observability

import (
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"btcfi/core/events"
	"btcfi/core/types"
)

type eventMetrics struct {
	events *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed protocol events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "events",
				Name:      "committed_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.events)
	})
	return eventRegistry
}

// Publish implements the ledger sink contract by counting each event type.
// Oracle events also feed the oracle gauges.
func (m *eventMetrics) Publish(batch []*types.Event) error {
	if m == nil {
		return nil
	}
	for _, evt := range batch {
		if evt == nil {
			continue
		}
		m.events.WithLabelValues(labelOrUnknown(evt.Type)).Inc()
		switch evt.Type {
		case events.TypeOraclePriceUpdated:
			recordQuote(evt)
		case events.TypeOracleBreakerTripped:
			Oracle().RecordTrip(evt.Attributes["asset"])
		}
	}
	return nil
}

var priceScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func recordQuote(evt *types.Event) {
	published, err := strconv.ParseUint(evt.Attributes["publishedAt"], 10, 64)
	if err != nil {
		return
	}
	raw, ok := new(big.Float).SetString(evt.Attributes["price"])
	if !ok {
		return
	}
	price, _ := new(big.Float).Quo(raw, priceScale).Float64()
	var age time.Duration
	if evt.Time > published {
		age = time.Duration(evt.Time-published) * time.Second
	}
	Oracle().RecordQuote(evt.Attributes["asset"], age, price)
}

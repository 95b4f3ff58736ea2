package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// gateway activity per module and method.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "btcfi",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LedgerMetrics captures transition outcomes of the total-order ledger.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	height      prometheus.Gauge
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "Ledger transitions segmented by label, outcome and error kind.",
			}, []string{"label", "outcome", "kind"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "btcfi",
				Subsystem: "ledger",
				Name:      "transition_duration_seconds",
				Help:      "Time spent executing a transition including persistence.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"label"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "btcfi",
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Height of the last committed transition.",
			}),
		}
		prometheus.MustRegister(ledgerRegistry.transitions, ledgerRegistry.duration, ledgerRegistry.height)
	})
	return ledgerRegistry
}

// ObserveTransition records a committed or reverted transition. kind is empty
// for commits.
func (m *LedgerMetrics) ObserveTransition(label, kind string, committed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "committed"
	if !committed {
		outcome = "reverted"
	}
	if kind == "" {
		kind = "none"
	}
	m.transitions.WithLabelValues(labelOrUnknown(label), outcome, kind).Inc()
	m.duration.WithLabelValues(labelOrUnknown(label)).Observe(d.Seconds())
}

// SetHeight records the committed height.
func (m *LedgerMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// OracleMetrics tracks price freshness and breaker activity.
type OracleMetrics struct {
	age    *prometheus.GaugeVec
	trips  *prometheus.CounterVec
	prices *prometheus.GaugeVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "btcfi",
				Subsystem: "oracle",
				Name:      "price_age_seconds",
				Help:      "Age of the last accepted quote per asset.",
			}, []string{"asset"}),
			trips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "oracle",
				Name:      "breaker_trips_total",
				Help:      "Circuit breaker trips per asset.",
			}, []string{"asset"}),
			prices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "btcfi",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Last accepted price per asset as a float for dashboards.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(oracleRegistry.age, oracleRegistry.trips, oracleRegistry.prices)
	})
	return oracleRegistry
}

// RecordQuote records the age and value of the latest accepted quote.
func (m *OracleMetrics) RecordQuote(asset string, age time.Duration, price float64) {
	if m == nil {
		return
	}
	m.age.WithLabelValues(labelAsset(asset)).Set(age.Seconds())
	m.prices.WithLabelValues(labelAsset(asset)).Set(price)
}

// RecordTrip increments the breaker trip counter.
func (m *OracleMetrics) RecordTrip(asset string) {
	if m == nil {
		return
	}
	m.trips.WithLabelValues(labelAsset(asset)).Inc()
}

// KeeperMetrics captures liquidation bot outcomes.
type KeeperMetrics struct {
	scans        *prometheus.CounterVec
	liquidations *prometheus.CounterVec
}

// Keeper returns the lazily-initialised keeper metrics registry.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			scans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "keeper",
				Name:      "scans_total",
				Help:      "Keeper scans per book and outcome.",
			}, []string{"book", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "btcfi",
				Subsystem: "keeper",
				Name:      "liquidations_total",
				Help:      "Liquidation attempts per book and outcome.",
			}, []string{"book", "outcome"}),
		}
		prometheus.MustRegister(keeperRegistry.scans, keeperRegistry.liquidations)
	})
	return keeperRegistry
}

func (m *KeeperMetrics) RecordScan(book string, err error) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(book, outcomeOf(err)).Inc()
}

func (m *KeeperMetrics) RecordLiquidation(book string, err error) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(book, outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func labelOrUnknown(label string) string {
	if strings.TrimSpace(label) == "" {
		return "unknown"
	}
	return label
}

func labelAsset(asset string) string {
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

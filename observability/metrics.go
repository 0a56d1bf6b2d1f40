package observability

import (
	"fmt"
	"math/big"
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

	vestingMetricsOnce sync.Once
	vestingRegistry    *VestingMetricsRegistry

	bankMetricsOnce sync.Once
	bankRegistry    *BankMetricsRegistry

	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetricsRegistry
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vest",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling or pause policies.",
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

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = orUnknown(module)
	method = orUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or "paused".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(orUnknown(module), reason).Inc()
}

// VestingMetricsRegistry records vesting engine outcomes. It satisfies the
// engine's Metrics interface.
type VestingMetricsRegistry struct {
	operations *prometheus.CounterVec
	locked     prometheus.Gauge
	airdrop    *prometheus.CounterVec
}

// VestingMetrics returns the singleton vesting registry.
func VestingMetrics() *VestingMetricsRegistry {
	vestingMetricsOnce.Do(func() {
		vestingRegistry = &VestingMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "vesting",
				Name:      "operations_total",
				Help:      "Vesting operations segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vest",
				Subsystem: "vesting",
				Name:      "locked_amount",
				Help:      "Sum of unclaimed live grants in base units.",
			}),
			airdrop: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "vesting",
				Name:      "airdrop_entries_total",
				Help:      "Airdrop entries segmented by fold outcome.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			vestingRegistry.operations,
			vestingRegistry.locked,
			vestingRegistry.airdrop,
		)
	})
	return vestingRegistry
}

func (m *VestingMetricsRegistry) ObserveOperation(op, kind string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(orUnknown(op), orUnknown(kind)).Inc()
}

// SetLocked publishes the locked total. Values beyond float64 precision are
// approximated.
func (m *VestingMetricsRegistry) SetLocked(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.locked.Set(value)
}

func (m *VestingMetricsRegistry) ObserveAirdrop(accepted, skipped int) {
	if m == nil {
		return
	}
	m.airdrop.WithLabelValues("accepted").Add(float64(accepted))
	m.airdrop.WithLabelValues("skipped").Add(float64(skipped))
}

// BankMetricsRegistry counts native token transfers.
type BankMetricsRegistry struct {
	transfers *prometheus.CounterVec
}

func BankMetrics() *BankMetricsRegistry {
	bankMetricsOnce.Do(func() {
		bankRegistry = &BankMetricsRegistry{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "bank",
				Name:      "transfers_total",
				Help:      "Count of native transfers segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
		}
		prometheus.MustRegister(bankRegistry.transfers)
	})
	return bankRegistry
}

// ObserveTransfer increments the transfer counter for the supplied asset ticker.
func (m *BankMetricsRegistry) ObserveTransfer(asset, outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized, orUnknown(outcome)).Inc()
}

// IndexerMetricsRegistry tracks event persistence.
type IndexerMetricsRegistry struct {
	events *prometheus.CounterVec
}

func IndexerMetrics() *IndexerMetricsRegistry {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetricsRegistry{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vest",
				Subsystem: "indexer",
				Name:      "events_total",
				Help:      "Events handed to the indexer segmented by type and outcome.",
			}, []string{"type", "outcome"}),
		}
		prometheus.MustRegister(indexerRegistry.events)
	})
	return indexerRegistry
}

func (m *IndexerMetricsRegistry) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(orUnknown(eventType), orUnknown(outcome)).Inc()
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

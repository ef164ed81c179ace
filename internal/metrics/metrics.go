package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the MACD engine.
type Metrics struct {
	PricesTotal       prometheus.Counter
	PricesRejected    *prometheus.CounterVec // labels: reason
	ResultsTotal      *prometheus.CounterVec // labels: kind=confirmed|live|gated
	ComputeDur        prometheus.Histogram
	SymbolsTracked    prometheus.Gauge
	ResetsTotal       *prometheus.CounterVec // labels: source=redis|http
	ReplayedPrices    prometheus.Counter
	BackfilledPrices  prometheus.Counter
	PendingRecovered  prometheus.Counter
	SnapshotsTotal    *prometheus.CounterVec // labels: store=redis|sqlite, result=ok|error
	SnapshotDur       prometheus.Histogram
	ChannelSaturation *prometheus.GaugeVec // labels: channel_name

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisDroppedWrites       prometheus.Counter
	RedisWriteDur            prometheus.Histogram

	// Websocket gateway
	WSClients     prometheus.Gauge
	WSDroppedMsgs prometheus.Counter
}

var computeBuckets = []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}

// NewMetrics creates the engine metrics and registers them with reg.
// A nil reg registers with the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PricesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_prices_total",
			Help: "Prices applied to the engine",
		}),
		PricesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macdengine_prices_rejected_total",
			Help: "Prices dropped before reaching the engine",
		}, []string{"reason"}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macdengine_results_total",
			Help: "MACD results produced, by kind",
		}, []string{"kind"}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "macdengine_compute_duration_seconds",
			Help:    "Engine compute latency per price",
			Buckets: computeBuckets,
		}),
		SymbolsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macdengine_symbols_tracked",
			Help: "Symbols with a live composer",
		}),
		ResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macdengine_resets_total",
			Help: "Reset commands applied, by source",
		}, []string{"source"}),
		ReplayedPrices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_replayed_prices_total",
			Help: "Prices replayed from Redis streams after a restore",
		}),
		BackfilledPrices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_backfilled_prices_total",
			Help: "Prices replayed from SQLite to warm cold symbols",
		}),
		PendingRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_pending_recovered_total",
			Help: "Unacknowledged stream messages re-delivered at startup",
		}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "macdengine_snapshots_total",
			Help: "Engine snapshots written, by store and result",
		}, []string{"store", "result"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "macdengine_snapshot_duration_seconds",
			Help:    "Time to capture and persist an engine snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		ChannelSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "macdengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macdengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_redis_buffered_writes_total",
			Help: "Results buffered locally while the Redis circuit was open",
		}),
		RedisDroppedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_redis_dropped_writes_total",
			Help: "Results dropped while the Redis circuit was open",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "macdengine_redis_write_duration_seconds",
			Help:    "Redis result batch write latency",
			Buckets: prometheus.DefBuckets,
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "macdengine_ws_clients",
			Help: "Connected websocket clients",
		}),
		WSDroppedMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "macdengine_ws_dropped_messages_total",
			Help: "Messages dropped for slow websocket clients",
		}),
	}

	reg.MustRegister(
		m.PricesTotal,
		m.PricesRejected,
		m.ResultsTotal,
		m.ComputeDur,
		m.SymbolsTracked,
		m.ResetsTotal,
		m.ReplayedPrices,
		m.BackfilledPrices,
		m.PendingRecovered,
		m.SnapshotsTotal,
		m.SnapshotDur,
		m.ChannelSaturation,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisDroppedWrites,
		m.RedisWriteDur,
		m.WSClients,
		m.WSDroppedMsgs,
	)
	return m
}

// ObserveChannel records how full a buffered channel is.
func (m *Metrics) ObserveChannel(name string, length, capacity int) {
	if capacity == 0 {
		return
	}
	m.ChannelSaturation.WithLabelValues(name).Set(float64(length) * 100 / float64(capacity))
}

// Package metrics publishes the pipeline counters on the Prometheus
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trapline"

// Recorder implements the repository Metrics interface via promauto.
type Recorder struct {
	trades         *prometheus.CounterVec
	tripwiresArmed *prometheus.GaugeVec
	trapsSprung    *prometheus.CounterVec
	vetoes         *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	blacklists     *prometheus.CounterVec
	blacklisted    prometheus.Gauge
	lastPrice      *prometheus.GaugeVec
	equity         prometheus.Gauge
	latency        *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
}

// New registers every pipeline metric and returns the recorder.
// promauto panics on duplicate registration, so New runs once from DI.
func New() *Recorder {
	return &Recorder{
		trades: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades consumed from the venue streams",
		}, []string{"venue", "symbol"}),
		tripwiresArmed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tripwires_armed",
			Help:      "Armed tripwires per symbol after the latest generation cycle",
		}, []string{"symbol"}),
		trapsSprung: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_sprung_total",
			Help:      "Tripwire activations",
		}, []string{"symbol", "trap_type"}),
		vetoes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vetoes_total",
			Help:      "Dispatches refused by the veto chain",
		}, []string{"reason"}),
		dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by outcome",
		}, []string{"result"}),
		blacklists: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklists_total",
			Help:      "Symbol blacklist activations",
		}, []string{"symbol"}),
		blacklisted: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklisted_symbols",
			Help:      "Symbols currently blacklisted",
		}),
		lastPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Last trade price seen per symbol",
		}, []string{"symbol"}),
		equity: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Cached equity from the budget feed",
		}),
		// Spans sub-millisecond detector hops up to multi-second
		// generation cycles.
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"operation"}),
		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by source",
		}, []string{"type"}),
	}
}

// RecordTrade counts one consumed trade.
func (r *Recorder) RecordTrade(venue, symbol string) {
	r.trades.WithLabelValues(venue, symbol).Inc()
}

// RecordTripwiresArmed sets the armed gauge for a symbol.
func (r *Recorder) RecordTripwiresArmed(symbol string, count int) {
	r.tripwiresArmed.WithLabelValues(symbol).Set(float64(count))
}

// RecordTrapSprung counts a tripwire activation.
func (r *Recorder) RecordTrapSprung(symbol, trapType string) {
	r.trapsSprung.WithLabelValues(symbol, trapType).Inc()
}

// RecordVeto counts a refused dispatch.
func (r *Recorder) RecordVeto(reason string) {
	r.vetoes.WithLabelValues(reason).Inc()
}

// RecordDispatch counts a dispatch attempt outcome.
func (r *Recorder) RecordDispatch(result string) {
	r.dispatches.WithLabelValues(result).Inc()
}

// RecordBlacklist counts a symbol entering the blacklist.
func (r *Recorder) RecordBlacklist(symbol string) {
	r.blacklists.WithLabelValues(symbol).Inc()
}

// RecordBlacklistedCount sets the current blacklist size.
func (r *Recorder) RecordBlacklistedCount(count int) {
	r.blacklisted.Set(float64(count))
}

// RecordLastPrice sets the last seen price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordEquity sets the equity gauge.
func (r *Recorder) RecordEquity(equity float64) {
	r.equity.Set(equity)
}

// RecordLatency observes one operation duration in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// RecordError counts an error against its source.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

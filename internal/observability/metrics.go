package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type bridgeMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	turnCycles   *prometheus.HistogramVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	activeConversations prometheus.Gauge
	storeLoadDuration   prometheus.Histogram
	storeSaveDuration   prometheus.Histogram

	streamEventsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *bridgeMetrics
)

func getMetrics() *bridgeMetrics {
	metricsOnce.Do(func() {
		m := &bridgeMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Completed turns by agent profile and terminal status.",
				},
				[]string{"agent", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn execution duration in seconds by agent profile.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			turnCycles: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_cycles",
					Help:    "Reasoning/dispatching cycles consumed per turn.",
					Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
				},
				[]string{"agent"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_dispatch_total",
					Help: "Tool invocations by transport, tool and outcome.",
				},
				[]string{"transport", "tool", "outcome"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_dispatch_duration_seconds",
					Help:    "Tool invocation duration in seconds by transport.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"transport"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_conversations",
					Help: "Current number of conversations held in the store.",
				},
			),
			storeLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conversation_load_duration_seconds",
					Help:    "Conversation load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			storeSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conversation_save_duration_seconds",
					Help:    "Conversation save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Progress events emitted, by finality.",
				},
				[]string{"final"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.turnCycles,
			m.dispatchTotal,
			m.dispatchDuration,
			m.activeConversations,
			m.storeLoadDuration,
			m.storeSaveDuration,
			m.streamEventsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all collectors with the default registry.
// Safe to call from multiple packages.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordTurn records a completed turn.
func RecordTurn(agent, status string, cycles int, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(agent, status).Inc()
	m.turnDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.turnCycles.WithLabelValues(agent).Observe(float64(cycles))
}

// RecordDispatch records a tool invocation through a transport adapter.
func RecordDispatch(transport, tool, outcome string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(transport, tool, outcome).Inc()
	m.dispatchDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// SetActiveConversations updates the live conversation gauge.
func SetActiveConversations(n int) {
	getMetrics().activeConversations.Set(float64(n))
}

// RecordStoreLoad records a conversation load.
func RecordStoreLoad(duration time.Duration) {
	getMetrics().storeLoadDuration.Observe(duration.Seconds())
}

// RecordStoreSave records a conversation save.
func RecordStoreSave(duration time.Duration) {
	getMetrics().storeSaveDuration.Observe(duration.Seconds())
}

// RecordStreamEvent records an emitted progress event.
func RecordStreamEvent(final bool) {
	label := "false"
	if final {
		label = "true"
	}
	getMetrics().streamEventsTotal.WithLabelValues(label).Inc()
}

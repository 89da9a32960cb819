package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	transitions     *prometheus.CounterVec
	relayMessages   *prometheus.CounterVec
	companions      *prometheus.GaugeVec
	pendingGauge    *prometheus.GaugeVec
	storeBatch      *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "join_cache_latency_seconds",
		Help:    "Latency for join-code cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "join_cache_write_seconds",
		Help:    "Latency for join-code cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "join_cache_hits_total",
		Help: "Total join-code cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "join_cache_misses_total",
		Help: "Total join-code cache misses",
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_actions_total",
		Help: "Moderation actions by action and outcome",
	}, []string{"action", "outcome"})

	relayMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Relay messages by path, direction and outcome",
	}, []string{"path", "direction", "outcome"})

	companions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_reachable_companions",
		Help: "Companion nodes reached by the last count push per session",
	}, []string{"session_id"})

	pendingGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "moderation_pending_questions",
		Help: "Pending questions per watched session",
	}, []string{"session_id"})

	storeBatch := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_batch_duration_seconds",
		Help:    "Duration of realtime store batch commits",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moderation_streams_active",
		Help: "Open server-sent event streams",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHits, cacheMisses,
		transitions, relayMessages, companions, pendingGauge, storeBatch, activeStreams, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		transitions:     transitions,
		relayMessages:   relayMessages,
		companions:      companions,
		pendingGauge:    pendingGauge,
		storeBatch:      storeBatch,
		activeStreams:   activeStreams,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordModeration counts one moderation action.
func (m *MetricsService) RecordModeration(action string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcomeLabel(err)).Inc()
}

// ObserveRelayMessage implements relay.Observer.
func (m *MetricsService) ObserveRelayMessage(path, direction, outcome string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(path, direction, outcome).Inc()
}

// SetReachableCompanions records how many companions a session push reached.
func (m *MetricsService) SetReachableCompanions(sessionID string, n int) {
	if m == nil {
		return
	}
	m.companions.WithLabelValues(sessionID).Set(float64(n))
}

// SetPendingCount records the live pending count of a session.
func (m *MetricsService) SetPendingCount(sessionID string, n int) {
	if m == nil {
		return
	}
	m.pendingGauge.WithLabelValues(sessionID).Set(float64(n))
}

// ForgetSession drops per-session series once a session is torn down.
func (m *MetricsService) ForgetSession(sessionID string) {
	if m == nil {
		return
	}
	m.companions.DeleteLabelValues(sessionID)
	m.pendingGauge.DeleteLabelValues(sessionID)
}

// ObserveStoreBatch implements repository.BatchObserver.
func (m *MetricsService) ObserveStoreBatch(op string, _ int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeBatch.WithLabelValues(op, outcomeLabel(err)).Observe(duration.Seconds())
}

// StreamOpened and StreamClosed track live SSE connections.
func (m *MetricsService) StreamOpened() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *MetricsService) StreamClosed() {
	if m != nil {
		m.activeStreams.Dec()
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

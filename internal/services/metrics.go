package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's custom Prometheus metrics. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Chat metrics
	ChatRequests        prometheus.Counter
	ChatFirstChunk      prometheus.Histogram
	ChatRequestLatency  prometheus.Histogram
	ChatErrors          *prometheus.CounterVec
	TTSFailures         prometheus.Counter
	CacheHits           *prometheus.CounterVec
	CacheMisses         *prometheus.CounterVec
	RateLimitedRequests prometheus.Counter
}

// NewMetrics registers the metrics with reg. connManager, when set, backs a
// gauge of currently tracked sessions.
func NewMetrics(reg prometheus.Registerer, connManager *ConnectionManager) *Metrics {
	factory := promauto.With(reg)

	metrics := &Metrics{
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		WebSocketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		ChatRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_chat_requests_total",
			Help: "Total number of chat turns started",
		}),

		ChatFirstChunk: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_chat_first_chunk_seconds",
			Help:    "Time from turn start to the first streamed chunk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		ChatRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_chat_request_duration_seconds",
			Help:    "Chat turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ChatErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		TTSFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_tts_failures_total",
			Help: "Total number of failed speech synthesis attempts",
		}),

		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_cache_hits_total",
			Help: "Cache hits by cache and tier",
		}, []string{"cache", "tier"}),

		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_cache_misses_total",
			Help: "Cache misses that fell through to the authoritative fetch",
		}, []string{"cache"}),

		RateLimitedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rate_limited_total",
			Help: "Chat or audio messages rejected by the per-user rate limit",
		}),
	}

	if connManager != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "chatrelay_websocket_connections_current",
				Help: "Current number of sessions tracked by the connection manager",
			},
			func() float64 {
				return float64(connManager.Count())
			},
		)
	}

	return metrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordChatRequest records a chat request
func (m *Metrics) RecordChatRequest() {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
}

func (m *Metrics) RecordFirstChunk(seconds float64) {
	if m == nil {
		return
	}
	m.ChatFirstChunk.Observe(seconds)
}

// RecordChatLatency records chat request latency
func (m *Metrics) RecordChatLatency(seconds float64) {
	if m == nil {
		return
	}
	m.ChatRequestLatency.Observe(seconds)
}

// RecordChatError records a chat error
func (m *Metrics) RecordChatError(errorType string) {
	if m == nil {
		return
	}
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordTTSFailure() {
	if m == nil {
		return
	}
	m.TTSFailures.Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedRequests.Inc()
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit(cache, tier string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache, tier).Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

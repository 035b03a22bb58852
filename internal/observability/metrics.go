package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	realtimeConnections    prometheus.Gauge
	realtimeConnectsTotal  prometheus.Counter
	realtimeAuthFailures   prometheus.Counter
	signalingMessagesTotal *prometheus.CounterVec
	realtimeDroppedTotal   *prometheus.CounterVec
	notificationsPublished *prometheus.CounterVec
	sseClientsActive       prometheus.Gauge
	callEventsTotal        *prometheus.CounterVec
	callRoomsActive        prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		realtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of open realtime websocket connections on this node.",
		})

		realtimeConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total number of accepted realtime websocket connections.",
		})

		realtimeAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Total number of realtime handshakes rejected for an invalid token.",
		})

		signalingMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_total",
			Help: "Total number of signaling messages handled, by event.",
		}, []string{"event"})

		realtimeDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_dropped_total",
			Help: "Total number of realtime messages dropped, by reason.",
		}, []string{"reason"})

		notificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Total number of notifications published, by type.",
		}, []string{"type"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_sse_clients_active",
			Help: "Number of open notification SSE streams.",
		})

		callEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "call_events_total",
			Help: "Total number of call lifecycle transitions, by status.",
		}, []string{"status"})

		callRoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "call_rooms_active",
			Help: "Number of call rooms with at least one participant on this node.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			realtimeConnections,
			realtimeConnectsTotal,
			realtimeAuthFailures,
			signalingMessagesTotal,
			realtimeDroppedTotal,
			notificationsPublished,
			sseClientsActive,
			callEventsTotal,
			callRoomsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RealtimeConnectionsActive exposes the open websocket gauge.
func RealtimeConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnections
}

// RealtimeConnectionsTotal exposes the accepted websocket counter.
func RealtimeConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return realtimeConnectsTotal
}

// RealtimeAuthFailures exposes the rejected handshake counter.
func RealtimeAuthFailures() prometheus.Counter {
	RegisterMetrics()
	return realtimeAuthFailures
}

// SignalingMessages exposes the per-event signaling counter.
func SignalingMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return signalingMessagesTotal
}

// RealtimeDropped exposes the dropped message counter.
func RealtimeDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDroppedTotal
}

// NotificationsPublishedTotal exposes the notification counter.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublished
}

// SSEClientsActive exposes the SSE stream gauge.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

// CallEvents exposes the call lifecycle counter.
func CallEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return callEventsTotal
}

// CallRoomsActive exposes the active room gauge.
func CallRoomsActive() prometheus.Gauge {
	RegisterMetrics()
	return callRoomsActive
}

// MetricsHandler serves the default registry, in OpenMetrics when the scraper asks for it.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

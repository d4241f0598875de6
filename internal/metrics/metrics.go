// Package metrics wires the broker's counters and timers to
// Prometheus, implementing the broker.Metrics interface so the core
// dispatcher and connection lifecycle stay free of any metrics
// library import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a Prometheus-backed implementation of broker.Metrics.
type Registry struct {
	connConnected      prometheus.Counter
	connLost           prometheus.Counter
	connRejectedNotWS  prometheus.Counter
	connRejectedBadNS  prometheus.Counter
	compressionDeflate prometheus.Counter
	compressionNone    prometheus.Counter
	queueDropped       prometheus.Counter
	dispatchDuration   prometheus.Histogram
	messageBytes       prometheus.Counter
}

// New creates a Registry with all series registered against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer to expose at the process-wide /metrics
// endpoint.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		connConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "WebSocket connections successfully upgraded.",
		}),
		connLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "WebSocket connections that disconnected or failed.",
		}),
		connRejectedNotWS: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "connections",
			Name:      "rejected_not_websocket_total",
			Help:      "Requests to the upgrade endpoint that were not a WebSocket handshake.",
		}),
		connRejectedBadNS: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "connections",
			Name:      "rejected_bad_namespace_total",
			Help:      "Upgrade attempts rejected for a missing or invalid namespace signature.",
		}),
		compressionDeflate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "compression",
			Name:      "deflate_total",
			Help:      "WebSocket upgrade requests that offered permessage-deflate.",
		}),
		compressionNone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "compression",
			Name:      "none_total",
			Help:      "WebSocket upgrade requests that did not offer permessage-deflate.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber queue was full.",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fanout",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent in Dispatcher.Route per inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fanout",
			Subsystem: "dispatch",
			Name:      "message_bytes_total",
			Help:      "Sum of inbound message payload sizes passed to Dispatcher.Route.",
		}),
	}

	reg.MustRegister(
		r.connConnected,
		r.connLost,
		r.connRejectedNotWS,
		r.connRejectedBadNS,
		r.compressionDeflate,
		r.compressionNone,
		r.queueDropped,
		r.dispatchDuration,
		r.messageBytes,
	)
	return r
}

func (r *Registry) IncConnConnected()           { r.connConnected.Inc() }
func (r *Registry) IncConnLost()                { r.connLost.Inc() }
func (r *Registry) IncConnRejectedNotWebsocket() { r.connRejectedNotWS.Inc() }
func (r *Registry) IncConnRejectedBadNamespace() { r.connRejectedBadNS.Inc() }
func (r *Registry) IncCompressionDeflate()       { r.compressionDeflate.Inc() }
func (r *Registry) IncCompressionNone()          { r.compressionNone.Inc() }
func (r *Registry) IncQueueDropped()             { r.queueDropped.Inc() }

func (r *Registry) ObserveDispatch(d time.Duration) {
	r.dispatchDuration.Observe(d.Seconds())
}

func (r *Registry) AddMessageBytes(n int) { r.messageBytes.Add(float64(n)) }

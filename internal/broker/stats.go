package broker

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of Stats, safe to marshal directly
// into the /health response body or otherwise hand off to a caller
// that should not see the counters mutate underneath it.
type Snapshot struct {
	ConnConnected            int64 `json:"conn_connected"`
	ConnLost                 int64 `json:"conn_lost"`
	ConnRejectedNotWebsocket int64 `json:"conn_rejected_not_websocket"`
	ConnRejectedBadNamespace int64 `json:"conn_rejected_bad_namespace"`
	CompressionDeflate       int64 `json:"compression_deflate"`
	CompressionNone          int64 `json:"compression_none"`
	QueueDropped             int64 `json:"queue_dropped"`
	MessageBytes             int64 `json:"message_bytes"`
}

// Stats is the process-wide counter aggregate supplemented from
// stats.py's StatsCollector: the original wires one object that both
// the dispatcher and the socket server increment directly and that
// collect_and_report renders alongside the connection count. Here
// that role is played by a Metrics implementation backed by atomic
// counters instead of a StatsD client, decorating a real sink (the
// Prometheus Registry) so every increment is both recorded for
// /metrics and readable synchronously for /health via Snapshot.
type Stats struct {
	next Metrics

	connConnected            atomic.Int64
	connLost                 atomic.Int64
	connRejectedNotWebsocket atomic.Int64
	connRejectedBadNamespace atomic.Int64
	compressionDeflate       atomic.Int64
	compressionNone          atomic.Int64
	queueDropped             atomic.Int64
	messageBytes             atomic.Int64
}

// NewStats creates a Stats that forwards every increment to next. A
// nil next is replaced with NoopMetrics, so Stats can be used on its
// own wherever only the snapshot, not a real sink, is needed.
func NewStats(next Metrics) *Stats {
	if next == nil {
		next = NoopMetrics()
	}
	return &Stats{next: next}
}

func (s *Stats) IncConnConnected() {
	s.connConnected.Add(1)
	s.next.IncConnConnected()
}

func (s *Stats) IncConnLost() {
	s.connLost.Add(1)
	s.next.IncConnLost()
}

func (s *Stats) IncConnRejectedNotWebsocket() {
	s.connRejectedNotWebsocket.Add(1)
	s.next.IncConnRejectedNotWebsocket()
}

func (s *Stats) IncConnRejectedBadNamespace() {
	s.connRejectedBadNamespace.Add(1)
	s.next.IncConnRejectedBadNamespace()
}

func (s *Stats) IncCompressionDeflate() {
	s.compressionDeflate.Add(1)
	s.next.IncCompressionDeflate()
}

func (s *Stats) IncCompressionNone() {
	s.compressionNone.Add(1)
	s.next.IncCompressionNone()
}

func (s *Stats) IncQueueDropped() {
	s.queueDropped.Add(1)
	s.next.IncQueueDropped()
}

func (s *Stats) ObserveDispatch(d time.Duration) {
	s.next.ObserveDispatch(d)
}

func (s *Stats) AddMessageBytes(n int) {
	s.messageBytes.Add(int64(n))
	s.next.AddMessageBytes(n)
}

// Snapshot reads every counter's current value. Individual fields are
// each read atomically but the Snapshot as a whole is not a single
// atomic transaction, matching collect_and_report's own read-only,
// eventually-consistent view of the original's counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnConnected:            s.connConnected.Load(),
		ConnLost:                 s.connLost.Load(),
		ConnRejectedNotWebsocket: s.connRejectedNotWebsocket.Load(),
		ConnRejectedBadNamespace: s.connRejectedBadNamespace.Load(),
		CompressionDeflate:       s.compressionDeflate.Load(),
		CompressionNone:          s.compressionNone.Load(),
		QueueDropped:             s.queueDropped.Load(),
		MessageBytes:             s.messageBytes.Load(),
	}
}

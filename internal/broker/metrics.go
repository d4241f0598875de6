package broker

import "time"

// Metrics is the set of counters and timers the core emits, consumed
// through a small interface so the dispatcher and connection lifecycle
// stay decoupled from the concrete metrics sink (see internal/metrics).
type Metrics interface {
	IncConnConnected()
	IncConnLost()
	IncConnRejectedNotWebsocket()
	IncConnRejectedBadNamespace()
	IncCompressionDeflate()
	IncCompressionNone()
	IncQueueDropped()
	ObserveDispatch(d time.Duration)
	AddMessageBytes(n int)
}

// NoopMetrics returns a Metrics implementation that discards
// everything, for callers that have no sink to wire in (tests, or a
// server constructed before metrics are ready).
func NoopMetrics() Metrics { return noopMetrics{} }

// noopMetrics discards everything; used when the caller doesn't wire a
// real sink (e.g. in unit tests).
type noopMetrics struct{}

func (noopMetrics) IncConnConnected()           {}
func (noopMetrics) IncConnLost()                {}
func (noopMetrics) IncConnRejectedNotWebsocket() {}
func (noopMetrics) IncConnRejectedBadNamespace() {}
func (noopMetrics) IncCompressionDeflate()       {}
func (noopMetrics) IncCompressionNone()          {}
func (noopMetrics) IncQueueDropped()             {}
func (noopMetrics) ObserveDispatch(time.Duration) {}
func (noopMetrics) AddMessageBytes(int)          {}

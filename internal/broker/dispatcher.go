// Package broker implements the hierarchical namespace dispatcher and
// the per-connection subscriber pump at the core of the fanout
// WebSocket broker: one inbound bus message is routed to every
// subscriber whose namespace is an ancestor of, or equal to, the
// message's namespace.
package broker

import (
	"fmt"
	"sync"
	"time"
)

// Dispatcher maintains {namespace -> ordered list of subscriber
// queues} and routes inbound bus messages to every subscriber whose
// subscription namespace is an ancestor of the message's namespace.
//
// Subscribe/Unsubscribe mutate the map; Route only reads it. All three
// take the same RWMutex so a route call never observes a subscriber
// under some but not all of its ancestor namespaces (go routines are
// preemptible, unlike the source's cooperative greenlets, so this
// mutex is this port's equivalent of "never suspend mid-mutation").
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]*SubscriberQueue

	codec      *FrameCodec
	codecMu    sync.Mutex
	metrics    Metrics
	queueDepth int
}

// NewDispatcher creates an empty Dispatcher. A nil metrics sink is
// replaced with a no-op implementation.
func NewDispatcher(metrics Metrics, queueDepth int) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		subscribers: make(map[string][]*SubscriberQueue),
		codec:       NewFrameCodec(),
		metrics:     metrics,
		queueDepth:  queueDepth,
	}
}

// Subscribe normalizes namespace, creates a new SubscriberQueue, and
// inserts it into the map under every ancestor namespace (including
// namespace itself and the root "/"). Returns the queue so the caller
// can pass it to Unsubscribe later and read from it in the pump.
func (d *Dispatcher) Subscribe(namespace string) (*SubscriberQueue, error) {
	ns, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	q := newSubscriberQueue(d.queueDepth, d.metrics.IncQueueDropped)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ancestor := range ancestors(ns) {
		d.subscribers[ancestor] = append(d.subscribers[ancestor], q)
	}
	return q, nil
}

// Unsubscribe removes q from the list under every ancestor namespace
// of namespace, deleting any list that becomes empty. Idempotent: a
// queue already removed is silently skipped.
func (d *Dispatcher) Unsubscribe(namespace string, q *SubscriberQueue) {
	ns, err := normalizeNamespace(namespace)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ancestor := range ancestors(ns) {
		list := d.subscribers[ancestor]
		idx := indexOfQueue(list, q)
		if idx < 0 {
			continue
		}
		list = append(list[:idx], list[idx+1:]...)
		if len(list) == 0 {
			delete(d.subscribers, ancestor)
		} else {
			d.subscribers[ancestor] = list
		}
	}
}

func indexOfQueue(list []*SubscriberQueue, q *SubscriberQueue) int {
	for i, candidate := range list {
		if candidate == q {
			return i
		}
	}
	return -1
}

// Route builds a Message from namespace and payload (attaching a
// precomputed compressed frame when the payload is large enough to be
// worth it) and enqueues it, in subscription order, into every
// subscriber queue registered under namespace. A full downstream queue
// drops the message for that subscriber only; every other subscriber
// is still attempted.
func (d *Dispatcher) Route(namespace string, payload []byte) {
	start := time.Now()
	defer func() { d.metrics.ObserveDispatch(time.Since(start)) }()
	d.metrics.AddMessageBytes(len(payload))

	msg := Message{Namespace: namespace, Raw: payload}
	if len(payload) >= MinCompressSize {
		frame, err := d.compress(payload)
		if err == nil {
			msg.CompressedFrame = frame
		}
		// Compression failure falls back to uncompressed delivery for
		// this message.
	}

	d.mu.RLock()
	subscribers := d.subscribers[namespace]
	// Copy the subscriber list under the lock: Unsubscribe removes
	// entries from the backing array in place, so the enqueue loop below
	// iterates over this private copy after unlocking.
	targets := make([]*SubscriberQueue, len(subscribers))
	copy(targets, subscribers)
	d.mu.RUnlock()

	for _, q := range targets {
		q.enqueue(msg)
	}
}

func (d *Dispatcher) compress(payload []byte) ([]byte, error) {
	d.codecMu.Lock()
	defer d.codecMu.Unlock()
	return d.codec.CompressedFrame(payload, false)
}

// ConnectionCount sums the subscriber list length across every
// namespace key in the map, exactly as the source's
// get_connection_count does. Because a single subscriber's queue is
// registered under every one of its ancestors, this is not a count of
// distinct connections: a subscriber at namespace depth 3 contributes
// 4 to the sum. Used by /health for parity with the source metric.
func (d *Dispatcher) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := 0
	for _, list := range d.subscribers {
		total += len(list)
	}
	return total
}

// snapshotter is satisfied by *Stats; Dispatcher depends on it only
// through this narrow interface so the decoupling from a concrete
// metrics sink (see the Metrics interface comment) holds even though
// Stats() needs to read counters back out.
type snapshotter interface {
	Snapshot() Snapshot
}

// Stats returns the current counter snapshot for /health and /metrics,
// or a zero Snapshot if the Dispatcher was constructed with a Metrics
// sink that doesn't aggregate (e.g. NoopMetrics in tests).
func (d *Dispatcher) Stats() Snapshot {
	if s, ok := d.metrics.(snapshotter); ok {
		return s.Snapshot()
	}
	return Snapshot{}
}

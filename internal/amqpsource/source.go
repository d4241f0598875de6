// Package amqpsource maintains the broker's AMQP connection: it
// consumes a fanout broadcast exchange and forwards each delivery to
// a Handler, and optionally publishes small JSON status events to a
// topic exchange.
package amqpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// reconnectDelay is the fixed pause between connect attempts. The
// source never grows this backoff and never gives up: a stuck broker
// is expected to come back, and there is no caller to report failure
// to once main has handed control to Run.
const reconnectDelay = time.Second

// Handler receives one decoded (namespace, payload) pair per AMQP
// delivery.
type Handler func(namespace string, payload []byte)

// Config configures one Source.
type Config struct {
	// Endpoint is host:port of the AMQP broker. A literal IPv6 host is
	// rejected by New as a configuration error; host names are accepted
	// without being resolved.
	Endpoint string
	VHost    string
	Username string
	Password string

	// ExchangeBroadcast is the fanout exchange the source consumes.
	ExchangeBroadcast string

	// ExchangeStatus is the topic exchange status events publish to.
	// Ignored when PublishStatus is false.
	ExchangeStatus string
	PublishStatus  bool

	// ConnectionName is sent as the AMQP client connection_name
	// property, surfaced in the broker's management UI.
	ConnectionName string
}

// Source owns the AMQP connection lifecycle: connect, consume,
// reconnect forever on any error.
type Source struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a Source. handler is invoked once per delivery, from
// whatever goroutine Run is running on; it must not block for long
// since it holds up the consume loop.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Source, error) {
	if err := validateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, handler: handler, logger: logger}, nil
}

// validateEndpoint rejects an endpoint that is not a host:port pair or
// whose host is a literal non-IPv4 address. Host names are not resolved,
// so a name that resolves only to IPv6 passes this check.
func validateEndpoint(endpoint string) error {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("amqpsource: invalid endpoint %q: %w", endpoint, err)
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return fmt.Errorf("amqpsource: endpoint %q is not IPv4", endpoint)
	}
	return nil
}

// Run connects and consumes until ctx is canceled. On any connection
// or channel error it sleeps reconnectDelay and tries again,
// indefinitely; there is no retry budget and no backoff growth, since
// a leaf consumer accepts best-effort delivery and message loss across
// a reconnect is acceptable.
func (s *Source) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.runOnce(ctx); err != nil {
			s.logger.Warn("amqp connection lost", "error", err)
		}

		s.clearConn()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Source) runOnce(ctx context.Context) error {
	conn, err := amqp.DialConfig(s.amqpURL(), amqp.Config{
		Vhost:      s.cfg.VHost,
		Properties: amqp.Table{"connection_name": s.cfg.ConnectionName},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.cfg.ExchangeBroadcast, "fanout", false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare broadcast exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// A fanout exchange ignores the routing key; bind with "" as the
	// source's queue.bind does.
	if err := ch.QueueBind(q.Name, "", s.cfg.ExchangeBroadcast, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	if s.cfg.PublishStatus {
		if err := ch.ExchangeDeclare(s.cfg.ExchangeStatus, "topic", false, false, false, false, nil); err != nil {
			return fmt.Errorf("declare status exchange: %w", err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	s.setConn(conn, ch)
	s.logger.Info("amqp connected", "endpoint", s.cfg.Endpoint, "queue", q.Name)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err != nil {
				return err
			}
			return fmt.Errorf("connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			s.handler(d.RoutingKey, d.Body)
		}
	}
}

func (s *Source) amqpURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s/", s.cfg.Username, s.cfg.Password, s.cfg.Endpoint)
}

func (s *Source) setConn(conn *amqp.Connection, ch *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.channel = ch
}

// clearConn nulls the connection and channel handles so PublishStatus
// becomes a silent no-op while disconnected, matching the source's
// close-callback behavior.
func (s *Source) clearConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.channel = nil
}

// statusEvent is the JSON body published for connect/disconnect
// notifications.
type statusEvent struct {
	Namespace string `json:"namespace"`
}

// PublishStatus publishes a websocket.<event> status message for
// namespace to the status exchange. A silent no-op when status
// publishing is disabled or the connection is currently down.
func (s *Source) PublishStatus(event, namespace string) {
	if !s.cfg.PublishStatus {
		return
	}

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}

	body, err := json.Marshal(statusEvent{Namespace: namespace})
	if err != nil {
		s.logger.Warn("status event marshal failed", "error", err)
		return
	}

	routingKey := "websocket." + event
	err = ch.Publish(s.cfg.ExchangeStatus, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		s.logger.Warn("status publish failed", "error", err, "routing_key", routingKey)
	}
}

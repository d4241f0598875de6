// Package wsserver is the broker's HTTP surface: health, quiesce, and
// the WebSocket upgrade endpoint that subscribes a connection into the
// dispatcher and pumps messages to it until it disconnects.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sutrobroker/fanout/internal/broker"
	"github.com/sutrobroker/fanout/internal/signer"
)

// StatusPublisher is the subset of amqpsource.Source the server uses
// to announce connect/disconnect events. Optional: a nil publisher
// disables status publishing entirely.
type StatusPublisher interface {
	PublishStatus(event, namespace string)
}

// Config configures a Server.
type Config struct {
	PingInterval time.Duration
	ShedRate     int
	ShedDelay    time.Duration
}

// Server serves /health, /quiesce, and the WebSocket upgrade endpoint.
type Server struct {
	cfg        Config
	dispatcher *broker.Dispatcher
	signer     *signer.Signer
	metrics    broker.Metrics
	status     StatusPublisher
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	quiesce *quiesceState
}

// New creates a Server wired to dispatcher, signer, and metrics.
// status may be nil to disable status publishing.
func New(cfg Config, d *broker.Dispatcher, s *signer.Signer, m broker.Metrics, status StatusPublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = broker.NoopMetrics()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		signer:     s,
		metrics:    m,
		status:     status,
		logger:     logger,
		upgrader: websocket.Upgrader{
			// permessage-deflate is negotiated by hand in handleUpgrade;
			// the library's own compression support is unused since the
			// dispatcher precomputes one shared frame per message.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quiesce: newQuiesceState(cfg.ShedRate, cfg.ShedDelay),
	}
}

// Mux builds the server's http.ServeMux.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /quiesce", s.handleQuiesce)
	mux.HandleFunc("/", s.handleUpgrade)
	return mux
}

type healthResponse struct {
	Status      string          `json:"status"`
	Connections int             `json:"connections"`
	Stats       broker.Snapshot `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "OK",
		Connections: s.dispatcher.ConnectionCount(),
		Stats:       s.dispatcher.Stats(),
	}
	status := http.StatusOK
	if s.quiesce.isQuiesced() {
		resp.Status = "quiesced"
		status = http.StatusGone
	}
	writeJSON(w, status, resp)
}

type quiesceResponse struct {
	Remaining int `json:"remaining"`
}

func (s *Server) handleQuiesce(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminAuth(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, quiesceResponse{Remaining: s.beginQuiesce()})
}

func (s *Server) beginQuiesce() int {
	return s.quiesce.begin(s.logger, func(conns []*liveConnection, rate int) {
		shedConnections(s.logger, conns, rate)
	})
}

func (s *Server) checkAdminAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return s.signer.CheckAdmin(token)
}

// TriggerQuiesce begins quiescing with auth bypassed, for use by the
// SIGUSR2 signal handler in cmd/fanout.
func (s *Server) TriggerQuiesce() int {
	return s.beginQuiesce()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.metrics.IncConnRejectedNotWebsocket()
		http.Error(w, "you are not a websocket", http.StatusBadRequest)
		return
	}

	clientAddr, ok := clientAddress(r)
	if !ok {
		http.Error(w, "no client address available", http.StatusBadRequest)
		return
	}

	namespace := r.URL.Path
	signature, err := parseSignature(r.URL.RawQuery)
	if err != nil {
		s.metrics.IncConnRejectedBadNamespace()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.signer.ValidateSignature(namespace, signature); err != nil {
		s.metrics.IncConnRejectedBadNamespace()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	compressing := negotiatesDeflate(r.Header.Get("Sec-WebSocket-Extensions"))
	if compressing {
		s.metrics.IncCompressionDeflate()
	} else {
		s.metrics.IncCompressionNone()
	}

	if s.quiesce.isQuiesced() {
		http.Error(w, "quiesced", http.StatusGone)
		return
	}

	responseHeader := http.Header{}
	if compressing {
		responseHeader.Set("Sec-WebSocket-Extensions",
			"permessage-deflate; server_no_context_takeover; client_no_context_takeover")
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", clientAddr)
		return
	}
	defer conn.Close()

	s.serveConnection(r.Context(), conn, namespace, compressing)
}

func (s *Server) serveConnection(parentCtx context.Context, conn *websocket.Conn, namespace string, compressing bool) {
	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID, "namespace", namespace)

	queue, err := s.dispatcher.Subscribe(namespace)
	if err != nil {
		logger.Warn("subscribe failed", "error", err)
		return
	}
	logger.Info("connection established", "compressed", compressing)

	s.metrics.IncConnConnected()
	live := s.quiesce.track(conn)
	defer s.quiesce.untrack(live)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if s.status != nil {
		s.status.PublishStatus("connect", namespace)
	}

	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- broker.Pump(ctx, queue, conn.UnderlyingConn(), conn, broker.PumpConfig{
			PingInterval: s.cfg.PingInterval,
			Compressed:   compressing,
		})
	}()

	// Inbound frames are never meaningful to this server; they are read
	// only to detect when the peer closes the connection.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-readErr:
	case <-pumpDone:
	case <-ctx.Done():
	}

	cancel()
	s.dispatcher.Unsubscribe(namespace, queue)
	s.metrics.IncConnLost()
	logger.Info("connection closed")
	if s.status != nil {
		s.status.PublishStatus("disconnect", namespace)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientAddress returns r's client address, falling back to
// X-Forwarded-For / X-Forwarded-Port when RemoteAddr is unavailable
// (e.g. the listener is a Unix socket behind a reverse proxy).
func clientAddress(r *http.Request) (string, bool) {
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return r.RemoteAddr, true
		}
	}

	forwardedFor := r.Header.Get("X-Forwarded-For")
	forwardedPort := r.Header.Get("X-Forwarded-Port")
	if forwardedFor == "" || forwardedPort == "" {
		return "", false
	}
	host := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	return net.JoinHostPort(host, forwardedPort), true
}

// parseSignature extracts the "m" query parameter using strict
// parsing: any malformed query string is an error, not a best-effort
// partial parse.
func parseSignature(rawQuery string) (string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", err
	}
	sig := values.Get("m")
	if sig == "" {
		return "", errors.New("wsserver: missing signature parameter")
	}
	return sig, nil
}

// negotiatesDeflate reports whether the permessage-deflate token is
// present among the comma-separated Sec-WebSocket-Extensions offers.
func negotiatesDeflate(header string) bool {
	for _, offer := range strings.Split(header, ",") {
		offer = strings.TrimSpace(offer)
		name, _, _ := strings.Cut(offer, ";")
		if strings.TrimSpace(name) == "permessage-deflate" {
			return true
		}
	}
	return false
}

package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sutrobroker/fanout/internal/broker"
	"github.com/sutrobroker/fanout/internal/signer"
)

func newTestServer(t *testing.T) (*Server, *signer.Signer) {
	t.Helper()
	d := broker.NewDispatcher(nil, 4)
	s, err := signer.New([]byte("secret"), "admin-creds")
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	srv := New(Config{PingInterval: time.Minute, ShedRate: 10, ShedDelay: time.Hour}, d, s, nil, nil, discardLogger())
	return srv, s
}

func TestHandleHealth_OK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "OK" {
		t.Errorf("status field = %q, want OK", body.Status)
	}
}

func TestHandleHealth_Quiesced(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.TriggerQuiesce()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "quiesced" {
		t.Errorf("status field = %q, want quiesced", body.Status)
	}
}

func TestHandleQuiesce_RejectsBadCreds(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/quiesce", nil)
	req.Header.Set("Authorization", "Basic wrong-creds")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleQuiesce_RejectsMissingHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/quiesce", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleQuiesce_AcceptsGoodCreds(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/quiesce", nil)
	req.Header.Set("Authorization", "Basic admin-creds")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body quiesceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Remaining != 0 {
		t.Errorf("remaining = %d, want 0 (no live connections)", body.Remaining)
	}
}

func TestHandleQuiesce_Idempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/quiesce", nil)
		r.Header.Set("Authorization", "Basic admin-creds")
		return r
	}

	rec1 := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec1, req())
	rec2 := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec2, req())

	if rec2.Code != http.StatusOK {
		t.Fatalf("second quiesce call status = %d, want 200 (idempotent)", rec2.Code)
	}
}

func TestHandleUpgrade_RejectsNonWebsocket(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/some/namespace", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUpgrade_RejectsNonWebsocketIncrementsMetric(t *testing.T) {
	d := broker.NewDispatcher(nil, 4)
	s, err := signer.New([]byte("secret"), "admin-creds")
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	m := &recordingMetrics{}
	srv := New(Config{PingInterval: time.Minute, ShedRate: 10, ShedDelay: time.Hour}, d, s, m, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/some/namespace", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	if m.rejectedNotWebsocket != 1 {
		t.Fatalf("rejectedNotWebsocket = %d, want 1", m.rejectedNotWebsocket)
	}
}

// recordingMetrics is a minimal broker.Metrics fake for asserting a
// specific counter was incremented on a specific code path.
type recordingMetrics struct {
	rejectedNotWebsocket int
}

func (r *recordingMetrics) IncConnConnected()            {}
func (r *recordingMetrics) IncConnLost()                 {}
func (r *recordingMetrics) IncConnRejectedNotWebsocket()  { r.rejectedNotWebsocket++ }
func (r *recordingMetrics) IncConnRejectedBadNamespace()  {}
func (r *recordingMetrics) IncCompressionDeflate()        {}
func (r *recordingMetrics) IncCompressionNone()           {}
func (r *recordingMetrics) IncQueueDropped()              {}
func (r *recordingMetrics) ObserveDispatch(time.Duration) {}
func (r *recordingMetrics) AddMessageBytes(int)           {}

func TestHandleUpgrade_RejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/some/namespace?m=not-the-right-sig", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", base64.StdEncoding.EncodeToString([]byte("0123456789012345")))
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

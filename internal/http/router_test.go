package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

func newTestServer(t *testing.T, backend Backend) (*httptest.Server, *network.Socket) {
	t.Helper()
	handler := NewHandler(backend, "", nil, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, zap.NewNop(), RouterConfig{}))
	t.Cleanup(srv.Close)
	si := roster.NewServerIdentity(make([]byte, 32), srv.URL)
	return srv, network.NewSocket(si, skipchain.ServiceName)
}

// TestRouter_SocketRoundTrip sends a message through a Socket to a live
// router and decodes the reply.
func TestRouter_SocketRoundTrip(t *testing.T) {
	sb := newTestBlock("round trip")
	_, sock := newTestServer(t, newBackendWith(sb))

	reply := &skipchain.SkipBlock{}
	err := sock.Send(context.Background(), skipchain.MsgGetSingleBlock, skipchain.MsgSkipBlock, &skipchain.GetSingleBlock{ID: sb.Hash}, reply)

	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !reply.Hash.Equal(sb.Hash) {
		t.Errorf("reply hash = %s, want %s", reply.Hash.Short(), sb.Hash.Short())
	}
}

// TestRouter_SocketServiceError verifies that an ErrorReply surfaces as a
// ServiceError unwrapping to the registered sentinel.
func TestRouter_SocketServiceError(t *testing.T) {
	_, sock := newTestServer(t, newBackendWith())

	err := sock.Send(context.Background(), skipchain.MsgGetSingleBlock, skipchain.MsgSkipBlock, &skipchain.GetSingleBlock{ID: []byte{1, 2}}, &skipchain.SkipBlock{})

	var se *network.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("Send() error = %v, want *network.ServiceError", err)
	}
	if se.Status != http.StatusNotFound || se.Code != skipchain.CodeNotFound {
		t.Errorf("ServiceError = %d %s, want 404 %s", se.Status, se.Code, skipchain.CodeNotFound)
	}
	if se.Temporary() {
		t.Error("404 reported as temporary")
	}
	if !errors.Is(err, skipchain.ErrBlockNotFound) {
		t.Errorf("errors.Is(err, ErrBlockNotFound) = false for %v", err)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, newBackendWith())

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "httpRequestsTotal") {
		t.Error("/metrics does not expose httpRequestsTotal")
	}
}

func TestRouter_MessageRequiresPost(t *testing.T) {
	srv, _ := newTestServer(t, newBackendWith())

	resp, err := http.Get(srv.URL + "/Skipchain/GetSingleBlock")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

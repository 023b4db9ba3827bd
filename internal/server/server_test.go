package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/graphloom/chatbridge/internal/bridge"
)

type stubPinger struct {
	latency time.Duration
	err     error
}

func (p *stubPinger) Ping(ctx context.Context) (time.Duration, error) {
	return p.latency, p.err
}

type stubLister struct {
	tools []bridge.ToolDef
	err   error
}

func (l *stubLister) ListTools(ctx context.Context) ([]bridge.ToolDef, error) {
	return l.tools, l.err
}

func newTestServer(t *testing.T, tools ToolLister, db Pinger) *Server {
	t.Helper()
	chat := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv, err := New(nil, Config{ListenAddr: ":0"}, chat, tools, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestNew_RequiresListenAddr(t *testing.T) {
	t.Parallel()

	chat := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if _, err := New(nil, Config{}, chat, nil, nil); err == nil {
		t.Fatalf("empty listen_addr must be rejected")
	}
}

func TestHealth_AlwaysOK(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{}, nil)

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status=%q, want ok", resp.Status)
	}
	if resp.Goroutines <= 0 {
		t.Fatalf("goroutines=%d, want positive", resp.Goroutines)
	}
}

func TestHealthDB_ReachableAndUnreachable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{}, &stubPinger{latency: 12 * time.Millisecond})
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/db", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var ok dbHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok.Status != "ok" || ok.LatencyMs != 12 {
		t.Fatalf("resp=%+v, want ok with latency", ok)
	}

	srv = newTestServer(t, &stubLister{}, &stubPinger{err: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/db", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	var bad dbHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bad); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bad.Error != "connection refused" {
		t.Fatalf("error=%q, want ping error text", bad.Error)
	}
}

func TestHealthDB_NotConfigured(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{}, nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/db", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503 when unconfigured", rec.Code)
	}
}

func TestTools_ReturnsCatalog(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{tools: []bridge.ToolDef{
		{Name: "search", Description: "find things"},
	}}, nil)

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var resp struct {
		Tools []bridge.ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tools) != 1 || resp.Tools[0].Name != "search" {
		t.Fatalf("tools=%+v, want the stubbed catalog", resp.Tools)
	}
}

func TestTools_GatewayFailureIs503(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{err: errors.New("gateway down")}, nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestChatRouteIsWired(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubLister{}, nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want stub chat handler to answer", rec.Code)
	}
}

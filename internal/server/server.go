// Package server wires the HTTP surface: the streaming chat endpoint, the
// tool catalog listing, and the health endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/graphloom/chatbridge/internal/bridge"
)

// Pinger reports reachability of the graph database behind the tool host.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// ToolLister exposes the gateway's filtered catalog for the listing endpoint.
type ToolLister interface {
	ListTools(ctx context.Context) ([]bridge.ToolDef, error)
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("server: listen_addr is required")
	}
	return nil
}

type Server struct {
	log  *slog.Logger
	cfg  Config
	http *http.Server
}

func New(log *slog.Logger, cfg Config, chat http.Handler, tools ToolLister, db Pinger) (*Server, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{log: log, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Post("/api/chat", chat.ServeHTTP)
	r.Get("/api/tools", s.handleTools(tools))
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/health/db", s.handleHealthDB(db))

	// ReadTimeout stays zero: the chat endpoint holds its connection open
	// for the lifetime of the model turn.
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// swallowed so a clean shutdown reads as a nil return.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "component", "server", "addr", s.cfg.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per completed request. The chat endpoint's
// line appears when the stream ends, not when it starts.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"component", "server",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

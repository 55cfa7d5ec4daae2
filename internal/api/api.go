// Package api provides the relay's HTTP server.
//
// It receives Twilio webhooks and exposes relay sessions, health and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/metrics"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Server timeouts.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Twilio *messaging.TwilioService
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio webhook of svc at POST /webhook/twilio.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(o *Opts) {
		o.Twilio = svc
	}
}

// Server serves the relay HTTP API.
type Server struct {
	st     store.Store
	addr   string
	twilio *messaging.TwilioService
	mux    *http.ServeMux
}

// NewServer creates a Server reading sessions from st.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, addr: cfg.Addr, twilio: cfg.Twilio, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.twilio != nil {
		s.mux.HandleFunc("POST /webhook/twilio", s.twilio.WebhookHandler)
	}
	s.mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	s.mux.HandleFunc("GET /sessions/{id}/transcript", s.transcriptHandler)
	s.mux.HandleFunc("GET /sessions/{id}/result", s.resultHandler)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API stopped")
	return nil
}

// Package gateway is the runtime's client-facing surface: websocket
// sessions with reconnectable outbound queues, the turn runner that
// drives the agent loop, and the HTTP shell exposing /ws, /healthz,
// and /metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/famulus-ai/famulus/internal/agent/routing"
	"github.com/famulus-ai/famulus/internal/config"
	"github.com/famulus-ai/famulus/internal/observability"
	"github.com/famulus-ai/famulus/internal/store"
	"github.com/famulus-ai/famulus/internal/work"
	"github.com/famulus-ai/famulus/pkg/models"
)

// RouterFactory builds a model router from current settings. The
// server calls it at startup and again whenever a model key changes;
// in-flight turns keep the router they captured.
type RouterFactory func() *routing.Router

// Options wires a Server.
type Options struct {
	Store         store.Store
	Config        *config.Registry
	Runner        *Runner
	Work          *work.Registry
	RouterFactory RouterFactory
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Server is the HTTP shell around the session hub.
type Server struct {
	store   store.Store
	config  *config.Registry
	runner  *Runner
	hub     *Hub
	work    *work.Registry
	factory RouterFactory
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer assembles the gateway. Start brings it up.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	return &Server{
		store:   opts.Store,
		config:  opts.Config,
		runner:  opts.Runner,
		hub:     NewHub(opts.Runner, opts.Metrics, logger),
		work:    opts.Work,
		factory: opts.RouterFactory,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Start builds the initial router, subscribes to model-key changes,
// connects work registry broadcasts to the hub, and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.runner.SetRouter(s.factory())
	go s.watchConfig(ctx, s.config.Subscribe())

	s.work.SetBroadcast(func(item *models.WorkItem) {
		s.hub.Broadcast(Event{Type: EventWorkItemUpdate, Item: item, Status: string(item.Status)})
		if s.metrics != nil {
			counts := s.work.StatusCounts()
			s.metrics.WorkItemsChanged(counts[models.WorkPending], counts[models.WorkRunning])
		}
	})

	s.hub.Start(ctx)

	addr := net.JoinHostPort(s.config.Get(config.KeyHost), s.config.Get(config.KeyPort))
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down and closes every session.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
		s.httpServer = nil
		s.listener = nil
	}
	s.hub.Close()
}

// watchConfig rebuilds the router when a model key changes. Other keys
// are read fresh each turn and need no reaction here.
func (s *Server) watchConfig(ctx context.Context, ch <-chan config.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if !config.IsModelKey(change.Key) {
				continue
			}
			s.logger.Info("model settings changed, rebuilding router", "key", change.Key)
			s.runner.SetRouter(s.factory())
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

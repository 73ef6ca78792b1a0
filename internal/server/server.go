// Package server is the HTTP and WebSocket surface of the bridge process.
//
// One listener carries everything: the telephony media WebSocket, the
// escalation and flow-turn webhooks, health probes, and the Prometheus
// scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/health"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

// defaultShutdownTimeout bounds the graceful drain on exit.
const defaultShutdownTimeout = 15 * time.Second

// Config holds the listener settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// ShutdownTimeout bounds the graceful drain on exit. Zero means the
	// default of 15 seconds.
	ShutdownTimeout time.Duration
}

// Deps are the wired components the routes delegate to.
type Deps struct {
	// Registry holds the live bridge sessions; closed out on shutdown.
	Registry *bridge.Registry

	// Dialer opens the agent link for a starting session.
	Dialer bridge.AgentDialer

	// SessionOptions are applied to every accepted telephony session
	// (lifecycle hooks, metrics).
	SessionOptions []bridge.SessionOption

	// Escalation serves POST /escalation.
	Escalation http.Handler

	// Flow drives conversation turns; Conversations resolves them.
	Flow          *flow.Manager
	Conversations *flow.Store

	// Health serves the liveness and readiness probes.
	Health *health.Handler

	// Metrics is the middleware metrics sink. Nil means the process default.
	Metrics *observe.Metrics
}

// Server ties the routes to one http.Server.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
}

// New builds the Server and its route table.
func New(cfg Config, deps Deps) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	s := &Server{cfg: cfg, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleTelephony)
	if deps.Escalation != nil {
		mux.Handle("POST /escalation", deps.Escalation)
	}
	mux.HandleFunc("POST /flows/turn", s.handleFlowTurn)
	if deps.Health != nil {
		deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: observe.Middleware(deps.Metrics)(mux),
	}
	return s
}

// Handler exposes the assembled route table; mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then drains: graceful HTTP shutdown
// followed by termination of any bridge sessions still running.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observe.Logger(ctx).Info("listening", "addr", s.cfg.Addr, "tls", s.cfg.CertFile != "")
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := s.http.Shutdown(shutdownCtx)

		if s.deps.Registry != nil {
			s.deps.Registry.CloseAll()
		}
		if err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

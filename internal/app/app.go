// Package app wires the bridge subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithLLMProvider,
// WithBookingClient, etc.). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taliaworks/pipecat-bridge/internal/agentlink"
	"github.com/taliaworks/pipecat-bridge/internal/booking"
	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/config"
	"github.com/taliaworks/pipecat-bridge/internal/escalation"
	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/health"
	"github.com/taliaworks/pipecat-bridge/internal/knowledge"
	"github.com/taliaworks/pipecat-bridge/internal/resilience"
	"github.com/taliaworks/pipecat-bridge/internal/search"
	"github.com/taliaworks/pipecat-bridge/internal/server"
	"github.com/taliaworks/pipecat-bridge/internal/stats"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
)

// defaultCatalogPaths are probed in order when catalog.path is not
// configured.
var defaultCatalogPaths = []string{
	"data/catalog.json",
	"configs/catalog.json",
	"/etc/pipecat-bridge/catalog.json",
}

// App owns all subsystem lifetimes of the bridge process.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	searcher search.Searcher
	index    *search.Index
	bookings booking.Client
	orch     *booking.Orchestrator
	provider llm.Provider
	pool     *pgxpool.Pool
	statsDB  stats.DB
	writer   *stats.Writer
	infoDesk *knowledge.Agent
	manager  *flow.Manager
	convs    *flow.Store
	registry *bridge.Registry
	srv      *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSearcher injects a catalog searcher instead of loading the catalog
// file.
func WithSearcher(s search.Searcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithBookingClient injects a booking backend client instead of creating the
// HTTP one from config.
func WithBookingClient(c booking.Client) Option {
	return func(a *App) { a.bookings = c }
}

// WithLLMProvider injects the LLM backend instead of building it through the
// provider registry.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStatsDB injects the stats database handle instead of opening a
// PostgreSQL pool.
func WithStatsDB(db stats.DB) Option {
	return func(a *App) { a.statsDB = db }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the process: catalog search, booking orchestrator, LLM backend,
// stats writer, flow engine, bridge registry, and the HTTP/WS server. The
// provider registry reg resolves cfg.LLM entries; main registers the
// built-in backends before calling New.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Service catalog ───────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Booking backend ───────────────────────────────────────────────
	if err := a.initBooking(); err != nil {
		return nil, fmt.Errorf("app: init booking: %w", err)
	}

	// ── 3. LLM backend ───────────────────────────────────────────────────
	if err := a.initLLM(reg); err != nil {
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	// ── 4. Call statistics ───────────────────────────────────────────────
	if err := a.initStats(ctx); err != nil {
		return nil, fmt.Errorf("app: init stats: %w", err)
	}

	// ── 5. Flow engine ───────────────────────────────────────────────────
	a.infoDesk = knowledge.NewAgent(a.provider, cfg.LLM.AssistantID, nil)
	graph := flow.NewGraph(flow.NewHandlers(a.searcher, a.orch, a.infoDesk, nil))
	a.manager = flow.NewManager(a.provider, graph)
	a.convs = flow.NewStore()

	// ── 6. Bridge + server ───────────────────────────────────────────────
	a.registry = bridge.NewRegistry()
	a.srv = server.New(a.serverConfig(), a.serverDeps())

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCatalog loads the fuzzy-search index over the medical service catalog,
// probing well-known locations when no path is configured.
func (a *App) initCatalog() error {
	if a.searcher != nil {
		return nil
	}

	path := a.cfg.Catalog.Path
	if path == "" {
		path = probeCatalogPath()
		if path == "" {
			return fmt.Errorf("no catalog file found; set catalog.path or DATA_FILE_PATH")
		}
	}

	ix, err := search.NewIndex(path)
	if err != nil {
		return err
	}
	a.index = ix
	a.searcher = ix
	a.closers = append(a.closers, func() error {
		ix.Stop()
		return nil
	})

	slog.Info("catalog loaded", "path", path, "services", ix.Current().Len())
	return nil
}

// initBooking creates the reservation backend client and its orchestrator.
func (a *App) initBooking() error {
	if a.bookings == nil {
		if a.cfg.Booking.BaseURL == "" {
			return fmt.Errorf("booking.base_url is required")
		}
		client, err := booking.NewHTTPClient(a.cfg.Booking.BaseURL, booking.HTTPOptions{
			APIKey: a.cfg.Booking.APIKey,
		})
		if err != nil {
			return err
		}
		a.bookings = client
	}

	a.orch = booking.NewOrchestrator(a.bookings)
	return nil
}

// initLLM resolves the primary backend from the registry and stacks the
// configured fallbacks behind it. Even a single backend goes through the
// fallback group so it gets a circuit breaker.
func (a *App) initLLM(reg *config.Registry) error {
	if a.provider != nil {
		return nil
	}
	if a.cfg.LLM.Provider.Name == "" {
		return fmt.Errorf("llm.provider is required")
	}

	primary, err := reg.CreateLLM(a.cfg.LLM.Provider)
	if err != nil {
		return err
	}

	fb := resilience.NewLLMFallback(primary, a.cfg.LLM.Provider.Name, resilience.FallbackConfig{})
	for _, entry := range a.cfg.LLM.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("registered LLM fallback", "name", entry.Name, "model", entry.Model)
	}
	a.provider = fb
	return nil
}

// initStats connects the call-statistics store. A missing database is not an
// error: the bridge runs without recording. Migration failures are logged
// and the writer kept; individual writes degrade on their own.
func (a *App) initStats(ctx context.Context) error {
	if a.statsDB == nil {
		dsn := a.cfg.Database.DSN()
		if dsn == "" {
			slog.Warn("database not configured; call statistics disabled")
			return nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.pool = pool
		a.statsDB = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	a.writer = stats.NewWriter(a.statsDB, nil)
	if err := a.writer.Migrate(ctx); err != nil {
		slog.Warn("stats migration failed; writes may degrade", "err", err)
	}
	return nil
}

// ─── Server assembly ─────────────────────────────────────────────────────────

func (a *App) serverConfig() server.Config {
	cfg := server.Config{Addr: a.cfg.Server.ListenAddr}
	if tls := a.cfg.Server.TLS; tls != nil {
		cfg.CertFile = tls.CertFile
		cfg.KeyFile = tls.KeyFile
	}
	return cfg
}

func (a *App) serverDeps() server.Deps {
	agentURL := a.cfg.Agent.URL
	dial := func(ctx context.Context, params agentlink.Params) (bridge.AgentLink, error) {
		return agentlink.Dial(ctx, agentURL, params)
	}

	lookup := func(streamSID string) escalation.Session {
		if s := a.registry.Lookup(streamSID); s != nil {
			return s
		}
		return nil
	}
	var marker escalation.StatsMarker
	if a.writer != nil {
		marker = a.writer
	}

	hooks := &lifecycleHooks{writer: a.writer, manager: a.manager, convs: a.convs}

	return server.Deps{
		Registry:       a.registry,
		Dialer:         dial,
		SessionOptions: []bridge.SessionOption{bridge.WithHooks(hooks)},
		Escalation:     escalation.NewController(lookup, marker),
		Flow:           a.manager,
		Conversations:  a.convs,
		Health:         health.New("pipecat-bridge", a.healthCheckers()...),
	}
}

// healthCheckers builds the /readyz probes: the catalog must hold services
// and, when configured, the database must answer a ping.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "catalog",
		Check: func(context.Context) error {
			if a.index != nil && a.index.Current().Len() == 0 {
				return errors.New("catalog is empty")
			}
			return nil
		},
	}}

	if a.pool != nil {
		pool := a.pool
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: pool.Ping,
		})
	}
	return checkers
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.srv.Run(ctx)
}

// Shutdown tears down subsystems in reverse initialisation order. Safe to
// call more than once.
func (a *App) Shutdown(context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// probeCatalogPath returns the first default catalog location that exists.
func probeCatalogPath() string {
	for _, p := range defaultCatalogPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

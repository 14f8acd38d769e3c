package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"uibridge/internal/bridge"
	"uibridge/internal/config"
	"uibridge/internal/frontend"
	"uibridge/internal/mcpserver"
	"uibridge/internal/query"
	"uibridge/internal/server"
	"uibridge/pkg/logging"
)

// shutdownGrace is how long in-flight HTTP requests get to drain after a
// termination signal.
const shutdownGrace = 2 * time.Second

// Application bootstraps and runs the bridge: it wires the session
// registry, pending-call table, query engine and both transport handlers
// into one HTTP server and owns their lifecycle.
type Application struct {
	cfg     config.Config
	version string

	registry *bridge.Registry
	pending  *bridge.PendingCalls
	queries  *query.Engine
	store    *mcpserver.SessionStore
	fanout   *mcpserver.Fanout
	httpSrv  *http.Server
}

// Config carries the bootstrap options from the CLI.
type Config struct {
	Debug      bool
	ConfigPath string
}

// NewApplication loads configuration, initializes logging, and wires all
// components. The returned application is ready to Run.
func NewApplication(bootCfg Config, version string) (*Application, error) {
	level := logging.LevelInfo
	if bootCfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	configPath := bootCfg.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := bridge.NewRegistry()
	pending := bridge.NewPendingCalls()
	queries := query.NewEngine(registry, query.NewAgentClient(cfg.AgentURL), cfg.QueryRetention.Std())
	store := mcpserver.NewSessionStore()

	ws := frontend.NewHandler(registry, pending, queries, cfg.Name, version)
	mcp := mcpserver.NewHandler(registry, pending, queries, store, cfg.CallTimeout.Std(), cfg.Name, version)
	srv := server.New(registry, queries, ws, mcp, cfg.Name, cfg.Description, version)

	return &Application{
		cfg:      cfg,
		version:  version,
		registry: registry,
		pending:  pending,
		queries:  queries,
		store:    store,
		fanout:   mcpserver.NewFanout(registry, store, queries),
		httpSrv: &http.Server{
			Addr:    cfg.Addr(),
			Handler: srv.Handler(),
		},
	}, nil
}

// Run serves until the context is cancelled, then drains and tears down.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.fanout.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logging.Info("App", "Bridge %s listening on %s", a.version, a.cfg.Addr())
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown stops accepting requests, drains for the grace period, then
// closes every live frontend channel and consumer stream.
func (a *Application) shutdown() {
	logging.Info("App", "Shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.httpSrv.Shutdown(drainCtx); err != nil {
		logging.Warn("App", "Drain incomplete: %v", err)
	}

	a.registry.ForEach(func(s *bridge.Session) bool {
		s.Close(websocket.CloseGoingAway, "bridge shutting down")
		return true
	})
	a.store.CloseAll()
	a.pending.Stop()
	a.queries.Stop()
}

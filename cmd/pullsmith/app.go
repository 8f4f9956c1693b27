package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/agent/builtin"
	"github.com/pullsmith/pullsmith/bus"
	"github.com/pullsmith/pullsmith/config"
	"github.com/pullsmith/pullsmith/engine"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/gateway"
	"github.com/pullsmith/pullsmith/httpapi"
	"github.com/pullsmith/pullsmith/llm"
	"github.com/pullsmith/pullsmith/predict"
	"github.com/pullsmith/pullsmith/prefs"
	"github.com/pullsmith/pullsmith/publisher"
	"github.com/pullsmith/pullsmith/realtime"
	"github.com/pullsmith/pullsmith/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	nc             *nats.Conn
	js             jetstream.JetStream

	// Separate persistence cluster, when bus.db_url points elsewhere.
	dbConn *nats.Conn
	dbJS   jetstream.JetStream

	// Components, in start order.
	store      *storage.Store
	hub        *realtime.Hub
	engine     *engine.Engine
	rules      *config.RepoRulesWatcher
	httpServer *http.Server
	httpAddr   string
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Start initializes and starts all components in dependency order.
func (a *App) Start(ctx context.Context) error {
	// Bus first; everything else hangs off it.
	if err := a.startBus(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	store, err := storage.NewStore(ctx, a.storeJS())
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	forgeClient, err := a.buildForge()
	if err != nil {
		return fmt.Errorf("build forge client: %w", err)
	}

	llmClient, err := llm.NewClient(llm.Config{
		Provider:    a.cfg.LLM.Provider,
		Model:       a.cfg.LLM.Model,
		Timeout:     a.cfg.LLM.Timeout,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Temperature: &a.cfg.LLM.Temperature,
	}, llm.WithLogger(a.logger), llm.WithRecorder(store.Analytics))
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	prefStore := prefs.NewStore(store.Preferences, store.Analytics, a.logger)
	predictor := predict.NewPredictor(store.Predictors, store.Analytics, a.logger)

	a.hub = realtime.NewHub(realtime.Config{
		AuthSecret:        a.cfg.Realtime.AuthSecret,
		HeartbeatInterval: a.cfg.Realtime.HeartbeatInterval,
	}, a.nc, a.logger)
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("start realtime hub: %w", err)
	}

	registry, err := builtin.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	orch, err := agent.NewOrchestrator(registry, store.Runs, &agent.Services{
		LLM:      llmClient,
		Forge:    forgeClient,
		Prefs:    prefStore,
		Notifier: a.hub,
		Logger:   a.logger,
	}, agent.Limits{
		MaxAgentsPerWorkflow: int64(a.cfg.Engine.MaxAgentsPerWorkflow),
		GlobalAgentLimit:     int64(a.cfg.Engine.GlobalAgentLimit),
		TokenBudget:          int64(a.cfg.LLM.WorkflowBudget),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	pub := publisher.New(forgeClient, store.Artifacts, a.hub, a.logger)

	eng, err := engine.New(engine.Config{
		MaxConcurrentWorkflows: a.cfg.Engine.MaxConcurrentWorkflows,
		Debounce:               a.cfg.Engine.Debounce,
	}, engine.Deps{
		NC:           a.nc,
		JS:           a.js,
		Store:        store,
		Forge:        forgeClient,
		Orchestrator: orch,
		Publisher:    pub,
		Prefs:        prefStore,
		Predictor:    predictor,
		Notifier:     a.hub,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.engine = eng

	gatewayOpts := gateway.Options{Files: forgeClient, Logger: a.logger}
	if a.cfg.HTTP.ReposFile != "" {
		rules, err := config.NewRepoRulesWatcher(a.cfg.HTTP.ReposFile, a.logger)
		if err != nil {
			return fmt.Errorf("load repo rules: %w", err)
		}
		if err := rules.Start(ctx); err != nil {
			return fmt.Errorf("start repo rules watcher: %w", err)
		}
		a.rules = rules
		gatewayOpts.Rules = rules
	}
	gw := gateway.New(a.cfg.App.WebhookSecret, eng, store.Triggers, gatewayOpts)

	api := httpapi.New(httpapi.Deps{
		Store:     store,
		Engine:    eng,
		Predictor: predictor,
		Prefs:     prefStore,
		Webhooks:  gw,
		Realtime:  a.hub,
		NC:        a.nc,
		Logger:    a.logger,
	})

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.httpAddr = ln.Addr().String()
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("HTTP server listening", slog.String("addr", a.httpAddr))

	return nil
}

// startBus connects to NATS, starting an embedded server when no URL is
// configured, and ensures the streams exist on every cluster in play.
func (a *App) startBus(ctx context.Context) error {
	if a.cfg.Bus.URL != "" && !a.cfg.Bus.Embedded {
		a.logger.Info("Connecting to NATS", slog.String("url", a.cfg.Bus.URL))
		nc, js, err := bus.Connect(a.cfg.Bus.URL, appName, a.logger)
		if err != nil {
			return err
		}
		a.nc, a.js = nc, js
	} else {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		storeDir := filepath.Join(dir, appName, "nats")
		a.logger.Info("Starting embedded NATS server", slog.String("store_dir", storeDir))
		ns, err := bus.StartEmbedded(storeDir)
		if err != nil {
			return err
		}
		a.embeddedServer = ns
		nc, js, err := bus.Connect(ns.ClientURL(), appName, a.logger)
		if err != nil {
			return err
		}
		a.nc, a.js = nc, js
	}

	if err := bus.EnsureStreams(ctx, a.js); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	if a.cfg.Bus.DBURL != "" && a.cfg.Bus.DBURL != a.cfg.Bus.URL {
		a.logger.Info("Connecting to persistence NATS", slog.String("url", a.cfg.Bus.DBURL))
		dbConn, dbJS, err := bus.Connect(a.cfg.Bus.DBURL, appName+"-db", a.logger)
		if err != nil {
			return err
		}
		a.dbConn = dbConn
		a.dbJS = dbJS
		if err := bus.EnsureStreams(ctx, dbJS); err != nil {
			return fmt.Errorf("ensure streams on persistence cluster: %w", err)
		}
	}

	return nil
}

// storeJS returns the JetStream context backing the KV buckets and the
// analytics stream. Defaults to the main cluster.
func (a *App) storeJS() jetstream.JetStream {
	if a.dbJS != nil {
		return a.dbJS
	}
	return a.js
}

// buildForge selects the provider client. App credentials win over a
// static token; no base URL at all means the in-memory fake, which
// keeps local development working without provider access.
func (a *App) buildForge() (forge.Client, error) {
	if a.cfg.Forge.BaseURL == "" {
		a.logger.Warn("No forge base URL configured; using the in-memory fake provider")
		return forge.NewFake(), nil
	}

	var tokens forge.TokenSource
	if a.cfg.App.ID != "" && a.cfg.App.PrivateKey != "" {
		ts, err := forge.NewAppTokenSource(a.cfg.App.ID, a.cfg.App.PrivateKey, a.cfg.Forge.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse app private key: %w", err)
		}
		tokens = ts
	} else {
		tokens = forge.StaticTokenSource(a.cfg.Forge.Token)
	}

	budget := forge.NewBudget(a.store.RateBudgets, a.logger)
	return forge.NewHTTPClient(a.cfg.Forge.BaseURL, tokens, budget, a.logger), nil
}

// Shutdown gracefully stops all components in reverse start order.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown", slog.String("error", err.Error()))
		}
	}
	if a.rules != nil {
		_ = a.rules.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.dbConn != nil {
		a.dbConn.Drain()
		a.dbConn.Close()
	}
	if a.nc != nil {
		a.nc.Drain()
		a.nc.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

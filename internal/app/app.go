package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webinteract/internal/domain"
	"webinteract/internal/infra/bridge"
	"webinteract/internal/infra/catalog"
	"webinteract/internal/infra/correlator"
	"webinteract/internal/infra/gateway"
	"webinteract/internal/infra/session"
	"webinteract/internal/infra/telemetry"
	"webinteract/internal/infra/transport"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type Options struct {
	Config Config
	// ConfigPath enables reload on change when set.
	ConfigPath string
	Logger     *zap.Logger
	// Registry receives the service metrics. A private registry is used when nil.
	Registry *prometheus.Registry
}

// App wires the bridge components behind one HTTP listener.
type App struct {
	mu         sync.Mutex
	cfg        Config
	configPath string
	logger     *zap.Logger

	registry *prometheus.Registry
	metrics  *telemetry.PrometheusMetrics
	health   *telemetry.HealthTracker
	store    *catalogStore
	fetcher  *catalog.Fetcher
	sessions *session.Registry
	calls    *correlator.Correlator
	bridge   *bridge.Bridge
	gateway  *gateway.Gateway
	ws       *transport.WebSocketHandler
	origins  *originList
	handler  http.Handler
}

func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	a := &App{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger.Named("app"),
		registry:   registry,
		metrics:    telemetry.NewPrometheusMetrics(registry),
		health:     telemetry.NewHealthTracker(),
		origins:    newOriginList(cfg.AllowedOrigins),
	}

	store, err := openCatalogStore(cfg.Catalog, a.logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.sessions = session.NewRegistry(session.RegistryOptions{Logger: logger})
	a.calls, err = correlator.New(correlator.Options{
		Sessions:       a.sessions,
		DefaultTimeout: cfg.Call.Timeout,
		Metrics:        a.metrics,
		Logger:         logger,
	})
	if err != nil {
		_ = store.close()
		return nil, err
	}
	a.sessions.AddListener(a.calls)
	a.sessions.AddListener(domain.SessionListenerFunc(func(domain.SessionEvent) {
		a.metrics.SetActiveSessions(a.sessions.Len())
	}))

	a.fetcher = catalog.NewFetcher(catalog.FetcherOptions{
		Client:       &http.Client{},
		Cache:        store.cache,
		Settings:     catalogSettings(cfg.Catalog),
		ToolsPath:    cfg.Catalog.ToolsPath,
		MaxBodyBytes: cfg.Catalog.MaxBodyBytes,
		Metrics:      a.metrics,
		Logger:       logger,
	})

	a.bridge, err = bridge.New(bridge.Options{
		Catalog:     a.fetcher,
		Invoker:     a.calls,
		Sessions:    a.sessions,
		Origins:     bridge.SessionOriginResolver{Sessions: a.sessions, DefaultOrigin: cfg.Catalog.DefaultOrigin},
		CallTimeout: cfg.Call.Timeout,
		Logger:      logger,
	})
	if err != nil {
		_ = store.close()
		return nil, err
	}

	a.gateway, err = gateway.New(gateway.Options{
		Tools:    a.bridge,
		Sessions: a.sessions,
		Name:     "webinteract",
		Version:  Version,
		Logger:   logger,
	})
	if err != nil {
		_ = store.close()
		return nil, err
	}
	a.sessions.AddListener(a.gateway)

	a.ws, err = transport.NewWebSocketHandler(transport.WebSocketOptions{
		Sessions:        a.sessions,
		Results:         a.calls,
		OnToolsChanged:  a.gateway.Refresh,
		AllowedOrigins:  cfg.AllowedOrigins,
		SendQueueSize:   cfg.Session.SendQueueSize,
		WriteTimeout:    cfg.Session.WriteTimeout,
		PongWait:        cfg.Session.PongWait,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		FramesPerSecond: cfg.Session.FramesPerSecond,
		FrameBurst:      cfg.Session.FrameBurst,
		Logger:          logger,
	})
	if err != nil {
		_ = store.close()
		return nil, err
	}
	a.sessions.AddListener(a.ws)

	a.handler = newRouter(routerOptions{
		MCPPath:         cfg.MCPPath,
		WSPath:          cfg.WSPath,
		AllowOrigin:     a.origins.Allows,
		SecurityHeaders: cfg.SecurityHeaders,
		MCP:             a.gateway.Handler(),
		WS:              a.ws,
		Logger:          logger,
	})
	return a, nil
}

func catalogSettings(cfg CatalogConfig) catalog.Settings {
	return catalog.Settings{
		CacheEnabled:      cfg.CacheEnabled,
		TTL:               cfg.CacheTTL,
		FetchTimeout:      cfg.FetchTimeout,
		ServeStaleOnError: cfg.ServeStaleOnError,
	}
}

// Handler serves the agent gateway and the browser socket.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

func (a *App) Sessions() *session.Registry {
	return a.sessions
}

// ApplyConfig applies the reloadable subset of cfg. Listener addresses,
// paths and the catalog store need a restart.
func (a *App) ApplyConfig(cfg Config) {
	a.fetcher.UpdateSettings(catalogSettings(cfg.Catalog))
	a.calls.SetDefaultTimeout(cfg.Call.Timeout)
	a.bridge.SetCallTimeout(cfg.Call.Timeout)
	a.origins.Set(cfg.AllowedOrigins)
	a.ws.SetAllowedOrigins(cfg.AllowedOrigins)

	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()
	if prev.ListenAddress != cfg.ListenAddress || prev.MCPPath != cfg.MCPPath || prev.WSPath != cfg.WSPath ||
		prev.Catalog.Store != cfg.Catalog.Store || prev.Observability != cfg.Observability {
		a.logger.Warn("listener, path, store or observability changes take effect after restart")
	}
	a.logger.Info("runtime settings applied",
		zap.Duration("cacheTTL", cfg.Catalog.CacheTTL),
		zap.Duration("fetchTimeout", cfg.Catalog.FetchTimeout),
		zap.Duration("callTimeout", cfg.Call.Timeout),
		zap.Strings("allowedOrigins", cfg.AllowedOrigins),
	)
}

// Serve runs the listeners until ctx is done, then drains connections.
func (a *App) Serve(ctx context.Context) error {
	addr := a.config().ListenAddress
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.ServeListener(ctx, listener)
}

func (a *App) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, listener net.Listener) error {
	defer a.close()
	cfg := a.config()

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("listening",
			zap.String("addr", listener.Addr().String()),
			zap.String("mcpPath", cfg.MCPPath),
			zap.String("wsPath", cfg.WSPath),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(domain.DefaultShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := a.ws.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("websocket drain incomplete", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          cfg.Observability.ListenAddress,
			EnableMetrics: cfg.Observability.Metrics,
			EnableHealthz: cfg.Observability.Healthz,
			Health:        a.health,
			Registry:      a.registry,
		}, a.logger)
	})
	group.Go(func() error {
		a.refreshLoop(ctx)
		return nil
	})
	if a.configPath != "" {
		watcher := NewConfigWatcher(a.configPath, NewConfigLoader(a.logger), a.ApplyConfig, a.logger)
		group.Go(func() error {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn("config reload disabled", zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

// refreshLoop publishes gauges and the health of the session layer and the
// catalog store.
func (a *App) refreshLoop(ctx context.Context) {
	interval := time.Duration(domain.DefaultMetricsRefreshSeconds) * time.Second
	beat := a.health.Register("sessions", 3*interval)
	defer a.health.Unregister("sessions")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.refresh(ctx, beat)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) refresh(ctx context.Context, beat *telemetry.Heartbeat) {
	a.metrics.SetActiveSessions(a.sessions.Len())
	a.metrics.SetPendingCalls(a.calls.Pending())
	beat.Beat()
	if a.store.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.store.probe(probeCtx)
		cancel()
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("catalog store unreachable", zap.Error(err))
		}
		a.health.SetStatus("catalog_store", err)
	}
}

func (a *App) close() {
	if err := a.store.close(); err != nil {
		a.logger.Warn("close catalog store", zap.Error(err))
	}
}

// Validate loads the config at path and reports every problem found.
func Validate(ctx context.Context, path string, logger *zap.Logger) (Config, error) {
	cfg, err := NewConfigLoader(logger).Load(ctx, path)
	if err != nil {
		return Config{}, err
	}
	if logger != nil {
		logger.Info("configuration validated",
			zap.String("config", path),
			zap.String("listenAddress", cfg.ListenAddress),
			zap.String("catalogStore", cfg.Catalog.Store),
		)
	}
	return cfg, nil
}

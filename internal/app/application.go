package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"learnsync/internal/api"
	"learnsync/internal/catalog"
	"learnsync/internal/client"
	"learnsync/internal/config"
	"learnsync/internal/connectivity"
	"learnsync/internal/database"
	"learnsync/internal/hub"
	"learnsync/internal/logging"
	"learnsync/internal/metrics"
	"learnsync/internal/offlinesync"
	"learnsync/internal/session"
	"learnsync/internal/websocket"
	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

const limiterCleanupInterval = 5 * time.Minute

// Application owns every component of the agent and their lifecycle.
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	dbManager   *database.Manager
	redisClient *redis.Client
	holder      *session.Holder
	pipeline    *client.Pipeline
	auth        *client.AuthAPI
	catalog     *catalog.Catalog
	registry    *websocket.Registry
	statusHub   *hub.Hub
	coordinator *offlinesync.Coordinator
	monitor     *connectivity.Monitor
	maintenance *gocron.Scheduler
	apiServer   *api.Server
	httpServer  *http.Server
	listener    net.Listener
}

// NewApplication builds every component in dependency order:
// logger → store → session → hub → pipeline → catalog → coordinator →
// monitor → API → HTTP. Nothing talks to the network until Start.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: logging and metrics
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	app := &Application{config: cfg, logger: logger, metrics: m}

	// STEP 2: local durable store
	dbConfig := cfg.Database
	app.dbManager, err = database.NewManager(&dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 3: session holder over the configured snapshot store
	var snapshots interfaces.SnapshotStore = app.dbManager
	if cfg.Session.Store == config.SessionStoreRedis {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Session.RedisAddr,
			DB:   cfg.Session.RedisDB,
		})
		snapshots = session.NewRedisStore(app.redisClient, cfg.Session.RedisPrefix, cfg.Session.RedisTTL)
	}
	app.holder = session.NewHolder(snapshots, logger)
	if err := app.holder.Rehydrate(context.Background()); err != nil {
		// A broken snapshot leaves the agent logged out, not down.
		logger.Warn("session not rehydrated", zap.Error(err))
	}

	// STEP 4: status hub and feed
	app.registry = websocket.NewRegistry()
	app.statusHub = hub.NewHub(app.registry, logger)

	// STEP 5: request pipeline and backend APIs
	app.pipeline, err = client.NewPipeline(client.Options{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.Timeout,
		ExemptPaths: cfg.Backend.ExemptPaths,
	}, app.holder, logger, m)
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("failed to initialize request pipeline: %w", err)
	}
	app.auth = client.NewAuthAPI(app.pipeline, app.holder)
	quizzes := client.NewQuizAPI(app.pipeline)
	app.catalog = catalog.New(client.NewLessonsAPI(app.pipeline), quizzes, app.dbManager, logger)

	// STEP 6: sync coordinator
	app.coordinator = offlinesync.NewCoordinator(app.dbManager, quizzes, app.statusHub, app.holder,
		offlinesync.Options{SyncOnEnqueue: cfg.Sync.SyncOnEnqueue}, logger, m)
	app.pipeline.SetSessionExpiredHook(app.sessionExpired)

	// STEP 7: connectivity monitor
	app.monitor, err = connectivity.NewMonitor(cfg.Backend.BaseURL, cfg.Sync.ProbeInterval,
		cfg.Sync.ProbeTimeout, app.coordinator, logger)
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("failed to initialize connectivity monitor: %w", err)
	}

	// STEP 8: local API
	feed := websocket.NewHandler(app.statusHub, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, logger)
	app.apiServer = api.NewServer(api.Deps{
		Sync:    app.coordinator,
		Auth:    app.auth,
		Session: app.holder,
		Catalog: app.catalog,
		ML:      client.NewMLAPI(app.pipeline),
		Store:   app.dbManager,
		Feed:    http.HandlerFunc(feed.HandleWebSocket),
		Stats:   app.registry,
		Metrics: m,
		Logger:  logger,
	}, cfg.HTTP.SyncPerMinute)

	app.maintenance = gocron.NewScheduler(time.UTC)
	if _, err := app.maintenance.Every(limiterCleanupInterval).Do(app.apiServer.Limiter().Cleanup); err != nil {
		app.closeStores()
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	// STEP 9: HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// sessionExpired is the pipeline's forced-logout hook. The UI redirects to
// login when it sees the event.
func (app *Application) sessionExpired() {
	app.logger.Warn("session expired, local session cleared")
	event := types.Event{
		Type:      types.EventSessionExpired,
		Status:    app.coordinator.Status(),
		Message:   "Session expired, please log in again",
		Timestamp: time.Now().UTC(),
	}
	if err := app.statusHub.Publish(event); err != nil {
		app.logger.Debug("session expiry not published", zap.Error(err))
	}
}

// Start brings the agent up: hub, identity restore, queue count, probes,
// then the HTTP listener.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting learnsync agent",
		zap.String("addr", app.httpServer.Addr),
		zap.String("backend", app.config.Backend.BaseURL))

	// STEP 1: status hub
	if err := app.statusHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start status hub: %w", err)
	}

	// STEP 2: complete a credential-only session; offline is fine
	if err := app.auth.Restore(ctx); err != nil {
		app.logger.Info("identity not restored yet", zap.Error(err))
	}

	// STEP 3: report what is waiting from the last run
	if _, err := app.coordinator.Start(ctx); err != nil {
		app.logger.Warn("pending attempts not counted", zap.Error(err))
	}

	// STEP 4: background jobs
	if err := app.monitor.Start(); err != nil {
		_ = app.statusHub.Stop()
		return err
	}
	app.maintenance.StartAsync()

	// STEP 5: HTTP
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("learnsync agent started", zap.String("addr", ln.Addr().String()))
		return nil
	case <-ctx.Done():
		_ = app.httpServer.Close()
		app.stopBackground()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, background jobs, hub, stores.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down learnsync agent")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	app.stopBackground()
	if err := app.closeStores(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info("learnsync agent shutdown complete")
	_ = app.logger.Sync()
	return errors.Join(errs...)
}

func (app *Application) stopBackground() {
	app.monitor.Stop()
	app.maintenance.Stop()
	app.coordinator.Wait()
	if err := app.statusHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("status hub shutdown error", zap.Error(err))
	}
}

func (app *Application) closeStores() error {
	var errs []error
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetAddr returns the listen address; the bound one once started.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Coordinator exposes the sync coordinator for embedding callers.
func (app *Application) Coordinator() *offlinesync.Coordinator {
	return app.coordinator
}

// Session exposes the session holder for embedding callers.
func (app *Application) Session() *session.Holder {
	return app.holder
}

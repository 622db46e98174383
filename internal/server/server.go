// Package server builds the application from its configuration and runs it
// until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/laoshu133/html2image-cdp/internal/api"
	"github.com/laoshu133/html2image-cdp/internal/browser"
	"github.com/laoshu133/html2image-cdp/internal/config"
	"github.com/laoshu133/html2image-cdp/internal/id/uuid"
	"github.com/laoshu133/html2image-cdp/internal/intercept"
	"github.com/laoshu133/html2image-cdp/internal/logging"
	"github.com/laoshu133/html2image-cdp/internal/metrics"
	"github.com/laoshu133/html2image-cdp/internal/pool"
	"github.com/laoshu133/html2image-cdp/internal/publisher"
	gcppublisher "github.com/laoshu133/html2image-cdp/internal/publisher/pubsub"
	"github.com/laoshu133/html2image-cdp/internal/render"
	"github.com/laoshu133/html2image-cdp/internal/service"
	"github.com/laoshu133/html2image-cdp/internal/stats"
	"github.com/laoshu133/html2image-cdp/internal/storage"
	gcsstorage "github.com/laoshu133/html2image-cdp/internal/storage/gcs"
	localstorage "github.com/laoshu133/html2image-cdp/internal/storage/local"
	memorystorage "github.com/laoshu133/html2image-cdp/internal/storage/memory"
	pgstore "github.com/laoshu133/html2image-cdp/internal/storage/postgres"
	"github.com/laoshu133/html2image-cdp/internal/telemetry"
)

// Options overrides parts of the build.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Dialer replaces the CDP browser, e.g. with a fake in tests.
	Dialer browser.Dialer
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	pool      *pool.Pool
	browser   *browser.CDPBrowser
	gcs       *gcsstorage.BlobStore
	shots     *pgstore.ShotStore
	pubsub    *gcppublisher.Publisher
	redis     *redis.Client
	tracer    *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	type sanitizedConfig struct {
		ServerPort  int    `json:"server_port"`
		BrowserMode string `json:"browser_mode"`
		Capacity    int    `json:"pool_capacity"`
		Storage     string `json:"storage_backend"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:  cfg.Server.Port,
		BrowserMode: cfg.Browser.Mode,
		Capacity:    cfg.Pool.Capacity,
		Storage:     cfg.Storage.Backend,
	}))

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx, opts); err != nil {
		app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp

	gate, err := setupGate(a.cfg.Intercept)
	if err != nil {
		return err
	}

	dialer := opts.Dialer
	var targets api.TargetLister
	if dialer == nil {
		a.browser, err = browser.NewCDPBrowser(browser.CDPConfig{
			Mode:          a.cfg.Browser.Mode,
			Endpoint:      a.cfg.Browser.Endpoint,
			ExecPath:      a.cfg.Browser.ExecPath,
			Headless:      a.cfg.Browser.Headless,
			NoSandbox:     a.cfg.Browser.NoSandbox,
			AttachTimeout: a.cfg.Browser.AttachTimeout,
			Logger:        a.logger,
		})
		if err != nil {
			return fmt.Errorf("browser init failed: %w", err)
		}
		dialer = a.browser
		targets = a.browser
	}

	a.pool = pool.New(dialer, pool.Options{
		Capacity:        a.cfg.Pool.Capacity,
		MaxUses:         a.cfg.Pool.MaxUses,
		AcquireTimeout:  a.cfg.Pool.AcquireTimeout,
		AcquireInterval: a.cfg.Pool.AcquireInterval,
		OpTimeout:       a.cfg.Browser.OpTimeout,
		CaptureTimeout:  a.cfg.Render.CaptureTimeout,
		Logger:          a.logger,
	})

	counters := &stats.Counters{}
	renderer := render.New(a.pool, render.Options{Gate: gate, Counters: counters, Logger: a.logger})

	blobs, files, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	shots, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Renderer:  renderer,
		Blobs:     blobs,
		Shots:     shots,
		Publisher: pub,
		IDs:       uuid.New(),
		Logger:    a.logger,
	}
	apiDeps := api.Deps{
		Sessions: a.pool,
		Counters: counters,
		Targets:  targets,
		Files:    files,
		Logger:   a.logger,
	}
	shared, err := a.setupRedis(ctx)
	if err != nil {
		return err
	}
	if shared != nil {
		deps.Shared = shared
		apiDeps.Shared = shared
	}

	svc, err := service.New(deps, service.Config{
		Prefix:      a.cfg.Storage.Prefix,
		Topic:       a.cfg.PubSub.TopicName,
		ArtifactTTL: a.cfg.Storage.ArtifactTTL,
		CleanEvery:  a.cfg.Storage.CleanEvery,
	})
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	apiDeps.Shots = svc
	a.apiServer = api.NewServer(apiDeps, a.cfg)
	return nil
}

func setupGate(cfg config.InterceptConfig) (*intercept.Gate, error) {
	hosts, err := intercept.ParseHostMap(cfg.HostsMap)
	if err != nil {
		return nil, fmt.Errorf("intercept.hosts_map: %w", err)
	}
	blocked, err := intercept.NewBlockList(cfg.Block)
	if err != nil {
		return nil, fmt.Errorf("intercept.block: %w", err)
	}
	gate := intercept.New(blocked.Interceptor(), hosts.Interceptor())
	if !gate.Enabled() {
		return nil, nil
	}
	return gate, nil
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, http.Handler, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket:    a.cfg.Storage.Bucket,
			PublicURL: a.cfg.Storage.PublicURL,
		}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		return store, nil, nil
	case config.BackendLocal:
		localCfg := a.cfg.Storage.Local
		if localCfg.PublicURL == "" {
			localCfg.PublicURL = a.cfg.Storage.PublicURL
		}
		store, err := localstorage.New(localCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", store.BaseDir()))
		return store, store.Handler(), nil
	default:
		a.logger.Info("using in-memory storage backend")
		store := memorystorage.NewBlobStore()
		return store, store.Handler(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (storage.ShotStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping shot records in memory")
		return memorystorage.NewShotStore(), nil
	}
	store, err := pgstore.NewShotStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("shot store init failed: %w", err)
	}
	a.shots = store
	a.logger.Info("shot store initialized", zap.String("table", a.cfg.Database.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, shot events are not published")
		return publisher.Nop{}, nil
	}
	pub, err := gcppublisher.Dial(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicName: a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) setupRedis(ctx context.Context) (*stats.Redis, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	a.logger.Info("shared shot counters enabled", zap.String("addr", a.cfg.Redis.Addr))
	return stats.NewRedis(a.redis, a.cfg.Redis.KeyPrefix), nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close releases every session, the browser and the backends.
func (a *App) Close(ctx context.Context) {
	a.closeBrowser(ctx)
	a.closeInfrastructure()
	a.closeObservability(ctx)
}

func (a *App) closeBrowser(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			a.logger.Warn("session pool close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.shots != nil {
		a.shots.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

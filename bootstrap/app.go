package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bluelight/api"
	"bluelight/config"
	"bluelight/core"
	"bluelight/detect"
	"bluelight/notify"
	"bluelight/service"
	"bluelight/storage"
)

// App represents the BlueLight Hub application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	SQLite       *storage.SQLite
	RuleStorage  *storage.SQLiteRuleStorage
	AlertStorage *storage.SQLiteAlertStorage
	EventWindow  *storage.RedisEventWindow

	// Detection and dispatch
	Engine      *detect.RuleEngine
	Correlator  *core.Correlator
	Idempotency *core.IdempotencyCache
	Dispatcher  *notify.Dispatcher

	// Services
	Pipeline  *service.Pipeline
	Rules     *service.RuleService
	Alerts    *service.AlertService
	APIServer *api.API

	// Lifecycle
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger(os.Getenv("BLUELIGHT_LOG_LEVEL"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("BlueLight Hub starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	if err := EnsureDataDir(cfg.DataPaths.DataDir, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	// Storage
	sqlite, err := storage.NewSQLite(cfg.GetSQLitePath(), sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	app.SQLite = sqlite
	app.RuleStorage = storage.NewSQLiteRuleStorage(sqlite, sugar)
	app.AlertStorage = storage.NewSQLiteAlertStorage(sqlite, sugar)

	window, err := storage.NewRedisEventWindow(cfg.Redis, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event window: %w", err)
	}
	app.EventWindow = window

	// Detection
	app.Engine = detect.NewRuleEngine(detect.NewRegistry(), sugar)
	app.Rules = service.NewRuleService(app.RuleStorage, app.Engine, sugar)
	if err := app.Rules.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	app.Correlator = core.NewCorrelator(app.AlertStorage, cfg.Correlation, sugar)

	idempotency, err := core.NewIdempotencyCache(cfg.Idempotency, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize idempotency cache: %w", err)
	}
	app.Idempotency = idempotency

	// Dispatch
	app.dispatchCtx, app.dispatchCancel = context.WithCancel(context.Background())
	dispatcher, err := notify.NewDispatcher(app.dispatchCtx, app.AlertStorage, app.buildChannels(), cfg.Notifications.Dispatch, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	app.Dispatcher = dispatcher

	app.Alerts = service.NewAlertService(app.AlertStorage, dispatcher, sugar)
	app.Pipeline = service.NewPipeline(
		window,
		app.Engine,
		app.Correlator,
		idempotency,
		dispatcher,
		app.RuleStorage,
		service.PipelineConfig{
			WindowLookback: cfg.Pipeline.WindowLookback,
			Targets:        cfg.Pipeline.Targets,
		},
		sugar,
	)

	app.APIServer = api.NewAPI(app.Pipeline, app.Rules, app.Alerts, app.Engine, cfg, sugar)

	return app, nil
}

// buildChannels assembles the delivery channels enabled by configuration.
// Webhook and Slack recipients carry their own URLs, so those channels are
// always available; email needs SMTP settings.
func (a *App) buildChannels() []notify.Channel {
	channels := []notify.Channel{
		notify.NewWebhookChannel(a.Config.Notifications.Webhook, a.Sugar),
		notify.NewSlackChannel(a.Config.Notifications.Slack, a.Sugar),
	}
	if a.Config.Notifications.Email.SMTPHost != "" {
		channels = append(channels, notify.NewEmailChannel(a.Config.Notifications.Email, a.Sugar))
	} else {
		a.Sugar.Info("Email channel disabled: no SMTP host configured")
	}
	return channels
}

// Start starts all application services.
func (a *App) Start(ctx context.Context) error {
	a.Dispatcher.Start()
	a.Sugar.Infof("Notification dispatcher started with %d workers", a.Config.Notifications.Dispatch.Workers)

	addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
	go func() {
		a.Sugar.Infof("API server listening on %s", addr)
		if err := a.APIServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
		}
	}()

	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components. Order matters: stop
// accepting work first, then drain the dispatcher, then close storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.dispatchCancel != nil {
		a.dispatchCancel()
	}

	if a.Idempotency != nil {
		a.Idempotency.Destroy()
	}

	if a.EventWindow != nil {
		if err := a.EventWindow.Close(); err != nil {
			a.Sugar.Errorw("Failed to close event window", "error", err)
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

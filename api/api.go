package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bluelight/config"
	"bluelight/detect"
	"bluelight/service"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// API holds the HTTP server for the threat detection service.
type API struct {
	router         *mux.Router
	server         *http.Server
	pipeline       *service.Pipeline
	rules          *service.RuleService
	alerts         *service.AlertService
	engine         *detect.RuleEngine
	config         *config.Config
	logger         *zap.SugaredLogger
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates a new API server.
func NewAPI(pipeline *service.Pipeline, rules *service.RuleService, alerts *service.AlertService, engine *detect.RuleEngine, cfg *config.Config, logger *zap.SugaredLogger) *API {
	api := &API{
		router:       mux.NewRouter(),
		pipeline:     pipeline,
		rules:        rules,
		alerts:       alerts,
		engine:       engine,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	api.setupRoutes()
	go api.cleanupRateLimiters()
	return api
}

// setupRoutes sets up the API routes.
func (a *API) setupRoutes() {
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	// Events
	a.router.HandleFunc("/api/events", a.ingestEvent).Methods("POST")

	// Rules
	a.router.HandleFunc("/api/rules", a.listRules).Methods("GET")
	a.router.HandleFunc("/api/rules", a.createRule).Methods("POST")
	a.router.HandleFunc("/api/rules/statistics", a.getRuleStatistics).Methods("GET")
	a.router.HandleFunc("/api/rules/test", a.testRule).Methods("POST")
	a.router.HandleFunc("/api/rules/reload", a.reloadRules).Methods("POST")
	a.router.HandleFunc("/api/rules/{id}", a.getRule).Methods("GET")
	a.router.HandleFunc("/api/rules/{id}", a.updateRule).Methods("PUT")
	a.router.HandleFunc("/api/rules/{id}", a.deleteRule).Methods("DELETE")
	a.router.HandleFunc("/api/rules/{id}/stats", a.getRuleStats).Methods("GET")

	// Engine
	a.router.HandleFunc("/api/engine/metrics", a.getEngineMetrics).Methods("GET")

	// Alerts
	a.router.HandleFunc("/api/alerts", a.listAlerts).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}", a.getAlert).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}/acknowledge", a.acknowledgeAlert).Methods("POST")
	a.router.HandleFunc("/api/alerts/{id}/resolve", a.resolveAlert).Methods("POST")
	a.router.HandleFunc("/api/alerts/{id}/suppress", a.suppressAlert).Methods("POST")
	a.router.HandleFunc("/api/alerts/{id}/unsuppress", a.unsuppressAlert).Methods("POST")
	a.router.HandleFunc("/api/alerts/{id}/comments", a.addComment).Methods("POST")
	a.router.HandleFunc("/api/alerts/{id}/comments", a.getComments).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}/notifications", a.getNotifications).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}/notifications/cancel", a.cancelNotifications).Methods("POST")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Router exposes the handler for tests.
func (a *API) Router() http.Handler {
	return a.router
}

// Start starts the API server.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a.server.ListenAndServe()
}

// Stop stops the API server.
func (a *API) Stop(ctx context.Context) error {
	close(a.stopCh)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

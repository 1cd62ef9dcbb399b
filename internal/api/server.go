// Package api provides the HTTP surface: the webhook endpoint, engagement
// tracking, unsubscribe and sync control.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/mailer"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/service"
)

// WebhookIngester verifies and queues platform webhooks
type WebhookIngester interface {
	Ingest(ctx context.Context, rawBody []byte, headers http.Header) (service.IngestResult, error)
}

// EngagementRecorder records opens and clicks
type EngagementRecorder interface {
	RecordOpen(ctx context.Context, messageID, userAgent string) error
	RecordClick(ctx context.Context, messageID, target, userAgent string) error
}

// UnsubscribeHandler applies unsubscribe tokens
type UnsubscribeHandler interface {
	Unsubscribe(ctx context.Context, token string) (*mailer.UnsubscribeClaims, error)
}

// SyncController starts and reports syncs
type SyncController interface {
	StartFullSync(ctx context.Context, shop string, force bool) (*models.SyncLog, error)
	StartIncrementalSync(ctx context.Context, shop string) (*models.SyncLog, error)
	CancelSync(ctx context.Context, syncLogID string) (*models.SyncLog, error)
	Status(ctx context.Context, shop string) (*service.SyncStatus, error)
	History(ctx context.Context, shop string, limit int) ([]*models.SyncLog, error)
}

// DeadLetterCounter counts dead-lettered webhook deliveries
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context, shopID string) (int, error)
}

// RFMRunner recomputes RFM scores on demand
type RFMRunner interface {
	RecalculateAllRFMScores(ctx context.Context, shop string) ([]models.SegmentChange, error)
}

// Services are the collaborators behind the routes
type Services struct {
	Webhooks     WebhookIngester
	Engagement   EngagementRecorder
	Unsubscribes UnsubscribeHandler
	Syncs        SyncController
	DeadLetters  DeadLetterCounter
	RFM          RFMRunner
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	metrics    *metrics.Metrics
	logger     *logging.Logger
	config     *ServerConfig
	// syncCtx outlives requests so a manual sync is not cut off when the
	// client disconnects.
	syncCtx context.Context
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// PublicRPS limits tracking and unsubscribe requests per client address.
	PublicRPS int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		metrics:  m,
		logger:   logger.WithComponent("api"),
		config:   config,
		syncCtx:  logging.WithLogger(context.Background(), logger),
	}

	s.setupRouter()

	return s
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: recovery must see panics from everything below it.
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(RecoveryMiddleware(s.logger))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// Platform webhooks carry their own HMAC; no rate limiting.
	s.router.HandleFunc("/webhooks/shopify", s.handleWebhook).Methods("POST")

	publicRPS := s.config.PublicRPS
	if publicRPS <= 0 {
		publicRPS = 20
	}
	public := s.router.NewRoute().Subrouter()
	public.Use(RateLimitMiddleware(NewRateLimiter(publicRPS, 2*publicRPS)))
	public.HandleFunc("/t/o/{id}", s.handleOpen).Methods("GET")
	public.HandleFunc("/t/c/{id}", s.handleClick).Methods("GET")
	public.HandleFunc("/unsubscribe", s.handleUnsubscribeConfirm).Methods("GET")
	public.HandleFunc("/unsubscribe", s.handleUnsubscribe).Methods("POST")

	api := s.router.PathPrefix("/api/v1/shops/{shop}").Subrouter()
	api.Use(CORSMiddleware)
	api.Use(CompressionMiddleware)
	api.HandleFunc("/sync/full", s.handleStartFullSync).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/incremental", s.handleStartIncrementalSync).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/history", s.handleSyncHistory).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/{id}/cancel", s.handleCancelSync).Methods("POST", "OPTIONS")
	api.HandleFunc("/webhooks/dead-letters/count", s.handleDeadLetterCount).Methods("GET", "OPTIONS")
	api.HandleFunc("/rfm/recalculate", s.handleRecalculateRFM).Methods("POST", "OPTIONS")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "storefront-crm",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Package app builds the object graph shared by the server, worker and CLI
// processes from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/storefront-crm/internal/circuitbreaker"
	"github.com/storefront-crm/internal/config"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/mailer"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/platform"
	"github.com/storefront-crm/internal/ratelimit"
	"github.com/storefront-crm/internal/service"
	"github.com/storefront-crm/internal/storage"
	"github.com/storefront-crm/internal/types"
	"github.com/storefront-crm/internal/worker"
)

// App holds connections, repositories and services
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	Postgres   *storage.PostgresDB
	ClickHouse *storage.ClickHouseDB // nil unless the engagement archive is enabled
	Redis      *redis.Client

	Customers    *storage.CustomerRepository
	Orders       *storage.OrderRepository
	SyncLogs     *storage.SyncLogRepository
	Deliveries   *storage.WebhookDeliveryRepository
	Automations  *storage.AutomationRepository
	MessageLogs  *storage.MessageLogRepository
	Suppressions *storage.SuppressionRepository

	Platform *platform.Clients
	Queue    *job.DispatchQueue

	Syncs        *service.SyncService
	RFM          *service.RFMService
	Webhooks     *service.WebhookService
	Automation   *service.AutomationService
	Tracker      *mailer.Tracker
	Unsubscriber *mailer.Unsubscriber
	Processor    *worker.WebhookProcessor
}

// New connects to every store and wires the services. The caller owns the
// returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	a.Logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.Postgres = postgres

	rdb, err := storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.Redis = rdb

	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.ClickHouse = ch
		if err := storage.RunClickHouseMigrations(ctx, ch, cfg.Database.ClickHouse.MigrationsPath); err != nil {
			return fmt.Errorf("failed to migrate ClickHouse: %w", err)
		}
	}

	a.Logger.WithField("clickhouse", cfg.Database.ClickHouse.Enabled).Info("Database connections established")
	return nil
}

func (a *App) wire() error {
	cfg := a.Config

	a.Customers = storage.NewCustomerRepository(a.Postgres)
	a.Orders = storage.NewOrderRepository(a.Postgres)
	a.SyncLogs = storage.NewSyncLogRepository(a.Postgres)
	a.Deliveries = storage.NewWebhookDeliveryRepository(a.Postgres)
	a.Automations = storage.NewAutomationRepository(a.Postgres)
	a.MessageLogs = storage.NewMessageLogRepository(a.Postgres)
	a.Suppressions = storage.NewSuppressionRepository(a.Postgres)
	imports := storage.NewImportRepository(a.Postgres)

	budget, err := ratelimit.NewCostBudget(&ratelimit.CostBudgetConfig{Redis: a.Redis})
	if err != nil {
		return fmt.Errorf("failed to create cost budget: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Shopify.RequestTimeout}
	var source platform.TokenSource
	if cfg.Shopify.AccessToken != "" {
		source = platform.StaticTokenSource{AccessToken: cfg.Shopify.AccessToken}
	} else {
		source = &platform.ClientCredentialsSource{
			ClientID:     cfg.Shopify.ClientID,
			ClientSecret: cfg.Shopify.ClientSecret,
			HTTPClient:   httpClient,
		}
	}
	a.Platform = platform.NewClients(
		platform.NewTokenProvider(source, cfg.Shopify.TokenRefreshBuffer),
		platform.Options{
			APIVersion:  cfg.Shopify.APIVersion,
			MaxAttempts: cfg.Shopify.MaxThrottleRetries,
			HTTPClient:  httpClient,
			Budget:      budget,
			Logger:      a.Logger,
			Metrics:     a.Metrics,
		},
	)

	a.Queue, err = job.NewDispatchQueue(job.DispatchQueueConfig{
		Redis:        a.Redis,
		KeyPrefix:    cfg.Worker.QueuePrefix + ":",
		Workers:      cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		PollInterval: cfg.Worker.PollInterval,
		OnDeadLetter: func(ctx context.Context, msg *job.Message, cause error) {
			a.Processor.OnDeadLetter(ctx, msg, cause)
		},
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatch queue: %w", err)
	}

	downloader := &platform.Downloader{
		HTTPClient: &http.Client{Transport: platform.NewDownloadTransport(cfg.Shopify.RequestTimeout)},
	}
	importer := job.NewBulkImporter(imports, a.SyncLogs, downloader, cfg.Sync.CheckpointEvery, a.Metrics)

	a.Syncs, err = service.NewSyncService(&service.SyncServiceConfig{
		Logs:       a.SyncLogs,
		Customers:  a.Customers,
		Orders:     a.Orders,
		Deliveries: a.Deliveries,
		Platform: func(shop string) service.SyncPlatform {
			return a.Platform.For(shop)
		},
		Importer:   importer,
		Dispatcher: a.Queue,
		StaleAfter: cfg.Sync.StaleAfter,
		Metrics:    a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync service: %w", err)
	}

	breakerCfg := circuitbreaker.DefaultConfig("mail_provider")
	breakerCfg.IsFailure = mailer.IsProviderOutage
	provider := mailer.NewHTTPProvider(mailer.HTTPProviderConfig{
		APIURL:         cfg.Mail.APIURL,
		APIKey:         cfg.Mail.APIKey,
		SendsPerSecond: cfg.Mail.SendsPerSecond,
		Breaker:        circuitbreaker.NewCircuitBreaker(breakerCfg),
	})
	mail := mailer.New(mailer.Config{
		PublicBaseURL:     cfg.Server.PublicBaseURL,
		UnsubscribeSecret: cfg.Mail.UnsubscribeSecret,
		FromAddress:       cfg.Mail.FromAddress,
		FromName:          cfg.Mail.FromName,
		ReplyTo:           cfg.Mail.ReplyTo,
	}, a.MessageLogs, a.Suppressions, provider, a.Metrics)

	var archive mailer.EventArchive
	if a.ClickHouse != nil {
		archive = storage.NewEngagementRepository(a.ClickHouse)
	}
	a.Tracker = mailer.NewTracker(a.MessageLogs, archive)
	a.Unsubscriber = mailer.NewUnsubscriber(cfg.Mail.UnsubscribeSecret, a.Customers, a.Suppressions)

	a.Automation, err = service.NewAutomationService(&service.AutomationServiceConfig{
		Automations: a.Automations,
		Customers:   a.Customers,
		History:     a.MessageLogs,
		Mailer:      mail,
		Tagger: func(shop string) mailer.Tagger {
			return a.Platform.For(shop)
		},
		Dispatcher: a.Queue,
	})
	if err != nil {
		return fmt.Errorf("failed to create automation service: %w", err)
	}

	a.RFM = service.NewRFMService(a.Customers, a.Automation, a.Metrics)
	a.Webhooks = service.NewWebhookService(cfg.Shopify.WebhookSecret, a.Deliveries, a.Queue, a.Metrics)

	a.Processor = worker.NewWebhookProcessor(a.Deliveries, a.Metrics,
		worker.NewOrderHandler(a.Customers, a.Orders, a.MessageLogs, a.Automation),
		worker.NewCustomerHandler(a.Customers, a.Automation),
		worker.NewSyncHandler(a.Syncs),
		worker.NewAutomationHandler(a.Automation),
	)

	return nil
}

// Shops returns the configured shop ids, normalized from their domains
func (a *App) Shops() []string {
	shops := make([]string, 0, len(a.Config.Shopify.Shops))
	for _, domain := range a.Config.Shopify.Shops {
		shops = append(shops, types.ShopIDFromURL(domain))
	}
	return shops
}

// Close releases every connection that was opened
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close ClickHouse")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}

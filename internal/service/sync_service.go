package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/platform"
	"github.com/storefront-crm/internal/types"
)

// DefaultStaleAfter is how old the last completed sync may be before a shop
// is reported stale
const DefaultStaleAfter = 24 * time.Hour

// SyncLogStore persists sync logs
type SyncLogStore interface {
	Create(ctx context.Context, s *models.SyncLog) error
	GetByID(ctx context.Context, id string) (*models.SyncLog, error)
	LatestResumable(ctx context.Context, shopID string) (*models.SyncLog, error)
	GetByBulkOperation(ctx context.Context, shopID, operationID string) (*models.SyncLog, error)
	Latest(ctx context.Context, shopID string) (*models.SyncLog, error)
	LastCompleted(ctx context.Context, shopID string) (*models.SyncLog, error)
	History(ctx context.Context, shopID string, limit int) ([]*models.SyncLog, error)
	MarkRunning(ctx context.Context, id string, bulkOperationID *string) error
	Checkpoint(ctx context.Context, id string, progress models.SyncProgress) error
	Finish(ctx context.Context, id string, status types.SyncStatus, progress models.SyncProgress, errMsg *string) error
	Cancel(ctx context.Context, id string) (*models.SyncLog, error)
}

// CustomerUpserter writes customers with last-write-wins semantics
type CustomerUpserter interface {
	Upsert(ctx context.Context, c *models.Customer) (*models.UpsertResult, error)
}

// OrderUpserter writes orders with last-write-wins semantics
type OrderUpserter interface {
	Upsert(ctx context.Context, o *models.Order) (*models.UpsertResult, error)
}

// DeadLetterCounter counts webhook deliveries that exhausted their retries
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context, shopID string) (int, error)
}

// SyncPlatform is the part of the platform client the sync paths need
type SyncPlatform interface {
	RunBulkExport(ctx context.Context) (*platform.BulkOperation, error)
	BulkOperation(ctx context.Context, gid string) (*platform.BulkOperation, error)
	CustomersUpdatedSince(ctx context.Context, since time.Time, after string) (*platform.Page[*models.Customer], error)
	OrdersUpdatedSince(ctx context.Context, since time.Time, after string) (*platform.Page[*models.Order], error)
}

// BulkRunner applies a downloaded bulk result
type BulkRunner interface {
	Process(ctx context.Context, req job.BulkImportRequest) (*job.BulkImportResult, error)
}

// SyncResumePayload is the body of a sync/resume message
type SyncResumePayload struct {
	SyncLogID string `json:"syncLogId"`
}

// SyncStatus is the sync state reported to operators
type SyncStatus struct {
	Latest           *models.SyncLog `json:"latest,omitempty"`
	LastSuccessfulAt *time.Time      `json:"lastSuccessfulAt,omitempty"`
	IsStale          bool            `json:"isStale"`
	IsRunning        bool            `json:"isRunning"`
	DeadLetterCount  int             `json:"deadLetterCount"`
}

// SyncServiceConfig holds the collaborators of a SyncService
type SyncServiceConfig struct {
	Logs       SyncLogStore
	Customers  CustomerUpserter
	Orders     OrderUpserter
	Deliveries DeadLetterCounter
	Platform   func(shop string) SyncPlatform
	Importer   BulkRunner
	Dispatcher job.Dispatcher
	StaleAfter time.Duration
	Metrics    *metrics.Metrics
}

// SyncService starts, resumes and completes full and incremental syncs
type SyncService struct {
	logs       SyncLogStore
	customers  CustomerUpserter
	orders     OrderUpserter
	deliveries DeadLetterCounter
	platform   func(shop string) SyncPlatform
	importer   BulkRunner
	dispatcher job.Dispatcher
	staleAfter time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewSyncService creates a sync service
func NewSyncService(cfg *SyncServiceConfig) (*SyncService, error) {
	if cfg.Logs == nil {
		return nil, fmt.Errorf("sync log store cannot be nil")
	}
	if cfg.Platform == nil {
		return nil, fmt.Errorf("platform factory cannot be nil")
	}
	if cfg.Importer == nil {
		return nil, fmt.Errorf("bulk importer cannot be nil")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &SyncService{
		logs:       cfg.Logs,
		customers:  cfg.Customers,
		orders:     cfg.Orders,
		deliveries: cfg.Deliveries,
		platform:   cfg.Platform,
		importer:   cfg.Importer,
		dispatcher: cfg.Dispatcher,
		staleAfter: staleAfter,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

func (s *SyncService) logger(ctx context.Context, shop string) *logging.Logger {
	return logging.FromContext(ctx).WithComponent("sync").WithShop(shop)
}

// StartFullSync resumes the latest failed full sync that has a cursor, or
// starts a new bulk export. force skips the resume check. Completion arrives
// later through CompleteBulkOperation.
func (s *SyncService) StartFullSync(ctx context.Context, shop string, force bool) (*models.SyncLog, error) {
	logger := s.logger(ctx, shop)

	if !force {
		latest, err := s.logs.Latest(ctx, shop)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Type == types.SyncTypeFull && !latest.Status.IsTerminal() {
			return nil, apperrors.NewConflictError("a full sync is already in progress")
		}

		resumable, err := s.logs.LatestResumable(ctx, shop)
		if err != nil {
			return nil, err
		}
		if resumable != nil {
			return s.resume(ctx, logger, resumable)
		}
	}

	syncLog := &models.SyncLog{ShopID: shop, Type: types.SyncTypeFull, Status: types.SyncStatusPending}
	if err := s.logs.Create(ctx, syncLog); err != nil {
		return nil, err
	}

	op, err := s.platform(shop).RunBulkExport(ctx)
	if err != nil {
		s.finish(ctx, logger, syncLog, types.SyncStatusFailed, syncLog.Progress(), err)
		return syncLog, err
	}

	if err := s.logs.MarkRunning(ctx, syncLog.ID, &op.ID); err != nil {
		return syncLog, err
	}
	syncLog.Status = types.SyncStatusRunning
	syncLog.BulkOperationID = &op.ID

	logger.WithFields(map[string]interface{}{
		"syncLogId":       syncLog.ID,
		"bulkOperationId": op.ID,
	}).Info("Full sync started")
	return syncLog, nil
}

func (s *SyncService) resume(ctx context.Context, logger *logging.Logger, syncLog *models.SyncLog) (*models.SyncLog, error) {
	if err := s.logs.MarkRunning(ctx, syncLog.ID, nil); err != nil {
		return nil, err
	}
	syncLog.Status = types.SyncStatusRunning
	syncLog.ErrorMessage = nil
	syncLog.CompletedAt = nil
	syncLog.Resumed = true

	if s.dispatcher != nil {
		payload, _ := json.Marshal(SyncResumePayload{SyncLogID: syncLog.ID})
		msg := &job.Message{Topic: job.TopicSyncResume, Shop: syncLog.ShopID, Payload: payload}
		if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			s.finish(ctx, logger, syncLog, types.SyncStatusFailed, syncLog.Progress(), err)
			return syncLog, apperrors.NewQueueError("dispatch sync resume", err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"syncLogId": syncLog.ID,
		"cursor":    deref(syncLog.Cursor),
	}).Info("Resuming failed full sync")
	return syncLog, nil
}

// reopen moves a failed sync back to running, keeping its cursor and counts
func (s *SyncService) reopen(ctx context.Context, logger *logging.Logger, syncLog *models.SyncLog) error {
	if err := s.logs.MarkRunning(ctx, syncLog.ID, nil); err != nil {
		return err
	}
	syncLog.Status = types.SyncStatusRunning
	syncLog.ErrorMessage = nil
	syncLog.CompletedAt = nil
	logger.WithField("cursor", deref(syncLog.Cursor)).Info("Retrying failed import from checkpoint")
	return nil
}

// ResumeFullSync re-reads the bulk result of a resumed sync and applies the
// records after its cursor
func (s *SyncService) ResumeFullSync(ctx context.Context, shop, syncLogID string) error {
	syncLog, err := s.logs.GetByID(ctx, syncLogID)
	if err != nil {
		return err
	}
	logger := s.logger(ctx, shop).WithField("syncLogId", syncLogID)

	switch syncLog.Status {
	case types.SyncStatusRunning:
	case types.SyncStatusFailed:
		// A redelivered resume after a failed import picks up at the checkpoint.
		if err := s.reopen(ctx, logger, syncLog); err != nil {
			return err
		}
	default:
		logger.WithField("status", syncLog.Status).Info("Sync is no longer running, skipping resume")
		return nil
	}
	if syncLog.BulkOperationID == nil {
		s.finish(ctx, logger, syncLog, types.SyncStatusFailed, withoutCursor(syncLog.Progress()),
			fmt.Errorf("sync has no bulk operation to resume"))
		return nil
	}

	op, err := s.platform(shop).BulkOperation(ctx, *syncLog.BulkOperationID)
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
			s.finish(ctx, logger, syncLog, types.SyncStatusFailed, withoutCursor(syncLog.Progress()), err)
			return nil
		}
		return err
	}
	if !op.Completed() || op.URL == nil {
		// The result file is gone; the next full sync starts a fresh export.
		s.finish(ctx, logger, syncLog, types.SyncStatusFailed, withoutCursor(syncLog.Progress()),
			fmt.Errorf("bulk operation %s is %s", op.ID, op.Status))
		return nil
	}

	_, err = s.runImport(ctx, syncLog, *op.URL)
	return err
}

// CompleteBulkOperation handles the bulk finish notification. Unknown
// operations and unsuccessful statuses are logged, not returned as errors.
func (s *SyncService) CompleteBulkOperation(ctx context.Context, shop, operationID, status, url string) error {
	logger := s.logger(ctx, shop).WithField("bulkOperationId", operationID)

	syncLog, err := s.logs.GetByBulkOperation(ctx, shop, operationID)
	if err != nil {
		return err
	}
	if syncLog == nil {
		logger.Warn("No sync log for bulk operation, ignoring")
		return nil
	}
	logger = logger.WithField("syncLogId", syncLog.ID)

	retrying := syncLog.Status == types.SyncStatusFailed && status == platform.BulkStatusCompleted
	if syncLog.Status.IsTerminal() && !retrying {
		logger.WithField("status", syncLog.Status).Info("Sync already finished, ignoring bulk completion")
		return nil
	}
	if retrying {
		// The previous import of this result failed; continue from its checkpoint.
		if err := s.reopen(ctx, logger, syncLog); err != nil {
			return err
		}
	}
	if status != platform.BulkStatusCompleted {
		s.finish(ctx, logger, syncLog, types.SyncStatusFailed, syncLog.Progress(),
			fmt.Errorf("bulk operation finished with status %s", status))
		return nil
	}

	if url == "" {
		op, err := s.platform(shop).BulkOperation(ctx, operationID)
		if err != nil {
			return err
		}
		if op.URL == nil {
			// An export with no objects has no result file.
			s.finish(ctx, logger, syncLog, types.SyncStatusCompleted, syncLog.Progress(), nil)
			return nil
		}
		url = *op.URL
	}

	_, err = s.runImport(ctx, syncLog, url)
	return err
}

// PollBulkOperation checks a running full sync's bulk operation and completes
// it when the platform reports a final status
func (s *SyncService) PollBulkOperation(ctx context.Context, shop, syncLogID string) (*platform.BulkOperation, error) {
	syncLog, err := s.logs.GetByID(ctx, syncLogID)
	if err != nil {
		return nil, err
	}
	if syncLog.BulkOperationID == nil {
		return nil, apperrors.NewConflictError("sync has no bulk operation")
	}

	op, err := s.platform(shop).BulkOperation(ctx, *syncLog.BulkOperationID)
	if err != nil {
		return nil, err
	}
	switch op.Status {
	case platform.BulkStatusCreated, platform.BulkStatusRunning:
		return op, nil
	}

	url := ""
	if op.URL != nil {
		url = *op.URL
	}
	return op, s.CompleteBulkOperation(ctx, shop, op.ID, op.Status, url)
}

func (s *SyncService) runImport(ctx context.Context, syncLog *models.SyncLog, url string) (*job.BulkImportResult, error) {
	return s.importer.Process(ctx, job.BulkImportRequest{
		SyncLogID:        syncLog.ID,
		Shop:             syncLog.ShopID,
		DownloadURL:      url,
		SyncStartedAt:    syncLog.StartedAt,
		ResumeCursor:     syncLog.Cursor,
		CustomersSynced:  syncLog.CustomersSynced,
		OrdersSynced:     syncLog.OrdersSynced,
		RecordsProcessed: syncLog.RecordsProcessed,
	})
}

// StartIncrementalSync pages through customers and orders updated since the
// last completed sync. The log is always finished, with the counts reached
// so far on failure.
func (s *SyncService) StartIncrementalSync(ctx context.Context, shop string) (*models.SyncLog, error) {
	logger := s.logger(ctx, shop)

	since := time.Unix(0, 0).UTC()
	last, err := s.logs.LastCompleted(ctx, shop)
	if err != nil {
		return nil, err
	}
	if last != nil && last.CompletedAt != nil {
		since = *last.CompletedAt
	}

	syncLog := &models.SyncLog{ShopID: shop, Type: types.SyncTypeIncremental, Status: types.SyncStatusRunning}
	if err := s.logs.Create(ctx, syncLog); err != nil {
		return nil, err
	}
	logger = logger.WithField("syncLogId", syncLog.ID)
	logger.WithField("since", since.Format(time.RFC3339)).Info("Incremental sync started")

	progress := models.SyncProgress{}
	err = s.pullUpdates(ctx, shop, since, syncLog.ID, &progress)

	status := types.SyncStatusCompleted
	if err != nil {
		status = types.SyncStatusFailed
	}
	s.finish(ctx, logger, syncLog, status, progress, err)
	if err != nil {
		return syncLog, err
	}

	logger.WithFields(map[string]interface{}{
		"customers": progress.CustomersSynced,
		"orders":    progress.OrdersSynced,
	}).Info("Incremental sync completed")
	return syncLog, nil
}

func (s *SyncService) pullUpdates(ctx context.Context, shop string, since time.Time, syncLogID string, progress *models.SyncProgress) error {
	client := s.platform(shop)

	after := ""
	for {
		page, err := client.CustomersUpdatedSince(ctx, since, after)
		if err != nil {
			return fmt.Errorf("failed to fetch customers: %w", err)
		}
		for _, c := range page.Items {
			if _, err := s.customers.Upsert(ctx, c); err != nil {
				return err
			}
			progress.CustomersSynced++
			progress.RecordsProcessed++
		}
		s.metrics.RecordsImported(len(page.Items), 0)
		if err := s.logs.Checkpoint(ctx, syncLogID, *progress); err != nil {
			return err
		}
		if !page.HasNextPage || page.EndCursor == "" {
			break
		}
		after = page.EndCursor
	}

	after = ""
	for {
		page, err := client.OrdersUpdatedSince(ctx, since, after)
		if err != nil {
			return fmt.Errorf("failed to fetch orders: %w", err)
		}
		for _, o := range page.Items {
			o.IsHistorical = false
			if _, err := s.orders.Upsert(ctx, o); err != nil {
				return err
			}
			progress.OrdersSynced++
			progress.RecordsProcessed++
		}
		s.metrics.RecordsImported(0, len(page.Items))
		if err := s.logs.Checkpoint(ctx, syncLogID, *progress); err != nil {
			return err
		}
		if !page.HasNextPage || page.EndCursor == "" {
			break
		}
		after = page.EndCursor
	}
	return nil
}

// finish records a terminal status even when ctx is already cancelled
func (s *SyncService) finish(ctx context.Context, logger *logging.Logger, syncLog *models.SyncLog, status types.SyncStatus, progress models.SyncProgress, cause error) {
	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
		logger.WithError(cause).WithField("syncLogId", syncLog.ID).Error("Sync failed")
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.logs.Finish(finishCtx, syncLog.ID, status, progress, errMsg); err != nil {
		logger.WithError(err).WithField("syncLogId", syncLog.ID).Error("Failed to finish sync log")
		return
	}

	syncLog.Status = status
	syncLog.CustomersSynced = progress.CustomersSynced
	syncLog.OrdersSynced = progress.OrdersSynced
	syncLog.RecordsProcessed = progress.RecordsProcessed
	syncLog.Cursor = progress.Cursor
	syncLog.ErrorMessage = errMsg
	s.metrics.SyncFinished(string(syncLog.Type), string(status))
}

// CancelSync overrides a sync's status to cancelled
func (s *SyncService) CancelSync(ctx context.Context, syncLogID string) (*models.SyncLog, error) {
	syncLog, err := s.logs.Cancel(ctx, syncLogID)
	if err != nil {
		return nil, err
	}
	s.logger(ctx, syncLog.ShopID).WithField("syncLogId", syncLogID).Info("Sync cancelled")
	return syncLog, nil
}

// Status reports the latest sync and whether the shop's mirror is stale.
// LastSuccessfulAt keeps the previous completed run while a resync is in
// flight; staleness is judged on that run alone.
func (s *SyncService) Status(ctx context.Context, shop string) (*SyncStatus, error) {
	latest, err := s.logs.Latest(ctx, shop)
	if err != nil {
		return nil, err
	}
	last, err := s.logs.LastCompleted(ctx, shop)
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{Latest: latest, IsStale: true}
	if latest != nil {
		status.IsRunning = !latest.Status.IsTerminal()
	}
	if last != nil && last.CompletedAt != nil {
		status.LastSuccessfulAt = last.CompletedAt
		status.IsStale = s.now().Sub(*last.CompletedAt) > s.staleAfter
	}

	if s.deliveries != nil {
		count, err := s.deliveries.CountDeadLetters(ctx, shop)
		if err != nil {
			return nil, err
		}
		status.DeadLetterCount = count
	}
	return status, nil
}

// History lists recent sync logs, newest first
func (s *SyncService) History(ctx context.Context, shop string, limit int) ([]*models.SyncLog, error) {
	return s.logs.History(ctx, shop, limit)
}

func withoutCursor(p models.SyncProgress) models.SyncProgress {
	p.Cursor = nil
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package job

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/platform"
	"github.com/storefront-crm/internal/storage"
	"github.com/storefront-crm/internal/types"
)

// DefaultBatchSize is the number of records applied per transaction
const DefaultBatchSize = 100

// ErrCursorNotFound means a resumed stream ended before the stored cursor
// appeared, so nothing after it could be trusted.
var ErrCursorNotFound = errors.New("resume cursor not found in bulk result")

// BatchApplier writes a batch of records and checkpoints the sync log atomically
type BatchApplier interface {
	ApplyImportBatch(ctx context.Context, syncLogID string, records []models.ImportRecord, progress models.SyncProgress) (*storage.ImportBatchResult, error)
}

// SyncFinisher records the terminal state of a sync log
type SyncFinisher interface {
	Finish(ctx context.Context, id string, status types.SyncStatus, progress models.SyncProgress, errMsg *string) error
}

// ResultOpener streams a bulk operation result
type ResultOpener interface {
	OpenBulkResult(ctx context.Context, url string) (io.ReadCloser, error)
}

// BulkImportRequest describes one run over a bulk result file
type BulkImportRequest struct {
	SyncLogID   string
	Shop        string
	DownloadURL string
	// SyncStartedAt separates historical orders from ones placed during the sync.
	SyncStartedAt time.Time
	// ResumeCursor is the id of the last record a previous run applied.
	ResumeCursor     *string
	CustomersSynced  int
	OrdersSynced     int
	RecordsProcessed int
}

// BulkImportResult summarizes a run
type BulkImportResult struct {
	Progress  models.SyncProgress
	Batches   int
	Skipped   int
	Malformed int
}

// BulkImporter streams a JSONL bulk result into the upsert store in
// checkpointed batches.
type BulkImporter struct {
	store     BatchApplier
	logs      SyncFinisher
	opener    ResultOpener
	batchSize int
	metrics   *metrics.Metrics
}

// NewBulkImporter creates an importer. A non-positive batchSize uses
// DefaultBatchSize.
func NewBulkImporter(store BatchApplier, logs SyncFinisher, opener ResultOpener, batchSize int, m *metrics.Metrics) *BulkImporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BulkImporter{
		store:     store,
		logs:      logs,
		opener:    opener,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Process downloads req.DownloadURL and applies it. The sync log always ends
// in a terminal state: completed on a clean end, failed otherwise. Errors are
// returned so a job runner can retry from the last checkpoint.
func (b *BulkImporter) Process(ctx context.Context, req BulkImportRequest) (*BulkImportResult, error) {
	logger := logging.FromContext(ctx).WithComponent("bulk_import").WithShop(req.Shop).WithField("syncLogId", req.SyncLogID)

	result := &BulkImportResult{
		Progress: models.SyncProgress{
			CustomersSynced:  req.CustomersSynced,
			OrdersSynced:     req.OrdersSynced,
			RecordsProcessed: req.RecordsProcessed,
			Cursor:           req.ResumeCursor,
		},
	}

	body, err := b.opener.OpenBulkResult(ctx, req.DownloadURL)
	if err != nil {
		b.fail(ctx, logger, req, result.Progress, err)
		return result, err
	}
	defer body.Close()

	if err := b.stream(ctx, logger, req, body, result); err != nil {
		progress := result.Progress
		if errors.Is(err, ErrCursorNotFound) {
			// Clear the cursor so the next full sync restarts from scratch.
			progress.Cursor = nil
		}
		b.fail(ctx, logger, req, progress, err)
		return result, err
	}

	if err := b.logs.Finish(ctx, req.SyncLogID, types.SyncStatusCompleted, result.Progress, nil); err != nil {
		return result, fmt.Errorf("failed to complete sync log: %w", err)
	}
	b.metrics.SyncFinished(string(types.SyncTypeFull), string(types.SyncStatusCompleted))

	logger.WithFields(map[string]interface{}{
		"customers": result.Progress.CustomersSynced,
		"orders":    result.Progress.OrdersSynced,
		"records":   result.Progress.RecordsProcessed,
		"batches":   result.Batches,
		"malformed": result.Malformed,
	}).Info("Bulk import completed")
	return result, nil
}

func (b *BulkImporter) stream(ctx context.Context, logger *logging.Logger, req BulkImportRequest, body io.Reader, result *BulkImportResult) error {
	skipping := req.ResumeCursor != nil && *req.ResumeCursor != ""
	if skipping {
		logger.WithField("cursor", *req.ResumeCursor).Info("Resuming bulk import after cursor")
	}

	batch := make([]models.ImportRecord, 0, b.batchSize)
	reader := bufio.NewReaderSize(body, 64*1024)
	lineNo := 0

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read bulk result at line %d: %w", lineNo+1, readErr)
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			lineNo++
			rec, err := platform.ParseBulkLine(req.Shop, line)
			switch {
			case err != nil:
				result.Malformed++
				logger.WithError(err).WithField("line", lineNo).Warn("Skipping bulk line")
			case skipping:
				result.Skipped++
				if rec.PlatformID == *req.ResumeCursor {
					skipping = false
				}
			default:
				if rec.Order != nil {
					rec.Order.IsHistorical = rec.Order.PlatformCreatedAt.Before(req.SyncStartedAt)
				}
				batch = append(batch, rec)
				if len(batch) >= b.batchSize {
					if err := b.flush(ctx, req.SyncLogID, batch, result); err != nil {
						return err
					}
					batch = batch[:0]
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	if skipping {
		return fmt.Errorf("%w: %s", ErrCursorNotFound, *req.ResumeCursor)
	}
	if len(batch) > 0 {
		return b.flush(ctx, req.SyncLogID, batch, result)
	}
	return nil
}

// flush applies batch and advances the in-memory progress only after the
// transaction commits.
func (b *BulkImporter) flush(ctx context.Context, syncLogID string, batch []models.ImportRecord, result *BulkImportResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cursor := batch[len(batch)-1].PlatformID
	next := result.Progress
	next.Cursor = &cursor

	applied, err := b.store.ApplyImportBatch(ctx, syncLogID, batch, next)
	if err != nil {
		return err
	}

	next.CustomersSynced += applied.Customers
	next.OrdersSynced += applied.Orders
	next.RecordsProcessed += len(batch)
	result.Progress = next
	result.Batches++
	b.metrics.RecordsImported(applied.Customers, applied.Orders)
	return nil
}

func (b *BulkImporter) fail(ctx context.Context, logger *logging.Logger, req BulkImportRequest, progress models.SyncProgress, cause error) {
	logger.WithError(cause).Error("Bulk import failed")
	msg := cause.Error()
	// The caller's context may already be cancelled; the failure must still land.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.logs.Finish(finishCtx, req.SyncLogID, types.SyncStatusFailed, progress, &msg); err != nil {
		logger.WithError(err).Error("Failed to mark sync log failed")
	}
	b.metrics.SyncFinished(string(types.SyncTypeFull), string(types.SyncStatusFailed))
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// SyncLogRepository handles sync log persistence
type SyncLogRepository struct {
	db *PostgresDB
}

// NewSyncLogRepository creates a new sync log repository
func NewSyncLogRepository(db *PostgresDB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

const syncLogColumns = `
	id::text, shop_id, type, status, customers_synced, orders_synced,
	records_processed, error_message, cursor, bulk_operation_id,
	started_at, completed_at, created_at, updated_at
`

func scanSyncLog(row pgx.Row) (*models.SyncLog, error) {
	var s models.SyncLog
	err := row.Scan(
		&s.ID, &s.ShopID, &s.Type, &s.Status, &s.CustomersSynced, &s.OrdersSynced,
		&s.RecordsProcessed, &s.ErrorMessage, &s.Cursor, &s.BulkOperationID,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SyncLogRepository) queryOne(ctx context.Context, query string, args ...any) (*models.SyncLog, error) {
	s, err := scanSyncLog(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	return s, nil
}

// Create inserts a new sync log and fills in its id and timestamps
func (r *SyncLogRepository) Create(ctx context.Context, s *models.SyncLog) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO sync_logs (shop_id, type, status)
		VALUES ($1, $2, $3)
		RETURNING id::text, started_at, created_at, updated_at
	`, s.ShopID, s.Type, s.Status).Scan(&s.ID, &s.StartedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetByID returns a sync log or a not found error
func (r *SyncLogRepository) GetByID(ctx context.Context, id string) (*models.SyncLog, error) {
	s, err := r.queryOne(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1::uuid`, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperrors.NewNotFoundError("sync log", id)
	}
	return s, nil
}

// LatestResumable returns the most recent failed full sync that still has a
// cursor, or nil.
func (r *SyncLogRepository) LatestResumable(ctx context.Context, shopID string) (*models.SyncLog, error) {
	return r.queryOne(ctx, `
		SELECT `+syncLogColumns+`
		FROM sync_logs
		WHERE shop_id = $1 AND type = 'full' AND status = 'failed' AND cursor IS NOT NULL
		ORDER BY started_at DESC
		LIMIT 1
	`, shopID)
}

// GetByBulkOperation finds the sync log that started a bulk operation, or nil
func (r *SyncLogRepository) GetByBulkOperation(ctx context.Context, shopID, operationID string) (*models.SyncLog, error) {
	return r.queryOne(ctx, `
		SELECT `+syncLogColumns+`
		FROM sync_logs
		WHERE shop_id = $1 AND bulk_operation_id = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, shopID, operationID)
}

// Latest returns the most recently started sync of any type, or nil
func (r *SyncLogRepository) Latest(ctx context.Context, shopID string) (*models.SyncLog, error) {
	return r.queryOne(ctx, `
		SELECT `+syncLogColumns+`
		FROM sync_logs
		WHERE shop_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, shopID)
}

// LastCompleted returns the most recently completed sync, or nil
func (r *SyncLogRepository) LastCompleted(ctx context.Context, shopID string) (*models.SyncLog, error) {
	return r.queryOne(ctx, `
		SELECT `+syncLogColumns+`
		FROM sync_logs
		WHERE shop_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1
	`, shopID)
}

// History lists the latest sync logs for a shop, newest first
func (r *SyncLogRepository) History(ctx context.Context, shopID string, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+syncLogColumns+`
		FROM sync_logs
		WHERE shop_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, shopID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.SyncLog
	for rows.Next() {
		s, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		logs = append(logs, s)
	}
	return logs, rows.Err()
}

// MarkRunning moves a sync log to running, optionally recording the bulk
// operation id. Error message and completion time are cleared for resumes.
func (r *SyncLogRepository) MarkRunning(ctx context.Context, id string, bulkOperationID *string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE sync_logs
		SET status = 'running',
			bulk_operation_id = COALESCE($2, bulk_operation_id),
			error_message = NULL,
			completed_at = NULL,
			updated_at = NOW()
		WHERE id = $1::uuid
	`, id, bulkOperationID)
	if err != nil {
		return fmt.Errorf("failed to mark sync running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("sync log", id)
	}
	return nil
}

// Checkpoint persists the cursor and counts of a running sync
func (r *SyncLogRepository) Checkpoint(ctx context.Context, id string, progress models.SyncProgress) error {
	return checkpointSyncLog(ctx, r.db.Pool(), id, progress)
}

func checkpointSyncLog(ctx context.Context, q querier, id string, progress models.SyncProgress) error {
	_, err := q.Exec(ctx, `
		UPDATE sync_logs
		SET customers_synced = $2,
			orders_synced = $3,
			records_processed = $4,
			cursor = $5,
			updated_at = NOW()
		WHERE id = $1::uuid
	`, id, progress.CustomersSynced, progress.OrdersSynced, progress.RecordsProcessed, progress.Cursor)
	if err != nil {
		return fmt.Errorf("failed to checkpoint sync log: %w", err)
	}
	return nil
}

// Finish moves a sync log to a terminal status with its final counts.
// Cancelled logs are left alone so a manual override is not overwritten.
func (r *SyncLogRepository) Finish(ctx context.Context, id string, status types.SyncStatus, progress models.SyncProgress, errMsg *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sync_logs
		SET status = $2,
			customers_synced = $3,
			orders_synced = $4,
			records_processed = $5,
			cursor = $6,
			error_message = $7,
			completed_at = $8,
			updated_at = NOW()
		WHERE id = $1::uuid AND status <> 'cancelled'
	`, id, status, progress.CustomersSynced, progress.OrdersSynced, progress.RecordsProcessed,
		progress.Cursor, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	return nil
}

// Cancel overrides a non-terminal or failed sync to cancelled
func (r *SyncLogRepository) Cancel(ctx context.Context, id string) (*models.SyncLog, error) {
	s, err := r.queryOne(ctx, `
		UPDATE sync_logs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1::uuid AND status IN ('pending', 'running', 'failed')
		RETURNING `+syncLogColumns, id)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, apperrors.NewConflictError("sync is already completed or cancelled")
}

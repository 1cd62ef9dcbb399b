package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storefront-crm/internal/models"
)

// ImportRepository applies bulk-export batches
type ImportRepository struct {
	db *PostgresDB
}

// NewImportRepository creates a new import repository
func NewImportRepository(db *PostgresDB) *ImportRepository {
	return &ImportRepository{db: db}
}

// ImportBatchResult counts the records a batch applied
type ImportBatchResult struct {
	Customers int
	Orders    int
}

// ApplyImportBatch upserts every record and checkpoints the sync log in a
// single transaction, so a crash never leaves data ahead of its cursor.
func (r *ImportRepository) ApplyImportBatch(ctx context.Context, syncLogID string, records []models.ImportRecord, progress models.SyncProgress) (*ImportBatchResult, error) {
	result := &ImportBatchResult{}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range records {
			rec := &records[i]
			switch {
			case rec.Customer != nil:
				if _, err := upsertCustomer(ctx, tx, rec.Customer); err != nil {
					return err
				}
				result.Customers++
			case rec.Order != nil:
				if _, err := upsertOrder(ctx, tx, rec.Order); err != nil {
					return err
				}
				result.Orders++
			default:
				return fmt.Errorf("import record %s carries no payload", rec.PlatformID)
			}
		}

		progress.CustomersSynced += result.Customers
		progress.OrdersSynced += result.Orders
		progress.RecordsProcessed += len(records)
		return checkpointSyncLog(ctx, tx, syncLogID, progress)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply import batch: %w", err)
	}

	return result, nil
}

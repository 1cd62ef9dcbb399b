package models

import (
	"time"

	"github.com/storefront-crm/internal/types"
)

// SyncLog records one sync attempt for a shop
type SyncLog struct {
	ID               string           `json:"id" db:"id"`
	ShopID           string           `json:"shopId" db:"shop_id"`
	Type             types.SyncType   `json:"type" db:"type"`
	Status           types.SyncStatus `json:"status" db:"status"`
	CustomersSynced  int              `json:"customersSynced" db:"customers_synced"`
	OrdersSynced     int              `json:"ordersSynced" db:"orders_synced"`
	RecordsProcessed int              `json:"recordsProcessed" db:"records_processed"`
	ErrorMessage     *string          `json:"errorMessage,omitempty" db:"error_message"`
	// Cursor is the platform id of the last applied record.
	Cursor          *string    `json:"cursor,omitempty" db:"cursor"`
	BulkOperationID *string    `json:"bulkOperationId,omitempty" db:"bulk_operation_id"`
	StartedAt       time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`

	// Resumed is set when StartFullSync picked up a failed run instead of starting fresh.
	Resumed bool `json:"resumed,omitempty" db:"-"`
}

// SyncProgress is the checkpointed state of a running sync
type SyncProgress struct {
	CustomersSynced  int
	OrdersSynced     int
	RecordsProcessed int
	Cursor           *string
}

// Progress returns the counters and cursor currently stored on the log
func (s *SyncLog) Progress() SyncProgress {
	return SyncProgress{
		CustomersSynced:  s.CustomersSynced,
		OrdersSynced:     s.OrdersSynced,
		RecordsProcessed: s.RecordsProcessed,
		Cursor:           s.Cursor,
	}
}

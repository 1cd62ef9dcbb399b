package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EngagementEvent is one open or click recorded by the tracking endpoints
type EngagementEvent struct {
	EventTime    time.Time
	ShopID       string
	MessageID    string
	CustomerID   string
	AutomationID *string
	EventType    string // "open" or "click"
	URL          string
	UserAgent    string
}

// EngagementRepository archives engagement events in ClickHouse for reporting.
// Postgres message_logs remains the source of truth for message status.
type EngagementRepository struct {
	db *ClickHouseDB
}

// NewEngagementRepository creates a new engagement repository
func NewEngagementRepository(db *ClickHouseDB) *EngagementRepository {
	return &EngagementRepository{db: db}
}

// RecordEvents appends events in a single native batch
func (r *EngagementRepository) RecordEvents(ctx context.Context, events []EngagementEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO engagement_events (
			event_time, shop_id, message_id, customer_id, automation_id,
			event_type, url, user_agent
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		messageID, err := uuid.Parse(e.MessageID)
		if err != nil {
			return fmt.Errorf("invalid message id %q: %w", e.MessageID, err)
		}
		customerID, err := uuid.Parse(e.CustomerID)
		if err != nil {
			return fmt.Errorf("invalid customer id %q: %w", e.CustomerID, err)
		}
		var automationID *uuid.UUID
		if e.AutomationID != nil {
			id, err := uuid.Parse(*e.AutomationID)
			if err != nil {
				return fmt.Errorf("invalid automation id %q: %w", *e.AutomationID, err)
			}
			automationID = &id
		}
		if err := batch.Append(e.EventTime.UTC(), e.ShopID, messageID, customerID, automationID, e.EventType, e.URL, e.UserAgent); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// RecordEvent archives a single event
func (r *EngagementRepository) RecordEvent(ctx context.Context, event EngagementEvent) error {
	return r.RecordEvents(ctx, []EngagementEvent{event})
}

// EngagementCounts is the number of opens and clicks for a shop in a window
type EngagementCounts struct {
	Opens  uint64
	Clicks uint64
}

// CountsSince aggregates opens and clicks for a shop since the given time
func (r *EngagementRepository) CountsSince(ctx context.Context, shopID string, since time.Time) (*EngagementCounts, error) {
	var counts EngagementCounts
	err := r.db.conn.QueryRow(ctx, `
		SELECT countIf(event_type = 'open'), countIf(event_type = 'click')
		FROM engagement_events
		WHERE shop_id = ? AND event_time >= ?
	`, shopID, since.UTC()).Scan(&counts.Opens, &counts.Clicks)
	if err != nil {
		return nil, fmt.Errorf("failed to count engagement events: %w", err)
	}
	return &counts, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
)

// WebhookDeliveryRepository stores the per-delivery idempotency guard
type WebhookDeliveryRepository struct {
	db *PostgresDB
}

// NewWebhookDeliveryRepository creates a new webhook delivery repository
func NewWebhookDeliveryRepository(db *PostgresDB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

// InsertIfAbsent records a delivery as processing. It returns false when the
// delivery id was already recorded, which the unique constraint decides even
// under concurrent inserts.
func (r *WebhookDeliveryRepository) InsertIfAbsent(ctx context.Context, shopID, deliveryID, topic string) (bool, error) {
	var id string
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO webhook_deliveries (shop_id, delivery_id, topic, status)
		VALUES ($1, $2, $3, 'processing')
		ON CONFLICT (shop_id, delivery_id) DO NOTHING
		RETURNING id::text
	`, shopID, deliveryID, topic).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	return true, nil
}

// Get returns a delivery record
func (r *WebhookDeliveryRepository) Get(ctx context.Context, shopID, deliveryID string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id::text, shop_id, delivery_id, topic, status, attempts, last_error,
			received_at, processed_at
		FROM webhook_deliveries
		WHERE shop_id = $1 AND delivery_id = $2
	`, shopID, deliveryID).Scan(
		&d.ID, &d.ShopID, &d.DeliveryID, &d.Topic, &d.Status, &d.Attempts, &d.LastError,
		&d.ReceivedAt, &d.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("webhook delivery", deliveryID)
		}
		return nil, fmt.Errorf("failed to get webhook delivery: %w", err)
	}
	return &d, nil
}

// MarkProcessed transitions processing -> processed
func (r *WebhookDeliveryRepository) MarkProcessed(ctx context.Context, shopID, deliveryID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'processed', attempts = attempts + 1, last_error = NULL, processed_at = NOW()
		WHERE shop_id = $1 AND delivery_id = $2 AND status = 'processing'
	`, shopID, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery processed: %w", err)
	}
	return nil
}

// RecordFailure counts a failed attempt and keeps the delivery in processing
func (r *WebhookDeliveryRepository) RecordFailure(ctx context.Context, shopID, deliveryID, errMsg string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, last_error = $3
		WHERE shop_id = $1 AND delivery_id = $2 AND status = 'processing'
	`, shopID, deliveryID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return nil
}

// MarkDeadLetter transitions processing -> dead_letter with the last error
func (r *WebhookDeliveryRepository) MarkDeadLetter(ctx context.Context, shopID, deliveryID, errMsg string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'dead_letter', last_error = $3, processed_at = NOW()
		WHERE shop_id = $1 AND delivery_id = $2 AND status = 'processing'
	`, shopID, deliveryID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	return nil
}

// Delete removes a delivery still in processing so the platform's redelivery
// is accepted again.
func (r *WebhookDeliveryRepository) Delete(ctx context.Context, shopID, deliveryID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE shop_id = $1 AND delivery_id = $2 AND status = 'processing'
	`, shopID, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to delete delivery: %w", err)
	}
	return nil
}

// CountDeadLetters returns the number of dead-lettered deliveries for a shop
func (r *WebhookDeliveryRepository) CountDeadLetters(ctx context.Context, shopID string) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE shop_id = $1 AND status = 'dead_letter'`,
		shopID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// MessageLogRepository persists send attempts and their engagement
type MessageLogRepository struct {
	db *PostgresDB
}

// NewMessageLogRepository creates a new message log repository
func NewMessageLogRepository(db *PostgresDB) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

const uniqueLiveIdempotencyIndex = "idx_message_logs_idempotency_live"

// Insert stores a message log and fills in its id. A second live (not
// failed) log under the same idempotency key is rejected with a conflict
// error.
func (r *MessageLogRepository) Insert(ctx context.Context, m *models.MessageLog) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO message_logs (
			shop_id, customer_id, automation_id, email, subject, status,
			suppression_reason, error_message, provider_message_id, idempotency_key, sent_at
		)
		VALUES ($1, $2::uuid, $3::uuid, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id::text, created_at
	`, m.ShopID, m.CustomerID, m.AutomationID, m.Email, m.Subject, m.Status,
		m.SuppressionReason, m.ErrorMessage, m.ProviderMessageID, m.IdempotencyKey, m.SentAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniqueLiveIdempotencyIndex {
			conflict := apperrors.NewConflictError("message already recorded for idempotency key")
			conflict.Cause = err
			conflict.Details = map[string]interface{}{"idempotencyKey": m.IdempotencyKey}
			return conflict
		}
		return apperrors.NewDatabaseError("insert message log", err)
	}
	return nil
}

// GetByID returns a message log
func (r *MessageLogRepository) GetByID(ctx context.Context, id string) (*models.MessageLog, error) {
	var m models.MessageLog
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id::text, shop_id, customer_id::text, automation_id::text, email, subject,
			status, suppression_reason, error_message, provider_message_id, idempotency_key,
			sent_at, opened_at, clicked_at, converted_at, created_at
		FROM message_logs
		WHERE id = $1::uuid
	`, id).Scan(
		&m.ID, &m.ShopID, &m.CustomerID, &m.AutomationID, &m.Email, &m.Subject,
		&m.Status, &m.SuppressionReason, &m.ErrorMessage, &m.ProviderMessageID, &m.IdempotencyKey,
		&m.SentAt, &m.OpenedAt, &m.ClickedAt, &m.ConvertedAt, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("message", id)
		}
		return nil, fmt.Errorf("failed to get message log: %w", err)
	}
	return &m, nil
}

// MarkProviderAccepted stores the provider's message id on a sent log
func (r *MessageLogRepository) MarkProviderAccepted(ctx context.Context, id, providerMessageID string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE message_logs SET provider_message_id = $2 WHERE id = $1::uuid`,
		id, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to update message log: %w", err)
	}
	return nil
}

// MarkFailed moves a message to failed with the provider error
func (r *MessageLogRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE message_logs SET status = $2, error_message = $3 WHERE id = $1::uuid`,
		id, types.MessageFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// MarkOpened records the first open. Status only advances from sent.
func (r *MessageLogRepository) MarkOpened(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE message_logs
		SET opened_at = COALESCE(opened_at, $2),
			status = CASE WHEN status = 'sent' THEN 'opened' ELSE status END
		WHERE id = $1::uuid AND status NOT IN ('suppressed', 'failed')
	`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark message opened: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkClicked records the first click, implying an open
func (r *MessageLogRepository) MarkClicked(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE message_logs
		SET clicked_at = COALESCE(clicked_at, $2),
			opened_at = COALESCE(opened_at, $2),
			status = CASE WHEN status IN ('sent', 'opened') THEN 'clicked' ELSE status END
		WHERE id = $1::uuid AND status NOT IN ('suppressed', 'failed')
	`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark message clicked: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConvertedSince attributes an order to every message the customer
// clicked at or after since. Returns the number of messages converted.
func (r *MessageLogRepository) MarkConvertedSince(ctx context.Context, customerID string, since, at time.Time) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE message_logs
		SET status = 'converted', converted_at = $3
		WHERE customer_id = $1::uuid AND status = 'clicked' AND clicked_at >= $2
	`, customerID, since.UTC(), at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to attribute conversion: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExistsForIdempotencyKey reports whether a non-failed send already used key
func (r *MessageLogRepository) ExistsForIdempotencyKey(ctx context.Context, shopID, key string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM message_logs
			WHERE shop_id = $1 AND idempotency_key = $2 AND status <> 'failed'
		)
	`, shopID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// SuppressionRepository persists the per-shop send block list
type SuppressionRepository struct {
	db *PostgresDB
}

// NewSuppressionRepository creates a new suppression repository
func NewSuppressionRepository(db *PostgresDB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// Lookup returns the suppression for an address, or nil. Emails compare
// case-insensitively.
func (r *SuppressionRepository) Lookup(ctx context.Context, shopID, email string) (*models.Suppression, error) {
	var s models.Suppression
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id::text, shop_id, email, reason, created_at
		FROM suppressions
		WHERE shop_id = $1 AND email = $2
	`, shopID, normalizeEmail(email)).Scan(&s.ID, &s.ShopID, &s.Email, &s.Reason, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up suppression: %w", err)
	}
	return &s, nil
}

// Add suppresses an address. An existing suppression keeps its original reason.
func (r *SuppressionRepository) Add(ctx context.Context, shopID, email string, reason types.SuppressionReason) error {
	if !reason.Valid() {
		return apperrors.NewInvalidParameterError("reason", fmt.Sprintf("unknown suppression reason %q", reason))
	}
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO suppressions (shop_id, email, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop_id, email) DO NOTHING
	`, shopID, normalizeEmail(email), reason)
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

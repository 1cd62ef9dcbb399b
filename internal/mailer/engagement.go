package mailer

import (
	"context"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/storage"
	"github.com/storefront-crm/internal/types"
)

// EngagementStore updates message status on opens and clicks
type EngagementStore interface {
	GetByID(ctx context.Context, id string) (*models.MessageLog, error)
	MarkOpened(ctx context.Context, id string, at time.Time) (bool, error)
	MarkClicked(ctx context.Context, id string, at time.Time) (bool, error)
}

// EventArchive receives a copy of every engagement event. Optional.
type EventArchive interface {
	RecordEvent(ctx context.Context, event storage.EngagementEvent) error
}

// Tracker records opens and clicks coming back from the tracking endpoints
type Tracker struct {
	store   EngagementStore
	archive EventArchive
	now     func() time.Time
}

// NewTracker creates a tracker; archive may be nil
func NewTracker(store EngagementStore, archive EventArchive) *Tracker {
	return &Tracker{store: store, archive: archive, now: time.Now}
}

// RecordOpen marks a message opened. Repeated opens keep the first timestamp.
func (t *Tracker) RecordOpen(ctx context.Context, messageID, userAgent string) error {
	return t.record(ctx, messageID, "open", "", userAgent)
}

// RecordClick marks a message clicked, which also implies opened
func (t *Tracker) RecordClick(ctx context.Context, messageID, target, userAgent string) error {
	return t.record(ctx, messageID, "click", target, userAgent)
}

func (t *Tracker) record(ctx context.Context, messageID, eventType, target, userAgent string) error {
	msg, err := t.store.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status == types.MessageSuppressed || msg.Status == types.MessageFailed {
		return nil
	}

	at := t.now().UTC()
	var first bool
	if eventType == "click" {
		first, err = t.store.MarkClicked(ctx, messageID, at)
	} else {
		first, err = t.store.MarkOpened(ctx, messageID, at)
	}
	if err != nil {
		return err
	}

	logger := logging.FromContext(ctx).WithComponent("tracker").WithShop(msg.ShopID).WithFields(map[string]interface{}{
		"messageId": messageID,
		"event":     eventType,
		"first":     first,
	})
	logger.Debug("Engagement recorded")

	if t.archive != nil {
		event := storage.EngagementEvent{
			EventTime:    at,
			ShopID:       msg.ShopID,
			MessageID:    messageID,
			CustomerID:   msg.CustomerID,
			AutomationID: msg.AutomationID,
			EventType:    eventType,
			URL:          target,
			UserAgent:    userAgent,
		}
		if err := t.archive.RecordEvent(ctx, event); err != nil {
			logger.WithError(err).Warn("Failed to archive engagement event")
		}
	}
	return nil
}

// UnsubscribeCustomers is the customer side of an unsubscribe
type UnsubscribeCustomers interface {
	GetByID(ctx context.Context, id string) (*models.Customer, error)
	SetMarketingOptOut(ctx context.Context, shopID, customerID string) error
}

// SuppressionAdder records suppressed addresses
type SuppressionAdder interface {
	Add(ctx context.Context, shopID, email string, reason types.SuppressionReason) error
}

// Unsubscriber applies one-click unsubscribe tokens
type Unsubscriber struct {
	secret       []byte
	customers    UnsubscribeCustomers
	suppressions SuppressionAdder
}

// NewUnsubscriber creates an unsubscriber
func NewUnsubscriber(secret string, customers UnsubscribeCustomers, suppressions SuppressionAdder) *Unsubscriber {
	return &Unsubscriber{secret: []byte(secret), customers: customers, suppressions: suppressions}
}

// Unsubscribe verifies token, opts the customer out of marketing and
// suppresses their address. Applying the same token twice is harmless.
func (u *Unsubscriber) Unsubscribe(ctx context.Context, token string) (*UnsubscribeClaims, error) {
	claims, err := VerifyUnsubscribeToken(u.secret, token)
	if err != nil {
		return nil, err
	}

	customer, err := u.customers.GetByID(ctx, claims.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer.ShopID != claims.ShopID {
		return nil, apperrors.NewVerificationError("invalid unsubscribe token")
	}

	if err := u.customers.SetMarketingOptOut(ctx, claims.ShopID, claims.CustomerID); err != nil {
		return nil, err
	}
	if customer.Email != "" {
		if err := u.suppressions.Add(ctx, claims.ShopID, customer.Email, types.SuppressionUnsubscribe); err != nil {
			return nil, err
		}
	}

	logging.FromContext(ctx).WithComponent("unsubscribe").WithShop(claims.ShopID).
		WithField("customerId", claims.CustomerID).Info("Customer unsubscribed")
	return claims, nil
}

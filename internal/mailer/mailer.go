// Package mailer renders automation emails, applies suppression rules and hands
// messages to the mail provider. It also owns the tracking and unsubscribe
// links embedded in every message.
package mailer

import (
	"context"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// Reasons recorded on suppressed message logs
const (
	ReasonNoEmail   = "no_email"
	ReasonOptedOut  = "opted_out"
	ReasonDeleted   = "customer_deleted"
	ReasonLookupErr = "suppression_lookup_failed"
	// ReasonDuplicate is reported, not stored: another live send holds the key.
	ReasonDuplicate = "duplicate"
)

// MessageLogStore persists send attempts
type MessageLogStore interface {
	Insert(ctx context.Context, m *models.MessageLog) error
	MarkProviderAccepted(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// SuppressionChecker finds an active suppression for an address
type SuppressionChecker interface {
	Lookup(ctx context.Context, shopID, email string) (*models.Suppression, error)
}

// Config holds the sender identity and the public link base
type Config struct {
	PublicBaseURL     string
	UnsubscribeSecret string
	FromAddress       string
	FromName          string
	ReplyTo           string
}

// Mailer executes send_email actions
type Mailer struct {
	cfg          Config
	logs         MessageLogStore
	suppressions SuppressionChecker
	provider     Provider
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New creates a mailer
func New(cfg Config, logs MessageLogStore, suppressions SuppressionChecker, provider Provider, m *metrics.Metrics) *Mailer {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Mailer{
		cfg:          cfg,
		logs:         logs,
		suppressions: suppressions,
		provider:     provider,
		metrics:      m,
		now:          time.Now,
	}
}

// SendRequest is one email for one customer
type SendRequest struct {
	Shop       string
	Customer   *models.Customer
	Automation *models.Automation
	Action     models.EmailAction
	// IdempotencyKey is stored on the log and forwarded to the provider.
	IdempotencyKey string
}

// SendResult reports what happened to a send. Error is set only for failed sends.
type SendResult struct {
	Status       types.MessageStatus
	MessageLogID string
	Reason       string
	Error        error
}

// ExecuteEmailAction renders and sends one email. It never returns an error:
// suppression and provider failures are reported in the result and in the
// message log.
func (m *Mailer) ExecuteEmailAction(ctx context.Context, req SendRequest) SendResult {
	customer := req.Customer
	logger := logging.FromContext(ctx).WithComponent("mailer").WithShop(req.Shop).
		WithField("customerId", customer.ID)

	unsubURL := UnsubscribeURL(m.cfg.PublicBaseURL,
		NewUnsubscribeToken([]byte(m.cfg.UnsubscribeSecret), customer.ID, req.Shop, m.now()))
	vars := NewVariables(req.Shop, customer, unsubURL, req.Action.DiscountCode)
	subject := Substitute(req.Action.Subject, vars, false)

	entry := &models.MessageLog{
		ShopID:         req.Shop,
		CustomerID:     customer.ID,
		Email:          strings.TrimSpace(customer.Email),
		Subject:        subject,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Automation != nil && req.Automation.ID != "" {
		id := req.Automation.ID
		entry.AutomationID = &id
	}

	if reason := m.suppressionReason(ctx, req.Shop, customer); reason != "" {
		return m.suppress(ctx, logger, entry, reason)
	}

	sentAt := m.now().UTC()
	entry.Status = types.MessageSent
	entry.SentAt = &sentAt
	if err := m.logs.Insert(ctx, entry); err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryConflict) {
			logger.WithField("idempotencyKey", req.IdempotencyKey).Info("Message already sent for this key, skipping")
			return SendResult{Status: types.MessageSuppressed, Reason: ReasonDuplicate}
		}
		logger.WithError(err).Error("Failed to record message before sending")
		m.metrics.EmailResult(string(types.MessageFailed))
		return SendResult{Status: types.MessageFailed, Error: err}
	}

	body, source := ResolveTemplate(req.Automation, vars)
	body = InjectTracking(body, m.cfg.PublicBaseURL, entry.ID, unsubURL)

	providerID, err := m.provider.Send(ctx, &Email{
		From:           m.from(req.Action),
		To:             entry.Email,
		ReplyTo:        firstNonEmpty(req.Action.ReplyTo, m.cfg.ReplyTo),
		Subject:        subject,
		HTML:           body,
		UnsubscribeURL: unsubURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		logger.WithError(err).WithField("messageId", entry.ID).Warn("Mail provider rejected message")
		if markErr := m.logs.MarkFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("Failed to mark message failed")
		}
		m.metrics.EmailResult(string(types.MessageFailed))
		return SendResult{Status: types.MessageFailed, MessageLogID: entry.ID, Error: err}
	}

	if err := m.logs.MarkProviderAccepted(ctx, entry.ID, providerID); err != nil {
		logger.WithError(err).Warn("Failed to store provider message id")
	}
	m.metrics.EmailResult(string(types.MessageSent))
	logger.WithFields(map[string]interface{}{
		"messageId": entry.ID,
		"template":  string(source),
	}).Info("Email sent")

	return SendResult{Status: types.MessageSent, MessageLogID: entry.ID}
}

func (m *Mailer) suppressionReason(ctx context.Context, shop string, c *models.Customer) string {
	switch {
	case strings.TrimSpace(c.Email) == "":
		return ReasonNoEmail
	case c.DeletedAt != nil:
		return ReasonDeleted
	case c.MarketingOptedOut:
		return ReasonOptedOut
	}
	s, err := m.suppressions.Lookup(ctx, shop, c.Email)
	if err != nil {
		logging.FromContext(ctx).WithComponent("mailer").WithError(err).Warn("Suppression lookup failed, not sending")
		return ReasonLookupErr
	}
	if s != nil {
		return string(s.Reason)
	}
	return ""
}

func (m *Mailer) suppress(ctx context.Context, logger *logging.Logger, entry *models.MessageLog, reason string) SendResult {
	entry.Status = types.MessageSuppressed
	entry.SuppressionReason = &reason
	if err := m.logs.Insert(ctx, entry); err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryConflict) {
			return SendResult{Status: types.MessageSuppressed, Reason: ReasonDuplicate}
		}
		logger.WithError(err).Error("Failed to record suppressed message")
	}
	m.metrics.EmailResult(string(types.MessageSuppressed))
	logger.WithField("reason", reason).Info("Email suppressed")
	return SendResult{Status: types.MessageSuppressed, MessageLogID: entry.ID, Reason: reason}
}

func (m *Mailer) from(action models.EmailAction) string {
	addr := mail.Address{Name: firstNonEmpty(action.FromName, m.cfg.FromName), Address: m.cfg.FromAddress}
	return addr.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

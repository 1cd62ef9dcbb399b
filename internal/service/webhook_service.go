package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/types"
)

// Webhook headers set by the platform
const (
	HeaderHmac       = "X-Shopify-Hmac-Sha256"
	HeaderWebhookID  = "X-Shopify-Webhook-Id"
	HeaderTopic      = "X-Shopify-Topic"
	HeaderShopDomain = "X-Shopify-Shop-Domain"
)

// IngestResult is the outcome of a successfully handled delivery
type IngestResult string

const (
	// IngestAccepted means the delivery was recorded and queued
	IngestAccepted IngestResult = "accepted"
	// IngestDuplicate means the delivery id was seen before
	IngestDuplicate IngestResult = "duplicate"
)

// DeliveryStore is the idempotency guard for webhook deliveries
type DeliveryStore interface {
	InsertIfAbsent(ctx context.Context, shopID, deliveryID, topic string) (bool, error)
	MarkDeadLetter(ctx context.Context, shopID, deliveryID, errMsg string) error
	Delete(ctx context.Context, shopID, deliveryID string) error
}

// WebhookService verifies, deduplicates and queues platform webhooks
type WebhookService struct {
	secret     []byte
	deliveries DeliveryStore
	dispatcher job.Dispatcher
	metrics    *metrics.Metrics
}

// NewWebhookService creates a webhook service
func NewWebhookService(secret string, deliveries DeliveryStore, dispatcher job.Dispatcher, m *metrics.Metrics) *WebhookService {
	return &WebhookService{
		secret:     []byte(secret),
		deliveries: deliveries,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// SignWebhook returns the base64 HMAC-SHA256 of body
func SignWebhook(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature compares signature against the HMAC of the raw body
// in constant time
func VerifyWebhookSignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	expected := SignWebhook(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Ingest handles one delivery. The signature is checked over the exact bytes
// received, and the delivery row is written before anything is dispatched.
func (s *WebhookService) Ingest(ctx context.Context, rawBody []byte, headers http.Header) (IngestResult, error) {
	logger := logging.FromContext(ctx).WithComponent("webhook")

	if !VerifyWebhookSignature(s.secret, rawBody, headers.Get(HeaderHmac)) {
		s.metrics.WebhookReceived(headers.Get(HeaderTopic), "unauthorized")
		logger.WithField("topic", headers.Get(HeaderTopic)).Warn("Rejected webhook with invalid signature")
		return "", apperrors.NewVerificationError("invalid webhook signature")
	}

	deliveryID := headers.Get(HeaderWebhookID)
	topic := headers.Get(HeaderTopic)
	shop := types.ShopIDFromURL(headers.Get(HeaderShopDomain))
	switch {
	case deliveryID == "":
		return "", apperrors.NewInvalidParameterError(HeaderWebhookID, "header is required")
	case topic == "":
		return "", apperrors.NewInvalidParameterError(HeaderTopic, "header is required")
	case shop == "":
		return "", apperrors.NewInvalidParameterError(HeaderShopDomain, "header is required")
	}
	logger = logger.WithShop(shop).WithFields(map[string]interface{}{
		"topic":      topic,
		"deliveryId": deliveryID,
	})

	inserted, err := s.deliveries.InsertIfAbsent(ctx, shop, deliveryID, topic)
	if err != nil {
		return "", err
	}
	if !inserted {
		s.metrics.WebhookReceived(topic, string(IngestDuplicate))
		logger.Debug("Duplicate webhook delivery")
		return IngestDuplicate, nil
	}

	if !json.Valid(rawBody) {
		perr := apperrors.NewInvalidPayloadError(fmt.Errorf("%d bytes of invalid JSON", len(rawBody)))
		if err := s.deliveries.MarkDeadLetter(ctx, shop, deliveryID, perr.Error()); err != nil {
			logger.WithError(err).Error("Failed to dead-letter unparsable delivery")
		}
		s.metrics.WebhookReceived(topic, "invalid")
		s.metrics.WebhookDeadLettered(topic)
		return "", perr
	}

	msg := &job.Message{
		Topic:      topic,
		Shop:       shop,
		DeliveryID: deliveryID,
		Payload:    json.RawMessage(rawBody),
	}
	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		// Forget the delivery so the platform's redelivery is not swallowed.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := s.deliveries.Delete(cleanupCtx, shop, deliveryID); derr != nil {
			logger.WithError(derr).Error("Failed to remove delivery after dispatch failure")
		}
		s.metrics.WebhookReceived(topic, "dispatch_failed")
		return "", apperrors.NewInternalError("failed to queue webhook", err)
	}

	s.metrics.WebhookReceived(topic, string(IngestAccepted))
	logger.Debug("Webhook queued")
	return IngestAccepted, nil
}

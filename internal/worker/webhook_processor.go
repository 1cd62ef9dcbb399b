// Package worker consumes the dispatch queue and runs the periodic jobs of
// the worker process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/platform"
	"github.com/storefront-crm/internal/retry"
	"github.com/storefront-crm/internal/service"
	"github.com/storefront-crm/internal/types"
)

// Platform webhook topics
const (
	TopicOrdersCreate         = "orders/create"
	TopicOrdersUpdated        = "orders/updated"
	TopicOrdersPaid           = "orders/paid"
	TopicOrdersCancelled      = "orders/cancelled"
	TopicCustomersCreate      = "customers/create"
	TopicCustomersUpdate      = "customers/update"
	TopicCustomersDelete      = "customers/delete"
	TopicBulkOperationsFinish = "bulk_operations/finish"
)

// ConversionWindow is how long after a click an order counts as a conversion
const ConversionWindow = 7 * 24 * time.Hour

// TopicHandler handles the messages of one or more topics
type TopicHandler interface {
	CanHandle(topic string) bool
	Handle(ctx context.Context, msg *job.Message) error
}

// DeliveryTracker records the outcome of webhook deliveries
type DeliveryTracker interface {
	MarkProcessed(ctx context.Context, shopID, deliveryID string) error
	RecordFailure(ctx context.Context, shopID, deliveryID, errMsg string) error
	MarkDeadLetter(ctx context.Context, shopID, deliveryID, errMsg string) error
}

// CustomerStore is the customer side of webhook processing
type CustomerStore interface {
	Upsert(ctx context.Context, c *models.Customer) (*models.UpsertResult, error)
	GetByPlatformID(ctx context.Context, shopID, platformID string) (*models.Customer, error)
	SoftDeleteByPlatformID(ctx context.Context, shopID, platformID string) (bool, error)
}

// OrderStore is the order side of webhook processing
type OrderStore interface {
	Upsert(ctx context.Context, o *models.Order) (*models.UpsertResult, error)
	CountForCustomer(ctx context.Context, customerID string) (int, error)
}

// ConversionMarker attributes orders to recently clicked messages
type ConversionMarker interface {
	MarkConvertedSince(ctx context.Context, customerID string, since, at time.Time) (int, error)
}

// EventHandler receives automation events
type EventHandler interface {
	HandleEvent(ctx context.Context, event service.Event) error
}

// ScheduledRunner runs delayed automations
type ScheduledRunner interface {
	ExecuteScheduled(ctx context.Context, payload json.RawMessage) error
}

// SyncDriver finishes and resumes full syncs
type SyncDriver interface {
	CompleteBulkOperation(ctx context.Context, shop, operationID, status, url string) error
	ResumeFullSync(ctx context.Context, shop, syncLogID string) error
}

// WebhookProcessor routes queue messages to topic handlers and keeps the
// webhook delivery records in step
type WebhookProcessor struct {
	handlers   []TopicHandler
	deliveries DeliveryTracker
	metrics    *metrics.Metrics
}

// NewWebhookProcessor creates a processor over the given handlers
func NewWebhookProcessor(deliveries DeliveryTracker, m *metrics.Metrics, handlers ...TopicHandler) *WebhookProcessor {
	return &WebhookProcessor{handlers: handlers, deliveries: deliveries, metrics: m}
}

// Register adds a handler. Earlier handlers win for overlapping topics.
func (p *WebhookProcessor) Register(h TopicHandler) {
	p.handlers = append(p.handlers, h)
}

// Handle is the dispatch queue handler. A returned error sends the message
// back for retry; invalid payloads are marked permanent.
func (p *WebhookProcessor) Handle(ctx context.Context, msg *job.Message) error {
	logger := logging.FromContext(ctx).WithComponent("webhook-processor").WithShop(msg.Shop).
		WithField("topic", msg.Topic)

	var handler TopicHandler
	for _, h := range p.handlers {
		if h.CanHandle(msg.Topic) {
			handler = h
			break
		}
	}
	if handler == nil {
		p.metrics.MessageHandled(msg.Topic, "unhandled")
		return retry.Permanent(fmt.Errorf("no handler for topic %q", msg.Topic))
	}

	err := handler.Handle(ctx, msg)
	if err != nil {
		p.metrics.MessageHandled(msg.Topic, "error")
		if msg.DeliveryID != "" {
			if recErr := p.deliveries.RecordFailure(ctx, msg.Shop, msg.DeliveryID, err.Error()); recErr != nil {
				logger.WithError(recErr).Warn("Failed to record delivery failure")
			}
		}
		if apperrors.IsCategory(err, apperrors.CategoryValidation) {
			return retry.Permanent(err)
		}
		return err
	}

	p.metrics.MessageHandled(msg.Topic, "ok")
	if msg.DeliveryID != "" {
		if err := p.deliveries.MarkProcessed(ctx, msg.Shop, msg.DeliveryID); err != nil {
			logger.WithError(err).Warn("Failed to mark delivery processed")
		}
	}
	return nil
}

// OnDeadLetter is the dispatch queue's dead-letter callback
func (p *WebhookProcessor) OnDeadLetter(ctx context.Context, msg *job.Message, cause error) {
	p.metrics.WebhookDeadLettered(msg.Topic)
	if msg.DeliveryID == "" {
		return
	}
	if err := p.deliveries.MarkDeadLetter(context.WithoutCancel(ctx), msg.Shop, msg.DeliveryID, cause.Error()); err != nil {
		logging.FromContext(ctx).WithComponent("webhook-processor").WithError(err).Error("Failed to mark delivery dead-lettered")
	}
}

type topicSet map[string]bool

func (t topicSet) CanHandle(topic string) bool { return t[topic] }

func invalidPayload(err error) error {
	return apperrors.NewInvalidPayloadError(err)
}

// OrderHandler upserts orders and raises order automation events
type OrderHandler struct {
	topicSet
	customers   CustomerStore
	orders      OrderStore
	conversions ConversionMarker
	events      EventHandler
}

// NewOrderHandler creates the orders/* handler. conversions and events may be nil.
func NewOrderHandler(customers CustomerStore, orders OrderStore, conversions ConversionMarker, events EventHandler) *OrderHandler {
	return &OrderHandler{
		topicSet:    topicSet{TopicOrdersCreate: true, TopicOrdersUpdated: true, TopicOrdersPaid: true, TopicOrdersCancelled: true},
		customers:   customers,
		orders:      orders,
		conversions: conversions,
		events:      events,
	}
}

// Handle implements TopicHandler
func (h *OrderHandler) Handle(ctx context.Context, msg *job.Message) error {
	order, customer, err := platform.OrderFromWebhook(msg.Shop, msg.Payload)
	if err != nil {
		return invalidPayload(err)
	}

	// The embedded customer only seeds a missing row; customers/* webhooks own
	// the customer fields.
	if customer != nil {
		_, err := h.customers.GetByPlatformID(ctx, msg.Shop, customer.PlatformID)
		switch {
		case apperrors.IsCategory(err, apperrors.CategoryNotFound):
			if _, err := h.customers.Upsert(ctx, customer); err != nil {
				return err
			}
		case err != nil:
			return err
		}
	}

	result, err := h.orders.Upsert(ctx, order)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"orderId": result.ID,
		"applied": result.Applied,
	}).Debug("Order upserted")

	if msg.Topic != TopicOrdersCreate || order.CustomerID == nil {
		return nil
	}
	return h.raiseCreated(ctx, msg.Shop, order)
}

func (h *OrderHandler) raiseCreated(ctx context.Context, shop string, order *models.Order) error {
	customerID := *order.CustomerID
	at := order.PlatformCreatedAt

	if h.conversions != nil {
		n, err := h.conversions.MarkConvertedSince(ctx, customerID, at.Add(-ConversionWindow), at)
		if err != nil {
			return err
		}
		if n > 0 {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"customerId": customerID,
				"messages":   n,
			}).Info("Order attributed to clicked messages")
		}
	}

	if h.events == nil {
		return nil
	}
	if err := h.events.HandleEvent(ctx, service.Event{
		Type: types.TriggerOrderCreated, ShopID: shop, CustomerID: customerID, OccurredAt: at,
	}); err != nil {
		return err
	}

	count, err := h.orders.CountForCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if count != 1 {
		return nil
	}
	return h.events.HandleEvent(ctx, service.Event{
		Type: types.TriggerFirstOrder, ShopID: shop, CustomerID: customerID, OccurredAt: at,
	})
}

// CustomerHandler upserts customers and soft-deletes them on customers/delete
type CustomerHandler struct {
	topicSet
	customers CustomerStore
	events    EventHandler
	now       func() time.Time
}

// NewCustomerHandler creates the customers/* handler. events may be nil.
func NewCustomerHandler(customers CustomerStore, events EventHandler) *CustomerHandler {
	return &CustomerHandler{
		topicSet:  topicSet{TopicCustomersCreate: true, TopicCustomersUpdate: true, TopicCustomersDelete: true},
		customers: customers,
		events:    events,
		now:       time.Now,
	}
}

// Handle implements TopicHandler
func (h *CustomerHandler) Handle(ctx context.Context, msg *job.Message) error {
	if msg.Topic == TopicCustomersDelete {
		gid, err := platform.CustomerIDFromWebhook(msg.Payload)
		if err != nil {
			return invalidPayload(err)
		}
		deleted, err := h.customers.SoftDeleteByPlatformID(ctx, msg.Shop, gid)
		if err != nil {
			return err
		}
		if !deleted {
			logging.FromContext(ctx).WithField("gid", gid).Debug("No active customer to delete")
		}
		return nil
	}

	customer, err := platform.CustomerFromWebhook(msg.Shop, msg.Payload)
	if err != nil {
		return invalidPayload(err)
	}
	result, err := h.customers.Upsert(ctx, customer)
	if err != nil {
		return err
	}
	if msg.Topic != TopicCustomersCreate || h.events == nil {
		return nil
	}

	at := h.now().UTC()
	if customer.PlatformCreatedAt != nil {
		at = *customer.PlatformCreatedAt
	}
	return h.events.HandleEvent(ctx, service.Event{
		Type: types.TriggerCustomerCreated, ShopID: msg.Shop, CustomerID: result.ID, OccurredAt: at,
	})
}

// bulkFinishPayload is the body of a bulk_operations/finish webhook
type bulkFinishPayload struct {
	ID        string `json:"admin_graphql_api_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
}

// SyncHandler routes bulk completion webhooks and internal resume messages to
// the sync service
type SyncHandler struct {
	topicSet
	syncs SyncDriver
}

// NewSyncHandler creates the sync handler
func NewSyncHandler(syncs SyncDriver) *SyncHandler {
	return &SyncHandler{
		topicSet: topicSet{TopicBulkOperationsFinish: true, job.TopicSyncResume: true},
		syncs:    syncs,
	}
}

// Handle implements TopicHandler
func (h *SyncHandler) Handle(ctx context.Context, msg *job.Message) error {
	if msg.Topic == job.TopicSyncResume {
		var payload service.SyncResumePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SyncLogID == "" {
			return invalidPayload(fmt.Errorf("invalid sync resume payload: %v", err))
		}
		return h.syncs.ResumeFullSync(ctx, msg.Shop, payload.SyncLogID)
	}

	var payload bulkFinishPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return invalidPayload(err)
	}
	if payload.ID == "" {
		return invalidPayload(fmt.Errorf("bulk operation payload has no id"))
	}
	if payload.ErrorCode != "" {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"bulkOperationId": payload.ID,
			"errorCode":       payload.ErrorCode,
		}).Warn("Bulk operation reported an error")
	}
	return h.syncs.CompleteBulkOperation(ctx, msg.Shop, payload.ID, strings.ToUpper(payload.Status), "")
}

// AutomationHandler runs delayed automation executions
type AutomationHandler struct {
	topicSet
	runner ScheduledRunner
}

// NewAutomationHandler creates the automation/execute handler
func NewAutomationHandler(runner ScheduledRunner) *AutomationHandler {
	return &AutomationHandler{topicSet: topicSet{job.TopicAutomationExecute: true}, runner: runner}
}

// Handle implements TopicHandler
func (h *AutomationHandler) Handle(ctx context.Context, msg *job.Message) error {
	return h.runner.ExecuteScheduled(ctx, msg.Payload)
}

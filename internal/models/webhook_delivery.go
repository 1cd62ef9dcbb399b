package models

import (
	"time"

	"github.com/storefront-crm/internal/types"
)

// WebhookDelivery is the idempotency record for one platform delivery id
type WebhookDelivery struct {
	ID          string               `json:"id" db:"id"`
	ShopID      string               `json:"shopId" db:"shop_id"`
	DeliveryID  string               `json:"deliveryId" db:"delivery_id"`
	Topic       string               `json:"topic" db:"topic"`
	Status      types.DeliveryStatus `json:"status" db:"status"`
	Attempts    int                  `json:"attempts" db:"attempts"`
	LastError   *string              `json:"lastError,omitempty" db:"last_error"`
	ReceivedAt  time.Time            `json:"receivedAt" db:"received_at"`
	ProcessedAt *time.Time           `json:"processedAt,omitempty" db:"processed_at"`
}

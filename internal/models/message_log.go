package models

import (
	"time"

	"github.com/storefront-crm/internal/types"
)

// MessageLog is one send attempt, including suppressed and failed ones
type MessageLog struct {
	ID                string              `json:"id" db:"id"`
	ShopID            string              `json:"shopId" db:"shop_id"`
	CustomerID        string              `json:"customerId" db:"customer_id"`
	AutomationID      *string             `json:"automationId,omitempty" db:"automation_id"`
	Email             string              `json:"email" db:"email"`
	Subject           string              `json:"subject" db:"subject"`
	Status            types.MessageStatus `json:"status" db:"status"`
	SuppressionReason *string             `json:"suppressionReason,omitempty" db:"suppression_reason"`
	ErrorMessage      *string             `json:"errorMessage,omitempty" db:"error_message"`
	ProviderMessageID *string             `json:"providerMessageId,omitempty" db:"provider_message_id"`
	IdempotencyKey    string              `json:"idempotencyKey" db:"idempotency_key"`
	SentAt            *time.Time          `json:"sentAt,omitempty" db:"sent_at"`
	OpenedAt          *time.Time          `json:"openedAt,omitempty" db:"opened_at"`
	ClickedAt         *time.Time          `json:"clickedAt,omitempty" db:"clicked_at"`
	ConvertedAt       *time.Time          `json:"convertedAt,omitempty" db:"converted_at"`
	CreatedAt         time.Time           `json:"createdAt" db:"created_at"`
}

// Suppression blocks every future send to an address within a shop
type Suppression struct {
	ID        string                  `json:"id" db:"id"`
	ShopID    string                  `json:"shopId" db:"shop_id"`
	Email     string                  `json:"email" db:"email"`
	Reason    types.SuppressionReason `json:"reason" db:"reason"`
	CreatedAt time.Time               `json:"createdAt" db:"created_at"`
}

// EmailTemplate is a reusable template linked from automations
type EmailTemplate struct {
	ID        string    `json:"id" db:"id"`
	ShopID    string    `json:"shopId" db:"shop_id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	HTML      string    `json:"html" db:"html"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

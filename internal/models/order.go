package models

import (
	"time"

	"github.com/storefront-crm/internal/money"
)

// Order mirrors a platform order
type Order struct {
	ID                 string      `json:"id" db:"id"`
	ShopID             string      `json:"shopId" db:"shop_id"`
	PlatformID         string      `json:"platformId" db:"platform_id"`
	Name               string      `json:"name" db:"name"`
	Email              string      `json:"email" db:"email"`
	CustomerID         *string     `json:"customerId,omitempty" db:"customer_id"`
	CustomerPlatformID *string     `json:"customerPlatformId,omitempty" db:"customer_platform_id"`
	TotalPrice         money.Money `json:"totalPrice" db:"total_price"`
	LineItems          []LineItem  `json:"lineItems" db:"line_items"`
	FinancialStatus    string      `json:"financialStatus" db:"financial_status"`
	// IsHistorical marks orders created before the sync run that imported them.
	IsHistorical      bool       `json:"isHistorical" db:"is_historical"`
	PlatformCreatedAt time.Time  `json:"platformCreatedAt" db:"platform_created_at"`
	PlatformUpdatedAt *time.Time `json:"platformUpdatedAt,omitempty" db:"platform_updated_at"`
	ProcessedAt       *time.Time `json:"processedAt,omitempty" db:"processed_at"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time  `json:"updatedAt" db:"updated_at"`
}

// LineItem is one product line of an order, stored as jsonb
type LineItem struct {
	PlatformID string      `json:"platformId,omitempty"`
	Title      string      `json:"title"`
	SKU        string      `json:"sku,omitempty"`
	Quantity   int         `json:"quantity"`
	Price      money.Money `json:"price"`
	ProductID  string      `json:"productId,omitempty"`
	VariantID  string      `json:"variantId,omitempty"`
}

// ImportRecord is one mapped line of a bulk export. Exactly one of Customer
// or Order is set.
type ImportRecord struct {
	PlatformID string
	Customer   *Customer
	Order      *Order
}

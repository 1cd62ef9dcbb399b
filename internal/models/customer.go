package models

import (
	"time"

	"github.com/storefront-crm/internal/money"
	"github.com/storefront-crm/internal/types"
)

// Customer mirrors a platform customer plus the CRM-owned scoring fields.
// Sync writes only the platform-owned columns.
type Customer struct {
	ID         string `json:"id" db:"id"`
	ShopID     string `json:"shopId" db:"shop_id"`
	PlatformID string `json:"platformId" db:"platform_id"`

	Email     string   `json:"email" db:"email"`
	FirstName string   `json:"firstName" db:"first_name"`
	LastName  string   `json:"lastName" db:"last_name"`
	Name      string   `json:"name" db:"name"`
	Phone     string   `json:"phone" db:"phone"`
	Tags      []string `json:"tags" db:"tags"`

	// Platform-owned aggregates
	OrderCount        int         `json:"orderCount" db:"order_count"`
	TotalSpent        money.Money `json:"totalSpent" db:"total_spent"`
	AvgOrderValue     money.Money `json:"avgOrderValue" db:"avg_order_value"`
	FirstOrderAt      *time.Time  `json:"firstOrderAt,omitempty" db:"first_order_at"`
	LastOrderAt       *time.Time  `json:"lastOrderAt,omitempty" db:"last_order_at"`
	PlatformCreatedAt *time.Time  `json:"platformCreatedAt,omitempty" db:"platform_created_at"`
	PlatformUpdatedAt *time.Time  `json:"platformUpdatedAt,omitempty" db:"platform_updated_at"`

	// CRM-owned
	RFMRecency        *int                 `json:"rfmR,omitempty" db:"rfm_r"`
	RFMFrequency      *int                 `json:"rfmF,omitempty" db:"rfm_f"`
	RFMMonetary       *int                 `json:"rfmM,omitempty" db:"rfm_m"`
	Segment           *types.Segment       `json:"segment,omitempty" db:"segment"`
	LifecycleStage    types.LifecycleStage `json:"lifecycleStage" db:"lifecycle_stage"`
	MarketingOptedOut bool                 `json:"marketingOptedOut" db:"marketing_opted_out"`
	RFMCalculatedAt   *time.Time           `json:"rfmCalculatedAt,omitempty" db:"rfm_calculated_at"`

	DeletedAt *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
}

// CurrentSegment returns the stored segment or "" before the first RFM pass
func (c *Customer) CurrentSegment() types.Segment {
	if c.Segment == nil {
		return ""
	}
	return *c.Segment
}

// UpsertResult reports the outcome of a last-write-wins upsert
type UpsertResult struct {
	ID string
	// Applied is false when the stored row carried a newer platform timestamp.
	Applied bool
	// Inserted is true when the row did not exist before.
	Inserted bool
}

// SegmentChange is emitted by the RFM engine when a customer's label moves
type SegmentChange struct {
	CustomerID string         `json:"customerId"`
	ShopID     string         `json:"shopId"`
	OldSegment *types.Segment `json:"oldSegment,omitempty"`
	NewSegment types.Segment  `json:"newSegment"`
}

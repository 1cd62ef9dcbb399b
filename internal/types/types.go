// Package types provides common type definitions for the storefront CRM.
package types

// SyncType distinguishes bulk exports from delta queries
type SyncType string

const (
	// SyncTypeFull is a bulk export of every customer and order
	SyncTypeFull SyncType = "full"
	// SyncTypeIncremental pages through records updated since the last completed sync
	SyncTypeIncremental SyncType = "incremental"
)

// SyncStatus is the lifecycle state of a SyncLog
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusCancelled SyncStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed || s == SyncStatusCancelled
}

// DeliveryStatus is the state of a webhook delivery
type DeliveryStatus string

const (
	// DeliveryProcessing is written before dispatch and doubles as the idempotency guard
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryProcessed  DeliveryStatus = "processed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// TriggerType selects which events an automation listens to
type TriggerType string

const (
	TriggerSegmentChange   TriggerType = "segment_change"
	TriggerOrderCreated    TriggerType = "order_created"
	TriggerFirstOrder      TriggerType = "first_order"
	TriggerCustomerCreated TriggerType = "customer_created"
)

// Valid reports whether t is a known trigger
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerSegmentChange, TriggerOrderCreated, TriggerFirstOrder, TriggerCustomerCreated:
		return true
	}
	return false
}

// ActionType selects what an automation does when it fires
type ActionType string

const (
	ActionSendEmail ActionType = "send_email"
	ActionAddTag    ActionType = "add_tag"
)

// DelayUnit is the unit of an automation delay
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// MessageStatus tracks a single send attempt
type MessageStatus string

const (
	MessageSent       MessageStatus = "sent"
	MessageOpened     MessageStatus = "opened"
	MessageClicked    MessageStatus = "clicked"
	MessageConverted  MessageStatus = "converted"
	MessageSuppressed MessageStatus = "suppressed"
	MessageFailed     MessageStatus = "failed"
)

// SuppressionReason records why an address is blocked
type SuppressionReason string

const (
	SuppressionHardBounce  SuppressionReason = "hard_bounce"
	SuppressionUnsubscribe SuppressionReason = "unsubscribe"
	SuppressionManual      SuppressionReason = "manual"
)

// Valid reports whether r is a known suppression reason
func (r SuppressionReason) Valid() bool {
	return r == SuppressionHardBounce || r == SuppressionUnsubscribe || r == SuppressionManual
}

// LifecycleStage is a CRM-owned customer stage derived from order history
type LifecycleStage string

const (
	LifecycleProspect  LifecycleStage = "prospect"
	LifecycleFirstTime LifecycleStage = "first_time"
	LifecycleRepeat    LifecycleStage = "repeat"
)

// LifecycleForOrderCount maps an order count to a lifecycle stage
func LifecycleForOrderCount(orderCount int) LifecycleStage {
	switch {
	case orderCount <= 0:
		return LifecycleProspect
	case orderCount == 1:
		return LifecycleFirstTime
	default:
		return LifecycleRepeat
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

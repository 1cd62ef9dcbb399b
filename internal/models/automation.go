package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/storefront-crm/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Automation is a stored rule before its JSON configs are decoded
type Automation struct {
	ID              string            `json:"id" db:"id"`
	ShopID          string            `json:"shopId" db:"shop_id"`
	Name            string            `json:"name" db:"name"`
	TriggerType     types.TriggerType `json:"triggerType" db:"trigger_type"`
	TriggerConfig   json.RawMessage   `json:"triggerConfig" db:"trigger_config"`
	DelayValue      int               `json:"delayValue" db:"delay_value"`
	DelayUnit       types.DelayUnit   `json:"delayUnit" db:"delay_unit"`
	ActionType      types.ActionType  `json:"actionType" db:"action_type"`
	ActionConfig    json.RawMessage   `json:"actionConfig" db:"action_config"`
	CustomHTML      *string           `json:"customHtml,omitempty" db:"custom_html"`
	TemplateID      *string           `json:"templateId,omitempty" db:"template_id"`
	BuiltinTemplate string            `json:"builtinTemplate" db:"builtin_template"`
	Enabled         bool              `json:"enabled" db:"enabled"`
	LastRunAt       *time.Time        `json:"lastRunAt,omitempty" db:"last_run_at"`
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time         `json:"updatedAt" db:"updated_at"`

	// TemplateHTML is the linked template body, joined in by the repository.
	TemplateHTML *string `json:"-" db:"template_html"`
}

// Delay converts DelayValue/DelayUnit to a duration. Non-positive values mean no delay.
func (a *Automation) Delay() time.Duration {
	if a.DelayValue <= 0 {
		return 0
	}
	v := time.Duration(a.DelayValue)
	switch a.DelayUnit {
	case types.DelayHours:
		return v * time.Hour
	case types.DelayDays:
		return v * 24 * time.Hour
	default:
		return v * time.Minute
	}
}

// TriggerConfig is the typed payload of an automation trigger
type TriggerConfig interface {
	// Matches reports whether a customer with the given segments qualifies.
	Matches(current, next types.Segment) bool
	triggerConfig()
}

// SegmentChangeTrigger fires when a customer moves into TargetSegment.
// An empty target matches any change.
type SegmentChangeTrigger struct {
	TargetSegment types.Segment `json:"targetSegment,omitempty" validate:"omitempty,segment"`
}

func (SegmentChangeTrigger) triggerConfig() {}

// Matches compares the target against the new segment
func (t SegmentChangeTrigger) Matches(_, next types.Segment) bool {
	return t.TargetSegment == "" || t.TargetSegment == next
}

// EventTrigger fires on order and customer events. Segments is an allow-list
// of current segments; empty means every customer.
type EventTrigger struct {
	Segments []types.Segment `json:"segments,omitempty" validate:"omitempty,dive,segment"`
}

func (EventTrigger) triggerConfig() {}

// Matches checks the current segment against the allow-list
func (t EventTrigger) Matches(current, _ types.Segment) bool {
	if len(t.Segments) == 0 {
		return true
	}
	for _, s := range t.Segments {
		if s == current {
			return true
		}
	}
	return false
}

// ActionConfig is the typed payload of an automation action
type ActionConfig interface {
	Type() types.ActionType
}

// EmailAction sends a templated email
type EmailAction struct {
	Subject      string `json:"subject" validate:"required,max=998"`
	FromName     string `json:"fromName,omitempty" validate:"max=200"`
	ReplyTo      string `json:"replyTo,omitempty" validate:"omitempty,email"`
	DiscountCode string `json:"discountCode,omitempty" validate:"max=100"`
}

// Type implements ActionConfig
func (EmailAction) Type() types.ActionType { return types.ActionSendEmail }

// TagAction adds tags to the customer on the platform
type TagAction struct {
	Tags []string `json:"tags" validate:"required,min=1,dive,required,max=255"`
}

// Type implements ActionConfig
func (TagAction) Type() types.ActionType { return types.ActionAddTag }

func init() {
	_ = validate.RegisterValidation("segment", func(fl validator.FieldLevel) bool {
		return types.Segment(fl.Field().String()).Valid()
	})
}

// DecodeTriggerConfig decodes and validates the trigger config for triggerType.
// A null or empty config decodes to the zero value of the variant.
func DecodeTriggerConfig(triggerType types.TriggerType, raw json.RawMessage) (TriggerConfig, error) {
	switch triggerType {
	case types.TriggerSegmentChange:
		var cfg SegmentChangeTrigger
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, fmt.Errorf("segment_change trigger: %w", err)
		}
		return cfg, nil
	case types.TriggerOrderCreated, types.TriggerFirstOrder, types.TriggerCustomerCreated:
		var cfg EventTrigger
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%s trigger: %w", triggerType, err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", triggerType)
	}
}

// DecodeActionConfig decodes and validates the action config for actionType
func DecodeActionConfig(actionType types.ActionType, raw json.RawMessage) (ActionConfig, error) {
	switch actionType {
	case types.ActionSendEmail:
		var cfg EmailAction
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, fmt.Errorf("send_email action: %w", err)
		}
		return cfg, nil
	case types.ActionAddTag:
		var cfg TagAction
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, fmt.Errorf("add_tag action: %w", err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}

func decodeConfig(raw json.RawMessage, out interface{}) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AutomationRule is an automation whose configs have been decoded and validated
type AutomationRule struct {
	Automation
	Trigger TriggerConfig
	Action  ActionConfig
}

// Decode validates the stored configs and returns the typed rule
func (a Automation) Decode() (*AutomationRule, error) {
	trigger, err := DecodeTriggerConfig(a.TriggerType, a.TriggerConfig)
	if err != nil {
		return nil, err
	}
	action, err := DecodeActionConfig(a.ActionType, a.ActionConfig)
	if err != nil {
		return nil, err
	}
	if a.DelayValue > 0 {
		switch a.DelayUnit {
		case types.DelayMinutes, types.DelayHours, types.DelayDays:
		default:
			return nil, fmt.Errorf("unknown delay unit %q", a.DelayUnit)
		}
	}
	return &AutomationRule{Automation: a, Trigger: trigger, Action: action}, nil
}

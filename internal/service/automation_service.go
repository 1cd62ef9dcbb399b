package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/mailer"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// AutomationStore loads automation rules and records their runs
type AutomationStore interface {
	ListEnabledByTrigger(ctx context.Context, shopID string, trigger types.TriggerType) ([]*models.Automation, error)
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	MarkRun(ctx context.Context, id string, at time.Time) error
}

// CustomerReader loads customers by internal id
type CustomerReader interface {
	GetByID(ctx context.Context, id string) (*models.Customer, error)
}

// SendHistory answers whether an idempotency key has already produced a message
type SendHistory interface {
	ExistsForIdempotencyKey(ctx context.Context, shopID, key string) (bool, error)
}

// EmailSender executes send_email actions
type EmailSender interface {
	ExecuteEmailAction(ctx context.Context, req mailer.SendRequest) mailer.SendResult
}

// Event is an order or customer event that can trigger automations
type Event struct {
	Type       types.TriggerType `json:"type"`
	ShopID     string            `json:"shopId"`
	CustomerID string            `json:"customerId"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// ScheduledExecution is the body of an automation/execute message
type ScheduledExecution struct {
	AutomationID string    `json:"automationId"`
	CustomerID   string    `json:"customerId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// IdempotencyKey identifies one run of an automation for one customer and event
func IdempotencyKey(automationID, customerID string, occurredAt time.Time) string {
	return fmt.Sprintf("%s-%s-%d", automationID, customerID, occurredAt.Unix())
}

// AutomationServiceConfig holds the collaborators of an AutomationService
type AutomationServiceConfig struct {
	Automations AutomationStore
	Customers   CustomerReader
	History     SendHistory
	Mailer      EmailSender
	Tagger      func(shop string) mailer.Tagger
	Dispatcher  job.Dispatcher
}

// AutomationService matches enabled rules to segment changes and events and
// runs their actions, now or after the rule's delay
type AutomationService struct {
	automations AutomationStore
	customers   CustomerReader
	history     SendHistory
	mailer      EmailSender
	tagger      func(shop string) mailer.Tagger
	dispatcher  job.Dispatcher
	now         func() time.Time
}

// NewAutomationService creates an automation service
func NewAutomationService(cfg *AutomationServiceConfig) (*AutomationService, error) {
	if cfg.Automations == nil {
		return nil, fmt.Errorf("automation store cannot be nil")
	}
	if cfg.Customers == nil {
		return nil, fmt.Errorf("customer reader cannot be nil")
	}
	if cfg.Mailer == nil {
		return nil, fmt.Errorf("mailer cannot be nil")
	}
	return &AutomationService{
		automations: cfg.Automations,
		customers:   cfg.Customers,
		history:     cfg.History,
		mailer:      cfg.Mailer,
		tagger:      cfg.Tagger,
		dispatcher:  cfg.Dispatcher,
		now:         time.Now,
	}, nil
}

func (s *AutomationService) logger(ctx context.Context, shop string) *logging.Logger {
	return logging.FromContext(ctx).WithComponent("automation").WithShop(shop)
}

// rules returns the decoded enabled rules for a trigger. Rows whose configs do
// not decode are skipped.
func (s *AutomationService) rules(ctx context.Context, shop string, trigger types.TriggerType) ([]*models.AutomationRule, error) {
	rows, err := s.automations.ListEnabledByTrigger(ctx, shop, trigger)
	if err != nil {
		return nil, err
	}
	rules := make([]*models.AutomationRule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.Decode()
		if err != nil {
			s.logger(ctx, shop).WithError(err).WithField("automationId", row.ID).Warn("Skipping invalid automation")
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// HandleSegmentChanges runs segment_change automations whose target matches
// each customer's new segment
func (s *AutomationService) HandleSegmentChanges(ctx context.Context, shop string, changes []models.SegmentChange) error {
	if len(changes) == 0 {
		return nil
	}
	rules, err := s.rules(ctx, shop, types.TriggerSegmentChange)
	if err != nil || len(rules) == 0 {
		return err
	}

	occurredAt := s.now().UTC()
	var errs []error
	for _, change := range changes {
		customer, err := s.customers.GetByID(ctx, change.CustomerID)
		if err != nil {
			if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, rule := range rules {
			if !rule.Trigger.Matches(customer.CurrentSegment(), change.NewSegment) {
				continue
			}
			if err := s.schedule(ctx, rule, customer, occurredAt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// HandleEvent runs the automations listening to an order or customer event
func (s *AutomationService) HandleEvent(ctx context.Context, event Event) error {
	rules, err := s.rules(ctx, event.ShopID, event.Type)
	if err != nil || len(rules) == 0 {
		return err
	}
	customer, err := s.customers.GetByID(ctx, event.CustomerID)
	if err != nil {
		return err
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now().UTC()
	}
	segment := customer.CurrentSegment()

	var errs []error
	for _, rule := range rules {
		if !rule.Trigger.Matches(segment, segment) {
			continue
		}
		if err := s.schedule(ctx, rule, customer, occurredAt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// schedule runs the rule now, or enqueues an automation/execute message when
// the rule has a delay
func (s *AutomationService) schedule(ctx context.Context, rule *models.AutomationRule, customer *models.Customer, occurredAt time.Time) error {
	delay := rule.Delay()
	if delay <= 0 {
		return s.execute(ctx, rule, customer, occurredAt)
	}
	if s.dispatcher == nil {
		return apperrors.NewQueueError("schedule_automation", errors.New("no dispatcher configured"))
	}

	payload, err := json.Marshal(ScheduledExecution{
		AutomationID: rule.ID,
		CustomerID:   customer.ID,
		OccurredAt:   occurredAt,
	})
	if err != nil {
		return err
	}
	msg := &job.Message{
		Topic:   job.TopicAutomationExecute,
		Shop:    rule.ShopID,
		Payload: payload,
	}
	runAt := s.now().Add(delay)
	if err := s.dispatcher.DispatchAt(ctx, msg, runAt); err != nil {
		return err
	}
	s.logger(ctx, rule.ShopID).WithFields(map[string]interface{}{
		"automationId": rule.ID,
		"customerId":   customer.ID,
		"runAt":        runAt,
	}).Info("Automation scheduled")
	return nil
}

// ExecuteScheduled runs a delayed automation. The rule and trigger are checked
// again since either may have changed while the message waited.
func (s *AutomationService) ExecuteScheduled(ctx context.Context, raw json.RawMessage) error {
	var payload ScheduledExecution
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperrors.NewInvalidPayloadError(err)
	}

	automation, err := s.automations.GetByID(ctx, payload.AutomationID)
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
			return nil
		}
		return err
	}
	logger := s.logger(ctx, automation.ShopID).WithFields(map[string]interface{}{
		"automationId": automation.ID,
		"customerId":   payload.CustomerID,
	})
	if !automation.Enabled {
		logger.Info("Automation disabled before its scheduled run")
		return nil
	}
	rule, err := automation.Decode()
	if err != nil {
		logger.WithError(err).Warn("Skipping invalid automation")
		return nil
	}

	customer, err := s.customers.GetByID(ctx, payload.CustomerID)
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
			return nil
		}
		return err
	}
	segment := customer.CurrentSegment()
	if !rule.Trigger.Matches(segment, segment) {
		logger.WithField("segment", string(segment)).Info("Customer no longer qualifies for scheduled automation")
		return nil
	}
	return s.execute(ctx, rule, customer, payload.OccurredAt)
}

func (s *AutomationService) execute(ctx context.Context, rule *models.AutomationRule, customer *models.Customer, occurredAt time.Time) error {
	logger := s.logger(ctx, rule.ShopID).WithFields(map[string]interface{}{
		"automationId": rule.ID,
		"customerId":   customer.ID,
	})
	key := IdempotencyKey(rule.ID, customer.ID, occurredAt)

	switch action := rule.Action.(type) {
	case models.EmailAction:
		if s.history != nil {
			exists, err := s.history.ExistsForIdempotencyKey(ctx, rule.ShopID, key)
			if err != nil {
				return err
			}
			if exists {
				logger.Debug("Automation already ran for this event")
				return nil
			}
		}
		res := s.mailer.ExecuteEmailAction(ctx, mailer.SendRequest{
			Shop:           rule.ShopID,
			Customer:       customer,
			Automation:     &rule.Automation,
			Action:         action,
			IdempotencyKey: key,
		})
		logger.WithField("status", string(res.Status)).Info("Automation email handled")

	case models.TagAction:
		if s.tagger == nil {
			return fmt.Errorf("no tagger configured for add_tag automation %s", rule.ID)
		}
		if err := mailer.ExecuteTagAction(ctx, s.tagger(rule.ShopID), customer, action); err != nil {
			return err
		}

	default:
		logger.Warn("Skipping automation with unsupported action")
		return nil
	}

	if err := s.automations.MarkRun(ctx, rule.ID, s.now().UTC()); err != nil {
		logger.WithError(err).Warn("Failed to record automation run")
	}
	return nil
}

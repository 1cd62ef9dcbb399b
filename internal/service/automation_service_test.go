package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/mailer"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

type fakeAutomations struct {
	rows []*models.Automation
	runs []string
}

func (f *fakeAutomations) ListEnabledByTrigger(_ context.Context, shop string, trigger types.TriggerType) ([]*models.Automation, error) {
	var out []*models.Automation
	for _, a := range f.rows {
		if a.ShopID == shop && a.TriggerType == trigger && a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAutomations) GetByID(_ context.Context, id string) (*models.Automation, error) {
	for _, a := range f.rows {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, apperrors.NewNotFoundError("automation", id)
}

func (f *fakeAutomations) MarkRun(_ context.Context, id string, _ time.Time) error {
	f.runs = append(f.runs, id)
	return nil
}

type fakeCustomerReader map[string]*models.Customer

func (f fakeCustomerReader) GetByID(_ context.Context, id string) (*models.Customer, error) {
	c, ok := f[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("customer", id)
	}
	return c, nil
}

// fakeEmailSender records requests and remembers their idempotency keys the
// way message logs do
type fakeEmailSender struct {
	requests []mailer.SendRequest
	keys     map[string]bool
}

func newFakeEmailSender() *fakeEmailSender {
	return &fakeEmailSender{keys: map[string]bool{}}
}

func (f *fakeEmailSender) ExecuteEmailAction(_ context.Context, req mailer.SendRequest) mailer.SendResult {
	f.requests = append(f.requests, req)
	f.keys[req.Shop+"/"+req.IdempotencyKey] = true
	return mailer.SendResult{Status: types.MessageSent, MessageLogID: "m"}
}

func (f *fakeEmailSender) ExistsForIdempotencyKey(_ context.Context, shop, key string) (bool, error) {
	return f.keys[shop+"/"+key], nil
}

type recordingTagger struct {
	calls map[string][]string
}

func (r *recordingTagger) AddTags(_ context.Context, gid string, tags []string) error {
	r.calls[gid] = append(r.calls[gid], tags...)
	return nil
}

type automationFixture struct {
	svc         *AutomationService
	automations *fakeAutomations
	customers   fakeCustomerReader
	sender      *fakeEmailSender
	tagger      *recordingTagger
	dispatcher  *fakeDispatcher
	now         time.Time
}

func newAutomationFixture(t *testing.T, rows ...*models.Automation) *automationFixture {
	t.Helper()
	f := &automationFixture{
		automations: &fakeAutomations{rows: rows},
		customers:   fakeCustomerReader{},
		sender:      newFakeEmailSender(),
		tagger:      &recordingTagger{calls: map[string][]string{}},
		dispatcher:  &fakeDispatcher{},
		now:         time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewAutomationService(&AutomationServiceConfig{
		Automations: f.automations,
		Customers:   f.customers,
		History:     f.sender,
		Mailer:      f.sender,
		Tagger:      func(string) mailer.Tagger { return f.tagger },
		Dispatcher:  f.dispatcher,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return f.now }
	f.svc = svc
	return f
}

func (f *automationFixture) addCustomer(id string, segment types.Segment) *models.Customer {
	c := &models.Customer{ID: id, ShopID: "acme", PlatformID: "gid://shopify/Customer/" + id, Email: id + "@example.com"}
	if segment != "" {
		c.Segment = &segment
	}
	f.customers[id] = c
	return c
}

func emailRule(id string, trigger types.TriggerType, triggerConfig string) *models.Automation {
	return &models.Automation{
		ID:            id,
		ShopID:        "acme",
		Name:          id,
		TriggerType:   trigger,
		TriggerConfig: json.RawMessage(triggerConfig),
		ActionType:    types.ActionSendEmail,
		ActionConfig:  json.RawMessage(`{"subject":"Hello {{first_name}}"}`),
		Enabled:       true,
	}
}

func sentTo(s *fakeEmailSender) map[string][]string {
	out := map[string][]string{}
	for _, r := range s.requests {
		out[r.Automation.ID] = append(out[r.Automation.ID], r.Customer.ID)
	}
	return out
}

func champion() *types.Segment {
	s := types.SegmentChampion
	return &s
}

func TestHandleSegmentChanges_MatchesTarget(t *testing.T) {
	f := newAutomationFixture(t,
		emailRule("to-champion", types.TriggerSegmentChange, `{"targetSegment":"champion"}`),
		emailRule("any-change", types.TriggerSegmentChange, `{}`),
	)
	f.addCustomer("c1", types.SegmentChampion)
	f.addCustomer("c2", types.SegmentLoyal)

	err := f.svc.HandleSegmentChanges(context.Background(), "acme", []models.SegmentChange{
		{CustomerID: "c1", ShopID: "acme", NewSegment: types.SegmentChampion},
		{CustomerID: "c2", ShopID: "acme", OldSegment: champion(), NewSegment: types.SegmentLoyal},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"to-champion": {"c1"},
		"any-change":  {"c1", "c2"},
	}, sentTo(f.sender))
	assert.Len(t, f.automations.runs, 3)

	req := f.sender.requests[0]
	assert.Equal(t, "Hello {{first_name}}", req.Action.Subject)
	assert.Equal(t, IdempotencyKey(req.Automation.ID, "c1", f.now), req.IdempotencyKey)
	assert.Equal(t, fmt.Sprintf("to-champion-c1-%d", f.now.Unix()), req.IdempotencyKey)
}

func TestHandleSegmentChanges_SkipsInvalidRulesAndMissingCustomers(t *testing.T) {
	bad := emailRule("bad", types.TriggerSegmentChange, `{"targetSegment":"royalty"}`)
	noSubject := emailRule("no-subject", types.TriggerSegmentChange, `{}`)
	noSubject.ActionConfig = json.RawMessage(`{}`)
	f := newAutomationFixture(t, bad, noSubject, emailRule("good", types.TriggerSegmentChange, `{}`))
	f.addCustomer("c1", types.SegmentLoyal)

	err := f.svc.HandleSegmentChanges(context.Background(), "acme", []models.SegmentChange{
		{CustomerID: "c1", NewSegment: types.SegmentLoyal},
		{CustomerID: "gone", NewSegment: types.SegmentLoyal},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"good": {"c1"}}, sentTo(f.sender))
}

func TestHandleSegmentChanges_IgnoresDisabledAndOtherShops(t *testing.T) {
	disabled := emailRule("disabled", types.TriggerSegmentChange, `{}`)
	disabled.Enabled = false
	other := emailRule("other-shop", types.TriggerSegmentChange, `{}`)
	other.ShopID = "beta"
	f := newAutomationFixture(t, disabled, other)
	f.addCustomer("c1", types.SegmentLoyal)

	require.NoError(t, f.svc.HandleSegmentChanges(context.Background(), "acme", []models.SegmentChange{{CustomerID: "c1", NewSegment: types.SegmentLoyal}}))
	assert.Empty(t, f.sender.requests)
}

func TestHandleEvent_AllowList(t *testing.T) {
	f := newAutomationFixture(t,
		emailRule("vip-orders", types.TriggerOrderCreated, `{"segments":["champion","loyal"]}`),
		emailRule("all-orders", types.TriggerOrderCreated, `null`),
		emailRule("first", types.TriggerFirstOrder, `{}`),
	)
	f.addCustomer("loyal", types.SegmentLoyal)
	f.addCustomer("lost", types.SegmentLost)
	f.addCustomer("unscored", "")

	for _, id := range []string{"loyal", "lost", "unscored"} {
		require.NoError(t, f.svc.HandleEvent(context.Background(), Event{Type: types.TriggerOrderCreated, ShopID: "acme", CustomerID: id, OccurredAt: f.now}))
	}
	assert.Equal(t, map[string][]string{
		"vip-orders": {"loyal"},
		"all-orders": {"loyal", "lost", "unscored"},
	}, sentTo(f.sender))
}

func TestHandleEvent_SameEventRunsOnce(t *testing.T) {
	f := newAutomationFixture(t, emailRule("welcome", types.TriggerCustomerCreated, `{}`))
	f.addCustomer("c1", "")
	event := Event{Type: types.TriggerCustomerCreated, ShopID: "acme", CustomerID: "c1", OccurredAt: f.now.Add(-time.Minute)}

	require.NoError(t, f.svc.HandleEvent(context.Background(), event))
	require.NoError(t, f.svc.HandleEvent(context.Background(), event))
	assert.Len(t, f.sender.requests, 1, "a redelivered event reuses its idempotency key")
	assert.Equal(t, []string{"welcome"}, f.automations.runs)
}

func TestHandleEvent_DelayedRuleIsScheduled(t *testing.T) {
	rule := emailRule("followup", types.TriggerFirstOrder, `{}`)
	rule.DelayValue, rule.DelayUnit = 3, types.DelayDays
	f := newAutomationFixture(t, rule)
	f.addCustomer("c1", types.SegmentNew)

	occurred := f.now.Add(-time.Hour)
	require.NoError(t, f.svc.HandleEvent(context.Background(), Event{Type: types.TriggerFirstOrder, ShopID: "acme", CustomerID: "c1", OccurredAt: occurred}))

	assert.Empty(t, f.sender.requests)
	assert.Empty(t, f.automations.runs)
	require.Len(t, f.dispatcher.sent, 1)
	d := f.dispatcher.sent[0]
	assert.Equal(t, job.TopicAutomationExecute, d.msg.Topic)
	assert.Equal(t, "acme", d.msg.Shop)
	assert.Equal(t, f.now.Add(72*time.Hour), d.at)

	var payload ScheduledExecution
	require.NoError(t, json.Unmarshal(d.msg.Payload, &payload))
	assert.Equal(t, "followup", payload.AutomationID)
	assert.Equal(t, "c1", payload.CustomerID)
	assert.True(t, occurred.Equal(payload.OccurredAt))

	// The worker later delivers the message.
	require.NoError(t, f.svc.ExecuteScheduled(context.Background(), d.msg.Payload))
	require.Len(t, f.sender.requests, 1)
	assert.Equal(t, IdempotencyKey("followup", "c1", occurred), f.sender.requests[0].IdempotencyKey)
	assert.Equal(t, []string{"followup"}, f.automations.runs)

	// A duplicate delivery of the same message does not send again.
	require.NoError(t, f.svc.ExecuteScheduled(context.Background(), d.msg.Payload))
	assert.Len(t, f.sender.requests, 1)
}

func TestExecuteScheduled_RechecksRule(t *testing.T) {
	rule := emailRule("champ", types.TriggerSegmentChange, `{"targetSegment":"champion"}`)
	f := newAutomationFixture(t, rule)
	c := f.addCustomer("c1", types.SegmentLoyal)
	payload, _ := json.Marshal(ScheduledExecution{AutomationID: "champ", CustomerID: "c1", OccurredAt: f.now})

	require.NoError(t, f.svc.ExecuteScheduled(context.Background(), payload))
	assert.Empty(t, f.sender.requests, "customer left the target segment")

	c.Segment = champion()
	rule.Enabled = false
	require.NoError(t, f.svc.ExecuteScheduled(context.Background(), payload))
	assert.Empty(t, f.sender.requests, "automation disabled")

	rule.Enabled = true
	require.NoError(t, f.svc.ExecuteScheduled(context.Background(), payload))
	assert.Len(t, f.sender.requests, 1)

	missing, _ := json.Marshal(ScheduledExecution{AutomationID: "deleted", CustomerID: "c1", OccurredAt: f.now})
	assert.NoError(t, f.svc.ExecuteScheduled(context.Background(), missing))

	err := f.svc.ExecuteScheduled(context.Background(), json.RawMessage(`{`))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestTagAutomation(t *testing.T) {
	rule := emailRule("tag-vip", types.TriggerSegmentChange, `{"targetSegment":"champion"}`)
	rule.ActionType = types.ActionAddTag
	rule.ActionConfig = json.RawMessage(`{"tags":["vip","rfm-champion"]}`)
	f := newAutomationFixture(t, rule)
	f.addCustomer("c1", types.SegmentChampion)

	require.NoError(t, f.svc.HandleSegmentChanges(context.Background(), "acme", []models.SegmentChange{{CustomerID: "c1", NewSegment: types.SegmentChampion}}))
	assert.Equal(t, map[string][]string{"gid://shopify/Customer/c1": {"vip", "rfm-champion"}}, f.tagger.calls)
	assert.Empty(t, f.sender.requests)
	assert.Equal(t, []string{"tag-vip"}, f.automations.runs)
}

// rfmCustomerReader reads customers straight out of the fake RFM store so the
// automation engine sees the segments the recalculation wrote
type rfmCustomerReader struct {
	store *fakeRFMStore
}

func (r rfmCustomerReader) GetByID(_ context.Context, id string) (*models.Customer, error) {
	c, ok := r.store.customers[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("customer", id)
	}
	return &models.Customer{ID: c.id, ShopID: "acme", PlatformID: "gid://shopify/Customer/" + c.id, Email: c.id + "@example.com", Segment: c.segment}, nil
}

func TestRFMToAutomation_ChampionTransitionRunsOnce(t *testing.T) {
	star := &rankedCustomer{id: "star", orderCount: 1, totalSpent: 1, lastOrderAt: daysAgo(300)}
	store := newFakeRFMStore(append(population(10), star)...)

	automations := &fakeAutomations{}
	sender := newFakeEmailSender()
	automationSvc, err := NewAutomationService(&AutomationServiceConfig{
		Automations: automations,
		Customers:   rfmCustomerReader{store: store},
		History:     sender,
		Mailer:      sender,
	})
	require.NoError(t, err)
	rfm := NewRFMService(store, automationSvc, nil)

	_, err = rfm.RecalculateAllRFMScores(context.Background(), "acme")
	require.NoError(t, err)
	require.NotEqual(t, types.SegmentChampion, *star.segment)

	automations.rows = []*models.Automation{emailRule("vip-welcome", types.TriggerSegmentChange, `{"targetSegment":"champion"}`)}
	star.orderCount, star.totalSpent, star.lastOrderAt = 40, 100000, daysAgo(0)

	changes, err := rfm.RecalculateAllRFMScores(context.Background(), "acme")
	require.NoError(t, err)

	var toChampion []models.SegmentChange
	for _, c := range changes {
		if c.NewSegment == types.SegmentChampion {
			toChampion = append(toChampion, c)
		}
	}
	require.Len(t, toChampion, 1)
	assert.Equal(t, "star", toChampion[0].CustomerID)

	require.Len(t, sender.requests, 1)
	assert.Equal(t, "star", sender.requests[0].Customer.ID)
	assert.Equal(t, "vip-welcome", sender.requests[0].Automation.ID)
	assert.Equal(t, []string{"vip-welcome"}, automations.runs)
}

func TestNewAutomationService_RequiresCollaborators(t *testing.T) {
	_, err := NewAutomationService(&AutomationServiceConfig{})
	assert.Error(t, err)
}

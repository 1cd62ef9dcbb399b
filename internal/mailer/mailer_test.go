package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

type fakeLogs struct {
	mu        sync.Mutex
	logs      map[string]*models.MessageLog
	seq       int
	insertErr error
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{logs: map[string]*models.MessageLog{}}
}

func (f *fakeLogs) Insert(_ context.Context, m *models.MessageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if m.IdempotencyKey != "" {
		for _, existing := range f.logs {
			if existing.ShopID == m.ShopID && existing.IdempotencyKey == m.IdempotencyKey && existing.Status != types.MessageFailed {
				return apperrors.NewConflictError("message already recorded for idempotency key")
			}
		}
	}
	f.seq++
	m.ID = fmt.Sprintf("msg-%d", f.seq)
	copied := *m
	f.logs[m.ID] = &copied
	return nil
}

func (f *fakeLogs) MarkProviderAccepted(_ context.Context, id, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id].ProviderMessageID = &providerID
	return nil
}

func (f *fakeLogs) MarkFailed(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[id].Status = types.MessageFailed
	f.logs[id].ErrorMessage = &msg
	return nil
}

type fakeSuppressions struct {
	byEmail map[string]types.SuppressionReason
	err     error
}

func (f *fakeSuppressions) Lookup(_ context.Context, shop, email string) (*models.Suppression, error) {
	if f.err != nil {
		return nil, f.err
	}
	if reason, ok := f.byEmail[strings.ToLower(email)]; ok {
		return &models.Suppression{ShopID: shop, Email: email, Reason: reason}, nil
	}
	return nil, nil
}

type fakeProvider struct {
	sent []*Email
	err  error
}

func (f *fakeProvider) Send(_ context.Context, email *Email) (string, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("prov-%d", len(f.sent)), nil
}

type mailerFixture struct {
	mailer       *Mailer
	logs         *fakeLogs
	suppressions *fakeSuppressions
	provider     *fakeProvider
}

func newMailerFixture() *mailerFixture {
	f := &mailerFixture{
		logs:         newFakeLogs(),
		suppressions: &fakeSuppressions{byEmail: map[string]types.SuppressionReason{}},
		provider:     &fakeProvider{},
	}
	f.mailer = New(Config{
		PublicBaseURL:     "https://crm.test/",
		UnsubscribeSecret: "secret",
		FromAddress:       "hello@acme.test",
		FromName:          "Acme",
	}, f.logs, f.suppressions, f.provider, nil)
	f.mailer.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func newSendRequest(c *models.Customer) SendRequest {
	html := `<html><body><p>Hi {{first_name}}</p><a href="https://acme.myshopify.com/sale">Shop</a><a href="{{unsubscribe_url}}">Unsubscribe</a></body></html>`
	return SendRequest{
		Shop:           "acme",
		Customer:       c,
		Automation:     &models.Automation{ID: "auto-1", CustomHTML: &html},
		Action:         models.EmailAction{Subject: "A gift for {{first_name}}", DiscountCode: "SAVE10"},
		IdempotencyKey: "auto-1-cust-1-1700000000",
	}
}

func customer() *models.Customer {
	return &models.Customer{ID: "cust-1", ShopID: "acme", PlatformID: "gid://shopify/Customer/1", Email: "ada@example.com", FirstName: "Ada"}
}

func TestExecuteEmailAction_Sends(t *testing.T) {
	f := newMailerFixture()
	res := f.mailer.ExecuteEmailAction(context.Background(), newSendRequest(customer()))

	require.Equal(t, types.MessageSent, res.Status)
	require.NoError(t, res.Error)
	require.Len(t, f.provider.sent, 1)

	email := f.provider.sent[0]
	assert.Equal(t, "ada@example.com", email.To)
	assert.Equal(t, `"Acme" <hello@acme.test>`, email.From)
	assert.Equal(t, "A gift for Ada", email.Subject)
	assert.Equal(t, "auto-1-cust-1-1700000000", email.IdempotencyKey)
	assert.True(t, strings.HasPrefix(email.UnsubscribeURL, "https://crm.test/unsubscribe?token="))

	assert.Contains(t, email.HTML, "Hi Ada")
	assert.Contains(t, email.HTML, "https://crm.test/t/o/"+res.MessageLogID)
	assert.Contains(t, email.HTML, "https://crm.test/t/c/"+res.MessageLogID+"?url=")
	assert.Contains(t, email.HTML, `href="`+strings.ReplaceAll(email.UnsubscribeURL, "&", "&amp;")+`"`, "unsubscribe link is not tracked")

	log := f.logs.logs[res.MessageLogID]
	assert.Equal(t, types.MessageSent, log.Status)
	require.NotNil(t, log.ProviderMessageID)
	assert.Equal(t, "prov-1", *log.ProviderMessageID)
	require.NotNil(t, log.AutomationID)
	assert.Equal(t, "auto-1", *log.AutomationID)
	assert.NotNil(t, log.SentAt)
}

func TestExecuteEmailAction_UnsubscribeTokenIdentifiesCustomer(t *testing.T) {
	f := newMailerFixture()
	f.mailer.ExecuteEmailAction(context.Background(), newSendRequest(customer()))
	require.Len(t, f.provider.sent, 1)

	token := strings.TrimPrefix(f.provider.sent[0].UnsubscribeURL, "https://crm.test/unsubscribe?token=")
	claims, err := VerifyUnsubscribeToken([]byte("secret"), token)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", claims.CustomerID)
	assert.Equal(t, "acme", claims.ShopID)
}

func TestExecuteEmailAction_SuppressedMakesNoProviderCall(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(c *models.Customer, f *mailerFixture)
		wantReason string
	}{
		{"no email", func(c *models.Customer, _ *mailerFixture) { c.Email = " " }, ReasonNoEmail},
		{"opted out", func(c *models.Customer, _ *mailerFixture) { c.MarketingOptedOut = true }, ReasonOptedOut},
		{"deleted", func(c *models.Customer, _ *mailerFixture) { now := time.Now(); c.DeletedAt = &now }, ReasonDeleted},
		{"hard bounce", func(_ *models.Customer, f *mailerFixture) {
			f.suppressions.byEmail["ada@example.com"] = types.SuppressionHardBounce
		}, string(types.SuppressionHardBounce)},
		{"unsubscribed", func(_ *models.Customer, f *mailerFixture) {
			f.suppressions.byEmail["ada@example.com"] = types.SuppressionUnsubscribe
		}, string(types.SuppressionUnsubscribe)},
		{"lookup error", func(_ *models.Customer, f *mailerFixture) { f.suppressions.err = errors.New("db down") }, ReasonLookupErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMailerFixture()
			c := customer()
			tt.mutate(c, f)

			res := f.mailer.ExecuteEmailAction(context.Background(), newSendRequest(c))
			assert.Equal(t, types.MessageSuppressed, res.Status)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Empty(t, f.provider.sent)

			require.Contains(t, f.logs.logs, res.MessageLogID)
			log := f.logs.logs[res.MessageLogID]
			assert.Equal(t, types.MessageSuppressed, log.Status)
			require.NotNil(t, log.SuppressionReason)
			assert.Equal(t, tt.wantReason, *log.SuppressionReason)
		})
	}
}

func TestExecuteEmailAction_ProviderFailure(t *testing.T) {
	f := newMailerFixture()
	f.provider.err = apperrors.NewMailProviderError(500, errors.New("boom"))

	res := f.mailer.ExecuteEmailAction(context.Background(), newSendRequest(customer()))
	assert.Equal(t, types.MessageFailed, res.Status)
	require.Error(t, res.Error)
	assert.True(t, apperrors.IsCategory(res.Error, apperrors.CategoryMailProvider))

	log := f.logs.logs[res.MessageLogID]
	assert.Equal(t, types.MessageFailed, log.Status)
	require.NotNil(t, log.ErrorMessage)
	assert.Contains(t, *log.ErrorMessage, "boom")
}

func TestExecuteEmailAction_LogInsertFailureSkipsSend(t *testing.T) {
	f := newMailerFixture()
	f.logs.insertErr = errors.New("db down")

	res := f.mailer.ExecuteEmailAction(context.Background(), newSendRequest(customer()))
	assert.Equal(t, types.MessageFailed, res.Status)
	assert.Error(t, res.Error)
	assert.Empty(t, f.provider.sent)
}

func TestExecuteEmailAction_SameKeySendsOnce(t *testing.T) {
	f := newMailerFixture()
	ctx := context.Background()

	first := f.mailer.ExecuteEmailAction(ctx, newSendRequest(customer()))
	require.Equal(t, types.MessageSent, first.Status)

	// A concurrent worker that passed the history check loses at insert.
	second := f.mailer.ExecuteEmailAction(ctx, newSendRequest(customer()))
	assert.Equal(t, types.MessageSuppressed, second.Status)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.NoError(t, second.Error)
	assert.Len(t, f.provider.sent, 1)
	assert.Len(t, f.logs.logs, 1)
}

func TestExecuteEmailAction_FailedSendCanBeRetried(t *testing.T) {
	f := newMailerFixture()
	ctx := context.Background()

	f.provider.err = apperrors.NewMailProviderError(503, errors.New("unavailable"))
	res := f.mailer.ExecuteEmailAction(ctx, newSendRequest(customer()))
	require.Equal(t, types.MessageFailed, res.Status)

	f.provider.err = nil
	res = f.mailer.ExecuteEmailAction(ctx, newSendRequest(customer()))
	assert.Equal(t, types.MessageSent, res.Status)
	assert.Len(t, f.provider.sent, 2)
}

func TestExecuteEmailAction_BuiltinFallback(t *testing.T) {
	f := newMailerFixture()
	req := newSendRequest(customer())
	req.Automation = &models.Automation{ID: "auto-2", BuiltinTemplate: "first_order"}
	req.Action = models.EmailAction{Subject: "Thanks", FromName: "Acme Team", ReplyTo: "care@acme.test"}

	res := f.mailer.ExecuteEmailAction(context.Background(), req)
	require.Equal(t, types.MessageSent, res.Status)

	email := f.provider.sent[0]
	assert.Contains(t, email.HTML, "first order")
	assert.Equal(t, `"Acme Team" <hello@acme.test>`, email.From)
	assert.Equal(t, "care@acme.test", email.ReplyTo)
}

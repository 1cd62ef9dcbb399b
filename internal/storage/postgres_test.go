package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/money"
	"github.com/storefront-crm/internal/types"
)

const testShop = "acme"

func ts(minutes int) *time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return &t
}

func testCustomer(platformID, email string, updatedAt *time.Time) *models.Customer {
	return &models.Customer{
		ShopID:            testShop,
		PlatformID:        platformID,
		Email:             email,
		FirstName:         "Ada",
		LastName:          "Lovelace",
		Name:              "Ada Lovelace",
		Tags:              []string{"vip"},
		TotalSpent:        money.MustParse("0", "USD"),
		AvgOrderValue:     money.MustParse("0", "USD"),
		PlatformCreatedAt: ts(0),
		PlatformUpdatedAt: updatedAt,
	}
}

func TestPostgresDB_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestCustomerUpsert_LastWriteWins(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewCustomerRepository(db)

	newer := testCustomer("gid://shopify/Customer/1", "new@acme.test", ts(20))
	older := testCustomer("gid://shopify/Customer/1", "old@acme.test", ts(10))

	res, err := repo.Upsert(ctx, newer)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Inserted)

	res, err = repo.Upsert(ctx, older)
	require.NoError(t, err)
	assert.False(t, res.Applied, "older update must not apply")
	assert.Equal(t, newer.ID, res.ID)

	got, err := repo.GetByPlatformID(ctx, testShop, "gid://shopify/Customer/1")
	require.NoError(t, err)
	assert.Equal(t, "new@acme.test", got.Email)
	assert.True(t, got.PlatformUpdatedAt.Equal(*ts(20)))

	// Equal timestamps apply.
	same := testCustomer("gid://shopify/Customer/1", "same@acme.test", ts(20))
	res, err = repo.Upsert(ctx, same)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Inserted)
}

func TestCustomerUpsert_PreservesCRMFields(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewCustomerRepository(db)

	c := testCustomer("gid://shopify/Customer/2", "crm@acme.test", ts(1))
	_, err := repo.Upsert(ctx, c)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateRFMBatch(ctx, []RFMUpdate{{
		CustomerID: c.ID, R: 5, F: 5, M: 5, Segment: types.SegmentChampion, Lifecycle: types.LifecycleRepeat,
	}}))
	require.NoError(t, repo.SetMarketingOptOut(ctx, testShop, c.ID))

	resync := testCustomer("gid://shopify/Customer/2", "crm@acme.test", ts(5))
	resync.OrderCount = 3
	_, err = repo.Upsert(ctx, resync)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.OrderCount)
	require.NotNil(t, got.Segment)
	assert.Equal(t, types.SegmentChampion, *got.Segment)
	assert.Equal(t, 5, *got.RFMRecency)
	assert.Equal(t, types.LifecycleRepeat, got.LifecycleStage)
	assert.True(t, got.MarketingOptedOut)
}

func TestCustomer_SoftDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewCustomerRepository(db)

	_, err := repo.Upsert(ctx, testCustomer("gid://shopify/Customer/3", "gone@acme.test", ts(1)))
	require.NoError(t, err)

	deleted, err := repo.SoftDeleteByPlatformID(ctx, testShop, "gid://shopify/Customer/3")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.SoftDeleteByPlatformID(ctx, testShop, "gid://shopify/Customer/3")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryNotFound))
}

func TestOrderUpsert_LastWriteWinsAndCustomerDates(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	customers := NewCustomerRepository(db)
	orders := NewOrderRepository(db)

	c := testCustomer("gid://shopify/Customer/10", "buyer@acme.test", ts(0))
	_, err := customers.Upsert(ctx, c)
	require.NoError(t, err)

	custPID := c.PlatformID
	mkOrder := func(pid, total string, created, updated *time.Time) *models.Order {
		return &models.Order{
			ShopID:             testShop,
			PlatformID:         pid,
			Name:               "#1001",
			CustomerPlatformID: &custPID,
			TotalPrice:         money.MustParse(total, "USD"),
			LineItems:          []models.LineItem{{Title: "Mug", Quantity: 2, Price: money.MustParse("5.00", "USD")}},
			FinancialStatus:    "paid",
			PlatformCreatedAt:  *created,
			PlatformUpdatedAt:  updated,
		}
	}

	_, err = orders.Upsert(ctx, mkOrder("gid://shopify/Order/1", "30.00", ts(60), ts(200)))
	require.NoError(t, err)
	res, err := orders.Upsert(ctx, mkOrder("gid://shopify/Order/1", "10.00", ts(60), ts(100)))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = orders.Upsert(ctx, mkOrder("gid://shopify/Order/2", "12.50", ts(30), ts(30)))
	require.NoError(t, err)

	got, err := orders.GetByPlatformID(ctx, testShop, "gid://shopify/Order/1")
	require.NoError(t, err)
	assert.True(t, got.TotalPrice.Equal(money.MustParse("30.00", "USD")), got.TotalPrice.String())
	require.NotNil(t, got.CustomerID)
	assert.Equal(t, c.ID, *got.CustomerID)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "Mug", got.LineItems[0].Title)

	cust, err := customers.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, cust.FirstOrderAt)
	require.NotNil(t, cust.LastOrderAt)
	assert.True(t, cust.FirstOrderAt.Equal(*ts(30)))
	assert.True(t, cust.LastOrderAt.Equal(*ts(60)))
}

func TestWebhookDelivery_InsertIfAbsentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewWebhookDeliveryRepository(db)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.InsertIfAbsent(ctx, testShop, "delivery-1", "orders/create")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	require.NoError(t, repo.MarkProcessed(ctx, testShop, "delivery-1"))
	// Terminal rows never move again.
	require.NoError(t, repo.MarkDeadLetter(ctx, testShop, "delivery-1", "late failure"))
	d, err := repo.Get(ctx, testShop, "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryProcessed, d.Status)

	_, err = repo.InsertIfAbsent(ctx, testShop, "delivery-2", "orders/create")
	require.NoError(t, err)
	require.NoError(t, repo.RecordFailure(ctx, testShop, "delivery-2", "boom"))
	require.NoError(t, repo.MarkDeadLetter(ctx, testShop, "delivery-2", "boom"))

	n, err := repo.CountDeadLetters(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.InsertIfAbsent(ctx, testShop, "delivery-3", "orders/create")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, testShop, "delivery-3"))
	ok, err := repo.InsertIfAbsent(ctx, testShop, "delivery-3", "orders/create")
	require.NoError(t, err)
	assert.True(t, ok, "deleted delivery can be recorded again")
}

func TestSyncLog_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewSyncLogRepository(db)

	log := &models.SyncLog{ShopID: testShop, Type: types.SyncTypeFull, Status: types.SyncStatusPending}
	require.NoError(t, repo.Create(ctx, log))
	require.NotEmpty(t, log.ID)

	opID := "gid://shopify/BulkOperation/1"
	require.NoError(t, repo.MarkRunning(ctx, log.ID, &opID))

	found, err := repo.GetByBulkOperation(ctx, testShop, opID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, types.SyncStatusRunning, found.Status)

	cursor := "gid://shopify/Customer/99"
	progress := models.SyncProgress{CustomersSynced: 100, RecordsProcessed: 100, Cursor: &cursor}
	require.NoError(t, repo.Checkpoint(ctx, log.ID, progress))
	msg := "stream reset"
	require.NoError(t, repo.Finish(ctx, log.ID, types.SyncStatusFailed, progress, &msg))

	resumable, err := repo.LatestResumable(ctx, testShop)
	require.NoError(t, err)
	require.NotNil(t, resumable)
	assert.Equal(t, cursor, *resumable.Cursor)
	assert.Equal(t, 100, resumable.CustomersSynced)

	none, err := repo.LastCompleted(ctx, testShop)
	require.NoError(t, err)
	assert.Nil(t, none)

	cancelled, err := repo.Cancel(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusCancelled, cancelled.Status)

	_, err = repo.Cancel(ctx, log.ID)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))

	history, err := repo.History(ctx, testShop, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApplyImportBatch_CheckpointsAtomically(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	logs := NewSyncLogRepository(db)
	imports := NewImportRepository(db)

	log := &models.SyncLog{ShopID: testShop, Type: types.SyncTypeFull, Status: types.SyncStatusRunning}
	require.NoError(t, logs.Create(ctx, log))

	custPID := "gid://shopify/Customer/20"
	records := []models.ImportRecord{
		{PlatformID: custPID, Customer: testCustomer(custPID, "batch@acme.test", ts(1))},
		{PlatformID: "gid://shopify/Order/20", Order: &models.Order{
			ShopID: testShop, PlatformID: "gid://shopify/Order/20", CustomerPlatformID: &custPID,
			TotalPrice: money.MustParse("9.99", "USD"), IsHistorical: true,
			PlatformCreatedAt: *ts(2), PlatformUpdatedAt: ts(2),
		}},
	}
	cursor := "gid://shopify/Order/20"
	res, err := imports.ApplyImportBatch(ctx, log.ID, records, models.SyncProgress{Cursor: &cursor})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Customers)
	assert.Equal(t, 1, res.Orders)

	got, err := logs.GetByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecordsProcessed)
	assert.Equal(t, cursor, *got.Cursor)

	// A failing record rolls back the whole batch, checkpoint included.
	bad := []models.ImportRecord{
		{PlatformID: "gid://shopify/Customer/21", Customer: testCustomer("gid://shopify/Customer/21", "x@acme.test", ts(1))},
		{PlatformID: "gid://shopify/Order/21"},
	}
	next := "gid://shopify/Order/21"
	_, err = imports.ApplyImportBatch(ctx, log.ID, bad, models.SyncProgress{RecordsProcessed: 2, Cursor: &next})
	require.Error(t, err)

	got, err = logs.GetByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, cursor, *got.Cursor)
	_, err = NewCustomerRepository(db).GetByPlatformID(ctx, testShop, "gid://shopify/Customer/21")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryNotFound))
}

func TestStreamRFMRanks_NeverPurchasedRanksLowest(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewCustomerRepository(db)

	c := testCustomer("gid://shopify/Customer/30", "lonely@acme.test", ts(0))
	_, err := repo.Upsert(ctx, c)
	require.NoError(t, err)

	var ranks []RFMRank
	require.NoError(t, repo.StreamRFMRanks(ctx, testShop, func(r RFMRank) error {
		ranks = append(ranks, r)
		return nil
	}))
	require.Len(t, ranks, 1)
	assert.Equal(t, 1, ranks[0].R)
	assert.Equal(t, 1, ranks[0].F)
	assert.Equal(t, 1, ranks[0].M)
	assert.Nil(t, ranks[0].OldSegment)
	assert.Equal(t, types.SegmentLost, types.ClassifySegment(ranks[0].R, ranks[0].F, ranks[0].M))
}

func TestStreamRFMRanks_Quintiles(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewCustomerRepository(db)

	for i := 1; i <= 10; i++ {
		c := testCustomer(fmt.Sprintf("gid://shopify/Customer/%d", 100+i), fmt.Sprintf("c%d@acme.test", i), ts(i))
		c.OrderCount = i
		c.TotalSpent = money.MustParse(fmt.Sprintf("%d.00", i*10), "USD")
		c.LastOrderAt = ts(i * 60)
		_, err := repo.Upsert(ctx, c)
		require.NoError(t, err)
	}

	byPID := map[string]RFMRank{}
	var ids []string
	require.NoError(t, repo.StreamRFMRanks(ctx, testShop, func(r RFMRank) error {
		byPID[r.CustomerID] = r
		ids = append(ids, r.CustomerID)
		return nil
	}))
	require.Len(t, ids, 10)

	top, err := repo.GetByPlatformID(ctx, testShop, "gid://shopify/Customer/110")
	require.NoError(t, err)
	bottom, err := repo.GetByPlatformID(ctx, testShop, "gid://shopify/Customer/101")
	require.NoError(t, err)

	assert.Equal(t, RFMRank{CustomerID: top.ID, R: 5, F: 5, M: 5, OrderCount: 10}, byPID[top.ID])
	assert.Equal(t, RFMRank{CustomerID: bottom.ID, R: 1, F: 1, M: 1, OrderCount: 1}, byPID[bottom.ID])
}

func TestAutomationRepository_ListEnabledByTrigger(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	repo := NewAutomationRepository(db)

	tmpl := &models.EmailTemplate{ShopID: testShop, Name: "welcome", Subject: "Hi", HTML: "<p>Hello {{first_name}}</p>"}
	require.NoError(t, repo.CreateTemplate(ctx, tmpl))

	enabled := &models.Automation{
		ShopID:        testShop,
		Name:          "champions",
		TriggerType:   types.TriggerSegmentChange,
		TriggerConfig: json.RawMessage(`{"targetSegment":"champion"}`),
		ActionType:    types.ActionSendEmail,
		ActionConfig:  json.RawMessage(`{"subject":"You made it"}`),
		TemplateID:    &tmpl.ID,
		Enabled:       true,
	}
	require.NoError(t, repo.Create(ctx, enabled))
	require.NoError(t, repo.Create(ctx, &models.Automation{
		ShopID: testShop, Name: "disabled", TriggerType: types.TriggerSegmentChange,
		ActionType: types.ActionSendEmail, Enabled: false,
	}))

	list, err := repo.ListEnabledByTrigger(ctx, testShop, types.TriggerSegmentChange)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "champions", list[0].Name)
	require.NotNil(t, list[0].TemplateHTML)
	assert.Equal(t, tmpl.HTML, *list[0].TemplateHTML)

	rule, err := list[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, models.SegmentChangeTrigger{TargetSegment: types.SegmentChampion}, rule.Trigger)

	require.NoError(t, repo.MarkRun(ctx, enabled.ID, time.Now()))
	got, err := repo.GetByID(ctx, enabled.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
}

func TestMessageLogAndSuppression(t *testing.T) {
	db := newTestDB(t)
	ctx := testContext(t)
	customers := NewCustomerRepository(db)
	messages := NewMessageLogRepository(db)
	suppressions := NewSuppressionRepository(db)

	c := testCustomer("gid://shopify/Customer/40", "Reader@Acme.test", ts(0))
	_, err := customers.Upsert(ctx, c)
	require.NoError(t, err)

	now := time.Now().UTC()
	m := &models.MessageLog{
		ShopID: testShop, CustomerID: c.ID, Email: c.Email, Subject: "Hello",
		Status: types.MessageSent, IdempotencyKey: "a-c-1", SentAt: &now,
	}
	require.NoError(t, messages.Insert(ctx, m))

	ok, err := messages.MarkOpened(ctx, m.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = messages.MarkClicked(ctx, m.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := messages.MarkConvertedSince(ctx, c.ID, now.Add(-7*24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MessageConverted, got.Status)
	assert.NotNil(t, got.ConvertedAt)

	exists, err := messages.ExistsForIdempotencyKey(ctx, testShop, "a-c-1")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := &models.MessageLog{
		ShopID: testShop, CustomerID: c.ID, Email: c.Email, Subject: "Hello",
		Status: types.MessageSent, IdempotencyKey: "a-c-1", SentAt: &now,
	}
	err = messages.Insert(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))

	// Failed sends release the key for a retry.
	retried := &models.MessageLog{
		ShopID: testShop, CustomerID: c.ID, Email: c.Email, Subject: "Hello",
		Status: types.MessageSent, IdempotencyKey: "a-c-2", SentAt: &now,
	}
	require.NoError(t, messages.Insert(ctx, retried))
	require.NoError(t, messages.MarkFailed(ctx, retried.ID, "provider down"))
	again := &models.MessageLog{
		ShopID: testShop, CustomerID: c.ID, Email: c.Email, Subject: "Hello",
		Status: types.MessageSent, IdempotencyKey: "a-c-2", SentAt: &now,
	}
	require.NoError(t, messages.Insert(ctx, again))

	require.NoError(t, suppressions.Add(ctx, testShop, "READER@acme.test ", types.SuppressionUnsubscribe))
	require.NoError(t, suppressions.Add(ctx, testShop, "reader@acme.test", types.SuppressionHardBounce))
	s, err := suppressions.Lookup(ctx, testShop, c.Email)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, types.SuppressionUnsubscribe, s.Reason)

	s, err = suppressions.Lookup(ctx, "other-shop", c.Email)
	require.NoError(t, err)
	assert.Nil(t, s)
}

package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/platform"
	"github.com/storefront-crm/internal/types"
)

type fakeSyncLogs struct {
	mu     sync.Mutex
	logs   map[string]*models.SyncLog
	nextID int
	clock  time.Time
}

func newFakeSyncLogs() *fakeSyncLogs {
	return &fakeSyncLogs{
		logs:  make(map[string]*models.SyncLog),
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeSyncLogs) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *fakeSyncLogs) put(s *models.SyncLog) *models.SyncLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		f.nextID++
		s.ID = fmt.Sprintf("log-%d", f.nextID)
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = f.tick()
	}
	f.logs[s.ID] = s
	return s
}

func (f *fakeSyncLogs) get(id string) *models.SyncLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.logs[id]
	return &cp
}

func (f *fakeSyncLogs) sorted(shop string, keep func(*models.SyncLog) bool) []*models.SyncLog {
	var out []*models.SyncLog
	for _, s := range f.logs {
		if s.ShopID == shop && keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func first(logs []*models.SyncLog) *models.SyncLog {
	if len(logs) == 0 {
		return nil
	}
	return logs[0]
}

func (f *fakeSyncLogs) Create(_ context.Context, s *models.SyncLog) error {
	f.put(s)
	return nil
}

func (f *fakeSyncLogs) GetByID(_ context.Context, id string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.logs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("sync log", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSyncLogs) LatestResumable(_ context.Context, shop string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return first(f.sorted(shop, func(s *models.SyncLog) bool {
		return s.Type == types.SyncTypeFull && s.Status == types.SyncStatusFailed && s.Cursor != nil
	})), nil
}

func (f *fakeSyncLogs) GetByBulkOperation(_ context.Context, shop, op string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return first(f.sorted(shop, func(s *models.SyncLog) bool {
		return s.BulkOperationID != nil && *s.BulkOperationID == op
	})), nil
}

func (f *fakeSyncLogs) Latest(_ context.Context, shop string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return first(f.sorted(shop, func(*models.SyncLog) bool { return true })), nil
}

func (f *fakeSyncLogs) LastCompleted(_ context.Context, shop string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return first(f.sorted(shop, func(s *models.SyncLog) bool { return s.Status == types.SyncStatusCompleted })), nil
}

func (f *fakeSyncLogs) History(_ context.Context, shop string, limit int) ([]*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := f.sorted(shop, func(*models.SyncLog) bool { return true })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (f *fakeSyncLogs) MarkRunning(_ context.Context, id string, op *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.logs[id]
	if !ok {
		return apperrors.NewNotFoundError("sync log", id)
	}
	s.Status = types.SyncStatusRunning
	if op != nil {
		s.BulkOperationID = op
	}
	s.ErrorMessage = nil
	s.CompletedAt = nil
	return nil
}

func (f *fakeSyncLogs) Checkpoint(_ context.Context, id string, p models.SyncProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.logs[id]
	s.CustomersSynced, s.OrdersSynced, s.RecordsProcessed, s.Cursor = p.CustomersSynced, p.OrdersSynced, p.RecordsProcessed, p.Cursor
	return nil
}

func (f *fakeSyncLogs) Finish(_ context.Context, id string, status types.SyncStatus, p models.SyncProgress, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.logs[id]
	if s.Status == types.SyncStatusCancelled {
		return nil
	}
	s.Status = status
	s.CustomersSynced, s.OrdersSynced, s.RecordsProcessed, s.Cursor = p.CustomersSynced, p.OrdersSynced, p.RecordsProcessed, p.Cursor
	s.ErrorMessage = errMsg
	done := f.tick()
	s.CompletedAt = &done
	return nil
}

func (f *fakeSyncLogs) Cancel(_ context.Context, id string) (*models.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.logs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("sync log", id)
	}
	if s.Status == types.SyncStatusCompleted || s.Status == types.SyncStatusCancelled {
		return nil, apperrors.NewConflictError("sync is already completed or cancelled")
	}
	s.Status = types.SyncStatusCancelled
	cp := *s
	return &cp, nil
}

type fakeCustomers struct {
	mu       sync.Mutex
	upserted []*models.Customer
	byID     map[string]*models.Customer
	err      error
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{byID: make(map[string]*models.Customer)}
}

func (f *fakeCustomers) Upsert(_ context.Context, c *models.Customer) (*models.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.upserted = append(f.upserted, c)
	if c.ID == "" {
		c.ID = "cust-" + c.PlatformID
	}
	f.byID[c.ID] = c
	return &models.UpsertResult{ID: c.ID, Applied: true, Inserted: true}, nil
}

type fakeOrders struct {
	mu       sync.Mutex
	upserted []*models.Order
	err      error
	failAt   int
}

func (f *fakeOrders) Upsert(_ context.Context, o *models.Order) (*models.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && len(f.upserted)+1 >= f.failAt {
		return nil, f.err
	}
	f.upserted = append(f.upserted, o)
	return &models.UpsertResult{ID: "ord-" + o.PlatformID, Applied: true, Inserted: true}, nil
}

type fakeSyncPlatform struct {
	bulkOp        *platform.BulkOperation
	bulkErr       error
	lookup        map[string]*platform.BulkOperation
	customerPages []*platform.Page[*models.Customer]
	orderPages    []*platform.Page[*models.Order]
	ordersErr     error
	sinces        []time.Time
	afters        []string
	exports       int
}

func (f *fakeSyncPlatform) RunBulkExport(context.Context) (*platform.BulkOperation, error) {
	f.exports++
	return f.bulkOp, f.bulkErr
}

func (f *fakeSyncPlatform) BulkOperation(_ context.Context, gid string) (*platform.BulkOperation, error) {
	op, ok := f.lookup[gid]
	if !ok {
		return nil, apperrors.NewNotFoundError("bulk operation", gid)
	}
	return op, nil
}

func (f *fakeSyncPlatform) CustomersUpdatedSince(_ context.Context, since time.Time, after string) (*platform.Page[*models.Customer], error) {
	f.sinces = append(f.sinces, since)
	f.afters = append(f.afters, after)
	if len(f.customerPages) == 0 {
		return &platform.Page[*models.Customer]{}, nil
	}
	page := f.customerPages[0]
	f.customerPages = f.customerPages[1:]
	return page, nil
}

func (f *fakeSyncPlatform) OrdersUpdatedSince(_ context.Context, _ time.Time, after string) (*platform.Page[*models.Order], error) {
	f.afters = append(f.afters, after)
	if f.ordersErr != nil {
		return nil, f.ordersErr
	}
	if len(f.orderPages) == 0 {
		return &platform.Page[*models.Order]{}, nil
	}
	page := f.orderPages[0]
	f.orderPages = f.orderPages[1:]
	return page, nil
}

type fakeImporter struct {
	requests []job.BulkImportRequest
	err      error
	// run, when set, replaces err and can write checkpoints like the real importer
	run func(n int, req job.BulkImportRequest) error
}

func (f *fakeImporter) Process(_ context.Context, req job.BulkImportRequest) (*job.BulkImportResult, error) {
	f.requests = append(f.requests, req)
	if f.run != nil {
		return &job.BulkImportResult{}, f.run(len(f.requests), req)
	}
	return &job.BulkImportResult{}, f.err
}

type dispatched struct {
	msg *job.Message
	at  time.Time
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatched
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg *job.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, dispatched{msg: msg})
	return nil
}

func (f *fakeDispatcher) DispatchAt(_ context.Context, msg *job.Message, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, dispatched{msg: msg, at: at})
	return nil
}

type fakeDeadLetters int

func (f fakeDeadLetters) CountDeadLetters(context.Context, string) (int, error) {
	return int(f), nil
}

func strPtr(s string) *string { return &s }

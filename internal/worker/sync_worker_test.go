package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
)

type countingSyncer struct {
	mu    sync.Mutex
	shops []string
	fail  map[string]bool
}

func (c *countingSyncer) StartIncrementalSync(_ context.Context, shop string) (*models.SyncLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shops = append(c.shops, shop)
	if c.fail[shop] {
		return nil, errors.New("platform unavailable")
	}
	return &models.SyncLog{ID: "log-" + shop, ShopID: shop}, nil
}

func (c *countingSyncer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shops)
}

type countingRFM struct {
	mu    sync.Mutex
	shops []string
	fail  map[string]bool
}

func (c *countingRFM) RecalculateAllRFMScores(_ context.Context, shop string) ([]models.SegmentChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shops = append(c.shops, shop)
	if c.fail[shop] {
		return nil, errors.New("db down")
	}
	return nil, nil
}

type staticStats job.QueueStats

func (s staticStats) Stats(context.Context) (*job.QueueStats, error) {
	stats := job.QueueStats(s)
	return &stats, nil
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
}

func TestNewSyncWorker_RequiresCollaborators(t *testing.T) {
	_, err := NewSyncWorker(&SyncWorkerConfig{RFM: &countingRFM{}})
	assert.Error(t, err)
	_, err = NewSyncWorker(&SyncWorkerConfig{Syncs: &countingSyncer{}})
	assert.Error(t, err)
}

func TestSyncWorker_SyncAllContinuesPastFailures(t *testing.T) {
	syncs := &countingSyncer{fail: map[string]bool{"beta": true}}
	w, err := NewSyncWorker(&SyncWorkerConfig{
		Shops: []string{"acme", "beta", "gamma"}, Syncs: syncs, RFM: &countingRFM{}, Logger: quietLogger(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, w.SyncAll(context.Background()))
	assert.Equal(t, []string{"acme", "beta", "gamma"}, syncs.shops)

	status := w.GetStatus()
	assert.Equal(t, 1, status.SyncFailures)
	assert.False(t, status.LastSyncRun.IsZero())
}

func TestSyncWorker_RecalculateAll(t *testing.T) {
	rfm := &countingRFM{fail: map[string]bool{"acme": true}}
	w, err := NewSyncWorker(&SyncWorkerConfig{
		Shops: []string{"acme", "beta"}, Syncs: &countingSyncer{}, RFM: rfm, Logger: quietLogger(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, w.RecalculateAll(context.Background()))
	assert.Equal(t, []string{"acme", "beta"}, rfm.shops)
	assert.Equal(t, 1, w.GetStatus().RFMFailures)
}

func TestSyncWorker_ReportQueueDepth(t *testing.T) {
	m := metrics.New()
	w, err := NewSyncWorker(&SyncWorkerConfig{
		Syncs: &countingSyncer{}, RFM: &countingRFM{}, Logger: quietLogger(), Metrics: m,
		Queue: staticStats{Ready: 3, Delayed: 2, Processing: 1, Dead: 4},
	})
	require.NoError(t, err)

	require.NoError(t, w.ReportQueueDepth(context.Background()))
	count, err := testutil.GatherAndCount(m.Registry(), "storefront_crm_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestSyncWorker_StartStop(t *testing.T) {
	syncs := &countingSyncer{}
	w, err := NewSyncWorker(&SyncWorkerConfig{
		Shops:        []string{"acme"},
		Syncs:        syncs,
		RFM:          &countingRFM{},
		SyncInterval: 10 * time.Millisecond,
		RFMInterval:  -1,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	assert.True(t, w.GetStatus().Running)

	assert.Eventually(t, func() bool { return syncs.calls() >= 2 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	assert.False(t, w.GetStatus().Running)
	assert.Error(t, w.Stop(stopCtx))
}

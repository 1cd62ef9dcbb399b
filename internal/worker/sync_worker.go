package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storefront-crm/internal/job"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
)

// IncrementalSyncer runs an incremental sync for a shop
type IncrementalSyncer interface {
	StartIncrementalSync(ctx context.Context, shop string) (*models.SyncLog, error)
}

// RFMRecalculator recomputes RFM scores for a shop
type RFMRecalculator interface {
	RecalculateAllRFMScores(ctx context.Context, shop string) ([]models.SegmentChange, error)
}

// QueueStatter reports dispatch queue depths
type QueueStatter interface {
	Stats(ctx context.Context) (*job.QueueStats, error)
}

// SyncWorker runs the periodic jobs of the worker process: incremental sync
// and RFM recalculation for every configured shop, and queue depth reporting.
type SyncWorker struct {
	shops         []string
	syncs         IncrementalSyncer
	rfm           RFMRecalculator
	queue         QueueStatter
	syncInterval  time.Duration
	rfmInterval   time.Duration
	statsInterval time.Duration
	metrics       *metrics.Metrics
	logger        *logging.Logger

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	lastSyncRun  time.Time
	lastRFMRun   time.Time
	syncFailures int
	rfmFailures  int
}

// SyncWorkerConfig holds configuration for a sync worker
type SyncWorkerConfig struct {
	Shops []string
	Syncs IncrementalSyncer
	RFM   RFMRecalculator
	Queue QueueStatter
	// Zero intervals use the defaults; a negative interval disables that job.
	SyncInterval  time.Duration
	RFMInterval   time.Duration
	StatsInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(cfg *SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Syncs == nil {
		return nil, fmt.Errorf("incremental syncer cannot be nil")
	}
	if cfg.RFM == nil {
		return nil, fmt.Errorf("rfm recalculator cannot be nil")
	}

	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = time.Hour
	}
	rfmInterval := cfg.RFMInterval
	if rfmInterval == 0 {
		rfmInterval = 24 * time.Hour
	}
	statsInterval := cfg.StatsInterval
	if statsInterval == 0 {
		statsInterval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &SyncWorker{
		shops:         cfg.Shops,
		syncs:         cfg.Syncs,
		rfm:           cfg.RFM,
		queue:         cfg.Queue,
		syncInterval:  syncInterval,
		rfmInterval:   rfmInterval,
		statsInterval: statsInterval,
		metrics:       cfg.Metrics,
		logger:        logger.WithComponent("sync-worker"),
	}, nil
}

// Start launches the periodic loops
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("sync worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.logger.WithFields(map[string]interface{}{
		"shops":        len(w.shops),
		"syncInterval": w.syncInterval.String(),
		"rfmInterval":  w.rfmInterval.String(),
	}).Info("Starting sync worker")

	w.loop(ctx, w.syncInterval, func(ctx context.Context) { w.SyncAll(ctx) })
	w.loop(ctx, w.rfmInterval, func(ctx context.Context) { w.RecalculateAll(ctx) })
	if w.queue != nil {
		w.loop(ctx, w.statsInterval, func(ctx context.Context) {
			if err := w.ReportQueueDepth(ctx); err != nil {
				w.logger.WithError(err).Warn("Failed to read queue depth")
			}
		})
	}
	return nil
}

// Stop signals the loops and waits for the current runs to finish
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is not running")
	}
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Sync worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("Sync worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *SyncWorker) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	if interval < 0 {
		return
	}
	stopCh := w.stopCh
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
}

// SyncAll runs an incremental sync for every shop in turn and returns how many
// failed. One shop failing does not stop the others.
func (w *SyncWorker) SyncAll(ctx context.Context) int {
	failed := 0
	for _, shop := range w.shops {
		if ctx.Err() != nil {
			break
		}
		syncLog, err := w.syncs.StartIncrementalSync(ctx, shop)
		if err != nil {
			failed++
			w.logger.WithShop(shop).WithError(err).Error("Scheduled incremental sync failed")
			continue
		}
		w.logger.WithShop(shop).WithField("syncLogId", syncLog.ID).Debug("Scheduled incremental sync finished")
	}

	w.mu.Lock()
	w.lastSyncRun = time.Now()
	w.syncFailures += failed
	w.mu.Unlock()
	return failed
}

// RecalculateAll recomputes RFM scores for every shop and returns how many
// shops failed
func (w *SyncWorker) RecalculateAll(ctx context.Context) int {
	failed := 0
	for _, shop := range w.shops {
		if ctx.Err() != nil {
			break
		}
		changes, err := w.rfm.RecalculateAllRFMScores(ctx, shop)
		if err != nil {
			failed++
			w.logger.WithShop(shop).WithError(err).Error("Scheduled RFM recalculation failed")
			continue
		}
		w.logger.WithShop(shop).WithField("changes", len(changes)).Debug("Scheduled RFM recalculation finished")
	}

	w.mu.Lock()
	w.lastRFMRun = time.Now()
	w.rfmFailures += failed
	w.mu.Unlock()
	return failed
}

// ReportQueueDepth publishes the dispatch queue depths as gauges
func (w *SyncWorker) ReportQueueDepth(ctx context.Context) error {
	if w.queue == nil {
		return nil
	}
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return err
	}
	w.metrics.SetQueueDepth(stats.Ready, stats.Delayed, stats.Processing, stats.Dead)
	return nil
}

// GetStatus returns current worker status
func (w *SyncWorker) GetStatus() *SyncWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &SyncWorkerStatus{
		Running:      w.running,
		Shops:        len(w.shops),
		LastSyncRun:  w.lastSyncRun,
		LastRFMRun:   w.lastRFMRun,
		SyncFailures: w.syncFailures,
		RFMFailures:  w.rfmFailures,
	}
}

// SyncWorkerStatus represents the current status of a sync worker
type SyncWorkerStatus struct {
	Running      bool
	Shops        int
	LastSyncRun  time.Time
	LastRFMRun   time.Time
	SyncFailures int
	RFMFailures  int
}

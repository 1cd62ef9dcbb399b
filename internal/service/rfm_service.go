package service

import (
	"context"
	"fmt"
	"time"

	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/metrics"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/storage"
	"github.com/storefront-crm/internal/types"
)

// RFMStore ranks customers in the database and writes scores back in batches
type RFMStore interface {
	StreamRFMRanks(ctx context.Context, shopID string, fn func(storage.RFMRank) error) error
	UpdateRFMBatch(ctx context.Context, updates []storage.RFMUpdate) error
}

// SegmentChangeHandler consumes the label changes of an RFM pass
type SegmentChangeHandler interface {
	HandleSegmentChanges(ctx context.Context, shop string, changes []models.SegmentChange) error
}

// RFMService recomputes quintile scores and segments for a shop
type RFMService struct {
	store     RFMStore
	handler   SegmentChangeHandler
	batchSize int
	metrics   *metrics.Metrics
}

// NewRFMService creates an RFM service. handler may be nil.
func NewRFMService(store RFMStore, handler SegmentChangeHandler, m *metrics.Metrics) *RFMService {
	return &RFMService{
		store:     store,
		handler:   handler,
		batchSize: storage.RFMBatchSize,
		metrics:   m,
	}
}

// RecalculateAllRFMScores ranks every active customer of shop, writes the new
// scores, segment and lifecycle stage, and returns the customers whose segment
// label changed. Score changes that keep the same label are not returned.
func (s *RFMService) RecalculateAllRFMScores(ctx context.Context, shop string) ([]models.SegmentChange, error) {
	logger := logging.FromContext(ctx).WithComponent("rfm").WithShop(shop)
	start := time.Now()

	var (
		changes []models.SegmentChange
		total   int
	)
	batch := make([]storage.RFMUpdate, 0, s.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.UpdateRFMBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := s.store.StreamRFMRanks(ctx, shop, func(rank storage.RFMRank) error {
		total++
		segment := types.ClassifySegment(rank.R, rank.F, rank.M)
		batch = append(batch, storage.RFMUpdate{
			CustomerID: rank.CustomerID,
			R:          rank.R,
			F:          rank.F,
			M:          rank.M,
			Segment:    segment,
			Lifecycle:  types.LifecycleForOrderCount(rank.OrderCount),
		})

		if rank.OldSegment == nil || *rank.OldSegment != segment {
			changes = append(changes, models.SegmentChange{
				CustomerID: rank.CustomerID,
				ShopID:     shop,
				OldSegment: rank.OldSegment,
				NewSegment: segment,
			})
		}

		if len(batch) >= s.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return nil, fmt.Errorf("rfm recalculation for %s: %w", shop, err)
	}

	for _, c := range changes {
		s.metrics.SegmentChanged(string(c.NewSegment))
	}
	logger.WithFields(map[string]interface{}{
		"customers": total,
		"changes":   len(changes),
		"duration":  time.Since(start).String(),
	}).Info("RFM scores recalculated")

	if s.handler != nil && len(changes) > 0 {
		if err := s.handler.HandleSegmentChanges(ctx, shop, changes); err != nil {
			logger.WithError(err).Error("Segment change automations failed")
		}
	}
	return changes, nil
}

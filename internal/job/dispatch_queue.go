// Package job holds the background execution machinery: the Redis-backed
// dispatch queue and the checkpointed bulk importer.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/retry"
)

// Internal topics raised by the CRM itself rather than the platform
const (
	TopicSyncResume        = "sync/resume"
	TopicAutomationExecute = "automation/execute"
)

// Message is one unit of deferred work
type Message struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Shop       string          `json:"shop"`
	DeliveryID string          `json:"deliveryId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Dispatcher hands messages to background workers
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
	DispatchAt(ctx context.Context, msg *Message, at time.Time) error
}

// Handler processes one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg *Message) error

// DeadLetterFunc is called once a message has used up its attempts
type DeadLetterFunc func(ctx context.Context, msg *Message, err error)

// QueueStats is a snapshot of queue depths
type QueueStats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// DispatchQueueConfig configures a DispatchQueue
type DispatchQueueConfig struct {
	Redis        redis.Cmdable
	KeyPrefix    string
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	// RetryBaseDelay is the delay before the second attempt; later attempts
	// back off exponentially up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// LeaseTTL is how long a consumer's in-flight messages stay reserved
	// after its last heartbeat. Expired leases are requeued by other consumers.
	LeaseTTL     time.Duration
	OnDeadLetter DeadLetterFunc
	Logger         *logging.Logger
}

// DispatchQueue is an at-least-once queue over Redis lists.
// Messages move ready -> processing while a handler runs; failures go to a
// delayed sorted set scored by due time, then to the dead list. Each queue
// instance owns its processing list and keeps a lease on it in the consumers
// sorted set, so only lists of consumers that stopped heartbeating are
// requeued.
type DispatchQueue struct {
	mu sync.Mutex

	rdb    redis.Cmdable
	cfg    DispatchQueueConfig
	logger *logging.Logger
	now    func() time.Time

	consumerID    string
	readyKey      string
	processingKey string
	consumersKey  string
	delayedKey    string
	deadKey       string

	workerSem chan struct{}
	wg        sync.WaitGroup
	stopCh    chan struct{}
	running   bool
}

// promoteScript moves due delayed messages onto the ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// NewDispatchQueue creates a queue. Nothing is consumed until Start.
func NewDispatchQueue(cfg DispatchQueueConfig) (*DispatchQueue, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "crm:queue:"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	consumerID := uuid.NewString()
	return &DispatchQueue{
		rdb:           cfg.Redis,
		cfg:           cfg,
		logger:        logger.WithComponent("dispatch_queue").WithField("consumerId", consumerID),
		now:           time.Now,
		consumerID:    consumerID,
		readyKey:      cfg.KeyPrefix + "ready",
		processingKey: processingKeyFor(cfg.KeyPrefix, consumerID),
		consumersKey:  cfg.KeyPrefix + "consumers",
		delayedKey:    cfg.KeyPrefix + "delayed",
		deadKey:       cfg.KeyPrefix + "dead",
		workerSem:     make(chan struct{}, cfg.Workers),
	}, nil
}

func processingKeyFor(prefix, consumerID string) string {
	return prefix + "processing:" + consumerID
}

func (q *DispatchQueue) prepare(msg *Message) ([]byte, error) {
	if msg == nil || msg.Topic == "" {
		return nil, apperrors.NewInvalidParameterError("topic", "message topic is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return raw, nil
}

// Dispatch enqueues msg for immediate processing
func (q *DispatchQueue) Dispatch(ctx context.Context, msg *Message) error {
	raw, err := q.prepare(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.readyKey, raw).Err(); err != nil {
		return apperrors.NewQueueError("dispatch", err)
	}
	return nil
}

// DispatchAt enqueues msg to become ready at the given time
func (q *DispatchQueue) DispatchAt(ctx context.Context, msg *Message, at time.Time) error {
	if !at.After(q.now()) {
		return q.Dispatch(ctx, msg)
	}
	raw, err := q.prepare(msg)
	if err != nil {
		return err
	}
	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: raw}).Err(); err != nil {
		return apperrors.NewQueueError("dispatch_at", err)
	}
	return nil
}

// Start takes a lease for this consumer, recovers messages abandoned by
// consumers whose lease expired and begins consuming with handler.
func (q *DispatchQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	if err := q.Heartbeat(ctx); err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return err
	}
	recovered, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight messages: %w", err)
	}
	if recovered > 0 {
		q.logger.WithField("count", recovered).Warn("Recovered in-flight messages from expired consumers")
	}

	go q.processMessages(ctx, handler)

	q.logger.WithFields(map[string]interface{}{
		"workers":     q.cfg.Workers,
		"maxAttempts": q.cfg.MaxAttempts,
	}).Info("Dispatch queue started")
	return nil
}

// Stop halts polling and waits for running handlers to return
func (q *DispatchQueue) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue not running")
	}
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	// Handlers have settled, so the processing list is empty.
	if err := q.rdb.ZRem(context.Background(), q.consumersKey, q.consumerID).Err(); err != nil {
		q.logger.WithError(err).Warn("Failed to release consumer lease")
	}
	q.logger.Info("Dispatch queue stopped")
	return nil
}

// Heartbeat extends this consumer's lease by LeaseTTL
func (q *DispatchQueue) Heartbeat(ctx context.Context) error {
	expires := q.now().Add(q.cfg.LeaseTTL).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.consumersKey, redis.Z{Score: float64(expires), Member: q.consumerID}).Err(); err != nil {
		return apperrors.NewQueueError("heartbeat", err)
	}
	return nil
}

// Recover moves messages back to ready from this consumer's own processing
// list and from the lists of consumers whose lease has expired. Lists of
// consumers that are still heartbeating are left alone.
func (q *DispatchQueue) Recover(ctx context.Context) (int, error) {
	count, err := q.requeue(ctx, q.processingKey)
	if err != nil {
		return count, err
	}

	expired, err := q.rdb.ZRangeByScore(ctx, q.consumersKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return count, apperrors.NewQueueError("recover", err)
	}
	for _, id := range expired {
		if id == q.consumerID {
			continue
		}
		// Removing the lease claims the list; a concurrent recoverer gets 0.
		claimed, err := q.rdb.ZRem(ctx, q.consumersKey, id).Result()
		if err != nil {
			return count, apperrors.NewQueueError("recover", err)
		}
		if claimed == 0 {
			continue
		}
		n, err := q.requeue(ctx, processingKeyFor(q.cfg.KeyPrefix, id))
		count += n
		if err != nil {
			return count, err
		}
		if n > 0 {
			q.logger.WithFields(map[string]interface{}{
				"expiredConsumer": id,
				"count":           n,
			}).Warn("Requeued messages from expired consumer")
		}
	}
	return count, nil
}

func (q *DispatchQueue) requeue(ctx context.Context, key string) (int, error) {
	count := 0
	for {
		err := q.rdb.LMove(ctx, key, q.readyKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, apperrors.NewQueueError("recover", err)
		}
		count++
	}
}

func (q *DispatchQueue) processMessages(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	lease := time.NewTicker(q.cfg.LeaseTTL / 3)
	defer lease.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.Poll(ctx, handler)
		case <-lease.C:
			if err := q.Heartbeat(ctx); err != nil {
				q.logger.WithError(err).Warn("Failed to renew consumer lease")
				continue
			}
			if n, err := q.Recover(ctx); err != nil {
				q.logger.WithError(err).Warn("Failed to recover expired consumers")
			} else if n > 0 {
				q.logger.WithField("count", n).Warn("Recovered in-flight messages from expired consumers")
			}
		}
	}
}

// Poll promotes due delayed messages and starts handlers for ready messages
// while worker slots are free. It returns the number of handlers started.
func (q *DispatchQueue) Poll(ctx context.Context, handler Handler) int {
	if _, err := q.PromoteDue(ctx); err != nil {
		q.logger.WithError(err).Warn("Failed to promote delayed messages")
	}

	started := 0
	for {
		select {
		case q.workerSem <- struct{}{}:
		default:
			return started
		}

		raw, err := q.rdb.LMove(ctx, q.readyKey, q.processingKey, "RIGHT", "LEFT").Result()
		if err != nil {
			<-q.workerSem
			if !errors.Is(err, redis.Nil) {
				q.logger.WithError(err).Warn("Failed to claim message")
			}
			return started
		}

		started++
		q.wg.Add(1)
		go func() {
			defer func() {
				<-q.workerSem
				q.wg.Done()
			}()
			q.handle(ctx, raw, handler)
		}()
	}
}

// PromoteDue moves delayed messages whose time has come to the ready list
func (q *DispatchQueue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey, q.readyKey},
		strconv.FormatInt(q.now().UnixMilli(), 10), 100,
	).Int()
	if err != nil {
		return 0, apperrors.NewQueueError("promote", err)
	}
	return n, nil
}

func (q *DispatchQueue) handle(ctx context.Context, raw string, handler Handler) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.logger.WithError(err).Error("Dropping undecodable message")
		q.finish(ctx, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(ctx, q.deadKey, raw)
		})
		return
	}

	logger := q.logger.WithShop(msg.Shop).WithFields(map[string]interface{}{
		"messageId": msg.ID,
		"topic":     msg.Topic,
		"attempt":   msg.Attempts + 1,
	})
	hctx := logging.WithLogger(ctx, logger)

	err := safeHandle(hctx, &msg, handler)
	if err == nil {
		q.finish(ctx, raw, nil)
		return
	}

	msg.Attempts++
	msg.LastError = err.Error()
	next, encErr := json.Marshal(&msg)
	if encErr != nil {
		logger.WithError(encErr).Error("Failed to re-encode message")
		return
	}

	if msg.Attempts >= q.cfg.MaxAttempts || retry.IsPermanent(err) {
		logger.WithError(err).Error("Message failed for good, moving to dead list")
		q.finish(ctx, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(ctx, q.deadKey, next)
		})
		if q.cfg.OnDeadLetter != nil {
			q.cfg.OnDeadLetter(hctx, &msg, err)
		}
		return
	}

	delay := q.RetryDelay(msg.Attempts)
	logger.WithError(err).WithField("retryIn", delay.String()).Warn("Message failed, scheduling retry")
	due := q.now().Add(delay)
	q.finish(ctx, raw, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: next})
	})
}

func safeHandle(ctx context.Context, msg *Message, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// finish removes raw from the processing list, together with any follow-up
// writes, in one transaction.
func (q *DispatchQueue) finish(ctx context.Context, raw string, then func(redis.Pipeliner)) {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, raw)
		if then != nil {
			then(pipe)
		}
		return nil
	})
	if err != nil {
		q.logger.WithError(err).Error("Failed to settle message")
	}
}

// RetryDelay returns the backoff before attempt number attempts+1
func (q *DispatchQueue) RetryDelay(attempts int) time.Duration {
	return retry.CalculateDelay(&retry.RetryConfig{
		InitialDelay: q.cfg.RetryBaseDelay,
		MaxDelay:     q.cfg.RetryMaxDelay,
		Multiplier:   2,
	}, attempts)
}

// Stats returns current queue depths. Processing counts the lists of every
// leased consumer plus this one.
func (q *DispatchQueue) Stats(ctx context.Context) (*QueueStats, error) {
	consumers, err := q.rdb.ZRange(ctx, q.consumersKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("stats", err)
	}

	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.deadKey)
	processing := []*redis.IntCmd{pipe.LLen(ctx, q.processingKey)}
	for _, id := range consumers {
		if id != q.consumerID {
			processing = append(processing, pipe.LLen(ctx, processingKeyFor(q.cfg.KeyPrefix, id)))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.NewQueueError("stats", err)
	}

	stats := &QueueStats{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}
	for _, cmd := range processing {
		stats.Processing += cmd.Val()
	}
	return stats, nil
}

// DeadLetters returns up to limit messages from the dead list, newest first
func (q *DispatchQueue) DeadLetters(ctx context.Context, limit int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, apperrors.NewQueueError("dead_letters", err)
	}
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

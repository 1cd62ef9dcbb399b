// Package ratelimit shares the commerce platform's query cost budget across
// processes so that workers calling the same shop can wait before being throttled.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultKeyPrefix = "crm:cost:"
	DefaultKeyTTL    = 5 * time.Minute
)

// ThrottleStatus is the cost bucket state reported by the platform after a query
type ThrottleStatus struct {
	MaximumAvailable   float64
	CurrentlyAvailable float64
	RestoreRate        float64
}

// CostBudget tracks the last observed throttle status per shop in Redis and
// projects how much budget has restored since.
type CostBudget struct {
	redis     redis.Cmdable
	keyPrefix string
	keyTTL    time.Duration
	now       func() time.Time
}

// CostBudgetConfig holds configuration for the cost budget.
type CostBudgetConfig struct {
	// Redis is required; the budget is only useful when shared.
	Redis redis.Cmdable

	// KeyPrefix namespaces the per-shop hashes. Default: "crm:cost:".
	KeyPrefix string

	// KeyTTL expires state for shops that stop syncing. Default: 5m.
	KeyTTL time.Duration
}

// NewCostBudget creates a new cost budget
func NewCostBudget(cfg *CostBudgetConfig) (*CostBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	b := &CostBudget{
		redis:     cfg.Redis,
		keyPrefix: cfg.KeyPrefix,
		keyTTL:    cfg.KeyTTL,
		now:       time.Now,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = DefaultKeyPrefix
	}
	if b.keyTTL <= 0 {
		b.keyTTL = DefaultKeyTTL
	}
	return b, nil
}

func (b *CostBudget) key(shop string) string {
	return b.keyPrefix + shop
}

// Observe stores the throttle status reported by the platform
func (b *CostBudget) Observe(ctx context.Context, shop string, status ThrottleStatus) error {
	key := b.key(shop)
	pipe := b.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"max":       strconv.FormatFloat(status.MaximumAvailable, 'f', -1, 64),
		"available": strconv.FormatFloat(status.CurrentlyAvailable, 'f', -1, 64),
		"restore":   strconv.FormatFloat(status.RestoreRate, 'f', -1, 64),
		"at":        b.now().UnixMilli(),
	})
	pipe.PExpire(ctx, key, b.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store throttle status: %w", err)
	}
	return nil
}

// Atomically projects restored budget, then either debits cost and returns
// {1, 0} or returns {0, wait_ms}. Unknown shops always pass.
var reserveScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local state = redis.call('HMGET', key, 'max', 'available', 'restore', 'at')
	if not state[1] then
		return {1, 0}
	end

	local max = tonumber(state[1])
	local available = tonumber(state[2])
	local restore = tonumber(state[3])
	local at = tonumber(state[4])

	local elapsed = math.max(0, now - at) / 1000.0
	local projected = math.min(max, available + restore * elapsed)

	if projected >= cost then
		redis.call('HSET', key, 'available', tostring(projected - cost), 'at', tostring(now))
		redis.call('PEXPIRE', key, ttl)
		return {1, 0}
	end

	if restore <= 0 then
		return {0, 1000}
	end
	return {0, math.ceil((cost - projected) / restore * 1000)}
`)

// Reserve debits the expected cost of a query from the shared budget. When
// not enough budget has restored it returns how long to wait instead.
// On Redis errors the call is allowed; the platform's own throttling still applies.
func (b *CostBudget) Reserve(ctx context.Context, shop string, cost float64) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	result, err := reserveScript.Run(ctx, b.redis, []string{b.key(shop)},
		cost, b.now().UnixMilli(), b.keyTTL.Milliseconds()).Int64Slice()
	if err != nil || len(result) != 2 {
		return true, 0
	}
	if result[0] == 1 {
		return true, 0
	}
	return false, time.Duration(result[1]) * time.Millisecond
}

// Wait blocks until cost can be reserved or ctx is done
func (b *CostBudget) Wait(ctx context.Context, shop string, cost float64) error {
	for {
		ok, wait := b.Reserve(ctx, shop, cost)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status returns the last observed status for a shop projected to now, or
// nil when nothing has been observed.
func (b *CostBudget) Status(ctx context.Context, shop string) (*ThrottleStatus, error) {
	vals, err := b.redis.HMGet(ctx, b.key(shop), "max", "available", "restore", "at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read throttle status: %w", err)
	}
	if vals[0] == nil {
		return nil, nil
	}

	parse := func(v interface{}) float64 {
		s, _ := v.(string)
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	status := &ThrottleStatus{
		MaximumAvailable:   parse(vals[0]),
		CurrentlyAvailable: parse(vals[1]),
		RestoreRate:        parse(vals[2]),
	}
	at := int64(parse(vals[3]))
	elapsed := float64(b.now().UnixMilli()-at) / 1000
	if elapsed > 0 {
		status.CurrentlyAvailable += status.RestoreRate * elapsed
	}
	if status.CurrentlyAvailable > status.MaximumAvailable {
		status.CurrentlyAvailable = status.MaximumAvailable
	}
	return status, nil
}

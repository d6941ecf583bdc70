package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"bluelight/metrics"
	"bluelight/util/goroutine"
)

// IdempotencyConfig holds configuration for the idempotency cache.
type IdempotencyConfig struct {
	// MaxCacheSize bounds the number of cached operation outcomes; the
	// oldest entry is evicted when the bound would be exceeded.
	MaxCacheSize int `mapstructure:"max_cache_size"`
	// TimeWindow is how long a cached outcome is replayed before the
	// operation is allowed to execute again.
	TimeWindow time.Duration `mapstructure:"time_window"`
	// CleanupInterval is how often the background sweep removes expired
	// entries regardless of size pressure.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultIdempotencyConfig returns sensible defaults.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		MaxCacheSize:    1000,
		TimeWindow:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Validate checks the idempotency cache configuration.
func (c *IdempotencyConfig) Validate() error {
	if c.MaxCacheSize <= 0 {
		return errors.New("MaxCacheSize must be greater than 0")
	}
	if c.TimeWindow <= 0 {
		return errors.New("TimeWindow must be greater than 0")
	}
	if c.CleanupInterval <= 0 {
		return errors.New("CleanupInterval must be greater than 0")
	}
	return nil
}

// cacheEntry is one settled (or in-flight) operation outcome. done is
// closed when the outcome settles; waiters share the in-flight execution
// instead of invoking the operation a second time.
type cacheEntry struct {
	result    interface{}
	err       error
	timestamp time.Time
	done      chan struct{}
}

func (e *cacheEntry) settled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// CacheStats reports the idempotency cache's current occupancy. Oldest and
// Newest are nil when the cache is empty.
type CacheStats struct {
	Size        int        `json:"size"`
	OldestEntry *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry *time.Time `json:"newest_entry,omitempty"`
}

// Operation is the unit of work guarded by the idempotency cache.
type Operation func(ctx context.Context) (interface{}, error)

// IdempotencyCache deduplicates side-effecting operations. The cache key is
// the operation id plus a canonical fingerprint of the operation's data, so
// semantically equal payloads (regardless of map key order) share one
// execution per time window. Both successes and failures are cached and
// replayed; a repeat call within the window never gets a fresh attempt.
type IdempotencyCache struct {
	config  IdempotencyConfig
	entries *lru.Cache[string, *cacheEntry]
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	logger  *zap.SugaredLogger
}

// NewIdempotencyCache creates the cache and starts its background sweep.
// Call Destroy to stop the sweep and release entries.
func NewIdempotencyCache(config IdempotencyConfig, logger *zap.SugaredLogger) (*IdempotencyCache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idempotency cache configuration: %w", err)
	}

	entries, err := lru.NewWithEvict[string, *cacheEntry](config.MaxCacheSize, func(string, *cacheEntry) {
		metrics.IdempotencyEvictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency cache: %w", err)
	}

	c := &IdempotencyCache{
		config:  config,
		entries: entries,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}

	go c.sweepLoop()
	return c, nil
}

// Execute runs op at most once per (operationID, data fingerprint) within
// the configured time window. A cache hit returns the previously settled
// result or re-throws the previously settled error without re-invoking op.
// Concurrent calls for the same key before the first settles share the
// in-flight execution.
func (c *IdempotencyCache) Execute(ctx context.Context, operationID string, data interface{}, op Operation) (interface{}, error) {
	fingerprint, err := CanonicalFingerprint(data)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint operation data: %w", err)
	}
	key := operationID + ":" + fingerprint

	c.mu.Lock()
	if entry, ok := c.entries.Get(key); ok {
		// An unsettled entry is always live; a settled one replays only
		// within the time window.
		if !entry.settled() || time.Since(entry.timestamp) <= c.config.TimeWindow {
			c.mu.Unlock()
			metrics.IdempotencyHits.Inc()
			select {
			case <-entry.done:
				return entry.result, entry.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	entry := &cacheEntry{
		timestamp: time.Now(),
		done:      make(chan struct{}),
	}
	c.entries.Add(key, entry)
	c.mu.Unlock()

	metrics.IdempotencyMisses.Inc()

	// The entry must settle even if op panics; an unsettled entry would
	// block every later call for this key until eviction.
	defer func() {
		if r := recover(); r != nil {
			entry.err = fmt.Errorf("idempotent operation %s panicked: %v", operationID, r)
			close(entry.done)
			panic(r)
		}
	}()

	entry.result, entry.err = op(ctx)
	close(entry.done)
	return entry.result, entry.err
}

// GetCacheStats reports size and the oldest/newest entry timestamps.
func (c *IdempotencyCache) GetCacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.entries.Len()}
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		ts := entry.timestamp
		if stats.OldestEntry == nil || ts.Before(*stats.OldestEntry) {
			t := ts
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || ts.After(*stats.NewestEntry) {
			t := ts
			stats.NewestEntry = &t
		}
	}
	return stats
}

// Destroy stops the background sweep and clears all entries. Safe to call
// multiple times.
func (c *IdempotencyCache) Destroy() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
}

// sweepLoop periodically removes settled entries older than the time
// window. It never blocks an in-flight Execute call beyond the brief
// mutex hold.
func (c *IdempotencyCache) sweepLoop() {
	defer goroutine.Recover("idempotency-sweep", c.logger)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *IdempotencyCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.config.TimeWindow)
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		// In-flight entries are left alone; their waiters still need the
		// shared outcome.
		if entry.settled() && entry.timestamp.Before(cutoff) {
			c.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debugw("Swept expired idempotency entries", "removed", removed, "remaining", c.entries.Len())
	}
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bluelight/core"
)

// RedisEventWindow keeps recent events in Redis sorted sets scored by
// event timestamp, indexed by user and by source IP. Threshold rules pull
// from both indexes so SameIP and SameUser criteria each see their full
// candidate set.
type RedisEventWindow struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.SugaredLogger
}

// RedisEventWindowConfig holds connection and retention settings.
type RedisEventWindowConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	// Retention bounds how long events stay in the window. It must cover
	// the longest threshold rule window in use.
	Retention time.Duration `mapstructure:"retention"`
}

// NewRedisEventWindow connects to Redis and verifies the connection.
func NewRedisEventWindow(cfg RedisEventWindowConfig, logger *zap.SugaredLogger) (*RedisEventWindow, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Infof("Event window store connected to redis at %s (retention %s)", cfg.Addr, cfg.Retention)
	return &RedisEventWindow{client: client, retention: cfg.Retention, logger: logger}, nil
}

// NewRedisEventWindowFromClient wraps an existing client; used by tests
// running against miniredis.
func NewRedisEventWindowFromClient(client *redis.Client, retention time.Duration, logger *zap.SugaredLogger) *RedisEventWindow {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisEventWindow{client: client, retention: retention, logger: logger}
}

func userKey(userID string) string { return "bluelight:events:user:" + userID }
func ipKey(ip string) string       { return "bluelight:events:ip:" + ip }

// Record stores an event under its actor indexes and prunes entries older
// than the retention horizon.
func (w *RedisEventWindow) Record(ctx context.Context, event *core.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	score := float64(event.Timestamp.UnixMilli())
	horizon := fmt.Sprintf("%d", time.Now().Add(-w.retention).UnixMilli())

	pipe := w.client.Pipeline()
	for _, key := range w.keysFor(event.UserID, event.IPAddress) {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(payload)})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+horizon)
		pipe.Expire(ctx, key, w.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event %s in window store: %w", event.EventID, err)
	}
	return nil
}

// Recent returns events for the actor since the given time, merged across
// the user and IP indexes, deduplicated by event id, oldest first.
func (w *RedisEventWindow) Recent(ctx context.Context, userID, ipAddress string, since time.Time) ([]core.SecurityEvent, error) {
	keys := w.keysFor(userID, ipAddress)
	if len(keys) == 0 {
		return nil, nil
	}

	min := fmt.Sprintf("%d", since.UnixMilli())
	seen := make(map[string]bool)
	var events []core.SecurityEvent

	for _, key := range keys {
		members, err := w.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read event window %s: %w", key, err)
		}
		for _, m := range members {
			var ev core.SecurityEvent
			if err := json.Unmarshal([]byte(m), &ev); err != nil {
				w.logger.Warnw("Dropping undecodable event window entry", "key", key, "error", err)
				continue
			}
			if ev.EventID != "" && seen[ev.EventID] {
				continue
			}
			seen[ev.EventID] = true
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (w *RedisEventWindow) keysFor(userID, ipAddress string) []string {
	var keys []string
	if userID != "" {
		keys = append(keys, userKey(userID))
	}
	if ipAddress != "" {
		keys = append(keys, ipKey(ipAddress))
	}
	return keys
}

// Close closes the underlying Redis client.
func (w *RedisEventWindow) Close() error {
	return w.client.Close()
}

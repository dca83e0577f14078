package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/event"
)

// latestScript replaces the vehicle hash only when the incoming event is
// newer than the one already cached. Timestamps are zero-padded nanoseconds
// so that string comparison orders them.
//
// KEYS[1] vehicle hash
// ARGV[1] occurred_at (padded ns), ARGV[2] event id, ARGV[3] event JSON,
// ARGV[4] ttl in ms
var latestScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'occurred_at')
if cur and cur >= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'occurred_at', ARGV[1], 'event_id', ARGV[2], 'event', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// RedisConfig configures a RedisWriter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

// DefaultRedisConfig provides reasonable defaults.
var DefaultRedisConfig = RedisConfig{
	Addr:      "localhost:6379",
	Namespace: "fleetflow",
	Timeout:   time.Second,
}

// RedisWriter writes events to Redis under two keys:
//
//	<ns>:event:<eventId>     the event JSON, with TTL
//	<ns>:vehicle:<vehicleId> hash of the newest event seen for the vehicle
type RedisWriter struct {
	rdb *redis.Client
	ns  string
}

// NewRedisWriter creates a writer with its own client.
func NewRedisWriter(cfg RedisConfig) *RedisWriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisConfig.Timeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return NewRedisWriterFromClient(rdb, cfg.Namespace)
}

// NewRedisWriterFromClient wraps an existing client. The writer takes
// ownership of rdb and closes it on Close.
func NewRedisWriterFromClient(rdb *redis.Client, namespace string) *RedisWriter {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultRedisConfig.Namespace
	}
	return &RedisWriter{rdb: rdb, ns: namespace}
}

// EventKey returns the key holding a single event.
func (w *RedisWriter) EventKey(eventID string) string {
	return fmt.Sprintf("%s:event:%s", w.ns, eventID)
}

// VehicleKey returns the key holding a vehicle's newest event.
func (w *RedisWriter) VehicleKey(vehicleID string) string {
	return fmt.Sprintf("%s:vehicle:%s", w.ns, vehicleID)
}

// Write implements Writer.
func (w *RedisWriter) Write(ctx context.Context, ev *event.Event, ttl time.Duration) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := w.rdb.Set(ctx, w.EventKey(ev.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set event %s: %w", ev.ID, err)
	}

	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = DefaultConfig.TTL.Milliseconds()
	}
	err = latestScript.Run(ctx, w.rdb,
		[]string{w.VehicleKey(ev.VehicleID)},
		fmt.Sprintf("%020d", ev.OccurredAt.UnixNano()),
		ev.ID,
		string(data),
		ttlMs,
	).Err()
	if err != nil {
		return fmt.Errorf("update vehicle %s: %w", ev.VehicleID, err)
	}
	return nil
}

// Ping implements Writer with a set-with-TTL round trip.
func (w *RedisWriter) Ping(ctx context.Context) error {
	return w.rdb.Set(ctx, w.ns+":health:check", "ok", 10*time.Second).Err()
}

// Close implements Writer.
func (w *RedisWriter) Close() error {
	return w.rdb.Close()
}

// Compile-time interface check.
var _ Writer = (*RedisWriter)(nil)

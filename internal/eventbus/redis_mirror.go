package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel is the pub/sub channel every event is mirrored to.
const RedisChannel = "supervice:events"

// RedisMirror publishes events to a Redis pub/sub channel for external
// dashboards, with conservative dial/read/write timeouts and a small
// connection pool sized for an occasional fire-and-forget publish.
type RedisMirror struct {
	client  *redis.Client
	log     *zap.Logger
	channel string
}

// NewRedisMirror dials addr and returns a Mirror. The connection is
// verified with a short Ping; callers decide whether a dial failure should
// be fatal (it never is to supervision itself — a nil Mirror is always a
// valid, no-op configuration).
func NewRedisMirror(log *zap.Logger, addr string) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("eventbus: redis mirror ping %s: %w", addr, err)
	}

	return &RedisMirror{
		client:  client,
		log:     log.Named("eventbus.redis"),
		channel: RedisChannel,
	}, nil
}

// Publish marshals ev as JSON and PUBLISHes it. Errors are the caller's to
// log; Bus.dispatch treats every mirror failure as non-fatal.
func (m *RedisMirror) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

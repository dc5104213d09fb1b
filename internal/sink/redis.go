package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStreamKey is the Redis stream for metric snapshots.
	DefaultStreamKey = "stream:http_metrics"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000
)

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Connection pool settings
	opt.PoolSize = 4
	opt.MinIdleConns = 1
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

// RedisStream appends snapshots to a Redis stream.
type RedisStream struct {
	client    *redis.Client
	streamKey string
	instance  string
	delivery  *asyncDelivery
}

// NewRedisStream creates a sink writing to streamKey.
func NewRedisStream(client *redis.Client, streamKey string, opts Options) *RedisStream {
	opts = opts.withDefaults()
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	opts.Logger = opts.Logger.With("component", "sink.redis", "stream", streamKey)

	r := &RedisStream{
		client:    client,
		streamKey: streamKey,
		instance:  opts.Instance,
	}
	r.delivery = newAsyncDelivery(func(ctx context.Context, s Snapshot) error {
		_, err := r.Publish(ctx, s)
		return err
	}, opts)
	return r
}

// Publish adds s to the stream synchronously and returns the stream entry ID.
func (r *RedisStream) Publish(ctx context.Context, s Snapshot) (string, error) {
	data, err := json.Marshal(NewPayload(s, r.instance))
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	result, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"name":    s.Name(),
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return result, nil
}

// Accept publishes s without blocking the caller.
func (r *RedisStream) Accept(s Snapshot) {
	r.delivery.send(s)
}

// Ping checks Redis connectivity.
func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close waits for in-flight publishes and closes the client.
func (r *RedisStream) Close(ctx context.Context) error {
	drainErr := r.delivery.close(ctx)
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return drainErr
}

// Package analytics records per-outcome execution counters in Redis as
// time-windowed buckets. Writes are best effort: a failed counter never
// affects job execution, so errors are logged and dropped.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis analytics sink configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Window is the counter bucket size; supported values are one minute,
	// five minutes and one hour.
	Window time.Duration
	// Retention is how long a bucket key lives after its last increment.
	Retention time.Duration
}

// RedisSink counts execution outcomes in windowed Redis buckets.
type RedisSink struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg Config, logger *slog.Logger) (*RedisSink, error) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Analytics sink connected to Redis",
		slog.String("addr", cfg.Addr),
		slog.Duration("window", cfg.Window),
	)

	return &RedisSink{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Record increments the outcome counter for the current bucket.
func (s *RedisSink) Record(ctx context.Context, jobID string, outcome string) {
	key := buildKey(outcome, time.Now(), s.cfg.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.cfg.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("Failed to record analytics event",
			slog.String("job_id", jobID),
			slog.String("outcome", outcome),
			slog.Any("error", err),
		)
	}
}

// Count returns the counter value for an outcome in the bucket containing t.
func (s *RedisSink) Count(ctx context.Context, outcome string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(outcome, t, s.cfg.Window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read analytics counter: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func buildKey(outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("worker:outcome:%s:%s", outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}

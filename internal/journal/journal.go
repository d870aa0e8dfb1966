// Package journal persists what the worker could not hand back to the
// control plane: terminal results whose delivery retries were exhausted land
// here as dead letters, and worker lifecycle transitions are recorded for
// post-mortem inspection.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Journal writes dead letters and lifecycle events to PostgreSQL
type Journal struct {
	db       *sqlx.DB
	logger   *slog.Logger
	workerID string
}

// New connects to PostgreSQL and returns a Journal bound to workerID
func New(config *Config, workerID string, logger *slog.Logger) (*Journal, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.Database,
		config.SSLMode,
	)

	logger.Info("Connecting to PostgreSQL",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping PostgreSQL",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
	)

	return &Journal{
		db:       db,
		logger:   logger,
		workerID: workerID,
	}, nil
}

// RecordLost writes a dead letter for a terminal result that exhausted its
// delivery attempts. The reporter calls this as a last resort; failures are
// logged, never propagated, because there is nothing left upstream to retry.
func (j *Journal) RecordLost(ctx context.Context, job *domain.Job, result *domain.ExecutionResult, cause error) {
	query := `
		INSERT INTO dead_letters (job_id, worker_id, kind, result, delivery_error, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`

	resultJSON, err := json.Marshal(result)
	if err != nil {
		j.logger.Error("Failed to marshal dead letter result",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	if _, err := j.db.ExecContext(ctx, query, job.ID, j.workerID, string(result.Kind), resultJSON, causeMsg); err != nil {
		j.logger.Error("Failed to record dead letter",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	j.logger.Info("Dead letter recorded",
		slog.String("job_id", job.ID),
		slog.String("kind", string(result.Kind)),
	)
}

// RecordLifecycle writes a worker lifecycle event (started, draining,
// stopped, refresh_requested).
func (j *Journal) RecordLifecycle(ctx context.Context, event string, detail string) error {
	query := `
		INSERT INTO worker_lifecycle (worker_id, event, detail, created_at)
		VALUES ($1, $2, $3, NOW())
	`

	if _, err := j.db.ExecContext(ctx, query, j.workerID, event, detail); err != nil {
		return fmt.Errorf("failed to record lifecycle event: %w", err)
	}

	j.logger.Debug("Lifecycle event recorded",
		slog.String("event", event),
	)
	return nil
}

// DeadLetter is one undeliverable result as stored
type DeadLetter struct {
	JobID         string          `db:"job_id"`
	WorkerID      string          `db:"worker_id"`
	Kind          string          `db:"kind"`
	Result        json.RawMessage `db:"result"`
	DeliveryError string          `db:"delivery_error"`
	CreatedAt     time.Time       `db:"created_at"`
}

// ListDeadLetters returns the most recent dead letters, newest first
func (j *Journal) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	query := `
		SELECT job_id, worker_id, kind, result, delivery_error, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`

	var letters []DeadLetter
	if err := j.db.SelectContext(ctx, &letters, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// HealthCheck verifies the database connection
func (j *Journal) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal health check failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	j.logger.Info("Closing PostgreSQL connection")

	if j.db != nil {
		if err := j.db.Close(); err != nil {
			j.logger.Error("Failed to close PostgreSQL connection",
				slog.Any("error", err),
			)
			return err
		}
	}
	return nil
}

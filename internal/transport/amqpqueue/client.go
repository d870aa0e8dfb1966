// Package amqpqueue implements the worker's transport contract against a
// RabbitMQ broker: jobs are pulled from a queue with manual acknowledgement
// and results are published to result/stream exchanges keyed by job id.
//
// The terminal result publish doubles as the delivery acknowledgement: the
// broker message is only acked once the result left this worker, so a crash
// mid-execution redelivers the job.
package amqpqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Config holds RabbitMQ transport configuration.
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	JobQueue          string
	ResultExchange    string
	StreamExchange    string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Client pulls jobs from and publishes results to RabbitMQ.
type Client struct {
	cfg    *Config
	conn   *amqp.Connection
	logger *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
	// pending maps a job id to the broker delivery tag awaiting ack. The
	// tag is acked when the job's terminal result is published.
	pending map[string]uint64
}

// NewClient connects to RabbitMQ with retry and declares the job queue and
// result exchanges.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]uint64),
	}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to create AMQP transport: %w", err)
	}
	return c, nil
}

// connect establishes the connection and channel with retry logic.
func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.cfg.User, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.VHost)

	amqpConfig := amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(c.cfg.ConnectionTimeout),
	}

	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.logger.Info("AMQP transport initialized",
		slog.String("job_queue", c.cfg.JobQueue),
		slog.String("result_exchange", c.cfg.ResultExchange),
	)
	return nil
}

// setup declares the job queue and the result/stream exchanges.
func (c *Client) setup() error {
	if _, err := c.channel.QueueDeclare(
		c.cfg.JobQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "quorum"},
	); err != nil {
		return fmt.Errorf("failed to declare job queue: %w", err)
	}

	for _, exchange := range []string{c.cfg.ResultExchange, c.cfg.StreamExchange} {
		if exchange == "" {
			continue
		}
		if err := c.channel.ExchangeDeclare(
			exchange,
			"topic",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	return nil
}

// FetchJobs pulls up to maxCount messages from the job queue. Messages with
// malformed or invalid bodies are rejected without requeue so they land in
// the dead letter queue instead of looping.
func (c *Client) FetchJobs(ctx context.Context, maxCount int) ([]*domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return nil, domain.NewRetryableTransportError(0, fmt.Errorf("not connected"))
	}

	var jobs []*domain.Job
	for i := 0; i < maxCount; i++ {
		if err := ctx.Err(); err != nil {
			return jobs, nil
		}

		msg, ok, err := c.channel.Get(c.cfg.JobQueue, false)
		if err != nil {
			return jobs, domain.NewRetryableTransportError(0, fmt.Errorf("basic.get: %w", err))
		}
		if !ok {
			break
		}

		if job, ok := c.accept(msg); ok {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

// accept decodes and validates one delivery. Bad messages are rejected
// without requeue; a delivery tag only enters the pending map for jobs that
// will reach the executor, so every tag has a SubmitResult to ack it.
// Callers hold c.mu.
func (c *Client) accept(msg amqp.Delivery) (*domain.Job, bool) {
	var job domain.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		c.reject(msg, fmt.Errorf("malformed body: %w", err))
		return nil, false
	}
	if !job.Valid() {
		c.reject(msg, domain.ErrInvalidJob)
		return nil, false
	}

	job.DeliveryCount = deliveryCount(msg)
	c.pending[job.ID] = msg.DeliveryTag
	return &job, true
}

func (c *Client) reject(msg amqp.Delivery, cause error) {
	c.logger.Error("Rejecting job message",
		slog.Any("error", cause),
	)
	if err := msg.Nack(false, false); err != nil {
		c.logger.Error("Failed to NACK rejected message",
			slog.Any("error", err),
		)
	}
}

// SubmitResult publishes the terminal result and acks the broker delivery.
// A job id without a pending delivery was already finalized (or fetched by
// another connection) and reports domain.ErrAlreadyFinalized.
func (c *Client) SubmitResult(ctx context.Context, jobID string, result *domain.ExecutionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return domain.NewTerminalTransportError(0, fmt.Errorf("marshal result: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tag, ok := c.pending[jobID]
	if !ok {
		return domain.ErrAlreadyFinalized
	}

	if err := c.publish(ctx, c.cfg.ResultExchange, jobID, body); err != nil {
		return err
	}

	if err := c.channel.Ack(tag, false); err != nil {
		// The result is out but the ack failed; the broker will redeliver
		// and the remote consumer deduplicates on job id.
		c.logger.Error("Failed to ACK job delivery",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	delete(c.pending, jobID)
	return nil
}

// SubmitPartial publishes one stream partial keyed by job id.
func (c *Client) SubmitPartial(ctx context.Context, jobID string, output json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"output": output})
	if err != nil {
		return domain.NewTerminalTransportError(0, fmt.Errorf("marshal partial: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exchange := c.cfg.StreamExchange
	if exchange == "" {
		exchange = c.cfg.ResultExchange
	}
	return c.publish(ctx, exchange, jobID, body)
}

// publish sends body to exchange with the job id as routing key. Callers
// hold c.mu.
func (c *Client) publish(ctx context.Context, exchange, jobID string, body []byte) error {
	if c.channel == nil {
		return domain.NewRetryableTransportError(0, fmt.Errorf("not connected"))
	}

	err := c.channel.PublishWithContext(ctx,
		exchange,
		jobID, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return domain.NewRetryableTransportError(0, fmt.Errorf("publish to %s: %w", exchange, err))
	}
	return nil
}

// Close releases any unacked deliveries back to the broker and closes the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing AMQP transport",
		slog.Int("pending", len(c.pending)),
	)

	if c.channel != nil {
		for jobID, tag := range c.pending {
			if err := c.channel.Nack(tag, false, true); err != nil {
				c.logger.Error("Failed to release pending delivery",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
		c.pending = make(map[string]uint64)
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close AMQP channel",
				slog.Any("error", err),
			)
		}
		c.channel = nil
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
		c.conn = nil
	}
	return nil
}

// deliveryCount derives how many times the broker handed out this message.
// Quorum queues track it in x-delivery-count (0 on first delivery); classic
// queues only expose the redelivered flag.
func deliveryCount(msg amqp.Delivery) int {
	if v, ok := msg.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int32:
			return int(n) + 1
		case int64:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

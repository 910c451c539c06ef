package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const DefaultQueue = "payments"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client schedules delayed payment retries on asynq.
type Client struct {
	client enqueuer
	queue  string
}

// NewClient builds a client that shares the configured Redis server.
func NewClient(redisCfg config.RedisConfig, queueCfg config.QueueConfig) (*Client, error) {
	opt, err := RedisConnOpt(redisCfg)
	if err != nil {
		return nil, err
	}
	return &Client{client: asynq.NewClient(opt), queue: queueName(queueCfg)}, nil
}

// RedisConnOpt resolves the asynq connection from the shared Redis settings.
func RedisConnOpt(cfg config.RedisConfig) (asynq.RedisConnOpt, error) {
	if cfg.URL != "" {
		opt, err := asynq.ParseRedisURI(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url for queue: %w", err)
		}
		return opt, nil
	}
	if cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	return asynq.RedisClientOpt{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}, nil
}

// ServerConfig builds the consumer configuration for cmd/worker.
func ServerConfig(cfg config.QueueConfig) asynq.Config {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(cfg): 1},
	}
}

func queueName(cfg config.QueueConfig) string {
	if cfg.Name == "" {
		return DefaultQueue
	}
	return cfg.Name
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// ScheduleCompensationRetry enqueues a compensation retry after delay.
func (c *Client) ScheduleCompensationRetry(ctx context.Context, intentID uuid.UUID, attempt int, delay time.Duration) error {
	task, err := NewCompensationRetryTask(CompensationRetryPayload{IntentID: intentID, Attempt: attempt})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, delay, asynq.MaxRetry(0))
}

// SchedulePayoutRetry enqueues a payout retry after delay.
func (c *Client) SchedulePayoutRetry(ctx context.Context, payoutID uuid.UUID, delay time.Duration) error {
	task, err := NewPayoutRetryTask(PayoutRetryPayload{PayoutID: payoutID})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, delay, asynq.MaxRetry(0))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, delay time.Duration, extra ...asynq.Option) error {
	if c == nil || c.client == nil {
		return errors.New("queue client not initialized")
	}
	if delay < 0 {
		delay = 0
	}
	opts := append([]asynq.Option{asynq.Queue(c.queue), asynq.ProcessIn(delay)}, extra...)
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}

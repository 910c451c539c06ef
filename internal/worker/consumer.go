package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/queue"
)

type compensationRetrier interface {
	RetryCompensation(ctx context.Context, intentID uuid.UUID, attempt int) error
}

type payoutRetrier interface {
	RetryPayout(ctx context.Context, payoutID uuid.UUID) error
}

// Consumer executes the delayed payment retries scheduled on the queue.
type Consumer struct {
	logg    *logger.Logger
	intents compensationRetrier
	payouts payoutRetrier
}

// NewConsumer builds the retry consumer.
func NewConsumer(logg *logger.Logger, intents compensationRetrier, payouts payoutRetrier) (*Consumer, error) {
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if intents == nil {
		return nil, errors.New("intent service is required")
	}
	if payouts == nil {
		return nil, errors.New("payout service is required")
	}
	return &Consumer{logg: logg, intents: intents, payouts: payouts}, nil
}

// Register binds the task handlers to mux.
func (c *Consumer) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskCompensationRetry, c.HandleCompensationRetry)
	mux.HandleFunc(queue.TaskPayoutRetry, c.HandlePayoutRetry)
}

// HandleCompensationRetry runs one compensation attempt. A malformed payload
// is skipped so asynq does not archive it for retry.
func (c *Consumer) HandleCompensationRetry(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeCompensationRetry(task)
	if err != nil {
		c.logg.Error(ctx, "dropping malformed compensation retry task", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx := c.logg.WithIntentID(ctx, payload.IntentID.String())
	logCtx = c.logg.WithField(logCtx, "attempt", payload.Attempt)
	if err := c.intents.RetryCompensation(logCtx, payload.IntentID, payload.Attempt); err != nil {
		c.logg.Error(logCtx, "compensation retry failed", err)
		return err
	}
	return nil
}

// HandlePayoutRetry runs one payout attempt.
func (c *Consumer) HandlePayoutRetry(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodePayoutRetry(task)
	if err != nil {
		c.logg.Error(ctx, "dropping malformed payout retry task", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx := c.logg.WithField(ctx, "payout_id", payload.PayoutID.String())
	if err := c.payouts.RetryPayout(logCtx, payload.PayoutID); err != nil {
		c.logg.Error(logCtx, "payout retry failed", err)
		return err
	}
	return nil
}

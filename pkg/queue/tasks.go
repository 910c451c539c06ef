package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskCompensationRetry = "payments:compensation_retry"
	TaskPayoutRetry       = "payments:payout_retry"
)

// CompensationRetryPayload identifies the intent and the attempt number the
// retry represents (1-based).
type CompensationRetryPayload struct {
	IntentID uuid.UUID `json:"intent_id"`
	Attempt  int       `json:"attempt"`
}

// PayoutRetryPayload identifies the payout row to retry.
type PayoutRetryPayload struct {
	PayoutID uuid.UUID `json:"payout_id"`
}

func NewCompensationRetryTask(payload CompensationRetryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCompensationRetry, body), nil
}

func NewPayoutRetryTask(payload PayoutRetryPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayoutRetry, body), nil
}

func DecodeCompensationRetry(task *asynq.Task) (CompensationRetryPayload, error) {
	var payload CompensationRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", TaskCompensationRetry, err)
	}
	if payload.IntentID == uuid.Nil {
		return payload, fmt.Errorf("%s payload missing intent_id", TaskCompensationRetry)
	}
	return payload, nil
}

func DecodePayoutRetry(task *asynq.Task) (PayoutRetryPayload, error) {
	var payload PayoutRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", TaskPayoutRetry, err)
	}
	if payload.PayoutID == uuid.Nil {
		return payload, fmt.Errorf("%s payload missing payout_id", TaskPayoutRetry)
	}
	return payload, nil
}

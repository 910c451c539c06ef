package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, opt := range opts {
		if opt.Type() == typ {
			return opt.Value(), true
		}
	}
	return nil, false
}

func TestScheduleCompensationRetryEnqueuesDelayedTask(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake, queue: "payments"}
	intentID := uuid.New()

	if err := client.ScheduleCompensationRetry(context.Background(), intentID, 2, 2*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(fake.calls))
	}
	call := fake.calls[0]
	if call.task.Type() != TaskCompensationRetry {
		t.Fatalf("unexpected task type %s", call.task.Type())
	}
	payload, err := DecodeCompensationRetry(call.task)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.IntentID != intentID || payload.Attempt != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if v, ok := optionValue(call.opts, asynq.ProcessInOpt); !ok || v.(time.Duration) != 2*time.Minute {
		t.Fatalf("expected ProcessIn(2m), got %v", v)
	}
	if v, ok := optionValue(call.opts, asynq.QueueOpt); !ok || v.(string) != "payments" {
		t.Fatalf("expected payments queue, got %v", v)
	}
}

func TestSchedulePayoutRetryClampsNegativeDelay(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake, queue: DefaultQueue}
	payoutID := uuid.New()

	if err := client.SchedulePayoutRetry(context.Background(), payoutID, -time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, err := DecodePayoutRetry(fake.calls[0].task)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.PayoutID != payoutID {
		t.Fatalf("unexpected payout id %s", payload.PayoutID)
	}
	if v, _ := optionValue(fake.calls[0].opts, asynq.ProcessInOpt); v.(time.Duration) != 0 {
		t.Fatalf("expected zero delay, got %v", v)
	}
}

func TestEnqueueErrorIsWrapped(t *testing.T) {
	boom := errors.New("redis down")
	client := &Client{client: &fakeEnqueuer{err: boom}, queue: DefaultQueue}
	err := client.SchedulePayoutRetry(context.Background(), uuid.New(), time.Minute)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped enqueue error, got %v", err)
	}
}

func TestDecodeRejectsMissingIDs(t *testing.T) {
	if _, err := DecodeCompensationRetry(asynq.NewTask(TaskCompensationRetry, []byte(`{"attempt":1}`))); err == nil {
		t.Fatal("expected missing intent id error")
	}
	if _, err := DecodePayoutRetry(asynq.NewTask(TaskPayoutRetry, []byte(`not-json`))); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		-1: time.Minute,
		0:  time.Minute,
		1:  time.Minute,
		2:  2 * time.Minute,
		3:  4 * time.Minute,
		5:  16 * time.Minute,
		6:  32 * time.Minute,
		7:  time.Hour,
		40: time.Hour,
	}
	for attempt, want := range cases {
		if got := Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRedisConnOptRequiresAddress(t *testing.T) {
	if _, err := RedisConnOpt(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}
	opt, err := RedisConnOpt(config.RedisConfig{URL: "redis://localhost:6379/2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client, ok := opt.(asynq.RedisClientOpt)
	if !ok || client.Addr != "localhost:6379" || client.DB != 2 {
		t.Fatalf("unexpected conn opt %#v", opt)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox/registry"
)

const (
	publishTimeout = 15 * time.Second
	idleCeiling    = 10 * time.Second
	jitterCap      = 250 * time.Millisecond
)

type txRunner interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type eventStore interface {
	ClaimBatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, id uuid.UUID, at time.Time) error
	RecordFailure(tx *gorm.DB, id uuid.UUID, cause error) error
	Park(tx *gorm.DB, id uuid.UUID, cause error, ceiling int) error
}

type deadLetterWriter interface {
	Insert(tx *gorm.DB, entry models.OutboxDLQ) error
}

type router interface {
	Route(models.OutboxEvent) (*registry.Route, error)
}

// sender delivers one message and blocks until the broker acknowledges it.
type sender interface {
	Ping(context.Context) error
	Send(ctx context.Context, topic string, msg *gcppubsub.Message) error
	Close()
}

type outcome int

const (
	delivered outcome = iota
	retryLater
	deadLettered
)

// RelayParams wires the outbox relay.
type RelayParams struct {
	Outbox      config.OutboxConfig
	Logger      *logger.Logger
	DB          txRunner
	Store       eventStore
	DeadLetters deadLetterWriter
	Router      router
	Sender      sender
	Metrics     *metrics.OutboxMetrics
}

// Relay moves committed outbox rows onto Pub/Sub. Delivery is at least once;
// subscribers dedupe on the envelope event id.
type Relay struct {
	logg        *logger.Logger
	db          txRunner
	store       eventStore
	deadLetters deadLetterWriter
	router      router
	sender      sender
	metrics     *metrics.OutboxMetrics
	batchSize   int
	maxAttempts int
	idle        time.Duration
	now         func() time.Time
}

func NewRelay(p RelayParams) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database is required")
	case p.Store == nil || p.DeadLetters == nil:
		return nil, errors.New("outbox repositories are required")
	case p.Router == nil:
		return nil, errors.New("event router is required")
	case p.Sender == nil:
		return nil, errors.New("sender is required")
	}
	r := &Relay{
		logg:        p.Logger,
		db:          p.DB,
		store:       p.Store,
		deadLetters: p.DeadLetters,
		router:      p.Router,
		sender:      p.Sender,
		metrics:     p.Metrics,
		batchSize:   p.Outbox.BatchSize,
		maxAttempts: p.Outbox.MaxAttempts,
		idle:        time.Duration(p.Outbox.PollIntervalMS) * time.Millisecond,
		now:         time.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	if r.idle <= 0 {
		r.idle = 500 * time.Millisecond
	}
	return r, nil
}

// Run drains the outbox until ctx is canceled. A full batch is followed
// immediately by the next one; an empty batch or an error waits.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		r.logg.Error(ctx, "database not ready", err)
		return fmt.Errorf("database not ready: %w", err)
	}
	if err := r.sender.Ping(ctx); err != nil {
		r.logg.Error(ctx, "pubsub not ready", err)
		return fmt.Errorf("pubsub not ready: %w", err)
	}

	wait := r.idle
	for {
		claimed, err := r.drain(ctx)
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox batch failed", err)
			wait = min(wait*2, idleCeiling)
		case claimed >= r.batchSize:
			wait = r.idle
			if ctx.Err() == nil {
				continue
			}
		default:
			wait = r.idle
		}

		timer := time.NewTimer(wait + rand.N(jitterCap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// drain handles one claimed batch inside a single transaction so the row
// locks hold until every outcome is written.
func (r *Relay) drain(ctx context.Context) (int, error) {
	claimed := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := r.store.ClaimBatch(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		claimed = len(events)
		r.metrics.ObserveBatch(claimed)
		for _, event := range events {
			if err := r.settle(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (r *Relay) settle(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"outbox_id":    event.ID.String(),
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID.String(),
		"attempt":      event.AttemptCount + 1,
	})

	result, cause := r.deliver(ctx, event)
	if result == retryLater && event.AttemptCount+1 >= r.maxAttempts {
		result = deadLettered
		cause = fmt.Errorf("gave up after %d attempts: %w", r.maxAttempts, cause)
	}

	var err error
	switch result {
	case delivered:
		err = r.store.MarkPublished(tx, event.ID, r.now())
		r.logg.Info(logCtx, "outbox event published")
		r.metrics.RecordDelivery(string(event.EventType), metrics.DeliveryPublished)
	case retryLater:
		err = r.store.RecordFailure(tx, event.ID, cause)
		r.logg.Warn(r.logg.WithField(logCtx, "error", cause.Error()), "outbox publish failed, will retry")
		r.metrics.RecordDelivery(string(event.EventType), metrics.DeliveryRetry)
	case deadLettered:
		err = r.deadLetter(tx, event, cause)
		r.logg.Warn(r.logg.WithField(logCtx, "error", cause.Error()), "outbox event dead-lettered")
		r.metrics.RecordDelivery(string(event.EventType), metrics.DeliveryDeadLetter)
	}
	if err != nil {
		return fmt.Errorf("settle outbox event %s: %w", event.ID, err)
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, event models.OutboxEvent) (outcome, error) {
	route, err := r.router.Route(event)
	if err != nil {
		return deadLettered, err
	}
	msg := &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: route.OrderingKey,
		Attributes: map[string]string{
			"event_id":       route.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.sender.Send(sendCtx, route.Topic, msg); err != nil {
		if registry.IsPermanent(err) {
			return deadLettered, err
		}
		return retryLater, err
	}
	return delivered, nil
}

func (r *Relay) deadLetter(tx *gorm.DB, event models.OutboxEvent, cause error) error {
	reason := enums.OutboxDLQReasonMaxAttempts
	if registry.IsPermanent(cause) {
		reason = enums.OutboxDLQReasonNonRetryable
	}
	msg := cause.Error()
	if err := r.deadLetters.Insert(tx, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount + 1,
		FailedAt:      r.now().UTC(),
	}); err != nil {
		return err
	}
	return r.store.Park(tx, event.ID, cause, r.maxAttempts)
}

type topicSource interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

// pubsubSender keeps one ordered publisher per topic.
type pubsubSender struct {
	client topicSource
	mu     sync.Mutex
	topics map[string]*gcppubsub.Publisher
}

func newPubSubSender(client topicSource) *pubsubSender {
	return &pubsubSender{client: client, topics: map[string]*gcppubsub.Publisher{}}
}

func (s *pubsubSender) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *pubsubSender) Send(ctx context.Context, topic string, msg *gcppubsub.Message) error {
	publisher, err := s.publisher(topic)
	if err != nil {
		return err
	}
	if _, err := publisher.Publish(ctx, msg).Get(ctx); err != nil {
		// An ordered publisher pauses the key after a failure.
		if msg.OrderingKey != "" {
			publisher.ResumePublish(msg.OrderingKey)
		}
		return err
	}
	return nil
}

func (s *pubsubSender) publisher(topic string) (*gcppubsub.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.topics[topic]; ok {
		return p, nil
	}
	p := s.client.Publisher(topic)
	if p == nil {
		return nil, registry.Permanent(fmt.Errorf("no publisher for topic %q", topic))
	}
	p.EnableMessageOrdering = true
	s.topics[topic] = p
	return p, nil
}

// Close flushes buffered messages on every publisher.
func (s *pubsubSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.topics {
		p.Stop()
		delete(s.topics, name)
	}
}

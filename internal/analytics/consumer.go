package analytics

import (
	"context"
	"errors"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
)

// consumerName scopes dedupe claims in Redis.
const consumerName = "analytics"

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type claimer interface {
	Claim(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type rowWriter interface {
	Write(ctx context.Context, row PaymentEventRow) error
}

type ConsumerParams struct {
	Subscription receiver
	Claims       claimer
	Sink         rowWriter
	Logger       *logger.Logger
}

// Consumer turns payment events from the analytics subscription into
// payment_events rows.
type Consumer struct {
	sub    receiver
	claims claimer
	sink   rowWriter
	logg   *logger.Logger
}

func NewConsumer(p ConsumerParams) (*Consumer, error) {
	switch {
	case p.Subscription == nil:
		return nil, errors.New("subscription is required")
	case p.Claims == nil:
		return nil, errors.New("idempotency guard is required")
	case p.Sink == nil:
		return nil, errors.New("row sink is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Consumer{sub: p.Subscription, claims: p.Claims, sink: p.Sink, logg: p.Logger}, nil
}

// Run blocks until ctx is canceled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	return c.sub.Receive(ctx, func(ctx context.Context, msg *gcppubsub.Message) {
		if c.handle(ctx, msg) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// handle reports whether msg should be acked. Only failures that a
// redelivery can fix return false.
func (c *Consumer) handle(ctx context.Context, msg *gcppubsub.Message) bool {
	d, err := decodeDelivery(msg)
	if err != nil {
		c.logg.Error(ctx, "dropping undecodable payment event", err)
		return true
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"event_id":   d.EventID,
		"event_type": string(d.EventType),
	})

	payload, err := payloads.Decode(d.EventType, d.Data)
	if errors.Is(err, payloads.ErrUnknownEvent) {
		c.logg.Warn(ctx, "no analytics projection for event")
		return true
	}
	if err != nil {
		c.logg.Error(ctx, "dropping malformed event payload", err)
		return true
	}
	row, err := project(d, payload)
	if err != nil {
		c.logg.Error(ctx, "dropping unprojectable event", err)
		return true
	}

	eventID, err := d.eventUUID()
	if err != nil {
		c.logg.Error(ctx, "dropping event with invalid id", err)
		return true
	}
	first, err := c.claims.Claim(ctx, consumerName, eventID)
	if err != nil {
		c.logg.Error(ctx, "idempotency claim failed", err)
		return false
	}
	if !first {
		c.logg.Info(ctx, "event already recorded")
		return true
	}

	if err := c.sink.Write(ctx, row); err != nil {
		c.logg.Error(ctx, "writing payment event row failed", err)
		if relErr := c.claims.Release(ctx, consumerName, eventID); relErr != nil {
			c.logg.Error(ctx, "releasing idempotency claim failed", relErr)
		}
		return false
	}
	return true
}

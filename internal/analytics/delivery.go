package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
)

// Delivery is a received outbox event with its routing attributes resolved.
type Delivery struct {
	EventID       string
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   string
	OccurredAt    time.Time
	Data          json.RawMessage
}

// eventUUID is the dedupe key.
func (d Delivery) eventUUID() (uuid.UUID, error) {
	return uuid.Parse(d.EventID)
}

// decodeDelivery reads the envelope from the body. Attributes only fill in
// what the body lacks; the two must agree on the event id.
func decodeDelivery(msg *gcppubsub.Message) (Delivery, error) {
	if msg == nil {
		return Delivery{}, errors.New("nil message")
	}
	env, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		return Delivery{}, err
	}
	attrs := msg.Attributes
	if id := attrs["event_id"]; id != "" && id != env.EventID {
		return Delivery{}, fmt.Errorf("event id mismatch: attribute %s, body %s", id, env.EventID)
	}
	eventType := enums.OutboxEventType(attrs["event_type"])
	if !eventType.IsValid() {
		return Delivery{}, fmt.Errorf("unknown event type %q", attrs["event_type"])
	}

	d := Delivery{
		EventID:       env.EventID,
		EventType:     eventType,
		AggregateType: enums.OutboxAggregateType(attrs["aggregate_type"]),
		AggregateID:   attrs["aggregate_id"],
		OccurredAt:    env.OccurredAt,
		Data:          env.Data,
	}
	if d.OccurredAt.IsZero() {
		d.OccurredAt = msg.PublishTime
	}
	return d, nil
}

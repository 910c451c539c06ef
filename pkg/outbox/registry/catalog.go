// Package registry maps stored outbox rows onto their Pub/Sub delivery.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
)

// Route is an outbox row that passed validation and is ready to publish.
type Route struct {
	Topic       string
	OrderingKey string
	Envelope    outbox.PayloadEnvelope
	Payload     any
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that no amount of retrying will fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// Catalog resolves every payment event onto the payments topic. Events of the
// same aggregate share an ordering key so subscribers see them in order.
type Catalog struct {
	topic string
}

func NewCatalog(cfg config.PubSubConfig) (*Catalog, error) {
	topic := strings.TrimSpace(cfg.PaymentsTopic)
	if topic == "" {
		return nil, errors.New("payments topic is required")
	}
	return &Catalog{topic: topic}, nil
}

func (c *Catalog) Topic() string { return c.topic }

// Route validates the row against the payload bindings and decodes it.
// Every error it returns is permanent.
func (c *Catalog) Route(event models.OutboxEvent) (*Route, error) {
	aggregate, ok := payloads.AggregateFor(event.EventType)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", payloads.ErrUnknownEvent, event.EventType))
	}
	if aggregate != event.AggregateType {
		return nil, Permanent(fmt.Errorf("%s recorded against %s, want %s", event.EventType, event.AggregateType, aggregate))
	}
	if event.AggregateID == uuid.Nil {
		return nil, Permanent(fmt.Errorf("%s has no aggregate id", event.EventType))
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	payload, err := payloads.Decode(event.EventType, envelope.Data)
	if err != nil {
		return nil, Permanent(err)
	}
	return &Route{
		Topic:       c.topic,
		OrderingKey: event.AggregateID.String(),
		Envelope:    envelope,
		Payload:     payload,
	}, nil
}

package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/api/responses"
	"github.com/angelmondragon/mate-payments/api/validators"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
)

// DeadLetterLister reads parked outbox events.
type DeadLetterLister interface {
	List(ctx context.Context, filter outbox.DeadLetterFilter) ([]models.OutboxDLQ, error)
}

type deadLetterView struct {
	ID            uuid.UUID                  `json:"id"`
	EventID       uuid.UUID                  `json:"eventId"`
	EventType     enums.OutboxEventType      `json:"eventType"`
	AggregateType enums.OutboxAggregateType  `json:"aggregateType"`
	AggregateID   uuid.UUID                  `json:"aggregateId"`
	Payload       json.RawMessage            `json:"payload"`
	ErrorReason   enums.OutboxDLQErrorReason `json:"errorReason"`
	ErrorMessage  *string                    `json:"errorMessage,omitempty"`
	AttemptCount  int                        `json:"attemptCount"`
	FailedAt      time.Time                  `json:"failedAt"`
}

// DeadLetters lists outbox events the publisher gave up on, newest first.
// Supports ?eventType=, ?aggregateId= and ?limit= (1..500, default 50).
func DeadLetters(store DeadLetterLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter store unavailable"))
			return
		}

		var filter outbox.DeadLetterFilter
		if raw := strings.TrimSpace(r.URL.Query().Get("eventType")); raw != "" {
			eventType, err := enums.ParseOutboxEventType(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid eventType"))
				return
			}
			filter.EventType = eventType
		}
		aggregateID, err := validators.QueryUUID(r, "aggregateId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter.AggregateID = aggregateID
		if filter.Limit, err = validators.QueryInt(r, "limit", 50, 1, 500); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := store.List(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list dead letters"))
			return
		}
		views := make([]deadLetterView, 0, len(rows))
		for _, row := range rows {
			views = append(views, deadLetterView{
				ID:            row.ID,
				EventID:       row.EventID,
				EventType:     row.EventType,
				AggregateType: row.AggregateType,
				AggregateID:   row.AggregateID,
				Payload:       row.Payload,
				ErrorReason:   row.ErrorReason,
				ErrorMessage:  row.ErrorMessage,
				AttemptCount:  row.AttemptCount,
				FailedAt:      row.FailedAt,
			})
		}
		responses.WriteSuccess(w, map[string]any{"deadLetters": views})
	}
}

package payloads

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// IntentEvent is emitted whenever an intent reaches a terminal or failure state.
type IntentEvent struct {
	IntentID       uuid.UUID          `json:"intent_id"`
	OrderID        string             `json:"order_id"`
	PartyID        int64              `json:"party_id"`
	ApplicantID    int64              `json:"applicant_id"`
	FlowType       enums.FlowType     `json:"flow_type"`
	Status         enums.IntentStatus `json:"status"`
	ExpectedAmount int64              `json:"expected_amount"`
	Currency       enums.Currency     `json:"currency"`
	FailureCode    string             `json:"failure_code,omitempty"`
	FailureMessage string             `json:"failure_message,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// PaymentEvent reports a change on a captured payment transaction.
type PaymentEvent struct {
	PaymentTransactionID uuid.UUID              `json:"payment_transaction_id"`
	OrderID              string                 `json:"order_id"`
	PartyID              int64                  `json:"party_id"`
	ApplicationID        int64                  `json:"application_id"`
	BuyerUserID          int64                  `json:"buyer_user_id"`
	SellerUserID         int64                  `json:"seller_user_id"`
	FlowType             enums.FlowType         `json:"flow_type"`
	PaymentStatus        enums.PaymentStatus    `json:"payment_status"`
	SettlementStatus     enums.SettlementStatus `json:"settlement_status"`
	GrossAmount          int64                  `json:"gross_amount"`
	FeeAmount            int64                  `json:"fee_amount"`
	RefundAmount         int64                  `json:"refund_amount"`
	NetAmount            int64                  `json:"net_amount"`
	Currency             enums.Currency         `json:"currency"`
	RefundPolicy         *enums.RefundPolicy    `json:"refund_policy,omitempty"`
	OccurredAt           time.Time              `json:"occurred_at"`
}

// PayoutEvent reports the outcome of a seller payout attempt.
type PayoutEvent struct {
	PayoutID             uuid.UUID              `json:"payout_id"`
	PaymentTransactionID uuid.UUID              `json:"payment_transaction_id"`
	SellerID             int64                  `json:"seller_id"`
	Provider             enums.PayoutProvider   `json:"provider"`
	Status               enums.SettlementStatus `json:"status"`
	Amount               int64                  `json:"amount"`
	Currency             enums.Currency         `json:"currency"`
	ProviderRef          string                 `json:"provider_ref,omitempty"`
	RetryCount           int                    `json:"retry_count"`
	FailureCode          string                 `json:"failure_code,omitempty"`
	FailReason           string                 `json:"fail_reason,omitempty"`
	OccurredAt           time.Time              `json:"occurred_at"`
}

type binding struct {
	aggregate enums.OutboxAggregateType
	decode    func(json.RawMessage) (any, error)
}

var bindings = map[enums.OutboxEventType]binding{
	enums.EventIntentApplicationCreated: {enums.AggregatePaymentIntent, decodeAs[IntentEvent]},
	enums.EventIntentCanceled:           {enums.AggregatePaymentIntent, decodeAs[IntentEvent]},
	enums.EventIntentCancelFailed:       {enums.AggregatePaymentIntent, decodeAs[IntentEvent]},
	enums.EventIntentExpired:            {enums.AggregatePaymentIntent, decodeAs[IntentEvent]},
	enums.EventPaymentRecorded:          {enums.AggregatePaymentTransaction, decodeAs[PaymentEvent]},
	enums.EventPaymentRefunded:          {enums.AggregatePaymentTransaction, decodeAs[PaymentEvent]},
	enums.EventPaymentRefundFailed:      {enums.AggregatePaymentTransaction, decodeAs[PaymentEvent]},
	enums.EventPayoutCompleted:          {enums.AggregatePayoutTransaction, decodeAs[PayoutEvent]},
	enums.EventPayoutFailed:             {enums.AggregatePayoutTransaction, decodeAs[PayoutEvent]},
	enums.EventPayoutSkipped:            {enums.AggregatePayoutTransaction, decodeAs[PayoutEvent]},
}

// ErrUnknownEvent is returned for event types without a payload binding.
var ErrUnknownEvent = errors.New("no payload bound to event type")

// AggregateFor returns the aggregate an event type must be recorded against.
func AggregateFor(eventType enums.OutboxEventType) (enums.OutboxAggregateType, bool) {
	b, ok := bindings[eventType]
	return b.aggregate, ok
}

// Decode parses raw into the payload struct bound to eventType. The result is
// always a pointer: *IntentEvent, *PaymentEvent or *PayoutEvent.
func Decode(eventType enums.OutboxEventType, raw json.RawMessage) (any, error) {
	b, ok := bindings[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%s payload is empty", eventType)
	}
	return b.decode(trimmed)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

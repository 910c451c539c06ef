// Package analytics projects published payment events into the BigQuery
// payment_events table.
package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
)

// PaymentEventRow is one row of payment_events. Columns that do not apply to
// the event's aggregate stay NULL.
type PaymentEventRow struct {
	EventID              string              `bigquery:"event_id"`
	EventType            string              `bigquery:"event_type"`
	AggregateType        string              `bigquery:"aggregate_type"`
	AggregateID          string              `bigquery:"aggregate_id"`
	OccurredAt           time.Time           `bigquery:"occurred_at"`
	OrderID              bigquery.NullString `bigquery:"order_id"`
	PartyID              bigquery.NullInt64  `bigquery:"party_id"`
	BuyerUserID          bigquery.NullInt64  `bigquery:"buyer_user_id"`
	SellerUserID         bigquery.NullInt64  `bigquery:"seller_user_id"`
	IntentID             bigquery.NullString `bigquery:"intent_id"`
	PaymentTransactionID bigquery.NullString `bigquery:"payment_transaction_id"`
	PayoutID             bigquery.NullString `bigquery:"payout_id"`
	FlowType             bigquery.NullString `bigquery:"flow_type"`
	Status               bigquery.NullString `bigquery:"status"`
	SettlementStatus     bigquery.NullString `bigquery:"settlement_status"`
	RefundPolicy         bigquery.NullString `bigquery:"refund_policy"`
	GrossAmount          bigquery.NullInt64  `bigquery:"gross_amount"`
	FeeAmount            bigquery.NullInt64  `bigquery:"fee_amount"`
	RefundAmount         bigquery.NullInt64  `bigquery:"refund_amount"`
	NetAmount            bigquery.NullInt64  `bigquery:"net_amount"`
	Currency             bigquery.NullString `bigquery:"currency"`
	FailureCode          bigquery.NullString `bigquery:"failure_code"`
	Payload              bigquery.NullJSON   `bigquery:"payload"`
}

// Schema is the table schema derived from PaymentEventRow.
func Schema() (bigquery.Schema, error) {
	return bigquery.InferSchema(PaymentEventRow{})
}

// project flattens a decoded payload onto the row columns.
func project(d Delivery, payload any) (PaymentEventRow, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PaymentEventRow{}, fmt.Errorf("encode payload: %w", err)
	}
	row := PaymentEventRow{
		EventID:       d.EventID,
		EventType:     string(d.EventType),
		AggregateType: string(d.AggregateType),
		AggregateID:   d.AggregateID,
		OccurredAt:    d.OccurredAt.UTC(),
		Payload:       bigquery.NullJSON{JSONVal: string(raw), Valid: true},
	}

	switch event := payload.(type) {
	case *payloads.IntentEvent:
		row.OrderID = str(event.OrderID)
		row.PartyID = id(event.PartyID)
		row.BuyerUserID = id(event.ApplicantID)
		row.IntentID = str(event.IntentID.String())
		row.FlowType = str(string(event.FlowType))
		row.Status = str(string(event.Status))
		row.GrossAmount = amount(event.ExpectedAmount)
		row.Currency = str(string(event.Currency))
		row.FailureCode = str(event.FailureCode)
		row.OccurredAt = pick(event.OccurredAt, row.OccurredAt)
	case *payloads.PaymentEvent:
		row.OrderID = str(event.OrderID)
		row.PartyID = id(event.PartyID)
		row.BuyerUserID = id(event.BuyerUserID)
		row.SellerUserID = id(event.SellerUserID)
		row.PaymentTransactionID = str(event.PaymentTransactionID.String())
		row.FlowType = str(string(event.FlowType))
		row.Status = str(string(event.PaymentStatus))
		row.SettlementStatus = str(string(event.SettlementStatus))
		row.GrossAmount = amount(event.GrossAmount)
		row.FeeAmount = amount(event.FeeAmount)
		row.RefundAmount = amount(event.RefundAmount)
		row.NetAmount = amount(event.NetAmount)
		row.Currency = str(string(event.Currency))
		if event.RefundPolicy != nil {
			row.RefundPolicy = str(string(*event.RefundPolicy))
		}
		row.OccurredAt = pick(event.OccurredAt, row.OccurredAt)
	case *payloads.PayoutEvent:
		row.SellerUserID = id(event.SellerID)
		row.PayoutID = str(event.PayoutID.String())
		row.PaymentTransactionID = str(event.PaymentTransactionID.String())
		row.SettlementStatus = str(string(event.Status))
		row.NetAmount = amount(event.Amount)
		row.Currency = str(string(event.Currency))
		row.FailureCode = str(event.FailureCode)
		row.OccurredAt = pick(event.OccurredAt, row.OccurredAt)
	default:
		return PaymentEventRow{}, fmt.Errorf("no projection for %T", payload)
	}
	return row, nil
}

func str(v string) bigquery.NullString {
	return bigquery.NullString{StringVal: v, Valid: v != ""}
}

// id treats 0 as unknown since user and party ids start at 1.
func id(v int64) bigquery.NullInt64 {
	return bigquery.NullInt64{Int64: v, Valid: v != 0}
}

func amount(v int64) bigquery.NullInt64 {
	return bigquery.NullInt64{Int64: v, Valid: true}
}

func pick(preferred, fallback time.Time) time.Time {
	if preferred.IsZero() {
		return fallback
	}
	return preferred.UTC()
}

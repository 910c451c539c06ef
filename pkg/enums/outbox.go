package enums

// OutboxAggregateType names the ledger row an outbox event belongs to. The
// relay uses the aggregate id as the Pub/Sub ordering key.
type OutboxAggregateType string

const (
	AggregatePaymentIntent      OutboxAggregateType = "payment_intent"
	AggregatePaymentTransaction OutboxAggregateType = "payment_transaction"
	AggregatePayoutTransaction  OutboxAggregateType = "payout_transaction"
)

// OutboxEventType names a payment domain event.
type OutboxEventType string

const (
	EventIntentApplicationCreated OutboxEventType = "intent_application_created"
	EventIntentCanceled           OutboxEventType = "intent_canceled"
	EventIntentCancelFailed       OutboxEventType = "intent_cancel_failed"
	EventIntentExpired            OutboxEventType = "intent_expired"
	EventPaymentRecorded          OutboxEventType = "payment_recorded"
	EventPaymentRefunded          OutboxEventType = "payment_refunded"
	EventPaymentRefundFailed      OutboxEventType = "payment_refund_failed"
	EventPayoutCompleted          OutboxEventType = "payout_completed"
	EventPayoutFailed             OutboxEventType = "payout_failed"
	EventPayoutSkipped            OutboxEventType = "payout_skipped"
)

var (
	aggregateTypes = set[OutboxAggregateType]{
		AggregatePaymentIntent,
		AggregatePaymentTransaction,
		AggregatePayoutTransaction,
	}
	outboxEventTypes = set[OutboxEventType]{
		EventIntentApplicationCreated,
		EventIntentCanceled,
		EventIntentCancelFailed,
		EventIntentExpired,
		EventPaymentRecorded,
		EventPaymentRefunded,
		EventPaymentRefundFailed,
		EventPayoutCompleted,
		EventPayoutFailed,
		EventPayoutSkipped,
	}
)

func (a OutboxAggregateType) IsValid() bool { return aggregateTypes.has(a) }
func (e OutboxEventType) IsValid() bool     { return outboxEventTypes.has(e) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return aggregateTypes.parse("aggregate type", value)
}

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return outboxEventTypes.parse("event type", value)
}

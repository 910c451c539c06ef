package enums

// PaymentStatus tracks the captured payment on a payment transaction.
type PaymentStatus string

const (
	PaymentStatusPaid            PaymentStatus = "PAID"
	PaymentStatusRefundRequested PaymentStatus = "REFUND_REQUESTED"
	PaymentStatusCanceled        PaymentStatus = "CANCELED"
	PaymentStatusRefundFailed    PaymentStatus = "REFUND_FAILED"
)

var paymentStatuses = set[PaymentStatus]{
	PaymentStatusPaid,
	PaymentStatusRefundRequested,
	PaymentStatusCanceled,
	PaymentStatusRefundFailed,
}

func (p PaymentStatus) String() string { return string(p) }
func (p PaymentStatus) IsValid() bool  { return paymentStatuses.has(p) }

func ParsePaymentStatus(value string) (PaymentStatus, error) {
	return paymentStatuses.parse("payment status", value)
}

package enums

// CancelReasonType classifies why a paid application was cancelled. It drives
// the refund policy: only a seller side or system cancel refunds in full.
type CancelReasonType string

const (
	CancelReasonBuyerChangedMind  CancelReasonType = "BUYER_CHANGED_MIND"
	CancelReasonSellerChangedMind CancelReasonType = "SELLER_CHANGED_MIND"
	CancelReasonSystem            CancelReasonType = "SYSTEM"
	CancelReasonOther             CancelReasonType = "OTHER"
)

var cancelReasons = set[CancelReasonType]{
	CancelReasonBuyerChangedMind,
	CancelReasonSellerChangedMind,
	CancelReasonSystem,
	CancelReasonOther,
}

func (c CancelReasonType) String() string { return string(c) }
func (c CancelReasonType) IsValid() bool  { return cancelReasons.has(c) }

func ParseCancelReasonType(value string) (CancelReasonType, error) {
	return cancelReasons.parse("cancel reason", value)
}

// RefundPolicy labels how a cancellation refund was computed.
type RefundPolicy string

const (
	RefundPolicyFullRefund           RefundPolicy = "FULL_REFUND"
	RefundPolicyPartialRefundWithFee RefundPolicy = "PARTIAL_REFUND_WITH_FEE"
)

func (r RefundPolicy) String() string { return string(r) }

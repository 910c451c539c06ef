package enums

// FlowType distinguishes a deposit reservation from buying a listed ticket
// outright. Each flow maps one to one onto the application's PaymentType.
type FlowType string

const (
	FlowTypeDeposit     FlowType = "DEPOSIT"
	FlowTypeSellingFull FlowType = "SELLING_FULL"
)

// PaymentType is the payment kind recorded on a party application.
type PaymentType string

const (
	PaymentTypeDeposit PaymentType = "DEPOSIT"
	PaymentTypeFull    PaymentType = "FULL"
)

var (
	flowTypes    = set[FlowType]{FlowTypeDeposit, FlowTypeSellingFull}
	paymentTypes = set[PaymentType]{PaymentTypeDeposit, PaymentTypeFull}
)

func (f FlowType) String() string { return string(f) }
func (f FlowType) IsValid() bool  { return flowTypes.has(f) }

func (f FlowType) PaymentType() PaymentType {
	if f == FlowTypeSellingFull {
		return PaymentTypeFull
	}
	return PaymentTypeDeposit
}

func ParseFlowType(value string) (FlowType, error) {
	return flowTypes.parse("flow type", value)
}

func (p PaymentType) String() string { return string(p) }
func (p PaymentType) IsValid() bool  { return paymentTypes.has(p) }

func (p PaymentType) FlowType() FlowType {
	if p == PaymentTypeFull {
		return FlowTypeSellingFull
	}
	return FlowTypeDeposit
}

// ParsePaymentType is case sensitive, like the stored column.
func ParsePaymentType(value string) (PaymentType, error) {
	return paymentTypes.parse("payment type", value)
}

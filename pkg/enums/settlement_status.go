package enums

// SettlementStatus tracks payout of a captured payment to the seller.
// Payout rows reuse the same vocabulary.
type SettlementStatus string

const (
	SettlementStatusPending                 SettlementStatus = "PENDING"
	SettlementStatusRequested               SettlementStatus = "REQUESTED"
	SettlementStatusCompleted               SettlementStatus = "COMPLETED"
	SettlementStatusFailed                  SettlementStatus = "FAILED"
	SettlementStatusSkipped                 SettlementStatus = "SKIPPED"
	SettlementStatusRefundedAfterSettlement SettlementStatus = "REFUNDED_AFTER_SETTLEMENT"
)

var settlementStatuses = set[SettlementStatus]{
	SettlementStatusPending,
	SettlementStatusRequested,
	SettlementStatusCompleted,
	SettlementStatusFailed,
	SettlementStatusSkipped,
	SettlementStatusRefundedAfterSettlement,
}

func (s SettlementStatus) String() string { return string(s) }
func (s SettlementStatus) IsValid() bool  { return settlementStatuses.has(s) }

func ParseSettlementStatus(value string) (SettlementStatus, error) {
	return settlementStatuses.parse("settlement status", value)
}

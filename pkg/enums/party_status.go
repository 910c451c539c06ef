package enums

// PartyStatus mirrors the marketplace party lifecycle. The ledger only reads
// it, so there is no parser.
type PartyStatus string

const (
	PartyStatusPending   PartyStatus = "PENDING"
	PartyStatusMatched   PartyStatus = "MATCHED"
	PartyStatusFailed    PartyStatus = "FAILED"
	PartyStatusSelling   PartyStatus = "SELLING"
	PartyStatusSold      PartyStatus = "SOLD"
	PartyStatusCheckedIn PartyStatus = "CHECKED_IN"
	PartyStatusCompleted PartyStatus = "COMPLETED"
)

func (p PartyStatus) String() string { return string(p) }

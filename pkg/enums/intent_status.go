package enums

// IntentStatus tracks a payment intent from preparation to a terminal state.
type IntentStatus string

const (
	IntentStatusPrepared           IntentStatus = "PREPARED"
	IntentStatusConfirmed          IntentStatus = "CONFIRMED"
	IntentStatusApplicationCreated IntentStatus = "APPLICATION_CREATED"
	IntentStatusCancelRequested    IntentStatus = "CANCEL_REQUESTED"
	IntentStatusCanceled           IntentStatus = "CANCELED"
	IntentStatusCancelFailed       IntentStatus = "CANCEL_FAILED"
	IntentStatusExpired            IntentStatus = "EXPIRED"
)

var (
	intentStatuses = set[IntentStatus]{
		IntentStatusPrepared,
		IntentStatusConfirmed,
		IntentStatusApplicationCreated,
		IntentStatusCancelRequested,
		IntentStatusCanceled,
		IntentStatusCancelFailed,
		IntentStatusExpired,
	}
	finalizedIntentStatuses = set[IntentStatus]{
		IntentStatusCancelRequested,
		IntentStatusCanceled,
		IntentStatusCancelFailed,
		IntentStatusExpired,
	}
)

func (s IntentStatus) String() string { return string(s) }
func (s IntentStatus) IsValid() bool  { return intentStatuses.has(s) }

// IsFinalized reports whether a confirm call can no longer succeed.
func (s IntentStatus) IsFinalized() bool { return finalizedIntentStatuses.has(s) }

func ParseIntentStatus(value string) (IntentStatus, error) {
	return intentStatuses.parse("intent status", value)
}

// IntentMode records how an intent row came to exist. LEGACY rows were
// backfilled from payments confirmed before intents existed.
type IntentMode string

const (
	IntentModePrepared IntentMode = "PREPARED"
	IntentModeLegacy   IntentMode = "LEGACY"
)

func (m IntentMode) String() string { return string(m) }
func (m IntentMode) IsValid() bool  { return m == IntentModePrepared || m == IntentModeLegacy }

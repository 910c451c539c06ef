package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// PaymentIntent is one attempted payment for a (party, applicant, flow).
type PaymentIntent struct {
	ID                  uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID             string             `gorm:"column:order_id;type:varchar(64);not null;uniqueIndex:ux_payment_intents_order_id"`
	PartyID             int64              `gorm:"column:party_id;not null"`
	ApplicantID         int64              `gorm:"column:applicant_id;not null"`
	ExpectedAmount      int64              `gorm:"column:expected_amount;not null"`
	Currency            enums.Currency     `gorm:"column:currency;type:varchar(8);not null"`
	FlowType            enums.FlowType     `gorm:"column:flow_type;type:varchar(20);not null"`
	PaymentType         enums.PaymentType  `gorm:"column:payment_type;type:varchar(20);not null"`
	CancelPolicyVersion *string            `gorm:"column:cancel_policy_version;type:varchar(32)"`
	Mode                enums.IntentMode   `gorm:"column:mode;type:varchar(20);not null"`
	Status              enums.IntentStatus `gorm:"column:status;type:varchar(32);not null;index:ix_payment_intents_status_updated,priority:1"`
	PaymentKey          *string            `gorm:"column:payment_key;type:varchar(200)"`
	FailureCode         *string            `gorm:"column:failure_code;type:varchar(100)"`
	FailureMessage      *string            `gorm:"column:failure_message;type:varchar(500)"`
	ExpiresAt           *time.Time         `gorm:"column:expires_at"`
	ConfirmedAt         *time.Time         `gorm:"column:confirmed_at"`
	CanceledAt          *time.Time         `gorm:"column:canceled_at"`
	CreatedAt           time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time          `gorm:"column:updated_at;autoUpdateTime;index:ix_payment_intents_status_updated,priority:2"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// BeforeCreate assigns the primary key when the caller did not.
func (p *PaymentIntent) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// HasPaymentKey reports whether the gateway payment key is present.
func (p *PaymentIntent) HasPaymentKey() bool {
	return p != nil && p.PaymentKey != nil && *p.PaymentKey != ""
}

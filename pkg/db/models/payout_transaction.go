package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// PayoutTransaction is one payout attempt lineage for a payment transaction.
// The latest row per payment transaction is authoritative.
type PayoutTransaction struct {
	ID                   uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	PaymentTransactionID uuid.UUID              `gorm:"column:payment_transaction_id;type:uuid;not null;index:ix_payout_transactions_payment"`
	SellerID             int64                  `gorm:"column:seller_id;not null"`
	Provider             enums.PayoutProvider   `gorm:"column:provider;type:varchar(20);not null"`
	RequestedAmount      int64                  `gorm:"column:requested_amount;not null"`
	Currency             enums.Currency         `gorm:"column:currency;type:varchar(8);not null"`
	Status               enums.SettlementStatus `gorm:"column:status;type:varchar(40);not null"`
	ProviderRef          *string                `gorm:"column:provider_ref;type:varchar(200)"`
	RequestedAt          *time.Time             `gorm:"column:requested_at"`
	LastRetryAt          *time.Time             `gorm:"column:last_retry_at"`
	NextRetryAt          *time.Time             `gorm:"column:next_retry_at"`
	RetryCount           int                    `gorm:"column:retry_count;not null;default:0"`
	CompletedAt          *time.Time             `gorm:"column:completed_at"`
	FailReason           *string                `gorm:"column:fail_reason;type:varchar(500)"`
	FailureCode          *string                `gorm:"column:failure_code;type:varchar(100)"`
	CreatedAt            time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (PayoutTransaction) TableName() string { return "payout_transactions" }

// BeforeCreate assigns the primary key when the caller did not.
func (p *PayoutTransaction) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// PaymentTransaction records one captured payment and its settlement progress.
type PaymentTransaction struct {
	ID                  uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	PartyID             int64                   `gorm:"column:party_id;not null"`
	ApplicationID       int64                   `gorm:"column:application_id;not null"`
	BuyerUserID         int64                   `gorm:"column:buyer_user_id;not null"`
	SellerUserID        int64                   `gorm:"column:seller_user_id;not null"`
	FlowType            enums.FlowType          `gorm:"column:flow_type;type:varchar(20);not null"`
	OrderID             string                  `gorm:"column:order_id;type:varchar(64);not null;uniqueIndex:ux_payment_transactions_order_id"`
	PaymentKey          string                  `gorm:"column:payment_key;type:varchar(200);not null;uniqueIndex:ux_payment_transactions_payment_key"`
	GrossAmount         int64                   `gorm:"column:gross_amount;not null"`
	FeeAmount           int64                   `gorm:"column:fee_amount;not null;default:0"`
	RefundAmount        int64                   `gorm:"column:refund_amount;not null;default:0"`
	NetAmount           int64                   `gorm:"column:net_amount;not null"`
	Currency            enums.Currency          `gorm:"column:currency;type:varchar(8);not null"`
	PaymentStatus       enums.PaymentStatus     `gorm:"column:payment_status;type:varchar(32);not null"`
	SettlementStatus    enums.SettlementStatus  `gorm:"column:settlement_status;type:varchar(40);not null"`
	CancelReasonType    *enums.CancelReasonType `gorm:"column:cancel_reason_type;type:varchar(40)"`
	CancelMemo          *string                 `gorm:"column:cancel_memo;type:varchar(500)"`
	RefundPolicyApplied *enums.RefundPolicy     `gorm:"column:refund_policy_applied;type:varchar(40)"`
	CreatedAt           time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// BeforeCreate assigns the primary key when the caller did not.
func (p *PaymentTransaction) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

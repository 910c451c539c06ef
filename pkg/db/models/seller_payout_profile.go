package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// SellerPayoutProfile maps a user to their seller id at a payout provider.
type SellerPayoutProfile struct {
	ID               uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	UserID           int64                `gorm:"column:user_id;not null;uniqueIndex:ux_seller_payout_profiles_user_provider,priority:1"`
	Provider         enums.PayoutProvider `gorm:"column:provider;type:varchar(20);not null;uniqueIndex:ux_seller_payout_profiles_user_provider,priority:2;uniqueIndex:ux_seller_payout_profiles_provider_seller,priority:1"`
	ProviderSellerID string               `gorm:"column:provider_seller_id;type:varchar(200);not null;uniqueIndex:ux_seller_payout_profiles_provider_seller,priority:2"`
	KYCStatus        *string              `gorm:"column:kyc_status;type:varchar(40)"`
	Metadata         json.RawMessage      `gorm:"column:metadata_json;type:jsonb"`
	CreatedAt        time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (SellerPayoutProfile) TableName() string { return "seller_payout_profiles" }

// BeforeCreate assigns the primary key when the caller did not.
func (p *SellerPayoutProfile) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

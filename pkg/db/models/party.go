package models

import (
	"time"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// Party is the marketplace listing a buyer applies to. The marketplace owns
// the table; this service only reads it and adjusts participant counts.
type Party struct {
	ID                  int64             `gorm:"column:id;primaryKey"`
	HostID              int64             `gorm:"column:host_id;not null"`
	Stadium             string            `gorm:"column:stadium;not null"`
	Status              enums.PartyStatus `gorm:"column:status;type:varchar(20);not null"`
	MaxParticipants     int               `gorm:"column:max_participants;not null"`
	CurrentParticipants int               `gorm:"column:current_participants;not null"`
	Price               *int64            `gorm:"column:price"`
	TicketPrice         *int64            `gorm:"column:ticket_price"`
	CreatedAt           time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Party) TableName() string { return "parties" }

// IsFull reports whether no seats remain.
func (p *Party) IsFull() bool {
	return p.CurrentParticipants >= p.MaxParticipants
}

// PartyApplication is the business record created once a payment is verified.
type PartyApplication struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	PartyID       int64             `gorm:"column:party_id;not null"`
	ApplicantID   int64             `gorm:"column:applicant_id;not null"`
	Message       string            `gorm:"column:message;type:varchar(500);not null;default:''"`
	DepositAmount *int64            `gorm:"column:deposit_amount"`
	IsPaid        bool              `gorm:"column:is_paid;not null;default:false"`
	IsApproved    bool              `gorm:"column:is_approved;not null;default:false"`
	IsRejected    bool              `gorm:"column:is_rejected;not null;default:false"`
	PaymentType   enums.PaymentType `gorm:"column:payment_type;type:varchar(20);not null"`
	OrderID       *string           `gorm:"column:order_id;type:varchar(64);uniqueIndex:ux_party_applications_order_id"`
	PaymentKey    *string           `gorm:"column:payment_key;type:varchar(200)"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime"`
	ApprovedAt    *time.Time        `gorm:"column:approved_at"`
	RejectedAt    *time.Time        `gorm:"column:rejected_at"`
}

func (PartyApplication) TableName() string { return "party_applications" }

// UserProvider links a user to an external identity provider.
type UserProvider struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID   int64  `gorm:"column:user_id;not null"`
	Provider string `gorm:"column:provider;type:varchar(20);not null"`
}

func (UserProvider) TableName() string { return "user_providers" }

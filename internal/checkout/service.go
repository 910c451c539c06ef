package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/internal/marketplace"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type intentLedger interface {
	ResolveForConfirm(ctx context.Context, req intents.ConfirmRequest) (*models.PaymentIntent, error)
	MarkConfirmed(ctx context.Context, intentID uuid.UUID, paymentKey string) (*models.PaymentIntent, error)
	MarkApplicationCreated(ctx context.Context, tx *gorm.DB, intentID uuid.UUID) error
	Compensate(ctx context.Context, intentID uuid.UUID, paymentKey string, cause error) error
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentIntent, error)
}

type paymentGateway interface {
	Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error)
	Cancel(ctx context.Context, paymentKey, reason string, amount int64) (*toss.CancelResult, error)
	GetPayment(ctx context.Context, paymentKey string) (*toss.Payment, error)
}

type applicationStore interface {
	FindParty(ctx context.Context, tx *gorm.DB, partyID int64) (*models.Party, error)
	ApplicationByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*models.PartyApplication, error)
	GetApplication(ctx context.Context, applicationID int64) (*models.PartyApplication, error)
	ListApplications(ctx context.Context, partyID, hostID int64) ([]models.PartyApplication, error)
	CreatePaidApplication(ctx context.Context, tx *gorm.DB, input marketplace.CreatePaidApplicationInput) (*models.PartyApplication, error)
	ApproveApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error)
	RejectApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error)
	ValidateCancellation(ctx context.Context, applicationID, applicantID int64) (*models.PartyApplication, error)
	RemoveApplication(ctx context.Context, tx *gorm.DB, applicationID int64) error
}

type settlementLedger interface {
	CreateOrGetOnConfirm(ctx context.Context, tx *gorm.DB, input settlement.RecordInput) (*models.PaymentTransaction, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	ListByOrderIDs(ctx context.Context, orderIDs []string) (map[string]models.PaymentTransaction, error)
	ProcessCancellation(ctx context.Context, application *models.PartyApplication, req settlement.CancelRequest) (*settlement.CancellationResult, error)
	RequestSettlementOnApproval(ctx context.Context, application *models.PartyApplication)
}

type metricsSink interface {
	RecordConfirm(result string)
}

// Service turns verified payments into party applications and unwinds them.
type Service interface {
	Confirm(ctx context.Context, input ConfirmInput) (*ConfirmResult, error)
	GetApplication(ctx context.Context, applicationID, userID int64) (*ApplicationView, error)
	ListApplications(ctx context.Context, partyID, hostID int64) ([]ApplicationView, error)
	ApproveApplication(ctx context.Context, applicationID, hostID int64) (*ApplicationView, error)
	RejectApplication(ctx context.Context, applicationID, hostID int64) (*ApplicationView, error)
	CancelApplication(ctx context.Context, applicationID, applicantID int64, req settlement.CancelRequest) (*settlement.CancellationResult, error)
}

type ServiceParams struct {
	DB           txRunner
	Intents      intentLedger
	Gateway      paymentGateway
	Applications applicationStore
	Settlement   settlementLedger
	Metrics      metricsSink
	Logger       *logger.Logger
}

type service struct {
	db           txRunner
	intents      intentLedger
	gateway      paymentGateway
	applications applicationStore
	settlement   settlementLedger
	metrics      metricsSink
	logg         *logger.Logger
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("intent ledger required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Applications == nil {
		return nil, fmt.Errorf("application store required")
	}
	if params.Settlement == nil {
		return nil, fmt.Errorf("settlement ledger required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	var sink metricsSink = noopMetrics{}
	if params.Metrics != nil {
		sink = params.Metrics
	}
	return &service{
		db:           params.DB,
		intents:      params.Intents,
		gateway:      params.Gateway,
		applications: params.Applications,
		settlement:   params.Settlement,
		metrics:      sink,
		logg:         params.Logger,
	}, nil
}

type noopMetrics struct{}

func (noopMetrics) RecordConfirm(string) {}

// ApplicationView is an application with the payment fields of its transaction.
type ApplicationView struct {
	ID                  int64                   `json:"id"`
	PartyID             int64                   `json:"partyId"`
	ApplicantID         int64                   `json:"applicantId"`
	Message             string                  `json:"message"`
	DepositAmount       *int64                  `json:"depositAmount"`
	IsPaid              bool                    `json:"isPaid"`
	IsApproved          bool                    `json:"isApproved"`
	IsRejected          bool                    `json:"isRejected"`
	PaymentType         enums.PaymentType       `json:"paymentType"`
	OrderID             *string                 `json:"orderId,omitempty"`
	PaymentStatus       *enums.PaymentStatus    `json:"paymentStatus,omitempty"`
	SettlementStatus    *enums.SettlementStatus `json:"settlementStatus,omitempty"`
	GrossAmount         *int64                  `json:"grossAmount,omitempty"`
	RefundAmount        *int64                  `json:"refundAmount,omitempty"`
	FeeAmount           *int64                  `json:"feeAmount,omitempty"`
	NetSettlementAmount *int64                  `json:"netSettlementAmount,omitempty"`
	CreatedAt           time.Time               `json:"createdAt"`
	ApprovedAt          *time.Time              `json:"approvedAt,omitempty"`
	RejectedAt          *time.Time              `json:"rejectedAt,omitempty"`
}

func newApplicationView(application *models.PartyApplication, txn *models.PaymentTransaction) ApplicationView {
	view := ApplicationView{
		ID:            application.ID,
		PartyID:       application.PartyID,
		ApplicantID:   application.ApplicantID,
		Message:       application.Message,
		DepositAmount: application.DepositAmount,
		IsPaid:        application.IsPaid,
		IsApproved:    application.IsApproved,
		IsRejected:    application.IsRejected,
		PaymentType:   application.PaymentType,
		OrderID:       application.OrderID,
		CreatedAt:     application.CreatedAt,
		ApprovedAt:    application.ApprovedAt,
		RejectedAt:    application.RejectedAt,
	}
	if txn == nil {
		return view
	}
	paymentStatus := txn.PaymentStatus
	settlementStatus := txn.SettlementStatus
	gross, refund, fee, net := txn.GrossAmount, txn.RefundAmount, txn.FeeAmount, txn.NetAmount
	view.PaymentStatus = &paymentStatus
	view.SettlementStatus = &settlementStatus
	view.GrossAmount = &gross
	view.RefundAmount = &refund
	view.FeeAmount = &fee
	view.NetSettlementAmount = &net
	return view
}

// enrich loads the transaction for application. Lookup failures are logged and
// the view is returned without payment fields.
func (s *service) enrich(ctx context.Context, application *models.PartyApplication) ApplicationView {
	if application.OrderID == nil || *application.OrderID == "" {
		return newApplicationView(application, nil)
	}
	txn, err := s.settlement.FindByOrderID(ctx, *application.OrderID)
	if err != nil {
		s.logg.Error(s.logg.WithOrderID(ctx, *application.OrderID), "failed to load payment transaction for application", err)
		return newApplicationView(application, nil)
	}
	return newApplicationView(application, txn)
}

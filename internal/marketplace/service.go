package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"gorm.io/gorm"
)

// DefaultPendingCap bounds the undecided applications a party may hold.
const DefaultPendingCap int64 = 10

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service exposes the marketplace rules the payment flow depends on. Methods
// taking a tx run inside the caller's transaction; a nil tx uses the base
// connection.
type Service interface {
	CheckEligibility(ctx context.Context, tx *gorm.DB, partyID, applicantID int64) (*models.Party, error)
	FindParty(ctx context.Context, tx *gorm.DB, partyID int64) (*models.Party, error)
	ApplicationByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*models.PartyApplication, error)
	GetApplication(ctx context.Context, applicationID int64) (*models.PartyApplication, error)
	ListApplications(ctx context.Context, partyID, hostID int64) ([]models.PartyApplication, error)
	CreatePaidApplication(ctx context.Context, tx *gorm.DB, input CreatePaidApplicationInput) (*models.PartyApplication, error)
	ApproveApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error)
	RejectApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error)
	ValidateCancellation(ctx context.Context, applicationID, applicantID int64) (*models.PartyApplication, error)
	RemoveApplication(ctx context.Context, tx *gorm.DB, applicationID int64) error
}

// Options carries the eligibility knobs.
type Options struct {
	RequireSocialVerification bool
	PendingCap                int64
}

// CreatePaidApplicationInput is the application created after a verified payment.
type CreatePaidApplicationInput struct {
	PartyID     int64
	ApplicantID int64
	Message     string
	PaymentType enums.PaymentType
	Amount      int64
	OrderID     string
	PaymentKey  string
}

type service struct {
	repo Repository
	tx   txRunner
	opts Options
	now  func() time.Time
}

// NewService wires the marketplace service.
func NewService(repo Repository, tx txRunner, opts Options) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("marketplace repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = DefaultPendingCap
	}
	return &service{repo: repo, tx: tx, opts: opts, now: time.Now}, nil
}

func (s *service) repoFor(tx *gorm.DB) Repository {
	if tx == nil {
		return s.repo
	}
	return s.repo.WithTx(tx)
}

func (s *service) CheckEligibility(ctx context.Context, tx *gorm.DB, partyID, applicantID int64) (*models.Party, error) {
	repo := s.repoFor(tx)

	if s.opts.RequireSocialVerification {
		verified, err := repo.HasSocialProvider(ctx, applicantID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check social verification")
		}
		if !verified {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "link a kakao or naver account before applying")
		}
	}

	existing, err := repo.FindApplicationByPartyAndApplicant(ctx, partyID, applicantID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load existing application")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "already applied to this party")
	}

	rejected, err := repo.ExistsRejectedApplication(ctx, partyID, applicantID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check rejected application")
	}
	if rejected {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cannot reapply to a party that rejected you")
	}

	pending, err := repo.CountPendingApplications(ctx, partyID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count pending applications")
	}
	if pending >= s.opts.PendingCap {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("party already has %d pending applications", s.opts.PendingCap))
	}

	party, err := s.FindParty(ctx, tx, partyID)
	if err != nil {
		return nil, err
	}
	if party.IsFull() {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "party is full")
	}
	return party, nil
}

func (s *service) FindParty(ctx context.Context, tx *gorm.DB, partyID int64) (*models.Party, error) {
	party, err := s.repoFor(tx).FindPartyByID(ctx, partyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "party not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load party")
	}
	return party, nil
}

// ApplicationByOrderID returns nil without error when no application exists.
func (s *service) ApplicationByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*models.PartyApplication, error) {
	if orderID == "" {
		return nil, nil
	}
	application, err := s.repoFor(tx).FindApplicationByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load application by order id")
	}
	return application, nil
}

func (s *service) GetApplication(ctx context.Context, applicationID int64) (*models.PartyApplication, error) {
	application, err := s.repo.FindApplicationByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "application not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load application")
	}
	return application, nil
}

// ListApplications returns a party's applications to its host.
func (s *service) ListApplications(ctx context.Context, partyID, hostID int64) ([]models.PartyApplication, error) {
	party, err := s.FindParty(ctx, nil, partyID)
	if err != nil {
		return nil, err
	}
	if party.HostID != hostID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the host can list applications")
	}
	applications, err := s.repo.ListApplicationsByParty(ctx, partyID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list applications")
	}
	return applications, nil
}

// CreatePaidApplication records the application for a captured payment. Full
// payments are approved immediately and take a seat.
func (s *service) CreatePaidApplication(ctx context.Context, tx *gorm.DB, input CreatePaidApplicationInput) (*models.PartyApplication, error) {
	if input.OrderID == "" || input.PaymentKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id and payment key are required")
	}
	if !input.PaymentType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payment type")
	}
	repo := s.repoFor(tx)

	if _, err := s.CheckEligibility(ctx, tx, input.PartyID, input.ApplicantID); err != nil {
		return nil, err
	}

	orderID := input.OrderID
	paymentKey := input.PaymentKey
	amount := input.Amount
	application := &models.PartyApplication{
		PartyID:       input.PartyID,
		ApplicantID:   input.ApplicantID,
		Message:       input.Message,
		DepositAmount: &amount,
		IsPaid:        true,
		PaymentType:   input.PaymentType,
		OrderID:       &orderID,
		PaymentKey:    &paymentKey,
	}

	if input.PaymentType == enums.PaymentTypeFull {
		party, err := repo.FindPartyByIDForUpdate(ctx, input.PartyID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock party")
		}
		if party.IsFull() {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "party is full")
		}
		now := s.now().UTC()
		application.IsApproved = true
		application.ApprovedAt = &now
		if err := repo.AdjustParticipants(ctx, input.PartyID, 1); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "increment participants")
		}
	}

	if err := repo.CreateApplication(ctx, application); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create application")
	}
	return application, nil
}

func (s *service) ApproveApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error) {
	var approved *models.PartyApplication
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		application, party, err := s.loadForHost(ctx, repo, applicationID, hostID)
		if err != nil {
			return err
		}
		if application.IsApproved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "application already approved")
		}
		if application.IsRejected {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "rejected application cannot be approved")
		}
		if party.IsFull() {
			return pkgerrors.New(pkgerrors.CodeConflict, "party is full")
		}
		now := s.now().UTC()
		application.IsApproved = true
		application.ApprovedAt = &now
		if err := repo.AdjustParticipants(ctx, party.ID, 1); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "increment participants")
		}
		if err := repo.UpdateApplication(ctx, application); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "approve application")
		}
		approved = application
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *service) RejectApplication(ctx context.Context, applicationID, hostID int64) (*models.PartyApplication, error) {
	var rejected *models.PartyApplication
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		application, _, err := s.loadForHost(ctx, repo, applicationID, hostID)
		if err != nil {
			return err
		}
		if application.IsApproved {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "approved application cannot be rejected")
		}
		if application.IsRejected {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "application already rejected")
		}
		now := s.now().UTC()
		application.IsRejected = true
		application.RejectedAt = &now
		if err := repo.UpdateApplication(ctx, application); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reject application")
		}
		rejected = application
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// ValidateCancellation checks that applicantID may cancel the application.
func (s *service) ValidateCancellation(ctx context.Context, applicationID, applicantID int64) (*models.PartyApplication, error) {
	application, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if application.ApplicantID != applicantID {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "only the applicant can cancel this application")
	}
	if application.IsRejected {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "application already rejected")
	}
	if application.IsApproved {
		party, err := s.FindParty(ctx, nil, application.PartyID)
		if err != nil {
			return nil, err
		}
		if party.Status == enums.PartyStatusCheckedIn || party.Status == enums.PartyStatusCompleted {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cannot cancel after check-in")
		}
	}
	return application, nil
}

// RemoveApplication deletes the application and frees its seat when approved.
func (s *service) RemoveApplication(ctx context.Context, tx *gorm.DB, applicationID int64) error {
	repo := s.repoFor(tx)
	application, err := repo.FindApplicationByIDForUpdate(ctx, applicationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock application")
	}
	if application.IsApproved {
		if err := repo.AdjustParticipants(ctx, application.PartyID, -1); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrement participants")
		}
	}
	if err := repo.DeleteApplication(ctx, application.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete application")
	}
	return nil
}

func (s *service) loadForHost(ctx context.Context, repo Repository, applicationID, hostID int64) (*models.PartyApplication, *models.Party, error) {
	application, err := repo.FindApplicationByIDForUpdate(ctx, applicationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "application not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load application")
	}
	party, err := repo.FindPartyByIDForUpdate(ctx, application.PartyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "party not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load party")
	}
	if party.HostID != hostID {
		return nil, nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "only the party host can decide applications")
	}
	return application, party, nil
}

package intents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/amount"
	dbpkg "github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

const (
	// DefaultTTL is how long a prepared intent stays confirmable.
	DefaultTTL = 30 * time.Minute
	// MaxCompensationAttempts bounds scheduled compensation retries.
	MaxCompensationAttempts = 5

	orderIDPrefix       = "MATE"
	legacySavepoint     = "legacy_intent"
	failureMaxRetry     = "MAX_RETRY_REACHED"
	failureUnknown      = "UNKNOWN_ERROR"
	maxFailureMsgLength = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Gateway cancels captured payments.
type Gateway interface {
	Cancel(ctx context.Context, paymentKey, reason string, amount int64) (*toss.CancelResult, error)
}

// Scheduler enqueues a delayed compensation retry.
type Scheduler interface {
	ScheduleCompensationRetry(ctx context.Context, intentID uuid.UUID, attempt int, delay time.Duration) error
}

// Marketplace is the slice of the application collaborator the intent ledger reads.
type Marketplace interface {
	CheckEligibility(ctx context.Context, tx *gorm.DB, partyID, applicantID int64) (*models.Party, error)
	ApplicationByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*models.PartyApplication, error)
}

type amountCalculator interface {
	Calculate(party *models.Party, flow *enums.FlowType) (amount.Quote, error)
}

type metricsSink interface {
	RecordCompensationRequested()
	RecordCompensation(result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCompensationRequested() {}
func (noopMetrics) RecordCompensation(string)    {}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service owns the payment intent state machine.
type Service interface {
	Prepare(ctx context.Context, input PrepareInput) (*PrepareResult, error)
	ResolveForConfirm(ctx context.Context, req ConfirmRequest) (*models.PaymentIntent, error)
	MarkConfirmed(ctx context.Context, intentID uuid.UUID, paymentKey string) (*models.PaymentIntent, error)
	MarkApplicationCreated(ctx context.Context, tx *gorm.DB, intentID uuid.UUID) error
	Compensate(ctx context.Context, intentID uuid.UUID, paymentKey string, cause error) error
	RetryCompensation(ctx context.Context, intentID uuid.UUID, attempt int) error
	ReconcileCompensationTargets(ctx context.Context) (ReconcileSummary, error)
	ExpireStale(ctx context.Context) (int, error)
	CancelIntent(ctx context.Context, intentID uuid.UUID, userID int64, reason string) (enums.IntentStatus, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentIntent, error)
}

// ServiceParams wires the intent service.
type ServiceParams struct {
	Repo                Repository
	DB                  txRunner
	Marketplace         Marketplace
	Calculator          amountCalculator
	Gateway             Gateway
	Scheduler           Scheduler
	Metrics             metricsSink
	Outbox              outboxPublisher
	Logger              *logger.Logger
	TTL                 time.Duration
	CancelPolicyVersion string
	ReconcileStaleness  time.Duration
	ReconcileBatchSize  int
}

// PrepareInput is a buyer's request to start paying for a party.
type PrepareInput struct {
	PartyID             int64
	ApplicantID         int64
	FlowType            *enums.FlowType
	CancelPolicyVersion *string
}

// PrepareResult is what the client needs to open the gateway widget.
type PrepareResult struct {
	IntentID            uuid.UUID
	OrderID             string
	Amount              int64
	Currency            enums.Currency
	OrderName           string
	FlowType            enums.FlowType
	PaymentType         enums.PaymentType
	CancelPolicyVersion *string
	ExpiresAt           time.Time
}

// ConfirmRequest carries the client's confirm call. IntentID, PartyID and
// FlowType are optional; legacy clients only send the order id.
type ConfirmRequest struct {
	IntentID            *uuid.UUID
	OrderID             string
	PaymentKey          string
	PartyID             *int64
	FlowType            *enums.FlowType
	CancelPolicyVersion *string
	ApplicantID         int64
}

type service struct {
	repo                Repository
	db                  txRunner
	marketplace         Marketplace
	calculator          amountCalculator
	gateway             Gateway
	scheduler           Scheduler
	metrics             metricsSink
	outbox              outboxPublisher
	logg                *logger.Logger
	ttl                 time.Duration
	cancelPolicyVersion string
	staleness           time.Duration
	batchSize           int
	now                 func() time.Time
	orderID             func(partyID, applicantID int64, at time.Time) string
}

// NewService validates dependencies and builds the intent service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("intent repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Marketplace == nil {
		return nil, fmt.Errorf("marketplace service required")
	}
	if params.Calculator == nil {
		return nil, fmt.Errorf("amount calculator required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("retry scheduler required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	staleness := params.ReconcileStaleness
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	batch := params.ReconcileBatchSize
	if batch <= 0 {
		batch = DefaultReconcileBatch
	}
	var sink metricsSink = noopMetrics{}
	if params.Metrics != nil {
		sink = params.Metrics
	}
	return &service{
		repo:                params.Repo,
		db:                  params.DB,
		marketplace:         params.Marketplace,
		calculator:          params.Calculator,
		gateway:             params.Gateway,
		scheduler:           params.Scheduler,
		metrics:             sink,
		outbox:              params.Outbox,
		logg:                params.Logger,
		ttl:                 ttl,
		cancelPolicyVersion: params.CancelPolicyVersion,
		staleness:           staleness,
		batchSize:           batch,
		now:                 time.Now,
		orderID:             GenerateOrderID,
	}, nil
}

// GenerateOrderID builds the gateway order id: MATE-{party}-{applicant}-{unix millis}.
func GenerateOrderID(partyID, applicantID int64, at time.Time) string {
	return fmt.Sprintf("%s-%d-%d-%d", orderIDPrefix, partyID, applicantID, at.UnixMilli())
}

func (s *service) Prepare(ctx context.Context, input PrepareInput) (*PrepareResult, error) {
	if input.PartyID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "partyId is required")
	}
	if input.ApplicantID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "applicant identity required")
	}
	flow := enums.FlowTypeDeposit
	if input.FlowType != nil {
		if !input.FlowType.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid flowType")
		}
		flow = *input.FlowType
	}
	policyVersion := input.CancelPolicyVersion
	if policyVersion == nil && s.cancelPolicyVersion != "" {
		v := s.cancelPolicyVersion
		policyVersion = &v
	}

	var result *PrepareResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		party, err := s.marketplace.CheckEligibility(ctx, tx, input.PartyID, input.ApplicantID)
		if err != nil {
			return err
		}
		quote, err := s.calculator.Calculate(party, &flow)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		expiresAt := now.Add(s.ttl)
		intent := &models.PaymentIntent{
			OrderID:             s.orderID(input.PartyID, input.ApplicantID, now),
			PartyID:             input.PartyID,
			ApplicantID:         input.ApplicantID,
			ExpectedAmount:      quote.Amount,
			Currency:            quote.Currency,
			FlowType:            flow,
			PaymentType:         flow.PaymentType(),
			CancelPolicyVersion: policyVersion,
			Mode:                enums.IntentModePrepared,
			Status:              enums.IntentStatusPrepared,
			ExpiresAt:           &expiresAt,
		}
		if err := s.repo.WithTx(tx).Create(ctx, intent); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment already being prepared, retry shortly")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create payment intent")
		}
		result = &PrepareResult{
			IntentID:            intent.ID,
			OrderID:             intent.OrderID,
			Amount:              intent.ExpectedAmount,
			Currency:            intent.Currency,
			OrderName:           quote.OrderName,
			FlowType:            intent.FlowType,
			PaymentType:         intent.PaymentType,
			CancelPolicyVersion: intent.CancelPolicyVersion,
			ExpiresAt:           expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) ResolveForConfirm(ctx context.Context, req ConfirmRequest) (*models.PaymentIntent, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PaymentKey = strings.TrimSpace(req.PaymentKey)
	if req.OrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orderId is required")
	}
	if req.PaymentKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paymentKey is required")
	}

	var (
		resolved *models.PaymentIntent
		expired  bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		intent, err := s.lockForConfirm(ctx, tx, repo, req)
		if err != nil {
			return err
		}

		if intent.ApplicantID != req.ApplicantID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "payment intent belongs to another user")
		}
		if req.PartyID != nil && *req.PartyID != intent.PartyID {
			return pkgerrors.New(pkgerrors.CodeConflict, "partyId does not match the prepared payment")
		}
		if req.FlowType != nil && *req.FlowType != intent.FlowType {
			return pkgerrors.New(pkgerrors.CodeConflict, "flowType does not match the prepared payment")
		}

		application, err := s.marketplace.ApplicationByOrderID(ctx, tx, intent.OrderID)
		if err != nil {
			return err
		}
		if intent.Status == enums.IntentStatusApplicationCreated || application != nil {
			if err := s.markApplicationCreatedTx(ctx, tx, repo, intent); err != nil {
				return err
			}
			resolved = intent
			return nil
		}

		if intent.Status.IsFinalized() {
			return pkgerrors.New(pkgerrors.CodeAlreadyFinalized, "payment request already closed, start a new payment")
		}

		// A CONFIRMED intent past its TTL already holds captured money; it
		// continues and is either linked or compensated, never expired.
		now := s.now().UTC()
		if intent.Status == enums.IntentStatusPrepared && intent.ExpiresAt != nil && intent.ExpiresAt.Before(now) {
			intent.Status = enums.IntentStatusExpired
			if err := repo.Save(ctx, intent); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "expire payment intent")
			}
			if err := s.emitIntent(ctx, tx, enums.EventIntentExpired, intent); err != nil {
				return err
			}
			expired = true
			return nil
		}

		party, err := s.marketplace.CheckEligibility(ctx, tx, intent.PartyID, req.ApplicantID)
		if err != nil {
			return err
		}
		flow := intent.FlowType
		quote, err := s.calculator.Calculate(party, &flow)
		if err != nil {
			return err
		}
		if quote.Amount != intent.ExpectedAmount {
			return pkgerrors.New(pkgerrors.CodeAmountChanged, "payment amount changed, please pay again").
				WithDetails(map[string]any{"expected": intent.ExpectedAmount, "current": quote.Amount})
		}
		resolved = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, pkgerrors.New(pkgerrors.CodeExpired, "payment request expired, please try again")
	}
	return resolved, nil
}

// lockForConfirm finds the intent by id then order id under a row lock, or
// reconstructs a legacy intent when the client never called prepare.
func (s *service) lockForConfirm(ctx context.Context, tx *gorm.DB, repo Repository, req ConfirmRequest) (*models.PaymentIntent, error) {
	if req.IntentID != nil && *req.IntentID != uuid.Nil {
		intent, err := repo.FindByIDForUpdate(ctx, *req.IntentID)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment intent")
		}
	}
	intent, err := repo.FindByOrderIDForUpdate(ctx, req.OrderID)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment intent")
	}
	return s.createLegacyIntent(ctx, tx, repo, req)
}

func (s *service) createLegacyIntent(ctx context.Context, tx *gorm.DB, repo Repository, req ConfirmRequest) (*models.PaymentIntent, error) {
	if req.PartyID == nil || *req.PartyID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "partyId is required")
	}
	party, err := s.marketplace.CheckEligibility(ctx, tx, *req.PartyID, req.ApplicantID)
	if err != nil {
		return nil, err
	}
	flow := enums.FlowTypeDeposit
	if req.FlowType != nil {
		flow = *req.FlowType
	}
	quote, err := s.calculator.Calculate(party, &flow)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.ttl)
	intent := &models.PaymentIntent{
		OrderID:             req.OrderID,
		PartyID:             *req.PartyID,
		ApplicantID:         req.ApplicantID,
		ExpectedAmount:      quote.Amount,
		Currency:            quote.Currency,
		FlowType:            flow,
		PaymentType:         flow.PaymentType(),
		CancelPolicyVersion: req.CancelPolicyVersion,
		Mode:                enums.IntentModeLegacy,
		Status:              enums.IntentStatusPrepared,
		ExpiresAt:           &expiresAt,
	}

	if err := tx.SavePoint(legacySavepoint).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open savepoint")
	}
	if err := repo.Create(ctx, intent); err != nil {
		if !dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create legacy payment intent")
		}
		if rbErr := tx.RollbackTo(legacySavepoint).Error; rbErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, rbErr, "rollback savepoint")
		}
		existing, findErr := repo.FindByOrderIDForUpdate(ctx, req.OrderID)
		if findErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, findErr, "reload payment intent")
		}
		return existing, nil
	}
	logCtx := s.logg.WithOrderID(ctx, intent.OrderID)
	s.logg.Info(logCtx, "legacy payment intent reconstructed")
	return intent, nil
}

func (s *service) MarkConfirmed(ctx context.Context, intentID uuid.UUID, paymentKey string) (*models.PaymentIntent, error) {
	var intent *models.PaymentIntent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.lockByID(ctx, repo, intentID)
		if err != nil {
			return err
		}
		intent = current
		if current.Status == enums.IntentStatusApplicationCreated {
			return nil
		}
		now := s.now().UTC()
		current.Status = enums.IntentStatusConfirmed
		current.PaymentKey = &paymentKey
		current.ConfirmedAt = &now
		if err := repo.Save(ctx, current); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark payment intent confirmed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// MarkApplicationCreated runs inside tx when given so the transition commits
// with the application it records.
func (s *service) MarkApplicationCreated(ctx context.Context, tx *gorm.DB, intentID uuid.UUID) error {
	if tx != nil {
		repo := s.repo.WithTx(tx)
		intent, err := s.lockByID(ctx, repo, intentID)
		if err != nil {
			return err
		}
		return s.markApplicationCreatedTx(ctx, tx, repo, intent)
	}
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.MarkApplicationCreated(ctx, tx, intentID)
	})
}

func (s *service) markApplicationCreatedTx(ctx context.Context, tx *gorm.DB, repo Repository, intent *models.PaymentIntent) error {
	if intent.Status == enums.IntentStatusApplicationCreated {
		return nil
	}
	intent.Status = enums.IntentStatusApplicationCreated
	if err := repo.Save(ctx, intent); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark application created")
	}
	return s.emitIntent(ctx, tx, enums.EventIntentApplicationCreated, intent)
}

func (s *service) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentIntent, error) {
	intent, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment intent")
	}
	return intent, nil
}

func (s *service) lockByID(ctx context.Context, repo Repository, intentID uuid.UUID) (*models.PaymentIntent, error) {
	intent, err := repo.FindByIDForUpdate(ctx, intentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment intent not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment intent")
	}
	return intent, nil
}

func truncate(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxFailureMsgLength {
		return msg
	}
	return string(runes[:maxFailureMsgLength])
}

func strPtr(v string) *string { return &v }

package payouts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/sellerprofiles"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
	"github.com/angelmondragon/mate-payments/pkg/queue"
)

const (
	// MaxPayoutAttempts caps failed attempts per payout row.
	MaxPayoutAttempts = 5
	// DefaultRetryBatch caps how many due payouts one sweep retries.
	DefaultRetryBatch = 100
	// RequestedStaleAfter is how long a payout may stay REQUESTED before the
	// retry sweep asks the provider what became of it.
	RequestedStaleAfter = 10 * time.Minute

	maxFailReasonLength = 500
	retryClockSkew      = 5 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SellerDirectory resolves a seller's id at a payout provider.
type SellerDirectory interface {
	RequiredProviderSellerID(ctx context.Context, userID int64, provider enums.PayoutProvider) (string, error)
	Get(ctx context.Context, userID int64, provider string) (*models.SellerPayoutProfile, error)
}

// Scheduler enqueues a delayed payout retry.
type Scheduler interface {
	SchedulePayoutRetry(ctx context.Context, payoutID uuid.UUID, delay time.Duration) error
}

type metricsSink interface {
	RecordPayout(result string)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service drives seller payouts for captured payments.
type Service interface {
	RequestPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error)
	RetryPayout(ctx context.Context, payoutID uuid.UUID) error
	RetryDue(ctx context.Context) (int, error)
	ProviderStatus(ctx context.Context, payoutID uuid.UUID) (*StatusResult, error)
	RegisterSeller(ctx context.Context, userID int64, provider string) (*RegistrationResult, error)
}

type ServiceParams struct {
	Repo      Repository
	DB        txRunner
	Registry  *Registry
	Sellers   SellerDirectory
	Scheduler Scheduler
	Metrics   metricsSink
	Outbox    outboxPublisher
	Logger    *logger.Logger
	Enabled   bool
	Provider  enums.PayoutProvider
	BatchSize int
}

type service struct {
	repo      Repository
	db        txRunner
	gateway   Gateway
	registry  *Registry
	sellers   SellerDirectory
	scheduler Scheduler
	metrics   metricsSink
	outbox    outboxPublisher
	logg      *logger.Logger
	enabled   bool
	provider  enums.PayoutProvider
	batchSize int
	now       func() time.Time
}

// NewService resolves the configured provider up front so an unknown
// provider fails at startup.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Sellers == nil {
		return nil, fmt.Errorf("seller directory required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("payout scheduler required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	provider := enums.PayoutProvider(strings.ToUpper(strings.TrimSpace(string(params.Provider))))
	if provider == "" {
		provider = enums.PayoutProviderSim
	}
	var gateway Gateway
	if params.Enabled {
		resolved, err := params.Registry.Resolve(provider)
		if err != nil {
			return nil, err
		}
		gateway = resolved
	}
	var sink metricsSink = noopMetrics{}
	if params.Metrics != nil {
		sink = params.Metrics
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = DefaultRetryBatch
	}
	return &service{
		repo:      params.Repo,
		db:        params.DB,
		gateway:   gateway,
		registry:  params.Registry,
		sellers:   params.Sellers,
		scheduler: params.Scheduler,
		metrics:   sink,
		outbox:    params.Outbox,
		logg:      params.Logger,
		enabled:   params.Enabled,
		provider:  provider,
		batchSize: batch,
		now:       time.Now,
	}, nil
}

type noopMetrics struct{}

func (noopMetrics) RecordPayout(string) {}

// attempt is a payout committed as REQUESTED and awaiting the gateway call.
type attempt struct {
	payout  models.PayoutTransaction
	payment models.PaymentTransaction
}

// RequestPayout starts or resumes the payout for a payment. Settled, in-flight
// and exhausted payouts are returned unchanged, and the payment's settlement
// status is brought back in line with them. A gateway failure is returned
// after the failure is recorded and any retry is scheduled.
func (s *service) RequestPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error) {
	var (
		current *models.PayoutTransaction
		pending *attempt
		skipped bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindPaymentForUpdate(ctx, paymentTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment transaction not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment transaction")
		}
		payout, err := repo.LatestForPaymentForUpdate(ctx, payment.ID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payout")
			}
			payout = &models.PayoutTransaction{
				PaymentTransactionID: payment.ID,
				SellerID:             payment.SellerUserID,
				Provider:             s.provider,
				RequestedAmount:      payment.NetAmount,
				Currency:             payment.Currency,
				Status:               enums.SettlementStatusPending,
			}
		}
		current = payout

		switch {
		case payout.Status == enums.SettlementStatusCompleted,
			payout.Status == enums.SettlementStatusRequested,
			payout.Status == enums.SettlementStatusSkipped,
			payout.Status == enums.SettlementStatusFailed && payout.RetryCount >= MaxPayoutAttempts:
			return s.mirrorSettlementTx(ctx, repo, payment, payout)
		}
		if payment.PaymentStatus != enums.PaymentStatusPaid {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is not in a payable state").
				WithDetails(map[string]any{"paymentStatus": payment.PaymentStatus})
		}

		if !s.enabled {
			skipped = true
			return s.markSkippedTx(ctx, tx, repo, payment, payout)
		}
		if err := s.markRequestedTx(ctx, repo, payment, payout); err != nil {
			return err
		}
		pending = &attempt{payout: *payout, payment: *payment}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped {
		s.metrics.RecordPayout(metrics.ResultSkip)
		logCtx := s.logg.WithField(ctx, "payment_transaction_id", paymentTransactionID.String())
		s.logg.Info(logCtx, "payout skipped, payouts disabled")
	}
	if pending == nil {
		return current, nil
	}
	return s.execute(ctx, pending)
}

// RetryPayout re-attempts a failed payout once its retry time has come. Gateway
// failures are recorded and logged, not returned.
func (s *service) RetryPayout(ctx context.Context, payoutID uuid.UUID) error {
	if !s.enabled {
		return nil
	}
	var pending *attempt
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payout, err := repo.FindByIDForUpdate(ctx, payoutID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if payout.Status != enums.SettlementStatusFailed || payout.RetryCount >= MaxPayoutAttempts {
			return nil
		}
		if payout.FailureCode != nil && !IsRetryable(*payout.FailureCode) {
			return nil
		}
		if payout.NextRetryAt != nil && payout.NextRetryAt.After(s.now().UTC().Add(retryClockSkew)) {
			return nil
		}
		payment, err := repo.FindPaymentForUpdate(ctx, payout.PaymentTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if payment.PaymentStatus != enums.PaymentStatusPaid {
			return nil
		}
		if err := s.markRequestedTx(ctx, repo, payment, payout); err != nil {
			return err
		}
		pending = &attempt{payout: *payout, payment: *payment}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry payout %s: %w", payoutID, err)
	}
	if pending == nil {
		return nil
	}
	if _, err := s.execute(ctx, pending); err != nil {
		if isRecordError(err) {
			return err
		}
		logCtx := s.logg.WithField(ctx, "payout_id", payoutID.String())
		s.logg.Warn(logCtx, "payout retry failed: "+err.Error())
	}
	return nil
}

// RetryDue retries failed payouts whose retry time has passed. It recovers
// retries whose scheduled task was lost and payouts left REQUESTED by a call
// whose outcome was never recorded.
func (s *service) RetryDue(ctx context.Context) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	now := s.now().UTC()
	due, err := s.repo.ListDueRetries(ctx, now, MaxPayoutAttempts, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due payouts: %w", err)
	}
	stale, err := s.repo.ListStaleRequested(ctx, now.Add(-RequestedStaleAfter), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale payouts: %w", err)
	}
	var errs error
	for _, payout := range due {
		if err := s.RetryPayout(ctx, payout.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, payout := range stale {
		if err := s.recoverRequested(ctx, payout.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return len(due) + len(stale), errs
}

// recoverRequested settles a payout stuck in REQUESTED. With a provider
// reference the provider's status decides the outcome. Without one the
// original request is replayed under the same idempotency key, so a call that
// already reached the provider is answered rather than paid twice.
func (s *service) recoverRequested(ctx context.Context, payoutID uuid.UUID) error {
	var pending *attempt
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payout, err := repo.FindByIDForUpdate(ctx, payoutID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if payout.Status != enums.SettlementStatusRequested || !s.requestStalled(payout) {
			return nil
		}
		payment, err := repo.FindPaymentForUpdate(ctx, payout.PaymentTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		now := s.now().UTC()
		payout.LastRetryAt = &now
		if err := repo.Save(ctx, payout); err != nil {
			return err
		}
		hasRef := payout.ProviderRef != nil && strings.TrimSpace(*payout.ProviderRef) != ""
		if !hasRef && payment.PaymentStatus != enums.PaymentStatusPaid {
			// a refunded payment is never paid out again
			s.logg.Warn(s.logg.WithField(ctx, "payout_id", payoutID.String()), "stale payout of refunded payment left for review")
			return nil
		}
		pending = &attempt{payout: *payout, payment: *payment}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover payout %s: %w", payoutID, err)
	}
	if pending == nil {
		return nil
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"payout_id":              payoutID.String(),
		"payment_transaction_id": pending.payment.ID.String(),
	})
	var result *Result
	var callErr error
	if pending.payout.ProviderRef != nil && strings.TrimSpace(*pending.payout.ProviderRef) != "" {
		status, err := s.lookupStatus(ctx, &pending.payout)
		if err != nil || status == nil {
			s.logg.Warn(logCtx, fmt.Sprintf("payout status lookup failed: %v", err))
			return nil
		}
		switch strings.ToUpper(strings.TrimSpace(status.Status)) {
		case string(enums.SettlementStatusCompleted), "DONE":
			result = &Result{ProviderRef: *pending.payout.ProviderRef, Status: status.Status}
		case string(enums.SettlementStatusFailed), "CANCELED", "REJECTED":
			code := status.FailureCode
			if strings.TrimSpace(code) == "" {
				code = FailureProviderRejected
			}
			callErr = &GatewayError{Message: "provider reported payout " + status.Status, FailureCode: code}
		default:
			s.logg.Info(s.logg.WithField(logCtx, "provider_status", status.Status), "payout still in flight at provider")
			return nil
		}
	} else {
		s.logg.Warn(logCtx, "payout outcome unknown, replaying request")
		result, callErr = s.call(ctx, pending)
	}
	if _, err := s.record(ctx, pending, result, callErr); err != nil && isRecordError(err) {
		return err
	}
	return nil
}

func (s *service) requestStalled(payout *models.PayoutTransaction) bool {
	started := payout.LastRetryAt
	if started == nil {
		started = payout.RequestedAt
	}
	if started == nil {
		return payout.CreatedAt.Before(s.now().UTC().Add(-RequestedStaleAfter))
	}
	return started.Before(s.now().UTC().Add(-RequestedStaleAfter))
}

func (s *service) lookupStatus(ctx context.Context, payout *models.PayoutTransaction) (*StatusResult, error) {
	gateway, err := s.registry.Resolve(payout.Provider)
	if err != nil {
		return nil, err
	}
	checker, ok := gateway.(StatusChecker)
	if !ok {
		return nil, fmt.Errorf("provider %s does not report payout status", payout.Provider)
	}
	return checker.PayoutStatus(ctx, *payout.ProviderRef)
}

// mirrorSettlementTx copies a payout's state onto its paid payment when the
// two have drifted, such as a settlement reopened against an exhausted payout.
func (s *service) mirrorSettlementTx(ctx context.Context, repo Repository, payment *models.PaymentTransaction, payout *models.PayoutTransaction) error {
	if payout.ID == uuid.Nil || payment.PaymentStatus != enums.PaymentStatusPaid || payment.SettlementStatus == payout.Status {
		return nil
	}
	if err := repo.UpdateSettlementStatus(ctx, payment.ID, payout.Status); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mirror settlement status")
	}
	return nil
}

func (s *service) markRequestedTx(ctx context.Context, repo Repository, payment *models.PaymentTransaction, payout *models.PayoutTransaction) error {
	now := s.now().UTC()
	payout.Status = enums.SettlementStatusRequested
	payout.Provider = s.provider
	payout.RequestedAmount = payment.NetAmount
	payout.Currency = payment.Currency
	payout.RequestedAt = &now
	payout.LastRetryAt = &now
	payout.NextRetryAt = nil
	payout.FailReason = nil
	payout.FailureCode = nil
	if err := repo.Save(ctx, payout); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark payout requested")
	}
	return nil
}

func (s *service) markSkippedTx(ctx context.Context, tx *gorm.DB, repo Repository, payment *models.PaymentTransaction, payout *models.PayoutTransaction) error {
	now := s.now().UTC()
	reason := FailurePayoutDisabled
	payout.Status = enums.SettlementStatusSkipped
	payout.RequestedAmount = payment.NetAmount
	payout.RequestedAt = &now
	payout.LastRetryAt = nil
	payout.NextRetryAt = nil
	payout.FailReason = &reason
	payout.FailureCode = &reason
	if err := repo.Save(ctx, payout); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark payout skipped")
	}
	if err := repo.UpdateSettlementStatus(ctx, payment.ID, enums.SettlementStatusSkipped); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mirror skipped settlement")
	}
	return s.emit(ctx, tx, enums.EventPayoutSkipped, payout)
}

// recordError marks a failure to persist a gateway outcome.
type recordError struct{ err error }

func (e *recordError) Error() string { return "record payout outcome: " + e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

func isRecordError(err error) bool {
	var target *recordError
	return errors.As(err, &target)
}

// execute calls the provider outside any transaction and records the outcome.
func (s *service) execute(ctx context.Context, pending *attempt) (*models.PayoutTransaction, error) {
	result, callErr := s.call(ctx, pending)
	return s.record(ctx, pending, result, callErr)
}

func (s *service) record(ctx context.Context, pending *attempt, result *Result, callErr error) (*models.PayoutTransaction, error) {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"payout_id":              pending.payout.ID.String(),
		"payment_transaction_id": pending.payment.ID.String(),
		"order_id":               pending.payment.OrderID,
		"provider":               string(s.provider),
	})

	var (
		saved     *models.PayoutTransaction
		nextRetry time.Duration
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payout, err := repo.FindByIDForUpdate(ctx, pending.payout.ID)
		if err != nil {
			return err
		}
		payment, err := repo.FindPaymentForUpdate(ctx, pending.payment.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if callErr == nil {
			ref := result.ProviderRef
			payout.Status = enums.SettlementStatusCompleted
			payout.ProviderRef = &ref
			payout.CompletedAt = &now
			if err := repo.Save(ctx, payout); err != nil {
				return err
			}
			settlement := enums.SettlementStatusCompleted
			if payment.PaymentStatus == enums.PaymentStatusCanceled {
				settlement = enums.SettlementStatusRefundedAfterSettlement
			}
			if err := repo.UpdateSettlementStatus(ctx, payment.ID, settlement); err != nil {
				return err
			}
			saved = payout
			return s.emit(ctx, tx, enums.EventPayoutCompleted, payout)
		}

		code := failureCode(callErr)
		reason := truncate(callErr.Error())
		payout.Status = enums.SettlementStatusFailed
		payout.RetryCount++
		payout.FailureCode = &code
		payout.FailReason = &reason
		payout.NextRetryAt = nil
		if IsRetryable(code) && payout.RetryCount < MaxPayoutAttempts {
			nextRetry = queue.Backoff(payout.RetryCount)
			at := now.Add(nextRetry)
			payout.NextRetryAt = &at
		}
		if err := repo.Save(ctx, payout); err != nil {
			return err
		}
		if payment.PaymentStatus == enums.PaymentStatusPaid {
			if err := repo.UpdateSettlementStatus(ctx, payment.ID, enums.SettlementStatusFailed); err != nil {
				return err
			}
		}
		saved = payout
		return s.emit(ctx, tx, enums.EventPayoutFailed, payout)
	})
	if err != nil {
		s.logg.Error(logCtx, "failed to record payout outcome", err)
		return nil, &recordError{err: err}
	}

	if callErr == nil {
		s.metrics.RecordPayout(metrics.ResultSuccess)
		s.logg.Info(logCtx, "payout completed")
		return saved, nil
	}

	s.metrics.RecordPayout(metrics.ResultFail)
	s.logg.Error(s.logg.WithFields(logCtx, map[string]any{
		"failure_code": *saved.FailureCode,
		"retry_count":  saved.RetryCount,
	}), "payout failed", callErr)
	if nextRetry > 0 {
		if err := s.scheduler.SchedulePayoutRetry(ctx, saved.ID, nextRetry); err != nil {
			s.logg.Error(logCtx, "failed to schedule payout retry", err)
		}
	}
	return saved, callErr
}

func (s *service) call(ctx context.Context, pending *attempt) (*Result, error) {
	if s.gateway == nil {
		return nil, &GatewayError{Message: "payouts are disabled", FailureCode: FailurePayoutDisabled}
	}
	req := Request{
		IdempotencyKey:       fmt.Sprintf("payout-%s-%d", pending.payout.ID, pending.payout.RetryCount),
		PaymentTransactionID: pending.payment.ID,
		OrderID:              pending.payment.OrderID,
		SellerID:             pending.payment.SellerUserID,
		Amount:               pending.payout.RequestedAmount,
		Currency:             pending.payout.Currency,
	}
	if s.provider.RequiresSellerProfile() {
		sellerID, err := s.sellers.RequiredProviderSellerID(ctx, pending.payment.SellerUserID, s.provider)
		if err != nil {
			if errors.Is(err, sellerprofiles.ErrProfileMissing) {
				return nil, &GatewayError{Message: "seller payout profile missing", FailureCode: FailureSellerProfileMissing}
			}
			return nil, err
		}
		req.ProviderSellerID = sellerID
	}
	return s.gateway.RequestPayout(ctx, req)
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, payout *models.PayoutTransaction) error {
	data := payloads.PayoutEvent{
		PayoutID:             payout.ID,
		PaymentTransactionID: payout.PaymentTransactionID,
		SellerID:             payout.SellerID,
		Provider:             payout.Provider,
		Status:               payout.Status,
		Amount:               payout.RequestedAmount,
		Currency:             payout.Currency,
		RetryCount:           payout.RetryCount,
		OccurredAt:           s.now().UTC(),
	}
	if payout.ProviderRef != nil {
		data.ProviderRef = *payout.ProviderRef
	}
	if payout.FailureCode != nil {
		data.FailureCode = *payout.FailureCode
	}
	if payout.FailReason != nil {
		data.FailReason = *payout.FailReason
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayoutTransaction,
		AggregateID:   payout.ID,
		Actor:         &outbox.ActorRef{UserID: payout.SellerID, Role: "seller"},
		Data:          data,
		Version:       1,
		OccurredAt:    data.OccurredAt,
	})
}

// failureCode prefers the provider's classified code over the Go type name.
func failureCode(err error) string {
	if gwErr, ok := AsGatewayError(err); ok && strings.TrimSpace(gwErr.FailureCode) != "" {
		return gwErr.FailureCode
	}
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func truncate(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxFailReasonLength {
		return msg
	}
	return string(runes[:maxFailReasonLength])
}

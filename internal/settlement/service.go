package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/refundpolicy"
	dbpkg "github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

// PolicyNoPayment labels cancellations of applications that were never paid.
const PolicyNoPayment = "NO_PAYMENT"

// RefundResumeAfter is how long a refund may sit in REFUND_REQUESTED before
// it is treated as stalled and re-issued.
const RefundResumeAfter = 5 * time.Minute

const (
	recordSavepoint    = "payment_transaction_insert"
	refundReasonPrefix = "메이트 취소 처리: "
	resumeBatchSize    = 100
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Gateway refunds captured payments.
type Gateway interface {
	Cancel(ctx context.Context, paymentKey, reason string, amount int64) (*toss.CancelResult, error)
}

// Payouts starts seller payouts for captured payments.
type Payouts interface {
	RequestPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error)
}

// PartyLookup resolves the seller of a party.
type PartyLookup interface {
	FindParty(ctx context.Context, tx *gorm.DB, partyID int64) (*models.Party, error)
}

type refundEvaluator interface {
	Decide(gross int64, reason *enums.CancelReasonType) refundpolicy.Decision
}

type metricsSink interface {
	RecordRefund(policy string)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service records captured payments and drives their cancellation and settlement.
type Service interface {
	CreateOrGetOnConfirm(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.PaymentTransaction, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	ListByOrderIDs(ctx context.Context, orderIDs []string) (map[string]models.PaymentTransaction, error)
	ProcessCancellation(ctx context.Context, application *models.PartyApplication, req CancelRequest) (*CancellationResult, error)
	RequestSettlementOnApproval(ctx context.Context, application *models.PartyApplication)
	RequestManualPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error)
	ResumeStaleRefunds(ctx context.Context) (int, error)
}

// RecordInput describes a confirmed payment. Intent is nil for applications
// created before intents existed.
type RecordInput struct {
	Application *models.PartyApplication
	Intent      *models.PaymentIntent
	PaymentKey  string
}

// CancelRequest carries the buyer's cancellation reason. A nil reason type is
// treated as a change of mind.
type CancelRequest struct {
	ReasonType  *enums.CancelReasonType
	Memo        *string
	ActorUserID int64
}

// CancellationResult is the refund outcome reported to the canceller.
type CancellationResult struct {
	ApplicationID    int64                   `json:"applicationId"`
	RefundAmount     int64                   `json:"refundAmount"`
	FeeCharged       int64                   `json:"feeCharged"`
	RefundPolicy     string                  `json:"refundPolicyApplied"`
	PaymentStatus    *enums.PaymentStatus    `json:"paymentStatus"`
	SettlementStatus *enums.SettlementStatus `json:"settlementStatus"`
}

type ServiceParams struct {
	Repo    Repository
	DB      txRunner
	Gateway Gateway
	Payouts Payouts
	Parties PartyLookup
	Refunds refundEvaluator
	Metrics metricsSink
	Outbox  outboxPublisher
	Logger  *logger.Logger
}

type service struct {
	repo    Repository
	db      txRunner
	gateway Gateway
	payouts Payouts
	parties PartyLookup
	refunds refundEvaluator
	metrics metricsSink
	outbox  outboxPublisher
	logg    *logger.Logger
	now     func() time.Time
}

// NewService wires the settlement ledger.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payment transaction repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Payouts == nil {
		return nil, fmt.Errorf("payout service required")
	}
	if params.Parties == nil {
		return nil, fmt.Errorf("party lookup required")
	}
	if params.Refunds == nil {
		return nil, fmt.Errorf("refund evaluator required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	var sink metricsSink = noopMetrics{}
	if params.Metrics != nil {
		sink = params.Metrics
	}
	return &service{
		repo:    params.Repo,
		db:      params.DB,
		gateway: params.Gateway,
		payouts: params.Payouts,
		parties: params.Parties,
		refunds: params.Refunds,
		metrics: sink,
		outbox:  params.Outbox,
		logg:    params.Logger,
		now:     time.Now,
	}, nil
}

type noopMetrics struct{}

func (noopMetrics) RecordRefund(string) {}

// CreateOrGetOnConfirm records the captured payment inside the caller's
// transaction. A retried confirm gets the existing row back after it is checked
// against the request; any disagreement is a consistency fault.
func (s *service) CreateOrGetOnConfirm(ctx context.Context, tx *gorm.DB, input RecordInput) (*models.PaymentTransaction, error) {
	application := input.Application
	if application == nil || application.OrderID == nil || strings.TrimSpace(*application.OrderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	paymentKey := strings.TrimSpace(input.PaymentKey)
	if paymentKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment key is required")
	}
	repo := s.repo.WithTx(tx)
	orderID := *application.OrderID

	existing, err := findExisting(ctx, repo, orderID, paymentKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := validateRetry(existing, input, paymentKey); err != nil {
			return nil, err
		}
		return existing, nil
	}

	party, err := s.parties.FindParty(ctx, tx, application.PartyID)
	if err != nil {
		return nil, err
	}
	gross := int64(0)
	if application.DepositAmount != nil {
		gross = *application.DepositAmount
	}
	currency := enums.CurrencyKRW
	if input.Intent != nil && input.Intent.Currency != "" {
		currency = input.Intent.Currency
	}
	txn := &models.PaymentTransaction{
		PartyID:          application.PartyID,
		ApplicationID:    application.ID,
		BuyerUserID:      application.ApplicantID,
		SellerUserID:     party.HostID,
		FlowType:         flowFor(input),
		OrderID:          orderID,
		PaymentKey:       paymentKey,
		GrossAmount:      gross,
		NetAmount:        gross,
		Currency:         currency,
		PaymentStatus:    enums.PaymentStatusPaid,
		SettlementStatus: enums.SettlementStatusPending,
	}

	if err := tx.SavePoint(recordSavepoint).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open savepoint")
	}
	if err := repo.Create(ctx, txn); err != nil {
		if !dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create payment transaction")
		}
		if rbErr := tx.RollbackTo(recordSavepoint).Error; rbErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, rbErr, "rollback savepoint")
		}
		raced, findErr := findExisting(ctx, repo, orderID, paymentKey)
		if findErr != nil {
			return nil, findErr
		}
		if raced == nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "payment transaction vanished after conflict")
		}
		if err := validateRetry(raced, input, paymentKey); err != nil {
			return nil, err
		}
		return raced, nil
	}
	if err := s.emit(ctx, tx, enums.EventPaymentRecorded, txn, application.ApplicantID, "applicant"); err != nil {
		return nil, err
	}
	return txn, nil
}

func findExisting(ctx context.Context, repo Repository, orderID, paymentKey string) (*models.PaymentTransaction, error) {
	txn, err := repo.FindByOrderIDForUpdate(ctx, orderID)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment transaction by order id")
	}
	txn, err = repo.FindByPaymentKeyForUpdate(ctx, paymentKey)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment transaction by payment key")
	}
	return nil, nil
}

func validateRetry(txn *models.PaymentTransaction, input RecordInput, paymentKey string) error {
	switch txn.PaymentStatus {
	case enums.PaymentStatusCanceled:
		return consistencyFault(txn, "existing payment was canceled")
	case enums.PaymentStatusRefundFailed:
		return consistencyFault(txn, "existing payment refund failed")
	}
	application := input.Application
	if txn.OrderID != *application.OrderID {
		return consistencyFault(txn, "existing payment belongs to another order")
	}
	if txn.PaymentKey != paymentKey {
		return consistencyFault(txn, "existing payment key does not match")
	}
	if txn.FlowType != flowFor(input) {
		return consistencyFault(txn, "existing payment flow does not match")
	}
	if application.DepositAmount == nil {
		return consistencyFault(txn, "application has no payment amount")
	}
	if *application.DepositAmount != txn.GrossAmount {
		return consistencyFault(txn, "existing payment amount does not match")
	}
	return nil
}

func consistencyFault(txn *models.PaymentTransaction, msg string) error {
	return pkgerrors.New(pkgerrors.CodeConsistency, msg).WithDetails(map[string]any{
		"orderId":       txn.OrderID,
		"paymentStatus": txn.PaymentStatus,
	})
}

func flowFor(input RecordInput) enums.FlowType {
	if input.Intent != nil && input.Intent.FlowType != "" {
		return input.Intent.FlowType
	}
	return input.Application.PaymentType.FlowType()
}

func (s *service) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	txn, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment transaction")
	}
	return txn, nil
}

// ListByOrderIDs indexes the transactions for orderIDs by order id. Blank and
// duplicate ids are ignored.
func (s *service) ListByOrderIDs(ctx context.Context, orderIDs []string) (map[string]models.PaymentTransaction, error) {
	seen := make(map[string]struct{}, len(orderIDs))
	unique := make([]string, 0, len(orderIDs))
	for _, orderID := range orderIDs {
		orderID = strings.TrimSpace(orderID)
		if orderID == "" {
			continue
		}
		if _, ok := seen[orderID]; ok {
			continue
		}
		seen[orderID] = struct{}{}
		unique = append(unique, orderID)
	}
	out := make(map[string]models.PaymentTransaction, len(unique))
	if len(unique) == 0 {
		return out, nil
	}
	txns, err := s.repo.ListByOrderIDs(ctx, unique)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list payment transactions")
	}
	for _, txn := range txns {
		out[txn.OrderID] = txn
	}
	return out, nil
}

// ProcessCancellation refunds a paid application according to the refund
// policy. The refund is requested at the gateway with no row lock held; a
// gateway failure leaves the payment REFUND_FAILED and is returned.
func (s *service) ProcessCancellation(ctx context.Context, application *models.PartyApplication, req CancelRequest) (*CancellationResult, error) {
	if application == nil || application.OrderID == nil || strings.TrimSpace(*application.OrderID) == "" {
		result := &CancellationResult{RefundPolicy: PolicyNoPayment}
		if application != nil {
			result.ApplicationID = application.ID
		}
		return result, nil
	}
	reason := enums.CancelReasonBuyerChangedMind
	if req.ReasonType != nil {
		if !req.ReasonType.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid cancel reason type")
		}
		reason = *req.ReasonType
	}

	var (
		pending  *models.PaymentTransaction
		decision refundpolicy.Decision
		done     *CancellationResult
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindByOrderIDForUpdate(ctx, *application.OrderID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock payment transaction")
		}
		if txn == nil {
			txn, err = s.createFallbackTx(ctx, tx, repo, application)
			if err != nil {
				return err
			}
			if txn == nil {
				done = &CancellationResult{ApplicationID: application.ID, RefundPolicy: PolicyNoPayment}
				return nil
			}
		}

		switch txn.PaymentStatus {
		case enums.PaymentStatusCanceled:
			done = resultFrom(application.ID, txn)
			return nil
		case enums.PaymentStatusRefundRequested:
			if !s.refundStalled(txn) {
				return pkgerrors.New(pkgerrors.CodeConflict, "refund already in progress")
			}
			if txn.CancelReasonType != nil {
				reason = *txn.CancelReasonType
			}
			s.logg.Warn(s.logg.WithOrderID(ctx, txn.OrderID), "resuming stalled refund")
		}

		decision, err = s.beginRefund(ctx, repo, txn, reason, req.Memo)
		if err != nil {
			return err
		}
		pending = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done != nil {
		return done, nil
	}

	saved, err := s.completeRefund(ctx, pending, reason, decision, req.ActorUserID, "applicant")
	if err != nil {
		return nil, err
	}
	return resultFrom(application.ID, saved), nil
}

func (s *service) refundStalled(txn *models.PaymentTransaction) bool {
	return txn.UpdatedAt.Before(s.now().UTC().Add(-RefundResumeAfter))
}

// beginRefund records the refund decision and moves txn to REFUND_REQUESTED.
// Saving refreshes updated_at, which claims a stalled refund for this caller.
func (s *service) beginRefund(ctx context.Context, repo Repository, txn *models.PaymentTransaction, reason enums.CancelReasonType, memo *string) (refundpolicy.Decision, error) {
	decision := s.refunds.Decide(txn.GrossAmount, &reason)
	policy := decision.Policy
	txn.CancelReasonType = &reason
	if memo != nil {
		txn.CancelMemo = memo
	}
	txn.RefundPolicyApplied = &policy
	txn.PaymentStatus = enums.PaymentStatusRefundRequested
	if err := repo.Save(ctx, txn); err != nil {
		return decision, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark refund requested")
	}
	return decision, nil
}

// completeRefund asks the gateway for the refund with no row lock held and
// records the outcome. An already-canceled payment counts as refunded.
func (s *service) completeRefund(ctx context.Context, pending *models.PaymentTransaction, reason enums.CancelReasonType, decision refundpolicy.Decision, actorID int64, role string) (*models.PaymentTransaction, error) {
	logCtx := s.logg.WithOrderID(ctx, pending.OrderID)
	_, gatewayErr := s.gateway.Cancel(ctx, pending.PaymentKey, refundReasonPrefix+string(reason), decision.RefundAmount)
	refunded := gatewayErr == nil || toss.IsAlreadyCanceled(gatewayErr)

	var saved *models.PaymentTransaction
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindByIDForUpdate(ctx, pending.ID)
		if err != nil {
			return err
		}
		if !refunded {
			txn.PaymentStatus = enums.PaymentStatusRefundFailed
			if err := repo.Save(ctx, txn); err != nil {
				return err
			}
			saved = txn
			return s.emit(ctx, tx, enums.EventPaymentRefundFailed, txn, actorID, role)
		}
		txn.RefundAmount = decision.RefundAmount
		txn.FeeAmount = decision.FeeAmount
		txn.NetAmount = decision.FeeAmount
		txn.PaymentStatus = enums.PaymentStatusCanceled
		if txn.SettlementStatus == enums.SettlementStatusCompleted {
			txn.SettlementStatus = enums.SettlementStatusRefundedAfterSettlement
		} else {
			txn.SettlementStatus = enums.SettlementStatusSkipped
		}
		if err := repo.Save(ctx, txn); err != nil {
			return err
		}
		saved = txn
		return s.emit(ctx, tx, enums.EventPaymentRefunded, txn, actorID, role)
	})
	if err != nil {
		s.logg.Error(logCtx, "failed to record refund outcome", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record refund outcome")
	}

	if !refunded {
		s.metrics.RecordRefund(metrics.RefundFailed)
		s.logg.Error(logCtx, "refund failed at gateway", gatewayErr)
		return nil, pkgerrors.Wrap(pkgerrors.CodeGateway, gatewayErr, "refund failed")
	}
	s.metrics.RecordRefund(refundLabel(decision.Policy))
	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"refund_amount":     saved.RefundAmount,
		"fee_amount":        saved.FeeAmount,
		"settlement_status": string(saved.SettlementStatus),
	}), "payment refunded")
	return saved, nil
}

// ResumeStaleRefunds re-issues refunds stuck in REFUND_REQUESTED past
// RefundResumeAfter, typically after a crash between the gateway call and the
// outcome write. Each refund is resumed independently.
func (s *service) ResumeStaleRefunds(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-RefundResumeAfter)
	stalled, err := s.repo.ListRefundRequestedBefore(ctx, cutoff, resumeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stalled refunds: %w", err)
	}

	var (
		resumed int
		errs    error
	)
	for _, candidate := range stalled {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		var (
			pending  *models.PaymentTransaction
			reason   enums.CancelReasonType
			decision refundpolicy.Decision
		)
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			txn, err := repo.FindByIDForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if txn.PaymentStatus != enums.PaymentStatusRefundRequested || !s.refundStalled(txn) {
				return nil
			}
			reason = enums.CancelReasonBuyerChangedMind
			if txn.CancelReasonType != nil {
				reason = *txn.CancelReasonType
			}
			decision, err = s.beginRefund(ctx, repo, txn, reason, nil)
			if err != nil {
				return err
			}
			pending = txn
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("claim refund %s: %w", candidate.ID, err))
			continue
		}
		if pending == nil {
			continue
		}
		if _, err := s.completeRefund(ctx, pending, reason, decision, 0, "system"); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resume refund %s: %w", candidate.ID, err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logg.Info(s.logg.WithField(ctx, "resumed", resumed), "resumed stalled refunds")
	}
	return resumed, errs
}

// createFallbackTx records a transaction for an application paid before
// transactions were tracked. It returns nil when there is nothing to refund.
func (s *service) createFallbackTx(ctx context.Context, tx *gorm.DB, repo Repository, application *models.PartyApplication) (*models.PaymentTransaction, error) {
	if application.PaymentKey == nil || strings.TrimSpace(*application.PaymentKey) == "" {
		return nil, nil
	}
	party, err := s.parties.FindParty(ctx, tx, application.PartyID)
	if err != nil {
		return nil, err
	}
	gross := int64(0)
	if application.DepositAmount != nil {
		gross = *application.DepositAmount
	}
	txn := &models.PaymentTransaction{
		PartyID:          application.PartyID,
		ApplicationID:    application.ID,
		BuyerUserID:      application.ApplicantID,
		SellerUserID:     party.HostID,
		FlowType:         application.PaymentType.FlowType(),
		OrderID:          *application.OrderID,
		PaymentKey:       strings.TrimSpace(*application.PaymentKey),
		GrossAmount:      gross,
		NetAmount:        gross,
		Currency:         enums.CurrencyKRW,
		PaymentStatus:    enums.PaymentStatusPaid,
		SettlementStatus: enums.SettlementStatusPending,
	}
	if err := repo.Create(ctx, txn); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment transaction is being recorded concurrently")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create fallback payment transaction")
	}
	return txn, nil
}

func resultFrom(applicationID int64, txn *models.PaymentTransaction) *CancellationResult {
	paymentStatus := txn.PaymentStatus
	settlementStatus := txn.SettlementStatus
	result := &CancellationResult{
		ApplicationID:    applicationID,
		RefundAmount:     txn.RefundAmount,
		FeeCharged:       txn.FeeAmount,
		PaymentStatus:    &paymentStatus,
		SettlementStatus: &settlementStatus,
	}
	if txn.RefundPolicyApplied != nil {
		result.RefundPolicy = string(*txn.RefundPolicyApplied)
	}
	return result
}

func refundLabel(policy enums.RefundPolicy) string {
	if policy == enums.RefundPolicyPartialRefundWithFee {
		return metrics.RefundPartial
	}
	return metrics.RefundFull
}

// RequestSettlementOnApproval starts the seller payout once a paid application
// is approved. Payout failures mark the settlement FAILED and never fail the
// approval.
func (s *service) RequestSettlementOnApproval(ctx context.Context, application *models.PartyApplication) {
	if application == nil || application.OrderID == nil || strings.TrimSpace(*application.OrderID) == "" {
		return
	}
	logCtx := s.logg.WithOrderID(ctx, *application.OrderID)

	var requested *models.PaymentTransaction
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindByOrderIDForUpdate(ctx, *application.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if txn.PaymentStatus != enums.PaymentStatusPaid {
			return nil
		}
		if txn.SettlementStatus == enums.SettlementStatusCompleted || txn.SettlementStatus == enums.SettlementStatusRequested {
			return nil
		}
		txn.SettlementStatus = enums.SettlementStatusRequested
		if err := repo.Save(ctx, txn); err != nil {
			return err
		}
		requested = txn
		return nil
	})
	if err != nil {
		s.logg.Error(logCtx, "failed to request settlement on approval", err)
		return
	}
	if requested == nil {
		return
	}

	if _, err := s.payouts.RequestPayout(ctx, requested.ID); err != nil {
		s.logg.Error(s.logg.WithFields(logCtx, map[string]any{
			"application_id":         application.ID,
			"payment_transaction_id": requested.ID.String(),
		}), "payout on approval failed", err)
		s.markSettlementFailed(ctx, requested.ID)
	}
}

func (s *service) markSettlementFailed(ctx context.Context, id uuid.UUID) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if txn.SettlementStatus != enums.SettlementStatusRequested {
			return nil
		}
		txn.SettlementStatus = enums.SettlementStatusFailed
		return repo.Save(ctx, txn)
	})
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "payment_transaction_id", id.String()), "failed to mark settlement failed", err)
	}
}

// RequestManualPayout lets an operator push a payout for a paid transaction.
// Settled transactions keep their status and get the existing payout back.
func (s *service) RequestManualPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error) {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindByIDForUpdate(ctx, paymentTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment transaction not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock payment transaction")
		}
		if txn.PaymentStatus != enums.PaymentStatusPaid {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is not in a payable state").
				WithDetails(map[string]any{"paymentStatus": txn.PaymentStatus})
		}
		if txn.SettlementStatus != enums.SettlementStatusPending && txn.SettlementStatus != enums.SettlementStatusFailed {
			return nil
		}
		txn.SettlementStatus = enums.SettlementStatusRequested
		if err := repo.Save(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark settlement requested")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logCtx := s.logg.WithField(ctx, "payment_transaction_id", paymentTransactionID.String())
	s.logg.Info(logCtx, "manual payout requested")
	payout, err := s.payouts.RequestPayout(ctx, paymentTransactionID)
	if err != nil {
		return payout, err
	}
	// A FAILED payout returned without an error was not attempted: its
	// retries are exhausted and the settlement has been put back to FAILED.
	if payout != nil && payout.Status == enums.SettlementStatusFailed {
		s.logg.Warn(logCtx, "manual payout refused, payout retries exhausted")
		return payout, pkgerrors.New(pkgerrors.CodeStateConflict, "payout retries exhausted").
			WithDetails(map[string]any{"payoutId": payout.ID, "retryCount": payout.RetryCount})
	}
	return payout, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, txn *models.PaymentTransaction, actorID int64, role string) error {
	data := payloads.PaymentEvent{
		PaymentTransactionID: txn.ID,
		OrderID:              txn.OrderID,
		PartyID:              txn.PartyID,
		ApplicationID:        txn.ApplicationID,
		BuyerUserID:          txn.BuyerUserID,
		SellerUserID:         txn.SellerUserID,
		FlowType:             txn.FlowType,
		PaymentStatus:        txn.PaymentStatus,
		SettlementStatus:     txn.SettlementStatus,
		GrossAmount:          txn.GrossAmount,
		FeeAmount:            txn.FeeAmount,
		RefundAmount:         txn.RefundAmount,
		NetAmount:            txn.NetAmount,
		Currency:             txn.Currency,
		RefundPolicy:         txn.RefundPolicyApplied,
		OccurredAt:           s.now().UTC(),
	}
	if actorID == 0 {
		actorID = txn.BuyerUserID
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePaymentTransaction,
		AggregateID:   txn.ID,
		Actor:         &outbox.ActorRef{UserID: actorID, Role: role},
		Data:          data,
		Version:       1,
		OccurredAt:    data.OccurredAt,
	})
}

package checkout

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/internal/marketplace"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

const (
	tamperCancelReason     = "결제 금액 불일치로 결제를 취소합니다."
	unrecordedCancelReason = "결제 승인 기록 실패로 결제를 취소합니다."
)

// ConfirmInput is the client's report of a gateway-approved payment.
type ConfirmInput struct {
	IntentID            *uuid.UUID
	OrderID             string
	PaymentKey          string
	Amount              *int64
	PartyID             *int64
	PaymentType         *enums.PaymentType
	FlowType            *enums.FlowType
	CancelPolicyVersion *string
	Message             string
	ApplicantID         int64
}

// ConfirmResult is the application backing the payment. Created is false when
// an earlier confirm already produced it.
type ConfirmResult struct {
	Application ApplicationView `json:"application"`
	Created     bool            `json:"created"`
}

func (s *service) Confirm(ctx context.Context, input ConfirmInput) (*ConfirmResult, error) {
	input.OrderID = strings.TrimSpace(input.OrderID)
	input.PaymentKey = strings.TrimSpace(input.PaymentKey)
	if input.OrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orderId is required")
	}
	if input.PaymentKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paymentKey is required")
	}
	if input.PaymentType != nil && !input.PaymentType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid paymentType")
	}
	flow := input.FlowType
	if flow == nil && input.PaymentType != nil {
		derived := input.PaymentType.FlowType()
		flow = &derived
	}

	ctx = s.logg.WithOrderID(ctx, input.OrderID)

	if result, err := s.existingResult(ctx, input, flow, nil); result != nil || err != nil {
		return result, err
	}

	intent, err := s.intents.ResolveForConfirm(ctx, intents.ConfirmRequest{
		IntentID:            input.IntentID,
		OrderID:             input.OrderID,
		PaymentKey:          input.PaymentKey,
		PartyID:             input.PartyID,
		FlowType:            flow,
		CancelPolicyVersion: input.CancelPolicyVersion,
		ApplicantID:         input.ApplicantID,
	})
	if err != nil {
		s.metrics.RecordConfirm(metrics.ResultFail)
		return nil, err
	}
	ctx = s.logg.WithIntentID(ctx, intent.ID.String())

	if err := checkIntent(intent, input); err != nil {
		s.metrics.RecordConfirm(metrics.ResultFail)
		return nil, err
	}
	if result, err := s.existingResult(ctx, input, flow, intent); result != nil || err != nil {
		return result, err
	}
	if intent.Status == enums.IntentStatusApplicationCreated {
		return nil, pkgerrors.New(pkgerrors.CodeConsistency, "payment intent is complete but no application exists").
			WithDetails(map[string]any{"orderId": intent.OrderID, "intentId": intent.ID.String()})
	}

	paymentKey := input.PaymentKey
	if intent.Status == enums.IntentStatusConfirmed && intent.HasPaymentKey() {
		paymentKey = *intent.PaymentKey
		s.logg.Info(ctx, "payment already confirmed at gateway, skipping confirm call")
	} else {
		if err := s.confirmAtGateway(ctx, intent, paymentKey); err != nil {
			s.metrics.RecordConfirm(metrics.ResultFail)
			return nil, err
		}
		confirmed, err := s.intents.MarkConfirmed(ctx, intent.ID, paymentKey)
		if err != nil {
			s.logg.Error(ctx, "failed to mark payment intent confirmed", err)
			s.compensateUnrecorded(ctx, intent, paymentKey, err)
			s.metrics.RecordConfirm(metrics.ResultFail)
			return nil, err
		}
		intent = confirmed
	}

	application, err := s.createApplication(ctx, input, intent, paymentKey)
	if err != nil {
		existing, lookupErr := s.applications.ApplicationByOrderID(ctx, nil, intent.OrderID)
		if lookupErr == nil && existing != nil {
			s.logg.Info(ctx, "application created by concurrent confirm")
			s.metrics.RecordConfirm(metrics.ResultRetry)
			return &ConfirmResult{Application: s.enrich(ctx, existing)}, nil
		}
		s.logg.Error(ctx, "failed to create application for confirmed payment", err)
		s.compensate(ctx, intent.ID, paymentKey, err)
		s.metrics.RecordConfirm(metrics.ResultFail)
		return nil, err
	}

	if application.IsApproved {
		s.settlement.RequestSettlementOnApproval(ctx, application)
	}
	s.metrics.RecordConfirm(metrics.ResultSuccess)
	s.logg.Info(s.logg.WithField(ctx, "application_id", application.ID), "party application created from payment")
	return &ConfirmResult{Application: s.enrich(ctx, application), Created: true}, nil
}

// existingResult returns the application already recorded for the order, or
// nil when there is none. A recorded application that disagrees with the
// request is a conflict.
func (s *service) existingResult(ctx context.Context, input ConfirmInput, flow *enums.FlowType, intent *models.PaymentIntent) (*ConfirmResult, error) {
	application, err := s.applications.ApplicationByOrderID(ctx, nil, input.OrderID)
	if err != nil {
		return nil, err
	}
	if application == nil {
		return nil, nil
	}
	if application.ApplicantID != input.ApplicantID {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "payment belongs to another user")
	}
	if input.PartyID != nil && *input.PartyID != application.PartyID {
		return nil, conflict("partyId does not match the existing application", application)
	}
	if input.PaymentType != nil && *input.PaymentType != application.PaymentType {
		return nil, conflict("paymentType does not match the existing application", application)
	}
	if flow != nil && *flow != application.PaymentType.FlowType() {
		return nil, conflict("flowType does not match the existing application", application)
	}
	if input.IntentID != nil {
		if intent == nil {
			found, err := s.intents.FindByOrderID(ctx, input.OrderID)
			if err != nil {
				return nil, err
			}
			intent = found
		}
		if intent != nil && intent.ID != *input.IntentID {
			return nil, conflict("intentId does not match the existing application", application)
		}
	}

	txn, err := s.settlement.FindByOrderID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if txn != nil {
		if txn.PaymentStatus == enums.PaymentStatusCanceled || txn.PaymentStatus == enums.PaymentStatusRefundFailed {
			return nil, pkgerrors.New(pkgerrors.CodeConsistency, "payment for this application is no longer active").
				WithDetails(map[string]any{"orderId": txn.OrderID, "paymentStatus": string(txn.PaymentStatus)})
		}
		if flow != nil && txn.FlowType != *flow {
			return nil, conflict("flowType does not match the recorded payment", application)
		}
	}

	s.metrics.RecordConfirm(metrics.ResultRetry)
	s.logg.Info(s.logg.WithField(ctx, "application_id", application.ID), "confirm retried for existing application")
	return &ConfirmResult{Application: newApplicationView(application, txn)}, nil
}

func checkIntent(intent *models.PaymentIntent, input ConfirmInput) error {
	if input.IntentID != nil && *input.IntentID != intent.ID {
		return pkgerrors.New(pkgerrors.CodeConflict, "intentId does not match the order")
	}
	if input.PaymentType != nil && *input.PaymentType != intent.PaymentType {
		return pkgerrors.New(pkgerrors.CodeConflict, "paymentType does not match the prepared payment")
	}
	if input.Amount != nil && *input.Amount != intent.ExpectedAmount {
		return pkgerrors.New(pkgerrors.CodeTampering, "payment amount does not match the prepared payment").
			WithDetails(map[string]any{"expected": intent.ExpectedAmount, "reported": *input.Amount})
	}
	if intent.Status == enums.IntentStatusConfirmed && intent.HasPaymentKey() && *intent.PaymentKey != input.PaymentKey {
		return pkgerrors.New(pkgerrors.CodeConflict, "payment intent was confirmed with a different paymentKey")
	}
	return nil
}

// confirmAtGateway approves the payment and verifies the captured amount. A
// mismatched capture is canceled on a best-effort basis and the intent is left
// untouched so the buyer can retry.
func (s *service) confirmAtGateway(ctx context.Context, intent *models.PaymentIntent, paymentKey string) error {
	payment, err := s.gateway.Confirm(ctx, paymentKey, intent.OrderID, intent.ExpectedAmount)
	if err != nil && toss.IsAlreadyProcessed(err) {
		payment, err = s.recoverProcessed(ctx, intent, paymentKey, err)
	}
	if err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		details := map[string]any{"orderId": intent.OrderID}
		if tossErr, ok := toss.AsError(err); ok {
			details["gatewayCode"] = tossErr.Code
			details["gatewayStatus"] = tossErr.Status
		}
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, "payment approval failed").WithDetails(details)
	}
	if payment.Status != toss.StatusDone {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment is not complete").
			WithDetails(map[string]any{"status": payment.Status})
	}
	if payment.TotalAmount != intent.ExpectedAmount {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"expected": intent.ExpectedAmount,
			"captured": payment.TotalAmount,
		})
		s.logg.Warn(logCtx, "captured amount differs from prepared amount, canceling payment")
		if _, cancelErr := s.gateway.Cancel(ctx, paymentKey, tamperCancelReason, payment.TotalAmount); cancelErr != nil && !toss.IsAlreadyCanceled(cancelErr) {
			s.logg.Error(logCtx, "failed to cancel tampered payment", cancelErr)
		}
		return pkgerrors.New(pkgerrors.CodeTampering, "captured amount does not match the prepared payment").
			WithDetails(map[string]any{"expected": intent.ExpectedAmount, "captured": payment.TotalAmount})
	}
	return nil
}

// recoverProcessed loads a payment the gateway already approved, typically
// because an earlier confirm timed out after the provider accepted it.
func (s *service) recoverProcessed(ctx context.Context, intent *models.PaymentIntent, paymentKey string, cause error) (*toss.Payment, error) {
	payment, err := s.gateway.GetPayment(ctx, paymentKey)
	if err != nil {
		s.logg.Error(ctx, "failed to load already processed payment", err)
		return nil, cause
	}
	if payment.OrderID != intent.OrderID {
		return nil, pkgerrors.New(pkgerrors.CodeTampering, "payment key belongs to another order").
			WithDetails(map[string]any{"orderId": intent.OrderID})
	}
	s.logg.Info(ctx, "gateway reported payment already processed, reusing approval")
	return payment, nil
}

func (s *service) createApplication(ctx context.Context, input ConfirmInput, intent *models.PaymentIntent, paymentKey string) (*models.PartyApplication, error) {
	var created *models.PartyApplication
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		application, err := s.applications.CreatePaidApplication(ctx, tx, marketplace.CreatePaidApplicationInput{
			PartyID:     intent.PartyID,
			ApplicantID: intent.ApplicantID,
			Message:     input.Message,
			PaymentType: intent.PaymentType,
			Amount:      intent.ExpectedAmount,
			OrderID:     intent.OrderID,
			PaymentKey:  paymentKey,
		})
		if err != nil {
			return err
		}
		if _, err := s.settlement.CreateOrGetOnConfirm(ctx, tx, settlement.RecordInput{
			Application: application,
			Intent:      intent,
			PaymentKey:  paymentKey,
		}); err != nil {
			return err
		}
		if err := s.intents.MarkApplicationCreated(ctx, tx, intent.ID); err != nil {
			return err
		}
		created = application
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *service) compensate(ctx context.Context, intentID uuid.UUID, paymentKey string, cause error) {
	if err := s.intents.Compensate(ctx, intentID, paymentKey, cause); err != nil {
		s.logg.Error(ctx, "payment compensation failed", err)
	}
}

// compensateUnrecorded handles a capture whose confirmed state never reached
// the intent row. When the ledger cannot take the payment key either, the
// capture is canceled at the gateway directly.
func (s *service) compensateUnrecorded(ctx context.Context, intent *models.PaymentIntent, paymentKey string, cause error) {
	err := s.intents.Compensate(ctx, intent.ID, paymentKey, cause)
	if err == nil {
		return
	}
	s.logg.Error(ctx, "payment compensation failed, canceling at gateway", err)
	if _, cancelErr := s.gateway.Cancel(ctx, paymentKey, unrecordedCancelReason, intent.ExpectedAmount); cancelErr != nil && !toss.IsAlreadyCanceled(cancelErr) {
		s.logg.Error(s.logg.WithField(ctx, "payment_key", paymentKey), "captured payment left uncanceled, manual action required", cancelErr)
	}
}

func conflict(msg string, application *models.PartyApplication) error {
	return pkgerrors.New(pkgerrors.CodeConflict, msg).
		WithDetails(map[string]any{"applicationId": application.ID})
}

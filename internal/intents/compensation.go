package intents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
	"github.com/angelmondragon/mate-payments/pkg/queue"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

const (
	compensationReason      = "파티 신청 생성 실패로 결제를 취소합니다."
	compensationRetryReason = "보상 재시도: 파티 신청 생성 실패 결제 취소"
	reconcileReason         = "정합성 점검: 미완료 신청 결제 취소"
)

// cancelOutcome is where an intent landed after a gateway cancel. recordErr
// is set when the outcome could not be persisted.
type cancelOutcome struct {
	intent     *models.PaymentIntent
	canceled   bool
	gatewayErr error
	recordErr  error
}

// Compensate cancels the captured payment of an intent whose application could
// not be created. paymentKey is recorded when the intent has none yet, which
// happens when the gateway captured but the confirmed state was never stored.
func (s *service) Compensate(ctx context.Context, intentID uuid.UUID, paymentKey string, cause error) error {
	if intentID == uuid.Nil {
		return nil
	}
	var target *models.PaymentIntent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		intent, err := repo.FindByIDForUpdate(ctx, intentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if !intent.HasPaymentKey() {
			paymentKey = strings.TrimSpace(paymentKey)
			if paymentKey == "" {
				return nil
			}
			intent.PaymentKey = &paymentKey
		}
		application, err := s.marketplace.ApplicationByOrderID(ctx, tx, intent.OrderID)
		if err != nil {
			return err
		}
		if application != nil {
			return s.markApplicationCreatedTx(ctx, tx, repo, intent)
		}
		switch intent.Status {
		case enums.IntentStatusCanceled,
			enums.IntentStatusApplicationCreated,
			enums.IntentStatusCancelRequested,
			enums.IntentStatusExpired:
			return nil
		}

		intent.Status = enums.IntentStatusCancelRequested
		if cause != nil {
			intent.FailureCode = strPtr(errorTypeName(cause))
			intent.FailureMessage = strPtr(truncate(cause.Error()))
		} else {
			intent.FailureCode = strPtr(failureUnknown)
			intent.FailureMessage = nil
		}
		if err := repo.Save(ctx, intent); err != nil {
			return err
		}
		target = intent
		return nil
	})
	if err != nil {
		return fmt.Errorf("prepare compensation for intent %s: %w", intentID, err)
	}
	if target == nil {
		return nil
	}
	s.metrics.RecordCompensationRequested()

	outcome := s.cancelAtGateway(ctx, target, compensationReason)
	return s.afterCancel(ctx, outcome, 1)
}

func (s *service) RetryCompensation(ctx context.Context, intentID uuid.UUID, attempt int) error {
	var target *models.PaymentIntent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		intent, err := repo.FindByIDForUpdate(ctx, intentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		switch intent.Status {
		case enums.IntentStatusApplicationCreated, enums.IntentStatusCanceled, enums.IntentStatusExpired:
			return nil
		}
		if attempt > MaxCompensationAttempts {
			intent.Status = enums.IntentStatusCancelFailed
			intent.FailureCode = strPtr(failureMaxRetry)
			intent.FailureMessage = strPtr("compensation retry limit reached")
			if err := repo.Save(ctx, intent); err != nil {
				return err
			}
			s.metrics.RecordCompensation(metrics.ResultFail)
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"intent_id": intent.ID.String(),
				"order_id":  intent.OrderID,
				"attempt":   attempt,
			})
			s.logg.Warn(logCtx, "compensation retries exhausted, manual action required")
			return s.emitIntent(ctx, tx, enums.EventIntentCancelFailed, intent)
		}
		application, err := s.marketplace.ApplicationByOrderID(ctx, tx, intent.OrderID)
		if err != nil {
			return err
		}
		if application != nil {
			return s.markApplicationCreatedTx(ctx, tx, repo, intent)
		}
		if !intent.HasPaymentKey() {
			return nil
		}
		intent.Status = enums.IntentStatusCancelRequested
		if err := repo.Save(ctx, intent); err != nil {
			return err
		}
		target = intent
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry compensation for intent %s: %w", intentID, err)
	}
	if target == nil {
		return nil
	}

	outcome := s.cancelAtGateway(ctx, target, compensationRetryReason)
	return s.afterCancel(ctx, outcome, attempt+1)
}

// cancelAtGateway calls the gateway outside any transaction and records the
// result under a fresh row lock.
func (s *service) cancelAtGateway(ctx context.Context, intent *models.PaymentIntent, reason string) cancelOutcome {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"intent_id": intent.ID.String(),
		"order_id":  intent.OrderID,
		"amount":    intent.ExpectedAmount,
	})
	_, callErr := s.gateway.Cancel(ctx, *intent.PaymentKey, reason, intent.ExpectedAmount)
	canceled := callErr == nil || toss.IsAlreadyCanceled(callErr)
	if callErr != nil && canceled {
		s.logg.Info(logCtx, "payment already canceled at gateway")
	}

	var saved *models.PaymentIntent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := repo.FindByIDForUpdate(ctx, intent.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if canceled {
			current.Status = enums.IntentStatusCanceled
			current.CanceledAt = &now
		} else {
			current.Status = enums.IntentStatusCancelFailed
			current.FailureCode = strPtr(failureCode(callErr))
			current.FailureMessage = strPtr(truncate(callErr.Error()))
		}
		if err := repo.Save(ctx, current); err != nil {
			return err
		}
		saved = current
		eventType := enums.EventIntentCanceled
		if !canceled {
			eventType = enums.EventIntentCancelFailed
		}
		return s.emitIntent(ctx, tx, eventType, current)
	})
	if err != nil {
		s.logg.Error(logCtx, "failed to record gateway cancel outcome", err)
		return cancelOutcome{intent: intent, canceled: canceled, gatewayErr: callErr, recordErr: err}
	}
	if canceled {
		s.metrics.RecordCompensation(metrics.ResultSuccess)
		s.logg.Info(logCtx, "payment intent canceled")
	} else {
		s.metrics.RecordCompensation(metrics.ResultFail)
		s.logg.Error(logCtx, "gateway cancel failed", callErr)
	}
	return cancelOutcome{intent: saved, canceled: canceled, gatewayErr: callErr}
}

// afterCancel schedules the next attempt when the gateway refused the cancel.
// Gateway failures live on the intent and are not returned.
func (s *service) afterCancel(ctx context.Context, outcome cancelOutcome, nextAttempt int) error {
	if outcome.recordErr != nil {
		return outcome.recordErr
	}
	if !outcome.canceled {
		s.scheduleRetry(ctx, outcome.intent, nextAttempt)
	}
	return nil
}

func (s *service) scheduleRetry(ctx context.Context, intent *models.PaymentIntent, attempt int) {
	delay := queue.Backoff(attempt)
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"intent_id": intent.ID.String(),
		"order_id":  intent.OrderID,
		"attempt":   attempt,
		"delay":     delay.String(),
	})
	if err := s.scheduler.ScheduleCompensationRetry(ctx, intent.ID, attempt, delay); err != nil {
		s.logg.Error(logCtx, "failed to schedule compensation retry", err)
		return
	}
	s.logg.Info(logCtx, "compensation retry scheduled")
}

func (s *service) emitIntent(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, intent *models.PaymentIntent) error {
	data := payloads.IntentEvent{
		IntentID:       intent.ID,
		OrderID:        intent.OrderID,
		PartyID:        intent.PartyID,
		ApplicantID:    intent.ApplicantID,
		FlowType:       intent.FlowType,
		Status:         intent.Status,
		ExpectedAmount: intent.ExpectedAmount,
		Currency:       intent.Currency,
		OccurredAt:     s.now().UTC(),
	}
	if intent.FailureCode != nil {
		data.FailureCode = *intent.FailureCode
	}
	if intent.FailureMessage != nil {
		data.FailureMessage = *intent.FailureMessage
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePaymentIntent,
		AggregateID:   intent.ID,
		Actor:         &outbox.ActorRef{UserID: intent.ApplicantID, Role: "applicant"},
		Data:          data,
		Version:       1,
		OccurredAt:    data.OccurredAt,
	})
}

// failureCode classifies a gateway error: the HTTP status for gateway
// failures, the error code for typed errors, else the Go type name.
func failureCode(err error) string {
	if err == nil {
		return failureUnknown
	}
	if tossErr, ok := toss.AsError(err); ok {
		return strconv.Itoa(tossErr.Status)
	}
	return errorTypeName(err)
}

func errorTypeName(err error) string {
	if err == nil {
		return failureUnknown
	}
	if typed := pkgerrors.As(err); typed != nil {
		return string(typed.Code())
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

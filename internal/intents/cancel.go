package intents

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

const defaultCancelReason = "user requested cancel"

// CancelIntent lets the applicant abandon a payment before an application
// exists. Prepared intents are closed locally; captured ones are canceled at
// the gateway. A failed gateway cancel leaves the intent CANCEL_FAILED for the
// reconcile sweep and is reported to the caller.
func (s *service) CancelIntent(ctx context.Context, intentID uuid.UUID, userID int64, reason string) (enums.IntentStatus, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}

	var (
		target *models.PaymentIntent
		status enums.IntentStatus
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		intent, err := s.lockByID(ctx, repo, intentID)
		if err != nil {
			return err
		}
		if intent.ApplicantID != userID {
			return pkgerrors.New(pkgerrors.CodeUnauthorized, "payment intent belongs to another user")
		}
		status = intent.Status

		switch intent.Status {
		case enums.IntentStatusCanceled:
			return nil
		case enums.IntentStatusCancelRequested:
			return pkgerrors.New(pkgerrors.CodeConflict, "cancel already in progress")
		case enums.IntentStatusCancelFailed, enums.IntentStatusExpired:
			return pkgerrors.New(pkgerrors.CodeConflict, "payment intent can no longer be canceled")
		case enums.IntentStatusApplicationCreated:
			return pkgerrors.New(pkgerrors.CodeConflict, "application already created, cancel the application instead")
		}

		intent.FailureMessage = strPtr(truncate(reason))
		if intent.Status == enums.IntentStatusPrepared {
			now := s.now().UTC()
			intent.Status = enums.IntentStatusCanceled
			intent.CanceledAt = &now
			if err := repo.Save(ctx, intent); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel payment intent")
			}
			status = intent.Status
			return s.emitIntent(ctx, tx, enums.EventIntentCanceled, intent)
		}

		if !intent.HasPaymentKey() {
			return pkgerrors.New(pkgerrors.CodeInternal, "confirmed payment intent has no payment key")
		}
		intent.Status = enums.IntentStatusCancelRequested
		if err := repo.Save(ctx, intent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "request payment intent cancel")
		}
		status = intent.Status
		target = intent
		return nil
	})
	if err != nil {
		return "", err
	}
	if target == nil {
		return status, nil
	}

	outcome := s.cancelAtGateway(ctx, target, reason)
	if outcome.recordErr != nil {
		return enums.IntentStatusCancelRequested, pkgerrors.Wrap(pkgerrors.CodeInternal, outcome.recordErr, "record payment cancel")
	}
	if !outcome.canceled {
		return enums.IntentStatusCancelFailed, pkgerrors.Wrap(pkgerrors.CodeGateway, outcome.gatewayErr, "payment gateway cancel failed")
	}
	return enums.IntentStatusCanceled, nil
}

package intents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

const (
	// DefaultStaleness is how long an intent must sit untouched before the
	// sweep treats it as abandoned.
	DefaultStaleness = 60 * time.Second
	// DefaultReconcileBatch caps how many intents one sweep visits.
	DefaultReconcileBatch = 200
)

var reconcileStatuses = []enums.IntentStatus{
	enums.IntentStatusConfirmed,
	enums.IntentStatusCancelRequested,
	enums.IntentStatusCancelFailed,
}

// ReconcileSummary counts what one sweep did.
type ReconcileSummary struct {
	Scanned  int
	Resolved int
	Canceled int
	Failed   int
	Skipped  int
}

type reconcileResult int

const (
	reconcileSkipped reconcileResult = iota
	reconcileResolved
	reconcileCanceled
	reconcileFailed
)

func (s *service) ReconcileCompensationTargets(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	cutoff := s.now().UTC().Add(-s.staleness)
	targets, err := s.repo.ListByStatusUpdatedBefore(ctx, reconcileStatuses, cutoff, s.batchSize)
	if err != nil {
		return summary, fmt.Errorf("list reconcile targets: %w", err)
	}
	summary.Scanned = len(targets)

	var errs error
	for _, target := range targets {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		result, err := s.reconcileOne(ctx, target.ID)
		if err != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"intent_id": target.ID.String(),
				"order_id":  target.OrderID,
			})
			s.logg.Error(logCtx, "reconcile intent failed", err)
			errs = multierr.Append(errs, fmt.Errorf("intent %s: %w", target.ID, err))
			continue
		}
		switch result {
		case reconcileResolved:
			summary.Resolved++
		case reconcileCanceled:
			summary.Canceled++
		case reconcileFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}
	return summary, errs
}

// reconcileOne settles a single stale intent: it is either linked to the
// application that exists for it or its captured payment is canceled.
func (s *service) reconcileOne(ctx context.Context, intentID uuid.UUID) (reconcileResult, error) {
	var (
		target *models.PaymentIntent
		result = reconcileSkipped
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		intent, err := repo.FindByIDForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if !isReconcileTarget(intent.Status) || retriesExhausted(intent) {
			return nil
		}
		application, err := s.marketplace.ApplicationByOrderID(ctx, tx, intent.OrderID)
		if err != nil {
			return err
		}
		if application != nil {
			if err := s.markApplicationCreatedTx(ctx, tx, repo, intent); err != nil {
				return err
			}
			result = reconcileResolved
			return nil
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
	if err != nil || target == nil {
		return result, err
	}

	outcome := s.cancelAtGateway(ctx, target, reconcileReason)
	if err := s.afterCancel(ctx, outcome, 1); err != nil {
		return reconcileFailed, err
	}
	if outcome.canceled {
		return reconcileCanceled, nil
	}
	return reconcileFailed, nil
}

func isReconcileTarget(status enums.IntentStatus) bool {
	for _, candidate := range reconcileStatuses {
		if status == candidate {
			return true
		}
	}
	return false
}

func retriesExhausted(intent *models.PaymentIntent) bool {
	return intent.Status == enums.IntentStatusCancelFailed &&
		intent.FailureCode != nil && *intent.FailureCode == failureMaxRetry
}

// ExpireStale moves prepared intents past their deadline to EXPIRED. Each
// intent is expired in its own transaction.
func (s *service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	candidates, err := s.repo.ListExpiredPrepared(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired intents: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, candidate := range candidates {
		changed := false
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			intent, err := repo.FindByIDForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if intent.Status != enums.IntentStatusPrepared {
				return nil
			}
			intent.Status = enums.IntentStatusExpired
			if err := repo.Save(ctx, intent); err != nil {
				return err
			}
			changed = true
			return s.emitIntent(ctx, tx, enums.EventIntentExpired, intent)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire intent %s: %w", candidate.ID, err))
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		logCtx := s.logg.WithField(ctx, "expired", expired)
		s.logg.Info(logCtx, "expired stale payment intents")
	}
	return expired, errs
}

package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

type reconciler interface {
	ReconcileCompensationTargets(ctx context.Context) (intents.ReconcileSummary, error)
}

type intentExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type payoutRetrier interface {
	RetryDue(ctx context.Context) (int, error)
}

type refundResumer interface {
	ResumeStaleRefunds(ctx context.Context) (int, error)
}

// NewReconcileJob builds the sweep that drives stuck intents to a terminal state.
func NewReconcileJob(logg *logger.Logger, svc reconciler) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("intent service required")
	}
	return &reconcileJob{logg: logg, svc: svc}, nil
}

type reconcileJob struct {
	logg *logger.Logger
	svc  reconciler
}

func (j *reconcileJob) Name() string { return "payment-reconcile" }

func (j *reconcileJob) Run(ctx context.Context) error {
	summary, err := j.svc.ReconcileCompensationTargets(ctx)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":  summary.Scanned,
		"resolved": summary.Resolved,
		"canceled": summary.Canceled,
		"failed":   summary.Failed,
		"skipped":  summary.Skipped,
	})
	if summary.Scanned > 0 {
		j.logg.Info(logCtx, "payment reconcile sweep complete")
	}
	if err != nil {
		return fmt.Errorf("payment reconcile: %w", err)
	}
	return nil
}

// NewIntentExpiryJob builds the job that expires unpaid prepared intents.
func NewIntentExpiryJob(logg *logger.Logger, svc intentExpirer) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("intent service required")
	}
	return &intentExpiryJob{logg: logg, svc: svc}, nil
}

type intentExpiryJob struct {
	logg *logger.Logger
	svc  intentExpirer
}

func (j *intentExpiryJob) Name() string { return "payment-intent-expiry" }

func (j *intentExpiryJob) Run(ctx context.Context) error {
	if _, err := j.svc.ExpireStale(ctx); err != nil {
		return fmt.Errorf("intent expiry: %w", err)
	}
	return nil
}

// NewPayoutRetryJob builds the sweep that retries failed payouts whose backoff
// has elapsed. It backs up the delayed queue tasks.
func NewPayoutRetryJob(logg *logger.Logger, svc payoutRetrier) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("payout service required")
	}
	return &payoutRetryJob{logg: logg, svc: svc}, nil
}

type payoutRetryJob struct {
	logg *logger.Logger
	svc  payoutRetrier
}

func (j *payoutRetryJob) Name() string { return "payout-retry" }

func (j *payoutRetryJob) Run(ctx context.Context) error {
	visited, err := j.svc.RetryDue(ctx)
	if visited > 0 {
		j.logg.Info(j.logg.WithField(ctx, "visited", visited), "payout retry sweep complete")
	}
	if err != nil {
		return fmt.Errorf("payout retry: %w", err)
	}
	return nil
}

// NewRefundResumeJob builds the sweep that finishes refunds left in
// REFUND_REQUESTED by a crash between the gateway call and the outcome write.
func NewRefundResumeJob(logg *logger.Logger, svc refundResumer) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if svc == nil {
		return nil, fmt.Errorf("settlement service required")
	}
	return &refundResumeJob{logg: logg, svc: svc}, nil
}

type refundResumeJob struct {
	logg *logger.Logger
	svc  refundResumer
}

func (j *refundResumeJob) Name() string { return "refund-resume" }

func (j *refundResumeJob) Run(ctx context.Context) error {
	if _, err := j.svc.ResumeStaleRefunds(ctx); err != nil {
		return fmt.Errorf("refund resume: %w", err)
	}
	return nil
}

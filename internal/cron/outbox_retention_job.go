package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/logger"
)

const defaultOutboxRetention = 30 * 24 * time.Hour

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type publishedPruner interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time) (int64, error)
}

// NewOutboxRetentionJob prunes outbox rows that were published more than
// keep ago. Unpublished and parked rows are never touched.
func NewOutboxRetentionJob(logg *logger.Logger, db txRunner, rows publishedPruner, keep time.Duration) (Job, error) {
	switch {
	case logg == nil:
		return nil, errors.New("logger required")
	case db == nil:
		return nil, errors.New("db runner required")
	case rows == nil:
		return nil, errors.New("outbox repository required")
	}
	if keep <= 0 {
		keep = defaultOutboxRetention
	}
	return &outboxRetentionJob{logg: logg, db: db, rows: rows, keep: keep, now: time.Now}, nil
}

type outboxRetentionJob struct {
	logg *logger.Logger
	db   txRunner
	rows publishedPruner
	keep time.Duration
	now  func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.keep)
	var pruned int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) (err error) {
		pruned, err = j.rows.DeletePublishedBefore(tx, cutoff)
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	if pruned > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"cutoff": cutoff.Format(time.RFC3339),
			"pruned": pruned,
		}), "pruned published outbox events")
	}
	return nil
}

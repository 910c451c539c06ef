package payouts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// Repository persists payout rows and the settlement status they mirror onto
// payment transactions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Save(ctx context.Context, payout *models.PayoutTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error)
	LatestForPaymentForUpdate(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error)
	ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.PayoutTransaction, error)
	ListStaleRequested(ctx context.Context, cutoff time.Time, limit int) ([]models.PayoutTransaction, error)
	FindPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	UpdateSettlementStatus(ctx context.Context, paymentTransactionID uuid.UUID, status enums.SettlementStatus) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Save(ctx context.Context, payout *models.PayoutTransaction) error {
	return r.db.WithContext(ctx).Save(payout).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	var payout models.PayoutTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payout).Error; err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	var payout models.PayoutTransaction
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&payout).Error; err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) LatestForPaymentForUpdate(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error) {
	var payout models.PayoutTransaction
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_transaction_id = ?", paymentTransactionID).
		Order("created_at DESC").
		Take(&payout).Error; err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) ListDueRetries(ctx context.Context, now time.Time, maxRetries, limit int) ([]models.PayoutTransaction, error) {
	var rows []models.PayoutTransaction
	query := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			enums.SettlementStatusFailed, maxRetries, now).
		Order("next_retry_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListStaleRequested returns REQUESTED payouts whose last attempt started
// before cutoff.
func (r *repository) ListStaleRequested(ctx context.Context, cutoff time.Time, limit int) ([]models.PayoutTransaction, error) {
	var rows []models.PayoutTransaction
	query := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(last_retry_at, requested_at, created_at) < ?",
			enums.SettlementStatusRequested, cutoff).
		Order("COALESCE(last_retry_at, requested_at, created_at) ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) FindPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) UpdateSettlementStatus(ctx context.Context, paymentTransactionID uuid.UUID, status enums.SettlementStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ?", paymentTransactionID).
		Update("settlement_status", status).Error
}

package sellerprofiles

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// Repository persists seller payout profiles.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Save(ctx context.Context, profile *models.SellerPayoutProfile) error
	FindByUserAndProvider(ctx context.Context, userID int64, provider enums.PayoutProvider) (*models.SellerPayoutProfile, error)
	FindByUserAndProviderForUpdate(ctx context.Context, userID int64, provider enums.PayoutProvider) (*models.SellerPayoutProfile, error)
	FindByProviderSellerID(ctx context.Context, provider enums.PayoutProvider, providerSellerID string) (*models.SellerPayoutProfile, error)
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

func (r *repository) Save(ctx context.Context, profile *models.SellerPayoutProfile) error {
	return r.db.WithContext(ctx).Save(profile).Error
}

func (r *repository) FindByUserAndProvider(ctx context.Context, userID int64, provider enums.PayoutProvider) (*models.SellerPayoutProfile, error) {
	var profile models.SellerPayoutProfile
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repository) FindByUserAndProviderForUpdate(ctx context.Context, userID int64, provider enums.PayoutProvider) (*models.SellerPayoutProfile, error) {
	var profile models.SellerPayoutProfile
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repository) FindByProviderSellerID(ctx context.Context, provider enums.PayoutProvider, providerSellerID string) (*models.SellerPayoutProfile, error) {
	var profile models.SellerPayoutProfile
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_seller_id = ?", provider, providerSellerID).
		First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

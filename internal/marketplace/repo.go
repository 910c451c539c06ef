package marketplace

import (
	"context"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// socialProviders are the identity providers that count as verified.
var socialProviders = []string{"kakao", "naver"}

// Repository reads and writes the marketplace records the payment flow touches.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindPartyByID(ctx context.Context, id int64) (*models.Party, error)
	FindPartyByIDForUpdate(ctx context.Context, id int64) (*models.Party, error)
	AdjustParticipants(ctx context.Context, partyID int64, delta int) error
	FindApplicationByID(ctx context.Context, id int64) (*models.PartyApplication, error)
	FindApplicationByIDForUpdate(ctx context.Context, id int64) (*models.PartyApplication, error)
	FindApplicationByOrderID(ctx context.Context, orderID string) (*models.PartyApplication, error)
	FindApplicationByPartyAndApplicant(ctx context.Context, partyID, applicantID int64) (*models.PartyApplication, error)
	ListApplicationsByParty(ctx context.Context, partyID int64) ([]models.PartyApplication, error)
	ExistsRejectedApplication(ctx context.Context, partyID, applicantID int64) (bool, error)
	CountPendingApplications(ctx context.Context, partyID int64) (int64, error)
	CreateApplication(ctx context.Context, application *models.PartyApplication) error
	UpdateApplication(ctx context.Context, application *models.PartyApplication) error
	DeleteApplication(ctx context.Context, id int64) error
	HasSocialProvider(ctx context.Context, userID int64) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds the marketplace repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindPartyByID(ctx context.Context, id int64) (*models.Party, error) {
	var party models.Party
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&party).Error; err != nil {
		return nil, err
	}
	return &party, nil
}

func (r *repository) FindPartyByIDForUpdate(ctx context.Context, id int64) (*models.Party, error) {
	var party models.Party
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&party).Error; err != nil {
		return nil, err
	}
	return &party, nil
}

func (r *repository) AdjustParticipants(ctx context.Context, partyID int64, delta int) error {
	return r.db.WithContext(ctx).
		Model(&models.Party{}).
		Where("id = ?", partyID).
		Update("current_participants", gorm.Expr("current_participants + ?", delta)).Error
}

func (r *repository) FindApplicationByID(ctx context.Context, id int64) (*models.PartyApplication, error) {
	var application models.PartyApplication
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&application).Error; err != nil {
		return nil, err
	}
	return &application, nil
}

func (r *repository) FindApplicationByIDForUpdate(ctx context.Context, id int64) (*models.PartyApplication, error) {
	var application models.PartyApplication
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&application).Error; err != nil {
		return nil, err
	}
	return &application, nil
}

func (r *repository) FindApplicationByOrderID(ctx context.Context, orderID string) (*models.PartyApplication, error) {
	var application models.PartyApplication
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&application).Error; err != nil {
		return nil, err
	}
	return &application, nil
}

func (r *repository) FindApplicationByPartyAndApplicant(ctx context.Context, partyID, applicantID int64) (*models.PartyApplication, error) {
	var application models.PartyApplication
	if err := r.db.WithContext(ctx).
		Where("party_id = ? AND applicant_id = ?", partyID, applicantID).
		First(&application).Error; err != nil {
		return nil, err
	}
	return &application, nil
}

func (r *repository) ListApplicationsByParty(ctx context.Context, partyID int64) ([]models.PartyApplication, error) {
	var applications []models.PartyApplication
	if err := r.db.WithContext(ctx).
		Where("party_id = ?", partyID).
		Order("created_at ASC").
		Find(&applications).Error; err != nil {
		return nil, err
	}
	return applications, nil
}

func (r *repository) ExistsRejectedApplication(ctx context.Context, partyID, applicantID int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.PartyApplication{}).
		Where("party_id = ? AND applicant_id = ? AND is_rejected = ?", partyID, applicantID, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) CountPendingApplications(ctx context.Context, partyID int64) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.PartyApplication{}).
		Where("party_id = ? AND is_approved = ? AND is_rejected = ?", partyID, false, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) CreateApplication(ctx context.Context, application *models.PartyApplication) error {
	return r.db.WithContext(ctx).Create(application).Error
}

func (r *repository) UpdateApplication(ctx context.Context, application *models.PartyApplication) error {
	return r.db.WithContext(ctx).Save(application).Error
}

func (r *repository) DeleteApplication(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.PartyApplication{}).Error
}

func (r *repository) HasSocialProvider(ctx context.Context, userID int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.UserProvider{}).
		Where("user_id = ? AND LOWER(provider) IN ?", userID, socialProviders).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

package sellerprofiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

// ErrProfileMissing is returned when a seller has no usable id at a provider.
var ErrProfileMissing = errors.New("SELLER_PROFILE_MISSING")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service manages the seller ids payout providers route money to.
type Service interface {
	Upsert(ctx context.Context, input UpsertInput) (*models.SellerPayoutProfile, error)
	Get(ctx context.Context, userID int64, provider string) (*models.SellerPayoutProfile, error)
	RequiredProviderSellerID(ctx context.Context, userID int64, provider enums.PayoutProvider) (string, error)
}

// UpsertInput binds a seller to an id at a provider. Provider defaults to TOSS.
type UpsertInput struct {
	UserID           int64
	Provider         string
	ProviderSellerID string
	KYCStatus        *string
	Metadata         json.RawMessage
}

type service struct {
	repo Repository
	tx   txRunner
}

func NewService(repo Repository, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("seller profile repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx}, nil
}

func (s *service) Upsert(ctx context.Context, input UpsertInput) (*models.SellerPayoutProfile, error) {
	if input.UserID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "userId is required")
	}
	provider, err := normalizeProvider(input.Provider)
	if err != nil {
		return nil, err
	}
	sellerID := strings.TrimSpace(input.ProviderSellerID)
	if sellerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "providerSellerId is required")
	}

	var saved *models.SellerPayoutProfile
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		bound, err := repo.FindByProviderSellerID(ctx, provider, sellerID)
		switch {
		case err == nil && bound.UserID != input.UserID:
			return pkgerrors.New(pkgerrors.CodeConflict, "providerSellerId is already linked to another user")
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load seller profile")
		}

		profile, err := repo.FindByUserAndProviderForUpdate(ctx, input.UserID, provider)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load seller profile")
			}
			profile = &models.SellerPayoutProfile{UserID: input.UserID, Provider: provider}
		}
		profile.ProviderSellerID = sellerID
		profile.KYCStatus = input.KYCStatus
		profile.Metadata = input.Metadata
		if err := repo.Save(ctx, profile); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "providerSellerId is already linked to another user")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save seller profile")
		}
		saved = profile
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *service) Get(ctx context.Context, userID int64, provider string) (*models.SellerPayoutProfile, error) {
	normalized, err := normalizeProvider(provider)
	if err != nil {
		return nil, err
	}
	profile, err := s.repo.FindByUserAndProvider(ctx, userID, normalized)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "seller payout profile not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load seller profile")
	}
	return profile, nil
}

// RequiredProviderSellerID returns ErrProfileMissing when the seller has no
// non-blank id registered at provider.
func (s *service) RequiredProviderSellerID(ctx context.Context, userID int64, provider enums.PayoutProvider) (string, error) {
	profile, err := s.repo.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrProfileMissing
		}
		return "", fmt.Errorf("load seller profile: %w", err)
	}
	sellerID := strings.TrimSpace(profile.ProviderSellerID)
	if sellerID == "" {
		return "", ErrProfileMissing
	}
	return sellerID, nil
}

func normalizeProvider(value string) (enums.PayoutProvider, error) {
	if strings.TrimSpace(value) == "" {
		return enums.PayoutProviderToss, nil
	}
	provider, err := enums.ParsePayoutProvider(value)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported payout provider")
	}
	return provider, nil
}

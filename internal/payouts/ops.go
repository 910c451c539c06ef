package payouts

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

const statusRegistered = "REGISTERED"

// StatusChecker is implemented by gateways that can report a payout's state
// at the provider.
type StatusChecker interface {
	PayoutStatus(ctx context.Context, providerRef string) (*StatusResult, error)
}

// SellerRegistrar is implemented by gateways that onboard seller accounts.
type SellerRegistrar interface {
	RegisterSeller(ctx context.Context, reg SellerRegistration) (string, error)
}

// RegistrationResult is the provider's answer to a seller registration.
type RegistrationResult struct {
	UserID           int64                `json:"userId"`
	Provider         enums.PayoutProvider `json:"provider"`
	ProviderSellerID string               `json:"providerSellerId"`
	Status           string               `json:"status"`
}

func (SimGateway) PayoutStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StatusResult{ProviderRef: providerRef, Status: string(enums.SettlementStatusCompleted)}, nil
}

func (SimGateway) RegisterSeller(ctx context.Context, _ SellerRegistration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return statusRegistered, nil
}

// ProviderStatus asks the payout's provider for its current view. Payouts
// that never reached the provider have no reference to look up.
func (s *service) ProviderStatus(ctx context.Context, payoutID uuid.UUID) (*StatusResult, error) {
	payout, err := s.repo.FindByID(ctx, payoutID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payout")
	}
	if payout.ProviderRef == nil || strings.TrimSpace(*payout.ProviderRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payout has no provider reference").
			WithDetails(map[string]any{"status": string(payout.Status)})
	}
	gateway, err := s.registry.Resolve(payout.Provider)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payout provider unavailable")
	}
	checker, ok := gateway.(StatusChecker)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider does not report payout status")
	}
	result, err := checker.PayoutStatus(ctx, *payout.ProviderRef)
	if err != nil {
		return nil, gatewayFailure(err, "payout status lookup failed")
	}
	return result, nil
}

// RegisterSeller submits the seller's stored profile to the provider.
func (s *service) RegisterSeller(ctx context.Context, userID int64, provider string) (*RegistrationResult, error) {
	profile, err := s.sellers.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	sellerID := strings.TrimSpace(profile.ProviderSellerID)
	if sellerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seller profile has no provider seller id")
	}
	gateway, err := s.registry.Resolve(profile.Provider)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payout provider unavailable")
	}
	registrar, ok := gateway.(SellerRegistrar)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider does not register sellers")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"seller_id": userID,
		"provider":  string(profile.Provider),
	})
	status, err := registrar.RegisterSeller(ctx, SellerRegistration{
		ProviderSellerID: sellerID,
		KYCStatus:        profile.KYCStatus,
		Metadata:         profile.Metadata,
	})
	if err != nil {
		s.logg.Error(logCtx, "seller registration failed", err)
		return nil, gatewayFailure(err, "seller registration failed")
	}
	s.logg.Info(s.logg.WithField(logCtx, "status", status), "seller registered with payout provider")
	return &RegistrationResult{
		UserID:           userID,
		Provider:         profile.Provider,
		ProviderSellerID: sellerID,
		Status:           status,
	}, nil
}

func gatewayFailure(err error, msg string) error {
	details := map[string]any{}
	if gwErr, ok := AsGatewayError(err); ok {
		details["failureCode"] = gwErr.FailureCode
		if gwErr.StatusCode > 0 {
			details["providerStatus"] = gwErr.StatusCode
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeGateway, err, msg).WithDetails(details)
}

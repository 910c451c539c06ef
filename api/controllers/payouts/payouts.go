package payouts

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/api/middleware"
	"github.com/angelmondragon/mate-payments/api/responses"
	"github.com/angelmondragon/mate-payments/api/validators"
	payoutsvc "github.com/angelmondragon/mate-payments/internal/payouts"
	"github.com/angelmondragon/mate-payments/internal/sellerprofiles"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

type profileStore interface {
	Upsert(ctx context.Context, input sellerprofiles.UpsertInput) (*models.SellerPayoutProfile, error)
	Get(ctx context.Context, userID int64, provider string) (*models.SellerPayoutProfile, error)
}

type manualPayouts interface {
	RequestManualPayout(ctx context.Context, paymentTransactionID uuid.UUID) (*models.PayoutTransaction, error)
}

type upsertProfileRequest struct {
	Provider         string          `json:"provider" validate:"omitempty,oneof=SIM TOSS sim toss"`
	ProviderSellerID string          `json:"providerSellerId" validate:"required,max=200"`
	KYCStatus        *string         `json:"kycStatus,omitempty" validate:"omitempty,max=40"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

type profileResponse struct {
	ID               uuid.UUID            `json:"id"`
	UserID           int64                `json:"userId"`
	Provider         enums.PayoutProvider `json:"provider"`
	ProviderSellerID string               `json:"providerSellerId"`
	KYCStatus        *string              `json:"kycStatus,omitempty"`
	Metadata         json.RawMessage      `json:"metadata,omitempty"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

func newProfileResponse(profile *models.SellerPayoutProfile) profileResponse {
	return profileResponse{
		ID:               profile.ID,
		UserID:           profile.UserID,
		Provider:         profile.Provider,
		ProviderSellerID: profile.ProviderSellerID,
		KYCStatus:        profile.KYCStatus,
		Metadata:         profile.Metadata,
		UpdatedAt:        profile.UpdatedAt,
	}
}

// UpsertSellerProfile binds the caller to a seller id at a payout provider.
func UpsertSellerProfile(svc profileStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "seller profile service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())
		if userID <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		var body upsertProfileRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		profile, err := svc.Upsert(r.Context(), sellerprofiles.UpsertInput{
			UserID:           userID,
			Provider:         body.Provider,
			ProviderSellerID: body.ProviderSellerID,
			KYCStatus:        body.KYCStatus,
			Metadata:         body.Metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newProfileResponse(profile))
	}
}

// GetSellerProfile reads the caller's profile; ?provider= defaults to TOSS.
func GetSellerProfile(svc profileStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "seller profile service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())
		if userID <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		profile, err := svc.Get(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("provider")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newProfileResponse(profile))
	}
}

type payoutResponse struct {
	PayoutID             uuid.UUID              `json:"payoutId"`
	PaymentTransactionID uuid.UUID              `json:"paymentTransactionId"`
	SellerID             int64                  `json:"sellerId"`
	Provider             enums.PayoutProvider   `json:"provider"`
	RequestedAmount      int64                  `json:"requestedAmount"`
	Currency             enums.Currency         `json:"currency"`
	Status               enums.SettlementStatus `json:"status"`
	ProviderRef          *string                `json:"providerRef,omitempty"`
	RetryCount           int                    `json:"retryCount"`
	NextRetryAt          *time.Time             `json:"nextRetryAt,omitempty"`
	FailureCode          *string                `json:"failureCode,omitempty"`
	FailReason           *string                `json:"failReason,omitempty"`
	CompletedAt          *time.Time             `json:"completedAt,omitempty"`
}

// AdminRequestPayout forces a payout for a paid transaction that is still
// pending or failed.
func AdminRequestPayout(svc manualPayouts, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}

		raw := strings.TrimSpace(chi.URLParam(r, "paymentId"))
		paymentID, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payment id"))
			return
		}

		payout, err := svc.RequestManualPayout(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if payout == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "payout was not created"))
			return
		}

		responses.WriteSuccess(w, payoutResponse{
			PayoutID:             payout.ID,
			PaymentTransactionID: payout.PaymentTransactionID,
			SellerID:             payout.SellerID,
			Provider:             payout.Provider,
			RequestedAmount:      payout.RequestedAmount,
			Currency:             payout.Currency,
			Status:               payout.Status,
			ProviderRef:          payout.ProviderRef,
			RetryCount:           payout.RetryCount,
			NextRetryAt:          payout.NextRetryAt,
			FailureCode:          payout.FailureCode,
			FailReason:           payout.FailReason,
			CompletedAt:          payout.CompletedAt,
		})
	}
}

type payoutOps interface {
	ProviderStatus(ctx context.Context, payoutID uuid.UUID) (*payoutsvc.StatusResult, error)
	RegisterSeller(ctx context.Context, userID int64, provider string) (*payoutsvc.RegistrationResult, error)
}

type providerStatusResponse struct {
	PayoutID    uuid.UUID `json:"payoutId"`
	ProviderRef string    `json:"providerRef"`
	Status      string    `json:"status"`
	FailureCode string    `json:"failureCode,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// AdminPayoutStatus asks the payout provider for its view of a payout.
func AdminPayoutStatus(svc payoutOps, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		payoutID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "payoutId")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid payout id"))
			return
		}
		result, err := svc.ProviderStatus(r.Context(), payoutID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, providerStatusResponse{
			PayoutID:    payoutID,
			ProviderRef: result.ProviderRef,
			Status:      result.Status,
			FailureCode: result.FailureCode,
			Message:     result.Message,
		})
	}
}

// AdminRegisterSeller submits a seller's stored payout profile to the
// provider; ?provider= defaults to TOSS.
func AdminRegisterSeller(svc payoutOps, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout service unavailable"))
			return
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "userId")), 10, 64)
		if err != nil || userID <= 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid user id"))
			return
		}
		result, err := svc.RegisterSeller(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("provider")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

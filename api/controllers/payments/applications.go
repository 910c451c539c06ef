package payments

import (
	"context"
	"net/http"

	"github.com/angelmondragon/mate-payments/api/responses"
	"github.com/angelmondragon/mate-payments/api/validators"
	"github.com/angelmondragon/mate-payments/internal/checkout"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

// ApplicationService is the slice of checkout the application routes use.
type ApplicationService interface {
	GetApplication(ctx context.Context, applicationID, userID int64) (*checkout.ApplicationView, error)
	ListApplications(ctx context.Context, partyID, hostID int64) ([]checkout.ApplicationView, error)
	ApproveApplication(ctx context.Context, applicationID, hostID int64) (*checkout.ApplicationView, error)
	RejectApplication(ctx context.Context, applicationID, hostID int64) (*checkout.ApplicationView, error)
	CancelApplication(ctx context.Context, applicationID, applicantID int64, req settlement.CancelRequest) (*settlement.CancellationResult, error)
}

func GetApplication(svc ApplicationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "application service unavailable"))
			return
		}
		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		applicationID, err := int64Param(r, "applicationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.GetApplication(r.Context(), applicationID, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// ListPartyApplications returns every application to a party the caller hosts.
func ListPartyApplications(svc ApplicationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "application service unavailable"))
			return
		}
		hostID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		partyID, err := int64Param(r, "partyId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		views, err := svc.ListApplications(r.Context(), partyID, hostID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if views == nil {
			views = []checkout.ApplicationView{}
		}
		responses.WriteSuccess(w, views)
	}
}

func ApproveApplication(svc ApplicationService, logg *logger.Logger) http.HandlerFunc {
	return hostDecision(logg, func(ctx context.Context, applicationID, hostID int64) (*checkout.ApplicationView, error) {
		if svc == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "application service unavailable")
		}
		return svc.ApproveApplication(ctx, applicationID, hostID)
	})
}

func RejectApplication(svc ApplicationService, logg *logger.Logger) http.HandlerFunc {
	return hostDecision(logg, func(ctx context.Context, applicationID, hostID int64) (*checkout.ApplicationView, error) {
		if svc == nil {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "application service unavailable")
		}
		return svc.RejectApplication(ctx, applicationID, hostID)
	})
}

func hostDecision(logg *logger.Logger, decide func(ctx context.Context, applicationID, hostID int64) (*checkout.ApplicationView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hostID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		applicationID, err := int64Param(r, "applicationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := decide(r.Context(), applicationID, hostID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

type cancelApplicationRequest struct {
	ReasonType *enums.CancelReasonType `json:"reasonType,omitempty" validate:"omitempty,oneof=BUYER_CHANGED_MIND SELLER_CHANGED_MIND SYSTEM OTHER"`
	Memo       *string                 `json:"memo,omitempty" validate:"omitempty,max=500"`
}

// CancelApplication withdraws the caller's paid application and refunds per policy.
func CancelApplication(svc ApplicationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "application service unavailable"))
			return
		}
		applicantID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		applicationID, err := int64Param(r, "applicationId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body cancelApplicationRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		if body.Memo != nil {
			memo := validators.SanitizeString(*body.Memo, 500)
			body.Memo = &memo
		}

		result, err := svc.CancelApplication(r.Context(), applicationID, applicantID, settlement.CancelRequest{
			ReasonType:  body.ReasonType,
			Memo:        body.Memo,
			ActorUserID: applicantID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

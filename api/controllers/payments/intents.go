package payments

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/api/responses"
	"github.com/angelmondragon/mate-payments/api/validators"
	"github.com/angelmondragon/mate-payments/internal/checkout"
	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

type intentPreparer interface {
	Prepare(ctx context.Context, input intents.PrepareInput) (*intents.PrepareResult, error)
}

type intentCanceler interface {
	CancelIntent(ctx context.Context, intentID uuid.UUID, userID int64, reason string) (enums.IntentStatus, error)
}

type paymentConfirmer interface {
	Confirm(ctx context.Context, input checkout.ConfirmInput) (*checkout.ConfirmResult, error)
}

type prepareRequest struct {
	PartyID             int64           `json:"partyId" validate:"required,gt=0"`
	FlowType            *enums.FlowType `json:"flowType,omitempty" validate:"omitempty,oneof=DEPOSIT SELLING_FULL"`
	CancelPolicyVersion *string         `json:"cancelPolicyVersion,omitempty" validate:"omitempty,max=40"`
}

type prepareResponse struct {
	IntentID            uuid.UUID         `json:"intentId"`
	OrderID             string            `json:"orderId"`
	Amount              int64             `json:"amount"`
	Currency            enums.Currency    `json:"currency"`
	OrderName           string            `json:"orderName"`
	FlowType            enums.FlowType    `json:"flowType"`
	PaymentType         enums.PaymentType `json:"paymentType"`
	CancelPolicyVersion *string           `json:"cancelPolicyVersion,omitempty"`
	ExpiresAt           time.Time         `json:"expiresAt"`
}

// PrepareIntent opens a payment intent for the caller's application to a party.
func PrepareIntent(svc intentPreparer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "intent service unavailable"))
			return
		}

		applicantID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body prepareRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Prepare(r.Context(), intents.PrepareInput{
			PartyID:             body.PartyID,
			ApplicantID:         applicantID,
			FlowType:            body.FlowType,
			CancelPolicyVersion: body.CancelPolicyVersion,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, prepareResponse{
			IntentID:            result.IntentID,
			OrderID:             result.OrderID,
			Amount:              result.Amount,
			Currency:            result.Currency,
			OrderName:           result.OrderName,
			FlowType:            result.FlowType,
			PaymentType:         result.PaymentType,
			CancelPolicyVersion: result.CancelPolicyVersion,
			ExpiresAt:           result.ExpiresAt,
		})
	}
}

type confirmRequest struct {
	IntentID            *uuid.UUID         `json:"intentId,omitempty"`
	OrderID             string             `json:"orderId" validate:"required,max=64"`
	PaymentKey          string             `json:"paymentKey" validate:"required,max=200"`
	Amount              *int64             `json:"amount,omitempty" validate:"omitempty,gt=0"`
	PartyID             *int64             `json:"partyId,omitempty" validate:"omitempty,gt=0"`
	PaymentType         *enums.PaymentType `json:"paymentType,omitempty" validate:"omitempty,oneof=DEPOSIT FULL"`
	FlowType            *enums.FlowType    `json:"flowType,omitempty" validate:"omitempty,oneof=DEPOSIT SELLING_FULL"`
	CancelPolicyVersion *string            `json:"cancelPolicyVersion,omitempty" validate:"omitempty,max=40"`
	Message             string             `json:"message" validate:"max=500"`
}

// ConfirmPayment confirms the gateway payment and creates the paid application.
// A replayed confirm answers 200 with the existing application.
func ConfirmPayment(svc paymentConfirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		applicantID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body confirmRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Confirm(r.Context(), checkout.ConfirmInput{
			IntentID:            body.IntentID,
			OrderID:             body.OrderID,
			PaymentKey:          body.PaymentKey,
			Amount:              body.Amount,
			PartyID:             body.PartyID,
			PaymentType:         body.PaymentType,
			FlowType:            body.FlowType,
			CancelPolicyVersion: body.CancelPolicyVersion,
			Message:             validators.SanitizeString(body.Message, 500),
			ApplicantID:         applicantID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, result)
	}
}

type cancelIntentRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type cancelIntentResponse struct {
	IntentID uuid.UUID          `json:"intentId"`
	Status   enums.IntentStatus `json:"status"`
}

// CancelIntent abandons an intent the caller owns before an application exists.
func CancelIntent(svc intentCanceler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "intent service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		intentID, err := uuidParam(r, "intentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body cancelIntentRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		status, err := svc.CancelIntent(r.Context(), intentID, userID, validators.SanitizeString(body.Reason, 200))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, cancelIntentResponse{IntentID: intentID, Status: status})
	}
}

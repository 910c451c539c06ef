package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/api/middleware"
	"github.com/angelmondragon/mate-payments/internal/checkout"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

type stubConfirmer struct {
	result *checkout.ConfirmResult
	err    error
	input  checkout.ConfirmInput
}

func (s *stubConfirmer) Confirm(_ context.Context, input checkout.ConfirmInput) (*checkout.ConfirmResult, error) {
	s.input = input
	return s.result, s.err
}

type stubCanceler struct {
	status enums.IntentStatus
	err    error
	reason string
}

func (s *stubCanceler) CancelIntent(_ context.Context, _ uuid.UUID, _ int64, reason string) (enums.IntentStatus, error) {
	s.reason = reason
	return s.status, s.err
}

type stubApplications struct {
	ApplicationService
	cancelReq settlement.CancelRequest
	cancelID  int64
}

func (s *stubApplications) CancelApplication(_ context.Context, applicationID, _ int64, req settlement.CancelRequest) (*settlement.CancellationResult, error) {
	s.cancelID = applicationID
	s.cancelReq = req
	return &settlement.CancellationResult{ApplicationID: applicationID, RefundAmount: 9000, FeeCharged: 1000, RefundPolicy: "PARTIAL_REFUND"}, nil
}

func withCaller(req *http.Request, userID int64, params map[string]string) *http.Request {
	rc := chi.NewRouteContext()
	for key, value := range params {
		rc.URLParams.Add(key, value)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rc)
	return req.WithContext(middleware.WithUserID(ctx, userID))
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error.Code
}

func TestConfirmPaymentStatusReflectsCreation(t *testing.T) {
	svc := &stubConfirmer{result: &checkout.ConfirmResult{Application: checkout.ApplicationView{ID: 3}, Created: true}}
	handler := ConfirmPayment(svc, nil)

	body := `{"orderId":"mate_1","paymentKey":"pk_1","amount":10000,"message":"  hi  "}`
	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(body)), 11, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.Code)
	}
	if svc.input.ApplicantID != 11 || svc.input.Message != "hi" {
		t.Fatalf("unexpected confirm input %+v", svc.input)
	}
	if svc.input.Amount == nil || *svc.input.Amount != 10000 {
		t.Fatal("expected amount forwarded")
	}

	svc.result.Created = false
	req = withCaller(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(body)), 11, nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay got %d", resp.Code)
	}
}

func TestConfirmPaymentValidatesBody(t *testing.T) {
	svc := &stubConfirmer{}
	handler := ConfirmPayment(svc, nil)

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(`{"orderId":"mate_1"}`)), 11, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if code := errorCode(t, resp.Body.Bytes()); code != string(pkgerrors.CodeValidation) {
		t.Fatalf("expected validation code got %s", code)
	}
}

func TestConfirmPaymentSurfacesPaymentErrors(t *testing.T) {
	svc := &stubConfirmer{err: pkgerrors.New(pkgerrors.CodeAmountChanged, "amount changed")}
	handler := ConfirmPayment(svc, nil)

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(`{"orderId":"mate_1","paymentKey":"pk"}`)), 11, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if code := errorCode(t, resp.Body.Bytes()); code != string(pkgerrors.CodeAmountChanged) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeAmountChanged, code)
	}
}

func TestConfirmPaymentRequiresCaller(t *testing.T) {
	handler := ConfirmPayment(&stubConfirmer{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/confirm", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestCancelIntentAllowsEmptyBody(t *testing.T) {
	svc := &stubCanceler{status: enums.IntentStatusCanceled}
	handler := CancelIntent(svc, nil)
	intentID := uuid.New()

	req := withCaller(httptest.NewRequest(http.MethodPost, "/", nil), 4, map[string]string{"intentId": intentID.String()})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.reason != "" {
		t.Fatalf("expected empty reason got %q", svc.reason)
	}

	req = withCaller(httptest.NewRequest(http.MethodPost, "/", nil), 4, map[string]string{"intentId": "nope"})
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id got %d", resp.Code)
	}
}

func TestCancelApplicationForwardsReason(t *testing.T) {
	svc := &stubApplications{}
	handler := CancelApplication(svc, nil)

	body := `{"reasonType":"BUYER_CHANGED_MIND","memo":" changed plans "}`
	req := withCaller(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), 8, map[string]string{"applicationId": "21"})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.cancelID != 21 || svc.cancelReq.ActorUserID != 8 {
		t.Fatalf("unexpected cancel call id=%d req=%+v", svc.cancelID, svc.cancelReq)
	}
	if svc.cancelReq.ReasonType == nil || *svc.cancelReq.ReasonType != enums.CancelReasonBuyerChangedMind {
		t.Fatal("expected reason type forwarded")
	}
	if svc.cancelReq.Memo == nil || *svc.cancelReq.Memo != "changed plans" {
		t.Fatal("expected trimmed memo")
	}

	req = withCaller(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reasonType":"BORED"}`)), 8, map[string]string{"applicationId": "21"})
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown reason got %d", resp.Code)
	}
}

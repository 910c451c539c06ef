package responses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body ErrorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestWriteSuccessStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusCreated, map[string]string{"intentId": "abc"})

	require.Equal(t, http.StatusCreated, w.Code)
	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "abc", body.Data["intentId"])
}

func TestWriteErrorExposesClientMessageAndDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeAmountChanged, "party fee changed").
		WithDetails(map[string]any{"expected": 10000, "current": 12000})
	WriteError(context.Background(), nil, w, fmt.Errorf("prepare: %w", err))

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeError(t, w)
	require.Equal(t, string(pkgerrors.CodeAmountChanged), body.Code)
	require.Equal(t, "party fee changed", body.Message)
	require.NotNil(t, body.Details)
}

func TestWriteErrorHidesInternalText(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(context.Background(), nil, w, errors.New("pq: relation does not exist"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	require.Equal(t, string(pkgerrors.CodeInternal), body.Code)
	require.Equal(t, "internal server error", body.Message)
	require.Nil(t, body.Details)
}

func TestWriteErrorUsesCatalogMessageForGatewayErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(context.Background(), nil, w, pkgerrors.New(pkgerrors.CodeGateway, "toss returned 500 for pk_123"))

	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decodeError(t, w)
	require.Equal(t, "payment gateway error", body.Message)
}

func TestWriteErrorDropsDetailsWhenNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeTampering, "amount mismatch").WithDetails(map[string]any{"reported": 1})
	WriteError(context.Background(), nil, w, err)

	body := decodeError(t, w)
	require.Equal(t, "payment amount mismatch", body.Message)
	require.Nil(t, body.Details)
}

func TestErrorFieldsIncludeStatus(t *testing.T) {
	fields := errorFields(pkgerrors.New(pkgerrors.CodeRateLimit, "slow down"))
	require.Equal(t, http.StatusTooManyRequests, fields["http_status"])
	require.NotContains(t, fields, "pg_code")
}

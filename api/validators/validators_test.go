package validators

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

type cancelBody struct {
	Reason string `json:"reason" validate:"required,max=10"`
	Mode   string `json:"mode" validate:"omitempty,oneof=FULL PARTIAL"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

func decode(body string) (cancelBody, error) {
	var dest cancelBody
	err := DecodeJSONBody(httptest.NewRequest("POST", "/", strings.NewReader(body)), &dest)
	return dest, err
}

func TestDecodeJSONBody(t *testing.T) {
	got, err := decode(`{"reason":"no show","amount":1000}`)
	require.NoError(t, err)
	require.Equal(t, cancelBody{Reason: "no show", Amount: 1000}, got)
}

func TestDecodeJSONBodyRejects(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"unknown field": `{"reason":"x","amount":1,"extra":true}`,
		"trailing":      `{"reason":"x","amount":1}{"reason":"y"}`,
		"wrong type":    `{"reason":"x","amount":"1"}`,
		"too large":     `{"reason":"` + strings.Repeat("a", MaxBodyBytes) + `","amount":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(body)
			require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestValidationDetailsUseJSONNames(t *testing.T) {
	_, err := decode(`{"reason":"far too long a reason","mode":"HALF","amount":0}`)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	require.Equal(t, "must be at most 10 characters", details["reason"])
	require.Equal(t, "must be one of: FULL, PARTIAL", details["mode"])
	require.Equal(t, "must be greater than 0", details["amount"])
}

func TestSanitizeString(t *testing.T) {
	require.Equal(t, "hello", SanitizeString("  hello \t", 0))
	require.Equal(t, "ab", SanitizeString("a\x00b", 10))
	require.Equal(t, "잠실 직관", SanitizeString("잠실 직관 같이 가요", 5))
	require.Equal(t, "line1\nline2", SanitizeString("line1\nline2", 0))
}

func TestQueryParams(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=20&aggregateId=6f1c2a9e-5b1d-4d0e-9a43-3f2b7c1d8e55", nil)
	limit, err := QueryInt(req, "limit", 50, 1, 500)
	require.NoError(t, err)
	require.Equal(t, 20, limit)
	id, err := QueryUUID(req, "aggregateId")
	require.NoError(t, err)
	require.Equal(t, "6f1c2a9e-5b1d-4d0e-9a43-3f2b7c1d8e55", id.String())

	empty := httptest.NewRequest("GET", "/", nil)
	limit, err = QueryInt(empty, "limit", 50, 1, 500)
	require.NoError(t, err)
	require.Equal(t, 50, limit)

	for _, target := range []string{"/?limit=abc", "/?limit=0", "/?limit=501"} {
		_, err := QueryInt(httptest.NewRequest("GET", target, nil), "limit", 50, 1, 500)
		require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), target)
	}
	_, err = QueryUUID(httptest.NewRequest("GET", "/?aggregateId=x", nil), "aggregateId")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

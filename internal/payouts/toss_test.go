package payouts

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

type capturedRequest struct {
	method         string
	path           string
	secret         string
	mode           string
	idempotencyKey string
	body           []byte
	readErr        error
}

func newTossServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.secret = r.Header.Get("TossPayments-Api-Secret")
		captured.mode = r.Header.Get("TossPayments-api-security-mode")
		captured.idempotencyKey = r.Header.Get("Idempotency-Key")
		captured.body, captured.readErr = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func plainConfig(baseURL string) config.TossPayoutConfig {
	return config.TossPayoutConfig{
		SecretKey:          "test_sk",
		BaseURL:            baseURL,
		RequestPath:        "/v2/payouts",
		StatusPath:         "/v2/payouts/{payoutId}",
		SellerRegisterPath: "/v2/sellers",
		SecurityMode:       "NONE",
	}
}

func payoutRequest() Request {
	return Request{
		IdempotencyKey:       "payout-test-0",
		PaymentTransactionID: uuid.New(),
		OrderID:              "MATE-1-7-1700000000000",
		SellerID:             900,
		ProviderSellerID:     "toss-seller-900",
		Amount:               30000,
		Currency:             enums.CurrencyKRW,
	}
}

func TestTossGatewayRequestPayout(t *testing.T) {
	server, captured := newTossServer(t, http.StatusOK, `{"payoutId":"po_123","status":"REQUESTED"}`)
	gateway, err := NewTossGateway(plainConfig(server.URL))
	require.NoError(t, err)

	result, err := gateway.RequestPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	require.Equal(t, "po_123", result.ProviderRef)
	require.Equal(t, "REQUESTED", result.Status)

	require.NoError(t, captured.readErr)
	require.Equal(t, http.MethodPost, captured.method)
	require.Equal(t, "/v2/payouts", captured.path)
	require.Equal(t, "test_sk", captured.secret)
	require.Equal(t, "NONE", captured.mode)
	require.Equal(t, "payout-test-0", captured.idempotencyKey)

	var body map[string]any
	require.NoError(t, json.Unmarshal(captured.body, &body))
	require.Equal(t, "toss-seller-900", body["sellerId"])
	require.Equal(t, float64(30000), body["amount"])
	require.Equal(t, "MATE-1-7-1700000000000", body["orderId"])
}

func TestTossGatewayProviderRefFallbacks(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{"id", `{"id":"id_1"}`, "id_1"},
		{"payout key", `{"payoutKey":"key_1"}`, "key_1"},
		{"provider ref", `{"providerRef":"ref_1"}`, "ref_1"},
		{"numeric id", `{"id":42}`, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := newTossServer(t, http.StatusOK, tc.response)
			gateway, err := NewTossGateway(plainConfig(server.URL))
			require.NoError(t, err)

			result, err := gateway.RequestPayout(context.Background(), payoutRequest())
			require.NoError(t, err)
			require.Equal(t, tc.want, result.ProviderRef)
			require.Equal(t, "REQUESTED", result.Status)
		})
	}
}

func TestTossGatewayFailures(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		response string
		code     string
	}{
		{"provider code", http.StatusBadRequest, `{"code":"INVALID_SELLER","message":"unknown seller"}`, "INVALID_SELLER"},
		{"no code", http.StatusInternalServerError, `oops`, FailureRequestFailed},
		{"empty body", http.StatusOK, ``, FailureEmptyResponse},
		{"no reference", http.StatusOK, `{"status":"REQUESTED"}`, FailureNoProviderRef},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := newTossServer(t, tc.status, tc.response)
			gateway, err := NewTossGateway(plainConfig(server.URL))
			require.NoError(t, err)

			_, err = gateway.RequestPayout(context.Background(), payoutRequest())
			gwErr, ok := AsGatewayError(err)
			require.True(t, ok)
			require.Equal(t, tc.code, gwErr.FailureCode)
		})
	}
}

func TestTossGatewayEncryptsPayload(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	require.NoError(t, err)
	publicPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	server, captured := newTossServer(t, http.StatusOK, `{"payoutId":"po_sealed"}`)
	cfg := plainConfig(server.URL)
	cfg.SecurityMode = ""
	cfg.PublicKeyPEM = publicPEM
	gateway, err := NewTossGateway(cfg)
	require.NoError(t, err)

	_, err = gateway.RequestPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	require.Equal(t, "ENCRYPTION", captured.mode)

	var envelope struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(captured.body, &envelope))
	object, err := jose.ParseEncrypted(envelope.Payload,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A128GCM})
	require.NoError(t, err)
	plaintext, err := object.Decrypt(private)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &body))
	require.Equal(t, "toss-seller-900", body["sellerId"])
}

func TestNewTossGatewayRequiresKeys(t *testing.T) {
	_, err := NewTossGateway(config.TossPayoutConfig{})
	require.Error(t, err)

	_, err = NewTossGateway(config.TossPayoutConfig{SecretKey: "sk"})
	require.Error(t, err)
}

func TestTossGatewayPayoutStatus(t *testing.T) {
	server, captured := newTossServer(t, http.StatusOK, `{"status":"COMPLETED"}`)
	gateway, err := NewTossGateway(plainConfig(server.URL), WithTossHTTPClient(server.Client()))
	require.NoError(t, err)

	result, err := gateway.PayoutStatus(context.Background(), "po_123")
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", result.Status)
	require.Equal(t, http.MethodGet, captured.method)
	require.Equal(t, "/v2/payouts/po_123", captured.path)
}

func TestTossGatewayPayoutStatusReportsProviderFailure(t *testing.T) {
	server, _ := newTossServer(t, http.StatusNotFound, `{"code":"NOT_FOUND_PAYOUT"}`)
	gateway, err := NewTossGateway(plainConfig(server.URL))
	require.NoError(t, err)

	result, err := gateway.PayoutStatus(context.Background(), "po_404")
	require.NoError(t, err)
	require.Equal(t, "FAILED", result.Status)
	require.Equal(t, "NOT_FOUND_PAYOUT", result.FailureCode)
}

func TestTossGatewayRegisterSeller(t *testing.T) {
	server, captured := newTossServer(t, http.StatusOK, `{"status":"PENDING_KYC"}`)
	gateway, err := NewTossGateway(plainConfig(server.URL))
	require.NoError(t, err)

	kyc := "VERIFIED"
	status, err := gateway.RegisterSeller(context.Background(), SellerRegistration{ProviderSellerID: "seller-1", KYCStatus: &kyc})
	require.NoError(t, err)
	require.Equal(t, "PENDING_KYC", status)
	require.Equal(t, "/v2/sellers", captured.path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(captured.body, &body))
	require.Equal(t, "seller-1", body["sellerId"])
	require.Equal(t, "VERIFIED", body["kycStatus"])

	failing, _ := newTossServer(t, http.StatusBadRequest, `{"code":"INVALID_SELLER"}`)
	gateway, err = NewTossGateway(plainConfig(failing.URL))
	require.NoError(t, err)
	_, err = gateway.RegisterSeller(context.Background(), SellerRegistration{ProviderSellerID: "seller-1"})
	gwErr, ok := AsGatewayError(err)
	require.True(t, ok)
	require.Equal(t, "INVALID_SELLER", gwErr.FailureCode)
}

func TestRegistryResolve(t *testing.T) {
	sim := NewSimGateway()
	registry := NewRegistry(sim, nil)

	gateway, err := registry.Resolve("sim")
	require.NoError(t, err)
	require.Equal(t, enums.PayoutProviderSim, gateway.Provider())

	_, err = registry.Resolve(enums.PayoutProviderToss)
	require.ErrorContains(t, err, "registered: SIM")

	result, err := gateway.RequestPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	require.Contains(t, result.ProviderRef, "SIM-")
}

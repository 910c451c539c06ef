package payouts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/enums"
)

const (
	securityModeEncryption = "ENCRYPTION"
	tossPayoutReadLimit    = 64 * 1024
)

var providerRefFields = []string{"payoutId", "id", "payoutKey", "providerRef"}

// TossGateway calls the Toss Payments seller payout API.
type TossGateway struct {
	httpClient   *http.Client
	cfg          config.TossPayoutConfig
	securityMode string
	encrypter    *PayloadEncrypter
}

// TossOption configures the Toss payout gateway.
type TossOption func(*TossGateway)

func WithTossHTTPClient(client *http.Client) TossOption {
	return func(g *TossGateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// NewTossGateway builds the gateway. ENCRYPTION mode, the default, requires a
// public key.
func NewTossGateway(cfg config.TossPayoutConfig, opts ...TossOption) (*TossGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("toss payout secret key required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	mode := strings.ToUpper(strings.TrimSpace(cfg.SecurityMode))
	if mode == "" {
		mode = securityModeEncryption
	}
	gateway := &TossGateway{
		httpClient:   &http.Client{Timeout: timeout},
		cfg:          cfg,
		securityMode: mode,
	}
	if mode == securityModeEncryption {
		encrypter, err := NewPayloadEncrypter(cfg.PublicKeyPEM, cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		gateway.encrypter = encrypter
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway, nil
}

func (g *TossGateway) Provider() enums.PayoutProvider { return enums.PayoutProviderToss }

func (g *TossGateway) RequestPayout(ctx context.Context, req Request) (*Result, error) {
	payload := map[string]any{
		"sellerId":             req.ProviderSellerID,
		"amount":               req.Amount,
		"currency":             req.Currency,
		"orderId":              req.OrderID,
		"paymentTransactionId": req.PaymentTransactionID.String(),
	}
	status, body, err := g.send(ctx, http.MethodPost, g.cfg.RequestPath, payload, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &GatewayError{
			Message:     fmt.Sprintf("toss payout request failed: %d", status),
			FailureCode: parseFailureCode(body),
			StatusCode:  status,
		}
	}
	fields, err := decodeObject(body)
	if err != nil {
		return nil, &GatewayError{Message: err.Error(), FailureCode: FailureRequestFailed, StatusCode: http.StatusBadGateway}
	}
	if fields == nil {
		return nil, &GatewayError{Message: "toss payout response was empty", FailureCode: FailureEmptyResponse, StatusCode: status}
	}
	ref := providerRef(fields)
	if ref == "" {
		return nil, &GatewayError{Message: "toss payout response has no provider reference", FailureCode: FailureNoProviderRef, StatusCode: http.StatusBadGateway}
	}
	return &Result{ProviderRef: ref, Status: stringField(fields, "status", "REQUESTED")}, nil
}

// StatusResult is the provider's view of a payout.
type StatusResult struct {
	ProviderRef string
	Status      string
	FailureCode string
	Message     string
}

// PayoutStatus looks up a payout by provider reference. Provider error
// responses are reported as a FAILED status rather than an error.
func (g *TossGateway) PayoutStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	path := strings.ReplaceAll(g.cfg.StatusPath, "{payoutId}", url.PathEscape(providerRef))
	status, body, err := g.send(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return &StatusResult{ProviderRef: providerRef, Status: "FAILED", FailureCode: parseFailureCode(body), Message: string(body)}, nil
	}
	fields, err := decodeObject(body)
	if err != nil || fields == nil {
		return &StatusResult{ProviderRef: providerRef, Status: "UNKNOWN", FailureCode: FailureEmptyResponse, Message: "empty payout status response"}, nil
	}
	return &StatusResult{ProviderRef: providerRef, Status: stringField(fields, "status", "UNKNOWN")}, nil
}

// SellerRegistration registers a seller id with the provider.
type SellerRegistration struct {
	ProviderSellerID string
	KYCStatus        *string
	Metadata         json.RawMessage
}

// RegisterSeller returns the provider's registration status, REGISTERED when
// the response carries none.
func (g *TossGateway) RegisterSeller(ctx context.Context, reg SellerRegistration) (string, error) {
	payload := map[string]any{
		"sellerId":  reg.ProviderSellerID,
		"kycStatus": reg.KYCStatus,
		"metadata":  reg.Metadata,
	}
	status, body, err := g.send(ctx, http.MethodPost, g.cfg.SellerRegisterPath, payload, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &GatewayError{
			Message:     fmt.Sprintf("toss seller registration failed: %d", status),
			FailureCode: parseFailureCode(body),
			StatusCode:  status,
		}
	}
	fields, err := decodeObject(body)
	if err != nil || fields == nil {
		return "REGISTERED", nil
	}
	return stringField(fields, "status", "REGISTERED"), nil
}

func (g *TossGateway) send(ctx context.Context, method, path string, payload any, idempotencyKey string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := g.requestBody(payload)
		if err != nil {
			return 0, nil, &GatewayError{Message: err.Error(), FailureCode: FailureRequestFailed}
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(g.cfg.BaseURL, path), reader)
	if err != nil {
		return 0, nil, &GatewayError{Message: err.Error(), FailureCode: FailureRequestFailed}
	}
	req.Header.Set("TossPayments-Api-Secret", g.cfg.SecretKey)
	req.Header.Set("TossPayments-api-security-mode", g.securityMode)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, &GatewayError{Message: "toss payout request error: " + err.Error(), FailureCode: FailureRequestFailed}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, tossPayoutReadLimit))
	if err != nil {
		return 0, nil, &GatewayError{Message: "read toss payout response: " + err.Error(), FailureCode: FailureRequestFailed, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, raw, nil
}

func (g *TossGateway) requestBody(payload any) ([]byte, error) {
	if g.securityMode != securityModeEncryption {
		return json.Marshal(payload)
	}
	sealed, err := g.encrypter.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"payload": sealed})
}

func joinURL(base, path string) string {
	base = strings.TrimSpace(base)
	path = strings.TrimSpace(path)
	switch {
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

// decodeObject returns nil fields for an empty body.
func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode toss payout response: %w", err)
	}
	return fields, nil
}

func providerRef(fields map[string]any) string {
	for _, name := range providerRefFields {
		if value, ok := fields[name]; ok && value != nil {
			if ref := strings.TrimSpace(fmt.Sprint(value)); ref != "" {
				return ref
			}
		}
	}
	return ""
}

func stringField(fields map[string]any, name, fallback string) string {
	value, ok := fields[name]
	if !ok || value == nil {
		return fallback
	}
	return fmt.Sprint(value)
}

func parseFailureCode(body []byte) string {
	var payload struct {
		Code string `json:"code"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &payload) != nil || strings.TrimSpace(payload.Code) == "" {
		return FailureRequestFailed
	}
	return strings.TrimSpace(payload.Code)
}

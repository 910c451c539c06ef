package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

const (
	defaultBaseURL             = "https://api.tosspayments.com"
	responseBodyReadLimit int64 = 64 * 1024

	StatusDone = "DONE"
)

// Client calls the Toss Payments card API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
	mode       enums.PaymentMode
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

// WithTimeout sets the HTTP timeout of the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 && c.httpClient != nil {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a client. In DIRECT_TRADE mode every call fails with
// PAYMENT_DISABLED without touching the network.
func NewClient(secretKey string, mode enums.PaymentMode, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(secretKey)
	if key == "" && mode != enums.PaymentModeDirectTrade {
		return nil, fmt.Errorf("toss secret key is required in %s mode", mode)
	}
	client := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		secretKey:  key,
		mode:       mode,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Payment mirrors the subset of the payment object this service reads.
type Payment struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	Method      string `json:"method"`
}

// CancelResult is the cancel response.
type CancelResult struct {
	PaymentKey  string `json:"paymentKey"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
}

type confirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type cancelRequest struct {
	CancelReason string `json:"cancelReason"`
	CancelAmount int64  `json:"cancelAmount"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Confirm captures an authorized payment.
func (c *Client) Confirm(ctx context.Context, paymentKey, orderID string, amount int64) (*Payment, error) {
	if err := c.ensureEnabled(); err != nil {
		return nil, err
	}
	var payment Payment
	body := confirmRequest{PaymentKey: paymentKey, OrderID: orderID, Amount: amount}
	if err := c.do(ctx, http.MethodPost, "/v1/payments/confirm", body, &payment); err != nil {
		return nil, err
	}
	if payment.PaymentKey == "" || payment.OrderID == "" {
		return nil, &Error{Status: http.StatusBadGateway, Message: "confirm response missing paymentKey or orderId"}
	}
	return &payment, nil
}

// Cancel cancels amount of a captured payment.
func (c *Client) Cancel(ctx context.Context, paymentKey, reason string, amount int64) (*CancelResult, error) {
	if err := c.ensureEnabled(); err != nil {
		return nil, err
	}
	var result CancelResult
	path := fmt.Sprintf("/v1/payments/%s/cancel", url.PathEscape(paymentKey))
	if err := c.do(ctx, http.MethodPost, path, cancelRequest{CancelReason: reason, CancelAmount: amount}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPayment fetches the current payment state.
func (c *Client) GetPayment(ctx context.Context, paymentKey string) (*Payment, error) {
	if err := c.ensureEnabled(); err != nil {
		return nil, err
	}
	var payment Payment
	path := fmt.Sprintf("/v1/payments/%s", url.PathEscape(paymentKey))
	if err := c.do(ctx, http.MethodGet, path, nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) ensureEnabled() error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "toss client not configured")
	}
	if c.mode == enums.PaymentModeDirectTrade {
		return pkgerrors.New(pkgerrors.CodePaymentDisabled, "in-app payment is disabled in direct trade mode")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal toss request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build toss request: %w", err)
	}
	req.Header.Set("Authorization", c.authorization())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("read toss response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("decode toss response: %v", err)}
	}
	return nil
}

func (c *Client) authorization() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.secretKey+":"))
}

func parseError(status int, raw []byte) *Error {
	tossErr := &Error{Status: status, Message: http.StatusText(status)}
	var body errorBody
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		tossErr.Code = strings.TrimSpace(body.Code)
		if strings.TrimSpace(body.Message) != "" {
			tossErr.Message = body.Message
		}
	}
	return tossErr
}

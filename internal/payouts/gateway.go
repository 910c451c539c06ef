package payouts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// Failure codes recorded on payout rows.
const (
	FailureSellerProfileMissing = "SELLER_PROFILE_MISSING"
	FailurePayoutDisabled       = "PAYMENT_PAYOUT_DISABLED"
	FailureEmptyResponse        = "TOSS_PAYOUT_EMPTY_RESPONSE"
	FailureNoProviderRef        = "TOSS_PAYOUT_NO_PROVIDER_REF"
	FailureRequestFailed        = "TOSS_PAYOUT_REQUEST_FAILED"
	FailureProviderRejected     = "PAYOUT_PROVIDER_REJECTED"
)

var nonRetryableFailures = map[string]struct{}{
	FailureSellerProfileMissing: {},
	FailurePayoutDisabled:       {},
}

// IsRetryable reports whether a payout that failed with code may be retried.
func IsRetryable(code string) bool {
	_, blocked := nonRetryableFailures[code]
	return !blocked
}

// Request is what a provider needs to move money to a seller. Requests that
// share an IdempotencyKey move money at most once.
type Request struct {
	IdempotencyKey       string
	PaymentTransactionID uuid.UUID
	OrderID              string
	SellerID             int64
	ProviderSellerID     string
	Amount               int64
	Currency             enums.Currency
}

// Result is the provider's acknowledgement of a payout.
type Result struct {
	ProviderRef string
	Status      string
}

// Gateway executes payouts for one provider.
type Gateway interface {
	Provider() enums.PayoutProvider
	RequestPayout(ctx context.Context, req Request) (*Result, error)
}

// GatewayError is a classified provider failure. StatusCode is zero when the
// provider was never reached.
type GatewayError struct {
	Message     string
	FailureCode string
	StatusCode  int
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payout gateway: %s (%s, status %d)", e.Message, e.FailureCode, e.StatusCode)
	}
	return fmt.Sprintf("payout gateway: %s (%s)", e.Message, e.FailureCode)
}

// AsGatewayError unwraps a *GatewayError from err.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// Registry resolves payout gateways by provider code.
type Registry struct {
	gateways map[enums.PayoutProvider]Gateway
}

// NewRegistry indexes gateways by provider. The first gateway registered for
// a provider wins.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[enums.PayoutProvider]Gateway, len(gateways))}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := enums.PayoutProvider(strings.ToUpper(string(gateway.Provider())))
		if _, exists := r.gateways[provider]; exists {
			continue
		}
		r.gateways[provider] = gateway
	}
	return r
}

// Resolve returns the gateway for provider or an error naming the providers
// that are registered.
func (r *Registry) Resolve(provider enums.PayoutProvider) (Gateway, error) {
	if r != nil {
		if gateway, ok := r.gateways[enums.PayoutProvider(strings.ToUpper(string(provider)))]; ok {
			return gateway, nil
		}
	}
	return nil, fmt.Errorf("unsupported payout provider %q (registered: %s)", provider, strings.Join(r.providers(), ", "))
}

func (r *Registry) providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for provider := range r.gateways {
		names = append(names, string(provider))
	}
	sort.Strings(names)
	return names
}

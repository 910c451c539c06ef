// Package errors carries typed application errors from the services to the
// HTTP layer. Each Code decides the status, the public message and whether
// details may leave the process.
package errors

import (
	stdErrors "errors"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	// payment ledger
	CodeExpired          Code = "PAYMENT_EXPIRED"
	CodeAlreadyFinalized Code = "PAYMENT_ALREADY_FINALIZED"
	CodeAmountChanged    Code = "PAYMENT_AMOUNT_CHANGED"
	CodeTampering        Code = "PAYMENT_TAMPERING"
	CodeConsistency      Code = "PAYMENT_CONSISTENCY"
	CodeGateway          Code = "PAYMENT_GATEWAY_ERROR"
	CodePaymentDisabled  Code = "PAYMENT_DISABLED"
)

// Metadata is how a Code is rendered to clients.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

type trait uint8

const (
	retryable trait = 1 << iota
	withDetails
)

func describe(status int, public string, traits ...trait) Metadata {
	m := Metadata{HTTPStatus: status, PublicMessage: public}
	for _, t := range traits {
		m.Retryable = m.Retryable || t&retryable != 0
		m.DetailsAllowed = m.DetailsAllowed || t&withDetails != 0
	}
	return m
}

var catalog = map[Code]Metadata{
	CodeValidation:    describe(http.StatusBadRequest, "validation failed", withDetails),
	CodeUnauthorized:  describe(http.StatusUnauthorized, "authentication required"),
	CodeForbidden:     describe(http.StatusForbidden, "access denied"),
	CodeNotFound:      describe(http.StatusNotFound, "resource not found"),
	CodeConflict:      describe(http.StatusConflict, "conflict detected"),
	CodeStateConflict: describe(http.StatusUnprocessableEntity, "state transition disallowed", withDetails),
	CodeIdempotency:   describe(http.StatusConflict, "idempotency key reused", withDetails),
	CodeRateLimit:     describe(http.StatusTooManyRequests, "rate limit exceeded"),
	CodeInternal:      describe(http.StatusInternalServerError, "internal server error", retryable),
	CodeDependency:    describe(http.StatusServiceUnavailable, "dependency unavailable", retryable, withDetails),

	CodeExpired:          describe(http.StatusGone, "payment intent expired", withDetails),
	CodeAlreadyFinalized: describe(http.StatusConflict, "payment intent already finalized", withDetails),
	CodeAmountChanged:    describe(http.StatusConflict, "payment amount changed", withDetails),
	CodeTampering:        describe(http.StatusConflict, "payment amount mismatch"),
	CodeConsistency:      describe(http.StatusConflict, "payment record inconsistent", withDetails),
	CodeGateway:          describe(http.StatusBadGateway, "payment gateway error", retryable, withDetails),
	CodePaymentDisabled:  describe(http.StatusServiceUnavailable, "online payment is disabled"),
}

// MetadataFor falls back to CodeInternal for codes outside the catalog.
func MetadataFor(code Code) Metadata {
	if m, ok := catalog[code]; ok {
		return m
	}
	return catalog[CodeInternal]
}

// Error is a coded error. The message is for logs and, when the code allows
// it, for clients; details are only rendered for codes with DetailsAllowed.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code to cause. A nil cause behaves like New.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{code: code, message: message, cause: cause}
}

// WithDetails sets the structured details and returns e for chaining.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.code) + ": " + e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether the outermost *Error in err's chain carries code.
func IsCode(err error, code Code) bool {
	return As(err).codeIs(code)
}

func (e *Error) codeIs(code Code) bool {
	return e != nil && e.code == code
}

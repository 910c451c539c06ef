package toss

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var alreadyCanceledCodes = map[string]struct{}{
	"ALREADY_CANCELED_PAYMENT": {},
	"ALREADY_FULLY_CANCELED":   {},
	"PAYMENT_ALREADY_CANCELED": {},
}

const alreadyProcessedCode = "ALREADY_PROCESSED_PAYMENT"

var alreadyCanceledKeywords = []string{
	"already",
	"이미 취소된",
	"already canceled",
	"already cancelled",
}

// Error is a classified gateway failure. Code is the provider error code from
// the response body and is empty when the body carried none.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("toss: status %d code %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("toss: status %d: %s", e.Status, e.Message)
}

// AsError unwraps a *Error from err.
func AsError(err error) (*Error, bool) {
	var tossErr *Error
	if errors.As(err, &tossErr) {
		return tossErr, true
	}
	return nil, false
}

// IsAlreadyCanceled reports whether the provider rejected a cancel because the
// payment is already canceled. An explicit provider code is authoritative. The
// message keywords only count without a code and with a 409/404 status.
func IsAlreadyCanceled(err error) bool {
	tossErr, ok := AsError(err)
	if !ok {
		return false
	}
	if tossErr.Code != "" {
		_, known := alreadyCanceledCodes[tossErr.Code]
		return known
	}
	if tossErr.Status != http.StatusConflict && tossErr.Status != http.StatusNotFound {
		return false
	}
	msg := strings.ToLower(tossErr.Message)
	for _, keyword := range alreadyCanceledKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// IsAlreadyProcessed reports whether a confirm was rejected because the
// provider had already approved the payment.
func IsAlreadyProcessed(err error) bool {
	tossErr, ok := AsError(err)
	return ok && tossErr.Code == alreadyProcessedCode
}

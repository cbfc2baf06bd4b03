package rest

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-zero OKX response code.
type APIError struct {
	Code   string
	Msg    string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Msg)
}

// ErrOrderNotFound is returned when the exchange has no record of an order.
var ErrOrderNotFound = errors.New("order not found")

const codeOrderNotExist = "51603"

var systemErrorCodes = map[string]struct{}{
	"35003": {},
	"50001": {},
	"50013": {},
}

// IsSystemError reports whether err is an exchange-side outage rather than a
// rejection of the request itself.
func IsSystemError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(apiErr.Msg), "System error") {
		return true
	}
	_, ok := systemErrorCodes[apiErr.Code]
	return ok
}

// IsOrderNotFound reports whether err means the order never reached the
// exchange.
func IsOrderNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeOrderNotExist
}

// itemError marks a failed envelope whose data still decoded; callers
// inspect per-item codes.
type itemError struct {
	api *APIError
}

func (e *itemError) Error() string { return e.api.Error() }

func (e *itemError) Unwrap() error { return e.api }

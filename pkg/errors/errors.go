package apperrors

import (
	"errors"
	"fmt"
)

// Standardized relay errors
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrTimestampOutOfBounds = errors.New("timestamp out of bounds")
	ErrPositionNotFound     = errors.New("position not found")
	ErrInvalidWebhookSecret = errors.New("invalid webhook secret")
)

// TransportError is a network-level failure: timeout, connection error, or a
// non-2xx HTTP status. It is not attributable to the exchange's business
// logic and is generally safe to retry.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExchangeError is a business rejection carried in the response envelope
// (retCode != 0). Not inherently retryable without understanding the code.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("bybit error: %s (%d)", e.Message, e.Code)
}

// Is matches well-known retCodes against the sentinel errors so callers can
// branch with errors.Is without memorizing Bybit's code table.
// https://bybit-exchange.github.io/docs/v5/error
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case ErrTimestampOutOfBounds:
		return e.Code == 10002
	case ErrAuthenticationFailed:
		return e.Code == 10003 || e.Code == 10004
	case ErrRateLimitExceeded:
		return e.Code == 10006
	case ErrPositionNotFound:
		return e.Code == 110001
	}
	return false
}

// ValidationError is malformed or incomplete caller input. Never retryable
// without fixing the input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// IsTransport reports whether err is (or wraps) a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsExchange reports whether err is (or wraps) an envelope rejection.
func IsExchange(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee)
}

package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExchangeErrorSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		sentinel error
	}{
		{"timestamp out of bounds", 10002, ErrTimestampOutOfBounds},
		{"invalid api key", 10003, ErrAuthenticationFailed},
		{"bad signature", 10004, ErrAuthenticationFailed},
		{"rate limited", 10006, ErrRateLimitExceeded},
		{"position not found", 110001, ErrPositionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ExchangeError{Code: tt.code, Message: tt.name}
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}

	unknown := &ExchangeError{Code: 170193, Message: "post only rejected"}
	assert.False(t, errors.Is(unknown, ErrAuthenticationFailed))
	assert.False(t, errors.Is(unknown, ErrRateLimitExceeded))
}

func TestExchangeErrorMessage(t *testing.T) {
	err := &ExchangeError{Code: 10004, Message: "error sign!"}
	assert.Equal(t, "bybit error: error sign! (10004)", err.Error())
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Op: "GET", URL: "https://api.bybit.com/v5/position/list", Err: inner}
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "connection refused")

	status := &TransportError{Op: "POST", URL: "/v5/position/set-auto-add-margin", StatusCode: 502}
	assert.Contains(t, status.Error(), "502")
}

func TestTaxonomyHelpers(t *testing.T) {
	transport := fmt.Errorf("list positions: %w", &TransportError{Op: "GET", URL: "/x", Err: errors.New("timeout")})
	exchange := fmt.Errorf("set margin: %w", &ExchangeError{Code: 10001, Message: "params error"})

	assert.True(t, IsTransport(transport))
	assert.False(t, IsTransport(exchange))
	assert.True(t, IsExchange(exchange))
	assert.False(t, IsExchange(transport))
}

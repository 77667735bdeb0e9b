package gwerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		kind Kind
	}{
		{"invalid argument", InvalidArgument("id may not be empty"), http.StatusBadRequest, KindInvalidArgument},
		{"not found 404", NotFound(http.StatusNotFound, "route %s", "a"), http.StatusNotFound, KindNotFound},
		{"not found 503", NotFound(http.StatusServiceUnavailable, "no instance"), http.StatusServiceUnavailable, KindNotFound},
		{"bad gateway", BadGateway(errors.New("refused"), "connect"), http.StatusBadGateway, KindBadGateway},
		{"timeout", Timeout(context.DeadlineExceeded, "slow"), http.StatusGatewayTimeout, KindTimeout},
		{"internal", Internal(nil, "status 999"), http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("filter failed: %w", tt.err)
			assert.Equal(t, tt.want, StatusOf(wrapped))
			assert.True(t, Is(wrapped, tt.kind))
		})
	}
}

func TestStatusOf_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
	assert.False(t, Is(errors.New("boom"), KindNotFound))
}

func TestError_Unwrap(t *testing.T) {
	err := Timeout(context.DeadlineExceeded, "response took longer than timeout: %s", "100ms")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "Timeout")
	assert.Contains(t, err.Error(), "100ms")
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     string
		wantKind Kind
	}{
		{"invalid argument keeps message", InvalidArgument("id may not be empty"), "id may not be empty", KindInvalidArgument},
		{"not found keeps message", NotFound(http.StatusServiceUnavailable, "Unable to find instance for orders"), "Unable to find instance for orders", KindNotFound},
		{"bad gateway hides backend", BadGateway(errors.New("dial tcp 10.0.0.7:8080: connection refused"), "Unable to connect to 10.0.0.7:8080"), "Bad Gateway", KindBadGateway},
		{"open circuit", &Error{Kind: KindBadGateway, Status: http.StatusServiceUnavailable, Message: "circuit orders is open"}, "Service Unavailable", KindBadGateway},
		{"timeout hides backend", Timeout(nil, "backend 10.0.0.7:8080 timed out"), "Response took longer than timeout", KindTimeout},
		{"internal", Internal(nil, "Unable to convert status code 999 from 10.0.0.7:8080"), "Internal Server Error", KindInternal},
		{"plain error", errors.New("redis: connection pool timeout"), "Internal Server Error", KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("filter failed: %w", tt.err)
			assert.Equal(t, tt.want, PublicMessage(wrapped))
			assert.Equal(t, tt.wantKind, KindOf(wrapped))
			assert.NotContains(t, PublicMessage(wrapped), "10.0.0.7")
		})
	}
}

package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"validation", Validation("missing user_id"), CodeValidation, http.StatusBadRequest},
		{"not found", NotFound("alert"), CodeNotFound, http.StatusNotFound},
		{"storage", Storage("redis unavailable", context.DeadlineExceeded), CodeStorage, http.StatusServiceUnavailable},
		{"configuration", Configuration("unknown channel"), CodeConfiguration, http.StatusInternalServerError},
		{"conflict", Conflict("illegal transition"), CodeConflict, http.StatusConflict},
		{"forbidden", Forbidden("ip blocked"), CodeForbidden, http.StatusForbidden},
		{"rate limited", RateLimited("slow down"), CodeRateLimited, http.StatusTooManyRequests},
		{"internal", Internal("panic recovered"), CodeInternalError, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, Is(tc.err, tc.code))
			assert.Equal(t, tc.status, GetHTTPStatus(tc.err))
		})
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := Storage("postgres insert failed", context.DeadlineExceeded)
	wrapped := fmt.Errorf("log audit event: %w", base)

	assert.True(t, Is(wrapped, CodeStorage))
	assert.False(t, Is(wrapped, CodeValidation))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(fmt.Errorf("plain")))
}

func TestWithDetail(t *testing.T) {
	err := Validation("compliance field missing").WithDetail("tag", "gdpr").WithDetail("field", "user_id")
	assert.Equal(t, "gdpr", err.Details["tag"])
	assert.Len(t, err.Details, 2)
	assert.Equal(t, "VALIDATION_ERROR: compliance field missing", err.Error())
}

package apperror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(CodeNotFound, "tenant not found")
		assert.Equal(t, "NOT_FOUND: tenant not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Wrap(CodeInternal, "save failed", cause)
		assert.Contains(t, err.Error(), "INTERNAL_ERROR")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("WithCause sets Unwrap target", func(t *testing.T) {
		cause := errors.New("boom")
		err := New(CodeInternal, "x").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails attaches details", func(t *testing.T) {
		err := New(CodeValidation, "bad field").WithDetails(map[string]string{"field": "to"})
		assert.Equal(t, "to", err.Details.(map[string]string)["field"])
	})
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code Code
	}{
		{"Validation", Validation("x"), CodeValidation},
		{"Unauthorized", Unauthorized("x"), CodeUnauthorized},
		{"Forbidden", Forbidden("x"), CodeForbidden},
		{"NotFound", NotFound("Tenant"), CodeNotFound},
		{"Conflict", Conflict("x"), CodeConflict},
		{"RateLimited", RateLimited(), CodeRateLimited},
		{"NotConnected", NotConnected(), CodeNotConnected},
		{"Internal", Internal("x"), CodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
		})
	}
}

func TestCodeOf(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, CodeNotFound, CodeOf(NotFound("x")))
	})

	t.Run("returns internal for plain error", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	})
}

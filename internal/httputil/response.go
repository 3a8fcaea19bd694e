package httputil

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tenantrelay/chatgateway/internal/apperror"
)

// Envelope is the standard response shape spec §6.1 requires of every
// route: {success, data?, error?, message?, timestamp}.
type Envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteOK writes a successful envelope with an optional human message.
func WriteOK(w http.ResponseWriter, data any, message string) {
	WriteJSON(w, http.StatusOK, Envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

// WriteError writes an AppError as an envelope with the matching HTTP
// status code, per spec §7's taxonomy-to-status mapping.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		appErr = apperror.Internal("An unexpected error occurred")
	}

	WriteJSON(w, statusFromCode(appErr.Code), Envelope{
		Success:   false,
		Error:     appErr.Message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func statusFromCode(code apperror.Code) int {
	switch code {
	case apperror.CodeValidation, apperror.CodeNotConnected:
		return http.StatusBadRequest
	case apperror.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperror.CodeForbidden:
		return http.StatusForbidden
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeConflict:
		return http.StatusConflict
	case apperror.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperror.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

package middleware

import (
	"net/http"
)

const (
	// DefaultMaxBodySize caps every JSON endpoint (sessions, webhooks,
	// /messages/*/send, /messages/*/send-bulk) that never carries a file.
	// /messages/*/send-media gets its own, larger limit below, since spec
	// §6.2 lets it carry up to MAX_FILE_SIZE of attachment bytes.
	DefaultMaxBodySize = 1 << 20 // 1MB
)

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body too large",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}

// WithLimit builds a route-scoped body-limit middleware that overrides the
// router-wide DefaultMaxBodySize for a handler that legitimately needs more
// room, such as the send-media route in handler/messages.go.
func WithLimit(maxSize int64) func(http.Handler) http.Handler {
	return NewBodyLimitMiddleware(maxSize).Handler
}

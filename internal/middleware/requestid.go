package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dataup/cvat-gateway/internal/logging"
)

// Request and correlation ID headers.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// maxIDLength bounds client supplied IDs before they reach the logs.
const maxIDLength = 128

// NewRequestID propagates request and correlation IDs through the request
// context and echoes them on the response.
func NewRequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get(HeaderRequestID))
			correlationID := getOrGenerateID(r.Header.Get(HeaderCorrelationID))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set(HeaderRequestID, requestID)
			w.Header().Set(HeaderCorrelationID, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getOrGenerateID returns existingID when it is usable, otherwise a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if existingID == "" || len(existingID) > maxIDLength || strings.ContainsAny(existingID, "\r\n") {
		return uuid.New().String()
	}
	return existingID
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataup/cvat-gateway/internal/logging"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name                  string
		existingRequestID     string
		existingCorrelationID string
		wantRequestID         string // empty means a generated UUID
		wantCorrelationID     string
	}{
		{name: "no existing headers - generates new IDs"},
		{name: "existing request ID - uses it", existingRequestID: "existing-req-123", wantRequestID: "existing-req-123"},
		{name: "existing correlation ID - uses it", existingCorrelationID: "existing-corr-456", wantCorrelationID: "existing-corr-456"},
		{name: "whitespace is trimmed", existingRequestID: "  req-1  ", wantRequestID: "req-1"},
		{name: "oversized ID is replaced", existingRequestID: strings.Repeat("a", maxIDLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxRequestID, ctxCorrelationID string
			handler := NewRequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxRequestID = logging.GetRequestID(r.Context())
				ctxCorrelationID = logging.GetCorrelationID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set(HeaderRequestID, tt.existingRequestID)
			}
			if tt.existingCorrelationID != "" {
				req.Header.Set(HeaderCorrelationID, tt.existingCorrelationID)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assertID(t, tt.wantRequestID, ctxRequestID)
			assertID(t, tt.wantCorrelationID, ctxCorrelationID)
			assert.Equal(t, ctxRequestID, rr.Header().Get(HeaderRequestID))
			assert.Equal(t, ctxCorrelationID, rr.Header().Get(HeaderCorrelationID))
		})
	}
}

func assertID(t *testing.T, want, got string) {
	t.Helper()
	if want != "" {
		assert.Equal(t, want, got)
		return
	}
	_, err := uuid.Parse(got)
	require.NoError(t, err, "expected a generated UUID, got %q", got)
}

func TestGetOrGenerateID(t *testing.T) {
	assert.Equal(t, "abc", getOrGenerateID("abc"))
	assert.NotEqual(t, "bad\nid", getOrGenerateID("bad\nid"))
	assert.NotEqual(t, getOrGenerateID(""), getOrGenerateID(""))
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
)

// RequestIDMiddleware assigns each request a correlation id (honoring an
// inbound X-Request-Id) and threads it through the contextual logger so all
// logs for a request line up.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		logger := log.With().Str("requestId", requestID).Logger()
		r = r.WithContext(logger.WithContext(ctx))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
	})
}

// GetRequestID retrieves the correlation id from context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

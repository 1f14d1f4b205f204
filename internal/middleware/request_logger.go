package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/karyon/client/internal/logging"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// RequestLogger tags every outbound request with an X-Request-ID and logs its
// outcome. Authorization headers are never logged.
func RequestLogger(base *slog.Logger) func(http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
				r = r.Clone(r.Context())
				r.Header.Set("X-Request-ID", requestID)
			}

			reqLogger := logging.FromContext(r.Context())
			if reqLogger == slog.Default() {
				reqLogger = base
			}
			reqLogger = reqLogger.With(
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			resp, err := next.RoundTrip(r)
			if err != nil {
				reqLogger.Warn("request failed", slog.Duration("duration", time.Since(start)), "error", err)
				return nil, err
			}

			level := slog.LevelDebug
			if resp.StatusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			reqLogger.Log(r.Context(), level, "request completed",
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", time.Since(start)),
			)
			return resp, nil
		})
	}
}

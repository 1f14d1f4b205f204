package middleware

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit throttles outbound requests to `requests` per `window` with the
// given burst. Requests wait for a token and give up when their context ends.
// A non-positive requests value disables limiting.
func RateLimit(requests int, window time.Duration, burst int) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		if requests <= 0 {
			return next
		}
		if window <= 0 {
			window = time.Second
		}
		if burst <= 0 {
			burst = 1
		}

		limiter := rate.NewLimiter(rate.Every(window/time.Duration(requests)), burst)
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if err := limiter.Wait(r.Context()); err != nil {
				return nil, err
			}
			return next.RoundTrip(r)
		})
	}
}

// Chain applies decorators so the first one listed is the outermost.
func Chain(base http.RoundTripper, decorators ...func(http.RoundTripper) http.RoundTripper) http.RoundTripper {
	rt := base
	for i := len(decorators) - 1; i >= 0; i-- {
		rt = decorators[i](rt)
	}
	return rt
}

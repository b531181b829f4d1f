package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewLoggingMiddleware logs every round trip at debug level.
func NewLoggingMiddleware(logger *zap.Logger) Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()

			resp, err := next.RoundTrip(r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("url", r.URL.Redacted()),
				zap.Duration("duration", time.Since(start)),
			}

			if err != nil {
				logger.Debug("round trip failed", append(fields, zap.Error(err))...)
				return resp, err
			}

			logger.Debug("round trip", append(fields, zap.Int("status", resp.StatusCode))...)

			return resp, nil
		})
	})
}

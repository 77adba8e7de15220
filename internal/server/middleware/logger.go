package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each incoming request and, once the handler returns,
// how long it was held. For upgraded requests that is the session lifetime.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			start := time.Now()
			next.ServeHTTP(w, r)

			var userID string
			if ok {
				userID = reqMeta.UserID
			}
			logger.Debug("HTTP request finished",
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userID", userID),
				slog.Duration("held", time.Since(start)),
			)
		})
	}
}

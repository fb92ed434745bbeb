package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const wwwAuthenticate = `Bearer realm="chatsync"`

// Middleware returns HTTP middleware that requires a valid API key as a
// Bearer token. Clients that keep presenting bad keys are answered with
// 429 until their failures age out.
func Middleware(verifier *KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if limiter.limited(ip) {
				logger.Warn("middleware: rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)

				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !verifier.Verify(strings.TrimPrefix(authHeader, "Bearer ")) {
				limiter.record(ip)
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate+`, error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

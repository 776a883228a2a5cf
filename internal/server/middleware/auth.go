package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/crypto"
)

// maxSignedBody bounds the request body read for HMAC verification.
const maxSignedBody = 1 << 20

// AuthConfig selects how requests authenticate. With no API keys and no
// HMAC secret, authentication is disabled.
type AuthConfig struct {
	APIKeys []string
	HMAC    *crypto.HMACAuth
	// Public lists paths served without authentication.
	Public []string
	Now    func() time.Time
}

// Auth returns middleware that accepts a request carrying a configured API
// key (Bearer token or X-API-Key header) or a valid HMAC signature.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	public := make(map[string]bool, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (len(cfg.APIKeys) == 0 && cfg.HMAC == nil) || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if token := extractToken(r); token != "" {
				if !validKey(token, cfg.APIKeys) {
					writeUnauthorized(w, "invalid authentication token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if cfg.HMAC != nil && r.Header.Get(crypto.HeaderSignature) != "" {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
				if err != nil {
					writeUnauthorized(w, "unreadable body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				err = cfg.HMAC.Verify(
					r.Header.Get(crypto.HeaderKey),
					r.Header.Get(crypto.HeaderTimestamp),
					r.Header.Get(crypto.HeaderSignature),
					r.Method, r.URL.Path, string(body), cfg.Now(),
				)
				if err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			writeUnauthorized(w, "missing authentication token")
		})
	}
}

func validKey(token string, keys []string) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

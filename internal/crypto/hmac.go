package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Request signing headers.
const (
	HeaderKey       = "X-Oracled-Key"
	HeaderTimestamp = "X-Oracled-Timestamp"
	HeaderSignature = "X-Oracled-Signature"
)

// HMACAuth signs and verifies API requests with a shared secret. The
// signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type HMACAuth struct {
	Key    string
	Secret string
	// MaxSkew bounds how far the request timestamp may drift from now.
	MaxSkew time.Duration
}

// HeadersAt returns the signing headers for a request made at now.
func (h *HMACAuth) HeadersAt(method, path, body string, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a request's key, timestamp and signature headers.
func (h *HMACAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if !hmac.Equal([]byte(key), []byte(h.Key)) {
		return fmt.Errorf("crypto/hmac: unknown key: %w", domain.ErrUnauthorized)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/hmac: bad timestamp: %w", domain.ErrUnauthorized)
	}
	skew := h.MaxSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return fmt.Errorf("crypto/hmac: timestamp skew %s: %w", d, domain.ErrUnauthorized)
	}
	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("crypto/hmac: signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated venue requests.
const (
	HeaderAPIKey    = "X-RFQ-KEY"
	HeaderTimestamp = "X-RFQ-TIMESTAMP"
	HeaderSignature = "X-RFQ-SIGNATURE"
)

// HMACAuth holds the credentials of an HMAC-authenticated venue API.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, used raw as the HMAC key
}

// Headers returns the authentication headers for a request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: h.Sign(ts, method, path, body),
	}
}

// Sign computes the request signature for the given timestamp string.
func (h *HMACAuth) Sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of the request.
func (h *HMACAuth) Verify(sig, ts, method, path, body string) bool {
	want, err := base64.StdEncoding.DecodeString(h.Sign(ts, method, path, body))
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
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

package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/basketbot/internal/crypto"
)

// maxSignedBody bounds the request bodies the identity middleware buffers.
const maxSignedBody = 1 << 20

type callerKey struct{}

// CallerFrom returns the verified caller address stored on ctx, or "" for an
// unsigned request.
func CallerFrom(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Identity returns middleware that recovers the caller of a signed request.
// A signed request carries X-Caller, X-Timestamp (unix seconds) and
// X-Signature, an EIP-191 signature over crypto.RequestMessage. Requests
// without any of those headers pass through anonymously; a partial or
// invalid set is rejected with 401.
func Identity(maxSkew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := r.Header.Get("X-Caller")
			ts := r.Header.Get("X-Timestamp")
			sig := r.Header.Get("X-Signature")
			if claimed == "" && ts == "" && sig == "" {
				next.ServeHTTP(w, r)
				return
			}
			if claimed == "" || ts == "" || sig == "" {
				writeUnauthorized(w, "incomplete signature headers")
				return
			}

			caller, err := crypto.NormalizeAddress(claimed)
			if err != nil {
				writeUnauthorized(w, "invalid caller address")
				return
			}

			unix, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				writeUnauthorized(w, "invalid timestamp")
				return
			}
			if skew := now().Sub(time.Unix(unix, 0)).Abs(); skew > maxSkew {
				writeUnauthorized(w, "timestamp outside allowed skew")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			addr, err := crypto.RecoverAddress(crypto.RequestMessage(r.Method, r.URL.EscapedPath(), ts, body), sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}
			if !strings.EqualFold(addr.Hex(), caller) {
				writeUnauthorized(w, "signature does not match caller")
				return
			}

			if rw, ok := w.(*responseWriter); ok {
				rw.caller = caller
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// VerifyWebhookSignature rejects callback deliveries whose body signature
// does not match the shared signing key. An empty key disables verification,
// for local development.
func VerifyWebhookSignature(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "unreadable body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, []byte(key))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))

			got := r.Header.Get(SignatureHeader)
			if got == "" || !hmac.Equal([]byte(expected), []byte(got)) {
				http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

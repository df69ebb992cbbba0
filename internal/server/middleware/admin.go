package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/crypto"
)

const maxAdminBody = 64 << 10

// AdminHMAC guards operator endpoints with the X-FM-* signature headers.
// The body is read for verification and handed on unchanged. A nil auth
// disables the endpoint entirely.
func AdminHMAC(auth *crypto.HMACAuth, maxSkew time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				writeJSONError(w, http.StatusNotFound, "not found")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
			if err != nil {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := auth.Verify(r.Header, r.Method, r.URL.Path, string(body), time.Now(), maxSkew); err != nil {
				logger.WarnContext(r.Context(), "admin request rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", extractClientIP(r)),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid admin signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

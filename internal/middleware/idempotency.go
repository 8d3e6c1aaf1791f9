package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/conclave/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20 // 1 MB
)

// idempotencyEntry stores a replayable HTTP response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency returns middleware that replays the stored response for a
// repeated Idempotency-Key on mutating requests, so a client retrying a
// task submission does not start the task twice. Server errors are not
// stored and stay retryable.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			idem := r.Header.Get(headerIdempotencyKey)
			if idem == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := cache.Key("idempotency", r.Method, r.URL.Path, idem)
			if cached, ok := cache.GetJSON[idempotencyEntry](r.Context(), c, key); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
				return
			}
			entry := idempotencyEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			}
			if err := cache.SetJSON(r.Context(), c, key, entry, ttl); err != nil {
				slog.Warn("idempotency: failed to store response", "key", idem, "error", err)
			}
		})
	}
}

// responseRecorder wraps http.ResponseWriter to capture the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

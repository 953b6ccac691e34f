package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Collect records request counters and latency. Signaling requests are also
// observed on their own histogram, since their latency is dominated by ICE
// gathering and session startup rather than handler work.
func Collect() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				if isSkipPath(r) {
					return
				}
				elapsed := time.Since(start).Seconds()
				code := strconv.Itoa(ww.Status())
				uri := normalizePath(r)

				totalHttpRequestsToUri.WithLabelValues(code, uri, r.Method).Inc()
				totalHttpRequests.WithLabelValues(code, r.Method).Inc()
				responseTime.Observe(elapsed)
				if r.Method == http.MethodPost && strings.HasSuffix(uri, "/offer") {
					offerDuration.WithLabelValues(code).Observe(elapsed)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

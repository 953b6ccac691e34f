package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimd "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Middleware writes one access-log entry per request.
type Middleware struct{}

type peekedBody struct {
	io.Reader
	io.Closer
}

func (m *Middleware) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := accessLogger()
			ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)

			// only allowlisted bodies are peeked
			var body []byte
			if r.Body != nil && bodyLoggable(r) {
				b, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
				if err == nil {
					body = b
				}
				r.Body = peekedBody{Reader: io.MultiReader(bytes.NewReader(b), r.Body), Closer: r.Body}
			}

			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}

			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("dateTime", start.UTC().Format(time.RFC1123)),
					zap.String("requestId", chimd.GetReqID(r.Context())),
					zap.String("httpScheme", scheme),
					zap.String("httpProto", r.Proto),
					zap.String("httpMethod", r.Method),
					zap.String("remoteAddr", r.RemoteAddr),
					zap.String("uri", r.URL.Path),
					zap.Duration("lat", time.Since(start)),
					zap.Int("responseSize", ww.BytesWritten()),
					zap.Int("status", ww.Status()),
				}
				if rc := chi.RouteContext(r.Context()); rc != nil {
					if p := rc.RoutePattern(); p != "" {
						fields = append(fields, zap.String("route", p))
					}
					if id := rc.URLParam("id"); id != "" {
						fields = append(fields, zap.String("deployment", id))
					}
				}
				if o := r.Header.Get("Origin"); o != "" {
					fields = append(fields, zap.String("origin", o))
				}
				if len(body) > 0 && len(body) <= maxLoggedBody {
					fields = append(fields, zap.ByteString("requestData", body))
				}
				l.Info("", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

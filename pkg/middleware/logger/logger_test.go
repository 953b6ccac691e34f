package logger

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}

func TestMiddlewareLogsAllowlistedBodies(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetAccessLogger(zap.New(core))

	var seen []string
	r := chi.NewRouter()
	r.Use((&Middleware{}).Middleware())
	handler := func(status int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seen = append(seen, string(b))
			w.WriteHeader(status)
		}
	}
	r.Post("/api/cameras", handler(http.StatusCreated))
	r.Post("/solutions/{id}/offer", handler(http.StatusOK))

	cam := `{"name":"door","src":"0"}`
	req := httptest.NewRequest(http.MethodPost, "/api/cameras", strings.NewReader(cam))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	offer := `{"sdp":"v=0","type":"offer"}`
	req = httptest.NewRequest(http.MethodPost, "/solutions/01J/offer", strings.NewReader(offer))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://viewer.example")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{cam, offer}, seen)

	entries := logs.All()
	require.Len(t, entries, 2)
	first := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusCreated), first["status"])
	assert.Equal(t, cam, first["requestData"])

	second := entries[1].ContextMap()
	assert.NotContains(t, second, "requestData")
	assert.Equal(t, "/solutions/{id}/offer", second["route"])
	assert.Equal(t, "01J", second["deployment"])
	assert.Equal(t, "http://viewer.example", second["origin"])
}

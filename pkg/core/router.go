// core/router.go
package core

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-vision/pkg/manager"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/logger"
	hmetrics "github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	httpx "github.com/joeydtaylor/steeze-vision/pkg/transport/httpx"
	"go.uber.org/zap"
)

const defaultOfferTimeout = 30 * time.Second

type BuildDeps struct {
	LogMW   *logger.Middleware
	Metrics http.Handler
	Router  httpx.Router
	Server  *session.Server
	// Manager is optional; without it the /api routes are not mounted.
	Manager *manager.Manager
	Log     *zap.Logger

	// AllowedOrigins for cross-origin signaling; empty allows any.
	AllowedOrigins []string
	OfferTimeout   time.Duration
}

func BuildRouter(d BuildDeps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.OfferTimeout <= 0 {
		d.OfferTimeout = defaultOfferTimeout
	}
	r := d.Router
	r.Use(chimd.RequestID, chimd.Recoverer, chimd.Heartbeat("/ping"))
	if d.LogMW != nil {
		r.Use(d.LogMW.Middleware())
	}
	r.Use(hmetrics.Collect())

	if d.Metrics != nil {
		r.Handle(http.MethodGet, "/metrics", d.Metrics)
	}

	h := &handlers{server: d.Server, mgr: d.Manager, log: d.Log}
	signaling := cors.Handler(cors.Options{
		AllowedOrigins: origins(d.AllowedOrigins),
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})

	r.Get("/", http.HandlerFunc(h.index))
	if d.Server != nil {
		offer := signaling(withTimeout(h.offer(h.defaultServer), d.OfferTimeout))
		r.Post("/offer", offer)
		r.Options("/offer", offer)
		r.Get("/status", http.HandlerFunc(h.status))
	}

	if d.Manager != nil {
		r.Get("/api/solutions", http.HandlerFunc(h.listSolutions))
		r.Get("/api/solutions/running", http.HandlerFunc(h.runningSolutions))
		r.Post("/api/solutions/start", http.HandlerFunc(h.startSolution))
		r.Post("/api/solutions/stop", http.HandlerFunc(h.stopSolution))
		r.Get("/api/cameras", http.HandlerFunc(h.listCameras))
		r.Post("/api/cameras", http.HandlerFunc(h.addCamera))

		offer := signaling(withTimeout(h.offer(h.deploymentServer), d.OfferTimeout))
		r.Post("/solutions/{id}/offer", offer)
		r.Options("/solutions/{id}/offer", offer)
	}
	return r.Mux()
}

func origins(o []string) []string {
	if len(o) == 0 {
		return []string{"*"}
	}
	return o
}

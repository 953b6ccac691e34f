package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// NewHandler serves the collectors registered with g. Scrape errors are
// reported in the response body rather than failing the whole scrape.
func NewHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// ProvideMetrics serves the default registry, which holds the pipeline,
// session and signaling collectors of this package.
func ProvideMetrics() http.Handler { return NewHandler(prometheus.DefaultGatherer) }

var Module = fx.Options(
	fx.Provide(fx.Annotate(ProvideMetrics, fx.ResultTags(`name:"metrics"`))),
)

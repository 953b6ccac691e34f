package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	responseTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "response_time",
			Help:    "http response time.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60},
		},
	)

	totalHttpRequestsToUri = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "total_http_requests_to_uri", Help: "http requests to uri"},
		[]string{"code", "uri", "method"},
	)

	totalHttpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "total_http_requests", Help: "http requests by code, and method"},
		[]string{"code", "method"},
	)

	offerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signaling_offer_seconds",
			Help:    "offer to answer latency by status code.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"code"},
	)

	processDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unit_process_seconds",
			Help:    "processing unit transform duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"unit"},
	)

	framesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "frames_processed_total", Help: "frames processed per source"},
		[]string{"source"},
	)

	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "frame_errors_total", Help: "frames dropped per source and stage"},
		[]string{"source", "stage"},
	)

	sideChannelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "side_channel_messages_total", Help: "side-channel sends by result"},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_sessions", Help: "sessions with a running capture and pipeline"},
	)

	activePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_peers", Help: "attached peers across all sessions"},
	)

	runningDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "running_deployments", Help: "solution deployments started through the manager"},
	)

	captureStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "capture_start_failures_total", Help: "session startups that failed in capture"},
	)
)

func init() {
	prometheus.MustRegister(
		responseTime,
		totalHttpRequestsToUri,
		totalHttpRequests,
		offerDuration,
		processDuration,
		framesProcessed,
		frameErrors,
		sideChannelMessages,
		activeSessions,
		activePeers,
		runningDeployments,
		captureStartFailures,
	)
}

package metrics

import "time"

// ObserveProcess records one unit transform.
func ObserveProcess(unit string, d time.Duration) {
	processDuration.WithLabelValues(unit).Observe(d.Seconds())
}

func FrameProcessed(source string) { framesProcessed.WithLabelValues(source).Inc() }

// FrameDropped counts a frame lost at stage ("capture", "process", "encode").
func FrameDropped(source, stage string) { frameErrors.WithLabelValues(source, stage).Inc() }

func SideChannelSent(ok bool) {
	if ok {
		sideChannelMessages.WithLabelValues("ok").Inc()
		return
	}
	sideChannelMessages.WithLabelValues("error").Inc()
}

func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }
func PeerAttached()  { activePeers.Inc() }
func PeerDetached()  { activePeers.Dec() }

func CaptureStartFailed() { captureStartFailures.Inc() }

// SetDeployments reports the number of running manager deployments.
func SetDeployments(n int) { runningDeployments.Set(float64(n)) }

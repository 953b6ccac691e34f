// Package capture acquires frames from a video source. A Source is a
// blocking frame reader selected by address; a Stage wraps a Source either
// inline or behind a background reader with a single-slot buffer.
package capture

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"go.uber.org/zap"
)

const Kind registry.Kind = "source"

var (
	// ErrNoFrame is a transient miss: nothing was available this time.
	ErrNoFrame = errors.New("capture: no frame available")
	// ErrCaptureTimeout is returned by Start when no frame arrived in time.
	ErrCaptureTimeout = errors.New("capture: timed out waiting for first frame")
	ErrStageStopped   = errors.New("capture: stage stopped")
)

// Source yields decoded frames. Read blocks until a frame is ready, the
// source is exhausted (io.EOF) or ctx is done. A Source is read by one
// goroutine at a time.
type Source interface {
	Read(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Options are shared by every source opener.
type Options struct {
	Width  int
	Height int
	FPS    float64
	FFmpeg string
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Opener opens the source at addr. It is registered under Kind with the
// method name Classify returns for addr.
type Opener func(ctx context.Context, addr string, opts Options) (Source, error)

// Classify maps a source address to the registered opener that serves it:
// "device" for a non-negative integer, "stream" for rtsp/rtmp, "relay" for
// http(s), "testsrc" for the synthetic source, the scheme for any other URI
// and "file" otherwise.
func Classify(addr string) string {
	addr = strings.TrimSpace(addr)
	if n, err := strconv.Atoi(addr); err == nil && n >= 0 {
		return "device"
	}
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || !strings.Contains(addr, "://") {
		return "file"
	}
	switch s := strings.ToLower(u.Scheme); s {
	case "rtsp", "rtsps", "rtmp", "rtmps":
		return "stream"
	case "http", "https":
		return "relay"
	case "file":
		return "file"
	default:
		return s
	}
}

// Open resolves addr against reg and opens it.
func Open(ctx context.Context, reg *registry.Registry, addr string, opts Options) (Source, error) {
	open, err := registry.Lookup[Opener](reg, Kind, Classify(addr))
	if err != nil {
		return nil, err
	}
	return open(ctx, addr, opts)
}

// Register binds the built-in openers. Relay sources are registered by the
// transport that implements them.
func Register(reg *registry.Registry) error {
	return errors.Join(
		reg.Register(Kind, "device", Opener(openDevice), false),
		reg.Register(Kind, "file", Opener(openFile), false),
		reg.Register(Kind, "stream", Opener(openStream), false),
		reg.Register(Kind, "testsrc", Opener(OpenTestSource), false),
	)
}

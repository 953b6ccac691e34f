package session_test

import (
	"context"
	"errors"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/session/sessiontest"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoOutput struct {
	solution.Rendered
	Seq uint64 `json:"seq"`
}

// echo returns its input frame unchanged.
type echo struct {
	*solution.Base
	unit.Func[*solution.Input, *echoOutput]
	h *harness
}

func (e *echo) process(_ context.Context, in *solution.Input) (*echoOutput, error) {
	e.h.calls.Add(1)
	if e.h.hold > 0 {
		e.h.inFlight.Store(true)
		time.Sleep(e.h.hold)
		e.h.inFlight.Store(false)
	}
	out := &echoOutput{Seq: in.Frame.Seq}
	e.Emit(out, in.Frame)
	return out, nil
}

func (e *echo) Close() error {
	if e.h.inFlight.Load() {
		e.h.closedInFlight.Store(true)
	}
	e.h.solutionCloses.Add(1)
	return nil
}

// gated yields frames filled with their 1-based index once gate is closed.
type gated struct {
	h        *harness
	frames   int
	interval time.Duration
	n        int
	closed   atomic.Bool
}

func (g *gated) Read(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-g.h.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.frames > 0 && g.n >= g.frames {
		return nil, io.EOF
	}
	if g.interval > 0 {
		select {
		case <-time.After(g.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.n++
	f := frame.New(32, 24)
	for i := range f.Image.Pix {
		f.Image.Pix[i] = uint8(g.n)
	}
	return f, nil
}

func (g *gated) Close() error {
	if g.closed.CompareAndSwap(false, true) {
		g.h.sourceCloses.Add(1)
	}
	return nil
}

type harness struct {
	t   *testing.T
	reg *registry.Registry
	tr  *sessiontest.Transport
	srv *session.Server

	gate           chan struct{}
	opens          atomic.Int64
	sourceCloses   atomic.Int64
	calls          atomic.Int64
	solutionCloses atomic.Int64
	openHold       chan struct{}

	// hold makes every echo call sleep without watching its context.
	hold           time.Duration
	inFlight       atomic.Bool
	closedInFlight atomic.Bool
}

type option func(*session.Config)

func withCapture(c capture.Config) option { return func(cfg *session.Config) { cfg.Capture = c } }

func withSolution(method string) option {
	return func(cfg *session.Config) { cfg.Solution.Method = method }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{t: t, reg: registry.New(), tr: sessiontest.New(), gate: make(chan struct{})}
	require.NoError(t, solution.Register(h.reg))
	require.NoError(t, h.reg.Register(solution.Kind, "echo", &unit.Factory{
		New: func(_ *unit.Builder, _ any) (unit.Unit, error) {
			e := &echo{Base: solution.NewBase("echo"), h: h}
			e.Func = e.process
			return e, nil
		},
		Output: reflect.TypeFor[*echoOutput](),
	}, false))

	// gated://N?interval=D
	require.NoError(t, h.reg.Register(capture.Kind, "gated", capture.Opener(func(ctx context.Context, addr string, _ capture.Options) (capture.Source, error) {
		if h.openHold != nil {
			select {
			case <-h.openHold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.Atoi(u.Host)
		d, _ := time.ParseDuration(u.Query().Get("interval"))
		h.opens.Add(1)
		return &gated{h: h, frames: n, interval: d}, nil
	}), false))
	require.NoError(t, h.reg.Register(capture.Kind, "broken", capture.Opener(func(context.Context, string, capture.Options) (capture.Source, error) {
		return nil, errors.New("no such device")
	}), false))

	cfg := session.Config{
		Solution: unit.Config{Method: "echo", Config: map[string]any{}},
		Source:   "gated://10",
		Width:    32,
		Height:   24,
	}
	for _, o := range opts {
		o(&cfg)
	}
	pool := worker.New(2, zaptest.NewLogger(t))
	h.srv = session.NewServer(cfg, h.reg, h.tr, pool, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.srv.Close(ctx))
		_ = pool.Close()
	})
	return h
}

func (h *harness) open() { close(h.gate) }

func offer(src string, video bool) session.Offer {
	return session.Offer{SDP: "v=0", Type: "offer", Track: video, Source: src}
}

// connect negotiates a peer, opens one side channel and marks it connected.
func (h *harness) connect(src string, video bool) (*sessiontest.Peer, *sessiontest.Channel) {
	h.t.Helper()
	ans, err := h.srv.HandleOffer(context.Background(), offer(src, video))
	require.NoError(h.t, err)
	require.Equal(h.t, "answer", ans.Type)
	peers := h.tr.Peers()
	p := peers[len(peers)-1]
	ch := p.OpenChannel("chat")
	p.SetState(session.StateConnected)
	h.sync()
	return p, ch
}

// sync waits until every event queued so far has been handled.
func (h *harness) sync() session.Status {
	h.t.Helper()
	st, err := h.srv.Status(context.Background())
	require.NoError(h.t, err)
	return st
}

func seq(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i + 1)
	}
	return out
}

func counts(t *testing.T, ch *sessiontest.Channel) []uint64 {
	t.Helper()
	got, err := ch.FrameCounts()
	require.NoError(t, err)
	return got
}


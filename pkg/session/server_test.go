package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoTwoPeersReceiveEveryFrameInOrder(t *testing.T) {
	h := newHarness(t)
	p1, ch1 := h.connect("", true)
	p2, ch2 := h.connect("", true)

	st := h.sync()
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 2, st.Sessions[0].Peers)
	assert.Equal(t, 2, st.ConnectedChannels)

	h.open()
	require.Eventually(t, func() bool { return p1.Closed() && p2.Closed() }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, seq(10), counts(t, ch1))
	assert.Equal(t, seq(10), counts(t, ch2))
	assert.Equal(t, ch1.Messages(), ch2.Messages())
	assert.EqualValues(t, 10, h.calls.Load())

	f1, f2 := p1.Frames(), p2.Frames()
	require.Len(t, f1, 10)
	require.Len(t, f2, 10)
	for i := range f1 {
		assert.Equal(t, uint64(i+1), f1[i].Seq)
		assert.Equal(t, f1[i].Image.Pix, f2[i].Image.Pix, "frame %d", i+1)
	}

	require.Eventually(t, func() bool { return h.sourceCloses.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.solutionCloses.Load())
	assert.Empty(t, h.sync().Sessions)
	assert.True(t, h.tr.Tracks()[0].Closed())
}

func TestSidechannelMessageCarriesOutputFields(t *testing.T) {
	h := newHarness(t)
	_, ch := h.connect("gated://2", false)
	h.open()
	require.Eventually(t, func() bool { return len(ch.Messages()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"seq":1,"frame_cnt":1}`, string(ch.Messages()[0]))
	assert.JSONEq(t, `{"seq":2,"frame_cnt":2}`, string(ch.Messages()[1]))
}

func TestOneProducerPerSource(t *testing.T) {
	h := newHarness(t)
	h.openHold = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.srv.HandleOffer(context.Background(), offer("gated://0?interval=2ms", false))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		st := h.sync()
		return st.ConnectedPeers == 5 && len(st.Starting) == 1
	}, time.Second, 5*time.Millisecond)
	close(h.openHold)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, h.opens.Load())
	assert.Len(t, h.tr.Tracks(), 1)
	st := h.sync()
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 5, st.Sessions[0].Peers)
}

func TestFailedPeerDoesNotDisturbOthers(t *testing.T) {
	h := newHarness(t)
	const addr = "gated://0?interval=2ms"
	p1, ch1 := h.connect(addr, true)
	p2, ch2 := h.connect(addr, true)
	h.open()
	require.Eventually(t, func() bool { return len(ch1.Messages()) > 3 }, 5*time.Second, 5*time.Millisecond)

	p1.SetState(session.StateFailed)
	st := h.sync()
	require.Eventually(t, p1.Closed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, st.ConnectedPeers)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, 1, st.Sessions[0].Peers)

	track := h.tr.Tracks()[0]
	before := len(ch2.Messages())
	writes := track.Writes()
	require.Eventually(t, func() bool {
		return len(ch2.Messages()) > before+3 && track.Writes() > writes+3
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, p2.Closed())
	assert.False(t, track.Closed())
	assert.Equal(t, 1, track.Subscribers())
	assert.Zero(t, h.solutionCloses.Load())

	// ordering holds on the surviving peer
	got := counts(t, ch2)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1]+1, got[i])
	}

	p2.SetState(session.StateClosed)
	require.Eventually(t, func() bool { return h.sourceCloses.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, track.Closed())
	assert.EqualValues(t, 1, h.solutionCloses.Load())
	assert.Empty(t, h.sync().Sessions)
}

func TestRepeatedTerminalEventsTearDownOnce(t *testing.T) {
	h := newHarness(t)
	p, _ := h.connect("gated://0?interval=2ms", true)
	h.open()

	p.SetState(session.StateFailed)
	p.SetState(session.StateFailed)
	p.SetState(session.StateClosed)
	require.Eventually(t, func() bool { return h.sourceCloses.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	h.sync()
	assert.EqualValues(t, 1, h.solutionCloses.Load())
	assert.EqualValues(t, 1, h.sourceCloses.Load())

	ctx := context.Background()
	require.NoError(t, h.srv.Close(ctx))
	require.NoError(t, h.srv.Close(ctx))
	_, err := h.srv.HandleOffer(ctx, offer("", false))
	assert.ErrorIs(t, err, session.ErrServerClosed)
}

func TestSideChannelCloseIsIndependent(t *testing.T) {
	h := newHarness(t)
	const addr = "gated://0?interval=2ms"
	p1, ch1 := h.connect(addr, false)
	extra := p1.OpenChannel("metrics")
	h.sync()
	h.open()
	require.Eventually(t, func() bool { return len(extra.Messages()) > 2 }, 5*time.Second, 5*time.Millisecond)

	extra.Close()
	h.sync()
	closedAt := len(extra.Messages())
	before := len(ch1.Messages())
	require.Eventually(t, func() bool { return len(ch1.Messages()) > before+3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, closedAt, len(extra.Messages()))
	assert.False(t, p1.Closed())
	assert.Equal(t, 1, h.sync().ConnectedChannels)
}

func TestDataOnlyPeerGetsNoVideo(t *testing.T) {
	h := newHarness(t)
	viewer, _ := h.connect("gated://3", true)
	data, ch := h.connect("gated://3", false)
	h.open()
	require.Eventually(t, data.Closed, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, viewer.Frames(), 3)
	assert.Empty(t, data.Frames())
	assert.Equal(t, seq(3), counts(t, ch))
}

func TestCaptureOpenFailure(t *testing.T) {
	h := newHarness(t)
	for range 2 {
		_, err := h.srv.HandleOffer(context.Background(), offer("broken://cam", true))
		var se *session.StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "capture", se.Stage)
		assert.Equal(t, "broken://cam", se.Source)
	}
	_, err := h.srv.HandleOffer(context.Background(), offer("nothing://cam", true))
	assert.ErrorIs(t, err, registry.ErrNotRegistered)

	st := h.sync()
	assert.Empty(t, st.Sessions)
	assert.Empty(t, st.Starting)
	assert.Zero(t, st.ConnectedPeers)
	assert.Empty(t, h.tr.Peers())
}

func TestCaptureStartTimeoutReleasesSource(t *testing.T) {
	h := newHarness(t, withCapture(capture.Config{
		Threaded:     true,
		StartTimeout: 50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}))
	// the gate stays shut so no frame ever arrives
	_, err := h.srv.HandleOffer(context.Background(), offer("", true))
	assert.ErrorIs(t, err, capture.ErrCaptureTimeout)
	assert.EqualValues(t, 1, h.opens.Load())
	assert.EqualValues(t, 1, h.sourceCloses.Load())
	assert.Empty(t, h.sync().Sessions)
}

func TestSolutionFailureReleasesCapture(t *testing.T) {
	h := newHarness(t, withSolution("pose_estimation"))
	for range 2 {
		_, err := h.srv.HandleOffer(context.Background(), offer("", true))
		assert.ErrorIs(t, err, unit.ErrConfig)
		var se *session.StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "solution", se.Stage)
	}
	assert.EqualValues(t, 2, h.opens.Load())
	assert.EqualValues(t, 2, h.sourceCloses.Load())
}

func TestTrackFailureReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.tr.TrackErr = errors.New("encoder unavailable")
	_, err := h.srv.HandleOffer(context.Background(), offer("", true))
	require.Error(t, err)
	assert.EqualValues(t, 1, h.sourceCloses.Load())
	assert.EqualValues(t, 1, h.solutionCloses.Load())
}

func TestNegotiationFailureDropsEmptySession(t *testing.T) {
	h := newHarness(t)
	h.tr.NegotiateErr = errors.New("bad sdp")
	_, err := h.srv.HandleOffer(context.Background(), offer("", true))
	require.Error(t, err)

	require.Eventually(t, func() bool { return h.sourceCloses.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.solutionCloses.Load())
	st := h.sync()
	assert.Empty(t, st.Sessions)
	assert.Zero(t, st.ConnectedPeers)
}

func TestCancelledOfferWhileStarting(t *testing.T) {
	h := newHarness(t)
	h.openHold = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.srv.HandleOffer(ctx, offer("", true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(h.openHold)
	require.Eventually(t, func() bool { return h.sourceCloses.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	st := h.sync()
	assert.Empty(t, st.Sessions)
	assert.Zero(t, st.ConnectedPeers)
}

func TestCancelledOffersLeaveNoPeers(t *testing.T) {
	h := newHarness(t)
	h.open()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 20 {
		_, err := h.srv.HandleOffer(ctx, offer("gated://0?interval=1ms", true))
		require.ErrorIs(t, err, context.Canceled)
	}

	require.Eventually(t, func() bool {
		st := h.sync()
		return len(st.Sessions) == 0 && len(st.Starting) == 0 && st.ConnectedPeers == 0 &&
			h.opens.Load() == h.sourceCloses.Load()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.tr.Peers())
}

func TestTeardownWaitsForRunningProcess(t *testing.T) {
	h := newHarness(t)
	h.hold = 300 * time.Millisecond
	h.open()
	p, _ := h.connect("gated://0", true)

	require.Eventually(t, h.inFlight.Load, 5*time.Second, time.Millisecond)
	p.SetState(session.StateClosed)

	require.Eventually(t, func() bool { return h.solutionCloses.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.closedInFlight.Load())
	assert.EqualValues(t, 1, h.sourceCloses.Load())
}

func TestInvalidOffer(t *testing.T) {
	h := newHarness(t)
	_, err := h.srv.HandleOffer(context.Background(), session.Offer{SDP: "", Type: "answer"})
	assert.ErrorIs(t, err, session.ErrInvalidOffer)
	assert.Zero(t, h.opens.Load())
}

func TestCloseDisconnectsPeers(t *testing.T) {
	h := newHarness(t)
	p, _ := h.connect("gated://0?interval=2ms", true)
	h.open()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Close(ctx))
	assert.Eventually(t, p.Closed, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.solutionCloses.Load())
	assert.EqualValues(t, 1, h.sourceCloses.Load())
}

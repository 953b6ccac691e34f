package manager

import (
	"context"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/session/sessiontest"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, opts Options) (*Manager, *sessiontest.Transport) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, solution.Register(reg))
	require.NoError(t, capture.Register(reg))
	tr := sessiontest.New()
	pool := worker.New(2, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = pool.Close() })
	if opts.Session.Width == 0 {
		opts.Session.Width, opts.Session.Height = 32, 24
	}
	m, err := New(reg, tr, pool, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, tr
}

func TestAvailableDefaultsToEveryRegisteredSolution(t *testing.T) {
	m, _ := newManager(t, Options{})
	av := m.Available()
	for _, name := range []string{"raw_stream", "raw_datachannel", "object_detection", "person_detection"} {
		assert.Contains(t, av, name)
	}
	assert.IsType(t, &solution.RawStreamConfig{}, av["raw_stream"])
}

func TestAvailableWithEnabledKeepsRawSolutions(t *testing.T) {
	m, _ := newManager(t, Options{Enabled: []string{"object_detection"}})
	av := m.Available()
	assert.Len(t, av, 3)
	assert.Contains(t, av, "object_detection")
	assert.Contains(t, av, "raw_stream")
	assert.Contains(t, av, "raw_datachannel")
	assert.NotContains(t, av, "person_detection")
}

func TestNewRejectsUnknownEnabled(t *testing.T) {
	reg := registry.New()
	require.NoError(t, solution.Register(reg))
	_, err := New(reg, sessiontest.New(), nil, Options{Enabled: []string{"nope"}}, nil)
	assert.ErrorIs(t, err, ErrUnknownSolution)
}

func TestAddCamera(t *testing.T) {
	m, _ := newManager(t, Options{Cameras: []Camera{{Name: "door", Src: "testsrc://32x24"}}})
	require.NoError(t, m.AddCamera("yard", "1"))
	assert.ErrorIs(t, m.AddCamera("door", "2"), ErrCameraExists)
	assert.ErrorIs(t, m.AddCamera("", "2"), ErrInvalidCamera)
	assert.ErrorIs(t, m.AddCamera("web", "ftp://host/cam"), ErrInvalidCamera)
	assert.Equal(t, []Camera{{Name: "door", Src: "testsrc://32x24"}, {Name: "yard", Src: "1"}}, m.Cameras())
}

func TestStartReusesIdenticalRequests(t *testing.T) {
	m, _ := newManager(t, Options{})
	req := Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24"}

	a, err := m.Start(req)
	require.NoError(t, err)
	assert.Equal(t, "/solutions/"+a.ID+"/offer", a.URL)
	assert.NotNil(t, a.Server())

	b, err := m.Start(Request{SolutionName: "raw_stream", CameraSrc: " testsrc://32x24 ", Config: map[string]any{}})
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.Start(Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24", Config: map[string]any{"name": "Door"}})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Len(t, m.Running(), 2)

	// auto-added once
	assert.Equal(t, []Camera{{Name: "add_cam_1", Src: "testsrc://32x24"}}, m.Cameras())
}

func TestStartRejectsBadRequests(t *testing.T) {
	m, _ := newManager(t, Options{Enabled: []string{"object_detection"}})

	_, err := m.Start(Request{SolutionName: "person_detection", CameraSrc: "0"})
	assert.ErrorIs(t, err, ErrUnknownSolution)

	_, err = m.Start(Request{SolutionName: "raw_stream"})
	assert.ErrorIs(t, err, ErrInvalidCamera)

	_, err = m.Start(Request{SolutionName: "raw_stream", CameraSrc: "ftp://host/cam"})
	assert.ErrorIs(t, err, ErrInvalidCamera)

	_, err = m.Start(Request{SolutionName: "raw_stream", CameraSrc: "0", Config: map[string]any{"bogus": 1}})
	assert.ErrorIs(t, err, unit.ErrConfig)

	assert.Empty(t, m.Running())
}

func TestDeploymentServesOffers(t *testing.T) {
	m, tr := newManager(t, Options{})
	d, err := m.Start(Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24?fps=100"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ans, err := d.Server().HandleOffer(ctx, session.Offer{SDP: "v=0", Type: "offer", Track: true})
	require.NoError(t, err)
	assert.Equal(t, "answer", ans.Type)

	require.Eventually(t, func() bool {
		peers := tr.Peers()
		return len(peers) == 1 && len(peers[0].Frames()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := m.Get(d.ID)
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestStopAndClose(t *testing.T) {
	m, _ := newManager(t, Options{})
	d, err := m.Start(Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Stop(ctx, d.ID))
	assert.ErrorIs(t, m.Stop(ctx, d.ID), ErrNotRunning)
	_, ok := m.Get(d.ID)
	assert.False(t, ok)

	_, err = m.Start(Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24"})
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Running())

	_, err = m.Start(Request{SolutionName: "raw_stream", CameraSrc: "testsrc://32x24"})
	assert.ErrorIs(t, err, ErrClosed)
}

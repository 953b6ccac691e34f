package solution

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuilder(t *testing.T) *unit.Builder {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	return unit.NewBuilder(reg, nil)
}

func build(t *testing.T, method string, cfg map[string]any) Solution {
	t.Helper()
	s, err := Build(newBuilder(t), unit.Config{Method: method, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	assert.Equal(t,
		[]string{"object_detection", "person_detection", "raw_datachannel", "raw_stream"},
		reg.ListAvailable(Kind))
	assert.Equal(t, []string{"frame_diff", "http"}, reg.ListAvailable(KindObjectDetector))
	assert.Equal(t, []string{"frame_diff", "http"}, reg.ListAvailable(KindPersonDetector))
}

func TestRawStreamEchoesFrame(t *testing.T) {
	s := build(t, "raw_stream", map[string]any{})
	assert.Equal(t, "Raw Stream Solution", s.Name())

	for i := 1; i <= 3; i++ {
		f := frame.New(8, 8)
		out, err := unit.ProcessAs[*RawStreamOutput](context.Background(), s, &Input{Frame: f})
		require.NoError(t, err)
		assert.Same(t, f, out.Frame())
		assert.Equal(t, uint64(i), out.FrameCount())
	}
	assert.Equal(t, uint64(3), s.FrameCount())
}

func TestRawStreamRejectsWrongInput(t *testing.T) {
	s := build(t, "raw_stream", map[string]any{})
	_, err := unit.Process(context.Background(), s, frame.New(2, 2))
	assert.ErrorIs(t, err, unit.ErrTypeMismatch)
	assert.Zero(t, s.FrameCount())
}

func TestRawStreamUnknownConfigKey(t *testing.T) {
	_, err := Build(newBuilder(t), unit.Config{Method: "raw_stream", Config: map[string]any{"fps": 3}})
	require.Error(t, err)
	var ce *unit.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "fps", ce.Field)
}

func moved(w, h int, block image.Rectangle) (*frame.Frame, *frame.Frame) {
	a := frame.New(w, h)
	b := frame.New(w, h)
	frame.Fill(b.Image, block, frame.White)
	return a, b
}

func TestObjectDetectionFrameDiff(t *testing.T) {
	s := build(t, "object_detection", map[string]any{})
	ctx := context.Background()
	a, b := moved(64, 64, image.Rect(16, 16, 32, 32))

	first, err := unit.ProcessAs[*ObjectDetectionOutput](ctx, s, &Input{Frame: a})
	require.NoError(t, err)
	assert.Empty(t, first.BBoxes)
	assert.Empty(t, first.ClassNames)

	second, err := unit.ProcessAs[*ObjectDetectionOutput](ctx, s, &Input{Frame: b})
	require.NoError(t, err)
	assert.Equal(t, [][4]int{{16, 16, 32, 32}}, second.BBoxes)
	assert.Equal(t, []string{"motion"}, second.ClassNames)
	assert.Equal(t, uint64(2), second.FrameCount())
	assert.Equal(t, frame.Red, b.Image.RGBAAt(16, 20))
}

func TestObjectDetectionMinAreaFiltersNoise(t *testing.T) {
	s := build(t, "object_detection", map[string]any{
		"object_detector": map[string]any{
			"method": "frame_diff",
			"config": map[string]any{"min_area": 1024},
		},
	})
	a, b := moved(64, 64, image.Rect(16, 16, 32, 32))
	_, err := unit.Process(context.Background(), s, &Input{Frame: a})
	require.NoError(t, err)
	out, err := unit.ProcessAs[*ObjectDetectionOutput](context.Background(), s, &Input{Frame: b})
	require.NoError(t, err)
	assert.Empty(t, out.BBoxes)
}

func TestPersonDetectionLabelsPerson(t *testing.T) {
	s := build(t, "person_detection", map[string]any{"name": "Porch"})
	assert.Equal(t, "Porch", s.Name())
	a, b := moved(64, 64, image.Rect(0, 0, 24, 24))

	_, err := unit.Process(context.Background(), s, &Input{Frame: a})
	require.NoError(t, err)
	out, err := unit.ProcessAs[*PersonDetectionOutput](context.Background(), s, &Input{Frame: b})
	require.NoError(t, err)
	assert.Equal(t, [][4]int{{0, 0, 24, 24}}, out.BBoxes)
}

func TestDetectionChildConfigErrors(t *testing.T) {
	b := newBuilder(t)

	_, err := Build(b, unit.Config{Method: "object_detection", Config: map[string]any{
		"object_detector": map[string]any{"method": "yolo", "config": map[string]any{}},
	}})
	assert.ErrorIs(t, err, registry.ErrNotRegistered)

	_, err = Build(b, unit.Config{Method: "person_detection", Config: map[string]any{
		"person_detector": map[string]any{"method": "frame_diff", "config": map[string]any{"threshold": 0}},
	}})
	var ce *unit.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "threshold", ce.Field)
	assert.Equal(t, string(KindPersonDetector), ce.Kind)
}

func TestDetectionPartialChildConfigIsRejected(t *testing.T) {
	b := newBuilder(t)

	_, err := Build(b, unit.Config{Method: "object_detection", Config: map[string]any{
		"object_detector": map[string]any{"method": "frame_diff"},
	}})
	assert.ErrorIs(t, err, unit.ErrConfig)
	assert.ErrorContains(t, err, `field "config"`)

	_, err = Build(b, unit.Config{Method: "person_detection", Config: map[string]any{
		"person_detector": map[string]any{"config": map[string]any{"threshold": 30}},
	}})
	assert.ErrorIs(t, err, unit.ErrConfig)
	assert.ErrorContains(t, err, `field "method"`)
}

func TestDetectionDefaultsWhenChildOmitted(t *testing.T) {
	s, err := Build(newBuilder(t), unit.Config{Method: "object_detection", Config: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "Object Detection Solution", s.Name())
}

func TestDetectionRejectsForeignChild(t *testing.T) {
	bad := unit.New[*Input, *RawStreamOutput]("bad", func(context.Context, *Input) (*RawStreamOutput, error) {
		return nil, nil
	})
	_, err := NewObjectDetection("", bad)
	assert.ErrorIs(t, err, unit.ErrTypeMismatch)
}

func TestRawDatachannelCyclesMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"class_names":["cat"],"bboxes":[[1,2,3,4]]}`+"\n\n"+
			`{"class_names":[],"bboxes":[]}`+"\n"), 0o644))

	s := build(t, "raw_datachannel", map[string]any{"message_file": path})
	assert.Equal(t, reflect.TypeFor[*ObjectDetectionOutput](), s.OutputType())

	want := [][]string{{"cat"}, {}, {"cat"}, {}}
	for i, names := range want {
		f := frame.New(4, 4)
		out, err := unit.ProcessAs[*ObjectDetectionOutput](context.Background(), s, &Input{Frame: f})
		require.NoError(t, err)
		assert.Equal(t, names, out.ClassNames)
		assert.Equal(t, uint64(i+1), out.FrameCount())
		assert.Same(t, f, out.Frame())
	}
}

func TestRawDatachannelUnknownSolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	_, err := Build(newBuilder(t), unit.Config{Method: "raw_datachannel", Config: map[string]any{
		"solution_name": "pose", "message_file": path,
	}})
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
}

func TestRawDatachannelEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
	_, err := Build(newBuilder(t), unit.Config{Method: "raw_datachannel", Config: map[string]any{"message_file": path}})
	assert.Error(t, err)
}

func TestHTTPDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "image/jpeg" || len(body) == 0 {
			http.Error(w, "bad frame", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bbox":[[0,0,4,4],[2,2,6,6]],"scores":[0.9,0.4],"class_names":["person","dog"]}`)
	}))
	t.Cleanup(srv.Close)

	s := build(t, "person_detection", map[string]any{
		"person_detector": map[string]any{"method": "http", "config": map[string]any{"url": srv.URL}},
	})
	out, err := unit.ProcessAs[*PersonDetectionOutput](context.Background(), s, &Input{Frame: frame.New(16, 16)})
	require.NoError(t, err)
	assert.Equal(t, [][4]int{{0, 0, 4, 4}}, out.BBoxes)

	o := build(t, "object_detection", map[string]any{
		"object_detector": map[string]any{"method": "http", "config": map[string]any{"url": srv.URL}},
	})
	obj, err := unit.ProcessAs[*ObjectDetectionOutput](context.Background(), o, &Input{Frame: frame.New(16, 16)})
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "dog"}, obj.ClassNames)
}

func TestHTTPDetectorMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"bbox":[[0,0,4,4]],"scores":[],"class_names":["cat"]}`)
	}))
	t.Cleanup(srv.Close)

	d := newHTTPDetector("http", HTTPDetectorConfig{URL: srv.URL, Quality: 80})
	t.Cleanup(func() { _ = d.Close() })
	_, err := d.detect(context.Background(), &DetectorInput{Frame: frame.New(4, 4)})
	assert.ErrorContains(t, err, "1 boxes, 0 scores")
}

func TestHTTPDetectorConfigRequiresURL(t *testing.T) {
	_, err := Build(newBuilder(t), unit.Config{Method: "object_detection", Config: map[string]any{
		"object_detector": map[string]any{"method": "http", "config": map[string]any{}},
	}})
	var ce *unit.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "url", ce.Field)
}

func TestRenderOverlayDrawsText(t *testing.T) {
	f := frame.New(320, 240)
	NewBase("Overlay").RenderOverlay(f, 19.5, 42)

	lit := 0
	for _, p := range f.Image.Pix {
		if p != 0 {
			lit++
		}
	}
	assert.Positive(t, lit)
	NewBase("nil").RenderOverlay(nil, 0, 0)
}

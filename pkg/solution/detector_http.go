package solution

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"reflect"
	"slices"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

type HTTPDetectorConfig struct {
	URL       string   `json:"url" validate:"required,url"`
	TimeoutMS int      `json:"timeout_ms" validate:"gte=0"`
	Quality   int      `json:"quality" validate:"gte=1,lte=100"`
	Classes   []string `json:"classes"`
}

// httpDetector posts each frame as JPEG to an inference endpoint that
// answers with a DetectorOutput document.
type httpDetector struct {
	unit.Func[*DetectorInput, *DetectorOutput]
	name   string
	cfg    HTTPDetectorConfig
	client *http.Client
}

func newHTTPDetector(name string, cfg HTTPDetectorConfig) *httpDetector {
	d := &httpDetector{name: name, cfg: cfg, client: &http.Client{}}
	d.Func = d.detect
	return d
}

func (d *httpDetector) Name() string { return d.name }

func (d *httpDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *httpDetector) detect(ctx context.Context, in *DetectorInput) (*DetectorOutput, error) {
	if in == nil || in.Frame == nil || in.Frame.Image == nil {
		return nil, errNoFrame
	}
	var body bytes.Buffer
	if err := jpeg.Encode(&body, in.Frame.Image, &jpeg.Options{Quality: d.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if d.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var got DetectorOutput
	if err := codec.Sonic.Unmarshal(raw, &got); err != nil {
		return nil, fmt.Errorf("inference response: %w", err)
	}
	if len(got.Scores) != len(got.BBox) || len(got.ClassNames) != len(got.BBox) {
		return nil, fmt.Errorf("inference response: %d boxes, %d scores, %d class names",
			len(got.BBox), len(got.Scores), len(got.ClassNames))
	}
	out := emptyDetections()
	for i := range got.BBox {
		if len(d.cfg.Classes) > 0 && !slices.Contains(d.cfg.Classes, got.ClassNames[i]) {
			continue
		}
		out.BBox = append(out.BBox, got.BBox[i])
		out.Scores = append(out.Scores, got.Scores[i])
		out.ClassNames = append(out.ClassNames, got.ClassNames[i])
	}
	return out, nil
}

func httpDetectorFactory(classes []string) *unit.Factory {
	return &unit.Factory{
		Schema: func() any {
			return &HTTPDetectorConfig{TimeoutMS: 2000, Quality: 80, Classes: slices.Clone(classes)}
		},
		New: func(_ *unit.Builder, settings any) (unit.Unit, error) {
			return newHTTPDetector("http", *settings.(*HTTPDetectorConfig)), nil
		},
		Output: reflect.TypeFor[*DetectorOutput](),
		Doc:    "http: remote inference over JPEG",
	}
}

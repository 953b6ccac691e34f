// Package solution holds the pipelines served to peers. A solution is a
// processing unit that takes an *Input frame, may delegate to child units
// built from nested configs, and returns an Output carrying the rendered
// frame plus structured fields that are sent over side channels.
package solution

import (
	"errors"
	"fmt"
	"image"
	"reflect"
	"sync/atomic"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

const Kind registry.Kind = "solution"

var errNoFrame = errors.New("solution: input has no frame")

// Input is the frame handed to a solution.
type Input struct {
	Frame *frame.Frame
}

// Output is implemented by every solution output via an embedded Rendered.
// Fields other than the rendered frame are serialized to side channels.
type Output interface {
	Frame() *frame.Frame
	FrameCount() uint64
	setRendered(f *frame.Frame, n uint64)
}

// Rendered carries the frame a solution returns and the per-pipeline counter
// value it was produced at. Neither is serialized.
type Rendered struct {
	Image *frame.Frame `json:"-"`
	Count uint64       `json:"-"`
}

func (r *Rendered) Frame() *frame.Frame                  { return r.Image }
func (r *Rendered) FrameCount() uint64                   { return r.Count }
func (r *Rendered) setRendered(f *frame.Frame, n uint64) { r.Image, r.Count = f, n }

var outputType = reflect.TypeFor[Output]()

// Solution is a pipeline: a unit whose output is an Output.
type Solution interface {
	unit.Unit
	FrameCount() uint64
	RenderOverlay(f *frame.Frame, fps float64, frameCount uint64)
	Close() error
}

// Base supplies the name, frame counter and overlay shared by solutions.
type Base struct {
	name   string
	frames atomic.Uint64
}

func NewBase(name string) *Base { return &Base{name: name} }

func (b *Base) Name() string       { return b.name }
func (b *Base) FrameCount() uint64 { return b.frames.Load() }
func (b *Base) Close() error       { return nil }

// Next advances the per-pipeline counter and returns the new value.
func (b *Base) Next() uint64 { return b.frames.Add(1) }

// Emit fills out's rendered frame and advances the counter.
func (b *Base) Emit(out Output, f *frame.Frame) {
	out.setRendered(f, b.Next())
}

// RenderOverlay burns the solution name, frame count and fps into f.
func (b *Base) RenderOverlay(f *frame.Frame, fps float64, frameCount uint64) {
	if f == nil || f.Image == nil {
		return
	}
	img := f.Image
	scale := max(1, img.Bounds().Dy()/240)
	line := frame.TextHeight(scale) + 4*scale
	at := img.Bounds().Min.Add(image.Pt(10*scale, 10*scale))

	frame.Text(img, at, b.name, frame.White, scale)
	frame.Text(img, at.Add(image.Pt(0, line)), fmt.Sprintf("Frame:  %d", frameCount), frame.Violet, scale)
	frame.Text(img, at.Add(image.Pt(0, 2*line)), fmt.Sprintf("FPS:    %.2f", fps), frame.Violet, scale)
}

// Build constructs the solution selected by c.
func Build(b *unit.Builder, c unit.Config) (Solution, error) {
	u, err := b.Build(Kind, c)
	if err != nil {
		return nil, err
	}
	s, ok := u.(Solution)
	if !ok {
		_ = unit.Close(u)
		return nil, fmt.Errorf("solution %q: %T is not a solution", c.Method, u)
	}
	if !s.OutputType().Implements(outputType) {
		_ = s.Close()
		return nil, fmt.Errorf("solution %q: output %v does not embed solution.Rendered", c.Method, s.OutputType())
	}
	return s, nil
}

func frameOf(in *Input) (*frame.Frame, error) {
	if in == nil || in.Frame == nil || in.Frame.Image == nil {
		return nil, errNoFrame
	}
	return in.Frame, nil
}

func nameOr(name, def string) string {
	if name != "" {
		return name
	}
	return def
}

package solution

import (
	"context"
	"image"
	"reflect"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

const (
	KindObjectDetector registry.Kind = "object_detector"
	KindPersonDetector registry.Kind = "person_detector"
)

type DetectorInput struct {
	Frame *frame.Frame
}

// DetectorOutput lists detections as [xmin, ymin, xmax, ymax] boxes with
// parallel scores and class names.
type DetectorOutput struct {
	BBox       [][4]int  `json:"bbox"`
	Scores     []float64 `json:"scores"`
	ClassNames []string  `json:"class_names"`
}

func (o *DetectorOutput) add(box image.Rectangle, score float64, class string) {
	o.BBox = append(o.BBox, [4]int{box.Min.X, box.Min.Y, box.Max.X, box.Max.Y})
	o.Scores = append(o.Scores, score)
	o.ClassNames = append(o.ClassNames, class)
}

func emptyDetections() *DetectorOutput {
	return &DetectorOutput{BBox: [][4]int{}, Scores: []float64{}, ClassNames: []string{}}
}

type FrameDiffConfig struct {
	Threshold int    `json:"threshold" validate:"gte=1,lte=255"`
	Cell      int    `json:"cell" validate:"gte=2,lte=64"`
	MinArea   int    `json:"min_area" validate:"gte=0"`
	Label     string `json:"label" validate:"required"`
}

// frameDiff reports regions whose mean luminance changed since the previous
// frame. The first frame yields no detections.
type frameDiff struct {
	cfg  FrameDiffConfig
	prev []uint8
}

func newFrameDiff(name string, cfg FrameDiffConfig) unit.Unit {
	d := &frameDiff{cfg: cfg}
	return unit.New[*DetectorInput, *DetectorOutput](name, d.detect)
}

func (d *frameDiff) detect(_ context.Context, in *DetectorInput) (*DetectorOutput, error) {
	if in == nil || in.Frame == nil || in.Frame.Image == nil {
		return nil, errNoFrame
	}
	img := in.Frame.Image
	b := img.Bounds()
	cell := d.cfg.Cell
	cw, ch := (b.Dx()+cell-1)/cell, (b.Dy()+cell-1)/cell

	cur := cellLuma(img, cell, cw, ch)
	out := emptyDetections()
	if len(d.prev) != len(cur) {
		d.prev = cur
		return out, nil
	}
	changed := make([]bool, len(cur))
	for i := range cur {
		diff := int(cur[i]) - int(d.prev[i])
		changed[i] = diff >= d.cfg.Threshold || -diff >= d.cfg.Threshold
	}
	d.prev = cur

	seen := make([]bool, len(cur))
	queue := make([]int, 0, 64)
	for start := range changed {
		if !changed[start] || seen[start] {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		minX, minY, maxX, maxY := cw, ch, -1, -1
		count := 0
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%cw, i/cw
			count++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= cw || ny >= ch {
						continue
					}
					j := ny*cw + nx
					if changed[j] && !seen[j] {
						seen[j] = true
						queue = append(queue, j)
					}
				}
			}
		}
		if count*cell*cell < d.cfg.MinArea {
			continue
		}
		box := image.Rect(
			b.Min.X+minX*cell, b.Min.Y+minY*cell,
			b.Min.X+(maxX+1)*cell, b.Min.Y+(maxY+1)*cell,
		).Intersect(b)
		fill := float64(count) / float64((maxX-minX+1)*(maxY-minY+1))
		out.add(box, fill, d.cfg.Label)
	}
	return out, nil
}

// cellLuma averages BT.601 luma over cell x cell blocks.
func cellLuma(img *image.RGBA, cell, cw, ch int) []uint8 {
	b := img.Bounds()
	sums := make([]int, cw*ch)
	counts := make([]int, cw*ch)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		cy := (y - b.Min.Y) / cell
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			l := (299*int(p[0]) + 587*int(p[1]) + 114*int(p[2])) / 1000
			i := cy*cw + x/cell
			sums[i] += l
			counts[i]++
		}
	}
	out := make([]uint8, len(sums))
	for i := range sums {
		if counts[i] > 0 {
			out[i] = uint8(sums[i] / counts[i])
		}
	}
	return out
}

func frameDiffFactory(label string) *unit.Factory {
	return &unit.Factory{
		Schema: func() any {
			return &FrameDiffConfig{Threshold: 25, Cell: 8, MinArea: 256, Label: label}
		},
		New: func(_ *unit.Builder, settings any) (unit.Unit, error) {
			return newFrameDiff("frame_diff", *settings.(*FrameDiffConfig)), nil
		},
		Output: reflect.TypeFor[*DetectorOutput](),
		Doc:    "frame_diff: luminance change regions labelled " + label,
	}
}

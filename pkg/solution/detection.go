package solution

import (
	"context"
	"fmt"
	"image"
	"reflect"
	"strconv"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

type ObjectDetectionConfig struct {
	ObjectDetector unit.Config `json:"object_detector"`
	Name           string      `json:"name"`
}

type ObjectDetectionOutput struct {
	Rendered
	ClassNames []string `json:"class_names"`
	BBoxes     [][4]int `json:"bboxes"`
}

// ObjectDetection runs an object_detector child and draws its boxes with
// "class_score" labels.
type ObjectDetection struct {
	*Base
	unit.Func[*Input, *ObjectDetectionOutput]
	detector unit.Unit
}

func NewObjectDetection(name string, detector unit.Unit) (*ObjectDetection, error) {
	if err := expectDetector(detector); err != nil {
		return nil, err
	}
	s := &ObjectDetection{Base: NewBase(nameOr(name, "Object Detection Solution")), detector: detector}
	s.Func = s.process
	return s, nil
}

func (s *ObjectDetection) process(ctx context.Context, in *Input) (*ObjectDetectionOutput, error) {
	f, err := frameOf(in)
	if err != nil {
		return nil, err
	}
	det, err := unit.ProcessAs[*DetectorOutput](ctx, s.detector, &DetectorInput{Frame: f})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	for k, box := range det.BBox {
		drawDetection(f.Image, box, det.ClassNames[k]+"_"+formatScore(det.Scores[k]))
	}
	out := &ObjectDetectionOutput{ClassNames: det.ClassNames, BBoxes: det.BBox}
	s.Emit(out, f)
	return out, nil
}

func (s *ObjectDetection) Close() error { return unit.Close(s.detector) }

type PersonDetectionConfig struct {
	PersonDetector unit.Config `json:"person_detector"`
	Name           string      `json:"name"`
}

type PersonDetectionOutput struct {
	Rendered
	BBoxes [][4]int `json:"bboxes"`
}

// PersonDetection runs a person_detector child and draws its boxes with the
// score as label.
type PersonDetection struct {
	*Base
	unit.Func[*Input, *PersonDetectionOutput]
	detector unit.Unit
}

func NewPersonDetection(name string, detector unit.Unit) (*PersonDetection, error) {
	if err := expectDetector(detector); err != nil {
		return nil, err
	}
	s := &PersonDetection{Base: NewBase(nameOr(name, "Person Detection Solution")), detector: detector}
	s.Func = s.process
	return s, nil
}

func (s *PersonDetection) process(ctx context.Context, in *Input) (*PersonDetectionOutput, error) {
	f, err := frameOf(in)
	if err != nil {
		return nil, err
	}
	det, err := unit.ProcessAs[*DetectorOutput](ctx, s.detector, &DetectorInput{Frame: f})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	for k, box := range det.BBox {
		drawDetection(f.Image, box, formatScore(det.Scores[k]))
	}
	out := &PersonDetectionOutput{BBoxes: det.BBox}
	s.Emit(out, f)
	return out, nil
}

func (s *PersonDetection) Close() error { return unit.Close(s.detector) }

func expectDetector(u unit.Unit) error {
	if u == nil {
		return fmt.Errorf("detector is nil")
	}
	if u.InputType() != reflect.TypeFor[*DetectorInput]() || u.OutputType() != reflect.TypeFor[*DetectorOutput]() {
		_ = unit.Close(u)
		return &unit.TypeMismatchError{
			Unit:  u.Name(),
			Stage: "detector",
			Want:  "*solution.DetectorInput -> *solution.DetectorOutput",
			Got:   fmt.Sprintf("%v -> %v", u.InputType(), u.OutputType()),
		}
	}
	return nil
}

func drawDetection(img *image.RGBA, box [4]int, label string) {
	r := image.Rect(box[0], box[1], box[2], box[3])
	frame.Rect(img, r, frame.Red, 2)
	frame.Text(img, image.Pt(r.Min.X, max(0, r.Min.Y-frame.TextHeight(1)-2)), label, frame.Blue, 1)
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}

var objectDetectionFactory = &unit.Factory{
	Schema: func() any {
		return &ObjectDetectionConfig{ObjectDetector: unit.Config{Method: "frame_diff", Config: map[string]any{}}}
	},
	New: func(b *unit.Builder, settings any) (unit.Unit, error) {
		cfg := settings.(*ObjectDetectionConfig)
		det, err := b.Build(KindObjectDetector, cfg.ObjectDetector)
		if err != nil {
			return nil, err
		}
		return NewObjectDetection(cfg.Name, det)
	},
	Output: reflect.TypeFor[*ObjectDetectionOutput](),
	Doc:    "object_detection: boxes and class labels from an object_detector",
}

var personDetectionFactory = &unit.Factory{
	Schema: func() any {
		return &PersonDetectionConfig{PersonDetector: unit.Config{Method: "frame_diff", Config: map[string]any{}}}
	},
	New: func(b *unit.Builder, settings any) (unit.Unit, error) {
		cfg := settings.(*PersonDetectionConfig)
		det, err := b.Build(KindPersonDetector, cfg.PersonDetector)
		if err != nil {
			return nil, err
		}
		return NewPersonDetection(cfg.Name, det)
	},
	Output: reflect.TypeFor[*PersonDetectionOutput](),
	Doc:    "person_detection: person boxes with scores from a person_detector",
}

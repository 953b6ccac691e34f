package solution

import (
	"context"
	"reflect"

	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

type RawStreamConfig struct {
	Name string `json:"name"`
}

type RawStreamOutput struct {
	Rendered
	Upstream map[string]any `json:"upstream,omitempty"`
}

// RawStream re-streams the source unchanged.
type RawStream struct {
	*Base
	unit.Func[*Input, *RawStreamOutput]
}

func NewRawStream(name string) *RawStream {
	s := &RawStream{Base: NewBase(nameOr(name, "Raw Stream Solution"))}
	s.Func = s.process
	return s
}

func (s *RawStream) process(_ context.Context, in *Input) (*RawStreamOutput, error) {
	f, err := frameOf(in)
	if err != nil {
		return nil, err
	}
	out := &RawStreamOutput{Upstream: f.Meta}
	s.Emit(out, f)
	return out, nil
}

var rawStreamFactory = &unit.Factory{
	Schema: func() any { return &RawStreamConfig{} },
	New: func(_ *unit.Builder, settings any) (unit.Unit, error) {
		return NewRawStream(settings.(*RawStreamConfig).Name), nil
	},
	Output: reflect.TypeFor[*RawStreamOutput](),
	Doc:    "raw_stream: re-stream frames without processing",
}

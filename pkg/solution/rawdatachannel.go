package solution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
)

type RawDatachannelConfig struct {
	SolutionName string `json:"solution_name" validate:"required"`
	MessageFile  string `json:"message_file" validate:"required"`
	Name         string `json:"name"`
}

// RawDatachannel replays recorded results of another solution, one JSON line
// per frame, cycling through the file. Its output type is the replayed
// solution's output type.
type RawDatachannel struct {
	*Base
	messages [][]byte
	output   reflect.Type
}

func NewRawDatachannel(name string, output reflect.Type, messages [][]byte) (*RawDatachannel, error) {
	if len(messages) == 0 {
		return nil, errors.New("raw_datachannel: no messages")
	}
	if output == nil || output.Kind() != reflect.Pointer || !output.Implements(outputType) {
		return nil, fmt.Errorf("raw_datachannel: %v is not a solution output", output)
	}
	return &RawDatachannel{
		Base:     NewBase(nameOr(name, "Raw Datachannel Solution")),
		messages: messages,
		output:   output,
	}, nil
}

func (s *RawDatachannel) InputType() reflect.Type  { return reflect.TypeFor[*Input]() }
func (s *RawDatachannel) OutputType() reflect.Type { return s.output }

func (s *RawDatachannel) Transform(_ context.Context, in any) (any, error) {
	inp, ok := in.(*Input)
	if !ok {
		return nil, &unit.TypeMismatchError{Unit: s.Name(), Stage: "input", Want: "*solution.Input", Got: fmt.Sprintf("%T", in)}
	}
	f, err := frameOf(inp)
	if err != nil {
		return nil, err
	}
	n := s.Next()
	line := s.messages[(n-1)%uint64(len(s.messages))]

	v := reflect.New(s.output.Elem())
	if err := codec.Sonic.Unmarshal(line, v.Interface()); err != nil {
		return nil, fmt.Errorf("raw_datachannel: message %d: %w", (n-1)%uint64(len(s.messages))+1, err)
	}
	out := v.Interface().(Output)
	out.setRendered(f, n)
	return out, nil
}

func readLines(path string) ([][]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, l := range bytes.Split(b, []byte("\n")) {
		if l = bytes.TrimSpace(l); len(l) > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

var rawDatachannelFactory = &unit.Factory{
	Schema: func() any { return &RawDatachannelConfig{SolutionName: "object_detection"} },
	New: func(b *unit.Builder, settings any) (unit.Unit, error) {
		cfg := settings.(*RawDatachannelConfig)
		target, err := b.Factory(Kind, cfg.SolutionName)
		if err != nil {
			return nil, err
		}
		if target.Output == nil {
			return nil, fmt.Errorf("raw_datachannel: solution %q declares no output type", cfg.SolutionName)
		}
		lines, err := readLines(cfg.MessageFile)
		if err != nil {
			return nil, fmt.Errorf("raw_datachannel: %w", err)
		}
		return NewRawDatachannel(cfg.Name, target.Output, lines)
	},
	Doc: "raw_datachannel: replay recorded side-channel results from a file",
}

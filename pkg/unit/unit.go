// Package unit defines the processing-unit contract: every transform step
// declares the concrete type it accepts and returns, and is invoked through
// Process, which enforces both declarations and records timing.
package unit

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Unit is one typed transform step. Implementations are not assumed to be
// safe for concurrent use.
type Unit interface {
	Name() string
	InputType() reflect.Type
	OutputType() reflect.Type
	Transform(ctx context.Context, in any) (any, error)
}

// Func adapts a typed function into the InputType/OutputType/Transform half
// of Unit. Embed it in a struct that supplies Name.
type Func[I, O any] func(ctx context.Context, in I) (O, error)

func (f Func[I, O]) InputType() reflect.Type  { return reflect.TypeFor[I]() }
func (f Func[I, O]) OutputType() reflect.Type { return reflect.TypeFor[O]() }

func (f Func[I, O]) Transform(ctx context.Context, in any) (any, error) {
	v, ok := in.(I)
	if !ok {
		return nil, mismatch("", "input", reflect.TypeFor[I](), in)
	}
	return f(ctx, v)
}

type named[I, O any] struct {
	Func[I, O]
	name string
}

func (n named[I, O]) Name() string { return n.name }

// New returns a Unit named name backed by fn.
func New[I, O any](name string, fn Func[I, O]) Unit {
	return named[I, O]{Func: fn, name: name}
}

var (
	tracer = otel.Tracer("github.com/joeydtaylor/steeze-vision/pkg/unit")
	active atomic.Pointer[zap.Logger]
	nop    = zap.NewNop()
)

// SetLogger sets the logger used for per-call timing (debug level). It may
// be called while units are running.
func SetLogger(l *zap.Logger) {
	if l != nil {
		active.Store(l)
	}
}

func logger() *zap.Logger {
	if l := active.Load(); l != nil {
		return l
	}
	return nop
}

// Process runs u on in. The input is checked against u.InputType before the
// transform runs and the output against u.OutputType after; a mismatch fails
// the call with a *TypeMismatchError. Duration is recorded but never affects
// the result.
func Process(ctx context.Context, u Unit, in any) (any, error) {
	if err := check(u.Name(), "input", u.InputType(), in); err != nil {
		logger().Error("unit contract violation", zap.String("unit", u.Name()), zap.Error(err))
		return nil, err
	}

	ctx, span := tracer.Start(ctx, u.Name(), trace.WithAttributes(attribute.String("unit", u.Name())))
	defer span.End()

	start := time.Now()
	out, err := u.Transform(ctx, in)
	elapsed := time.Since(start)

	metrics.ObserveProcess(u.Name(), elapsed)
	logger().Debug("unit processed",
		zap.String("unit", u.Name()),
		zap.Float64("ms", float64(elapsed.Microseconds())/1000),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := check(u.Name(), "output", u.OutputType(), out); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger().Error("unit contract violation", zap.String("unit", u.Name()), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// ProcessAs is Process with the result asserted to O.
func ProcessAs[O any](ctx context.Context, u Unit, in any) (O, error) {
	var zero O
	out, err := Process(ctx, u, in)
	if err != nil {
		return zero, err
	}
	v, ok := out.(O)
	if !ok {
		return zero, mismatch(u.Name(), "output", reflect.TypeFor[O](), out)
	}
	return v, nil
}

func check(name, stage string, want reflect.Type, v any) error {
	if want == nil {
		return nil
	}
	got := reflect.TypeOf(v)
	if got == want {
		return nil
	}
	if got != nil && want.Kind() == reflect.Interface && got.Implements(want) {
		return nil
	}
	return mismatch(name, stage, want, v)
}

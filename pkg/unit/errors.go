package unit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrTypeMismatch = errors.New("unit: type mismatch")
	ErrConfig       = errors.New("unit: invalid config")
)

// TypeMismatchError is a contract violation by a unit or its caller. It is
// not retried.
type TypeMismatchError struct {
	Unit  string
	Stage string // "input" or "output"
	Want  string
	Got   string
}

func (e *TypeMismatchError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("unit: %s type mismatch: want %s, got %s", e.Stage, e.Want, e.Got)
	}
	return fmt.Sprintf("unit %q: %s type mismatch: want %s, got %s", e.Unit, e.Stage, e.Want, e.Got)
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

func mismatch(name, stage string, want reflect.Type, v any) error {
	got := "nil"
	if t := reflect.TypeOf(v); t != nil {
		got = t.String()
	}
	return &TypeMismatchError{Unit: name, Stage: stage, Want: want.String(), Got: got}
}

// ConfigError names the offending field of a method config.
type ConfigError struct {
	Kind   string
	Method string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Kind != "" {
		b.WriteString(" " + e.Kind)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, " %q", e.Method)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

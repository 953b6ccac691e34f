package registry

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered = errors.New("registry: already registered")
	ErrNotRegistered     = errors.New("registry: not registered")
)

// AlreadyRegisteredError reports a duplicate (kind, name) without override.
type AlreadyRegisteredError struct {
	Kind      Kind
	Name      string
	Existing  string
	Attempted string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("registry: %s %q already registered as %s (attempted %s)",
		e.Kind, e.Name, e.Existing, e.Attempted)
}

func (e *AlreadyRegisteredError) Unwrap() error { return ErrAlreadyRegistered }

// NotRegisteredError reports a lookup of an unknown name.
type NotRegisteredError struct {
	Kind      Kind
	Name      string
	Available []string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("registry: %s %q not registered (registered: %v)", e.Kind, e.Name, e.Available)
}

func (e *NotRegisteredError) Unwrap() error { return ErrNotRegistered }

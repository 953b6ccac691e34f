// pkg/registry/registry.go
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Kind names a capability table, e.g. "solution" or "object_detector".
type Kind string

// Registry maps (kind, name) to a factory. Lookups are safe for concurrent
// use; registration is expected to happen once at process start.
type Registry struct {
	mu  sync.RWMutex
	reg map[Kind]map[string]any // kind -> name -> factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{reg: make(map[Kind]map[string]any)}
}

// Register binds factory under kind/name. An existing binding is replaced only
// when override is true. Registering the identical factory again is a no-op.
func (r *Registry) Register(kind Kind, name string, factory any, override bool) error {
	if kind == "" || name == "" || factory == nil {
		return fmt.Errorf("registry: kind, name, factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.reg[kind]
	if !ok {
		m = make(map[string]any)
		r.reg[kind] = m
	}
	if existing, dup := m[name]; dup && !override {
		if sameFactory(existing, factory) {
			return nil
		}
		return &AlreadyRegisteredError{
			Kind:      kind,
			Name:      name,
			Existing:  describe(existing),
			Attempted: describe(factory),
		}
	}
	m[name] = factory
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(kind Kind, name string, factory any) {
	if err := r.Register(kind, name, factory, false); err != nil {
		panic(err)
	}
}

// ByName returns the factory bound to kind/name.
func (r *Registry) ByName(kind Kind, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.reg[kind][name]; ok {
		return f, nil
	}
	return nil, &NotRegisteredError{Kind: kind, Name: name, Available: r.namesLocked(kind)}
}

// Has reports whether kind/name is bound.
func (r *Registry) Has(kind Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reg[kind][name]
	return ok
}

// ListAvailable returns the sorted names registered under kind.
func (r *Registry) ListAvailable(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked(kind)
}

// Kinds returns every capability that has at least one binding.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.reg))
	for k := range r.reg {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) namesLocked(kind Kind) []string {
	m := r.reg[kind]
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the factory bound to kind/name as F.
func Lookup[F any](r *Registry, kind Kind, name string) (F, error) {
	var zero F
	raw, err := r.ByName(kind, name)
	if err != nil {
		return zero, err
	}
	f, ok := raw.(F)
	if !ok {
		return zero, fmt.Errorf("registry: type mismatch for %s %q: have %T, want %v",
			kind, name, raw, reflect.TypeFor[F]())
	}
	return f, nil
}

func sameFactory(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	return va.Comparable() && va.Equal(vb)
}

func describe(f any) string {
	if s, ok := f.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", f)
}

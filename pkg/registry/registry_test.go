package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubFactory struct{ id int }

func (s *stubFactory) String() string { return "stub" }

func TestRegisterAndByName(t *testing.T) {
	r := New()
	f := &stubFactory{id: 1}
	require.NoError(t, r.Register("solution", "echo", f, false))

	got, err := r.ByName("solution", "echo")
	require.NoError(t, err)
	assert.Same(t, f, got)

	typed, err := Lookup[*stubFactory](r, "solution", "echo")
	require.NoError(t, err)
	assert.Equal(t, 1, typed.id)

	_, err = Lookup[func()](r, "solution", "echo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type mismatch")
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	first, second := &stubFactory{id: 1}, &stubFactory{id: 2}
	require.NoError(t, r.Register("solution", "echo", first, false))

	err := r.Register("solution", "echo", second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))

	var dup *AlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "echo", dup.Name)
	assert.Equal(t, Kind("solution"), dup.Kind)

	got, _ := r.ByName("solution", "echo")
	assert.Same(t, first, got, "failed register must not replace the binding")

	require.NoError(t, r.Register("solution", "echo", second, true))
	got, _ = r.ByName("solution", "echo")
	assert.Same(t, second, got)
}

func TestRegisterIdenticalIsIdempotent(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("solution", "echo", f, false))
	require.NoError(t, r.Register("solution", "echo", f, false))

	fn := func() {}
	require.NoError(t, r.Register("source", "fn", fn, false))
	require.NoError(t, r.Register("source", "fn", fn, false))
}

func TestByNameUnknown(t *testing.T) {
	r := New()
	r.MustRegister("solution", "echo", &stubFactory{})

	_, err := r.ByName("solution", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRegistered))

	var nr *NotRegisteredError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "missing", nr.Name)
	assert.Equal(t, []string{"echo"}, nr.Available)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestRegisterRejectsEmpty(t *testing.T) {
	r := New()
	assert.Error(t, r.Register("", "x", &stubFactory{}, false))
	assert.Error(t, r.Register("solution", "", &stubFactory{}, false))
	assert.Error(t, r.Register("solution", "x", nil, false))
}

func TestKindsAreIndependent(t *testing.T) {
	r := New()
	r.MustRegister("solution", "frame_diff", &stubFactory{id: 1})
	r.MustRegister("object_detector", "frame_diff", &stubFactory{id: 2})

	assert.Equal(t, []Kind{"object_detector", "solution"}, r.Kinds())
	assert.True(t, r.Has("solution", "frame_diff"))
	assert.False(t, r.Has("person_detector", "frame_diff"))
	assert.Empty(t, r.ListAvailable("person_detector"))
}

func TestConcurrentLookups(t *testing.T) {
	r := New()
	r.MustRegister("solution", "echo", &stubFactory{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := r.ByName("solution", "echo")
				assert.NoError(t, err)
				_ = r.ListAvailable("solution")
			}
		}()
	}
	wg.Wait()
}

func TestRegistryProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New()
		names := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z_]{1,12}`), func(s string) string { return s }).
			Draw(t, "names")
		for _, n := range names {
			require.NoError(t, r.Register("solution", n, &stubFactory{}, false))
		}

		require.ElementsMatch(t, names, r.ListAvailable("solution"))

		for _, n := range names {
			_, err := r.ByName("solution", n)
			require.NoError(t, err)

			override := rapid.Bool().Draw(t, "override")
			err = r.Register("solution", n, &stubFactory{}, override)
			if override {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrAlreadyRegistered)
			}
		}

		unknown := rapid.StringMatching(`[A-Z]{1,6}`).Draw(t, "unknown")
		_, err := r.ByName("solution", unknown)
		require.ErrorIs(t, err, ErrNotRegistered)
	})
}

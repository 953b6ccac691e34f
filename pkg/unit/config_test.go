package unit

import (
	"context"
	"errors"
	"testing"

	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kindScaler registry.Kind = "scaler"

type scaleConfig struct {
	Factor int    `json:"factor" validate:"gte=1,lte=8"`
	Label  string `json:"label"`
}

var scaleFactory = &Factory{
	Schema: func() any { return &scaleConfig{Factor: 2, Label: "x2"} },
	New: func(_ *Builder, settings any) (Unit, error) {
		cfg := settings.(*scaleConfig)
		return New[*in, *out](cfg.Label, func(_ context.Context, v *in) (*out, error) {
			return &out{N: v.N * cfg.Factor}, nil
		}), nil
	},
	Doc: "scaler",
}

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(kindScaler, "scale", scaleFactory, false))
	return NewBuilder(reg, nil)
}

func TestBuildAppliesDefaultsAndOverrides(t *testing.T) {
	b := newBuilder(t)

	u, err := b.Build(kindScaler, Config{Method: "scale", Config: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "x2", u.Name())

	u, err = b.Build(kindScaler, Config{Method: "scale", Config: map[string]any{"factor": 3, "label": "x3"}})
	require.NoError(t, err)
	got, err := ProcessAs[*out](context.Background(), u, &in{N: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, got.N)
}

func TestBuildUnknownMethod(t *testing.T) {
	_, err := newBuilder(t).Build(kindScaler, Config{Method: "rotate", Config: map[string]any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
	assert.ErrorIs(t, err, ErrConfig)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "method", ce.Field)
	assert.Equal(t, "rotate", ce.Method)
}

func TestBuildMissingKeys(t *testing.T) {
	b := newBuilder(t)

	_, err := b.Build(kindScaler, Config{Config: map[string]any{}})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "method", ce.Field)

	_, err = b.Build(kindScaler, Config{Method: "scale"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "config", ce.Field)
}

func TestBuildSchemaViolationNamesField(t *testing.T) {
	_, err := newBuilder(t).Build(kindScaler, Config{Method: "scale", Config: map[string]any{"factor": 99}})
	require.Error(t, err)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "factor", ce.Field)
	assert.Equal(t, "scale", ce.Method)
	assert.Contains(t, err.Error(), `"lte"`)
}

func TestBuildRejectsUnknownConfigField(t *testing.T) {
	_, err := newBuilder(t).Build(kindScaler, Config{Method: "scale", Config: map[string]any{"gpu": true}})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "gpu", ce.Field)
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig(map[string]any{"method": "scale", "config": map[string]any{"factor": 2}})
	require.NoError(t, err)
	assert.Equal(t, "scale", c.Method)

	_, err = ParseConfig(map[string]any{"method": "scale"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"config"`)

	_, err = ParseConfig(map[string]any{"config": map[string]any{}, "extra": 1})
	require.Error(t, err)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), `"extra"`)
	assert.Contains(t, err.Error(), `"method"`)
}

func TestFactoryWithoutSchemaRejectsSettings(t *testing.T) {
	f := &Factory{New: func(*Builder, any) (Unit, error) { return double(), nil }}
	_, err := f.Decode(map[string]any{"dummy": "x"})
	assert.ErrorIs(t, err, ErrConfig)

	v, err := f.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, struct{}{}, v)
}

func TestConfigUnmarshalRequiresBothKeys(t *testing.T) {
	var c Config
	require.NoError(t, c.UnmarshalJSON([]byte(`{"method":"scale","config":{"factor":3}}`)))
	assert.Equal(t, Config{Method: "scale", Config: map[string]any{"factor": float64(3)}}, c)

	for name, doc := range map[string]string{
		"no config": `{"method":"scale"}`,
		"no method": `{"config":{"factor":3}}`,
		"extra key": `{"method":"scale","config":{},"fps":3}`,
		"null":      `null`,
	} {
		t.Run(name, func(t *testing.T) {
			var c Config
			err := c.UnmarshalJSON([]byte(doc))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

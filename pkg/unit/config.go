package unit

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"go.uber.org/zap"
)

// Config selects a registered method and carries that method's own settings.
type Config struct {
	Method string         `json:"method" toml:"method" yaml:"method" validate:"required"`
	Config map[string]any `json:"config" toml:"config" yaml:"config" validate:"required"`
}

// ParseConfig builds a Config from a decoded mapping, requiring both keys.
func ParseConfig(m map[string]any) (Config, error) {
	var errs []error
	method, ok := m["method"].(string)
	if !ok || method == "" {
		errs = append(errs, &ConfigError{Field: "method", Err: errors.New("required string")})
	}
	raw, present := m["config"]
	settings, ok := raw.(map[string]any)
	if !present || !ok {
		errs = append(errs, &ConfigError{Method: method, Field: "config", Err: errors.New("required mapping")})
	}
	for k := range m {
		if k != "method" && k != "config" {
			errs = append(errs, &ConfigError{Method: method, Field: k, Err: errors.New("unknown key")})
		}
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return Config{Method: method, Config: settings}, nil
}

// UnmarshalJSON decodes a nested method selection. Both keys must be
// present; a partial mapping is an error rather than a merge onto defaults.
func (c *Config) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := codec.JSONStrict.Unmarshal(b, &m); err != nil {
		return err
	}
	if m == nil {
		return &ConfigError{Err: errors.New("method selection is null")}
	}
	parsed, err := ParseConfig(m)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Validate checks that both keys are present.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fieldErrors("", c.Method, err)
	}
	return nil
}

// Factory constructs one registered method. Schema returns a pointer to the
// method's config struct populated with defaults; raw config is decoded onto
// it strictly and then validated, so a bad config never reaches New.
type Factory struct {
	Schema func() any
	New    func(b *Builder, settings any) (Unit, error)
	// Output optionally declares the output type of units this factory builds.
	Output reflect.Type
	Doc    string
}

func (f *Factory) String() string {
	if f.Doc != "" {
		return f.Doc
	}
	return "unit.Factory"
}

// Defaults returns the schema populated with its defaults.
func (f *Factory) Defaults() any {
	if f.Schema == nil {
		return struct{}{}
	}
	return f.Schema()
}

// Decode applies raw onto the method's schema and validates the result.
func (f *Factory) Decode(raw map[string]any) (any, error) {
	return f.decode("", "", raw)
}

func (f *Factory) decode(kind, method string, raw map[string]any) (any, error) {
	if f.Schema == nil {
		if len(raw) > 0 {
			return nil, &ConfigError{Kind: kind, Method: method, Field: firstKey(raw), Err: errors.New("method takes no config")}
		}
		return struct{}{}, nil
	}
	dst := f.Schema()
	if len(raw) > 0 {
		data, err := codec.JSONStrict.Marshal(raw)
		if err != nil {
			return nil, &ConfigError{Kind: kind, Method: method, Err: err}
		}
		if err := codec.JSONStrict.Unmarshal(data, dst); err != nil {
			return nil, &ConfigError{Kind: kind, Method: method, Field: unknownField(err), Err: err}
		}
	}
	if err := validate.Struct(dst); err != nil {
		return nil, fieldErrors(kind, method, err)
	}
	return dst, nil
}

// Builder resolves Configs against a registry. Solutions use it to construct
// their children.
type Builder struct {
	Registry *registry.Registry
	Logger   *zap.Logger
}

func NewBuilder(reg *registry.Registry, l *zap.Logger) *Builder {
	if l == nil {
		l = zap.NewNop()
	}
	return &Builder{Registry: reg, Logger: l}
}

// Factory returns the factory bound to kind/method.
func (b *Builder) Factory(kind registry.Kind, method string) (*Factory, error) {
	f, err := registry.Lookup[*Factory](b.Registry, kind, method)
	if err != nil {
		return nil, &ConfigError{Kind: string(kind), Method: method, Field: "method", Err: err}
	}
	return f, nil
}

// Resolve validates c against kind without constructing anything.
func (b *Builder) Resolve(kind registry.Kind, c Config) (*Factory, any, error) {
	if err := validate.Struct(c); err != nil {
		return nil, nil, fieldErrors(string(kind), c.Method, err)
	}
	f, err := b.Factory(kind, c.Method)
	if err != nil {
		return nil, nil, err
	}
	settings, err := f.decode(string(kind), c.Method, c.Config)
	if err != nil {
		return nil, nil, err
	}
	return f, settings, nil
}

// Build resolves c against kind and constructs the unit.
func (b *Builder) Build(kind registry.Kind, c Config) (Unit, error) {
	f, settings, err := b.Resolve(kind, c)
	if err != nil {
		return nil, err
	}
	u, err := f.New(b, settings)
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", kind, c.Method, err)
	}
	b.Logger.Info("unit built",
		zap.String("kind", string(kind)),
		zap.String("method", c.Method),
		zap.String("unit", u.Name()),
	)
	return u, nil
}

// Close releases u if it holds resources.
func Close(u Unit) error {
	if c, ok := u.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldErrors(kind, method string, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return &ConfigError{Kind: kind, Method: method, Err: err}
	}
	errs := make([]error, 0, len(ve))
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		errs = append(errs, &ConfigError{
			Kind:   kind,
			Method: method,
			Field:  field,
			Err:    fmt.Errorf("failed %q validation", fe.Tag()),
		})
	}
	return errors.Join(errs...)
}

func unknownField(err error) string {
	const marker = `unknown field "`
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(marker):]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return ""
}

func firstKey(m map[string]any) string {
	for k := range m {
		return k
	}
	return ""
}

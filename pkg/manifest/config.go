package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the top-level manifest.
type Config struct {
	Server    Server   `toml:"server"`
	Capture   Capture  `toml:"capture"`
	Solution  Solution `toml:"solution"`
	Log       Log      `toml:"log"`
	Cameras   []Camera `toml:"camera"`
	Solutions []Toggle `toml:"solutions"`
}

// Validate fills defaults and reports every problem found, each prefixed
// with the section it belongs to.
func (c *Config) Validate() error {
	var errs []error
	section := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("[%s]: %w", name, err))
		}
	}
	section("server", c.Server.normalize())
	section("capture", c.Capture.normalize())
	section("solution", c.Solution.normalize())
	section("log", c.Log.normalize())
	section("camera", c.validateCameras())
	section("solutions", c.validateToggles())
	return errors.Join(errs...)
}

// Threaded reports whether capture runs behind a background reader.
func (c *Config) Threaded() bool { return c.Capture.Threading || c.Server.Buffered }

// Enabled returns the names of enabled [[solutions]] entries in file order.
func (c *Config) Enabled() []string {
	var out []string
	for _, s := range c.Solutions {
		if s.Enable {
			out = append(out, s.Name)
		}
	}
	return out
}

func (c *Config) validateCameras() error {
	var errs []error
	seen := map[string]bool{}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		cam.Name = strings.TrimSpace(cam.Name)
		cam.Src = strings.TrimSpace(cam.Src)
		switch {
		case cam.Name == "":
			errs = append(errs, fmt.Errorf("%d: name is required", i))
		case seen[cam.Name]:
			errs = append(errs, fmt.Errorf("%d: duplicate name %q", i, cam.Name))
		}
		if cam.Src == "" {
			errs = append(errs, fmt.Errorf("%d (%s): src is required", i, cam.Name))
		}
		seen[cam.Name] = true
	}
	return errors.Join(errs...)
}

func (c *Config) validateToggles() error {
	var errs []error
	seen := map[string]bool{}
	for i := range c.Solutions {
		s := &c.Solutions[i]
		s.Name = strings.TrimSpace(s.Name)
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("%d: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("%d: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

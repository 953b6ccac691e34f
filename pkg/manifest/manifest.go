// manifest/manifest.go
package manifest

import (
	"errors"
	"fmt"
	"strings"
)

/* ===========================
   Server / capture
   =========================== */

type Server struct {
	Listen string `toml:"listen"` // overridden by SERVER_LISTEN_ADDRESS
	Source string `toml:"source"` // default capture address, "0" if empty
	// Buffered selects the threaded capture stage, like capture.threading.
	Buffered    bool     `toml:"buffered"`
	Codec       string   `toml:"codec"` // "" | "h264" | "vp8"
	ICEServers  []string `toml:"ice_servers"`
	Workers     int      `toml:"workers"` // 0 = GOMAXPROCS
	FFmpeg      string   `toml:"ffmpeg"`
	BitrateKbps int      `toml:"bitrate_kbps"`
	Loopback    bool     `toml:"loopback"`
}

type Capture struct {
	Threading      bool    `toml:"threading"`
	StreamFPS      float64 `toml:"stream_fps"`
	Width          int     `toml:"width"`
	Height         int     `toml:"height"`
	StartTimeoutMS int     `toml:"start_timeout_ms"`
}

const (
	DefaultSource = "0"
	DefaultWidth  = 640
	DefaultHeight = 480
)

func (s *Server) normalize() error {
	var errs []error
	s.Source = strings.TrimSpace(s.Source)
	if s.Source == "" {
		s.Source = DefaultSource
	}
	s.Codec = strings.ToLower(strings.TrimSpace(s.Codec))
	switch s.Codec {
	case "", "h264", "vp8":
	default:
		errs = append(errs, fmt.Errorf("codec %q: want h264 or vp8", s.Codec))
	}
	if s.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	if s.BitrateKbps < 0 {
		errs = append(errs, errors.New("bitrate_kbps must be >= 0"))
	}
	for i, u := range s.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			errs = append(errs, fmt.Errorf("ice_servers[%d] %q: want stun:, turn: or turns: url", i, u))
		}
	}
	return errors.Join(errs...)
}

func (c *Capture) normalize() error {
	var errs []error
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	// yuv420p encoders need even dimensions
	if c.Width < 0 || c.Width%2 != 0 {
		errs = append(errs, fmt.Errorf("width %d: want a positive even number", c.Width))
	}
	if c.Height < 0 || c.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("height %d: want a positive even number", c.Height))
	}
	if c.StreamFPS < 0 {
		errs = append(errs, errors.New("stream_fps must be >= 0"))
	}
	if c.StartTimeoutMS < 0 {
		errs = append(errs, errors.New("start_timeout_ms must be >= 0"))
	}
	return errors.Join(errs...)
}

/* ===========================
   Solution
   =========================== */

// Solution selects the pipeline method. Settings come either inline from
// [solution.config] or from a YAML file named by config_file.
type Solution struct {
	Method     string         `toml:"method"`
	Config     map[string]any `toml:"config"`
	ConfigFile string         `toml:"config_file"`
}

func (s *Solution) normalize() error {
	var errs []error
	s.Method = strings.TrimSpace(s.Method)
	if s.Method == "" {
		errs = append(errs, errors.New("method is required"))
	}
	if s.ConfigFile != "" && len(s.Config) > 0 {
		errs = append(errs, errors.New("config and config_file are mutually exclusive"))
	}
	return errors.Join(errs...)
}

/* ===========================
   Cameras / solution toggles / log
   =========================== */

type Camera struct {
	Name string `toml:"name"`
	Src  string `toml:"src"`
}

// Toggle enables a registered solution for the solution manager.
type Toggle struct {
	Name   string `toml:"name"`
	Enable bool   `toml:"enable"`
}

type Log struct {
	Level string `toml:"level"` // debug | info | warn | error
}

func (l *Log) normalize() error {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	switch l.Level {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level %q: want debug, info, warn or error", l.Level)
	}
	return nil
}

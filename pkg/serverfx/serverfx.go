package serverfx

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/bundlefx"
	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/core"
	"github.com/joeydtaylor/steeze-vision/pkg/manager"
	"github.com/joeydtaylor/steeze-vision/pkg/manifest"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/transport/httpx"
	"github.com/joeydtaylor/steeze-vision/pkg/transport/webrtc"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ---------- Options ----------

type Config struct {
	Service         string // for logs only
	ManifestEnv     string // STEEZE_VISION_MANIFEST
	DefaultManifest string // "manifest.toml"
	ManifestPath    string // --manifest, wins over the env
	ListenEnv       string // SERVER_LISTEN_ADDRESS
	DefaultListen   string // ":4000", used when neither env nor [server].listen is set
	TLSCertEnv      string // SSL_SERVER_CERTIFICATE
	TLSKeyEnv       string // SSL_SERVER_KEY
}

type Option func(*Config)

func WithService(s string) Option            { return func(c *Config) { c.Service = s } }
func WithManifestEnv(k string) Option        { return func(c *Config) { c.ManifestEnv = k } }
func WithDefaultManifest(path string) Option { return func(c *Config) { c.DefaultManifest = path } }
func WithManifestPath(path string) Option    { return func(c *Config) { c.ManifestPath = path } }
func WithListenEnv(k string) Option          { return func(c *Config) { c.ListenEnv = k } }
func WithTLSCertKeyEnv(cert, key string) Option {
	return func(c *Config) { c.TLSCertEnv, c.TLSKeyEnv = cert, key }
}

func defaultConfig() Config {
	return Config{
		Service:         "steeze-vision",
		ManifestEnv:     "STEEZE_VISION_MANIFEST",
		DefaultManifest: "manifest.toml",
		ListenEnv:       "SERVER_LISTEN_ADDRESS",
		DefaultListen:   ":4000",
		TLSCertEnv:      "SSL_SERVER_CERTIFICATE",
		TLSKeyEnv:       "SSL_SERVER_KEY",
	}
}

func (c Config) manifestPath() string {
	if c.ManifestPath != "" {
		return c.ManifestPath
	}
	return envOr(c.ManifestEnv, c.DefaultManifest)
}

// Module returns a complete Fx option set; add app-specific fx.Invoke(...) alongside.
func Module(opts ...Option) fx.Option {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return fx.Options(
		fx.Supply(cfg),
		// Manifest first: the logger level comes from it.
		fx.Provide(provideManifest, provideLevel),
		// Middleware (logger, access log, metrics)
		bundlefx.Module,
		// Router impl
		fx.Provide(httpx.NewChi),
		// Pipeline runtime
		fx.Provide(
			provideTransport,
			provideRegistry,
			providePool,
			provideSessionServer,
			provideManager,
		),
		fx.Provide(fx.Annotate(
			provideRouter,
			fx.ResultTags(`name:"app"`),
		)),
		fx.Invoke(func(l *zap.Logger) { unit.SetLogger(l) }),
		// Lifecycle
		fx.Invoke(registerHooks),
	)
}

type manifestFile struct {
	manifest.Config
	Dir string
}

func provideManifest(cfg Config) (manifestFile, error) {
	path := cfg.manifestPath()
	man, err := core.LoadConfig(path)
	if err != nil {
		return manifestFile{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return manifestFile{Config: man, Dir: filepath.Dir(path)}, nil
}

func provideLevel(m manifestFile) logger.Level { return logger.Level(m.Log.Level) }

// ---------- Pipeline runtime ----------

func provideTransport(m manifestFile, log *zap.Logger) (*webrtc.Transport, error) {
	return webrtc.New(webrtc.Config{
		ICEServers: m.Server.ICEServers,
		FFmpeg:     m.Server.FFmpeg,
		Bitrate:    m.Server.BitrateKbps,
		Loopback:   m.Server.Loopback,
	}, log)
}

// NewRegistry binds every built-in solution, detector and source, plus the
// relay source served by t when it is non-nil.
func NewRegistry(t *webrtc.Transport) (*registry.Registry, error) {
	reg := registry.New()
	if err := solution.Register(reg); err != nil {
		return nil, err
	}
	if err := capture.Register(reg); err != nil {
		return nil, err
	}
	if t != nil {
		if err := t.RegisterSources(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func provideRegistry(t *webrtc.Transport) (*registry.Registry, error) { return NewRegistry(t) }

func providePool(lc fx.Lifecycle, m manifestFile, log *zap.Logger) *worker.Pool {
	p := worker.New(m.Server.Workers, log.Named("worker"))
	lc.Append(fx.StopHook(p.Close))
	return p
}

// SessionConfig maps the manifest onto a session server configuration.
// A relative solution config_file is read from baseDir.
func SessionConfig(m manifest.Config, baseDir string) (session.Config, error) {
	settings, err := m.Solution.Settings(baseDir)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Solution: unit.Config{Method: m.Solution.Method, Config: settings},
		Source:   m.Server.Source,
		Capture: capture.Config{
			Threaded:     m.Threaded(),
			FPS:          m.Capture.StreamFPS,
			StartTimeout: time.Duration(m.Capture.StartTimeoutMS) * time.Millisecond,
		},
		Width:  m.Capture.Width,
		Height: m.Capture.Height,
		Codec:  m.Server.Codec,
		FFmpeg: m.Server.FFmpeg,
	}, nil
}

func provideSessionServer(lc fx.Lifecycle, m manifestFile, reg *registry.Registry, t *webrtc.Transport, pool *worker.Pool, log *zap.Logger) (*session.Server, error) {
	sc, err := SessionConfig(m.Config, m.Dir)
	if err != nil {
		return nil, err
	}
	// fail at boot rather than on the first offer
	if _, _, err := unit.NewBuilder(reg, log).Resolve(solution.Kind, sc.Solution); err != nil {
		return nil, err
	}
	srv := session.NewServer(sc, reg, t, pool, log.Named("session"))
	lc.Append(fx.StopHook(srv.Close))
	return srv, nil
}

func provideManager(lc fx.Lifecycle, m manifestFile, reg *registry.Registry, t *webrtc.Transport, pool *worker.Pool, log *zap.Logger) (*manager.Manager, error) {
	base, err := SessionConfig(m.Config, m.Dir)
	if err != nil {
		return nil, err
	}
	cams := make([]manager.Camera, 0, len(m.Cameras))
	for _, c := range m.Cameras {
		cams = append(cams, manager.Camera{Name: c.Name, Src: c.Src})
	}
	mgr, err := manager.New(reg, t, pool, manager.Options{
		Session: base,
		Enabled: m.Enabled(),
		Cameras: cams,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(mgr.Close))
	return mgr, nil
}

// ---------- Router ----------

type routerDeps struct {
	fx.In

	LogMW   *logger.Middleware
	Metrics http.Handler `name:"metrics"`
	Router  httpx.Router
	Server  *session.Server
	Manager *manager.Manager
	Log     *zap.Logger
}

func provideRouter(d routerDeps) http.Handler {
	return core.BuildRouter(core.BuildDeps{
		LogMW:   d.LogMW,
		Metrics: d.Metrics,
		Router:  d.Router,
		Server:  d.Server,
		Manager: d.Manager,
		Log:     d.Log.Named("http"),
	})
}

// ---------- tiny helpers ----------

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

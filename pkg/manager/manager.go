// Package manager runs several solutions side by side. Each deployment is a
// solution method bound to one camera with its own session server; identical
// start requests share a deployment.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	ErrUnknownSolution = errors.New("manager: solution not available")
	ErrInvalidCamera   = errors.New("manager: camera source not supported")
	ErrCameraExists    = errors.New("manager: camera already exists")
	ErrNotRunning      = errors.New("manager: solution not running")
	ErrClosed          = errors.New("manager: closed")
)

// alwaysAvailable are offered even when the manifest enables nothing else.
var alwaysAvailable = []string{"raw_stream", "raw_datachannel"}

type Camera struct {
	Name string `json:"name"`
	Src  string `json:"src"`
}

// Request starts a solution on a camera. A nil Config uses the method's
// defaults.
type Request struct {
	SolutionName string         `json:"solution_name"`
	CameraSrc    string         `json:"camera_src"`
	Config       map[string]any `json:"config,omitempty"`
}

// Deployment is one running solution.
type Deployment struct {
	ID       string    `json:"id"`
	Solution string    `json:"solution"`
	Camera   string    `json:"camera"`
	Config   any       `json:"config"`
	URL      string    `json:"url"`
	Started  time.Time `json:"started"`

	key    string
	server *session.Server
}

// Server is the deployment's session server.
func (d *Deployment) Server() *session.Server { return d.server }

// Options are shared by every deployment.
type Options struct {
	// Session is the template for each deployment's session server;
	// Solution and Source are replaced per deployment.
	Session session.Config
	// Enabled limits the available solutions; empty allows all.
	Enabled []string
	Cameras []Camera
}

type Manager struct {
	reg       *registry.Registry
	builder   *unit.Builder
	transport session.Transport
	pool      *worker.Pool
	opts      Options
	log       *zap.Logger

	mu        sync.Mutex
	cameras   []Camera
	added     int
	running   map[string]*Deployment // by id
	byKey     map[string]*Deployment
	closed    bool
	available []string
}

func New(reg *registry.Registry, t session.Transport, pool *worker.Pool, opts Options, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		reg:       reg,
		builder:   unit.NewBuilder(reg, log),
		transport: t,
		pool:      pool,
		opts:      opts,
		log:       log.Named("manager"),
		running:   make(map[string]*Deployment),
		byKey:     make(map[string]*Deployment),
	}
	registered := reg.ListAvailable(solution.Kind)
	if len(opts.Enabled) == 0 {
		m.available = registered
	} else {
		var errs []error
		for _, name := range append(slices.Clone(opts.Enabled), alwaysAvailable...) {
			if !reg.Has(solution.Kind, name) {
				errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownSolution, name))
				continue
			}
			if !slices.Contains(m.available, name) {
				m.available = append(m.available, name)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		sort.Strings(m.available)
	}
	for _, c := range opts.Cameras {
		if err := m.AddCamera(c.Name, c.Src); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Available maps each available solution to its default settings.
func (m *Manager) Available() map[string]any {
	out := make(map[string]any, len(m.available))
	for _, name := range m.available {
		f, err := m.builder.Factory(solution.Kind, name)
		if err != nil {
			continue
		}
		out[name] = f.Defaults()
	}
	return out
}

func (m *Manager) Cameras() []Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cameras)
}

// AddCamera names a camera source. Names are unique.
func (m *Manager) AddCamera(name, src string) error {
	name, src = strings.TrimSpace(name), strings.TrimSpace(src)
	if name == "" || src == "" {
		return fmt.Errorf("%w: name and src are required", ErrInvalidCamera)
	}
	if err := m.checkSource(src); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cameras {
		if c.Name == name {
			return fmt.Errorf("%w: %q", ErrCameraExists, name)
		}
	}
	m.cameras = append(m.cameras, Camera{Name: name, Src: src})
	return nil
}

func (m *Manager) checkSource(src string) error {
	method := capture.Classify(src)
	if !m.reg.Has(capture.Kind, method) {
		return fmt.Errorf("%w: %q (no %q opener)", ErrInvalidCamera, src, method)
	}
	return nil
}

// Start deploys req, or returns the deployment already serving an
// identical request.
func (m *Manager) Start(req Request) (*Deployment, error) {
	req.SolutionName = strings.TrimSpace(req.SolutionName)
	req.CameraSrc = strings.TrimSpace(req.CameraSrc)
	if !slices.Contains(m.available, req.SolutionName) {
		return nil, fmt.Errorf("%w: %q not in %v", ErrUnknownSolution, req.SolutionName, m.available)
	}
	if req.CameraSrc == "" {
		return nil, fmt.Errorf("%w: camera_src is required", ErrInvalidCamera)
	}
	if err := m.checkSource(req.CameraSrc); err != nil {
		return nil, err
	}
	raw := req.Config
	if raw == nil {
		raw = map[string]any{}
	}
	cfg := unit.Config{Method: req.SolutionName, Config: raw}
	_, settings, err := m.builder.Resolve(solution.Kind, cfg)
	if err != nil {
		return nil, err
	}
	canon, err := codec.JSONStrict.Marshal(settings)
	if err != nil {
		return nil, err
	}
	key := req.SolutionName + "\x00" + req.CameraSrc + "\x00" + string(canon)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if d, ok := m.byKey[key]; ok {
		return d, nil
	}
	if !m.knownSourceLocked(req.CameraSrc) {
		m.added++
		m.cameras = append(m.cameras, Camera{Name: fmt.Sprintf("add_cam_%d", m.added), Src: req.CameraSrc})
	}

	id := ulid.Make().String()
	sc := m.opts.Session
	sc.Solution = cfg
	sc.Source = req.CameraSrc
	d := &Deployment{
		ID:       id,
		Solution: req.SolutionName,
		Camera:   req.CameraSrc,
		Config:   settings,
		URL:      "/solutions/" + id + "/offer",
		Started:  time.Now().UTC(),
		key:      key,
		server:   session.NewServer(sc, m.reg, m.transport, m.pool, m.log.With(zap.String("deployment", id))),
	}
	m.running[id] = d
	m.byKey[key] = d
	metrics.SetDeployments(len(m.running))
	m.log.Info("solution started",
		zap.String("id", id),
		zap.String("solution", d.Solution),
		zap.String("camera", d.Camera),
	)
	return d, nil
}

func (m *Manager) knownSourceLocked(src string) bool {
	for _, c := range m.cameras {
		if c.Src == src {
			return true
		}
	}
	return false
}

// Stop closes the deployment's peers and sessions.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.running[id]
	if ok {
		delete(m.running, id)
		delete(m.byKey, d.key)
		metrics.SetDeployments(len(m.running))
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRunning, id)
	}
	m.log.Info("solution stopping", zap.String("id", id))
	return d.server.Close(ctx)
}

// Get returns a running deployment.
func (m *Manager) Get(id string) (*Deployment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.running[id]
	return d, ok
}

// Running lists deployments oldest first.
func (m *Manager) Running() []*Deployment {
	m.mu.Lock()
	out := make([]*Deployment, 0, len(m.running))
	for _, d := range m.running {
		out = append(out, d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every deployment. Later starts fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ds := make([]*Deployment, 0, len(m.running))
	for id, d := range m.running {
		ds = append(ds, d)
		delete(m.running, id)
		delete(m.byKey, d.key)
	}
	metrics.SetDeployments(0)
	m.mu.Unlock()

	var errs []error
	for _, d := range ds {
		if err := d.server.Close(ctx); err != nil && !errors.Is(err, session.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("deployment %s: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

package capture

import (
	"context"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"go.uber.org/zap"
)

// Stage is the consumer-facing side of a capture source.
type Stage interface {
	// Start blocks until the stage can serve frames.
	Start(ctx context.Context) error
	Read(ctx context.Context) (*frame.Frame, error)
	// Stop releases the source. It is safe to call more than once.
	Stop() error
	// Interval is the cadence a consumer should poll at; zero means Read
	// already blocks for the next frame.
	Interval() time.Duration
}

// Config selects and tunes a Stage.
type Config struct {
	Threaded     bool
	FPS          float64
	StartTimeout time.Duration
	PollInterval time.Duration
}

const (
	DefaultStartTimeout = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// NewStage wraps src according to cfg. The stage owns src from here on.
func NewStage(src Source, cfg Config, log *zap.Logger) Stage {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Threaded {
		return NewThreaded(src, cfg, log)
	}
	return NewInline(src)
}

// Inline forwards every Read to the source.
type Inline struct {
	src     Source
	seq     stamper
	once    sync.Once
	err     error
	mu      sync.Mutex
	stopped bool
}

func NewInline(src Source) *Inline { return &Inline{src: src} }

func (s *Inline) Start(context.Context) error { return nil }

func (s *Inline) Read(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStageStopped
	}
	f, err := s.src.Read(ctx)
	if err != nil {
		return nil, err
	}
	s.seq.stamp(f)
	return f, nil
}

func (s *Inline) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.err = s.src.Close()
	})
	return s.err
}

func (s *Inline) Interval() time.Duration { return 0 }

// stamper assigns capture sequence numbers and presentation offsets.
type stamper struct {
	n     uint64
	first time.Time
}

func (s *stamper) stamp(f *frame.Frame) {
	s.n++
	f.Seq = s.n
	if f.Captured.IsZero() {
		f.Captured = time.Now()
	}
	if s.first.IsZero() {
		s.first = f.Captured
	}
	f.PTS = f.Captured.Sub(s.first)
}

package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"go.uber.org/zap"
)

// CaptureState is the single-slot buffer between the reader goroutine and
// consumers. It is only touched under Threaded.mu.
type CaptureState struct {
	Latest   *frame.Frame
	Valid    bool
	LastRead time.Time
	// fresh is set by a store and cleared by the next Read.
	fresh bool
	err   error
}

// Threaded reads the source on a background goroutine and serves the most
// recent frame to Read without blocking.
type Threaded struct {
	src          Source
	interval     time.Duration
	startTimeout time.Duration
	poll         time.Duration
	log          *zap.Logger

	mu    sync.Mutex
	state CaptureState

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

func NewThreaded(src Source, cfg Config, log *zap.Logger) *Threaded {
	t := &Threaded{
		src:          src,
		startTimeout: cfg.StartTimeout,
		poll:         cfg.PollInterval,
		log:          log,
		stopped:      make(chan struct{}),
	}
	if cfg.FPS > 0 {
		t.interval = time.Duration(float64(time.Second) / cfg.FPS)
	}
	if t.startTimeout <= 0 {
		t.startTimeout = DefaultStartTimeout
	}
	if t.poll <= 0 {
		t.poll = DefaultPollInterval
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	return t
}

// Start launches the reader and waits for its first frame. On timeout or a
// reader failure the stage is stopped and the source released.
func (t *Threaded) Start(ctx context.Context) error {
	select {
	case <-t.stopped:
		return ErrStageStopped
	default:
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.New("capture: stage already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx)

	deadline := time.NewTimer(t.startTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for {
		t.mu.Lock()
		valid, err := t.state.Valid, t.state.err
		t.mu.Unlock()
		switch {
		case valid:
			t.log.Info("capture started", zap.Duration("interval", t.interval))
			return nil
		case err != nil:
			_ = t.Stop()
			return err
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			_ = t.Stop()
			t.log.Warn("capture start timed out", zap.Duration("timeout", t.startTimeout))
			return ErrCaptureTimeout
		case <-ctx.Done():
			_ = t.Stop()
			return ctx.Err()
		}
	}
}

func (t *Threaded) run(ctx context.Context) {
	defer t.wg.Done()
	var seq stamper
	for {
		begin := time.Now()
		f, err := t.src.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrNoFrame):
			if !sleep(ctx, t.poll) {
				return
			}
			continue
		case err != nil:
			t.mu.Lock()
			t.state.err = err
			t.mu.Unlock()
			t.log.Info("capture reader exited", zap.Error(err))
			return
		}
		seq.stamp(f)
		t.store(f)

		if t.interval > 0 {
			if !sleep(ctx, t.interval-time.Since(begin)) {
				return
			}
		}
	}
}

func (t *Threaded) store(f *frame.Frame) {
	t.mu.Lock()
	t.state.Latest = f
	t.state.Valid = true
	t.state.fresh = true
	t.mu.Unlock()
}

// Read returns a copy of the latest frame. After the source is exhausted the
// last frame is still served once if no consumer has seen it, then the
// reader's error is returned.
func (t *Threaded) Read(context.Context) (*frame.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.stopped:
		return nil, ErrStageStopped
	default:
	}
	if t.state.err != nil && !t.state.fresh {
		return nil, t.state.err
	}
	if !t.state.Valid {
		return nil, ErrNoFrame
	}
	t.state.fresh = false
	t.state.LastRead = time.Now()
	return t.state.Latest.Clone(), nil
}

// State returns a copy of the buffer bookkeeping.
func (t *Threaded) State() CaptureState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Latest = s.Latest.Clone()
	return s
}

func (t *Threaded) Interval() time.Duration { return t.interval }

// Stop cancels the reader, waits for it to exit and only then closes the
// source.
func (t *Threaded) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		close(t.stopped)
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.wg.Wait()
		t.stopErr = t.src.Close()
		t.log.Debug("capture stopped")
	})
	return t.stopErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

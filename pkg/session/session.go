package session

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"go.uber.org/zap"
)

// Session is one source bound to one capture stage and one solution, shared
// by every attached peer.
type Session struct {
	ID      string
	Source  string
	Started time.Time

	stage    capture.Stage
	solution solution.Solution
	track    Track
	relay    bool
	pool     *worker.Pool
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// abandoned is the result channel of a Process call still running on the
	// pool when the producer was cancelled. Written only by the producer.
	abandoned <-chan error

	// peers is written on the server loop and read by the producer.
	mu    sync.RWMutex
	peers map[string]*Peer

	frames   atomic.Uint64
	fps      atomic.Uint64 // float64 bits
	running  atomic.Bool
	stopOnce sync.Once
}

func (s *Session) attach(p *Peer) {
	s.mu.Lock()
	s.peers[p.ID] = p
	s.mu.Unlock()
}

// detach removes p and reports how many peers remain.
func (s *Session) detach(p *Peer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p.ID)
	return len(s.peers)
}

func (s *Session) peerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Session) channels() []SideChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SideChannel
	for _, p := range s.peers {
		out = p.appendChannels(out)
	}
	return out
}

// Frames is the number of frames processed and delivered.
func (s *Session) Frames() uint64 { return s.frames.Load() }

func (s *Session) FPS() float64 { return math.Float64frombits(s.fps.Load()) }

func (s *Session) SolutionName() string { return s.solution.Name() }

// Done is closed when the producer has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// produce pulls frames until the session is cancelled or the source ends,
// running at most one frame through the solution at a time. ended is called
// when the producer stops on its own.
func (s *Session) produce(ended func(error)) {
	defer close(s.done)
	interval := s.stage.Interval()
	for {
		begin := time.Now()
		f, err := s.stage.Read(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, capture.ErrNoFrame):
			metrics.FrameDropped(s.Source, "capture")
			if !pause(s.ctx, max(interval, capture.DefaultPollInterval)) {
				return
			}
			continue
		case err != nil:
			if errors.Is(err, io.EOF) {
				s.log.Info("source exhausted", zap.Uint64("frames", s.Frames()))
			} else {
				s.log.Error("capture failed", zap.Error(err))
			}
			ended(err)
			return
		}

		if err := s.step(f, begin); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("frame dropped", zap.Uint64("seq", f.Seq), zap.Error(err))
			if errors.Is(err, unit.ErrTypeMismatch) {
				ended(err)
				return
			}
		}

		if interval > 0 && !pause(s.ctx, interval-time.Since(begin)) {
			return
		}
	}
}

// step processes one frame and fans the result out.
func (s *Session) step(f *frame.Frame, begin time.Time) error {
	var out solution.Output
	done, err := s.pool.Submit(s.ctx, func(ctx context.Context) error {
		v, err := unit.ProcessAs[solution.Output](ctx, s.solution, &solution.Input{Frame: f})
		out = v
		return err
	})
	if err == nil {
		select {
		case err = <-done:
		case <-s.ctx.Done():
			s.abandoned = done
			err = s.ctx.Err()
		}
	}
	if err != nil {
		metrics.FrameDropped(s.Source, "process")
		return err
	}
	n := s.frames.Add(1)
	rendered := out.Frame()
	if !s.relay {
		s.solution.RenderOverlay(rendered, s.FPS(), n)
	}

	msg, err := EncodeMessage(out, n)
	if err != nil {
		metrics.FrameDropped(s.Source, "encode")
		return err
	}
	for _, ch := range s.channels() {
		err := ch.Send(msg)
		metrics.SideChannelSent(err == nil)
		if err != nil {
			s.log.Debug("side channel send failed", zap.String("channel", ch.Label()), zap.Error(err))
		}
	}

	if s.track != nil && rendered != nil {
		if err := s.track.WriteFrame(s.ctx, rendered); err != nil {
			metrics.FrameDropped(s.Source, "encode")
			s.log.Debug("track write failed", zap.Error(err))
		}
	}
	metrics.FrameProcessed(s.Source)
	if d := time.Since(begin); d > 0 {
		s.fps.Store(math.Float64bits(float64(time.Second) / float64(d)))
	}
	return nil
}

// stop cancels the producer, waits for it and for any Process call it left
// running, then releases the track, the solution and the capture stage in
// that order.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.running.Load() {
			<-s.done
			if s.abandoned != nil {
				<-s.abandoned
			}
		}
		if s.track != nil {
			if err := s.track.Close(); err != nil {
				s.log.Warn("track close", zap.Error(err))
			}
		}
		if err := s.solution.Close(); err != nil {
			s.log.Warn("solution close", zap.Error(err))
		}
		if err := s.stage.Stop(); err != nil {
			s.log.Warn("capture stop", zap.Error(err))
		}
		metrics.SessionClosed()
		s.log.Info("session stopped", zap.Uint64("frames", s.Frames()))
	})
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

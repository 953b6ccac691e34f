// Package session serves one processed stream per source to any number of
// peers. A single loop goroutine owns all peer and session bookkeeping;
// capture and processing run on a per-session producer that hands each
// frame to a shared worker pool.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/joeydtaylor/steeze-vision/pkg/worker"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	ErrServerClosed  = errors.New("session: server closed")
	ErrSessionClosed = errors.New("session: session closed")
)

// Config is the per-server pipeline and capture setup.
type Config struct {
	Solution unit.Config
	// Source is used when an offer names none.
	Source  string
	Capture capture.Config
	Width   int
	Height  int
	Codec   string
	FFmpeg  string
}

type Server struct {
	cfg       Config
	reg       *registry.Registry
	builder   *unit.Builder
	transport Transport
	pool      *worker.Pool
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once

	sendMu   sync.Mutex
	stopping bool

	// owned by the loop
	sessions map[string]*Session
	pending  map[string][]*Peer
	peers    map[string]*Peer
	closed   bool

	teardown sync.WaitGroup
}

func NewServer(cfg Config, reg *registry.Registry, t Transport, pool *worker.Pool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		reg:       reg,
		builder:   unit.NewBuilder(reg, log),
		transport: t,
		pool:      pool,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func(), 64),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
		sessions:  make(map[string]*Session),
		pending:   make(map[string][]*Peer),
		peers:     make(map[string]*Peer),
	}
	go s.loop()
	return s
}

func (s *Server) Config() Config { return s.cfg }

func (s *Server) loop() {
	defer close(s.exited)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			for {
				select {
				case fn := <-s.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn on the loop without waiting. It fails once the loop has
// been told to stop; anything queued before that still runs.
func (s *Server) post(fn func()) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.stopping {
		return false
	}
	s.cmds <- fn
	return true
}

// exec runs fn on the loop and waits for it to finish.
func (s *Server) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return ErrServerClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrServerClosed
	}
}

// HandleOffer attaches a new peer to the session for the offer's source,
// starting that session if needed, and negotiates the connection.
func (s *Server) HandleOffer(ctx context.Context, offer Offer) (Answer, error) {
	if err := offer.Validate(); err != nil {
		return Answer{}, err
	}
	src := offer.Source
	if src == "" {
		src = s.cfg.Source
	}
	if src == "" {
		return Answer{}, fmt.Errorf("%w: no source", ErrInvalidOffer)
	}

	p := newPeer(ulid.Make().String(), src, offer.Track)
	var joinErr error
	if err := s.exec(ctx, func() { joinErr = s.join(p) }); err != nil {
		// The join may already be queued; undo it behind the join.
		s.post(func() { s.removePeer(p, StateClosed) })
		return Answer{}, err
	}
	if joinErr != nil {
		return Answer{}, joinErr
	}
	log := s.log.With(zap.String("peer", p.ID), zap.String("source", src))

	select {
	case <-p.ready:
	case <-ctx.Done():
		s.post(func() { s.removePeer(p, StateClosed) })
		return Answer{}, ctx.Err()
	}
	if p.joinErr != nil {
		return Answer{}, p.joinErr
	}
	sess := p.session

	var track Track
	if p.Video {
		track = sess.track
	}
	conn, answer, err := s.transport.Negotiate(ctx, offer, PeerOptions{ID: p.ID, Codec: s.cfg.Codec}, track, PeerEvents{
		StateChanged: func(st State) {
			s.post(func() { s.setState(p, st) })
		},
		ChannelOpened: func(ch SideChannel) {
			s.post(func() { s.openChannel(p, ch) })
		},
		ChannelClosed: func(ch SideChannel) {
			s.post(func() { s.closeChannel(p, ch) })
		},
	})
	if err != nil {
		log.Warn("negotiation failed", zap.Error(err))
		s.post(func() { s.removePeer(p, StateFailed) })
		return Answer{}, fmt.Errorf("negotiate: %w", err)
	}
	if !s.post(func() { s.bindConn(p, conn) }) {
		_ = conn.Close()
		return Answer{}, ErrServerClosed
	}
	log.Info("peer negotiated", zap.Bool("video", p.Video), zap.String("session", sess.ID))
	return answer, nil
}

// join binds p to the session for its source, starting one if none is
// running or starting. Runs on the loop.
func (s *Server) join(p *Peer) error {
	if s.closed {
		return ErrServerClosed
	}
	s.peers[p.ID] = p
	metrics.PeerAttached()
	if sess, ok := s.sessions[p.Source]; ok {
		sess.attach(p)
		p.join(sess, nil)
		return nil
	}
	waiting, starting := s.pending[p.Source]
	s.pending[p.Source] = append(waiting, p)
	if !starting {
		s.teardown.Add(1)
		go s.start(p.Source)
	}
	return nil
}

// start builds a session off the loop and hands it back.
func (s *Server) start(src string) {
	defer s.teardown.Done()
	sess, err := s.build(src)
	if !s.post(func() { s.started(src, sess, err) }) && sess != nil {
		sess.stop()
	}
}

func (s *Server) build(src string) (*Session, error) {
	ctx := s.ctx
	id := ulid.Make().String()
	log := s.log.With(zap.String("session", id), zap.String("source", src))

	source, err := capture.Open(ctx, s.reg, src, capture.Options{
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		FPS:    s.cfg.Capture.FPS,
		FFmpeg: s.cfg.FFmpeg,
		Logger: log,
	})
	if err != nil {
		metrics.CaptureStartFailed()
		return nil, &StartError{Source: src, Stage: "capture", Err: err}
	}
	stage := capture.NewStage(source, s.cfg.Capture, log)
	if err := stage.Start(ctx); err != nil {
		_ = stage.Stop()
		metrics.CaptureStartFailed()
		return nil, &StartError{Source: src, Stage: "capture", Err: err}
	}

	sol, err := solution.Build(s.builder, s.cfg.Solution)
	if err != nil {
		_ = stage.Stop()
		return nil, &StartError{Source: src, Stage: "solution", Err: err}
	}

	track, err := s.transport.NewTrack(ctx, TrackOptions{
		ID:     id,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		FPS:    s.cfg.Capture.FPS,
		Codec:  s.cfg.Codec,
	})
	if err != nil {
		_ = sol.Close()
		_ = stage.Stop()
		return nil, &StartError{Source: src, Stage: "track", Err: err}
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:       id,
		Source:   src,
		Started:  time.Now(),
		stage:    stage,
		solution: sol,
		track:    track,
		relay:    capture.Classify(src) == "relay",
		pool:     s.pool,
		log:      log,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		peers:    make(map[string]*Peer),
	}
	metrics.SessionOpened()
	log.Info("session started", zap.String("solution", sol.Name()))
	return sess, nil
}

// started resolves every peer waiting on src. Runs on the loop.
func (s *Server) started(src string, sess *Session, err error) {
	waiting := s.pending[src]
	delete(s.pending, src)

	var live []*Peer
	for _, p := range waiting {
		if !p.removed {
			live = append(live, p)
		}
	}
	if err != nil {
		s.log.Error("session start failed", zap.String("source", src), zap.Error(err))
		for _, p := range live {
			s.forget(p)
			p.removed = true
			p.join(nil, err)
		}
		return
	}
	if len(live) == 0 || s.closed {
		for _, p := range live {
			s.forget(p)
			p.removed = true
			p.join(nil, ErrServerClosed)
		}
		s.stopSession(sess)
		return
	}
	s.sessions[src] = sess
	for _, p := range live {
		sess.attach(p)
		p.join(sess, nil)
	}
	sess.running.Store(true)
	go sess.produce(func(err error) {
		s.post(func() { s.endSession(sess, err) })
	})
}

func (s *Server) bindConn(p *Peer, conn Conn) {
	if p.removed {
		go conn.Close()
		return
	}
	p.conn = conn
}

func (s *Server) setState(p *Peer, st State) {
	if p.removed || p.state.Terminal() {
		return
	}
	s.log.Info("peer state", zap.String("peer", p.ID), zap.Stringer("state", st))
	if st.Terminal() {
		s.removePeer(p, st)
		return
	}
	p.state = st
}

func (s *Server) openChannel(p *Peer, ch SideChannel) {
	if p.removed {
		return
	}
	p.addChannel(ch)
	s.log.Info("side channel opened", zap.String("peer", p.ID), zap.String("label", ch.Label()))
}

func (s *Server) closeChannel(p *Peer, ch SideChannel) {
	if p.removeChannel(ch) {
		s.log.Info("side channel closed", zap.String("peer", p.ID), zap.String("label", ch.Label()))
	}
}

// removePeer is the single cleanup path for a failed or closed peer. When the
// last peer of a session goes, the session goes with it. Runs on the loop.
func (s *Server) removePeer(p *Peer, st State) {
	if p.removed {
		return
	}
	p.removed = true
	p.state = st
	s.forget(p)
	p.mu.Lock()
	clear(p.channels)
	p.mu.Unlock()
	if p.conn != nil {
		go p.conn.Close()
	}
	if !p.joined {
		p.join(nil, ErrSessionClosed)
		return
	}
	if sess := p.session; sess != nil {
		if sess.detach(p) == 0 && s.sessions[sess.Source] == sess {
			delete(s.sessions, sess.Source)
			s.stopSession(sess)
		}
	}
}

func (s *Server) forget(p *Peer) {
	if _, ok := s.peers[p.ID]; ok {
		delete(s.peers, p.ID)
		metrics.PeerDetached()
	}
}

// endSession closes every peer of a session whose producer stopped.
func (s *Server) endSession(sess *Session, cause error) {
	if s.sessions[sess.Source] != sess {
		return
	}
	sess.log.Info("session ended", zap.Error(cause))
	sess.mu.RLock()
	peers := make([]*Peer, 0, len(sess.peers))
	for _, p := range sess.peers {
		peers = append(peers, p)
	}
	sess.mu.RUnlock()
	for _, p := range peers {
		s.removePeer(p, StateClosed)
	}
	if s.sessions[sess.Source] == sess {
		delete(s.sessions, sess.Source)
		s.stopSession(sess)
	}
}

func (s *Server) stopSession(sess *Session) {
	s.teardown.Add(1)
	go func() {
		defer s.teardown.Done()
		sess.stop()
	}()
}

// Close disconnects every peer, stops every session and waits for their
// teardown.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.exec(ctx, func() {
			s.closed = true
			for _, p := range s.peers {
				s.removePeer(p, StateClosed)
			}
		})
		s.sendMu.Lock()
		s.stopping = true
		s.sendMu.Unlock()
		close(s.quit)
		<-s.exited
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.teardown.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
		s.log.Info("session server closed")
	})
	return err
}

// Package sessiontest provides an in-memory session.Transport. Tracks fan
// written frames out to subscribed peers and side channels record what they
// are sent, so tests can drive peer lifecycles without a network.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
)

var ErrClosed = errors.New("sessiontest: closed")

type Transport struct {
	mu     sync.Mutex
	tracks []*Track
	peers  []*Peer

	// NegotiateErr and TrackErr, when set, fail the next calls.
	NegotiateErr error
	TrackErr     error
	// OnNegotiate runs before Negotiate returns, with the new peer.
	OnNegotiate func(*Peer)
}

func New() *Transport { return &Transport{} }

func (t *Transport) NewTrack(_ context.Context, opts session.TrackOptions) (session.Track, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TrackErr != nil {
		return nil, t.TrackErr
	}
	tr := &Track{Options: opts, subs: make(map[*Peer]struct{})}
	t.tracks = append(t.tracks, tr)
	return tr, nil
}

func (t *Transport) Negotiate(ctx context.Context, offer session.Offer, opts session.PeerOptions, track session.Track, ev session.PeerEvents) (session.Conn, session.Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, session.Answer{}, err
	}
	t.mu.Lock()
	if err := t.NegotiateErr; err != nil {
		t.mu.Unlock()
		return nil, session.Answer{}, err
	}
	p := &Peer{ID: opts.ID, Offer: offer, Codec: opts.Codec, events: ev}
	t.peers = append(t.peers, p)
	hook := t.OnNegotiate
	t.mu.Unlock()

	if tr, ok := track.(*Track); ok && tr != nil {
		p.track = tr
		tr.subscribe(p)
	}
	if hook != nil {
		hook(p)
	}
	return p, session.Answer{SDP: "answer:" + opts.ID, Type: "answer"}, nil
}

// Tracks returns every track created so far.
func (t *Transport) Tracks() []*Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Track(nil), t.tracks...)
}

// Peers returns every negotiated peer in negotiation order.
func (t *Transport) Peers() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Peer(nil), t.peers...)
}

// Track fans written frames out to its subscribers.
type Track struct {
	Options session.TrackOptions

	mu     sync.Mutex
	subs   map[*Peer]struct{}
	writes int
	closed bool
}

func (t *Track) subscribe(p *Peer) {
	t.mu.Lock()
	t.subs[p] = struct{}{}
	t.mu.Unlock()
}

func (t *Track) unsubscribe(p *Peer) {
	t.mu.Lock()
	delete(t.subs, p)
	t.mu.Unlock()
}

func (t *Track) WriteFrame(_ context.Context, f *frame.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.writes++
	for p := range t.subs {
		p.receive(f.Clone())
	}
	return nil
}

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.subs)
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Writes is the number of frames written to the track.
func (t *Track) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func (t *Track) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Peer is the remote end of a negotiated connection.
type Peer struct {
	ID    string
	Offer session.Offer
	Codec string

	events session.PeerEvents
	track  *Track

	mu       sync.Mutex
	frames   []*frame.Frame
	channels []*Channel
	closed   bool
}

func (p *Peer) receive(f *frame.Frame) {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
}

// Frames returns the video frames the peer has received.
func (p *Peer) Frames() []*frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*frame.Frame(nil), p.frames...)
}

// OpenChannel simulates the remote opening a side channel.
func (p *Peer) OpenChannel(label string) *Channel {
	ch := &Channel{label: label, peer: p}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	if p.events.ChannelOpened != nil {
		p.events.ChannelOpened(ch)
	}
	return ch
}

// SetState simulates a transport state change.
func (p *Peer) SetState(st session.State) {
	if p.events.StateChanged != nil {
		p.events.StateChanged(st)
	}
}

// Close is called by the server when it drops the peer.
func (p *Peer) Close() error {
	if p.track != nil {
		p.track.unsubscribe(p)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	chans := append([]*Channel(nil), p.channels...)
	p.mu.Unlock()
	for _, ch := range chans {
		ch.markClosed()
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Channel records every message sent to it.
type Channel struct {
	label string
	peer  *Peer

	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

// Close simulates the remote closing the channel.
func (c *Channel) Close() {
	c.markClosed()
	if c.peer.events.ChannelClosed != nil {
		c.peer.events.ChannelClosed(c)
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Channel) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

// FrameCounts decodes frame_cnt from every received message.
func (c *Channel) FrameCounts() ([]uint64, error) {
	var out []uint64
	for i, m := range c.Messages() {
		var v struct {
			FrameCnt *uint64 `json:"frame_cnt"`
		}
		if err := json.Unmarshal(m, &v); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if v.FrameCnt == nil {
			return nil, fmt.Errorf("message %d: no frame_cnt", i)
		}
		out = append(out, *v.FrameCnt)
	}
	return out, nil
}

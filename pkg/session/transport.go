package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
)

// State is a peer's connection lifecycle. Failed and Closed are terminal.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

var ErrInvalidOffer = errors.New("session: invalid offer")

// Offer is a peer's signaling request. Track asks for the processed video;
// without it the peer only receives side-channel messages. Source selects a
// capture address other than the server default.
type Offer struct {
	SDP    string `json:"sdp"`
	Type   string `json:"type"`
	Track  bool   `json:"track"`
	Source string `json:"source,omitempty"`
}

func (o Offer) Validate() error {
	var errs []error
	if o.SDP == "" {
		errs = append(errs, errors.New("sdp is required"))
	}
	if o.Type != "offer" {
		errs = append(errs, fmt.Errorf("type must be \"offer\", got %q", o.Type))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	return nil
}

type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// SideChannel is an out-of-band message channel opened by a peer.
type SideChannel interface {
	Label() string
	Send(msg []byte) error
}

// PeerEvents are invoked by the transport from its own goroutines. Any of
// them may be nil.
type PeerEvents struct {
	StateChanged  func(State)
	ChannelOpened func(SideChannel)
	ChannelClosed func(SideChannel)
}

// TrackOptions describe the outbound video of one session.
type TrackOptions struct {
	ID     string
	Width  int
	Height int
	FPS    float64
	// Codec restricts the track to one codec ("h264"); empty lets the
	// transport negotiate.
	Codec string
}

// Track is the outbound video of one session. Every peer subscribed to it
// receives each written frame.
type Track interface {
	WriteFrame(ctx context.Context, f *frame.Frame) error
	Close() error
}

type PeerOptions struct {
	ID    string
	Codec string
}

// Conn is one negotiated peer connection.
type Conn interface {
	Close() error
}

// Transport negotiates peer connections and carries their media. A nil
// track negotiates a data-only peer.
type Transport interface {
	NewTrack(ctx context.Context, opts TrackOptions) (Track, error)
	Negotiate(ctx context.Context, offer Offer, opts PeerOptions, track Track, events PeerEvents) (Conn, Answer, error)
}

// StartError is a session startup failure for one source.
type StartError struct {
	Source string
	Stage  string // "capture", "solution" or "track"
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session %q: %s: %v", e.Source, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

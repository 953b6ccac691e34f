package session

import (
	"sync"
	"time"
)

// Peer is one remote viewer. Its state, conn and session binding are owned
// by the server loop; channels are written only on the loop and read by the
// producer under mu.
type Peer struct {
	ID      string
	Source  string
	Video   bool
	Created time.Time

	state   State
	conn    Conn
	session *Session
	removed bool

	ready   chan struct{}
	joined  bool
	joinErr error

	mu       sync.RWMutex
	channels map[SideChannel]struct{}
}

func newPeer(id, source string, video bool) *Peer {
	return &Peer{
		ID:       id,
		Source:   source,
		Video:    video,
		Created:  time.Now(),
		state:    StateNegotiating,
		ready:    make(chan struct{}),
		channels: make(map[SideChannel]struct{}),
	}
}

func (p *Peer) addChannel(ch SideChannel) {
	p.mu.Lock()
	p.channels[ch] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) removeChannel(ch SideChannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[ch]; !ok {
		return false
	}
	delete(p.channels, ch)
	return true
}

func (p *Peer) appendChannels(dst []SideChannel) []SideChannel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ch := range p.channels {
		dst = append(dst, ch)
	}
	return dst
}

func (p *Peer) channelCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels)
}

// join resolves the peer's wait for its session.
func (p *Peer) join(s *Session, err error) {
	p.session, p.joinErr, p.joined = s, err, true
	close(p.ready)
}

package session

import (
	"context"
	"sort"
	"time"
)

type SessionStatus struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Solution string    `json:"solution"`
	Peers    int       `json:"peers"`
	Channels int       `json:"channels"`
	Frames   uint64    `json:"frames"`
	FPS      float64   `json:"fps"`
	Started  time.Time `json:"started"`
}

type PeerStatus struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	State    string `json:"state"`
	Video    bool   `json:"video"`
	Channels int    `json:"channels"`
}

// Status is a point-in-time view of the server.
type Status struct {
	SolutionMethod    string          `json:"solution_method"`
	DefaultSource     string          `json:"default_source"`
	ConnectedPeers    int             `json:"connected_peers"`
	ConnectedChannels int             `json:"connected_channels"`
	Starting          []string        `json:"starting"`
	Sessions          []SessionStatus `json:"sessions"`
	Peers             []PeerStatus    `json:"peers"`
}

// Status snapshots sessions and peers on the loop.
func (s *Server) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.exec(ctx, func() {
		st = Status{
			SolutionMethod: s.cfg.Solution.Method,
			DefaultSource:  s.cfg.Source,
			Starting:       make([]string, 0, len(s.pending)),
			Sessions:       make([]SessionStatus, 0, len(s.sessions)),
			Peers:          make([]PeerStatus, 0, len(s.peers)),
		}
		for src := range s.pending {
			st.Starting = append(st.Starting, src)
		}
		for _, p := range s.peers {
			n := p.channelCount()
			st.Peers = append(st.Peers, PeerStatus{
				ID: p.ID, Source: p.Source, State: p.state.String(), Video: p.Video, Channels: n,
			})
			st.ConnectedChannels += n
		}
		st.ConnectedPeers = len(s.peers)
		for _, sess := range s.sessions {
			ss := SessionStatus{
				ID:       sess.ID,
				Source:   sess.Source,
				Solution: sess.SolutionName(),
				Peers:    sess.peerCount(),
				Frames:   sess.Frames(),
				FPS:      sess.FPS(),
				Started:  sess.Started,
			}
			ss.Channels = len(sess.channels())
			st.Sessions = append(st.Sessions, ss)
		}
	})
	if err != nil {
		return Status{}, err
	}
	sort.Strings(st.Starting)
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].Source < st.Sessions[j].Source })
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].ID < st.Peers[j].ID })
	return st, nil
}

// Session returns the running session for src, if any.
func (s *Server) Session(ctx context.Context, src string) (*Session, error) {
	var sess *Session
	if err := s.exec(ctx, func() { sess = s.sessions[src] }); err != nil {
		return nil, err
	}
	return sess, nil
}

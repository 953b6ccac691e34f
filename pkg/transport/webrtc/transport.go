// Package webrtc carries session output to browsers over WebRTC. One encoded
// sample track is shared by every peer of a session; side channels are the
// data channels a peer opens. The package also provides the relay source that
// consumes another server's output as a capture input.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/joeydtaylor/steeze-vision/pkg/session"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	CodecH264 = "h264"
	CodecVP8  = "vp8"

	h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
)

var videoFeedback = []pion.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// videoCodecs is everything the media engine offers, in preference order.
var videoCodecs = []pion.RTPCodecParameters{
	{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	},
	{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: h264Fmtp, RTCPFeedback: videoFeedback},
		PayloadType:        102,
	},
	{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 108,
	},
}

// Config configures the transport. ICEServers are STUN/TURN urls; FFmpeg is
// the encoder binary (default "ffmpeg").
type Config struct {
	ICEServers []string
	FFmpeg     string
	Bitrate    int // kbit/s, default 1000
	// Loopback gathers 127.0.0.1 candidates, for same-host peers.
	Loopback bool
}

// Transport implements session.Transport with pion.
type Transport struct {
	cfg Config
	api *pion.API
	log *zap.Logger
}

var _ session.Transport = (*Transport)(nil)

func New(cfg Config, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &pion.MediaEngine{}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("webrtc: register %s: %w", c.MimeType, err)
		}
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = 1000
	}
	se := pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.Loopback)
	return &Transport{
		cfg: cfg,
		api: pion.NewAPI(pion.WithMediaEngine(m), pion.WithSettingEngine(se)),
		log: log.Named("webrtc"),
	}, nil
}

func (t *Transport) configuration() pion.Configuration {
	var c pion.Configuration
	if len(t.cfg.ICEServers) > 0 {
		c.ICEServers = []pion.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	return c
}

// codecPreferences returns the registered codecs matching codec, or nil to
// leave negotiation open.
func codecPreferences(codec string) []pion.RTPCodecParameters {
	mime := mimeType(codec)
	if mime == "" {
		return nil
	}
	var out []pion.RTPCodecParameters
	for _, c := range videoCodecs {
		if strings.EqualFold(c.MimeType, mime) {
			out = append(out, c)
		}
	}
	return out
}

func mimeType(codec string) string {
	switch strings.ToLower(codec) {
	case CodecH264:
		return pion.MimeTypeH264
	case CodecVP8:
		return pion.MimeTypeVP8
	}
	return ""
}

// Negotiate answers offer. With a non-nil track the peer is subscribed to it;
// the answer is returned once ICE gathering completes.
func (t *Transport) Negotiate(ctx context.Context, offer session.Offer, opts session.PeerOptions, track session.Track, ev session.PeerEvents) (session.Conn, session.Answer, error) {
	log := t.log.With(zap.String("peer", opts.ID))
	pc, err := t.api.NewPeerConnection(t.configuration())
	if err != nil {
		return nil, session.Answer{}, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	conn := &peerConn{pc: pc, log: log}
	fail := func(err error) (session.Conn, session.Answer, error) {
		_ = conn.Close()
		return nil, session.Answer{}, err
	}

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		log.Debug("connection state", zap.Stringer("state", s))
		if st, ok := stateOf(s); ok && ev.StateChanged != nil {
			ev.StateChanged(st)
		}
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		ch := &dataChannel{dc: dc}
		dc.OnOpen(func() {
			log.Debug("data channel open", zap.String("label", dc.Label()))
			if ev.ChannelOpened != nil {
				ev.ChannelOpened(ch)
			}
		})
		dc.OnClose(func() {
			if ev.ChannelClosed != nil {
				ev.ChannelClosed(ch)
			}
		})
	})

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(fmt.Errorf("%w: %w", session.ErrInvalidOffer, err))
	}

	if track != nil {
		st, ok := track.(*sampleTrack)
		if !ok {
			return fail(fmt.Errorf("webrtc: foreign track %T", track))
		}
		sender, err := pc.AddTrack(st.local)
		if err != nil {
			return fail(fmt.Errorf("webrtc: add track: %w", err))
		}
		if prefs := codecPreferences(opts.Codec); prefs != nil {
			for _, tr := range pc.GetTransceivers() {
				if tr.Sender() != sender {
					continue
				}
				if err := tr.SetCodecPreferences(prefs); err != nil {
					return fail(fmt.Errorf("webrtc: force %s: %w", opts.Codec, err))
				}
			}
		}
		go drainRTCP(sender, st)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("webrtc: create answer: %w", err))
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("webrtc: set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	local := pc.LocalDescription()
	return conn, session.Answer{SDP: local.SDP, Type: local.Type.String()}, nil
}

func stateOf(s pion.PeerConnectionState) (session.State, bool) {
	switch s {
	case pion.PeerConnectionStateNew, pion.PeerConnectionStateConnecting:
		return session.StateNegotiating, true
	case pion.PeerConnectionStateConnected:
		return session.StateConnected, true
	case pion.PeerConnectionStateFailed:
		return session.StateFailed, true
	case pion.PeerConnectionStateClosed:
		return session.StateClosed, true
	}
	// disconnected may recover
	return 0, false
}

type peerConn struct {
	pc   *pion.PeerConnection
	log  *zap.Logger
	once sync.Once
	err  error
}

func (c *peerConn) Close() error {
	c.once.Do(func() {
		c.err = c.pc.Close()
		c.log.Debug("peer connection closed", zap.Error(c.err))
	})
	return c.err
}

type dataChannel struct{ dc *pion.DataChannel }

func (c *dataChannel) Label() string { return c.dc.Label() }

func (c *dataChannel) Send(msg []byte) error {
	if c.dc.ReadyState() != pion.DataChannelStateOpen {
		return errors.New("webrtc: data channel not open")
	}
	return c.dc.SendText(string(msg))
}

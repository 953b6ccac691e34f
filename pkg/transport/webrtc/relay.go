package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

const (
	relayLabel    = "chat"
	pliInterval   = 3 * time.Second
	maxAnswerSize = 1 << 20
)

// RegisterSources binds the relay opener for http(s) source addresses.
func (t *Transport) RegisterSources(reg *registry.Registry) error {
	return reg.Register(capture.Kind, "relay", capture.Opener(t.OpenRelay), false)
}

// relayURL resolves the signaling endpoint of an upstream server.
func relayURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("webrtc: relay address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("webrtc: relay address %q is not http(s)", addr)
	}
	if !strings.HasSuffix(u.Path, "/offer") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/offer"
	}
	return u.String(), nil
}

// relaySource receives another server's processed track and side channel.
// Decoded frames carry the upstream's latest message as Meta.
type relaySource struct {
	addr   string
	width  int
	height int
	ffmpeg string
	log    *zap.Logger

	pc     *pion.PeerConnection
	frames chan *frame.Frame
	meta   atomic.Pointer[map[string]any]

	gone     chan struct{}
	goneOnce sync.Once
	goneErr  error

	// spawnMu orders wg.Add against Close's wait.
	spawnMu   sync.Mutex
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenRelay connects to the server at addr as a receive-only peer.
func (t *Transport) OpenRelay(ctx context.Context, addr string, opts capture.Options) (capture.Source, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("webrtc: invalid relay size %dx%d", opts.Width, opts.Height)
	}
	endpoint, err := relayURL(addr)
	if err != nil {
		return nil, err
	}
	bin := opts.FFmpeg
	if bin == "" {
		bin = t.cfg.FFmpeg
	}
	if bin, err = lookFFmpeg(bin); err != nil {
		return nil, err
	}
	pc, err := t.api.NewPeerConnection(t.configuration())
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	r := &relaySource{
		addr:   addr,
		width:  opts.Width,
		height: opts.Height,
		ffmpeg: bin,
		log:    t.log.With(zap.String("relay", addr)),
		pc:     pc,
		frames: make(chan *frame.Frame, 1),
		gone:   make(chan struct{}),
	}
	if err := r.connect(ctx, endpoint); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *relaySource) connect(ctx context.Context, endpoint string) error {
	if _, err := r.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("webrtc: add transceiver: %w", err)
	}
	dc, err := r.pc.CreateDataChannel(relayLabel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if m, err := upstreamMeta(msg.Data); err == nil {
			r.meta.Store(&m)
		}
	})
	r.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		r.log.Info("upstream track", zap.String("codec", track.Codec().MimeType))
		if !r.spawn(func() { r.fail(r.consume(track)) }) {
			r.log.Debug("upstream track after close")
		}
	})
	r.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		switch s {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			r.fail(fmt.Errorf("webrtc: upstream %s: %w", s, io.EOF))
		}
	})

	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	answer, err := postOffer(ctx, endpoint, session.Offer{
		SDP:   r.pc.LocalDescription().SDP,
		Type:  "offer",
		Track: true,
	})
	if err != nil {
		return err
	}
	if err := r.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("webrtc: upstream answer: %w", err)
	}
	return nil
}

func postOffer(ctx context.Context, endpoint string, offer session.Offer) (session.Answer, error) {
	body, err := codec.Sonic.Marshal(offer)
	if err != nil {
		return session.Answer{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return session.Answer{}, err
	}
	req.Header.Set("Content-Type", codec.Sonic.ContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return session.Answer{}, fmt.Errorf("webrtc: relay signaling: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return session.Answer{}, fmt.Errorf("webrtc: relay signaling: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return session.Answer{}, fmt.Errorf("webrtc: relay signaling: %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	var ans session.Answer
	if err := codec.Sonic.Unmarshal(raw, &ans); err != nil {
		return session.Answer{}, fmt.Errorf("webrtc: relay answer: %w", err)
	}
	if ans.Type != "answer" || ans.SDP == "" {
		return session.Answer{}, fmt.Errorf("webrtc: relay answer of type %q", ans.Type)
	}
	return ans, nil
}

// upstreamMeta decodes a side-channel message, dropping the upstream frame
// counter so it does not collide with ours.
func upstreamMeta(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := codec.Sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "frame_cnt")
	return m, nil
}

// consume depacketizes the upstream track into an ffmpeg decoder and
// forwards decoded frames until the track or decoder ends.
func (r *relaySource) consume(track *pion.TrackRemote) error {
	mime := track.Codec().MimeType
	var demux string
	switch {
	case strings.EqualFold(mime, pion.MimeTypeH264):
		demux = "h264"
	case strings.EqualFold(mime, pion.MimeTypeVP8):
		demux = "ivf"
	default:
		return fmt.Errorf("webrtc: unsupported upstream codec %s", mime)
	}
	cmd := exec.Command(r.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", demux, "-i", "pipe:0",
		"-an", "-vf", fmt.Sprintf("scale=%d:%d", r.width, r.height),
		"-pix_fmt", "rgba", "-f", "rawvideo", "pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := &zapio.Writer{Log: r.log, Level: zap.WarnLevel}
	defer stderr.Close()
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("webrtc: start decoder: %w", err)
	}

	decoded := make(chan error, 1)
	go func() { decoded <- r.decode(stdout) }()

	r.spawn(func() { r.requestKeyframes(uint32(track.SSRC())) })

	err = r.depacketize(track, stdin, demux)
	_ = stdin.Close()
	select {
	case <-decoded:
	case <-time.After(time.Second):
		_ = cmd.Process.Kill()
		<-decoded
	}
	_ = cmd.Wait()
	return err
}

func (r *relaySource) depacketize(track *pion.TrackRemote, out io.Writer, demux string) error {
	var w media.Writer
	if demux == "h264" {
		w = h264writer.NewWith(out)
	} else {
		iw, err := ivfwriter.NewWith(out)
		if err != nil {
			return err
		}
		w = iw
	}
	defer w.Close()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("webrtc: upstream track: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return fmt.Errorf("webrtc: decoder input: %w", err)
		}
	}
}

func (r *relaySource) decode(rd io.Reader) error {
	for {
		img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
		if _, err := io.ReadFull(rd, img.Pix); err != nil {
			return err
		}
		f := &frame.Frame{Image: img, Captured: time.Now()}
		if m := r.meta.Load(); m != nil {
			f.Meta = maps.Clone(*m)
		}
		// latest wins
		select {
		case <-r.frames:
		default:
		}
		select {
		case r.frames <- f:
		default:
		}
	}
}

// requestKeyframes asks the upstream for a keyframe now and then
// periodically, so decoding can start and recover from loss.
func (r *relaySource) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		if err := r.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			r.log.Debug("keyframe request", zap.Error(err))
		}
		select {
		case <-t.C:
		case <-r.gone:
			return
		}
	}
}

func (r *relaySource) Read(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	case <-r.gone:
		select {
		case f := <-r.frames:
			return f, nil
		default:
		}
		return nil, r.goneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *relaySource) fail(err error) {
	r.goneOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		r.goneErr = err
		close(r.gone)
	})
}

// spawn runs fn on a tracked goroutine unless the relay is already gone.
func (r *relaySource) spawn(fn func()) bool {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()
	select {
	case <-r.gone:
		return false
	default:
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *relaySource) Close() error {
	r.closeOnce.Do(func() {
		r.spawnMu.Lock()
		r.fail(io.ErrClosedPipe)
		r.spawnMu.Unlock()
		if err := r.pc.Close(); err != nil {
			r.log.Debug("close relay peer", zap.Error(err))
		}
		r.wg.Wait()
		r.log.Info("relay source stopped")
	})
	return nil
}

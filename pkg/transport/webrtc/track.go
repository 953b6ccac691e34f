package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

var ErrTrackClosed = errors.New("webrtc: track closed")

const defaultFPS = 30

// sampleTrack feeds RGBA frames to an ffmpeg encoder and writes the encoded
// samples to one pion track that every subscribed peer shares.
type sampleTrack struct {
	local  *pion.TrackLocalStaticSample
	codec  string
	width  int
	height int
	dur    time.Duration
	log    *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *zapio.Writer
	pumped chan struct{}
	exited chan struct{}

	mu        sync.Mutex
	row       []byte
	closed    atomic.Bool
	closeOnce sync.Once

	samples atomic.Uint64
	pli     atomic.Uint64
}

// NewTrack starts an encoder for one session. opts.Codec selects h264;
// anything else encodes VP8.
func (t *Transport) NewTrack(ctx context.Context, opts session.TrackOptions) (session.Track, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("webrtc: invalid track size %dx%d", opts.Width, opts.Height)
	}
	if opts.FPS <= 0 {
		opts.FPS = defaultFPS
	}
	codec := CodecVP8
	if mimeType(opts.Codec) == pion.MimeTypeH264 {
		codec = CodecH264
	}
	id := opts.ID
	if id == "" {
		id = "steeze-vision"
	}
	capability := pion.RTPCodecCapability{MimeType: mimeType(codec), ClockRate: 90000}
	if codec == CodecH264 {
		capability.SDPFmtpLine = h264Fmtp
	}
	local, err := pion.NewTrackLocalStaticSample(capability, "video", id)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new track: %w", err)
	}

	bin, err := lookFFmpeg(t.cfg.FFmpeg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := t.log.With(zap.String("track", id), zap.String("codec", codec))
	cmd := exec.Command(bin, encoderArgs(codec, opts.Width, opts.Height, opts.FPS, t.cfg.Bitrate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	st := &sampleTrack{
		local:  local,
		codec:  codec,
		width:  opts.Width,
		height: opts.Height,
		dur:    time.Duration(float64(time.Second) / opts.FPS),
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		stderr: &zapio.Writer{Log: log, Level: zap.WarnLevel},
		pumped: make(chan struct{}),
		exited: make(chan struct{}),
	}
	cmd.Stderr = st.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("webrtc: start encoder: %w", err)
	}
	go func() {
		defer close(st.pumped)
		if err := st.pump(stdout); err != nil && !errors.Is(err, io.EOF) && !st.closed.Load() {
			log.Warn("encoder output ended", zap.Error(err))
		}
	}()
	go func() {
		<-st.pumped
		_ = cmd.Wait()
		close(st.exited)
	}()
	log.Info("encoder started", zap.Int("pid", cmd.Process.Pid), zap.Int("width", opts.Width), zap.Int("height", opts.Height))
	return st, nil
}

func encoderArgs(codec string, w, h int, fps float64, kbit int) []string {
	rate := strconv.FormatFloat(fps, 'f', -1, 64)
	gop := strconv.Itoa(max(1, int(fps+0.5)))
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba", "-s", fmt.Sprintf("%dx%d", w, h), "-r", rate, "-i", "pipe:0",
		"-an", "-pix_fmt", "yuv420p", "-g", gop, "-b:v", strconv.Itoa(kbit) + "k",
	}
	if codec == CodecH264 {
		args = append(args, "-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
			"-profile:v", "baseline", "-bf", "0", "-f", "h264")
	} else {
		args = append(args, "-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8", "-f", "ivf")
	}
	return append(args, "-flush_packets", "1", "pipe:1")
}

func (t *sampleTrack) pump(r io.Reader) error {
	if t.codec == CodecH264 {
		h, err := h264reader.NewReader(r)
		if err != nil {
			return err
		}
		for {
			nal, err := h.NextNAL()
			if err != nil {
				return err
			}
			// parameter sets share the timestamp of the slice that follows
			var dur time.Duration
			if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr || nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr {
				dur = t.dur
			}
			if err := t.write(nal.Data, dur); err != nil {
				return err
			}
		}
	}
	ivf, _, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	for {
		payload, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := t.write(payload, t.dur); err != nil {
			return err
		}
	}
}

func (t *sampleTrack) write(data []byte, dur time.Duration) error {
	if err := t.local.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
		return err
	}
	t.samples.Add(1)
	return nil
}

// WriteFrame hands f to the encoder. Frames must match the track size.
func (t *sampleTrack) WriteFrame(ctx context.Context, f *frame.Frame) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if b := f.Bounds(); b.Dx() != t.width || b.Dy() != t.height {
		return fmt.Errorf("webrtc: frame %dx%d on %dx%d track", b.Dx(), b.Dy(), t.width, t.height)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, t.kill)
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	img := f.Image
	stride := 4 * t.width
	if img.Stride == stride {
		_, err := t.stdin.Write(img.Pix[:stride*t.height])
		return t.writeErr(err)
	}
	if t.row == nil {
		t.row = make([]byte, stride*t.height)
	}
	for y := range t.height {
		copy(t.row[y*stride:(y+1)*stride], img.Pix[y*img.Stride:])
	}
	_, err := t.stdin.Write(t.row)
	return t.writeErr(err)
}

func (t *sampleTrack) writeErr(err error) error {
	if err == nil {
		return nil
	}
	if t.closed.Load() {
		return ErrTrackClosed
	}
	return fmt.Errorf("webrtc: encoder input: %w", err)
}

func (t *sampleTrack) kill() {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

// Close stops the encoder, letting it flush for up to a second.
func (t *sampleTrack) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		_ = t.stdin.Close()
		select {
		case <-t.exited:
		case <-time.After(time.Second):
			t.kill()
			<-t.exited
		}
		_ = t.stderr.Close()
		t.log.Info("encoder stopped",
			zap.Uint64("samples", t.samples.Load()),
			zap.Uint64("pli", t.pli.Load()),
		)
	})
	return nil
}

// drainRTCP reads receiver reports for one peer until the sender closes.
// Keyframe requests are only counted: the encoder emits one every second.
func drainRTCP(sender *pion.RTPSender, t *sampleTrack) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		t.pli.Add(uint64(keyframeRequests(pkts)))
	}
}

func keyframeRequests(pkts []rtcp.Packet) int {
	n := 0
	for _, p := range pkts {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			n++
		}
	}
	return n
}

func lookFFmpeg(bin string) (string, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("webrtc: ffmpeg not available: %w", err)
	}
	return path, nil
}

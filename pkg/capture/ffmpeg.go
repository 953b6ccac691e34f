package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
	"go.uber.org/zap"
)

// ffmpegSource decodes any input ffmpeg understands into raw RGBA frames
// read from the subprocess's stdout.
type ffmpegSource struct {
	addr   string
	width  int
	height int
	log    *zap.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tail

	closeOnce sync.Once
	// Wait closes stdout, so it only runs once reads are over.
	reapOnce sync.Once
	waitErr  error
}

func openDevice(ctx context.Context, addr string, opts Options) (Source, error) {
	var in []string
	switch runtime.GOOS {
	case "darwin":
		in = []string{"-f", "avfoundation", "-framerate", fpsArg(opts.FPS), "-i", addr}
	case "windows":
		in = []string{"-f", "dshow", "-i", "video=" + addr}
	default:
		in = []string{"-f", "v4l2", "-framerate", fpsArg(opts.FPS), "-i", "/dev/video" + addr}
	}
	return startFFmpeg(ctx, addr, in, opts)
}

func openFile(ctx context.Context, addr string, opts Options) (Source, error) {
	path := strings.TrimPrefix(addr, "file://")
	return startFFmpeg(ctx, addr, []string{"-re", "-i", path}, opts)
}

func openStream(ctx context.Context, addr string, opts Options) (Source, error) {
	var in []string
	if strings.HasPrefix(strings.ToLower(addr), "rtsp") {
		in = append(in, "-rtsp_transport", "tcp")
	}
	in = append(in, "-fflags", "nobuffer", "-i", addr)
	return startFFmpeg(ctx, addr, in, opts)
}

func startFFmpeg(ctx context.Context, addr string, input []string, opts Options) (*ffmpegSource, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid frame size %dx%d", opts.Width, opts.Height)
	}
	bin := opts.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("capture: ffmpeg not available: %w", err)
	}

	filter := fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height)
	if opts.FPS > 0 {
		filter += ",fps=" + fpsArg(opts.FPS)
	}
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, input...)
	args = append(args, "-an", "-vf", filter, "-pix_fmt", "rgba", "-f", "rawvideo", "pipe:1")

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s := &ffmpegSource{
		addr:   addr,
		width:  opts.Width,
		height: opts.Height,
		log:    opts.logger().With(zap.String("source", addr)),
		cmd:    cmd,
		stdout: stdout,
		stderr: &tail{max: 4 << 10},
	}
	cmd.Stderr = s.stderr
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}
	s.log.Info("ffmpeg source started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("size", fmt.Sprintf("%dx%d", opts.Width, opts.Height)),
		zap.Float64("fps", opts.FPS),
	)
	return s, nil
}

func (s *ffmpegSource) Read(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.kill)
	defer stop()

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.reap()
			if msg := s.stderr.String(); msg != "" && s.waitErr != nil {
				return nil, fmt.Errorf("capture: ffmpeg exited: %s: %w", msg, io.EOF)
			}
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: read frame: %w", err)
	}
	return &frame.Frame{Image: img, Captured: time.Now()}, nil
}

func (s *ffmpegSource) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *ffmpegSource) reap() {
	s.reapOnce.Do(func() { s.waitErr = s.cmd.Wait() })
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.kill()
		s.reap()
		s.log.Info("ffmpeg source stopped")
	})
	return nil
}

func fpsArg(fps float64) string {
	if fps <= 0 {
		fps = 30
	}
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

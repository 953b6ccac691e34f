package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/frame"
)

// TestSource renders a moving test pattern. Frames is the number of frames
// before io.EOF, zero for unbounded; FPS paces Read when positive.
type TestSource struct {
	Width, Height int
	Frames        int
	FPS           float64

	n      int
	next   time.Time
	closed atomic.Bool
}

// OpenTestSource opens "testsrc://WxH?frames=N&fps=F". Size and fps fall
// back to opts.
func OpenTestSource(_ context.Context, addr string, opts Options) (Source, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("capture: testsrc address: %w", err)
	}
	s := &TestSource{Width: opts.Width, Height: opts.Height, FPS: opts.FPS}
	if u.Host != "" {
		w, h, ok := strings.Cut(strings.ToLower(u.Host), "x")
		if !ok {
			return nil, fmt.Errorf("capture: testsrc size %q, want WxH", u.Host)
		}
		if s.Width, err = strconv.Atoi(w); err != nil {
			return nil, fmt.Errorf("capture: testsrc width: %w", err)
		}
		if s.Height, err = strconv.Atoi(h); err != nil {
			return nil, fmt.Errorf("capture: testsrc height: %w", err)
		}
	}
	q := u.Query()
	if v := q.Get("frames"); v != "" {
		if s.Frames, err = strconv.Atoi(v); err != nil || s.Frames < 0 {
			return nil, fmt.Errorf("capture: testsrc frames %q", v)
		}
	}
	if v := q.Get("fps"); v != "" {
		if s.FPS, err = strconv.ParseFloat(v, 64); err != nil || s.FPS < 0 {
			return nil, fmt.Errorf("capture: testsrc fps %q", v)
		}
	}
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid frame size %dx%d", s.Width, s.Height)
	}
	return s, nil
}

func (s *TestSource) Read(ctx context.Context) (*frame.Frame, error) {
	if s.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	if s.Frames > 0 && s.n >= s.Frames {
		return nil, io.EOF
	}
	if s.FPS > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		s.next = s.next.Add(time.Duration(float64(time.Second) / s.FPS))
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.n++
	return &frame.Frame{Image: s.render(s.n), Captured: time.Now()}, nil
}

func (s *TestSource) render(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < s.Width; x++ {
			p := row[x*4 : x*4+4]
			p[0] = uint8((x + n) * 255 / max(1, s.Width))
			p[1] = uint8(y * 255 / max(1, s.Height))
			p[2] = uint8(n * 4)
			p[3] = 255
		}
	}
	side := max(4, min(s.Width, s.Height)/6)
	x := (n * 4) % max(1, s.Width-side)
	frame.Fill(img, image.Rect(x, s.Height/2-side/2, x+side, s.Height/2+side/2), frame.White)
	return img
}

func (s *TestSource) Close() error {
	s.closed.Store(true)
	return nil
}

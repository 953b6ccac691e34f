// Package frame holds the video frame type passed between capture, solutions
// and transports, plus the drawing helpers solutions use to annotate it.
package frame

import (
	"image"
	"maps"
	"time"
)

// Frame is one decoded RGBA picture. A Frame handed to a consumer is never
// written to again by its producer.
type Frame struct {
	Image    *image.RGBA
	Seq      uint64        // capture sequence, 1-based
	PTS      time.Duration // offset from the first captured frame
	Captured time.Time
	Meta     map[string]any // output fields relayed from an upstream server
}

// New allocates a black w x h frame.
func New(w, h int) *Frame {
	return &Frame{Image: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// FromImage wraps img without copying.
func FromImage(img *image.RGBA) *Frame { return &Frame{Image: img} }

func (f *Frame) Bounds() image.Rectangle {
	if f == nil || f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// Clone returns a deep copy; pixel data and metadata are not shared.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	if f.Image != nil {
		img := *f.Image
		img.Pix = append([]byte(nil), f.Image.Pix...)
		out.Image = &img
	}
	out.Meta = maps.Clone(f.Meta)
	return &out
}

package frame

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	White  = color.RGBA{255, 255, 255, 255}
	Red    = color.RGBA{255, 0, 0, 255}
	Blue   = color.RGBA{0, 0, 255, 255}
	Violet = color.RGBA{138, 43, 226, 255}
)

// Rect outlines r on img with the given stroke thickness, clipped to bounds.
func Rect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	r = r.Canon()
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// Fill paints r on img.
func Fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(img, r.Canon().Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

// Text draws s with its top-left corner at pt, scaled by an integer factor.
func Text(img *image.RGBA, pt image.Point, s string, c color.RGBA, scale int) {
	if s == "" {
		return
	}
	if scale < 1 {
		scale = 1
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	h := face.Metrics().Height.Ceil()

	glyphs := image.NewRGBA(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	dst := image.Rect(pt.X, pt.Y, pt.X+w*scale, pt.Y+h*scale)
	xdraw.NearestNeighbor.Scale(img, dst, glyphs, glyphs.Bounds(), xdraw.Over, nil)
}

// TextHeight is the pixel height of one line of Text at scale.
func TextHeight(scale int) int {
	if scale < 1 {
		scale = 1
	}
	return basicfont.Face7x13.Metrics().Height.Ceil() * scale
}

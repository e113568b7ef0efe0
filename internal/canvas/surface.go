// Package canvas provides the drawing surface and the display-refresh loop
// shared by the waveform visualizer and the mirror compositor.
//
// A [Surface] is an RGBA pixel buffer with the handful of 2D operations the
// visual components need: fill, scaled image blit, stroked polylines and
// whole-buffer read/write. A [Loop] runs a callback on every tick of a
// [Ticker] and stops synchronously.
package canvas

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// Point is a position in surface coordinates. (0,0) is the top-left corner.
type Point struct {
	X, Y float32
}

// Surface is a resizable RGBA drawing surface. It is safe for concurrent use.
type Surface struct {
	mu  sync.Mutex
	img *image.RGBA
}

// New returns a transparent surface of w×h pixels. Negative dimensions are
// treated as zero.
func New(w, h int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, max(w, 0), max(h, 0)))}
}

// Size returns the current surface dimensions.
func (s *Surface) Size() (w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Resize changes the surface dimensions. As with an HTML canvas, resizing to
// a different size discards the contents. Resizing to the current size is a
// no-op.
func (s *Surface) Resize(w, h int) {
	w, h = max(w, 0), max(h, 0)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.img.Bounds(); b.Dx() == w && b.Dy() == h {
		return
	}
	s.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

// Clear fills the whole surface with c.
func (s *Surface) Clear(c color.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// DrawImage replaces the surface contents with src scaled to fill the
// surface. Sources that already match the surface size are copied exactly.
func (s *Surface) DrawImage(src image.Image) {
	if src == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dr := s.img.Bounds()
	sr := src.Bounds()
	if dr.Dx() == sr.Dx() && dr.Dy() == sr.Dy() {
		draw.Draw(s.img, dr, src, sr.Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(s.img, dr, src, sr, draw.Src, nil)
}

// Pixels returns a copy of the surface contents.
func (s *Surface) Pixels() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRGBA(s.img)
}

// PutPixels replaces the surface contents with img, which must have the
// surface's dimensions.
func (s *Surface) PutPixels(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.Bounds().Size() != s.img.Bounds().Size() {
		return fmt.Errorf("canvas: put pixels: size %v does not match surface %v",
			img.Bounds().Size(), s.img.Bounds().Size())
	}
	draw.Draw(s.img, s.img.Bounds(), img, img.Bounds().Min, draw.Src)
	return nil
}

// Snapshot is an opaque copy of a surface taken by [Surface.Snapshot].
type Snapshot struct {
	img *image.RGBA
}

// Snapshot captures the current contents and dimensions.
func (s *Surface) Snapshot() Snapshot {
	return Snapshot{img: s.Pixels()}
}

// Restore puts the surface back to the state captured in snap, including
// its dimensions.
func (s *Surface) Restore(snap Snapshot) {
	if snap.img == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = cloneRGBA(snap.img)
}

// Polyline strokes the connected segments through pts with the given line
// width. Segment ends are butt capped; joints are filled with a square so
// steep waveforms stay connected.
func (s *Surface) Polyline(pts []Point, width float32, c color.Color) {
	if len(pts) < 2 || width <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.img.Bounds()
	if b.Empty() {
		return
	}

	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := width / 2
	for i := 1; i < len(pts); i++ {
		strokeSegment(z, pts[i-1], pts[i], half)
	}
	for _, p := range pts[1 : len(pts)-1] {
		square(z, p, half)
	}
	z.Draw(s.img, b, image.NewUniform(c), image.Point{})
}

// strokeSegment adds the rectangle of half-width half around p0→p1. All
// rectangles share the same winding so overlapping coverage never cancels.
func strokeSegment(z *vector.Rasterizer, p0, p1 Point, half float32) {
	dx, dy := p1.X-p0.X, p1.Y-p0.Y
	l := float32(math.Hypot(float64(dx), float64(dy)))
	if l == 0 {
		return
	}
	nx, ny := dy/l*half, -dx/l*half
	z.MoveTo(p0.X+nx, p0.Y+ny)
	z.LineTo(p1.X+nx, p1.Y+ny)
	z.LineTo(p1.X-nx, p1.Y-ny)
	z.LineTo(p0.X-nx, p0.Y-ny)
	z.ClosePath()
}

func square(z *vector.Rasterizer, p Point, half float32) {
	z.MoveTo(p.X-half, p.Y-half)
	z.LineTo(p.X+half, p.Y-half)
	z.LineTo(p.X+half, p.Y+half)
	z.LineTo(p.X-half, p.Y+half)
	z.ClosePath()
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

// Package mirror implements the "Mirror": the webcam image is keyed by a
// person segmentation model so that only the visitor's silhouette remains,
// and that silhouette is shown over a looping background video.
//
// Each render tick draws the current camera frame onto the output surface,
// asks the [segment.Segmenter] for a mask and makes every background pixel
// transparent. A failing or slow segmentation call only costs one tick: the
// surface keeps its previous contents and the loop carries on.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/image/draw"

	"github.com/MrWong99/lahn/internal/canvas"
	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/internal/resilience"
	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/segment"
)

// ErrRunning is returned by [Compositor.Start] while a previous run is live.
var ErrRunning = errors.New("mirror: already running")

// component is the metrics label of the compositor's ticks.
const component = "mirror"

// DefaultSegmentTimeout bounds one segmentation call. It is a few frames at
// 60 Hz; anything slower is dropped rather than stalling the loop.
const DefaultSegmentTimeout = 250 * time.Millisecond

// Option is a functional option for [Compositor].
type Option func(*Compositor)

// WithSegmentOptions sets the resolution and threshold passed to the
// segmenter. Defaults to [segment.DefaultOptions].
func WithSegmentOptions(o segment.Options) Option {
	return func(c *Compositor) { c.segOpts = o }
}

// WithSegmentTimeout bounds each segmentation call. Defaults to
// [DefaultSegmentTimeout].
func WithSegmentTimeout(d time.Duration) Option {
	return func(c *Compositor) {
		if d > 0 {
			c.segTimeout = d
		}
	}
}

// WithTicker sets the factory for render tickers. Defaults to a 60 Hz
// [canvas.NewTicker].
func WithTicker(f func() canvas.Ticker) Option {
	return func(c *Compositor) { c.newTicker = f }
}

// WithPublisher receives the composited view (background under the person
// layer) after every drawn tick.
func WithPublisher(p canvas.Publisher) Option {
	return func(c *Compositor) { c.pub = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Compositor) { c.metrics = m }
}

// Compositor keys the person out of a webcam stream. The output surface is
// owned by the compositor while it runs.
type Compositor struct {
	acq        media.Acquirer
	background media.FrameSource
	seg        segment.Segmenter
	surface    *canvas.Surface

	segOpts    segment.Options
	segTimeout time.Duration
	newTicker  func() canvas.Ticker
	pub        canvas.Publisher
	metrics    *observe.Metrics

	mu     sync.Mutex
	handle media.VideoHandle
	loop   *canvas.Loop
}

// New returns a stopped compositor. background may be nil, in which case
// the published composite shows the person over transparency.
func New(acq media.Acquirer, background media.FrameSource, seg segment.Segmenter, surface *canvas.Surface, opts ...Option) *Compositor {
	c := &Compositor{
		acq:        acq,
		background: background,
		seg:        seg,
		surface:    surface,
		segOpts:    segment.DefaultOptions,
		segTimeout: DefaultSegmentTimeout,
		newTicker:  func() canvas.Ticker { return canvas.NewTicker(canvas.DisplayRefresh) },
	}
	for _, o := range opts {
		o(c)
	}
	c.metrics = observe.OrDefault(c.metrics)
	return c
}

// Start acquires the webcam and starts the render loop. Acquisition errors
// are returned as is (see [media.AcquireError]).
func (c *Compositor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return ErrRunning
	}

	h, err := c.acq.Acquire(ctx, media.KindVideo)
	if err != nil {
		return fmt.Errorf("mirror: start: %w", err)
	}
	vh, ok := h.(media.VideoHandle)
	if !ok {
		_ = h.Release()
		return fmt.Errorf("mirror: start: acquirer returned %T, not a video handle", h)
	}
	c.metrics.CaptureOpened(ctx, media.KindVideo.String())

	c.handle = vh
	c.loop = canvas.StartLoop(ctx, c.newTicker(), func(ctx context.Context) { c.tick(ctx, vh) })
	slog.Info("mirror started",
		"resolution", string(c.segOpts.Resolution),
		"threshold", c.segOpts.Threshold,
	)
	return nil
}

// Stop halts the render loop and releases the webcam. No tick runs after
// Stop returns. Stop on a stopped compositor is a no-op.
func (c *Compositor) Stop() {
	c.mu.Lock()
	loop, h := c.loop, c.handle
	c.loop, c.handle = nil, nil
	c.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if h != nil {
		if err := h.Release(); err != nil {
			slog.Warn("mirror: release webcam", "err", err)
		}
		c.metrics.CaptureClosed(context.Background(), media.KindVideo.String())
		slog.Info("mirror stopped")
	}
}

// Running reports whether the render loop is active.
func (c *Compositor) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop != nil
}

func (c *Compositor) tick(ctx context.Context, h media.VideoHandle) {
	start := time.Now()
	result := c.render(ctx, h)
	c.metrics.RecordTick(ctx, component, result, time.Since(start))
}

// render runs one frame and returns the tick result for metrics.
func (c *Compositor) render(ctx context.Context, h media.VideoHandle) string {
	if !h.Ready() {
		return observe.TickNotReady
	}
	frame := h.Frame()
	if frame == nil {
		return observe.TickNotReady
	}

	prior := c.surface.Snapshot()
	fb := frame.Bounds()
	c.surface.Resize(fb.Dx(), fb.Dy())
	c.surface.DrawImage(frame)

	mask, err := c.segment(ctx, frame)
	if err != nil {
		c.surface.Restore(prior)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return observe.TickTripped
		}
		slog.Debug("mirror: skipping frame", "err", err)
		return observe.TickSkipped
	}

	px := c.surface.Pixels()
	if err := applyMask(px, mask); err != nil {
		c.surface.Restore(prior)
		slog.Debug("mirror: skipping frame", "err", err)
		return observe.TickSkipped
	}
	if err := c.surface.PutPixels(px); err != nil {
		c.surface.Restore(prior)
		slog.Debug("mirror: skipping frame", "err", err)
		return observe.TickSkipped
	}

	if c.pub != nil {
		c.pub.Publish(Composite(c.background, px))
	}
	return observe.TickDrawn
}

func (c *Compositor) segment(ctx context.Context, frame image.Image) (*segment.Mask, error) {
	ctx, cancel := context.WithTimeout(ctx, c.segTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "mirror.segment", trace.WithAttributes(
		attribute.String("segment.resolution", string(c.segOpts.Resolution)),
	))
	defer span.End()

	start := time.Now()
	mask, err := c.seg.Segment(ctx, frame, c.segOpts)
	c.metrics.SegmentationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if mask == nil {
		return nil, fmt.Errorf("%w: empty mask", segment.ErrSegmentation)
	}
	return mask, nil
}

// applyMask zeroes every pixel of px that mask marks as background. Person
// pixels are left untouched.
func applyMask(px *image.RGBA, mask *segment.Mask) error {
	if err := mask.Validate(); err != nil {
		return err
	}
	b := px.Bounds()
	if mask.Width != b.Dx() || mask.Height != b.Dy() {
		return fmt.Errorf("%w: mask is %dx%d, frame is %dx%d",
			segment.ErrSegmentation, mask.Width, mask.Height, b.Dx(), b.Dy())
	}
	for y := range mask.Height {
		row := px.Pix[y*px.Stride : y*px.Stride+mask.Width*4]
		m := mask.Data[y*mask.Width : (y+1)*mask.Width]
		for x, v := range m {
			if v == 0 {
				clear(row[x*4 : x*4+4])
			}
		}
	}
	return nil
}

// Composite returns the background frame scaled to the person layer's size
// with the person layer drawn over it.
func Composite(background media.FrameSource, person *image.RGBA) *image.RGBA {
	b := person.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if background != nil && background.Ready() {
		if bg := background.Frame(); bg != nil {
			draw.ApproxBiLinear.Scale(out, out.Bounds(), bg, bg.Bounds(), draw.Src, nil)
		}
	}
	draw.Draw(out, out.Bounds(), person, b.Min, draw.Over)
	return out
}

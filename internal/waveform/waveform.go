// Package waveform draws a live oscilloscope view of a microphone. It is
// shown while a recording is running and switches stroke colour while the
// session is active.
package waveform

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"time"

	"github.com/MrWong99/lahn/internal/canvas"
	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/pkg/media"
)

// ErrRunning is returned by [Visualizer.Start] while a previous run is live.
var ErrRunning = errors.New("waveform: already running")

// lineWidth is the stroke width of the trace in pixels.
const lineWidth = 2

// Colors configures the visualizer palette.
type Colors struct {
	Idle       color.Color
	Active     color.Color
	Background color.Color
}

// DefaultColors is a dark background with a teal idle trace and a red trace
// while recording.
var DefaultColors = Colors{
	Idle:       color.RGBA{R: 0x4d, G: 0xb6, B: 0xac, A: 0xff},
	Active:     color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff},
	Background: color.RGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xff},
}

// Option is a functional option for [Visualizer].
type Option func(*Visualizer)

// WithFFTSize sets the analysis window. Defaults to [DefaultFFTSize].
func WithFFTSize(n int) Option {
	return func(v *Visualizer) { v.fftSize = n }
}

// WithTicker sets the factory for render tickers. Defaults to a 60 Hz
// [canvas.NewTicker].
func WithTicker(f func() canvas.Ticker) Option {
	return func(v *Visualizer) { v.newTicker = f }
}

// WithPublisher sends a copy of every rendered frame to p.
func WithPublisher(p canvas.Publisher) Option {
	return func(v *Visualizer) { v.pub = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(v *Visualizer) { v.metrics = m }
}

// Visualizer renders the time-domain signal of an audio handle onto a
// [canvas.Surface] once per tick.
type Visualizer struct {
	surface   *canvas.Surface
	colors    Colors
	fftSize   int
	newTicker func() canvas.Ticker
	pub       canvas.Publisher
	metrics   *observe.Metrics

	mu       sync.Mutex
	active   bool
	analyser *Analyser
	loop     *canvas.Loop
}

// New returns a Visualizer drawing onto surface. Nil entries in colors fall
// back to [DefaultColors].
func New(surface *canvas.Surface, colors Colors, opts ...Option) *Visualizer {
	if colors.Idle == nil {
		colors.Idle = DefaultColors.Idle
	}
	if colors.Active == nil {
		colors.Active = DefaultColors.Active
	}
	if colors.Background == nil {
		colors.Background = DefaultColors.Background
	}
	v := &Visualizer{
		surface:   surface,
		colors:    colors,
		fftSize:   DefaultFFTSize,
		newTicker: func() canvas.Ticker { return canvas.NewTicker(canvas.DisplayRefresh) },
	}
	for _, o := range opts {
		o(v)
	}
	v.metrics = observe.OrDefault(v.metrics)
	return v
}

// Start attaches an analyser to h and begins rendering. The handle stays
// owned by the caller.
func (v *Visualizer) Start(ctx context.Context, h media.AudioHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loop != nil {
		return ErrRunning
	}
	v.analyser = NewAnalyser(h, v.fftSize)
	v.loop = canvas.StartLoop(ctx, v.newTicker(), v.tick)
	return nil
}

// Stop halts rendering and closes the analyser. No tick runs after Stop
// returns. Calling Stop on a stopped visualizer is a no-op.
func (v *Visualizer) Stop() {
	v.mu.Lock()
	loop, an := v.loop, v.analyser
	v.loop, v.analyser = nil, nil
	v.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if an != nil {
		an.Close()
	}
}

// SetActive selects the active (recording) or idle stroke colour.
func (v *Visualizer) SetActive(active bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = active
}

func (v *Visualizer) tick(ctx context.Context) {
	start := time.Now()

	v.mu.Lock()
	an := v.analyser
	stroke := v.colors.Idle
	if v.active {
		stroke = v.colors.Active
	}
	v.mu.Unlock()

	var samples []byte
	if an != nil {
		samples = an.Samples()
	}
	v.draw(samples, stroke)

	if v.pub != nil {
		v.pub.Publish(v.surface.Pixels())
	}
	v.metrics.RecordTick(ctx, "waveform", observe.TickDrawn, time.Since(start))
}

// draw renders samples as a polyline across the full surface width, ending
// at the vertical centre of the right edge. An empty buffer yields a flat
// line.
func (v *Visualizer) draw(samples []byte, stroke color.Color) {
	w, h := v.surface.Size()
	v.surface.Clear(v.colors.Background)
	if w == 0 || h == 0 {
		return
	}

	mid := float32(h) / 2
	pts := make([]canvas.Point, 0, len(samples)+2)
	if len(samples) == 0 {
		pts = append(pts, canvas.Point{X: 0, Y: mid})
	} else {
		slice := float32(w) / float32(len(samples))
		var x float32
		for _, b := range samples {
			y := float32(b) / 128 * mid
			pts = append(pts, canvas.Point{X: x, Y: y})
			x += slice
		}
	}
	pts = append(pts, canvas.Point{X: float32(w), Y: mid})
	v.surface.Polyline(pts, lineWidth, stroke)
}

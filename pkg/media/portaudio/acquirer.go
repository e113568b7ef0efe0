// Package portaudio implements [media.Acquirer] for microphones and a reply
// audio [Player] on top of the PortAudio C library.
//
// PortAudio is initialised lazily on the first Acquire or Play call and
// terminated by [Acquirer.Close] / [Player.Close]. The library reference
// counts Initialize/Terminate pairs, so the acquirer and the player may be
// used side by side.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lahn/pkg/media"
)

// Compile-time interface assertion.
var _ media.Acquirer = (*Acquirer)(nil)

const (
	defaultSampleRate      = 44100
	defaultFramesPerBuffer = 1024
)

// Option is a functional option for [Acquirer] and [Player].
type Option func(*settings)

type settings struct {
	sampleRate      int
	channels        int
	framesPerBuffer int
	indicator       media.Indicator
}

// WithSampleRate sets the stream sample rate in Hz. Defaults to 44100.
func WithSampleRate(hz int) Option {
	return func(s *settings) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithChannels sets the number of input channels, 1 or 2. Defaults to 1.
// Stereo frames are published interleaved.
func WithChannels(n int) Option {
	return func(s *settings) {
		if n == 1 || n == 2 {
			s.channels = n
		}
	}
}

// WithFramesPerBuffer sets the PortAudio buffer size. Defaults to 1024.
func WithFramesPerBuffer(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// WithIndicator sets the recording indicator shown while a microphone is
// open. Defaults to [media.LogIndicator].
func WithIndicator(ind media.Indicator) Option {
	return func(s *settings) { s.indicator = ind }
}

func newSettings(opts []Option) settings {
	s := settings{
		sampleRate:      defaultSampleRate,
		channels:        1,
		framesPerBuffer: defaultFramesPerBuffer,
		indicator:       media.LogIndicator{},
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// library tracks one Initialize/Terminate pair.
type library struct {
	mu          sync.Mutex
	initialized bool
}

func (l *library) init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	if err := pa.Initialize(); err != nil {
		return err
	}
	l.initialized = true
	return nil
}

func (l *library) terminate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil
	}
	l.initialized = false
	return pa.Terminate()
}

// Acquirer opens the default input device as a 16-bit stream.
// Only [media.KindAudio] is supported.
type Acquirer struct {
	cfg settings
	lib library
}

// New returns an [Acquirer]. PortAudio is not touched until Acquire.
func New(opts ...Option) *Acquirer {
	return &Acquirer{cfg: newSettings(opts)}
}

// Acquire implements [media.Acquirer].
func (a *Acquirer) Acquire(ctx context.Context, kind media.Kind) (media.CaptureHandle, error) {
	if kind != media.KindAudio {
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable,
			Cause: fmt.Errorf("portaudio: only audio capture is supported")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.lib.init(); err != nil {
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}

	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}

	buf := make([]int16, a.cfg.framesPerBuffer*a.cfg.channels)
	stream, err := pa.OpenDefaultStream(a.cfg.channels, 0, float64(a.cfg.sampleRate), a.cfg.framesPerBuffer, buf)
	if err != nil {
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}

	h := &micHandle{
		stream: stream,
		buf:    buf,
		format: media.Format{SampleRate: a.cfg.sampleRate, Channels: a.cfg.channels},
		bc:     media.NewBroadcaster(),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	h.HandleState = media.NewHandleState(media.KindAudio, a.cfg.indicator, h.stop,
		media.Track{ID: "mic-0", Label: dev.Name})
	go h.readLoop()

	slog.Debug("portaudio: microphone opened",
		"device", dev.Name,
		"sample_rate", a.cfg.sampleRate,
		"channels", a.cfg.channels,
	)
	return h, nil
}

// Close terminates PortAudio if it was initialised. Handles must be released
// before Close is called.
func (a *Acquirer) Close() error {
	return a.lib.terminate()
}

// micHandle is a [media.AudioHandle] backed by a blocking PortAudio stream.
type micHandle struct {
	*media.HandleState

	stream *pa.Stream
	buf    []int16
	format media.Format
	bc     *media.Broadcaster

	done   chan struct{}
	exited chan struct{}
}

func (h *micHandle) Format() media.Format { return h.format }

func (h *micHandle) Subscribe(size int) (<-chan media.AudioFrame, func()) {
	return h.bc.Subscribe(size)
}

// readLoop publishes every buffer until the handle is released or the
// device fails. A failed device ends the stream for subscribers; the handle
// still has to be released.
func (h *micHandle) readLoop() {
	defer close(h.exited)
	start := time.Now()
	err := media.Pump(h.done, h.stream, h.bc, overflowed, func() media.AudioFrame {
		return media.AudioFrame{
			Data:       media.PCM(h.buf),
			SampleRate: h.format.SampleRate,
			Channels:   h.format.Channels,
			Timestamp:  time.Since(start),
		}
	})
	if err != nil {
		slog.Warn("portaudio: microphone stream failed", "err", err)
	}
}

// overflowed reports the one read error that still leaves a valid buffer.
func overflowed(err error) bool {
	if errors.Is(err, pa.InputOverflowed) {
		slog.Debug("portaudio: input overflowed")
		return true
	}
	return false
}

func (h *micHandle) stop() error {
	close(h.done)
	abortErr := h.stream.Abort()
	<-h.exited
	h.bc.Close()
	if err := h.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close stream: %w", err)
	}
	if abortErr != nil {
		return fmt.Errorf("portaudio: abort stream: %w", abortErr)
	}
	return nil
}

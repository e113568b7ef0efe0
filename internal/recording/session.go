// Package recording runs one microphone recording at a time: acquire the
// microphone, accumulate its audio into a [Clip], optionally drive a live
// waveform, and seal the clip into a WAV blob on stop.
//
// The lifecycle is idle → recording → stopping → idle. The capture handle
// opened by Start is released by the matching Stop on every exit path.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/pkg/media"
)

// ErrAcquire is returned by [Session.Start] while a capture is already
// active.
var ErrAcquire = errors.New("recording: capture already active")

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Visualizer is the live view driven while recording. *waveform.Visualizer
// satisfies it.
type Visualizer interface {
	Start(ctx context.Context, h media.AudioHandle) error
	SetActive(active bool)
	Stop()
}

// Option is a functional option for [Session].
type Option func(*Session)

// WithVisualizer shows v for the duration of each recording.
func WithVisualizer(v Visualizer) Option {
	return func(s *Session) { s.viz = v }
}

// WithFormat sets the PCM format of recorded clips. Zero fields follow the
// microphone; the default is the microphone's rate in mono.
func WithFormat(f media.Format) Option {
	return func(s *Session) { s.format = f }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns the recording lifecycle. It is safe for concurrent use.
type Session struct {
	acq     media.Acquirer
	viz     Visualizer
	format  media.Format
	metrics *observe.Metrics

	mu       sync.Mutex
	state    State
	started  time.Time
	handle   media.AudioHandle
	clip     *Clip
	rec      *Recorder
	consumed chan struct{}
}

// NewSession returns an idle session that records from acq.
func NewSession(acq media.Acquirer, opts ...Option) *Session {
	s := &Session{acq: acq}
	for _, o := range opts {
		o(s)
	}
	s.metrics = observe.OrDefault(s.metrics)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recording reports whether a capture is active.
func (s *Session) Recording() bool { return s.State() == StateRecording }

// Start acquires the microphone and begins recording. It fails with
// [ErrAcquire] when a recording is already active and with the acquirer's
// error (see [media.AcquireError]) when the microphone cannot be opened.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAcquire
	}

	h, err := s.acq.Acquire(ctx, media.KindAudio)
	if err != nil {
		return fmt.Errorf("recording: start: %w", err)
	}
	ah, ok := h.(media.AudioHandle)
	if !ok {
		_ = h.Release()
		return fmt.Errorf("recording: start: acquirer returned %T, not an audio handle", h)
	}

	target := s.format
	if target.SampleRate == 0 {
		target.SampleRate = ah.Format().SampleRate
	}
	if target.Channels == 0 {
		target.Channels = 1
	}

	s.clip = NewClip(target)
	s.rec = StartRecorder(ah, target)
	s.consumed = make(chan struct{})
	go consume(s.rec.Events(), s.clip, s.consumed)

	if s.viz != nil {
		if err := s.viz.Start(ctx, ah); err != nil {
			slog.Warn("recording: waveform unavailable", "err", err)
		} else {
			s.viz.SetActive(true)
		}
	}

	s.handle = ah
	s.started = time.Now()
	s.state = StateRecording
	s.metrics.CaptureOpened(ctx, media.KindAudio.String())
	slog.Info("recording started", "sample_rate", target.SampleRate, "channels", target.Channels)
	return nil
}

// consume appends chunk events to clip in order and closes done after the
// recorder has ended.
func consume(events <-chan Event, clip *Clip, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		if ev.Kind != EventChunk {
			continue
		}
		if err := clip.Append(ev.Data); err != nil {
			slog.Warn("recording: dropping chunk", "err", err)
		}
	}
}

// Stop finalises the recording and returns the sealed clip. Calling Stop
// while no recording is active is a no-op returning (nil, nil). The
// microphone is released even when finalising fails or ctx expires.
func (s *Session) Stop(ctx context.Context) (blob *media.Blob, err error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil, nil
	}
	s.state = StateStopping
	h, clip, rec, consumed, started := s.handle, s.clip, s.rec, s.consumed, s.started
	s.mu.Unlock()

	defer func() {
		if s.viz != nil {
			s.viz.SetActive(false)
			s.viz.Stop()
		}
		if relErr := h.Release(); relErr != nil {
			slog.Warn("recording: release microphone", "err", relErr)
		}
		s.metrics.CaptureClosed(context.WithoutCancel(ctx), media.KindAudio.String())

		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordRecording(context.WithoutCancel(ctx), status)

		s.mu.Lock()
		s.state = StateIdle
		s.handle, s.clip, s.rec, s.consumed = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	rec.Stop()
	select {
	case <-consumed:
	case <-ctx.Done():
		return nil, fmt.Errorf("recording: stop: waiting for last chunk: %w", ctx.Err())
	}

	blob, err = clip.Seal()
	if err != nil {
		return nil, fmt.Errorf("recording: stop: %w", err)
	}
	slog.Info("recording stopped",
		"duration", time.Since(started).Round(time.Millisecond),
		"audio_seconds", clip.Duration(),
		"bytes", blob.Size(),
	)
	return blob, nil
}

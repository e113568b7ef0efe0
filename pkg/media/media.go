// Package media defines the capture abstractions used by the Lahn client's
// real-time pipeline.
//
// The two primary abstractions are:
//
//   - [Acquirer] — obtains an exclusive audio or video input from the platform.
//   - [CaptureHandle] — an open hardware stream that the caller owns until
//     [CaptureHandle.Release] is called.
//
// Audio handles additionally implement [AudioHandle] and fan their PCM frames
// out to any number of subscribers (the waveform analyser and the recorder
// share one microphone). Video handles implement [VideoHandle] and expose the
// most recently decoded frame.
//
// Implementations live in sub-packages (media/portaudio, media/mjpeg); test
// doubles live in media/mock.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
)

// Kind classifies the hardware stream behind a [CaptureHandle].
type Kind int

const (
	// KindAudio is a microphone input.
	KindAudio Kind = iota

	// KindVideo is a webcam input.
	KindVideo
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

var (
	// ErrPermissionDenied is returned when the platform refuses access to the
	// requested input device.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable is returned when no input device of the requested
	// kind exists or it cannot be opened.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// AcquireError describes a failed [Acquirer.Acquire] call. Reason is one of
// [ErrPermissionDenied] or [ErrDeviceUnavailable]; Cause is the underlying
// platform error, if any. Both are visible to [errors.Is].
type AcquireError struct {
	Kind   Kind
	Reason error
	Cause  error
}

// Error implements error.
func (e *AcquireError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("acquire %s: %v", e.Kind, e.Reason)
	}
	return fmt.Sprintf("acquire %s: %v: %v", e.Kind, e.Reason, e.Cause)
}

// Unwrap exposes both the reason sentinel and the platform cause.
func (e *AcquireError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

// Track is one media track inside a [CaptureHandle].
type Track struct {
	// ID is unique within the handle.
	ID string

	// Label is the device label reported by the platform, if any.
	Label string
}

// CaptureHandle is an open hardware stream. The handle is owned exclusively by
// whichever component requested it and must be released before it is
// discarded; otherwise the device indicator (and on some platforms the device
// lock) stays active.
//
// Implementations must be safe for concurrent use.
type CaptureHandle interface {
	// Kind reports whether this is an audio or a video stream.
	Kind() Kind

	// Tracks returns the tracks carried by the stream.
	Tracks() []Track

	// Closed reports whether Release has been called.
	Closed() bool

	// Release stops every track and hides the recording indicator. It is safe
	// to call Release more than once; subsequent calls are no-ops and return
	// the result of the first call.
	Release() error
}

// AudioHandle is a [CaptureHandle] of kind [KindAudio].
type AudioHandle interface {
	CaptureHandle

	// Format returns the PCM format of published frames.
	Format() Format

	// Subscribe registers a new consumer. Frames are delivered on the returned
	// channel, which holds up to size frames; when it is full new frames are
	// dropped for that subscriber only. The channel is closed when cancel is
	// called or the handle is released.
	Subscribe(size int) (frames <-chan AudioFrame, cancel func())
}

// FrameSource delivers video frames. It models a playing <video> element:
// Ready turns true once the first frame has been decoded.
type FrameSource interface {
	// Ready reports whether Frame will return a decoded image.
	Ready() bool

	// Frame returns the current frame, or nil when not ready. Callers must
	// treat the returned image as read-only.
	Frame() image.Image
}

// VideoHandle is a [CaptureHandle] of kind [KindVideo].
type VideoHandle interface {
	CaptureHandle
	FrameSource
}

// Acquirer is the entry point for input devices.
//
// Implementations must be safe for concurrent use.
type Acquirer interface {
	// Acquire opens an input of the given kind. The returned handle is an
	// [AudioHandle] for [KindAudio] and a [VideoHandle] for [KindVideo].
	// Failures are reported as [*AcquireError].
	Acquire(ctx context.Context, kind Kind) (CaptureHandle, error)
}

// Indicator surfaces the platform-level recording indicator for the lifetime
// of a capture. Show is called when a handle is opened and Hide exactly once
// when it is released.
type Indicator interface {
	Show(kind Kind)
	Hide(kind Kind)
}

// LogIndicator is an [Indicator] that reports capture state through slog.
type LogIndicator struct{}

// Show implements [Indicator].
func (LogIndicator) Show(kind Kind) { slog.Info("capture started", "kind", kind.String()) }

// Hide implements [Indicator].
func (LogIndicator) Hide(kind Kind) { slog.Info("capture stopped", "kind", kind.String()) }

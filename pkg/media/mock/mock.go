// Package mock provides in-memory implementations of the [media.Acquirer],
// [media.AudioHandle], [media.VideoHandle] and [media.Indicator] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	acq := &mock.Acquirer{Format: media.Format{SampleRate: 16000, Channels: 1}}
//	h, _ := acq.Acquire(ctx, media.KindAudio)
//	acq.LastAudio().Push(media.AudioFrame{Data: pcm})
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
)

// ─── Indicator ────────────────────────────────────────────────────────────────

// Indicator is a mock implementation of [media.Indicator].
type Indicator struct {
	mu    sync.Mutex
	shows map[media.Kind]int
	hides map[media.Kind]int
}

// Show implements [media.Indicator].
func (i *Indicator) Show(kind media.Kind) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shows == nil {
		i.shows = make(map[media.Kind]int)
	}
	i.shows[kind]++
}

// Hide implements [media.Indicator].
func (i *Indicator) Hide(kind media.Kind) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hides == nil {
		i.hides = make(map[media.Kind]int)
	}
	i.hides[kind]++
}

// ShowCount returns how many times Show was called for kind.
func (i *Indicator) ShowCount(kind media.Kind) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shows[kind]
}

// HideCount returns how many times Hide was called for kind.
func (i *Indicator) HideCount(kind media.Kind) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hides[kind]
}

// Active reports whether more Show than Hide calls were recorded for kind.
func (i *Indicator) Active(kind media.Kind) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shows[kind] > i.hides[kind]
}

// ─── AudioHandle ──────────────────────────────────────────────────────────────

// AudioHandle is a mock implementation of [media.AudioHandle]. Frames handed
// to [AudioHandle.Push] are delivered to every subscriber.
type AudioHandle struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult media.Format

	// ReleaseError is returned by Release.
	ReleaseError error

	// ReleaseCalls records how many times Release was called.
	ReleaseCalls int

	// SubscribeCalls records how many times Subscribe was called.
	SubscribeCalls int

	closed bool
	bc     *media.Broadcaster
}

// NewAudioHandle returns an open handle publishing frames in format f.
func NewAudioHandle(f media.Format) *AudioHandle {
	return &AudioHandle{FormatResult: f, bc: media.NewBroadcaster()}
}

func (h *AudioHandle) broadcaster() *media.Broadcaster {
	if h.bc == nil {
		h.bc = media.NewBroadcaster()
	}
	return h.bc
}

// Kind implements [media.CaptureHandle].
func (h *AudioHandle) Kind() media.Kind { return media.KindAudio }

// Tracks implements [media.CaptureHandle].
func (h *AudioHandle) Tracks() []media.Track {
	return []media.Track{{ID: "mock-mic", Label: "Mock Microphone"}}
}

// Closed implements [media.CaptureHandle].
func (h *AudioHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Release implements [media.CaptureHandle]. Every call is counted; only the
// first closes the subscriber channels.
func (h *AudioHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ReleaseCalls++
	if !h.closed {
		h.closed = true
		h.broadcaster().Close()
	}
	return h.ReleaseError
}

// Format implements [media.AudioHandle].
func (h *AudioHandle) Format() media.Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.FormatResult
}

// Subscribe implements [media.AudioHandle].
func (h *AudioHandle) Subscribe(size int) (<-chan media.AudioFrame, func()) {
	h.mu.Lock()
	h.SubscribeCalls++
	bc := h.broadcaster()
	h.mu.Unlock()
	return bc.Subscribe(size)
}

// Push publishes frame to every current subscriber.
func (h *AudioHandle) Push(frame media.AudioFrame) {
	h.mu.Lock()
	bc := h.broadcaster()
	h.mu.Unlock()
	bc.Publish(frame)
}

// ReleaseCount returns ReleaseCalls under the lock.
func (h *AudioHandle) ReleaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ReleaseCalls
}

// ─── VideoHandle ──────────────────────────────────────────────────────────────

// VideoHandle is a mock implementation of [media.VideoHandle]. It is not
// ready until [VideoHandle.SetFrame] is called with a non-nil image.
type VideoHandle struct {
	mu sync.Mutex

	// ReleaseError is returned by Release.
	ReleaseError error

	// ReleaseCalls records how many times Release was called.
	ReleaseCalls int

	frame  image.Image
	closed bool
}

// Kind implements [media.CaptureHandle].
func (h *VideoHandle) Kind() media.Kind { return media.KindVideo }

// Tracks implements [media.CaptureHandle].
func (h *VideoHandle) Tracks() []media.Track {
	return []media.Track{{ID: "mock-cam", Label: "Mock Camera"}}
}

// Closed implements [media.CaptureHandle].
func (h *VideoHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Release implements [media.CaptureHandle].
func (h *VideoHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ReleaseCalls++
	h.closed = true
	return h.ReleaseError
}

// ReleaseCount returns ReleaseCalls under the lock.
func (h *VideoHandle) ReleaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ReleaseCalls
}

// SetFrame replaces the current frame.
func (h *VideoHandle) SetFrame(img image.Image) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frame = img
}

// Ready implements [media.FrameSource].
func (h *VideoHandle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame != nil && !h.closed
}

// Frame implements [media.FrameSource].
func (h *VideoHandle) Frame() image.Image {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return h.frame
}

// ─── FrameSource ──────────────────────────────────────────────────────────────

// FrameSource is a mock [media.FrameSource] returning a fixed image.
type FrameSource struct {
	// Image is returned by Frame. Ready reports Image != nil.
	Image image.Image
}

// Ready implements [media.FrameSource].
func (s *FrameSource) Ready() bool { return s.Image != nil }

// Frame implements [media.FrameSource].
func (s *FrameSource) Frame() image.Image { return s.Image }

// ─── Acquirer ─────────────────────────────────────────────────────────────────

// Acquirer is a mock implementation of [media.Acquirer]. Each successful call
// creates a fresh handle that is remembered for later inspection.
type Acquirer struct {
	mu sync.Mutex

	// Format is the PCM format of created audio handles.
	Format media.Format

	// Frame, when non-nil, is set on every created video handle.
	Frame image.Image

	// AudioError is returned by Acquire(KindAudio) when non-nil.
	AudioError error

	// VideoError is returned by Acquire(KindVideo) when non-nil.
	VideoError error

	// AcquireCalls records the kind of every Acquire invocation.
	AcquireCalls []media.Kind

	// Audio holds every audio handle created, in order.
	Audio []*AudioHandle

	// Video holds every video handle created, in order.
	Video []*VideoHandle
}

// Acquire implements [media.Acquirer].
func (a *Acquirer) Acquire(ctx context.Context, kind media.Kind) (media.CaptureHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.AcquireCalls = append(a.AcquireCalls, kind)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch kind {
	case media.KindAudio:
		if a.AudioError != nil {
			return nil, a.AudioError
		}
		h := NewAudioHandle(a.Format)
		a.Audio = append(a.Audio, h)
		return h, nil
	case media.KindVideo:
		if a.VideoError != nil {
			return nil, a.VideoError
		}
		h := &VideoHandle{frame: a.Frame}
		a.Video = append(a.Video, h)
		return h, nil
	default:
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable}
	}
}

// LastAudio returns the most recently created audio handle, or nil.
func (a *Acquirer) LastAudio() *AudioHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Audio) == 0 {
		return nil
	}
	return a.Audio[len(a.Audio)-1]
}

// LastVideo returns the most recently created video handle, or nil.
func (a *Acquirer) LastVideo() *VideoHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Video) == 0 {
		return nil
	}
	return a.Video[len(a.Video)-1]
}

// OpenCount returns the number of created handles of kind that are not yet
// closed.
func (a *Acquirer) OpenCount(kind media.Kind) int {
	a.mu.Lock()
	audio := append([]*AudioHandle(nil), a.Audio...)
	video := append([]*VideoHandle(nil), a.Video...)
	a.mu.Unlock()

	n := 0
	switch kind {
	case media.KindAudio:
		for _, h := range audio {
			if !h.Closed() {
				n++
			}
		}
	case media.KindVideo:
		for _, h := range video {
			if !h.Closed() {
				n++
			}
		}
	}
	return n
}

// AcquireCount returns len(AcquireCalls) under the lock.
func (a *Acquirer) AcquireCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.AcquireCalls)
}

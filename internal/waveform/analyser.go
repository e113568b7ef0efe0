package waveform

import (
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
)

// DefaultFFTSize is the analysis window used when none is configured.
const DefaultFFTSize = 2048

// silence is the byte value of a zero sample in time-domain byte form.
const silence = 128

// Analyser is a live tap on an audio handle. It keeps the most recent
// window of samples in unsigned byte form, where 128 is silence and 0/255
// are full negative/positive scale. Only the first channel is analysed.
type Analyser struct {
	mu     sync.Mutex
	ring   []byte
	pos    int
	closed bool

	cancel func()
	done   chan struct{}
}

// NewAnalyser subscribes to h and starts filling a window of fftSize
// samples. A non-positive fftSize selects [DefaultFFTSize]. The window starts
// out silent.
func NewAnalyser(h media.AudioHandle, fftSize int) *Analyser {
	if fftSize <= 0 {
		fftSize = DefaultFFTSize
	}
	a := &Analyser{
		ring: make([]byte, fftSize),
		done: make(chan struct{}),
	}
	for i := range a.ring {
		a.ring[i] = silence
	}

	frames, cancel := h.Subscribe(64)
	a.cancel = cancel
	go a.consume(frames)
	return a
}

func (a *Analyser) consume(frames <-chan media.AudioFrame) {
	defer close(a.done)
	for f := range frames {
		step := max(f.Channels, 1)
		samples := media.Samples(f.Data)

		a.mu.Lock()
		for i := 0; i < len(samples); i += step {
			a.ring[a.pos] = toByte(samples[i])
			a.pos = (a.pos + 1) % len(a.ring)
		}
		a.mu.Unlock()
	}
}

// toByte maps a signed 16-bit sample onto 0..255 with 128 at zero.
func toByte(s int16) byte {
	v := silence + int(s)/256
	return byte(min(max(v, 0), 255))
}

// SampleCount returns the window size.
func (a *Analyser) SampleCount() int { return len(a.ring) }

// Samples returns the current window, oldest sample first. After Close it
// returns nil.
func (a *Analyser) Samples() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	out := make([]byte, len(a.ring))
	n := copy(out, a.ring[a.pos:])
	copy(out[n:], a.ring[:a.pos])
	return out
}

// Close detaches the analyser from its handle. The handle itself is not
// released. Close is idempotent.
func (a *Analyser) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	<-a.done
}

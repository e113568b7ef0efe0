package media

import (
	"log/slog"
	"sync"
)

// HandleState implements the bookkeeping shared by every [CaptureHandle]:
// kind, tracks, the recording indicator and idempotent release. Platform
// adapters embed it and supply the function that actually stops the device.
type HandleState struct {
	kind      Kind
	tracks    []Track
	indicator Indicator
	stop      func() error

	mu      sync.Mutex
	closed  bool
	once    sync.Once
	stopErr error
}

// NewHandleState creates the state for an opened capture and shows the
// indicator. stop is invoked exactly once, from the first Release call.
// A nil indicator is allowed.
func NewHandleState(kind Kind, indicator Indicator, stop func() error, tracks ...Track) *HandleState {
	h := &HandleState{
		kind:      kind,
		tracks:    append([]Track(nil), tracks...),
		indicator: indicator,
		stop:      stop,
	}
	if indicator != nil {
		indicator.Show(kind)
	}
	return h
}

// Kind implements [CaptureHandle].
func (h *HandleState) Kind() Kind { return h.kind }

// Tracks implements [CaptureHandle].
func (h *HandleState) Tracks() []Track {
	return append([]Track(nil), h.tracks...)
}

// Closed implements [CaptureHandle].
func (h *HandleState) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Release implements [CaptureHandle].
func (h *HandleState) Release() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		if h.stop != nil {
			h.stopErr = h.stop()
		}
		if h.indicator != nil {
			h.indicator.Hide(h.kind)
		}
		if h.stopErr != nil {
			slog.Warn("media: stopping capture tracks failed", "kind", h.kind.String(), "err", h.stopErr)
		}
	})
	return h.stopErr
}

// Broadcaster fans [AudioFrame] values out to the subscribers of an
// [AudioHandle]. A slow subscriber only loses its own frames.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan AudioFrame
	nextID int
	closed bool

	warnDrop sync.Once
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan AudioFrame)}
}

// Subscribe implements [AudioHandle.Subscribe]. Subscribing to a closed
// broadcaster returns an already-closed channel.
func (b *Broadcaster) Subscribe(size int) (<-chan AudioFrame, func()) {
	if size < 1 {
		size = 1
	}
	ch := make(chan AudioFrame, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers frame to every subscriber without blocking.
func (b *Broadcaster) Publish(frame AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
		default:
			b.warnDrop.Do(func() {
				slog.Warn("media: subscriber is not keeping up, dropping audio frames")
			})
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

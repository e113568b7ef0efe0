package recording

import (
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
)

// EventKind distinguishes recorder events.
type EventKind int

const (
	// EventChunk carries one chunk of PCM in the recording format.
	EventChunk EventKind = iota

	// EventEnded is the last event of a recorder. Every chunk captured
	// before the stop request has been delivered when it arrives.
	EventEnded
)

// Event is one message from a [Recorder].
type Event struct {
	Kind EventKind
	Data []byte
}

// subscriberBuffer holds roughly six seconds of 1024-sample frames so a
// briefly stalled consumer does not lose audio.
const subscriberBuffer = 256

// Recorder taps an audio handle and emits its frames, converted to the
// recording format, as ordered [Event] values.
type Recorder struct {
	events chan Event
	stop   chan struct{}
	once   sync.Once
}

// StartRecorder subscribes to h and begins emitting events. The handle stays
// owned by the caller.
func StartRecorder(h media.AudioHandle, target media.Format) *Recorder {
	frames, cancel := h.Subscribe(subscriberBuffer)
	r := &Recorder{
		events: make(chan Event, subscriberBuffer),
		stop:   make(chan struct{}),
	}
	go r.run(frames, cancel, &media.FormatConverter{Target: target})
	return r
}

// Events returns the event stream. It is closed after [EventEnded].
func (r *Recorder) Events() <-chan Event { return r.events }

// Stop asks the recorder to finalise. Frames already buffered are still
// delivered, followed by [EventEnded]. Stop is idempotent.
func (r *Recorder) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Recorder) run(frames <-chan media.AudioFrame, cancel func(), conv *media.FormatConverter) {
	defer close(r.events)
	r.drain(frames, cancel, conv)
	if tail := conv.Flush(); len(tail) > 0 {
		r.events <- Event{Kind: EventChunk, Data: tail}
	}
	r.events <- Event{Kind: EventEnded}
}

// drain emits frames until the stream ends or Stop is called.
func (r *Recorder) drain(frames <-chan media.AudioFrame, cancel func(), conv *media.FormatConverter) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.emit(conv, f)
		case <-r.stop:
			// Cancelling closes frames once the buffered ones are read.
			cancel()
			for f := range frames {
				r.emit(conv, f)
			}
			return
		}
	}
}

func (r *Recorder) emit(conv *media.FormatConverter, f media.AudioFrame) {
	out := conv.Convert(f)
	if len(out.Data) == 0 {
		return
	}
	r.events <- Event{Kind: EventChunk, Data: out.Data}
}

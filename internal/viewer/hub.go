// Package viewer renders the visual components for a browser: the latest
// frame of each channel is PNG-encoded and pushed to websocket subscribers.
//
// Publishers never block on viewers. Every subscriber has a one-frame
// mailbox; when a slow client has not picked up its previous frame, that
// frame is replaced by the newer one.
package viewer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/lahn/internal/canvas"
	"github.com/MrWong99/lahn/internal/observe"
)

// Channel names of the built-in visual components.
const (
	ChannelWaveform = "waveform"
	ChannelMirror   = "mirror"
)

// ErrUnknownChannel is returned for channels the hub was not created with.
var ErrUnknownChannel = errors.New("viewer: unknown channel")

type subscriber struct {
	mailbox chan []byte
}

type channel struct {
	latest      image.Image
	latestPNG   []byte
	seq         uint64
	subscribers map[*subscriber]struct{}
}

// Hub holds the latest frame per channel and fans frames out to
// subscribers. It is safe for concurrent use.
type Hub struct {
	metrics *observe.Metrics
	encoder png.Encoder

	mu       sync.Mutex
	channels map[string]*channel

	dropped atomic.Uint64
}

// NewHub returns a hub serving the named channels. With no names it serves
// [ChannelWaveform] and [ChannelMirror].
func NewHub(m *observe.Metrics, names ...string) *Hub {
	if len(names) == 0 {
		names = []string{ChannelWaveform, ChannelMirror}
	}
	h := &Hub{
		metrics:  observe.OrDefault(m),
		encoder:  png.Encoder{CompressionLevel: png.BestSpeed},
		channels: make(map[string]*channel, len(names)),
	}
	for _, n := range names {
		h.channels[n] = &channel{subscribers: make(map[*subscriber]struct{})}
	}
	return h
}

// Channels returns the channel names in no particular order.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.channels))
	for n := range h.channels {
		out = append(out, n)
	}
	return out
}

// Publisher returns the [canvas.Publisher] feeding channel name. Frames for
// unknown channels are discarded.
func (h *Hub) Publisher(name string) canvas.Publisher {
	return canvas.PublisherFunc(func(img image.Image) { h.Publish(name, img) })
}

// Publish stores img as the latest frame of name and sends it to every
// subscriber. Encoding is skipped while nobody is watching.
func (h *Hub) Publish(name string, img image.Image) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	ch.latest, ch.latestPNG = img, nil
	ch.seq++
	seq := ch.seq
	if len(ch.subscribers) == 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	data, err := h.encode(img)
	if err != nil {
		slog.Debug("viewer: encode frame", "channel", name, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ch.seq == seq {
		ch.latestPNG = data
	}
	for s := range ch.subscribers {
		h.deliver(s, data)
	}
}

// deliver puts data into the subscriber's mailbox, replacing a frame the
// client has not read yet. Must be called with h.mu held.
func (h *Hub) deliver(s *subscriber, data []byte) {
	select {
	case s.mailbox <- data:
		return
	default:
	}
	select {
	case <-s.mailbox:
		h.dropped.Add(1)
	default:
	}
	select {
	case s.mailbox <- data:
	default:
		h.dropped.Add(1)
	}
}

// Latest returns the PNG encoding of the latest frame of name, or nil when
// nothing was published yet.
func (h *Hub) Latest(name string) ([]byte, error) {
	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownChannel
	}
	img, data, seq := ch.latest, ch.latestPNG, ch.seq
	h.mu.Unlock()

	if data != nil || img == nil {
		return data, nil
	}
	data, err := h.encode(img)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if ch.seq == seq {
		ch.latestPNG = data
	}
	h.mu.Unlock()
	return data, nil
}

// Subscribe registers a subscriber on name. The returned channel yields PNG
// frames, starting with the latest one if any; it is closed by cancel.
func (h *Hub) Subscribe(ctx context.Context, name string) (<-chan []byte, func(), error) {
	latest, err := h.Latest(name)
	if err != nil {
		return nil, nil, err
	}

	s := &subscriber{mailbox: make(chan []byte, 1)}
	if latest != nil {
		s.mailbox <- latest
	}

	h.mu.Lock()
	h.channels[name].subscribers[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.ViewerConnected(ctx, name)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.channels[name].subscribers, s)
			close(s.mailbox)
			h.mu.Unlock()
			h.metrics.ViewerDisconnected(context.WithoutCancel(ctx), name)
		})
	}
	return s.mailbox, cancel, nil
}

// Dropped returns how many frames were replaced before a slow subscriber
// read them.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.encoder.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package canvas

import (
	"context"
	"image"
	"sync"
	"time"
)

// DisplayRefresh is the default tick interval, one frame at 60 Hz.
const DisplayRefresh = time.Second / 60

// Ticker delivers render ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTicker returns a [Ticker] backed by [time.Ticker]. A non-positive
// interval selects [DisplayRefresh].
func NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		d = DisplayRefresh
	}
	return timeTicker{time.NewTicker(d)}
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// acker is implemented by tickers that want to know when a tick has been
// fully handled.
type acker interface {
	ack()
}

// Loop runs a callback once per tick on its own goroutine.
type Loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartLoop calls fn on every tick of t until ctx is cancelled or
// [Loop.Stop] is called. The ticker is stopped when the loop exits.
func StartLoop(ctx context.Context, t Ticker, fn func(ctx context.Context)) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		defer t.Stop()
		a, _ := t.(acker)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
			}
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
			if a != nil {
				a.ack()
			}
		}
	}()
	return l
}

// Stop cancels the loop and waits for the current tick, if any, to finish.
// No tick runs after Stop returns. Stop is idempotent.
func (l *Loop) Stop() {
	l.cancel()
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// ManualTicker is a [Ticker] driven by explicit [ManualTicker.Tick] calls.
// It makes render loops deterministic in tests.
type ManualTicker struct {
	c       chan time.Time
	acked   chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewManualTicker returns a ticker that only fires on Tick.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:       make(chan time.Time),
		acked:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// C implements [Ticker].
func (m *ManualTicker) C() <-chan time.Time { return m.c }

// Stop implements [Ticker].
func (m *ManualTicker) Stop() { m.once.Do(func() { close(m.stopped) }) }

// Tick delivers one tick and blocks until the loop has finished handling it.
// It reports false if the ticker was stopped before the tick completed.
func (m *ManualTicker) Tick() bool {
	select {
	case m.c <- time.Now():
	case <-m.stopped:
		return false
	}
	select {
	case <-m.acked:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *ManualTicker) ack() {
	select {
	case m.acked <- struct{}{}:
	case <-m.stopped:
	}
}

// Publisher receives finished frames, typically a viewer channel. The image
// is a private copy owned by the receiver.
type Publisher interface {
	Publish(img image.Image)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(img image.Image)

// Publish implements [Publisher].
func (f PublisherFunc) Publish(img image.Image) { f(img) }

package resilience

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lahn/pkg/segment"
	segmock "github.com/MrWong99/lahn/pkg/segment/mock"
)

// fakeClock is a manually advanced clock for breaker timeouts.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// segmentOnce runs one render tick's segmentation call through cb.
func segmentOnce(cb *CircuitBreaker, seg segment.Segmenter) error {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	return cb.Execute(func() error {
		_, err := seg.Segment(context.Background(), img, segment.DefaultOptions)
		return err
	})
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.maxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want %d", cb.maxFailures, DefaultMaxFailures)
	}
	if cb.resetTimeout != DefaultResetTimeout {
		t.Errorf("resetTimeout = %v, want %v", cb.resetTimeout, DefaultResetTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	down := &segmock.Segmenter{Error: errors.New("connection refused")}
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "remote", MaxFailures: 3, Now: newFakeClock().Now})

	for i := range 3 {
		if err := segmentOnce(cb, down); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("tick %d rejected before the breaker should open", i)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// Open: ticks are rejected without reaching the backend.
	for range 10 {
		if err := segmentOnce(cb, down); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
	}
	if n := down.CallCount(); n != 3 {
		t.Errorf("backend called %d times, want 3", n)
	}
}

func TestCircuitBreaker_SuccessResetsFailureRun(t *testing.T) {
	t.Parallel()

	seg := &segmock.Segmenter{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Now: newFakeClock().Now})

	seg.Error = errors.New("timeout")
	_ = segmentOnce(cb, seg)
	seg.Error = nil
	_ = segmentOnce(cb, seg)
	seg.Error = errors.New("timeout")
	_ = segmentOnce(cb, seg)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed: failures were not consecutive", cb.State())
	}
}

func TestCircuitBreaker_TrialCallClosesOnSuccess(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	seg := &segmock.Segmenter{Error: errors.New("503")}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Second, Now: clock.Now})

	_ = segmentOnce(cb, seg)
	clock.Advance(9 * time.Second)
	if err := segmentOnce(cb, seg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v before the reset timeout, want ErrCircuitOpen", err)
	}

	clock.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	seg.Error = nil
	if err := segmentOnce(cb, seg); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_TrialCallFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	seg := &segmock.Segmenter{Error: errors.New("503")}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Second, Now: clock.Now})

	_ = segmentOnce(cb, seg)
	clock.Advance(10 * time.Second)
	if err := segmentOnce(cb, seg); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("trial call was rejected")
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// The reset timeout restarts from the failed trial.
	clock.Advance(5 * time.Second)
	if err := segmentOnce(cb, seg); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if n := seg.CallCount(); n != 2 {
		t.Errorf("backend called %d times, want 2", n)
	}
}

func TestCircuitBreaker_OneTrialCallAtATime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	block := make(chan struct{})
	seg := &segmock.Segmenter{Error: errors.New("503")}
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, Now: clock.Now})

	_ = segmentOnce(cb, seg)
	clock.Advance(time.Second)

	seg.Error = nil
	seg.Block = block
	trial := make(chan error, 1)
	go func() { trial <- segmentOnce(cb, seg) }()

	// Wait until the trial call has reached the backend.
	deadline := time.After(2 * time.Second)
	for seg.CallCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("trial call never reached the backend")
		case <-time.After(time.Millisecond):
		}
	}

	// Overlapping ticks are skipped while the trial call is in flight.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call err = %v, want ErrCircuitOpen", err)
	}

	close(block)
	if err := <-trial; err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancelledCallsAreNeutral(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Second, Now: clock.Now})

	// A stopped render loop cancels in-flight calls; that is not a
	// backend failure.
	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after cancelled calls, want closed", cb.State())
	}

	fail := errors.New("503")
	_ = cb.Execute(func() error { return fail })
	_ = cb.Execute(func() error { return fail })
	clock.Advance(time.Second)

	// A cancelled trial call leaves the breaker open; the next call is the
	// new trial.
	if err := cb.Execute(func() error { return context.Canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_DeadlineCountsAsFailure(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Now: newFakeClock().Now})
	_ = cb.Execute(func() error { return context.DeadlineExceeded })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open: a slow backend is a failing one", cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

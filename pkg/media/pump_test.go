package media_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lahn/pkg/media"
)

var errOverflow = errors.New("input overflowed")

// scriptedStream returns the scripted errors in order, then blocks until
// released.
type scriptedStream struct {
	errs    []error
	reads   int
	release chan struct{}
}

func (s *scriptedStream) Read() error {
	if s.reads < len(s.errs) {
		err := s.errs[s.reads]
		s.reads++
		return err
	}
	s.reads++
	<-s.release
	return nil
}

func drain(ch <-chan media.AudioFrame) int {
	n := 0
	for range ch {
		n++
	}
	return n
}

func TestPump_FatalReadErrorEndsStream(t *testing.T) {
	t.Parallel()

	unplugged := errors.New("device unavailable")
	s := &scriptedStream{errs: []error{nil, errOverflow, nil, unplugged, nil}}
	b := media.NewBroadcaster()
	frames, _ := b.Subscribe(16)

	err := media.Pump(make(chan struct{}), s, b,
		func(err error) bool { return errors.Is(err, errOverflow) },
		func() media.AudioFrame { return media.AudioFrame{Data: []byte{0, 0}} },
	)
	if !errors.Is(err, unplugged) {
		t.Fatalf("Pump = %v, want %v", err, unplugged)
	}
	if s.reads != 4 {
		t.Errorf("reads = %d, want 4 (no read after the fatal error)", s.reads)
	}
	// Two clean reads and the overflowed one; nothing for the failed read.
	if n := drain(frames); n != 3 {
		t.Errorf("published %d frames, want 3", n)
	}
}

func TestPump_NilTransientTreatsEveryErrorAsFatal(t *testing.T) {
	t.Parallel()

	s := &scriptedStream{errs: []error{errOverflow}}
	b := media.NewBroadcaster()
	frames, _ := b.Subscribe(1)

	if err := media.Pump(make(chan struct{}), s, b, nil, func() media.AudioFrame { return media.AudioFrame{} }); !errors.Is(err, errOverflow) {
		t.Fatalf("Pump = %v, want %v", err, errOverflow)
	}
	if n := drain(frames); n != 0 {
		t.Errorf("published %d frames, want 0", n)
	}
}

func TestPump_StopsWhenDone(t *testing.T) {
	t.Parallel()

	s := &scriptedStream{release: make(chan struct{})}
	b := media.NewBroadcaster()
	frames, _ := b.Subscribe(1)
	done := make(chan struct{})

	result := make(chan error, 1)
	go func() {
		result <- media.Pump(done, s, b, nil, func() media.AudioFrame { return media.AudioFrame{} })
	}()

	close(done)
	close(s.release)
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Pump = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after done was closed")
	}
	if n := drain(frames); n != 0 {
		t.Errorf("published %d frames after done, want 0", n)
	}
}

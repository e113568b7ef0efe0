package resilience

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/MrWong99/lahn/pkg/segment"
)

// ErrAllFailed is returned when every segmentation backend failed on a
// frame. Backends that were skipped because their breaker is open do not
// count as failures.
var ErrAllFailed = errors.New("all segmentation backends failed")

// FallbackConfig configures the breaker created for each backend of a
// [SegmentFallback].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type segmentBackend struct {
	name    string
	seg     segment.Segmenter
	breaker *CircuitBreaker
}

// SegmentFallback implements [segment.Segmenter] over an ordered list of
// backends. Each frame goes to the first backend whose breaker admits the
// call; a failing backend hands the frame on to the next one.
//
// When no backend is even tried because every breaker is open, Segment
// fails with an error that matches both [segment.ErrSegmentation] and
// [ErrCircuitOpen]. The render loop skips that tick without waiting on the
// network.
type SegmentFallback struct {
	cfg      FallbackConfig
	backends []segmentBackend
}

// Compile-time interface assertion.
var _ segment.Segmenter = (*SegmentFallback)(nil)

// NewSegmentFallback returns a fallback with primary as the preferred
// backend.
func NewSegmentFallback(primary segment.Segmenter, primaryName string, cfg FallbackConfig) *SegmentFallback {
	f := &SegmentFallback{cfg: cfg}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends a backend. Backends are tried in the order they were
// added. AddFallback must not be called once Segment is in use.
func (f *SegmentFallback) AddFallback(name string, s segment.Segmenter) {
	bc := f.cfg.CircuitBreaker
	bc.Name = "segmentation/" + name
	f.backends = append(f.backends, segmentBackend{
		name:    name,
		seg:     s,
		breaker: NewCircuitBreaker(bc),
	})
}

// Segment asks the first admitted backend for a mask.
func (f *SegmentFallback) Segment(ctx context.Context, img image.Image, opts segment.Options) (*segment.Mask, error) {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]
		var mask *segment.Mask
		err := b.breaker.Execute(func() error {
			var err error
			mask, err = b.seg.Segment(ctx, img, opts)
			return err
		})
		switch {
		case err == nil:
			return mask, nil
		case errors.Is(err, ErrCircuitOpen):
			continue
		case ctx.Err() != nil:
			// The tick was cancelled or ran out of time; the next backend
			// would not fare better.
			return nil, fmt.Errorf("%w: %w", segment.ErrSegmentation, err)
		}
		slog.Debug("segmentation backend failed, trying next", "backend", b.name, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: %w", segment.ErrSegmentation, ErrCircuitOpen)
	}
	return nil, fmt.Errorf("%w: %w: %w", segment.ErrSegmentation, ErrAllFailed, lastErr)
}

// States returns every backend's breaker state keyed by backend name.
func (f *SegmentFallback) States() map[string]State {
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Check reports an error when every backend's breaker is open. It makes no
// request and is meant for the readiness endpoint.
func (f *SegmentFallback) Check(context.Context) error {
	states := f.States()
	for _, st := range states {
		if st != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: %d segmentation backends tripped", ErrCircuitOpen, len(states))
}

// Package mock provides an in-memory [segment.Segmenter] for tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/lahn/pkg/segment"
)

// Fill values for [Segmenter.Fill].
const (
	Background byte = 0
	Person     byte = 1
)

// SegmentCall records the arguments of one Segment call.
type SegmentCall struct {
	Bounds  image.Rectangle
	Options segment.Options
}

// Segmenter is a mock [segment.Segmenter].
//
// Precedence: Error, then MaskFunc, then Result, then a mask of the frame's
// size filled with Fill.
type Segmenter struct {
	mu sync.Mutex

	// Error is returned by Segment when non-nil.
	Error error

	// MaskFunc, when set, computes the mask for each frame.
	MaskFunc func(img image.Image) *segment.Mask

	// Result is returned by Segment when non-nil.
	Result *segment.Mask

	// Fill is the value of every pixel in the default mask.
	Fill byte

	// Block, when non-nil, makes Segment wait on it or on ctx.
	Block <-chan struct{}

	// Calls records every Segment invocation.
	Calls []SegmentCall
}

// Segment implements [segment.Segmenter].
func (s *Segmenter) Segment(ctx context.Context, img image.Image, opts segment.Options) (*segment.Mask, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, SegmentCall{Bounds: img.Bounds(), Options: opts})
	block, err, fn, res, fill := s.Block, s.Error, s.MaskFunc, s.Result, s.Fill
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(img), nil
	}
	if res != nil {
		return res, nil
	}
	b := img.Bounds()
	m := segment.NewMask(b.Dx(), b.Dy())
	for i := range m.Data {
		m.Data[i] = fill
	}
	return m, nil
}

// CallCount returns len(Calls) under the lock.
func (s *Segmenter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

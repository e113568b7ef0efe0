// Package segment defines the person segmentation contract used by the
// mirror. The model itself is a black box; implementations live in
// sub-packages (segment/remote) and test doubles in segment/mock.
package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrSegmentation marks a failed segmentation call. Implementations wrap it
// so callers can use [errors.Is].
var ErrSegmentation = errors.New("segment: segmentation failed")

// Resolution trades segmentation accuracy for speed.
type Resolution string

const (
	ResolutionLow    Resolution = "low"
	ResolutionMedium Resolution = "medium"
	ResolutionHigh   Resolution = "high"
	ResolutionFull   Resolution = "full"
)

// Valid reports whether r is one of the named resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLow, ResolutionMedium, ResolutionHigh, ResolutionFull:
		return true
	}
	return false
}

// Options tune a single segmentation call.
type Options struct {
	// Resolution is the internal model resolution. Default: medium.
	Resolution Resolution

	// Threshold is the person probability above which a pixel counts as
	// person, in [0,1]. Default: 0.7.
	Threshold float64
}

// DefaultOptions are the settings used by the mirror unless configured.
var DefaultOptions = Options{Resolution: ResolutionMedium, Threshold: 0.7}

// Mask is a per-pixel person/background classification of one frame.
// Data holds Width*Height bytes in row-major order; nonzero means person.
type Mask struct {
	Width  int
	Height int
	Data   []byte
}

// NewMask returns an all-background mask of w×h.
func NewMask(w, h int) *Mask {
	return &Mask{Width: w, Height: h, Data: make([]byte, w*h)}
}

// Person reports whether the pixel at (x,y) belongs to a person.
// Out-of-range coordinates are background.
func (m *Mask) Person(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Data[y*m.Width+x] != 0
}

// Validate checks that Data matches the declared dimensions.
func (m *Mask) Validate() error {
	if m.Width < 0 || m.Height < 0 || len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("segment: mask %dx%d has %d bytes", m.Width, m.Height, len(m.Data))
	}
	return nil
}

// Segmenter classifies the pixels of a frame as person or background.
//
// Implementations must be safe for concurrent use.
type Segmenter interface {
	// Segment returns a mask with the same dimensions as img. Failures wrap
	// [ErrSegmentation].
	Segment(ctx context.Context, img image.Image, opts Options) (*Mask, error)
}

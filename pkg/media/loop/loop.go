// Package loop provides a looping, muted [media.FrameSource] built from a
// sequence of still images. It stands in for the background video that the
// mirror composites the visitor over.
package loop

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/lahn/pkg/media"
)

// Compile-time interface assertion.
var _ media.FrameSource = (*Source)(nil)

// ErrNoFrames is returned by [Open] when the directory holds no images.
var ErrNoFrames = errors.New("loop: no frames")

// Option is a functional option for [Source].
type Option func(*Source)

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source plays its frames in order at a fixed rate and starts over after the
// last one. It is safe for concurrent use; frames are never modified.
type Source struct {
	frames []image.Image
	period time.Duration
	start  time.Time
	now    func() time.Time
}

// New returns a Source cycling frames at fps frames per second. A
// non-positive fps is treated as 1.
func New(frames []image.Image, fps float64, opts ...Option) *Source {
	if fps <= 0 {
		fps = 1
	}
	s := &Source{
		frames: slices.Clone(frames),
		period: time.Duration(float64(time.Second) / fps),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.start = s.now()
	return s
}

// Open loads every .png, .jpg and .jpeg file in dir in lexical order.
func Open(dir string, fps float64, opts ...Option) (*Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loop: read %s: %w", dir, err)
	}

	var frames []image.Image
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		img, err := decodeFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("loop: %s: %w", dir, ErrNoFrames)
	}
	return New(frames, fps, opts...), nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loop: open %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("loop: decode %s: %w", path, err)
	}
	return img, nil
}

// Len returns the number of frames in one cycle.
func (s *Source) Len() int { return len(s.frames) }

// Ready implements [media.FrameSource].
func (s *Source) Ready() bool { return len(s.frames) > 0 }

// Frame implements [media.FrameSource].
func (s *Source) Frame() image.Image {
	if len(s.frames) == 0 {
		return nil
	}
	elapsed := s.now().Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}
	idx := int(elapsed/s.period) % len(s.frames)
	return s.frames[idx]
}

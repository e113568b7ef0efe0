package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/segment"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Factory signatures per backend kind.
type (
	AudioFactory   func(AudioConfig) (media.Acquirer, error)
	VideoFactory   func(VideoConfig) (media.Acquirer, error)
	SegmentFactory func(SegmentBackend) (segment.Segmenter, error)
)

// Registry maps backend names to their constructors for each backend kind.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	audio   map[string]AudioFactory
	video   map[string]VideoFactory
	segment map[string]SegmentFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:   make(map[string]AudioFactory),
		video:   make(map[string]VideoFactory),
		segment: make(map[string]SegmentFactory),
	}
}

// RegisterAudio registers a microphone acquirer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = f
}

// RegisterVideo registers a webcam acquirer factory under name.
func (r *Registry) RegisterVideo(name string, f VideoFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[name] = f
}

// RegisterSegmenter registers a segmentation backend factory under name.
func (r *Registry) RegisterSegmenter(name string, f SegmentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segment[name] = f
}

// CreateAudio instantiates the acquirer registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (media.Acquirer, error) {
	r.mu.RLock()
	f, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return f(cfg)
}

// CreateVideo instantiates the acquirer registered under cfg.Backend.
func (r *Registry) CreateVideo(cfg VideoConfig) (media.Acquirer, error) {
	r.mu.RLock()
	f, ok := r.video[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: video/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return f(cfg)
}

// CreateSegmenter instantiates the segmenter registered under b.Backend.
func (r *Registry) CreateSegmenter(b SegmentBackend) (segment.Segmenter, error) {
	r.mu.RLock()
	f, ok := r.segment[b.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: segmentation/%q", ErrBackendNotRegistered, b.Backend)
	}
	return f(b)
}

// Names returns the sorted registered backend names per kind, for startup
// logging.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"audio":        slices.Sorted(maps.Keys(r.audio)),
		"video":        slices.Sorted(maps.Keys(r.video)),
		"segmentation": slices.Sorted(maps.Keys(r.segment)),
	}
}

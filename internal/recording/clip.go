package recording

import (
	"errors"
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
)

// ErrClipSealed is returned when a sealed [Clip] is appended to or sealed
// again.
var ErrClipSealed = errors.New("recording: clip already sealed")

// Clip accumulates encoded PCM chunks of one recording. It is sealed exactly
// once into an immutable WAV [media.Blob]. Clip is safe for concurrent use.
type Clip struct {
	format media.Format

	mu     sync.Mutex
	chunks [][]byte
	size   int
	sealed bool
}

// NewClip returns an empty clip for 16-bit PCM in format f.
func NewClip(f media.Format) *Clip {
	return &Clip{format: f}
}

// Format returns the PCM format of the clip.
func (c *Clip) Format() media.Format { return c.format }

// Append adds one chunk. The clip keeps its own copy.
func (c *Clip) Append(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrClipSealed
	}
	if len(chunk) == 0 {
		return nil
	}
	c.chunks = append(c.chunks, append([]byte(nil), chunk...))
	c.size += len(chunk)
	return nil
}

// Len returns the number of PCM bytes accumulated so far.
func (c *Clip) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Duration returns the playback length of the accumulated audio.
func (c *Clip) Duration() float64 {
	bps := c.format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(c.Len()) / float64(bps)
}

// Sealed reports whether Seal has been called.
func (c *Clip) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// Seal concatenates all chunks into a WAV blob and releases the chunk
// buffers. Only the first call succeeds.
func (c *Clip) Seal() (*media.Blob, error) {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return nil, ErrClipSealed
	}
	c.sealed = true
	chunks, size := c.chunks, c.size
	c.chunks = nil
	c.mu.Unlock()

	pcm := make([]byte, 0, size)
	for _, ch := range chunks {
		pcm = append(pcm, ch...)
	}
	return &media.Blob{
		Data:     EncodeWAV(pcm, c.format),
		MIMEType: MIMEType,
		Filename: Filename,
	}, nil
}

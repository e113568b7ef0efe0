package media

import (
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 stream into interleaved 16-bit little-endian
// stereo PCM. The decoder always produces two channels.
func DecodeMP3(r io.Reader) ([]byte, Format, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, Format{}, fmt.Errorf("media: decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, Format{}, fmt.Errorf("media: decode mp3: %w", err)
	}
	return pcm, Format{SampleRate: dec.SampleRate(), Channels: 2}, nil
}

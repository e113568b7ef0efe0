package portaudio

import (
	"context"
	"fmt"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lahn/pkg/media"
)

// Player plays 16-bit PCM on the default output device.
type Player struct {
	cfg settings
	lib library
}

// NewPlayer returns a [Player]. Only [WithFramesPerBuffer] is honoured; the
// sample rate follows the audio being played.
func NewPlayer(opts ...Option) *Player {
	return &Player{cfg: newSettings(opts)}
}

// Play writes pcm to a freshly opened output stream and blocks until it has
// been queued in full or ctx is cancelled. The final partial buffer is padded
// with silence.
func (p *Player) Play(ctx context.Context, pcm []byte, format media.Format) error {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("portaudio: invalid playback format %+v", format)
	}
	if err := p.lib.init(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]int16, p.cfg.framesPerBuffer*format.Channels)
	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), p.cfg.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	defer stream.Stop()

	samples := media.Samples(pcm)
	for off := 0; off < len(samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close terminates PortAudio if this player initialised it.
func (p *Player) Close() error {
	return p.lib.terminate()
}

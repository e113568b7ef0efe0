package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	resampler "github.com/tphakala/go-audio-resampler"
)

// resampleQuality is enough for speech uploads and cheap on a laptop CPU.
const resampleQuality = resampler.QualityMedium

// FormatConverter normalises a stream of [AudioFrame] values to a mono
// target rate. Rate conversion is stateful: the resampler keeps its filter
// history between frames, so one converter must see one capture stream in
// order. Call [FormatConverter.Flush] once the stream ends.
type FormatConverter struct {
	Target Format

	rs     *resampler.SimpleResampler
	rsFrom int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
	warnedResample sync.Once
}

// Convert returns frame in the target format. When the source already
// matches, the frame is returned unchanged. Stereo is folded to mono before
// resampling so only one channel is filtered. Frames that cannot be
// converted come back empty.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	empty := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("media: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return empty
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("media: converting capture format",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate != c.Target.SampleRate {
		out, err := c.resample(pcm, frame.SampleRate)
		if err != nil {
			c.warnedResample.Do(func() {
				slog.Warn("media: resampling failed, dropping audio", "err", err)
			})
			return empty
		}
		pcm = out
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Flush returns the PCM still held in the resampler's filter, in the target
// format. It returns nil when no rate conversion took place.
func (c *FormatConverter) Flush() []byte {
	if c.rs == nil {
		return nil
	}
	tail, err := c.rs.Flush()
	c.rs = nil
	if err != nil {
		slog.Warn("media: flush resampler", "err", err)
		return nil
	}
	return floatToPCM(tail)
}

func (c *FormatConverter) resample(pcm []byte, from int) ([]byte, error) {
	if from <= 0 || c.Target.SampleRate <= 0 {
		return nil, fmt.Errorf("media: cannot resample %d Hz to %d Hz", from, c.Target.SampleRate)
	}
	if c.rs == nil || c.rsFrom != from {
		rs, err := resampler.NewEngine(float64(from), float64(c.Target.SampleRate), resampleQuality)
		if err != nil {
			return nil, fmt.Errorf("media: resampler %d→%d Hz: %w", from, c.Target.SampleRate, err)
		}
		c.rs, c.rsFrom = rs, from
	}
	out, err := c.rs.Process(pcmToFloat(pcm))
	if err != nil {
		return nil, fmt.Errorf("media: resample: %w", err)
	}
	return floatToPCM(out), nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// Samples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM encodes samples as little-endian int16 PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func pcmToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

func floatToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := math.Round(v * 32768)
		s = max(math.MinInt16, min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

package media

import "time"

// AudioFrame is one buffer of captured microphone audio. Frames are the
// atomic unit of audio transport: published by an [AudioHandle], tapped by
// the waveform analyser and accumulated by the recorder.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g. 44100 for the default microphone).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of int16 PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Blob is an immutable encoded media payload, such as a sealed recording or
// an audio file picked for upload.
type Blob struct {
	// Data is the encoded payload. It must not be modified.
	Data []byte

	// MIMEType is the content type, e.g. "audio/wav".
	MIMEType string

	// Filename is the name used when the blob is sent as a multipart file.
	Filename string
}

// Size returns len(Data).
func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

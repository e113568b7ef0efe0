package recording

import (
	"bytes"
	"encoding/binary"

	"github.com/MrWong99/lahn/pkg/media"
)

const (
	// MIMEType is the content type of sealed clips.
	MIMEType = "audio/wav"

	// Filename is the multipart file name used for sealed clips.
	Filename = "recording.wav"
)

const (
	wavHeaderSize  = 44
	pcmFormatTag   = 1
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
)

// EncodeWAV wraps 16-bit little-endian PCM in a canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, f media.Format) []byte {
	channels := max(f.Channels, 1)
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(pcmFormatTag))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate*channels*bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

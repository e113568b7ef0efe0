// Package remote implements [segment.Segmenter] by calling an HTTP
// segmentation service.
//
// The service receives a multipart/form-data POST with the frame as a PNG in
// the "frame" field plus "resolution" and "threshold" fields, and answers
// with a PNG mask of identical dimensions in which nonzero luminance marks
// person pixels.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/MrWong99/lahn/pkg/segment"
)

// Compile-time interface assertion.
var _ segment.Segmenter = (*Segmenter)(nil)

// maxMaskBytes bounds mask responses.
const maxMaskBytes = 32 << 20

// Option is a functional option for [Segmenter].
type Option func(*Segmenter)

// WithHTTPClient sets the HTTP client. Defaults to [http.DefaultClient].
func WithHTTPClient(c *http.Client) Option {
	return func(s *Segmenter) { s.client = c }
}

// Segmenter posts frames to a segmentation endpoint.
type Segmenter struct {
	url    string
	client *http.Client
}

// New returns a Segmenter for the endpoint at url.
func New(url string, opts ...Option) *Segmenter {
	s := &Segmenter{url: url, client: http.DefaultClient}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Segment implements [segment.Segmenter].
func (s *Segmenter) Segment(ctx context.Context, img image.Image, opts segment.Options) (*segment.Mask, error) {
	body, contentType, err := encodeRequest(img, opts)
	if err != nil {
		return nil, fmt.Errorf("remote: encode request: %w: %w", segment.ErrSegmentation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w: %w", segment.ErrSegmentation, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: POST %s: %w: %w", s.url, segment.ErrSegmentation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote: POST %s: %w: status %d: %s",
			s.url, segment.ErrSegmentation, resp.StatusCode, bytes.TrimSpace(msg))
	}

	maskImg, err := png.Decode(io.LimitReader(resp.Body, maxMaskBytes))
	if err != nil {
		return nil, fmt.Errorf("remote: decode mask: %w: %w", segment.ErrSegmentation, err)
	}
	mask := fromImage(maskImg)
	if b := img.Bounds(); mask.Width != b.Dx() || mask.Height != b.Dy() {
		return nil, fmt.Errorf("remote: mask is %dx%d, frame is %dx%d: %w",
			mask.Width, mask.Height, b.Dx(), b.Dy(), segment.ErrSegmentation)
	}
	return mask, nil
}

func encodeRequest(img image.Image, opts segment.Options) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("frame", "frame.png")
	if err != nil {
		return nil, "", err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(fw, img); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("resolution", string(opts.Resolution)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("threshold", strconv.FormatFloat(opts.Threshold, 'f', -1, 64)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// fromImage converts a decoded mask image into a [segment.Mask].
func fromImage(img image.Image) *segment.Mask {
	b := img.Bounds()
	m := segment.NewMask(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := range m.Height {
			copy(m.Data[y*m.Width:(y+1)*m.Width], g.Pix[y*g.Stride:])
		}
		return m
	}
	for y := range m.Height {
		for x := range m.Width {
			m.Data[y*m.Width+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return m
}

// Package mjpeg implements [media.Acquirer] for network cameras that serve a
// Motion-JPEG stream (multipart/x-mixed-replace), the format exposed by most
// IP webcams and by tools such as mjpg-streamer or ffmpeg's mpjpeg muxer.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/lahn/pkg/media"
)

// Compile-time interface assertion.
var _ media.Acquirer = (*Acquirer)(nil)

// Option is a functional option for [Acquirer].
type Option func(*Acquirer)

// WithHTTPClient sets the client used to open the stream. The client must not
// carry a total request timeout since the stream is long-lived.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Acquirer) { a.client = c }
}

// WithIndicator sets the recording indicator shown while the camera is open.
// Defaults to [media.LogIndicator].
func WithIndicator(ind media.Indicator) Option {
	return func(a *Acquirer) { a.indicator = ind }
}

// Acquirer opens an MJPEG camera URL. Only [media.KindVideo] is supported.
type Acquirer struct {
	url       string
	client    *http.Client
	indicator media.Indicator
}

// New returns an [Acquirer] for the camera at url.
func New(url string, opts ...Option) *Acquirer {
	a := &Acquirer{
		url:       url,
		client:    &http.Client{},
		indicator: media.LogIndicator{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire implements [media.Acquirer]. It returns once the camera has
// answered with a multipart stream; the handle becomes ready when the first
// JPEG part has been decoded.
func (a *Acquirer) Acquire(ctx context.Context, kind media.Kind) (media.CaptureHandle, error) {
	if kind != media.KindVideo {
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable,
			Cause: errors.New("mjpeg: only video capture is supported")}
	}

	// The stream outlives ctx, which only bounds the connection attempt.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}
	resp, err := a.client.Do(req)
	if !stop() {
		// ctx finished while connecting; streamCtx has been cancelled.
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}
	if err != nil {
		cancel()
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}

	if reason := statusReason(resp.StatusCode); reason != nil {
		resp.Body.Close()
		cancel()
		return nil, &media.AcquireError{Kind: kind, Reason: reason,
			Cause: fmt.Errorf("mjpeg: GET %s: status %d", a.url, resp.StatusCode)}
	}

	boundary, err := boundaryOf(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, &media.AcquireError{Kind: kind, Reason: media.ErrDeviceUnavailable, Cause: err}
	}

	h := &camHandle{
		body:   resp.Body,
		cancel: cancel,
		exited: make(chan struct{}),
	}
	h.HandleState = media.NewHandleState(media.KindVideo, a.indicator, h.stop,
		media.Track{ID: "cam-0", Label: a.url})
	go h.readLoop(multipart.NewReader(resp.Body, boundary))
	return h, nil
}

func statusReason(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return media.ErrPermissionDenied
	default:
		return media.ErrDeviceUnavailable
	}
}

func boundaryOf(contentType string) (string, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("mjpeg: content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mt, "multipart/") {
		return "", fmt.Errorf("mjpeg: unexpected content type %q", mt)
	}
	b := params["boundary"]
	if b == "" {
		return "", fmt.Errorf("mjpeg: content type %q has no boundary", contentType)
	}
	// Some servers repeat the leading dashes in the parameter.
	return strings.TrimPrefix(b, "--"), nil
}

// camHandle is a [media.VideoHandle] fed by one MJPEG HTTP response.
type camHandle struct {
	*media.HandleState

	body   io.Closer
	cancel context.CancelFunc
	exited chan struct{}

	mu    sync.RWMutex
	frame image.Image
}

func (h *camHandle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frame != nil
}

func (h *camHandle) Frame() image.Image {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frame
}

func (h *camHandle) readLoop(mr *multipart.Reader) {
	defer close(h.exited)
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !h.Closed() {
				slog.Warn("mjpeg: camera stream ended", "err", err)
			}
			return
		}
		img, err := jpeg.Decode(part)
		part.Close()
		if err != nil {
			slog.Debug("mjpeg: skipping undecodable part", "err", err)
			continue
		}
		h.mu.Lock()
		h.frame = img
		h.mu.Unlock()
	}
}

func (h *camHandle) stop() error {
	h.cancel()
	err := h.body.Close()
	<-h.exited
	h.mu.Lock()
	h.frame = nil
	h.mu.Unlock()
	return err
}

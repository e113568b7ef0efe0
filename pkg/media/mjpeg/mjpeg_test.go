package mjpeg_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/media/mjpeg"
	"github.com/MrWong99/lahn/pkg/media/mock"
)

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func newCamera(t *testing.T, frame []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.WriteHeader(http.StatusOK)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", "image/jpeg")
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			return
		}
		_, _ = pw.Write(frame)
		// Start the next part so the reader knows the first one is complete.
		_, _ = mw.CreatePart(hdr)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquire_DecodesFirstFrame(t *testing.T) {
	t.Parallel()

	srv := newCamera(t, jpegFrame(t, 32, 24))
	ind := &mock.Indicator{}
	acq := mjpeg.New(srv.URL, mjpeg.WithIndicator(ind))

	h, err := acq.Acquire(context.Background(), media.KindVideo)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	vh, ok := h.(media.VideoHandle)
	if !ok {
		t.Fatalf("handle is %T, want media.VideoHandle", h)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !vh.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("camera never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b := vh.Frame().Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("frame bounds = %v, want 32x24", b)
	}
	if !ind.Active(media.KindVideo) {
		t.Error("indicator should be active while the camera is open")
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_ = h.Release()
	if ind.HideCount(media.KindVideo) != 1 {
		t.Errorf("Hide called %d times, want 1", ind.HideCount(media.KindVideo))
	}
	if vh.Ready() {
		t.Error("released handle still reports ready")
	}
}

func TestAcquire_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, media.ErrPermissionDenied},
		{"unauthorized", http.StatusUnauthorized, media.ErrPermissionDenied},
		{"not found", http.StatusNotFound, media.ErrDeviceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := mjpeg.New(srv.URL).Acquire(context.Background(), media.KindVideo)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var ae *media.AcquireError
			if !errors.As(err, &ae) || ae.Kind != media.KindVideo {
				t.Errorf("err = %#v, want *media.AcquireError for video", err)
			}
		})
	}
}

func TestAcquire_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := mjpeg.New(url).Acquire(context.Background(), media.KindVideo)
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestAcquire_RejectsAudio(t *testing.T) {
	t.Parallel()

	_, err := mjpeg.New("http://127.0.0.1:1").Acquire(context.Background(), media.KindAudio)
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

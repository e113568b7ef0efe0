package recording_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/internal/recording"
	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/media/mock"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fakeViz struct {
	mu      sync.Mutex
	starts  int
	stops   int
	actives []bool
	err     error
}

func (v *fakeViz) Start(context.Context, media.AudioHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.starts++
	return v.err
}

func (v *fakeViz) SetActive(active bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actives = append(v.actives, active)
}

func (v *fakeViz) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
}

var mono16k = media.Format{SampleRate: 16000, Channels: 1}

func newSession(t *testing.T, opts ...recording.Option) (*recording.Session, *mock.Acquirer) {
	t.Helper()
	acq := &mock.Acquirer{Format: mono16k}
	opts = append([]recording.Option{recording.WithMetrics(testMetrics(t))}, opts...)
	return recording.NewSession(acq, opts...), acq
}

func TestSession_StartStopReleasesEachHandleOnce(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	ctx := context.Background()

	for i := range 3 {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		if n := acq.OpenCount(media.KindAudio); n != 1 {
			t.Fatalf("open handles = %d, want 1", n)
		}
		if _, err := s.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
		if n := acq.OpenCount(media.KindAudio); n != 0 {
			t.Fatalf("open handles after stop = %d, want 0", n)
		}
	}

	if len(acq.Audio) != 3 {
		t.Fatalf("handles = %d, want 3", len(acq.Audio))
	}
	for i, h := range acq.Audio {
		if got := h.ReleaseCount(); got != 1 {
			t.Errorf("handle %d released %d times, want 1", i, got)
		}
	}
}

func TestSession_StartWhileRecording(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	if err := s.Start(ctx); !errors.Is(err, recording.ErrAcquire) {
		t.Fatalf("second Start err = %v, want ErrAcquire", err)
	}
	if n := acq.AcquireCount(); n != 1 {
		t.Errorf("Acquire called %d times, want 1", n)
	}
}

func TestSession_StopTwice(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first, err := s.Stop(ctx)
	if err != nil || first == nil {
		t.Fatalf("first Stop = %v, %v; want blob", first, err)
	}
	second, err := s.Stop(ctx)
	if err != nil || second != nil {
		t.Fatalf("second Stop = %v, %v; want nil, nil", second, err)
	}
	if got := acq.LastAudio().ReleaseCount(); got != 1 {
		t.Errorf("released %d times, want 1", got)
	}
}

func TestSession_StopWhenIdle(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	blob, err := s.Stop(context.Background())
	if blob != nil || err != nil {
		t.Fatalf("Stop = %v, %v; want nil, nil", blob, err)
	}
	if acq.AcquireCount() != 0 {
		t.Error("Stop must not touch the acquirer")
	}
}

func TestSession_AcquireFailure(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{
		AudioError: &media.AcquireError{Kind: media.KindAudio, Reason: media.ErrPermissionDenied},
	}
	s := recording.NewSession(acq, recording.WithMetrics(testMetrics(t)))

	err := s.Start(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if s.State() != recording.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestSession_RecordsPushedFrames(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := acq.LastAudio()
	chunk := media.PCM([]int16{1, -1, 1000, -1000})
	for range 5 {
		h.Push(media.AudioFrame{Data: chunk, SampleRate: 16000, Channels: 1})
	}

	blob, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if blob.MIMEType != "audio/wav" || blob.Filename != "recording.wav" {
		t.Errorf("blob meta = %q %q", blob.MIMEType, blob.Filename)
	}
	dataLen := binary.LittleEndian.Uint32(blob.Data[40:44])
	if want := uint32(5 * len(chunk)); dataLen != want {
		t.Fatalf("data length = %d, want %d", dataLen, want)
	}
	if got := blob.Data[44 : 44+len(chunk)]; string(got) != string(chunk) {
		t.Errorf("first chunk = %v, want %v", got, chunk)
	}
}

func TestSession_DownmixesStereo(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: media.Format{SampleRate: 16000, Channels: 2}}
	s := recording.NewSession(acq, recording.WithMetrics(testMetrics(t)))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	acq.LastAudio().Push(media.AudioFrame{
		Data:       media.PCM([]int16{100, 300, -100, -300}),
		SampleRate: 16000,
		Channels:   2,
	})
	blob, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ch := binary.LittleEndian.Uint16(blob.Data[22:24]); ch != 1 {
		t.Errorf("channels = %d, want 1", ch)
	}
	if n := binary.LittleEndian.Uint32(blob.Data[40:44]); n != 4 {
		t.Errorf("data length = %d, want 4 (two mono samples)", n)
	}
}

func TestSession_ResamplesToRecordFormat(t *testing.T) {
	t.Parallel()

	acq := &mock.Acquirer{Format: media.Format{SampleRate: 48000, Channels: 1}}
	s := recording.NewSession(acq,
		recording.WithFormat(mono16k),
		recording.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tone := make([]int16, 480)
	for i := range tone {
		tone[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	for range 10 {
		acq.LastAudio().Push(media.AudioFrame{Data: media.PCM(tone), SampleRate: 48000, Channels: 1})
	}

	blob, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rate := binary.LittleEndian.Uint32(blob.Data[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	// 100 ms of 16 kHz mono is 3200 bytes, give or take the filter's edges.
	if n := binary.LittleEndian.Uint32(blob.Data[40:44]); n < 2880 || n > 3520 {
		t.Errorf("data length = %d, want about 3200", n)
	}
}

func TestSession_DrivesVisualizer(t *testing.T) {
	t.Parallel()

	viz := &fakeViz{}
	s, _ := newSession(t, recording.WithVisualizer(viz))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	viz.mu.Lock()
	defer viz.mu.Unlock()
	if viz.starts != 1 || viz.stops != 1 {
		t.Errorf("starts = %d, stops = %d; want 1, 1", viz.starts, viz.stops)
	}
	if len(viz.actives) != 2 || !viz.actives[0] || viz.actives[1] {
		t.Errorf("SetActive calls = %v, want [true false]", viz.actives)
	}
}

func TestSession_VisualizerFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	viz := &fakeViz{err: errors.New("no surface")}
	s, acq := newSession(t, recording.WithVisualizer(viz))
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := acq.LastAudio().ReleaseCount(); got != 1 {
		t.Errorf("released %d times, want 1", got)
	}
}

func TestSession_StopAfterDeviceLoss(t *testing.T) {
	t.Parallel()

	s, acq := newSession(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The platform tears the stream down underneath the session.
	_ = acq.LastAudio().Release()

	blob, err := s.Stop(ctx)
	if err != nil || blob == nil {
		t.Fatalf("Stop = %v, %v; want empty blob", blob, err)
	}
	if s.State() != recording.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

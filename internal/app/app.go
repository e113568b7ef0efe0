// Package app wires all Lahn subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes one mode until the visitor quits or the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles through [Providers] and the functional options
// (WithIO, WithMetrics, ...). The avatar API client is always built from
// cfg.API, so tests point it at an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lahn/internal/admin"
	"github.com/MrWong99/lahn/internal/canvas"
	"github.com/MrWong99/lahn/internal/config"
	"github.com/MrWong99/lahn/internal/conversation"
	"github.com/MrWong99/lahn/internal/health"
	"github.com/MrWong99/lahn/internal/mirror"
	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/internal/recording"
	"github.com/MrWong99/lahn/internal/upload"
	"github.com/MrWong99/lahn/internal/viewer"
	"github.com/MrWong99/lahn/internal/voicechat"
	"github.com/MrWong99/lahn/internal/waveform"
	"github.com/MrWong99/lahn/pkg/avatarapi"
	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/segment"
)

// Providers holds the device and backend implementations. Nil means the
// slot is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Mic records visitor audio.
	Mic media.Acquirer

	// Camera feeds the mirror.
	Camera media.Acquirer

	// Segmenter separates the person from the webcam background. When it
	// also has a Check(ctx) error method it is registered as a readiness
	// check.
	Segmenter segment.Segmenter

	// Background is drawn behind the person. Nil leaves it transparent.
	Background media.FrameSource

	// Player plays voice chat replies. Nil disables playback.
	Player voicechat.Player
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	in       io.Reader
	out      *syncWriter
	metrics  *observe.Metrics
	registry *prometheus.Registry
	hc       *http.Client

	api      *avatarapi.Client
	hub      *viewer.Hub
	server   *viewer.Server
	conv     *conversation.Controller
	viz      *waveform.Visualizer
	rec      *recording.Session
	voice    *voicechat.Chat
	uploader *upload.Controller
	panel    *admin.Panel
	mirror   *mirror.Compositor

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithIO sets the REPL input and output. Defaults to stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = &syncWriter{w: out}
	}
}

// WithMetrics sets the metrics sink of every subsystem. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry serves /metrics from reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithHTTPClient sets the client used by the avatar API and the readiness
// probe.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.hc = hc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Subsystems whose
// providers are missing are left nil; [App.Run] reports the mode as
// unavailable.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		in:        os.Stdin,
		out:       &syncWriter{w: os.Stdout},
	}
	for _, o := range opts {
		o(a)
	}
	a.metrics = observe.OrDefault(a.metrics)
	if a.hc == nil {
		a.hc = &http.Client{}
	}

	// ── 1. Avatar API ────────────────────────────────────────────────────
	a.api = avatarapi.New(cfg.API.BaseURL,
		avatarapi.WithHTTPClient(a.hc),
		avatarapi.WithTimeout(cfg.API.Timeout),
		avatarapi.WithObserver(a.metrics),
		avatarapi.WithTracer(observe.Tracer()),
	)

	// ── 2. Viewer hub ────────────────────────────────────────────────────
	a.hub = viewer.NewHub(a.metrics)

	// ── 3. Conversation ──────────────────────────────────────────────────
	a.conv = conversation.New(a.api,
		conversation.WithTopics(cfg.Debate.Topics...),
		conversation.WithSummaryListener(func(s string) {
			a.printf("summary: %s\n", s)
		}),
	)

	// ── 4. Recording + waveform ──────────────────────────────────────────
	if providers.Mic != nil {
		if err := a.initRecording(); err != nil {
			return nil, fmt.Errorf("app: init recording: %w", err)
		}
	}

	// ── 5. Upload + admin ────────────────────────────────────────────────
	a.uploader = upload.New(a.api)
	a.panel = admin.New(a.api, admin.WithStatusListener(func(act admin.Action, s admin.Status) {
		slog.Debug("admin action", "action", string(act), "status", s.String())
	}))
	a.closers = append(a.closers, func() error {
		a.panel.Close()
		return nil
	})

	// ── 6. Mirror ────────────────────────────────────────────────────────
	if providers.Camera != nil && providers.Segmenter != nil {
		a.initMirror()
	}

	// ── 7. Viewer server ─────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		a.server = viewer.NewServer(cfg.Server.ListenAddr, a.hub,
			viewer.WithHealth(health.New(a.checkers()...)),
			viewer.WithRegistry(a.registry),
			viewer.WithMetrics(a.metrics),
		)
	}

	a.closers = append(a.closers, func() error {
		a.conv.WaitSummaries()
		return nil
	})
	if c, ok := providers.Player.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	for _, acq := range []media.Acquirer{providers.Mic, providers.Camera} {
		if c, ok := acq.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
	return a, nil
}

func (a *App) initRecording() error {
	colors, err := paletteFrom(a.cfg.Audio.Colors)
	if err != nil {
		return err
	}
	a.viz = waveform.New(canvas.New(a.cfg.Audio.Width, a.cfg.Audio.Height), colors,
		waveform.WithFFTSize(a.cfg.Audio.FFTSize),
		waveform.WithPublisher(a.hub.Publisher(viewer.ChannelWaveform)),
		waveform.WithMetrics(a.metrics),
	)
	a.rec = recording.NewSession(a.providers.Mic,
		recording.WithVisualizer(a.viz),
		recording.WithFormat(media.Format{SampleRate: a.cfg.Audio.RecordSampleRate, Channels: 1}),
		recording.WithMetrics(a.metrics),
	)

	var vopts []voicechat.Option
	if a.providers.Player != nil && a.cfg.Audio.Playback != nil && *a.cfg.Audio.Playback {
		vopts = append(vopts, voicechat.WithPlayer(a.providers.Player))
	}
	a.voice = voicechat.New(a.rec, a.api, vopts...)
	a.closers = append(a.closers, func() error {
		a.voice.Close(context.Background())
		return nil
	})
	return nil
}

// Initial mirror surface size; the compositor resizes it to the webcam frame.
const mirrorWidth, mirrorHeight = 640, 480

func (a *App) initMirror() {
	s := a.cfg.Segmentation
	a.mirror = mirror.New(a.providers.Camera, a.providers.Background, a.providers.Segmenter,
		canvas.New(mirrorWidth, mirrorHeight),
		mirror.WithSegmentOptions(segment.Options{
			Resolution: segment.Resolution(s.Resolution),
			Threshold:  s.Threshold,
		}),
		mirror.WithSegmentTimeout(s.Timeout),
		mirror.WithPublisher(a.hub.Publisher(viewer.ChannelMirror)),
		mirror.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.mirror.Stop()
		return nil
	})
}

// checkers returns the readiness probes of the configured backends.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{health.Reachable("avatar-api", a.cfg.API.BaseURL, a.hc)}
	if c, ok := a.providers.Segmenter.(interface{ Check(context.Context) error }); ok {
		cs = append(cs, health.Checker{Name: "segmentation", Check: c.Check})
	}
	return cs
}

// Hub returns the viewer hub the visual components publish to.
func (a *App) Hub() *viewer.Hub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// ErrModeUnavailable is returned by [App.Run] when the providers a mode
// needs are not configured.
var ErrModeUnavailable = errors.New("app: mode unavailable")

// Run serves the viewer (when configured) and runs mode until the visitor
// quits, the input ends or ctx is cancelled. It returns nil on a normal quit
// and ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context, mode config.Mode) error {
	run, err := a.modeRunner(mode)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	modeCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if a.server != nil {
		g.Go(func() error { return a.server.Run(modeCtx) })
	}
	g.Go(func() error {
		defer cancel()
		slog.Info("mode started", "mode", string(mode))
		return run(modeCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) modeRunner(mode config.Mode) (func(context.Context) error, error) {
	switch mode {
	case config.ModeChat:
		return func(ctx context.Context) error { return a.runConversation(ctx, conversation.ModeChat) }, nil
	case config.ModeDebate:
		return func(ctx context.Context) error { return a.runConversation(ctx, conversation.ModeDebate) }, nil
	case config.ModeVoice:
		if a.voice == nil {
			return nil, fmt.Errorf("%w: %s needs a microphone", ErrModeUnavailable, mode)
		}
		return a.runVoice, nil
	case config.ModeUpload:
		return a.runUpload, nil
	case config.ModeMirror:
		if a.mirror == nil {
			return nil, fmt.Errorf("%w: %s needs a camera and a segmenter", ErrModeUnavailable, mode)
		}
		return a.runMirror, nil
	case config.ModeAdmin:
		return a.runAdmin, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrModeUnavailable, mode)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// paletteFrom parses the configured waveform colours. Empty entries keep the
// built-in palette.
func paletteFrom(c config.ColorsConfig) (waveform.Colors, error) {
	var p waveform.Colors
	for _, f := range []struct {
		dst *color.Color
		raw string
	}{
		{&p.Idle, c.Idle},
		{&p.Active, c.Active},
		{&p.Background, c.Background},
	} {
		v, err := config.ParseColor(f.raw)
		if err != nil {
			return waveform.Colors{}, err
		}
		*f.dst = v
	}
	return p, nil
}

// syncWriter serialises writes from the REPL and background listeners.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

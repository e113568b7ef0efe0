// Command lahn is the main entry point for the Lahn Avatar client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/lahn/internal/app"
	"github.com/MrWong99/lahn/internal/config"
	"github.com/MrWong99/lahn/internal/observe"
	"github.com/MrWong99/lahn/internal/resilience"
	"github.com/MrWong99/lahn/pkg/media"
	"github.com/MrWong99/lahn/pkg/media/loop"
	"github.com/MrWong99/lahn/pkg/media/mjpeg"
	"github.com/MrWong99/lahn/pkg/media/portaudio"
	"github.com/MrWong99/lahn/pkg/segment"
	"github.com/MrWong99/lahn/pkg/segment/remote"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional dotenv file with LAHN_* overrides")
	modeFlag := flag.String("mode", "", "chat, debate, voice, mirror, upload or admin (default: server.mode)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadWithEnv(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lahn: %v\n", err)
		return 1
	}
	mode := cfg.Server.Mode
	if *modeFlag != "" {
		mode = config.Mode(*modeFlag)
	}
	if err := config.ValidateMode(cfg, mode); err != nil {
		fmt.Fprintf(os.Stderr, "lahn: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lahn starting",
		"version", version,
		"config", *configPath,
		"mode", string(mode),
		"api", cfg.API.BaseURL,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)
	slog.Debug("registered backends", "backends", reg.Names())

	providers, err := buildProviders(cfg, mode, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithMetrics(metrics),
		app.WithRegistry(tel.Registry),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := application.Run(ctx, mode)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the device and segmentation backends that
// ship with lahn into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(c config.AudioConfig) (media.Acquirer, error) {
		return portaudio.New(
			portaudio.WithSampleRate(c.SampleRate),
			portaudio.WithChannels(c.Channels),
			portaudio.WithFramesPerBuffer(c.FramesPerBuffer),
			portaudio.WithIndicator(media.LogIndicator{}),
		), nil
	})

	reg.RegisterVideo("mjpeg", func(c config.VideoConfig) (media.Acquirer, error) {
		if c.CameraURL == "" {
			return nil, errors.New("mjpeg: video.camera_url is empty")
		}
		return mjpeg.New(c.CameraURL, mjpeg.WithIndicator(media.LogIndicator{})), nil
	})

	reg.RegisterSegmenter("remote", func(b config.SegmentBackend) (segment.Segmenter, error) {
		if b.URL == "" {
			return nil, errors.New("remote: segmentation url is empty")
		}
		return remote.New(b.URL), nil
	})
}

// buildProviders instantiates the backends mode needs.
func buildProviders(cfg *config.Config, mode config.Mode, reg *config.Registry) (*app.Providers, error) {
	p := &app.Providers{}

	switch mode {
	case config.ModeVoice, config.ModeUpload:
		mic, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("audio backend: %w", err)
		}
		p.Mic = mic
		if mode == config.ModeVoice && *cfg.Audio.Playback {
			p.Player = portaudio.NewPlayer(portaudio.WithFramesPerBuffer(cfg.Audio.FramesPerBuffer))
		}

	case config.ModeMirror:
		cam, err := reg.CreateVideo(cfg.Video)
		if err != nil {
			return nil, fmt.Errorf("video backend: %w", err)
		}
		p.Camera = cam

		seg, err := buildSegmenter(cfg.Segmentation, reg)
		if err != nil {
			return nil, err
		}
		p.Segmenter = seg

		if dir := cfg.Video.BackgroundDir; dir != "" {
			bg, err := loop.Open(dir, cfg.Video.BackgroundFPS)
			if err != nil {
				return nil, fmt.Errorf("background: %w", err)
			}
			p.Background = bg
		}
	}
	return p, nil
}

// buildSegmenter puts the primary and every fallback segmentation backend
// behind per-backend circuit breakers.
func buildSegmenter(s config.SegmentationConfig, reg *config.Registry) (*resilience.SegmentFallback, error) {
	primary, err := reg.CreateSegmenter(config.SegmentBackend{Name: "primary", Backend: s.Backend, URL: s.URL})
	if err != nil {
		return nil, fmt.Errorf("segmentation backend: %w", err)
	}
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  s.Breaker.MaxFailures,
			ResetTimeout: s.Breaker.ResetTimeout,
		},
	}
	fb := resilience.NewSegmentFallback(primary, "primary", fcfg)
	for _, b := range s.Fallbacks {
		seg, err := reg.CreateSegmenter(b)
		if err != nil {
			return nil, fmt.Errorf("segmentation fallback %q: %w", b.Name, err)
		}
		fb.AddFallback(b.Name, seg)
	}
	return fb, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// newLogger creates an slog.Logger at the given level writing to stderr, so
// the REPL owns stdout.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

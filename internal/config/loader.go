package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lahn/pkg/segment"
)

// Environment variables that override the YAML file. They are read from the
// process environment first and from the .env file second.
const (
	EnvAPIBaseURL = "LAHN_API_BASE_URL"
	EnvCameraURL  = "LAHN_CAMERA_URL"
	EnvSegmentURL = "LAHN_SEGMENT_URL"
	EnvLogLevel   = "LAHN_LOG_LEVEL"
)

// Load reads the YAML configuration file at path, applies defaults and
// returns the validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults, which fail
// validation only for the missing api.base_url.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv is [Load] with the overrides of [ApplyEnv] applied before
// validation. A missing config file is not an error when the environment
// supplies the base URL; a missing env file is never an error.
func LoadWithEnv(path, envPath string) (*Config, error) {
	lookup, err := EnvLookup(envPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	default:
		cfg, err = decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg, lookup)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// EnvLookup returns a lookup function that prefers the process environment
// and falls back to the dotenv file at path. An empty path or a missing
// file yields the process environment alone.
func EnvLookup(path string) (func(string) (string, bool), error) {
	var file map[string]string
	if path != "" {
		m, err := godotenv.Read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read env file %q: %w", path, err)
		default:
			file = m
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides cfg with the LAHN_* variables found by lookup. Empty
// values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.API.BaseURL, EnvAPIBaseURL)
	set(&cfg.Video.CameraURL, EnvCameraURL)
	set(&cfg.Segmentation.URL, EnvSegmentURL)

	level := string(cfg.Server.LogLevel)
	set(&level, EnvLogLevel)
	cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Mode != "" && !cfg.Server.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("server.mode %q is invalid; valid values: %v", cfg.Server.Mode, Modes))
	}

	// API
	if cfg.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url is required (or set %s)", EnvAPIBaseURL))
	} else if err := checkHTTPURL(cfg.API.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if cfg.API.Timeout < 0 {
		errs = append(errs, fmt.Errorf("api.timeout %s must be positive", cfg.API.Timeout))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", a.Channels))
	}
	if a.RecordSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.record_sample_rate %d must be positive", a.RecordSampleRate))
	}
	if a.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must be positive", a.FramesPerBuffer))
	}
	if a.FFTSize != 0 && (a.FFTSize < 32 || a.FFTSize > 32768 || a.FFTSize&(a.FFTSize-1) != 0) {
		errs = append(errs, fmt.Errorf("audio.fft_size %d must be a power of two in [32, 32768]", a.FFTSize))
	}
	if a.Width < 0 || a.Height < 0 {
		errs = append(errs, fmt.Errorf("audio.width/height %dx%d must be positive", a.Width, a.Height))
	}
	for name, v := range map[string]string{"idle": a.Colors.Idle, "active": a.Colors.Active, "background": a.Colors.Background} {
		if _, err := ParseColor(v); err != nil {
			errs = append(errs, fmt.Errorf("audio.colors.%s: %w", name, err))
		}
	}

	// Video
	if cfg.Video.CameraURL != "" {
		if err := checkHTTPURL(cfg.Video.CameraURL); err != nil {
			errs = append(errs, fmt.Errorf("video.camera_url: %w", err))
		}
	}
	if cfg.Video.BackgroundFPS < 0 {
		errs = append(errs, fmt.Errorf("video.background_fps %g must be positive", cfg.Video.BackgroundFPS))
	}

	// Segmentation
	s := cfg.Segmentation
	if s.Resolution != "" && !segment.Resolution(s.Resolution).Valid() {
		errs = append(errs, fmt.Errorf("segmentation.resolution %q is invalid; valid values: low, medium, high, full", s.Resolution))
	}
	if s.Threshold < 0 || s.Threshold > 1 {
		errs = append(errs, fmt.Errorf("segmentation.threshold %g is out of range (0, 1]", s.Threshold))
	}
	if s.Timeout < 0 {
		errs = append(errs, fmt.Errorf("segmentation.timeout %s must be positive", s.Timeout))
	}
	if s.URL != "" {
		if err := checkHTTPURL(s.URL); err != nil {
			errs = append(errs, fmt.Errorf("segmentation.url: %w", err))
		}
	}
	if s.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("segmentation.breaker.max_failures %d must be positive", s.Breaker.MaxFailures))
	}
	for i, fb := range s.Fallbacks {
		prefix := fmt.Sprintf("segmentation.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if fb.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		} else if err := checkHTTPURL(fb.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
		}
	}

	// Debate
	seen := make(map[string]int, len(cfg.Debate.Topics))
	for i, t := range cfg.Debate.Topics {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			errs = append(errs, fmt.Errorf("debate.topics[%d] is empty", i))
			continue
		}
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("debate.topics[%d] %q is a duplicate of debate.topics[%d]", i, t, prev))
		}
		seen[key] = i
	}

	return errors.Join(errs...)
}

// ValidateMode checks the settings mode needs beyond [Validate].
func ValidateMode(cfg *Config, mode Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("config: unknown mode %q; valid values: %v", mode, Modes)
	}
	var errs []error
	if mode == ModeMirror {
		if cfg.Video.CameraURL == "" && cfg.Video.Backend == DefaultVideoBackend {
			errs = append(errs, fmt.Errorf("video.camera_url is required in mirror mode (or set %s)", EnvCameraURL))
		}
		if cfg.Segmentation.URL == "" && cfg.Segmentation.Backend == DefaultSegmentBackend {
			errs = append(errs, fmt.Errorf("segmentation.url is required in mirror mode (or set %s)", EnvSegmentURL))
		}
	}
	if mode == ModeDebate && len(cfg.Debate.Topics) == 0 {
		errs = append(errs, errors.New("debate.topics must not be empty in debate mode"))
	}
	return errors.Join(errs...)
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains([]string{"http", "https"}, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}

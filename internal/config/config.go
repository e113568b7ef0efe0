// Package config provides the configuration schema, loader and backend
// registry of the Lahn Avatar client.
package config

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects what the client runs.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeDebate Mode = "debate"
	ModeVoice  Mode = "voice"
	ModeMirror Mode = "mirror"
	ModeUpload Mode = "upload"
	ModeAdmin  Mode = "admin"
)

// Modes lists every valid [Mode].
var Modes = []Mode{ModeChat, ModeDebate, ModeVoice, ModeMirror, ModeUpload, ModeAdmin}

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Audio        AudioConfig        `yaml:"audio"`
	Video        VideoConfig        `yaml:"video"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Debate       DebateConfig       `yaml:"debate"`
}

// ServerConfig holds logging and viewer settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the viewer's HTTP address (e.g. "127.0.0.1:8090").
	// Empty disables the viewer.
	ListenAddr string `yaml:"listen_addr"`

	// Mode is the default mode when -mode is not given. Default: chat.
	Mode Mode `yaml:"mode"`
}

// APIConfig locates the avatar backend.
type APIConfig struct {
	// BaseURL is the origin of the /api/* endpoints.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds every API call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// AudioConfig configures microphone capture, playback and the waveform.
type AudioConfig struct {
	// Backend names the registered audio acquirer. Default: portaudio.
	Backend string `yaml:"backend"`

	// SampleRate of captured audio in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels opened on the input device, 1 or 2. Stereo input is folded
	// to mono. Default: 1.
	Channels int `yaml:"channels"`

	// RecordSampleRate of recorded clips and voice messages in Hz. Capture
	// at another rate is resampled. Default: 16000.
	RecordSampleRate int `yaml:"record_sample_rate"`

	// FramesPerBuffer is the PortAudio buffer size. Default: 512.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// FFTSize is the waveform analysis window; a power of two between 32
	// and 32768. Default: 2048.
	FFTSize int `yaml:"fft_size"`

	// Width and Height of the waveform surface. Default: 600×100.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	Colors ColorsConfig `yaml:"colors"`

	// Playback enables playing reply audio in voice mode. Default: true.
	Playback *bool `yaml:"playback"`
}

// ColorsConfig holds the waveform palette as "#rrggbb" or "#rrggbbaa".
// Empty entries use the built-in palette.
type ColorsConfig struct {
	Idle       string `yaml:"idle"`
	Active     string `yaml:"active"`
	Background string `yaml:"background"`
}

// VideoConfig configures the webcam and the background loop of the mirror.
type VideoConfig struct {
	// Backend names the registered video acquirer. Default: mjpeg.
	Backend string `yaml:"backend"`

	// CameraURL is the MJPEG stream of the webcam.
	CameraURL string `yaml:"camera_url"`

	// BackgroundDir holds the still frames of the background video. Empty
	// shows the person over transparency.
	BackgroundDir string `yaml:"background_dir"`

	// BackgroundFPS is the background playback rate. Default: 25.
	BackgroundFPS float64 `yaml:"background_fps"`
}

// SegmentationConfig configures person segmentation for the mirror.
type SegmentationConfig struct {
	// Backend names the registered segmenter. Default: remote.
	Backend string `yaml:"backend"`

	// URL of the primary segmentation endpoint.
	URL string `yaml:"url"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []SegmentBackend `yaml:"fallbacks"`

	// Resolution is one of low, medium, high, full. Default: medium.
	Resolution string `yaml:"resolution"`

	// Threshold is the person confidence cut-off in (0, 1]. Default: 0.7.
	Threshold float64 `yaml:"threshold"`

	// Timeout bounds one segmentation call. Default: 250ms.
	Timeout time.Duration `yaml:"timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// SegmentBackend is one additional segmentation endpoint.
type SegmentBackend struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	// MaxFailures before the breaker opens. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout before a half-open trial call. Default: 10s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DebateConfig lists the debate topics offered to the visitor.
type DebateConfig struct {
	Topics []string `yaml:"topics"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLogLevel        = LogInfo
	DefaultMode            = ModeChat
	DefaultAPITimeout      = 30 * time.Second
	DefaultAudioBackend    = "portaudio"
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultFramesPerBuffer = 512
	DefaultFFTSize         = 2048
	DefaultWaveformWidth   = 600
	DefaultWaveformHeight  = 100
	DefaultVideoBackend    = "mjpeg"
	DefaultBackgroundFPS   = 25
	DefaultSegmentBackend  = "remote"
	DefaultResolution      = "medium"
	DefaultThreshold       = 0.7
	DefaultSegmentTimeout  = 250 * time.Millisecond
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 10 * time.Second
)

// DefaultTopics are offered when debate.topics is empty.
var DefaultTopics = []string{"Clean up Lahn", "Reforest headwater"}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultMode
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = DefaultAPITimeout
	}

	a := &cfg.Audio
	def(&a.Backend, DefaultAudioBackend)
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.RecordSampleRate == 0 {
		a.RecordSampleRate = DefaultSampleRate
	}
	if a.FramesPerBuffer == 0 {
		a.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if a.FFTSize == 0 {
		a.FFTSize = DefaultFFTSize
	}
	if a.Width == 0 {
		a.Width = DefaultWaveformWidth
	}
	if a.Height == 0 {
		a.Height = DefaultWaveformHeight
	}
	if a.Playback == nil {
		on := true
		a.Playback = &on
	}

	def(&cfg.Video.Backend, DefaultVideoBackend)
	if cfg.Video.BackgroundFPS == 0 {
		cfg.Video.BackgroundFPS = DefaultBackgroundFPS
	}

	s := &cfg.Segmentation
	def(&s.Backend, DefaultSegmentBackend)
	def(&s.Resolution, DefaultResolution)
	if s.Threshold == 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultSegmentTimeout
	}
	if s.Breaker.MaxFailures == 0 {
		s.Breaker.MaxFailures = DefaultMaxFailures
	}
	if s.Breaker.ResetTimeout == 0 {
		s.Breaker.ResetTimeout = DefaultResetTimeout
	}
	for i := range s.Fallbacks {
		def(&s.Fallbacks[i].Backend, s.Backend)
	}

	if len(cfg.Debate.Topics) == 0 {
		cfg.Debate.Topics = append([]string(nil), DefaultTopics...)
	}
}

// ParseColor parses "#rrggbb" or "#rrggbbaa". An empty string yields nil.
func ParseColor(s string) (color.Color, error) {
	if s == "" {
		return nil, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return nil, fmt.Errorf("color %q: want #rrggbb or #rrggbbaa", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voicetype/internal/domain"
)

// Config stores runtime configuration. Precedence: env > file > defaults.
type Config struct {
	Provider domain.ProviderConfig `yaml:"provider"`
	Audio    AudioConfig           `yaml:"audio"`
	Session  SessionConfig         `yaml:"session"`
	Input    InputConfig           `yaml:"input"`
	Hotkey   string                `yaml:"hotkey"`
	Notify   bool                  `yaml:"notify"`
	LogLevel string                `yaml:"log_level"`

	// Path is the file the config was read from, empty when none existed.
	Path string `yaml:"-"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"`
	RecorderCommand string `yaml:"ffmpeg_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	ChunkSize       int    `yaml:"chunk_size"`
	QueueDepth      int    `yaml:"queue_depth"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	CloseGrace      time.Duration `yaml:"close_grace"`
	MaxRecording    time.Duration `yaml:"max_recording"`
}

type InputConfig struct {
	Method           string        `yaml:"method"`
	RestoreClipboard bool          `yaml:"restore_clipboard"`
	MaxLength        int           `yaml:"max_length"`
	Truncate         bool          `yaml:"truncate"`
	PasteDelay       time.Duration `yaml:"paste_delay"`
	InputDelay       time.Duration `yaml:"input_delay"`
	RestoreDelay     time.Duration `yaml:"restore_delay"`
	MethodTimeout    time.Duration `yaml:"method_timeout"`
}

const (
	BackendFFmpeg    = "ffmpeg"
	BackendPortAudio = "portaudio"
)

// Default returns the configuration used when neither file nor env set a value.
func Default() Config {
	return Config{
		Provider: domain.ProviderConfig{
			Provider:    "dashscope",
			SampleRate:  16000,
			Channels:    1,
			Punctuation: domain.PunctuationOn,
		},
		Audio: AudioConfig{
			Backend:         BackendFFmpeg,
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			ChunkSize:       3200,
			QueueDepth:      6,
		},
		Session: SessionConfig{
			ConnectTimeout:  5 * time.Second,
			FinalizeTimeout: 5 * time.Second,
			CloseGrace:      2 * time.Second,
			MaxRecording:    60 * time.Second,
		},
		Input: InputConfig{
			Method:           "clipboard",
			RestoreClipboard: true,
			MaxLength:        10000,
			PasteDelay:       100 * time.Millisecond,
			InputDelay:       50 * time.Millisecond,
			RestoreDelay:     300 * time.Millisecond,
			MethodTimeout:    5 * time.Second,
		},
		Hotkey:   "ctrl+shift+space",
		Notify:   true,
		LogLevel: "info",
	}
}

// DefaultPath returns $VOICETYPE_CONFIG or ~/.config/voicetype/config.yaml.
func DefaultPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("VOICETYPE_CONFIG")); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine home directory")
	}
	return filepath.Join(home, ".config", "voicetype", "config.yaml"), nil
}

// Load resolves configuration from the default file path and environment.
func Load() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Config{}, domain.NewError(domain.ErrorKindConfig, "config", err)
	}
	return LoadFrom(path)
}

// LoadFrom layers the YAML file at path (optional) and the environment over
// the defaults, then validates the result.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, domain.NewError(domain.ErrorKindConfig, "config", fmt.Errorf("parse %s: %w", path, err))
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, domain.NewError(domain.ErrorKindConfig, "config", fmt.Errorf("read %s: %w", path, err))
	}

	applyEnv(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	p := &cfg.Provider
	p.Provider = strings.ToLower(envOrDefault("VOICETYPE_PROVIDER", p.Provider))
	p.Language = firstNonEmpty(os.Getenv("VOICETYPE_LANGUAGE"), os.Getenv("DEEPGRAM_LANGUAGE"), p.Language)
	p.Punctuation = domain.PunctuationMode(strings.ToLower(envOrDefault("VOICETYPE_PUNCTUATION", string(p.Punctuation))))
	p.SampleRate = envOrDefaultInt("VOICETYPE_SAMPLE_RATE", p.SampleRate)
	p.Channels = envOrDefaultInt("VOICETYPE_CHANNELS", p.Channels)

	switch p.Provider {
	case "dashscope":
		setCredential(p, "api_key", "DASHSCOPE_API_KEY")
		p.Model = envOrDefault("DASHSCOPE_MODEL", p.Model)
		p.Endpoint = envOrDefault("DASHSCOPE_WS_URL", p.Endpoint)
	case "doubao":
		setCredential(p, "app_id", "DOUBAO_APP_ID")
		setCredential(p, "access_token", "DOUBAO_ACCESS_TOKEN")
		setOption(p, "resource_id", "DOUBAO_RESOURCE_ID")
		p.Endpoint = envOrDefault("DOUBAO_WS_URL", p.Endpoint)
	case "deepgram":
		setCredential(p, "api_key", "DEEPGRAM_API_KEY")
		p.Model = envOrDefault("DEEPGRAM_MODEL", p.Model)
		p.Endpoint = envOrDefault("DEEPGRAM_API_BASE", p.Endpoint)
		if value := strings.TrimSpace(os.Getenv("DEEPGRAM_SMART_FORMAT")); value != "" {
			setOptionValue(p, "smart_format", strconv.FormatBool(envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true)))
		}
	}

	a := &cfg.Audio
	a.Backend = strings.ToLower(envOrDefault("VOICETYPE_AUDIO_BACKEND", a.Backend))
	a.RecorderCommand = envOrDefault("VOICETYPE_FFMPEG_COMMAND", a.RecorderCommand)
	a.InputFormat = envOrDefault("VOICETYPE_AUDIO_INPUT_FORMAT", a.InputFormat)
	a.InputDevice = firstNonEmpty(os.Getenv("VOICETYPE_AUDIO_INPUT_DEVICE"), os.Getenv("PULSE_SOURCE"), a.InputDevice)
	a.ChunkSize = envOrDefaultInt("VOICETYPE_CHUNK_SIZE", a.ChunkSize)
	a.QueueDepth = envOrDefaultInt("VOICETYPE_QUEUE_DEPTH", a.QueueDepth)

	s := &cfg.Session
	s.ConnectTimeout = envOrDefaultMillis("VOICETYPE_CONNECT_TIMEOUT_MS", s.ConnectTimeout)
	s.FinalizeTimeout = envOrDefaultMillis("VOICETYPE_FINALIZE_TIMEOUT_MS", s.FinalizeTimeout)
	s.CloseGrace = envOrDefaultMillis("VOICETYPE_CLOSE_GRACE_MS", s.CloseGrace)
	s.MaxRecording = envOrDefaultMillis("VOICETYPE_MAX_RECORDING_MS", s.MaxRecording)

	in := &cfg.Input
	in.Method = strings.ToLower(envOrDefault("VOICETYPE_INPUT_METHOD", in.Method))
	in.RestoreClipboard = envOrDefaultBool("VOICETYPE_RESTORE_CLIPBOARD", in.RestoreClipboard)
	in.MaxLength = envOrDefaultInt("VOICETYPE_MAX_INPUT_LENGTH", in.MaxLength)
	in.Truncate = envOrDefaultBool("VOICETYPE_TRUNCATE_INPUT", in.Truncate)

	cfg.Hotkey = envOrDefault("VOICETYPE_HOTKEY", cfg.Hotkey)
	cfg.Notify = envOrDefaultBool("VOICETYPE_NOTIFY", cfg.Notify)
	cfg.LogLevel = strings.ToLower(envOrDefault("VOICETYPE_LOG_LEVEL", cfg.LogLevel))
}

func normalize(cfg *Config) {
	if cfg.Provider.SampleRate <= 0 {
		cfg.Provider.SampleRate = 16000
	}
	if cfg.Provider.Channels <= 0 {
		cfg.Provider.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 3200
	}
	if cfg.Input.MaxLength <= 0 {
		cfg.Input.MaxLength = 10000
	}
}

// Validate reports the first invalid setting as a config error.
func Validate(cfg Config) error {
	invalid := func(format string, args ...any) error {
		return domain.Errorf(domain.ErrorKindConfig, "config", fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(cfg.Provider.Provider) == "" {
		return invalid("provider is not set")
	}
	switch cfg.Provider.Punctuation {
	case domain.PunctuationOff, domain.PunctuationOn, domain.PunctuationSemantic:
	default:
		return invalid("punctuation must be off, on or semantic, got %q", cfg.Provider.Punctuation)
	}
	if cfg.Provider.Channels > 2 {
		return invalid("channels must be 1 or 2, got %d", cfg.Provider.Channels)
	}
	switch cfg.Audio.Backend {
	case BackendFFmpeg, BackendPortAudio:
	default:
		return invalid("audio backend must be %s or %s, got %q", BackendFFmpeg, BackendPortAudio, cfg.Audio.Backend)
	}
	switch cfg.Input.Method {
	case "clipboard", "keyboard", "typing":
	default:
		return invalid("input method must be clipboard, keyboard or typing, got %q", cfg.Input.Method)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log level must be debug, info, warn or error, got %q", cfg.LogLevel)
	}
	if cfg.Session.ConnectTimeout <= 0 || cfg.Session.FinalizeTimeout <= 0 {
		return invalid("connect and finalize timeouts must be positive")
	}
	return nil
}

func setCredential(p *domain.ProviderConfig, key string, env string) {
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return
	}
	if p.Credentials == nil {
		p.Credentials = map[string]string{}
	}
	p.Credentials[key] = value
}

func setOption(p *domain.ProviderConfig, key string, env string) {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		setOptionValue(p, key, value)
	}
}

func setOptionValue(p *domain.ProviderConfig, key string, value string) {
	if p.Options == nil {
		p.Options = map[string]string{}
	}
	p.Options[key] = value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultMillis reads a millisecond count; negative values are kept so
// callers can use them to disable a limit.
func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

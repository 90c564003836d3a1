package bootstrap

import (
	"log/slog"

	"voicetype/internal/audio"
	"voicetype/internal/audio/portaudio"
	"voicetype/internal/config"
	"voicetype/internal/domain"
	"voicetype/internal/inject"
	"voicetype/internal/platform/clipboard"
	"voicetype/internal/platform/focus"
	"voicetype/internal/platform/keyboard"
	"voicetype/internal/ports"
	"voicetype/internal/providers"
	"voicetype/internal/providers/dashscope"
	"voicetype/internal/providers/deepgram"
	"voicetype/internal/providers/doubao"
	"voicetype/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Injector   *inject.Injector
	Registry   *providers.Registry
	Config     config.Config
}

// Platform holds the OS integrations the injector drives. Any field may be
// nil when the platform does not support it.
type Platform struct {
	Clipboard ports.Clipboard
	Keyboard  ports.Keyboard
	Focus     ports.FocusProbe
}

// DefaultPlatform probes the current OS for clipboard, keyboard and focus
// support.
func DefaultPlatform(logger *slog.Logger) Platform {
	if logger == nil {
		logger = slog.Default()
	}
	var p Platform
	if cb, err := clipboard.New(); err != nil {
		logger.Warn("clipboard unavailable; paste injection disabled", slog.String("error", err.Error()))
	} else {
		p.Clipboard = cb
	}
	p.Keyboard = keyboard.New(logger)
	p.Focus = focus.New()
	return p
}

// NewRegistry registers every built-in recognition provider.
func NewRegistry(logger *slog.Logger) *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register(dashscope.Name, func(cfg domain.ProviderConfig) (ports.RecognitionProvider, error) {
		return dashscope.NewProvider(cfg, logger)
	})
	registry.Register(doubao.Name, func(cfg domain.ProviderConfig) (ports.RecognitionProvider, error) {
		return doubao.NewProvider(cfg, logger)
	})
	registry.Register(deepgram.Name, func(cfg domain.ProviderConfig) (ports.RecognitionProvider, error) {
		return deepgram.NewProvider(cfg, logger)
	})
	return registry
}

// Build wires all backend dependencies for cfg. The configured provider is
// resolved up front so credential problems surface at startup.
func Build(cfg config.Config, platform Platform, events ports.EventSink, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(logger)
	if _, err := registry.Resolve(cfg.Provider); err != nil {
		return Services{}, err
	}

	method, err := inject.ParseMethod(cfg.Input.Method)
	if err != nil {
		return Services{}, err
	}
	injector, err := inject.NewInjector(platform.Clipboard, platform.Keyboard, platform.Focus, inject.Options{
		PreferredMethod:  method,
		MethodTimeout:    cfg.Input.MethodTimeout,
		PasteDelay:       cfg.Input.PasteDelay,
		InputDelay:       cfg.Input.InputDelay,
		RestoreClipboard: cfg.Input.RestoreClipboard,
		RestoreDelay:     cfg.Input.RestoreDelay,
		MaxLength:        cfg.Input.MaxLength,
		Truncate:         cfg.Input.Truncate,
	}, logger)
	if err != nil {
		return Services{}, err
	}

	controller := usecase.NewSessionController(
		newCapture(cfg.Audio, logger),
		registry,
		injector,
		events,
		logger,
		SessionConfig(cfg),
	)

	return Services{
		Controller: controller,
		Injector:   injector,
		Registry:   registry,
		Config:     cfg,
	}, nil
}

// SessionConfig maps file and env settings onto the controller config.
func SessionConfig(cfg config.Config) usecase.Config {
	return usecase.Config{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Provider.SampleRate,
			Channels:    cfg.Provider.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		Provider:        cfg.Provider.Clone(),
		ChunkSize:       cfg.Audio.ChunkSize,
		QueueDepth:      cfg.Audio.QueueDepth,
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		FinalizeTimeout: cfg.Session.FinalizeTimeout,
		CloseGrace:      cfg.Session.CloseGrace,
		MaxRecording:    cfg.Session.MaxRecording,
	}
}

func newCapture(cfg config.AudioConfig, logger *slog.Logger) ports.AudioCapture {
	if cfg.Backend == config.BackendPortAudio {
		return portaudio.NewCapture(0, logger)
	}
	return audio.NewFFmpegCapture(cfg.RecorderCommand, logger)
}

package main

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/gen2brain/beeep"

	"voicetype/internal/config"
	"voicetype/internal/domain"
)

const notifyTitle = "voicetype"

// App is the runtime root. It receives session events from the controller,
// logs them and raises desktop notifications for results and errors.
type App struct {
	logger *slog.Logger
	notify atomic.Bool

	// notifier is replaced in tests.
	notifier func(title, message string) error
}

func NewApp(logger *slog.Logger, notify bool) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		logger: logger.With(slog.String("component", "app")),
		notifier: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
	a.notify.Store(notify)
	return a
}

// SetNotify toggles desktop notifications on config reload.
func (a *App) SetNotify(enabled bool) { a.notify.Store(enabled) }

// SessionStateChanged logs session lifecycle updates.
func (a *App) SessionStateChanged(sessionID string, state domain.SessionState, reason domain.SessionStateReason) {
	a.logger.Info(sessionReasonMessage(reason),
		slog.String("session", sessionID),
		slog.String("state", string(state)),
		slog.String("reason", string(reason)))
}

// PartialTranscript logs live partial transcript text.
func (a *App) PartialTranscript(sessionID string, text string) {
	a.logger.Debug("partial transcript", slog.String("session", sessionID), slog.String("text", text))
}

// FinalTranscript reports a delivered transcript.
func (a *App) FinalTranscript(sessionID string, text string, result domain.InjectionResult) {
	a.logger.Info("final transcript",
		slog.String("session", sessionID),
		slog.Int("runes", len([]rune(text))),
		slog.String("method", string(result.Method)),
		slog.Bool("success", result.Success),
		slog.String("target", result.Target))
	if result.Success {
		a.raise("Transcript inserted via " + string(result.Method))
	}
}

// SessionError reports backend errors.
func (a *App) SessionError(kind domain.ErrorKind, detail string) {
	a.logger.Error(errorMessage(kind, detail), slog.String("kind", string(kind)), slog.String("detail", detail))
	a.raise(errorMessage(kind, detail))
}

func (a *App) raise(message string) {
	if !a.notify.Load() || a.notifier == nil {
		return
	}
	if err := a.notifier(notifyTitle, message); err != nil {
		a.logger.Debug("notification failed", slog.String("error", err.Error()))
	}
}

// RuntimeInfo returns non-sensitive config for the startup log.
func RuntimeInfo(cfg config.Config) map[string]string {
	return map[string]string{
		"provider":    cfg.Provider.Provider,
		"model":       cfg.Provider.Model,
		"language":    cfg.Provider.Language,
		"punctuation": string(cfg.Provider.Punctuation),
		"sampleRate":  strconv.Itoa(cfg.Provider.SampleRate),
		"audio":       cfg.Audio.Backend,
		"audioInput":  cfg.Audio.InputDevice,
		"inputMethod": cfg.Input.Method,
		"hotkey":      cfg.Hotkey,
		"configFile":  cfg.Path,
	}
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready"
	case domain.SessionReasonConnecting:
		return "Connecting"
	case domain.SessionReasonRecordingStarted:
		return "Recording started"
	case domain.SessionReasonKeyReleased:
		return "Key released"
	case domain.SessionReasonMaxDuration:
		return "Maximum recording time reached"
	case domain.SessionReasonTranscribing:
		return "Recording stopped. Transcribing..."
	case domain.SessionReasonTranscriptReady:
		return "Transcript ready"
	case domain.SessionReasonTranscriptInjected:
		return "Transcript inserted"
	case domain.SessionReasonInjectionFailed:
		return "Transcript ready (insertion failed)"
	case domain.SessionReasonStartFailed:
		return "Recording could not start"
	case domain.SessionReasonProviderFailed:
		return "Transcription failed"
	case domain.SessionReasonCaptureFailed:
		return "Microphone capture failed"
	case domain.SessionReasonFinalizeTimeout:
		return "Timed out waiting for transcript"
	case domain.SessionReasonNoTranscript:
		return "No transcript captured"
	default:
		return "Session update"
	}
}

func errorMessage(kind domain.ErrorKind, detail string) string {
	switch kind {
	case domain.ErrorKindConfig:
		return "Configuration error"
	case domain.ErrorKindConnect:
		return "Could not connect to recognition service"
	case domain.ErrorKindCapture:
		return "Microphone capture failed"
	case domain.ErrorKindProtocol:
		return "Recognition service error"
	case domain.ErrorKindInjection:
		return "Text insertion failed"
	case domain.ErrorKindAuth:
		return "Recognition service rejected credentials"
	case domain.ErrorKindNetwork:
		return "Network error"
	case domain.ErrorKindTimeout:
		return "Recognition timed out"
	case domain.ErrorKindEmptyResult:
		return "No speech recognized"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

package ports

import (
	"context"
	"errors"
	"io"

	"voicetype/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing PCM16 LE bytes.
// Stop ends capture; reads drain buffered audio and then return io.EOF.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// RecognitionStream is one open streaming recognition session.
//
// Events yields results in emission order and always ends with a Closed
// event, after which the channel is closed. EndOfStream asks the provider
// to flush remaining results; Close tears the connection down immediately.
type RecognitionStream interface {
	SendAudio(frame domain.AudioFrame) error
	EndOfStream() error
	Events() <-chan domain.RecognitionEvent
	Close() error
}

// RecognitionProvider opens streaming recognition sessions.
type RecognitionProvider interface {
	Name() string
	Open(ctx context.Context, cfg domain.ProviderConfig) (RecognitionStream, error)
}

// ProviderResolver selects a provider for a configuration, validating it.
type ProviderResolver interface {
	Resolve(cfg domain.ProviderConfig) (RecognitionProvider, error)
}

// TextInjector delivers final text into the focused application.
type TextInjector interface {
	Inject(ctx context.Context, text string) (domain.InjectionResult, error)
}

// Clipboard reads and writes the system clipboard.
type Clipboard interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
}

// ErrUnsupportedRune is returned by Keyboard.TypeRune for runes the active
// layout cannot produce.
var ErrUnsupportedRune = errors.New("no key mapping for rune")

// Keyboard synthesizes OS input events.
type Keyboard interface {
	Paste(ctx context.Context) error
	TypeRune(ctx context.Context, r rune) error
	CanType(r rune) bool
}

// FocusProbe reports the application that currently holds input focus.
type FocusProbe interface {
	ActiveWindow(ctx context.Context) (string, error)
}

// EventSink receives backend state and events.
type EventSink interface {
	SessionStateChanged(sessionID string, state domain.SessionState, reason domain.SessionStateReason)
	PartialTranscript(sessionID string, text string)
	FinalTranscript(sessionID string, text string, result domain.InjectionResult)
	SessionError(kind domain.ErrorKind, detail string)
}

package domain

import "time"

// SessionState models the push-to-talk lifecycle.
type SessionState string

const (
	SessionStateIdle          SessionState = "idle"
	SessionStateStarting      SessionState = "starting"
	SessionStateRecording     SessionState = "recording"
	SessionStateStopping      SessionState = "stopping"
	SessionStateAwaitingFinal SessionState = "awaiting_final"
	SessionStateCompleted     SessionState = "completed"
	SessionStateFailed        SessionState = "failed"
)

// Terminal reports whether the state ends a session.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonReady              SessionStateReason = "ready"
	SessionReasonConnecting         SessionStateReason = "connecting"
	SessionReasonRecordingStarted   SessionStateReason = "recording_started"
	SessionReasonKeyReleased        SessionStateReason = "key_released"
	SessionReasonMaxDuration        SessionStateReason = "max_duration"
	SessionReasonTranscribing       SessionStateReason = "transcribing"
	SessionReasonTranscriptReady    SessionStateReason = "transcript_ready"
	SessionReasonTranscriptInjected SessionStateReason = "transcript_injected"
	SessionReasonInjectionFailed    SessionStateReason = "injection_failed"
	SessionReasonStartFailed        SessionStateReason = "start_failed"
	SessionReasonProviderFailed     SessionStateReason = "provider_failed"
	SessionReasonCaptureFailed      SessionStateReason = "capture_failed"
	SessionReasonFinalizeTimeout    SessionStateReason = "finalize_timeout"
	SessionReasonNoTranscript       SessionStateReason = "no_transcript"
)

// Edge is a press or release transition of the monitored hotkey.
type Edge int

const (
	EdgePress Edge = iota + 1
	EdgeRelease
)

func (e Edge) String() string {
	switch e {
	case EdgePress:
		return "press"
	case EdgeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// AudioFrame is one fixed-size chunk of PCM16 audio.
type AudioFrame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// RecognitionEventType identifies a provider event variant.
type RecognitionEventType string

const (
	RecognitionOpened  RecognitionEventType = "opened"
	RecognitionPartial RecognitionEventType = "partial"
	RecognitionFinal   RecognitionEventType = "final"
	RecognitionError   RecognitionEventType = "error"
	RecognitionClosed  RecognitionEventType = "closed"
)

// RecognitionEvent is emitted by a streaming provider in order.
// Text is set for partial and final results; ErrKind and Message for errors.
type RecognitionEvent struct {
	Type    RecognitionEventType
	Text    string
	ErrKind ErrorKind
	Message string
}

func Opened() RecognitionEvent { return RecognitionEvent{Type: RecognitionOpened} }

func Partial(text string) RecognitionEvent {
	return RecognitionEvent{Type: RecognitionPartial, Text: text}
}

func Final(text string) RecognitionEvent {
	return RecognitionEvent{Type: RecognitionFinal, Text: text}
}

func Failure(kind ErrorKind, message string) RecognitionEvent {
	return RecognitionEvent{Type: RecognitionError, ErrKind: kind, Message: message}
}

func Closed() RecognitionEvent { return RecognitionEvent{Type: RecognitionClosed} }

// PunctuationMode selects provider punctuation behavior.
type PunctuationMode string

const (
	PunctuationOff      PunctuationMode = "off"
	PunctuationOn       PunctuationMode = "on"
	PunctuationSemantic PunctuationMode = "semantic"
)

// ProviderConfig selects and parameterizes a recognition provider.
type ProviderConfig struct {
	Provider    string            `yaml:"provider"`
	Credentials map[string]string `yaml:"credentials"`
	Model       string            `yaml:"model"`
	SampleRate  int               `yaml:"sample_rate"`
	Channels    int               `yaml:"channels"`
	Language    string            `yaml:"language"`
	Punctuation PunctuationMode   `yaml:"punctuation"`
	Endpoint    string            `yaml:"endpoint"`
	Options     map[string]string `yaml:"options"`
}

// Credential returns a trimmed credential value.
func (c ProviderConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return trimSpace(c.Credentials[key])
}

// Option returns a provider-specific option or fallback.
func (c ProviderConfig) Option(key string, fallback string) string {
	if c.Options == nil {
		return fallback
	}
	if v := trimSpace(c.Options[key]); v != "" {
		return v
	}
	return fallback
}

// Clone returns a deep copy so callers cannot mutate the controller's copy.
func (c ProviderConfig) Clone() ProviderConfig {
	out := c
	out.Credentials = cloneMap(c.Credentials)
	out.Options = cloneMap(c.Options)
	return out
}

// InjectionMethod names a text delivery strategy.
type InjectionMethod string

const (
	InjectionClipboardPaste  InjectionMethod = "clipboard"
	InjectionSyntheticKeys   InjectionMethod = "keyboard"
	InjectionCharacterTyping InjectionMethod = "typing"
	InjectionMethodNone      InjectionMethod = ""
)

// InjectionResult reports how a transcript was delivered.
type InjectionResult struct {
	Method    InjectionMethod   `json:"method"`
	Success   bool              `json:"success"`
	Attempted []InjectionMethod `json:"attempted"`
	Truncated bool              `json:"truncated,omitempty"`
	Target    string            `json:"target,omitempty"`
}

// Session is a snapshot of one push-to-talk session.
type Session struct {
	ID        string
	State     SessionState
	StartedAt time.Time
	Provider  ProviderConfig
	Partial   string
	Final     string
	Err       error
}

// Status summarizes the current runtime status.
type Status struct {
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId,omitempty"`
	Partial   string       `json:"partial,omitempty"`
	Message   string       `json:"message,omitempty"`
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

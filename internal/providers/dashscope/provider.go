package dashscope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
	"voicetype/internal/providers/wsutil"
)

const (
	Name             = "dashscope"
	CredentialAPIKey = "api_key"

	defaultURL       = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel     = "paraformer-realtime-v2"
	handshakeTimeout = 5 * time.Second

	eventTaskStarted     = "task-started"
	eventResultGenerated = "result-generated"
	eventTaskFinished    = "task-finished"
	eventTaskFailed      = "task-failed"
)

// Config controls the DashScope realtime recognition task.
type Config struct {
	APIKey      string
	URL         string
	Model       string
	SampleRate  int
	Language    string
	Punctuation domain.PunctuationMode
}

// ConfigFrom reads DashScope settings out of a provider configuration.
func ConfigFrom(pc domain.ProviderConfig) (Config, error) {
	cfg := Config{
		APIKey:      pc.Credential(CredentialAPIKey),
		URL:         strings.TrimSpace(pc.Endpoint),
		Model:       strings.TrimSpace(pc.Model),
		SampleRate:  pc.SampleRate,
		Language:    strings.TrimSpace(pc.Language),
		Punctuation: pc.Punctuation,
	}
	if cfg.APIKey == "" {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "DASHSCOPE_API_KEY is not configured")
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Punctuation == "" {
		cfg.Punctuation = domain.PunctuationOn
	}
	return cfg, nil
}

// Provider implements ports.RecognitionProvider for DashScope realtime ASR.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

func NewProvider(pc domain.ProviderConfig, logger *slog.Logger) (*Provider, error) {
	cfg, err := ConfigFrom(pc)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With(slog.String("provider", Name))}, nil
}

func (p *Provider) Name() string { return Name }

// Open dials the inference endpoint, submits run-task and waits for
// task-started before handing the connection to the stream.
func (p *Provider) Open(ctx context.Context, _ domain.ProviderConfig) (ports.RecognitionStream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "bearer "+p.cfg.APIKey)

	conn, err := wsutil.Dial(ctx, p.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DashScope websocket: %w", err)
	}

	taskID := uuid.NewString()
	if err := p.runTask(ctx, conn, taskID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.logger.Debug("dashscope task started",
		slog.String("task_id", taskID),
		slog.String("model", p.cfg.Model))
	return wsutil.NewStream(conn, &protocol{taskID: taskID}, wsutil.Options{Logger: p.logger}), nil
}

func (p *Provider) runTask(ctx context.Context, conn *websocket.Conn, taskID string) error {
	params := taskParameters{
		Format:                       "pcm",
		SampleRate:                   p.cfg.SampleRate,
		SemanticPunctuationEnabled:   p.cfg.Punctuation == domain.PunctuationSemantic,
		PunctuationPredictionEnabled: p.cfg.Punctuation != domain.PunctuationOff,
	}
	if p.cfg.Language != "" {
		params.LanguageHints = []string{p.cfg.Language}
	}
	msg := clientMessage{
		Header: clientHeader{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
		Payload: clientPayload{
			TaskGroup:  "audio",
			Task:       "asr",
			Function:   "recognition",
			Model:      p.cfg.Model,
			Parameters: &params,
			Input:      struct{}{},
		},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.NewError(domain.ErrorKindProtocol, "run-task", err)
	}

	deadline := wsutil.ReadDeadline(ctx, handshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return domain.NewError(domain.ErrorKindNetwork, "run-task", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return domain.NewError(domain.ErrorKindNetwork, "await task-started", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var event serverMessage
		if err := json.Unmarshal(payload, &event); err != nil {
			return domain.NewError(domain.ErrorKindProtocol, "await task-started", err)
		}
		switch event.Header.Event {
		case eventTaskStarted:
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return nil
		case eventTaskFailed:
			return taskError(event.Header)
		}
	}
}

type clientMessage struct {
	Header  clientHeader  `json:"header"`
	Payload clientPayload `json:"payload"`
}

type clientHeader struct {
	Action    string `json:"action"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming"`
}

type clientPayload struct {
	TaskGroup  string          `json:"task_group,omitempty"`
	Task       string          `json:"task,omitempty"`
	Function   string          `json:"function,omitempty"`
	Model      string          `json:"model,omitempty"`
	Parameters *taskParameters `json:"parameters,omitempty"`
	Input      struct{}        `json:"input"`
}

type taskParameters struct {
	Format                       string   `json:"format"`
	SampleRate                   int      `json:"sample_rate"`
	SemanticPunctuationEnabled   bool     `json:"semantic_punctuation_enabled"`
	PunctuationPredictionEnabled bool     `json:"punctuation_prediction_enabled"`
	LanguageHints                []string `json:"language_hints,omitempty"`
}

type serverHeader struct {
	Event        string `json:"event"`
	TaskID       string `json:"task_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type serverMessage struct {
	Header  serverHeader `json:"header"`
	Payload struct {
		Output struct {
			Sentence struct {
				Text        string `json:"text"`
				SentenceEnd bool   `json:"sentence_end"`
			} `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

// protocol streams binary PCM and accumulates result-generated sentences.
type protocol struct {
	taskID    string
	completed []string
	running   string
}

func (p *protocol) EncodeAudio(data []byte) ([]wsutil.Message, error) {
	return []wsutil.Message{wsutil.Binary(data)}, nil
}

func (p *protocol) Finish() ([]wsutil.Message, error) {
	body, err := json.Marshal(clientMessage{
		Header: clientHeader{Action: "finish-task", TaskID: p.taskID, Streaming: "duplex"},
	})
	if err != nil {
		return nil, err
	}
	return []wsutil.Message{wsutil.Text(body)}, nil
}

func (p *protocol) Decode(messageType int, payload []byte) ([]domain.RecognitionEvent, bool, error) {
	if messageType != websocket.TextMessage {
		return nil, false, nil
	}
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false, domain.NewError(domain.ErrorKindProtocol, Name, fmt.Errorf("decode event: %w", err))
	}

	switch msg.Header.Event {
	case eventResultGenerated:
		sentence := msg.Payload.Output.Sentence
		text := strings.TrimSpace(sentence.Text)
		if sentence.SentenceEnd {
			if text != "" {
				p.completed = append(p.completed, text)
			}
			p.running = ""
		} else {
			p.running = text
		}
		current := p.Text()
		if current == "" {
			return nil, false, nil
		}
		return []domain.RecognitionEvent{domain.Partial(current)}, false, nil
	case eventTaskFinished:
		return []domain.RecognitionEvent{domain.Final(p.Text())}, true, nil
	case eventTaskFailed:
		return nil, false, taskError(msg.Header)
	default:
		return nil, false, nil
	}
}

func (p *protocol) Closed(bool) []domain.RecognitionEvent { return nil }

// Text joins completed sentences and the running one.
func (p *protocol) Text() string {
	parts := p.completed
	if p.running != "" {
		parts = append(parts[:len(parts):len(parts)], p.running)
	}
	return joinSentences(parts)
}

// joinSentences separates sentences with a space only between Latin text.
func joinSentences(parts []string) string {
	var b strings.Builder
	for _, part := range parts {
		if b.Len() > 0 {
			last, _ := utf8.DecodeLastRuneInString(b.String())
			first, _ := utf8.DecodeRuneInString(part)
			if last < utf8.RuneSelf && first < utf8.RuneSelf && !unicode.IsSpace(last) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(part)
	}
	return b.String()
}

func taskError(header serverHeader) error {
	message := strings.TrimSpace(header.ErrorMessage)
	if message == "" {
		message = "task failed"
	}
	kind := domain.ErrorKindProtocol
	if isCredentialError(header.ErrorCode) {
		kind = domain.ErrorKindAuth
	}
	return domain.Errorf(kind, Name, fmt.Sprintf("%s: %s", header.ErrorCode, message))
}

func isCredentialError(code string) bool {
	switch strings.ToLower(code) {
	case "invalidapikey", "invalid_api_key", "accessdenied", "access_denied", "unauthorized", "forbidden":
		return true
	}
	return false
}

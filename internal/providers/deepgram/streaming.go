package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
	"voicetype/internal/providers/wsutil"
)

const (
	Name             = "deepgram"
	CredentialAPIKey = "api_key"

	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "nova-2"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SampleRate  int
	Channels    int
	Punctuate   bool
	SmartFormat bool
}

// ConfigFrom reads Deepgram settings out of a provider configuration.
func ConfigFrom(pc domain.ProviderConfig) (Config, error) {
	cfg := Config{
		APIKey:     pc.Credential(CredentialAPIKey),
		APIBaseURL: strings.TrimSpace(pc.Endpoint),
		Model:      strings.TrimSpace(pc.Model),
		Language:   strings.TrimSpace(pc.Language),
		SampleRate: pc.SampleRate,
		Channels:   pc.Channels,
		Punctuate:  pc.Punctuation != domain.PunctuationOff,
	}
	if cfg.APIKey == "" {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "DEEPGRAM_API_KEY is not configured")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	smart, err := strconv.ParseBool(pc.Option("smart_format", "true"))
	if err != nil {
		return Config{}, domain.NewError(domain.ErrorKindConfig, Name, fmt.Errorf("invalid smart_format option: %w", err))
	}
	cfg.SmartFormat = smart
	return cfg, nil
}

// Provider implements ports.RecognitionProvider for Deepgram.
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

func (p *Provider) Open(ctx context.Context, _ domain.ProviderConfig) (ports.RecognitionStream, error) {
	wsURL, err := buildListenURL(p.cfg)
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindConfig, Name, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, err := wsutil.Dial(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}
	p.logger.Debug("deepgram stream opened", slog.String("model", p.cfg.Model))
	return wsutil.NewStream(conn, &protocol{}, wsutil.Options{Logger: p.logger}), nil
}

// protocol streams raw PCM and maps Deepgram results to recognition events.
type protocol struct {
	transcript transcript
}

func (p *protocol) EncodeAudio(data []byte) ([]wsutil.Message, error) {
	return []wsutil.Message{wsutil.Binary(data)}, nil
}

func (p *protocol) Finish() ([]wsutil.Message, error) {
	return []wsutil.Message{wsutil.Text([]byte(`{"type":"CloseStream"}`))}, nil
}

func (p *protocol) Decode(messageType int, payload []byte) ([]domain.RecognitionEvent, bool, error) {
	if messageType != websocket.TextMessage {
		return nil, false, nil
	}

	var response deepgramResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, false, nil
	}

	switch {
	case strings.EqualFold(response.Type, "Error"):
		message := strings.TrimSpace(response.Message)
		if message == "" {
			message = "deepgram returned an unknown error"
		}
		return nil, false, domain.Errorf(domain.ErrorKindProtocol, Name, message)
	case strings.EqualFold(response.Type, "Metadata"):
		return []domain.RecognitionEvent{domain.Final(p.transcript.Text())}, true, nil
	}

	text := extractTranscript(response)
	if text == "" {
		return nil, false, nil
	}
	current := p.transcript.Add(text, response.IsFinal || response.SpeechFinal)
	return []domain.RecognitionEvent{domain.Partial(current)}, false, nil
}

func (p *protocol) Closed(finishing bool) []domain.RecognitionEvent {
	if !finishing {
		return nil
	}
	return []domain.RecognitionEvent{domain.Final(p.transcript.Text())}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(response.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(response.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(cfg Config) (string, error) {
	base := wsutil.HTTPToWS(cfg.APIBaseURL)
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	query.Set("channels", strconv.Itoa(cfg.Channels))
	query.Set("interim_results", "true")
	query.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	query.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

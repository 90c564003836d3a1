package doubao

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
	"voicetype/internal/providers/wsutil"
)

const (
	Name                  = "doubao"
	CredentialAppID       = "app_id"
	CredentialAccessToken = "access_token"

	defaultURL             = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	defaultResourceID      = "volc.seedasr.sauc.duration"
	defaultSegmentDuration = 200 * time.Millisecond
	defaultGain            = 2.0
	defaultUID             = "voicetype_user"
	handshakeTimeout       = 5 * time.Second
)

// Config controls the Doubao streaming session.
type Config struct {
	AppID           string
	AccessToken     string
	URL             string
	ResourceID      string
	UID             string
	SampleRate      int
	Channels        int
	Punctuation     bool
	SegmentDuration time.Duration
	Gain            float64
}

// ConfigFrom reads Doubao settings out of a provider configuration.
func ConfigFrom(pc domain.ProviderConfig) (Config, error) {
	cfg := Config{
		AppID:       pc.Credential(CredentialAppID),
		AccessToken: pc.Credential(CredentialAccessToken),
		URL:         strings.TrimSpace(pc.Endpoint),
		ResourceID:  pc.Option("resource_id", defaultResourceID),
		UID:         pc.Option("uid", defaultUID),
		SampleRate:  pc.SampleRate,
		Channels:    pc.Channels,
		Punctuation: pc.Punctuation != domain.PunctuationOff,
	}
	if cfg.AppID == "" {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "DOUBAO_APP_ID is not configured")
	}
	if cfg.AccessToken == "" {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "DOUBAO_ACCESS_TOKEN is not configured")
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	ms, err := strconv.Atoi(pc.Option("segment_duration_ms", strconv.Itoa(int(defaultSegmentDuration/time.Millisecond))))
	if err != nil || ms <= 0 {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "segment_duration_ms must be a positive integer")
	}
	cfg.SegmentDuration = time.Duration(ms) * time.Millisecond

	gain, err := strconv.ParseFloat(pc.Option("gain", strconv.FormatFloat(defaultGain, 'f', -1, 64)), 64)
	if err != nil || gain <= 0 {
		return Config{}, domain.Errorf(domain.ErrorKindConfig, Name, "gain must be a positive number")
	}
	cfg.Gain = gain
	return cfg, nil
}

// segmentBytes is the PCM16 byte count of one segment.
func (c Config) segmentBytes() int {
	n := c.SampleRate * c.Channels * 2 * int(c.SegmentDuration/time.Millisecond) / 1000
	if n <= 0 {
		return 6400
	}
	return n
}

// Provider implements ports.RecognitionProvider for the Doubao big-model ASR.
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

// Open dials the service, sends the full client request and waits for its
// acknowledgement before audio may flow.
func (p *Provider) Open(ctx context.Context, _ domain.ProviderConfig) (ports.RecognitionStream, error) {
	requestID := uuid.NewString()
	headers := http.Header{}
	headers.Set("X-Api-Resource-Id", p.cfg.ResourceID)
	headers.Set("X-Api-Request-Id", requestID)
	headers.Set("X-Api-Access-Key", p.cfg.AccessToken)
	headers.Set("X-Api-App-Key", p.cfg.AppID)

	conn, err := wsutil.Dial(ctx, p.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Doubao websocket: %w", err)
	}

	if err := p.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.logger.Debug("doubao stream opened",
		slog.String("request_id", requestID),
		slog.Int("segment_bytes", p.cfg.segmentBytes()))
	proto := newProtocol(p.cfg)
	return wsutil.NewStream(conn, proto, wsutil.Options{Logger: p.logger}), nil
}

func (p *Provider) handshake(ctx context.Context, conn *websocket.Conn) error {
	frame, err := encodeFullRequest(1, fullRequest{
		User: requestUser{UID: p.cfg.UID},
		Audio: requestAudio{
			Format:  "pcm",
			Codec:   "raw",
			Rate:    p.cfg.SampleRate,
			Bits:    16,
			Channel: p.cfg.Channels,
		},
		Request: requestOptions{
			ModelName:  "bigmodel",
			EnableITN:  true,
			EnablePunc: p.cfg.Punctuation,
		},
	})
	if err != nil {
		return domain.NewError(domain.ErrorKindProtocol, "full request", err)
	}

	deadline := wsutil.ReadDeadline(ctx, handshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return domain.NewError(domain.ErrorKindNetwork, "full request", err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return domain.NewError(domain.ErrorKindNetwork, "full request ack", err)
	}
	resp, err := parseResponse(payload)
	if err != nil {
		return domain.NewError(domain.ErrorKindProtocol, "full request ack", err)
	}
	if resp.Code != 0 {
		return serverError(resp)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

// protocol batches audio into fixed-duration segments and tracks the
// cumulative transcript the server reports.
type protocol struct {
	segmentBytes int
	gain         float64

	seq     int32
	pending []byte
	text    string
}

func newProtocol(cfg Config) *protocol {
	return &protocol{
		segmentBytes: cfg.segmentBytes(),
		gain:         cfg.Gain,
		seq:          2,
	}
}

func (p *protocol) EncodeAudio(data []byte) ([]wsutil.Message, error) {
	p.pending = append(p.pending, data...)

	var out []wsutil.Message
	for len(p.pending) >= p.segmentBytes {
		segment := p.pending[:p.segmentBytes]
		frame, err := encodeAudio(p.seq, amplify(segment, p.gain), false)
		if err != nil {
			return nil, err
		}
		out = append(out, wsutil.Binary(frame))
		p.seq++
		p.pending = append([]byte(nil), p.pending[p.segmentBytes:]...)
	}
	return out, nil
}

// Finish sends whatever is pending, possibly nothing, as the last packet.
func (p *protocol) Finish() ([]wsutil.Message, error) {
	frame, err := encodeAudio(p.seq, amplify(p.pending, p.gain), true)
	if err != nil {
		return nil, err
	}
	p.pending = nil
	return []wsutil.Message{wsutil.Binary(frame)}, nil
}

func (p *protocol) Decode(messageType int, payload []byte) ([]domain.RecognitionEvent, bool, error) {
	if messageType != websocket.BinaryMessage {
		return nil, false, nil
	}
	resp, err := parseResponse(payload)
	if err != nil {
		return nil, false, domain.NewError(domain.ErrorKindProtocol, Name, err)
	}
	if resp.Code != 0 || resp.MessageType == msgServerError {
		return nil, false, serverError(resp)
	}

	var events []domain.RecognitionEvent
	if resp.Payload != nil && resp.Payload.Result != nil {
		if text := strings.TrimSpace(resp.Payload.Result.Text); text != "" && text != p.text {
			p.text = text
			if !resp.Last {
				events = append(events, domain.Partial(text))
			}
		}
	}
	if resp.Last {
		events = append(events, domain.Final(p.text))
		return events, true, nil
	}
	return events, false, nil
}

func (p *protocol) Closed(bool) []domain.RecognitionEvent { return nil }

func serverError(resp response) error {
	message := ""
	if resp.Payload != nil {
		message = strings.TrimSpace(resp.Payload.Error)
	}
	if message == "" {
		message = "no details"
	}
	kind := domain.ErrorKindProtocol
	if resp.Code == 45000010 || resp.Code == 45000030 {
		kind = domain.ErrorKindAuth
	}
	return domain.Errorf(kind, Name, fmt.Sprintf("server error %d: %s", resp.Code, message))
}

// amplify scales PCM16 LE samples by gain, clipping to the int16 range.
func amplify(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	if gain == 1 {
		return out
	}
	for i := 0; i+1 < len(out); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(out[i:])))
		scaled := math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(sample*gain)))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}

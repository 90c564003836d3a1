package doubao

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
)

type clientFrame struct {
	messageType byte
	flags       byte
	seq         int32
	payload     []byte
}

func parseClientFrame(raw []byte) (clientFrame, error) {
	if len(raw) < 12 {
		return clientFrame{}, errShortFrame
	}
	size := binary.BigEndian.Uint32(raw[8:12])
	if int(size) > len(raw)-12 {
		return clientFrame{}, errShortFrame
	}
	payload, err := gunzipBytes(raw[12 : 12+size])
	if err != nil {
		return clientFrame{}, err
	}
	return clientFrame{
		messageType: raw[1] >> 4,
		flags:       raw[1] & 0x0f,
		seq:         int32(binary.BigEndian.Uint32(raw[4:8])),
		payload:     payload,
	}, nil
}

func decodeClientFrame(t *testing.T, raw []byte) clientFrame {
	t.Helper()
	frame, err := parseClientFrame(raw)
	if err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	return frame
}

func serverFrame(seq int32, last bool, body any) []byte {
	payload, _ := json.Marshal(body)
	compressed, _ := gzipBytes(payload)
	flags := byte(flagPositiveSequence)
	if last {
		flags = flagNegativeWithSequence
		seq = -seq
	}
	var buf bytes.Buffer
	buf.Write(header(msgFullServerResponse, flags, serializationJSON, compressionGzip))
	_ = binary.Write(&buf, binary.BigEndian, seq)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes()
}

func errorFrame(code uint32, message string) []byte {
	compressed, _ := gzipBytes([]byte(message))
	var buf bytes.Buffer
	buf.Write(header(msgServerError, 0, serializationJSON, compressionGzip))
	_ = binary.Write(&buf, binary.BigEndian, code)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(compressed)))
	buf.Write(compressed)
	return buf.Bytes()
}

func resultBody(text string) map[string]any {
	return map[string]any{"result": map[string]any{"text": text}}
}

func testConfig(endpoint string) domain.ProviderConfig {
	return domain.ProviderConfig{
		Credentials: map[string]string{CredentialAppID: "app", CredentialAccessToken: "token"},
		Endpoint:    endpoint,
		Options:     map[string]string{"gain": "1"},
	}
}

func TestConfigFromDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFrom(domain.ProviderConfig{
		Credentials: map[string]string{CredentialAppID: "app", CredentialAccessToken: "token"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != defaultURL || cfg.ResourceID != defaultResourceID {
		t.Fatalf("unexpected endpoint defaults: %+v", cfg)
	}
	if cfg.segmentBytes() != 6400 {
		t.Fatalf("expected 6400-byte segments, got %d", cfg.segmentBytes())
	}
	if cfg.Gain != 2 {
		t.Fatalf("expected default gain 2, got %v", cfg.Gain)
	}
}

func TestConfigFromRequiresCredentials(t *testing.T) {
	t.Parallel()

	for _, creds := range []map[string]string{
		nil,
		{CredentialAppID: "app"},
		{CredentialAccessToken: "token"},
	} {
		_, err := ConfigFrom(domain.ProviderConfig{Credentials: creds})
		if domain.KindOf(err) != domain.ErrorKindConfig {
			t.Fatalf("expected config error for %v, got %v", creds, err)
		}
	}
}

func TestConfigFromRejectsBadOptions(t *testing.T) {
	t.Parallel()

	for _, opts := range []map[string]string{
		{"segment_duration_ms": "0"},
		{"segment_duration_ms": "abc"},
		{"gain": "-1"},
	} {
		pc := testConfig("")
		pc.Options = opts
		if _, err := ConfigFrom(pc); domain.KindOf(err) != domain.ErrorKindConfig {
			t.Fatalf("expected config error for %v, got %v", opts, err)
		}
	}
}

func TestEncodeAudioNegatesLastSequence(t *testing.T) {
	t.Parallel()

	raw, err := encodeAudio(7, []byte{1, 2}, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame := decodeClientFrame(t, raw)
	if frame.messageType != msgAudioOnlyRequest || frame.flags != flagNegativeWithSequence {
		t.Fatalf("unexpected header: %+v", frame)
	}
	if frame.seq != -7 {
		t.Fatalf("expected negated sequence, got %d", frame.seq)
	}
	if !bytes.Equal(frame.payload, []byte{1, 2}) {
		t.Fatalf("unexpected payload: %v", frame.payload)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	resp, err := parseResponse(serverFrame(3, true, resultBody("hi")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !resp.Last || resp.Sequence != -3 || resp.Payload == nil || resp.Payload.Result.Text != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp, err = parseResponse(errorFrame(45000001, "bad request"))
	if err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	if resp.Code != 45000001 || resp.Payload.Error != "bad request" {
		t.Fatalf("unexpected error response: %+v", resp)
	}

	if _, err := parseResponse([]byte{0x11}); err == nil {
		t.Fatalf("expected short frame error")
	}
}

func TestProtocolBatchesSegments(t *testing.T) {
	t.Parallel()

	p := &protocol{segmentBytes: 4, gain: 1, seq: 2}
	msgs, err := p.EncodeAudio([]byte{1, 2, 3})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected buffering, got %d msgs err=%v", len(msgs), err)
	}
	msgs, err = p.EncodeAudio([]byte{4, 5, 6, 7, 8, 9, 10})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected two segments, got %d", len(msgs))
	}
	if got := decodeClientFrame(t, msgs[1].Data); got.seq != 3 || !bytes.Equal(got.payload, []byte{5, 6, 7, 8}) {
		t.Fatalf("unexpected second segment: %+v", got)
	}

	last, err := p.Finish()
	if err != nil || len(last) != 1 {
		t.Fatalf("finish: %d msgs err=%v", len(last), err)
	}
	got := decodeClientFrame(t, last[0].Data)
	if got.seq != -4 || !bytes.Equal(got.payload, []byte{9, 10}) {
		t.Fatalf("unexpected last packet: %+v", got)
	}
}

func TestProtocolFinishWithoutPendingAudio(t *testing.T) {
	t.Parallel()

	p := &protocol{segmentBytes: 4, gain: 1, seq: 2}
	last, err := p.Finish()
	if err != nil || len(last) != 1 {
		t.Fatalf("finish: %d msgs err=%v", len(last), err)
	}
	if got := decodeClientFrame(t, last[0].Data); got.seq != -2 || len(got.payload) != 0 {
		t.Fatalf("unexpected empty last packet: %+v", got)
	}
}

func TestProtocolDecode(t *testing.T) {
	t.Parallel()

	p := &protocol{}
	events, done, err := p.Decode(websocket.BinaryMessage, serverFrame(2, false, resultBody("hel")))
	if err != nil || done || len(events) != 1 || events[0].Text != "hel" {
		t.Fatalf("unexpected partial decode: %+v done=%v err=%v", events, done, err)
	}
	events, done, err = p.Decode(websocket.BinaryMessage, serverFrame(3, false, resultBody("hel")))
	if err != nil || done || len(events) != 0 {
		t.Fatalf("repeated text should not emit: %+v", events)
	}
	events, done, err = p.Decode(websocket.BinaryMessage, serverFrame(4, true, resultBody("hello")))
	if err != nil || !done {
		t.Fatalf("expected done, err=%v", err)
	}
	if len(events) != 1 || events[0].Type != domain.RecognitionFinal || events[0].Text != "hello" {
		t.Fatalf("unexpected final: %+v", events)
	}

	_, _, err = p.Decode(websocket.BinaryMessage, errorFrame(45000081, "timeout waiting"))
	if domain.KindOf(err) != domain.ErrorKindProtocol || !strings.Contains(err.Error(), "45000081") {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestAmplifyClips(t *testing.T) {
	t.Parallel()

	in := make([]byte, 6)
	binary.LittleEndian.PutUint16(in[0:], uint16(int16(100)))
	binary.LittleEndian.PutUint16(in[2:], uint16(int16(30000)))
	neg := int16(-30000)
	binary.LittleEndian.PutUint16(in[4:], uint16(neg))

	out := amplify(in, 2)
	if got := int16(binary.LittleEndian.Uint16(out[0:])); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:])); got != 32767 {
		t.Fatalf("expected positive clip, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[4:])); got != -32768 {
		t.Fatalf("expected negative clip, got %d", got)
	}
	if int16(binary.LittleEndian.Uint16(in[0:])) != 100 {
		t.Fatalf("input was modified")
	}
}

func TestProviderEndToEnd(t *testing.T) {
	t.Parallel()

	headersCh := make(chan http.Header, 1)
	framesCh := make(chan []clientFrame, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headersCh <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frames []clientFrame
		defer func() { framesCh <- frames }()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := parseClientFrame(raw)
			if err != nil {
				return
			}
			frames = append(frames, frame)
			switch {
			case frame.messageType == msgFullClientRequest:
				_ = conn.WriteMessage(websocket.BinaryMessage, serverFrame(1, false, map[string]any{}))
			case frame.seq < 0:
				_ = conn.WriteMessage(websocket.BinaryMessage, serverFrame(3, true, resultBody("ni hao")))
				return
			default:
				_ = conn.WriteMessage(websocket.BinaryMessage, serverFrame(frame.seq, false, resultBody("ni")))
			}
		}
	}))
	defer server.Close()

	pc := testConfig(wsURL(server.URL))
	pc.Options["segment_duration_ms"] = "1"
	p, err := NewProvider(pc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := p.Open(context.Background(), pc)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer stream.Close()

	// one segment is 32 bytes at 16 kHz mono for 1 ms
	if err := stream.SendAudio(domain.AudioFrame{Seq: 1, Data: make([]byte, 40)}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := stream.EndOfStream(); err != nil {
		t.Fatalf("end of stream failed: %v", err)
	}

	var events []domain.RecognitionEvent
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				done = true
				break
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("timed out; events so far: %+v", events)
		}
	}

	hdr := <-headersCh
	if hdr.Get("X-Api-App-Key") != "app" || hdr.Get("X-Api-Access-Key") != "token" {
		t.Fatalf("missing credentials in headers: %v", hdr)
	}
	if hdr.Get("X-Api-Request-Id") == "" || hdr.Get("X-Api-Resource-Id") != defaultResourceID {
		t.Fatalf("missing request headers: %v", hdr)
	}

	frames := <-framesCh
	if len(frames) != 3 {
		t.Fatalf("expected full request, one segment and last packet, got %d frames", len(frames))
	}
	if frames[1].seq != 2 || len(frames[1].payload) != 32 {
		t.Fatalf("unexpected audio segment: seq=%d len=%d", frames[1].seq, len(frames[1].payload))
	}
	if frames[2].seq != -3 || len(frames[2].payload) != 8 {
		t.Fatalf("unexpected last packet: seq=%d len=%d", frames[2].seq, len(frames[2].payload))
	}

	last := len(events) - 1
	if events[last].Type != domain.RecognitionClosed || events[last-1].Type != domain.RecognitionFinal {
		t.Fatalf("unexpected event tail: %+v", events)
	}
	if events[last-1].Text != "ni hao" {
		t.Fatalf("unexpected final text: %q", events[last-1].Text)
	}
}

func TestProviderOpenRejectsHandshakeError(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, errorFrame(45000030, `{"error":"invalid access token"}`))
	}))
	defer server.Close()

	pc := testConfig(wsURL(server.URL))
	p, err := NewProvider(pc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = p.Open(context.Background(), pc)
	if domain.KindOf(err) != domain.ErrorKindAuth || !strings.Contains(err.Error(), "invalid access token") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

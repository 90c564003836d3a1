package dashscope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
)

func resultEvent(text string, end bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"header": map[string]any{"event": eventResultGenerated},
		"payload": map[string]any{
			"output": map[string]any{
				"sentence": map[string]any{"text": text, "sentence_end": end},
			},
		},
	})
	return body
}

func headerEvent(event, code, message string) []byte {
	body, _ := json.Marshal(map[string]any{
		"header": map[string]any{"event": event, "error_code": code, "error_message": message},
	})
	return body
}

func TestConfigFromDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFrom(domain.ProviderConfig{Credentials: map[string]string{CredentialAPIKey: "k"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != defaultURL || cfg.Model != defaultModel || cfg.SampleRate != 16000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Punctuation != domain.PunctuationOn {
		t.Fatalf("expected punctuation on by default, got %q", cfg.Punctuation)
	}
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(domain.ProviderConfig{Credentials: map[string]string{CredentialAPIKey: "  "}}, nil)
	if domain.KindOf(err) != domain.ErrorKindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestProtocolAccumulatesSentences(t *testing.T) {
	t.Parallel()

	p := &protocol{taskID: "t"}
	steps := []struct {
		payload []byte
		want    string
	}{
		{resultEvent("你好", false), "你好"},
		{resultEvent("你好世界。", true), "你好世界。"},
		{resultEvent("今天", false), "你好世界。今天"},
		{resultEvent("今天天气好。", true), "你好世界。今天天气好。"},
	}
	for i, step := range steps {
		events, done, err := p.Decode(websocket.TextMessage, step.payload)
		if err != nil || done {
			t.Fatalf("step %d: unexpected done=%v err=%v", i, done, err)
		}
		if len(events) != 1 || events[0].Type != domain.RecognitionPartial || events[0].Text != step.want {
			t.Fatalf("step %d: unexpected events %+v", i, events)
		}
	}

	events, done, err := p.Decode(websocket.TextMessage, headerEvent(eventTaskFinished, "", ""))
	if err != nil || !done {
		t.Fatalf("expected done, err=%v", err)
	}
	if len(events) != 1 || events[0].Type != domain.RecognitionFinal || events[0].Text != "你好世界。今天天气好。" {
		t.Fatalf("unexpected final: %+v", events)
	}
}

func TestJoinSentencesSpacesLatinText(t *testing.T) {
	t.Parallel()

	if got := joinSentences([]string{"Hello there.", "How are you"}); got != "Hello there. How are you" {
		t.Fatalf("unexpected join: %q", got)
	}
	if got := joinSentences([]string{"你好。", "Hello"}); got != "你好。Hello" {
		t.Fatalf("unexpected mixed join: %q", got)
	}
}

func TestProtocolTaskFailedKinds(t *testing.T) {
	t.Parallel()

	p := &protocol{}
	_, _, err := p.Decode(websocket.TextMessage, headerEvent(eventTaskFailed, "InvalidApiKey", "bad key"))
	if domain.KindOf(err) != domain.ErrorKindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	_, _, err = p.Decode(websocket.TextMessage, headerEvent(eventTaskFailed, "InvalidParameter", "bad format"))
	if domain.KindOf(err) != domain.ErrorKindProtocol || !strings.Contains(err.Error(), "bad format") {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestFinishSendsFinishTask(t *testing.T) {
	t.Parallel()

	p := &protocol{taskID: "task-1"}
	msgs, err := p.Finish()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("finish: %d msgs err=%v", len(msgs), err)
	}
	var decoded clientMessage
	if err := json.Unmarshal(msgs[0].Data, &decoded); err != nil {
		t.Fatalf("decode finish-task: %v", err)
	}
	if decoded.Header.Action != "finish-task" || decoded.Header.TaskID != "task-1" {
		t.Fatalf("unexpected finish message: %s", msgs[0].Data)
	}
}

type runTaskRecord struct {
	auth  string
	run   clientMessage
	audio int
}

func TestProviderEndToEnd(t *testing.T) {
	t.Parallel()

	recordCh := make(chan runTaskRecord, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record := runTaskRecord{auth: r.Header.Get("Authorization")}
		defer func() { recordCh <- record }()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				record.audio += len(payload)
				_ = conn.WriteMessage(websocket.TextMessage, resultEvent("hello", false))
				continue
			}
			var msg clientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			switch msg.Header.Action {
			case "run-task":
				record.run = msg
				_ = conn.WriteMessage(websocket.TextMessage, headerEvent(eventTaskStarted, "", ""))
			case "finish-task":
				_ = conn.WriteMessage(websocket.TextMessage, resultEvent("hello world", true))
				_ = conn.WriteMessage(websocket.TextMessage, headerEvent(eventTaskFinished, "", ""))
				return
			}
		}
	}))
	defer server.Close()

	pc := domain.ProviderConfig{
		Credentials: map[string]string{CredentialAPIKey: "secret"},
		Endpoint:    "ws" + strings.TrimPrefix(server.URL, "http"),
		Language:    "en",
		Punctuation: domain.PunctuationSemantic,
	}
	p, err := NewProvider(pc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := p.Open(context.Background(), pc)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer stream.Close()

	if err := stream.SendAudio(domain.AudioFrame{Seq: 1, Data: make([]byte, 64)}); err != nil {
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

	record := <-recordCh
	if record.auth != "bearer secret" {
		t.Fatalf("unexpected auth header %q", record.auth)
	}
	if record.run.Payload.Model != defaultModel || record.run.Header.TaskID == "" {
		t.Fatalf("unexpected run-task: %+v", record.run)
	}
	params := record.run.Payload.Parameters
	if params == nil || !params.SemanticPunctuationEnabled || len(params.LanguageHints) != 1 || params.LanguageHints[0] != "en" {
		t.Fatalf("unexpected run-task parameters: %+v", params)
	}
	if record.audio != 64 {
		t.Fatalf("expected 64 audio bytes, got %d", record.audio)
	}

	last := len(events) - 1
	if events[0].Type != domain.RecognitionOpened || events[last].Type != domain.RecognitionClosed {
		t.Fatalf("unexpected event framing: %+v", events)
	}
	if events[last-1].Type != domain.RecognitionFinal || events[last-1].Text != "hello world" {
		t.Fatalf("unexpected final: %+v", events[last-1])
	}
}

func TestProviderOpenTaskFailed(t *testing.T) {
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
		_ = conn.WriteMessage(websocket.TextMessage, headerEvent(eventTaskFailed, "InvalidApiKey", "Invalid API-key provided."))
	}))
	defer server.Close()

	pc := domain.ProviderConfig{
		Credentials: map[string]string{CredentialAPIKey: "wrong"},
		Endpoint:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
	p, err := NewProvider(pc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = p.Open(context.Background(), pc)
	if domain.KindOf(err) != domain.ErrorKindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

package audio

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

func TestFFmpegCaptureStartReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	capture := NewFFmpegCapture(script, nil)

	session, err := capture.Start(context.Background(), ports.AudioConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer session.Close()

	buf := make([]byte, 8)
	n, readErr := session.Read(buf)
	if n <= 0 {
		t.Fatalf("expected audio bytes, got n=%d err=%v", n, readErr)
	}
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", string(buf[:n]))
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestFFmpegCaptureStopDrainsBufferedAudio(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "drain.sh",
		"#!/usr/bin/env bash\ntrap 'printf tail; exit 0' INT\nprintf 'head'\nwhile true; do sleep 0.05; done\n")
	capture := NewFFmpegCapture(script, nil)

	session, err := capture.Start(context.Background(), ports.AudioConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer session.Close()

	if err := session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(session)
		done <- data
	}()
	select {
	case data := <-done:
		if string(data) != "headtail" {
			t.Fatalf("expected buffered audio after stop, got %q", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("read did not reach EOF after stop")
	}
}

func TestFFmpegCaptureStartEarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	capture := NewFFmpegCapture(script, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := capture.Start(ctx, ports.AudioConfig{})
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if domain.KindOf(err) != domain.ErrorKindCapture {
		t.Fatalf("expected capture error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exited before capture started") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFFmpegCaptureMissingBinary(t *testing.T) {
	t.Parallel()

	capture := NewFFmpegCapture("voicetype-no-such-ffmpeg", nil)
	_, err := capture.Start(context.Background(), ports.AudioConfig{})
	if domain.KindOf(err) != domain.ErrorKindCapture || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected missing binary capture error, got %v", err)
	}
}

func TestStartupErrorDetectsBusyDevice(t *testing.T) {
	t.Parallel()

	err := startupError(nil, "[alsa] cannot open audio device default (Device or resource busy)\n")
	if !strings.Contains(err.Error(), "audio device busy") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFFmpegArgs(t *testing.T) {
	t.Parallel()

	args := strings.Join(ffmpegArgs(withAudioDefaults(ports.AudioConfig{InputFormat: "alsa", SampleRate: 8000})), " ")
	for _, want := range []string{"-f alsa", "-i default", "-ac 1", "-ar 8000", "-f s16le -"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %q", want, args)
		}
	}
}

func TestNormalizeStopErrExitErrorIsIgnored(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}

func TestTrimDetail(t *testing.T) {
	t.Parallel()

	if got := trimDetail("  hi\n"); got != "hi" {
		t.Fatalf("unexpected trim result: %q", got)
	}
	if got := trimDetail(strings.Repeat("x", 600) + "end"); len(got) != 512 || !strings.HasSuffix(got, "end") {
		t.Fatalf("expected tail of long stderr, got %d bytes", len(got))
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

const (
	defaultStartupGrace = 250 * time.Millisecond
	defaultStopGrace    = 1200 * time.Millisecond
)

// FFmpegCapture streams microphone PCM16 audio from an ffmpeg subprocess.
type FFmpegCapture struct {
	command      string
	startupGrace time.Duration
	stopGrace    time.Duration
	logger       *slog.Logger
}

func NewFFmpegCapture(command string, logger *slog.Logger) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegCapture{
		command:      command,
		startupGrace: defaultStartupGrace,
		stopGrace:    defaultStopGrace,
		logger:       logger.With(slog.String("component", "ffmpeg_capture")),
	}
}

// Start launches ffmpeg and waits a short grace period so devices that fail
// to open are reported here instead of on the first read.
func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withAudioDefaults(cfg)

	// stdout goes through our own pipe so Wait does not close the read end
	// before buffered audio has been drained.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindCapture, "ffmpeg", fmt.Errorf("failed to create stdout pipe: %w", err))
	}

	cmd := exec.CommandContext(ctx, c.command, ffmpegArgs(cfg)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, domain.Errorf(domain.ErrorKindCapture, "ffmpeg",
				fmt.Sprintf("%s not found; install ffmpeg or set VOICETYPE_FFMPEG_COMMAND", c.command))
		}
		return nil, domain.NewError(domain.ErrorKindCapture, "ffmpeg", fmt.Errorf("failed to start ffmpeg: %w", err))
	}
	_ = pw.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = pr.Close()
		return nil, startupError(err, stderr.String())
	case <-time.After(c.startupGrace):
	}

	c.logger.Debug("ffmpeg capture started",
		slog.String("input_format", cfg.InputFormat),
		slog.String("input_device", cfg.InputDevice),
		slog.Int("sample_rate", cfg.SampleRate))

	return &ffmpegSession{
		stdout:    pr,
		stderr:    &stderr,
		process:   cmd.Process,
		waitErr:   waitErr,
		stopGrace: c.stopGrace,
	}, nil
}

func withAudioDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func ffmpegArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func startupError(err error, stderr string) error {
	detail := trimDetail(stderr)
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "busy"):
		return domain.Errorf(domain.ErrorKindCapture, "ffmpeg", "audio device busy: "+detail)
	case err != nil && detail != "":
		return domain.NewError(domain.ErrorKindCapture, "ffmpeg",
			fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail))
	case err != nil:
		return domain.NewError(domain.ErrorKindCapture, "ffmpeg",
			fmt.Errorf("ffmpeg exited before capture started: %w", err))
	default:
		return domain.Errorf(domain.ErrorKindCapture, "ffmpeg", "ffmpeg exited before capture started")
	}
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process   *os.Process
	waitErr   <-chan error
	stopGrace time.Duration

	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
}

// Read returns buffered PCM until ffmpeg exits, then io.EOF.
func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	err := s.Stop()
	s.closeOnce.Do(func() {
		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && err == nil {
			err = closeErr
		}
	})
	return err
}

// Stop interrupts ffmpeg so it flushes and exits, escalating to kill after
// the stop grace period.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(s.stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimDetail(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimDetail(input string) string {
	input = strings.TrimSpace(input)
	if len(input) > 512 {
		input = input[len(input)-512:]
	}
	return input
}

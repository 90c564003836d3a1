// Package portaudio captures microphone audio through the PortAudio library.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

const (
	defaultFramesPerBuffer = 1024
	stopTimeout            = time.Second
)

// Capture opens PortAudio input streams producing PCM16 LE bytes.
type Capture struct {
	framesPerBuffer int
	logger          *slog.Logger
}

func NewCapture(framesPerBuffer int, logger *slog.Logger) *Capture {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With(slog.String("component", "portaudio_capture")),
	}
}

func (c *Capture) Start(_ context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	if err := pa.Initialize(); err != nil {
		return nil, domain.NewError(domain.ErrorKindCapture, "portaudio", fmt.Errorf("init failed: %w", err))
	}

	in := make([]int16, c.framesPerBuffer*cfg.Channels)
	stream, err := c.open(cfg, in)
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, domain.NewError(domain.ErrorKindCapture, "portaudio", fmt.Errorf("start stream failed: %w", err))
	}

	pr, pw := io.Pipe()
	s := &session{
		stream: stream,
		in:     in,
		reader: pr,
		writer: pw,
		logger: c.logger,
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (c *Capture) open(cfg ports.AudioConfig, in []int16) (*pa.Stream, error) {
	name := strings.TrimSpace(cfg.InputDevice)
	if name == "" || strings.EqualFold(name, "default") {
		stream, err := pa.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), c.framesPerBuffer, in)
		if err != nil {
			return nil, domain.NewError(domain.ErrorKindCapture, "portaudio", fmt.Errorf("open stream failed: %w", err))
		}
		return stream, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindCapture, "portaudio", fmt.Errorf("list devices failed: %w", err))
	}
	device := pickDevice(devices, name)
	if device == nil {
		return nil, domain.Errorf(domain.ErrorKindCapture, "portaudio", fmt.Sprintf("no input device matches %q", name))
	}

	params := pa.LowLatencyParameters(device, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = c.framesPerBuffer
	stream, err := pa.OpenStream(params, in)
	if err != nil {
		return nil, domain.NewError(domain.ErrorKindCapture, "portaudio", fmt.Errorf("open %q failed: %w", device.Name, err))
	}
	c.logger.Debug("portaudio device selected", slog.String("device", device.Name))
	return stream, nil
}

// pickDevice returns the first input device whose name matches exactly,
// falling back to a case-insensitive substring match.
func pickDevice(devices []*pa.DeviceInfo, name string) *pa.DeviceInfo {
	var partial *pa.DeviceInfo
	for _, d := range devices {
		if d == nil || d.MaxInputChannels <= 0 {
			continue
		}
		if d.Name == name {
			return d
		}
		if partial == nil && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			partial = d
		}
	}
	return partial
}

type session struct {
	stream *pa.Stream
	in     []int16
	reader *io.PipeReader
	writer *io.PipeWriter
	logger *slog.Logger

	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// pump copies device buffers into the pipe until stopped.
func (s *session) pump() {
	defer close(s.done)
	defer func() {
		_ = s.stream.Stop()
		_ = s.stream.Close()
		_ = pa.Terminate()
	}()

	buf := make([]byte, len(s.in)*2)
	for !s.stopping.Load() {
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				s.logger.Debug("portaudio input overflowed")
				continue
			}
			_ = s.writer.CloseWithError(domain.NewError(domain.ErrorKindCapture, "portaudio", err))
			return
		}
		encodePCM16(buf, s.in)
		if _, err := s.writer.Write(buf); err != nil {
			return
		}
	}
	_ = s.writer.Close()
}

func (s *session) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Stop ends capture after the buffer in flight; reads then return io.EOF.
func (s *session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
	})
	select {
	case <-s.done:
		return nil
	case <-time.After(stopTimeout):
		// unblock a pump stuck writing to an abandoned reader
		_ = s.reader.Close()
		return domain.Errorf(domain.ErrorKindCapture, "portaudio", "stream did not stop in time")
	}
}

func (s *session) Close() error {
	err := s.Stop()
	_ = s.reader.Close()
	return err
}

// encodePCM16 writes samples as little-endian bytes into dst.
func encodePCM16(dst []byte, samples []int16) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
}

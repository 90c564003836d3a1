package usecase

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

const (
	defaultChunkSize  = 3200
	defaultQueueDepth = 6
	minQueueDepth     = 4
	maxQueueDepth     = 8
)

// captureLoop reads fixed-size frames from the device and forwards them in
// order to the recognition stream through a bounded drop-oldest queue.
type captureLoop struct {
	audio     ports.AudioSession
	stream    ports.RecognitionStream
	chunkSize int
	logger    *slog.Logger
	onFatal   func(error)
	now       func() time.Time

	queue chan domain.AudioFrame
	seq   uint64

	stopOnce sync.Once
	stopping atomic.Bool
	aborted  atomic.Bool
	failed   atomic.Bool

	dropped atomic.Int64
	lastSent atomic.Uint64

	readerDone chan struct{}
	senderDone chan struct{}
}

func newCaptureLoop(
	audio ports.AudioSession,
	stream ports.RecognitionStream,
	chunkSize int,
	depth int,
	logger *slog.Logger,
	onFatal func(error),
) *captureLoop {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &captureLoop{
		audio:      audio,
		stream:     stream,
		chunkSize:  chunkSize,
		logger:     logger,
		onFatal:    onFatal,
		now:        time.Now,
		queue:      make(chan domain.AudioFrame, clampDepth(depth)),
		readerDone: make(chan struct{}),
		senderDone: make(chan struct{}),
	}
}

func clampDepth(depth int) int {
	if depth <= 0 {
		return defaultQueueDepth
	}
	if depth < minQueueDepth {
		return minQueueDepth
	}
	if depth > maxQueueDepth {
		return maxQueueDepth
	}
	return depth
}

func (l *captureLoop) Start() {
	go l.readLoop()
	go l.sendLoop()
}

// Finish stops the device; buffered audio is flushed before end-of-stream.
func (l *captureLoop) Finish() {
	l.stopDevice()
}

// Abort stops the device and discards queued audio without end-of-stream.
func (l *captureLoop) Abort() {
	l.aborted.Store(true)
	l.stopDevice()
}

// Done is closed once every queued frame has been handled.
func (l *captureLoop) Done() <-chan struct{} {
	return l.senderDone
}

func (l *captureLoop) Dropped() int64 {
	return l.dropped.Load()
}

func (l *captureLoop) stopDevice() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		go func() {
			if err := l.audio.Stop(); err != nil {
				l.logger.Warn("audio capture did not stop cleanly", slog.Any("error", err))
			}
		}()
	})
}

func (l *captureLoop) readLoop() {
	defer close(l.readerDone)
	defer close(l.queue)

	buf := make([]byte, l.chunkSize)
	for {
		n, err := io.ReadFull(l.audio, buf)
		if n > 0 && !l.aborted.Load() {
			l.seq++
			l.push(domain.AudioFrame{
				Seq:        l.seq,
				Data:       append([]byte(nil), buf[:n]...),
				CapturedAt: l.now(),
			})
		}
		if err == nil {
			continue
		}
		if l.stopping.Load() || l.aborted.Load() {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			l.fail(domain.Errorf(domain.ErrorKindCapture, "read audio", "audio device closed unexpectedly"))
			return
		}
		l.fail(domain.NewError(domain.ErrorKindCapture, "read audio", err))
		return
	}
}

// push never blocks: when the queue is full the oldest frame is dropped.
func (l *captureLoop) push(frame domain.AudioFrame) {
	for {
		select {
		case l.queue <- frame:
			return
		default:
		}
		select {
		case old := <-l.queue:
			l.dropped.Add(1)
			l.logger.Warn("audio frame dropped: send queue saturated",
				slog.Uint64("seq", old.Seq), slog.Int64("dropped", l.dropped.Load()))
		default:
		}
	}
}

func (l *captureLoop) sendLoop() {
	defer close(l.senderDone)

	for frame := range l.queue {
		if l.aborted.Load() || l.failed.Load() {
			continue
		}
		if err := l.stream.SendAudio(frame); err != nil {
			l.fail(sendError("send audio", err))
			continue
		}
		l.lastSent.Store(frame.Seq)
	}

	if l.aborted.Load() || l.failed.Load() {
		return
	}
	if err := l.stream.EndOfStream(); err != nil {
		l.fail(sendError("end of stream", err))
		return
	}
	l.logger.Debug("audio flushed to provider",
		slog.Uint64("frames", l.lastSent.Load()), slog.Int64("dropped", l.dropped.Load()))
}

func (l *captureLoop) fail(err error) {
	if l.aborted.Load() {
		return
	}
	if l.failed.CompareAndSwap(false, true) {
		l.onFatal(err)
	}
}

func sendError(op string, err error) error {
	kind := domain.KindOf(err)
	if kind == domain.ErrorKindUnknown {
		kind = domain.ErrorKindNetwork
	}
	return domain.NewError(kind, op, err)
}

package wsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voicetype/internal/domain"
)

var (
	ErrStreamFinished = errors.New("audio stream already finished")
	ErrStreamClosed   = errors.New("recognition stream closed")
)

const (
	defaultSendTimeout = 2 * time.Second
	defaultAudioQueue  = 32
)

// Message is one outgoing websocket frame.
type Message struct {
	Type int
	Data []byte
}

func Binary(data []byte) Message { return Message{Type: websocket.BinaryMessage, Data: data} }

func Text(data []byte) Message { return Message{Type: websocket.TextMessage, Data: data} }

// Protocol adapts a provider's wire format to the shared stream.
type Protocol interface {
	// EncodeAudio returns the frames carrying one audio chunk. It may buffer.
	EncodeAudio(data []byte) ([]Message, error)
	// Finish returns the frames that end the audio stream.
	Finish() ([]Message, error)
	// Decode maps one server frame to events; done reports that the server
	// has delivered everything it will send.
	Decode(messageType int, payload []byte) (events []domain.RecognitionEvent, done bool, err error)
	// Closed returns trailing events when the server closes the connection
	// normally without signaling done.
	Closed(finishing bool) []domain.RecognitionEvent
}

// Options tune a Stream.
type Options struct {
	Logger      *slog.Logger
	SendTimeout time.Duration
	AudioQueue  int
}

// Stream runs a read loop and a write loop over one websocket connection.
// Only the write loop writes data frames; only the read loop emits events.
type Stream struct {
	conn     *websocket.Conn
	protocol Protocol
	logger   *slog.Logger

	sendTimeout time.Duration

	events  chan domain.RecognitionEvent
	audio   chan []byte
	stop    chan struct{}
	closing chan struct{}
	done    chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	sendMu     sync.RWMutex
	sendClosed bool
	finishing  atomic.Bool

	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewStream starts the loops. Handshake frames must already be exchanged.
func NewStream(conn *websocket.Conn, protocol Protocol, opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.AudioQueue <= 0 {
		opts.AudioQueue = defaultAudioQueue
	}

	s := &Stream{
		conn:        conn,
		protocol:    protocol,
		logger:      opts.Logger,
		sendTimeout: opts.SendTimeout,
		events:      make(chan domain.RecognitionEvent, 64),
		audio:       make(chan []byte, opts.AudioQueue),
		stop:        make(chan struct{}),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.events <- domain.Opened()

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		_ = conn.Close()
		close(s.done)
	}()
	return s
}

// SendAudio queues a frame for the write loop, failing with a timeout error
// when the provider does not keep up.
func (s *Stream) SendAudio(frame domain.AudioFrame) error {
	if len(frame.Data) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return ErrStreamFinished
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case s.audio <- frame.Data:
		return nil
	case <-s.stop:
		if err := s.Err(); err != nil {
			return err
		}
		return domain.NewError(domain.ErrorKindNetwork, "send audio", ErrStreamClosed)
	case <-timer.C:
		return domain.Errorf(domain.ErrorKindTimeout, "send audio",
			fmt.Sprintf("provider did not accept audio within %s", s.sendTimeout))
	}
}

// EndOfStream lets the write loop drain queued audio, then send the
// protocol's finish frames.
func (s *Stream) EndOfStream() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	s.finishing.Store(true)
	close(s.audio)
	return nil
}

func (s *Stream) Events() <-chan domain.RecognitionEvent {
	return s.events
}

// Close tears the connection down immediately and waits for both loops.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.shutdown()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Done is closed once both loops have exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the first transport error.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Stream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case chunk, ok := <-s.audio:
			if !ok {
				msgs, err := s.protocol.Finish()
				if err != nil {
					s.failWrite(domain.NewError(domain.ErrorKindProtocol, "finish", err))
					return
				}
				if err := s.write(msgs); err != nil {
					s.failWrite(domain.NewError(domain.ErrorKindNetwork, "finish", err))
				}
				return
			}
			msgs, err := s.protocol.EncodeAudio(chunk)
			if err != nil {
				s.failWrite(domain.NewError(domain.ErrorKindProtocol, "encode audio", err))
				return
			}
			if err := s.write(msgs); err != nil {
				s.failWrite(domain.NewError(domain.ErrorKindNetwork, "send audio", err))
				return
			}
		}
	}
}

func (s *Stream) write(msgs []Message) error {
	for _, msg := range msgs {
		if err := s.conn.WriteMessage(msg.Type, msg.Data); err != nil {
			return err
		}
	}
	return nil
}

// failWrite records the error and closes the socket so the read loop reports it.
func (s *Stream) failWrite(err error) {
	s.setErr(err)
	s.shutdown()
	_ = s.conn.Close()
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.readEnded(err)
			return
		}

		events, done, err := s.protocol.Decode(messageType, payload)
		for _, event := range events {
			s.emit(event)
		}
		if err != nil {
			kind := domain.KindOf(err)
			if kind == domain.ErrorKindUnknown {
				kind = domain.ErrorKindProtocol
			}
			s.setErr(err)
			s.emit(domain.Failure(kind, err.Error()))
			s.finishRead()
			return
		}
		if done {
			s.finishRead()
			return
		}
	}
}

func (s *Stream) finishRead() {
	s.emit(domain.Closed())
	s.shutdown()
	_ = s.conn.Close()
}

func (s *Stream) readEnded(err error) {
	s.shutdown()
	if s.isClosing() {
		return
	}

	switch werr := s.Err(); {
	case werr != nil:
		kind := domain.KindOf(werr)
		if kind == domain.ErrorKindUnknown {
			kind = domain.ErrorKindNetwork
		}
		s.emit(domain.Failure(kind, werr.Error()))
	case IsNormalClose(err):
		for _, event := range s.protocol.Closed(s.finishing.Load()) {
			s.emit(event)
		}
	default:
		s.setErr(err)
		s.emit(domain.Failure(domain.ErrorKindNetwork, fmt.Sprintf("read: %v", err)))
	}
	s.emit(domain.Closed())
}

func (s *Stream) emit(event domain.RecognitionEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

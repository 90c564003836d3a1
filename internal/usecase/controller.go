package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

var (
	ErrNotIdle        = errors.New("session controller is not idle")
	ErrAlreadyRunning = errors.New("session controller loop already running")
	errCloseTimeout   = errors.New("recognition stream did not close in time")
)

const (
	defaultConnectTimeout  = 5 * time.Second
	defaultFinalizeTimeout = 5 * time.Second
	defaultCloseGrace      = 2 * time.Second
	defaultMaxRecording    = 60 * time.Second
	inboxSize              = 64
)

// Config controls push-to-talk session behavior.
type Config struct {
	Audio           ports.AudioConfig
	Provider        domain.ProviderConfig
	ChunkSize       int
	QueueDepth      int
	ConnectTimeout  time.Duration
	FinalizeTimeout time.Duration
	CloseGrace      time.Duration
	MaxRecording    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	c.QueueDepth = clampDepth(c.QueueDepth)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = defaultFinalizeTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	if c.MaxRecording < 0 {
		c.MaxRecording = 0
	} else if c.MaxRecording == 0 {
		c.MaxRecording = defaultMaxRecording
	}
	c.Provider = c.Provider.Clone()
	return c
}

// SessionController runs the push-to-talk state machine. Hotkey edges and
// session goroutine messages are processed on a single loop, which is the
// only writer of session state.
type SessionController struct {
	capture   ports.AudioCapture
	providers ports.ProviderResolver
	injector  ports.TextInjector
	events    ports.EventSink
	logger    *slog.Logger
	newID     func() string

	edges chan domain.Edge
	inbox chan any

	running atomic.Bool
	stopped chan struct{}
	runCtx  context.Context

	mu      sync.Mutex
	cfg     Config
	current *activeSession
	gen     uint64

	cbMu     sync.RWMutex
	onResult func(text string, result domain.InjectionResult)
	onError  func(kind domain.ErrorKind, message string)

	statusMu sync.RWMutex
	status   domain.Status
	last     domain.Session
}

func NewSessionController(
	capture ports.AudioCapture,
	providers ports.ProviderResolver,
	injector ports.TextInjector,
	events ports.EventSink,
	logger *slog.Logger,
	cfg Config,
) *SessionController {
	if events == nil {
		events = noopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionController{
		capture:   capture,
		providers: providers,
		injector:  injector,
		events:    events,
		logger:    logger,
		newID:     func() string { return xid.New().String() },
		edges:     make(chan domain.Edge, 8),
		inbox:     make(chan any, inboxSize),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		cfg:       cfg.withDefaults(),
		status:    domain.Status{State: domain.SessionStateIdle},
	}
}

// OnResult registers the callback invoked with each injected transcript.
func (c *SessionController) OnResult(fn func(text string, result domain.InjectionResult)) {
	c.cbMu.Lock()
	c.onResult = fn
	c.cbMu.Unlock()
}

// OnError registers the callback invoked for every surfaced failure.
func (c *SessionController) OnError(fn func(kind domain.ErrorKind, message string)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

// Start behaves like a hotkey press.
func (c *SessionController) Start() { c.enqueueEdge(domain.EdgePress) }

// Stop behaves like a hotkey release.
func (c *SessionController) Stop() { c.enqueueEdge(domain.EdgeRelease) }

func (c *SessionController) enqueueEdge(edge domain.Edge) {
	select {
	case c.edges <- edge:
	default:
		c.logger.Warn("controller edge dropped: queue full", slog.String("edge", edge.String()))
	}
}

// IsRecording reports whether the microphone is held by a session.
func (c *SessionController) IsRecording() bool {
	switch c.Status().State {
	case domain.SessionStateStarting, domain.SessionStateRecording, domain.SessionStateStopping:
		return true
	default:
		return false
	}
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// LastSession returns a snapshot of the most recent session.
func (c *SessionController) LastSession() domain.Session {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	out := c.last
	out.Provider = out.Provider.Clone()
	return out
}

// Reconfigure swaps the provider configuration. It is only allowed while idle
// and takes effect on the next press.
func (c *SessionController) Reconfigure(cfg domain.ProviderConfig) error {
	if _, err := c.providers.Resolve(cfg); err != nil {
		if domain.KindOf(err) == domain.ErrorKindUnknown {
			return domain.NewError(domain.ErrorKindConfig, "reconfigure", err)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return ErrNotIdle
	}
	c.cfg.Provider = cfg.Clone()
	c.logger.Info("provider reconfigured", slog.String("provider", cfg.Provider))
	return nil
}

// Run processes edges until ctx is done. It may only be called once.
func (c *SessionController) Run(ctx context.Context, edges <-chan domain.Edge) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.runCtx = ctx
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case edge, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			c.handleEdge(ctx, edge)
		case edge := <-c.edges:
			c.handleEdge(ctx, edge)
		case msg := <-c.inbox:
			c.handleMessage(msg)
		}
	}
}

func (c *SessionController) handleEdge(ctx context.Context, edge domain.Edge) {
	switch edge {
	case domain.EdgePress:
		c.handlePress(ctx)
	case domain.EdgeRelease:
		c.handleRelease()
	}
}

func (c *SessionController) handlePress(ctx context.Context) {
	c.mu.Lock()
	if c.current != nil {
		state := c.current.session.State
		c.mu.Unlock()
		c.logger.Debug("press ignored: session in progress", slog.String("state", string(state)))
		return
	}
	cfg := c.cfg
	cfg.Provider = c.cfg.Provider.Clone()
	c.mu.Unlock()

	provider, err := c.providers.Resolve(cfg.Provider)
	if err != nil {
		if domain.KindOf(err) == domain.ErrorKindUnknown {
			err = domain.NewError(domain.ErrorKindConfig, "resolve provider", err)
		}
		c.reportError(domain.KindOf(err), err.Error())
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.gen++
	sess := &activeSession{
		gen:    c.gen,
		cancel: cancel,
		session: domain.Session{
			ID:        c.newID(),
			State:     domain.SessionStateIdle,
			StartedAt: time.Now(),
			Provider:  cfg.Provider,
		},
		eventsDone: make(chan struct{}),
	}
	c.current = sess
	c.mu.Unlock()

	c.logger.Info("session starting",
		slog.String("session_id", sess.session.ID),
		slog.String("provider", provider.Name()))
	c.transition(sess, domain.SessionStateStarting, domain.SessionReasonConnecting)
	go c.startSession(sessionCtx, sess.gen, provider, cfg)
}

func (c *SessionController) handleRelease() {
	sess := c.current
	if sess == nil {
		return
	}
	switch sess.session.State {
	case domain.SessionStateStarting:
		sess.pendingRelease = true
	case domain.SessionStateRecording:
		c.beginStop(sess, domain.SessionReasonKeyReleased)
	default:
		c.logger.Debug("release ignored", slog.String("state", string(sess.session.State)))
	}
}

// startSession opens the provider stream and the microphone concurrently
// under the connect timeout, then reports back to the loop.
func (c *SessionController) startSession(ctx context.Context, gen uint64, provider ports.RecognitionProvider, cfg Config) {
	type startResult struct {
		audio  ports.AudioSession
		stream ports.RecognitionStream
		err    error
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	done := make(chan startResult, 1)
	go func() {
		var res startResult
		g, gctx := errgroup.WithContext(connectCtx)
		g.Go(func() error {
			stream, err := provider.Open(gctx, cfg.Provider)
			if err != nil {
				return classifyOpenError(err)
			}
			res.stream = stream
			return nil
		})
		g.Go(func() error {
			audio, err := c.capture.Start(ctx, cfg.Audio)
			if err != nil {
				return domain.NewError(domain.ErrorKindCapture, "start capture", err)
			}
			res.audio = audio
			return nil
		})
		res.err = g.Wait()
		done <- res
	}()

	var res startResult
	select {
	case res = <-done:
	case <-connectCtx.Done():
		go func() {
			late := <-done
			c.releaseStart(late.audio, late.stream)
		}()
		res.err = domain.NewError(domain.ErrorKindConnect, "start session",
			fmt.Errorf("no connection within %s: %w", cfg.ConnectTimeout, connectCtx.Err()))
	}

	if res.err != nil {
		c.releaseStart(res.audio, res.stream)
		c.post(startFailedMsg{gen: gen, err: res.err})
		return
	}
	if !c.post(startedMsg{gen: gen, audio: res.audio, stream: res.stream}) {
		c.releaseStart(res.audio, res.stream)
	}
}

func classifyOpenError(err error) error {
	switch domain.KindOf(err) {
	case domain.ErrorKindAuth, domain.ErrorKindConfig, domain.ErrorKindConnect:
		return err
	default:
		return domain.NewError(domain.ErrorKindConnect, "open recognition stream", err)
	}
}

func (c *SessionController) releaseStart(audio ports.AudioSession, stream ports.RecognitionStream) {
	if audio != nil {
		if err := audio.Stop(); err != nil {
			c.logger.Debug("stop audio after failed start", slog.Any("error", err))
		}
	}
	if stream != nil {
		if err := closeWithin(stream, c.closeGrace()); err != nil {
			c.logger.Debug("close stream after failed start", slog.Any("error", err))
		}
	}
}

func (c *SessionController) handleMessage(msg any) {
	switch m := msg.(type) {
	case startedMsg:
		c.handleStarted(m)
	case startFailedMsg:
		sess := c.session(m.gen)
		if sess == nil || sess.session.State != domain.SessionStateStarting {
			return
		}
		c.fail(sess, m.err, domain.SessionReasonStartFailed)
	case providerEventMsg:
		c.handleProviderEvent(m)
	case captureFatalMsg:
		sess := c.session(m.gen)
		if sess == nil || !streaming(sess.session.State) {
			return
		}
		reason := domain.SessionReasonProviderFailed
		if domain.KindOf(m.err) == domain.ErrorKindCapture {
			reason = domain.SessionReasonCaptureFailed
		}
		c.fail(sess, m.err, reason)
	case timerMsg:
		c.handleTimer(m)
	case injectedMsg:
		c.handleInjected(m)
	case teardownDoneMsg:
		sess := c.session(m.gen)
		if sess == nil || sess.session.State != domain.SessionStateFailed {
			return
		}
		c.finish(sess, domain.SessionReasonReady)
	}
}

func (c *SessionController) handleStarted(m startedMsg) {
	sess := c.session(m.gen)
	if sess == nil || sess.session.State != domain.SessionStateStarting {
		c.releaseStart(m.audio, m.stream)
		return
	}

	sess.audio = m.audio
	sess.stream = m.stream
	gen := sess.gen
	sess.loop = newCaptureLoop(m.audio, m.stream, c.cfg.ChunkSize, c.cfg.QueueDepth, c.logger,
		func(err error) { c.post(captureFatalMsg{gen: gen, err: err}) })

	go c.forwardEvents(gen, m.stream, sess.eventsDone)
	sess.loop.Start()
	c.transition(sess, domain.SessionStateRecording, domain.SessionReasonRecordingStarted)

	if c.cfg.MaxRecording > 0 {
		sess.maxTimer = time.AfterFunc(c.cfg.MaxRecording, func() {
			c.post(timerMsg{gen: gen, kind: timerMaxDuration})
		})
	}
	if sess.pendingRelease {
		c.beginStop(sess, domain.SessionReasonKeyReleased)
	}
}

func (c *SessionController) forwardEvents(gen uint64, stream ports.RecognitionStream, done chan struct{}) {
	defer close(done)
	for event := range stream.Events() {
		if !c.post(providerEventMsg{gen: gen, event: event}) {
			return
		}
	}
}

func (c *SessionController) handleProviderEvent(m providerEventMsg) {
	sess := c.session(m.gen)
	if sess == nil {
		return
	}
	state := sess.session.State
	event := m.event

	switch event.Type {
	case domain.RecognitionOpened:
		c.logger.Debug("recognition stream opened", slog.String("session_id", sess.session.ID))
	case domain.RecognitionPartial:
		if !streaming(state) {
			return
		}
		sess.session.Partial = event.Text
		c.updateStatus(sess, "")
		c.events.PartialTranscript(sess.session.ID, event.Text)
	case domain.RecognitionFinal:
		if !streaming(state) {
			return
		}
		sess.session.Final = event.Text
		sess.finalReceived = true
		if state == domain.SessionStateAwaitingFinal {
			c.complete(sess)
		}
	case domain.RecognitionError:
		if !streaming(state) {
			return
		}
		kind := event.ErrKind
		if kind == "" || kind == domain.ErrorKindUnknown {
			kind = domain.ErrorKindProtocol
		}
		c.fail(sess, domain.Errorf(kind, "recognition", event.Message), domain.SessionReasonProviderFailed)
	case domain.RecognitionClosed:
		switch state {
		case domain.SessionStateRecording:
			if sess.finalReceived {
				c.beginStop(sess, domain.SessionReasonTranscriptReady)
				return
			}
			c.fail(sess, domain.Errorf(domain.ErrorKindProtocol, "recognition",
				"stream closed while recording"), domain.SessionReasonProviderFailed)
		case domain.SessionStateStopping, domain.SessionStateAwaitingFinal:
			if sess.finalReceived {
				return
			}
			c.fail(sess, domain.Errorf(domain.ErrorKindProtocol, "recognition",
				"stream closed before a final result"), domain.SessionReasonProviderFailed)
		}
	}
}

func (c *SessionController) handleTimer(m timerMsg) {
	sess := c.session(m.gen)
	if sess == nil {
		return
	}
	switch m.kind {
	case timerMaxDuration:
		if sess.session.State == domain.SessionStateRecording {
			c.logger.Info("maximum recording duration reached",
				slog.String("session_id", sess.session.ID),
				slog.Duration("limit", c.cfg.MaxRecording))
			c.beginStop(sess, domain.SessionReasonMaxDuration)
		}
	case timerFinalize:
		if sess.session.State == domain.SessionStateAwaitingFinal {
			c.fail(sess, domain.Errorf(domain.ErrorKindTimeout, "finalize",
				fmt.Sprintf("no final result within %s", c.cfg.FinalizeTimeout)),
				domain.SessionReasonFinalizeTimeout)
		}
	}
}

// beginStop moves Recording to AwaitingFinal: capture stops, queued audio is
// flushed, end-of-stream is signaled and the finalize timer is armed.
func (c *SessionController) beginStop(sess *activeSession, reason domain.SessionStateReason) {
	if sess.maxTimer != nil {
		sess.maxTimer.Stop()
	}
	c.transition(sess, domain.SessionStateStopping, reason)
	sess.loop.Finish()

	gen := sess.gen
	sess.finalizeTimer = time.AfterFunc(c.cfg.FinalizeTimeout, func() {
		c.post(timerMsg{gen: gen, kind: timerFinalize})
	})
	c.transition(sess, domain.SessionStateAwaitingFinal, domain.SessionReasonTranscribing)

	if sess.finalReceived {
		c.complete(sess)
	}
}

func (c *SessionController) complete(sess *activeSession) {
	sess.stopTimers()
	text := sess.session.Final
	if strings.TrimSpace(text) == "" {
		c.fail(sess, domain.Errorf(domain.ErrorKindEmptyResult, "recognition",
			"provider returned an empty transcript"), domain.SessionReasonNoTranscript)
		return
	}

	c.transition(sess, domain.SessionStateCompleted, domain.SessionReasonTranscriptReady)

	gen := sess.gen
	ctx := c.runCtx
	go c.closeGracefully(sess)
	go func() {
		result, err := c.injector.Inject(ctx, text)
		c.post(injectedMsg{gen: gen, text: text, result: result, err: err})
	}()
}

func (c *SessionController) handleInjected(m injectedMsg) {
	sess := c.session(m.gen)
	if sess == nil || sess.session.State != domain.SessionStateCompleted {
		return
	}

	reason := domain.SessionReasonTranscriptInjected
	if m.err != nil {
		reason = domain.SessionReasonInjectionFailed
		err := m.err
		if domain.KindOf(err) != domain.ErrorKindInjection {
			err = domain.NewError(domain.ErrorKindInjection, "inject", err)
		}
		c.logger.Warn("transcript injection failed",
			slog.String("session_id", sess.session.ID), slog.Any("error", err))
		c.reportError(domain.ErrorKindInjection, err.Error())
	} else {
		c.logger.Info("transcript injected",
			slog.String("session_id", sess.session.ID),
			slog.String("method", string(m.result.Method)),
			slog.Int("chars", len([]rune(m.text))))
	}

	c.events.FinalTranscript(sess.session.ID, m.text, m.result)
	c.cbMu.RLock()
	onResult := c.onResult
	c.cbMu.RUnlock()
	if onResult != nil {
		onResult(m.text, m.result)
	}
	c.finish(sess, reason)
}

// fail moves the session to Failed, reports the error with the last partial
// transcript when there is one, and tears the session down in the background.
func (c *SessionController) fail(sess *activeSession, err error, reason domain.SessionStateReason) {
	sess.stopTimers()
	sess.session.Err = err
	kind := domain.KindOf(err)

	message := err.Error()
	if partial := strings.TrimSpace(sess.session.Partial); partial != "" {
		message = fmt.Sprintf("%s (last partial: %q)", message, partial)
	}

	c.logger.Warn("session failed",
		slog.String("session_id", sess.session.ID),
		slog.String("kind", string(kind)),
		slog.String("reason", string(reason)),
		slog.Any("error", err))
	c.transition(sess, domain.SessionStateFailed, reason)
	c.updateStatus(sess, message)
	c.reportError(kind, message)

	gen := sess.gen
	go func() {
		c.teardown(sess)
		c.post(teardownDoneMsg{gen: gen})
	}()
}

func (c *SessionController) finish(sess *activeSession, reason domain.SessionStateReason) {
	sess.cancel()
	c.transition(sess, domain.SessionStateIdle, reason)

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

// teardown releases the session's device and connection, bounded by the
// close grace period. It runs off the loop.
func (c *SessionController) teardown(sess *activeSession) {
	grace := c.closeGrace()
	if sess.loop != nil {
		sess.loop.Abort()
	} else if sess.audio != nil {
		_ = sess.audio.Stop()
	}
	if sess.stream != nil {
		if err := closeWithin(sess.stream, grace); err != nil {
			c.logger.Warn("recognition stream close", slog.Any("error", err))
		}
	}
	sess.cancel()
	if sess.loop != nil {
		waitFor(sess.loop.Done(), grace)
	}
	if sess.stream != nil {
		waitFor(sess.eventsDone, grace)
	}
}

// closeGracefully lets the provider finish its close handshake after the
// final result, then forces the connection down.
func (c *SessionController) closeGracefully(sess *activeSession) {
	grace := c.closeGrace()
	waitFor(sess.loop.Done(), grace)
	waitFor(sess.eventsDone, grace)
	if err := closeWithin(sess.stream, grace); err != nil {
		c.logger.Debug("recognition stream close", slog.Any("error", err))
	}
}

func (c *SessionController) shutdown() {
	c.mu.Lock()
	sess := c.current
	c.current = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.stopTimers()
	c.teardown(sess)
	c.logger.Info("controller stopped with active session", slog.String("session_id", sess.session.ID))
}

func (c *SessionController) transition(sess *activeSession, next domain.SessionState, reason domain.SessionStateReason) {
	from := sess.session.State
	if !canTransition(from, next) {
		c.logger.Error("invalid session transition",
			slog.String("from", string(from)), slog.String("to", string(next)))
		return
	}
	sess.session.State = next
	c.logger.Debug("session state",
		slog.String("session_id", sess.session.ID),
		slog.String("state", string(next)),
		slog.String("reason", string(reason)))
	c.updateStatus(sess, "")
	c.events.SessionStateChanged(sess.session.ID, next, reason)
}

func (c *SessionController) updateStatus(sess *activeSession, message string) {
	state := sess.session.State
	status := domain.Status{
		State:     state,
		Active:    state != domain.SessionStateIdle,
		SessionID: sess.session.ID,
		Partial:   sess.session.Partial,
		Message:   message,
	}
	if state == domain.SessionStateIdle {
		status = domain.Status{State: domain.SessionStateIdle}
	}

	c.statusMu.Lock()
	if message == "" && c.status.SessionID == sess.session.ID && state == c.status.State {
		status.Message = c.status.Message
	}
	c.status = status
	c.last = sess.session
	c.statusMu.Unlock()
}

func (c *SessionController) reportError(kind domain.ErrorKind, message string) {
	c.events.SessionError(kind, message)
	c.cbMu.RLock()
	onError := c.onError
	c.cbMu.RUnlock()
	if onError != nil {
		onError(kind, message)
	}
}

// session returns the active session when gen still matches it.
func (c *SessionController) session(gen uint64) *activeSession {
	sess := c.current
	if sess == nil || sess.gen != gen {
		return nil
	}
	return sess
}

func (c *SessionController) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *SessionController) closeGrace() time.Duration {
	return c.cfg.CloseGrace
}

func streaming(state domain.SessionState) bool {
	switch state {
	case domain.SessionStateRecording, domain.SessionStateStopping, domain.SessionStateAwaitingFinal:
		return true
	default:
		return false
	}
}

func closeWithin(stream ports.RecognitionStream, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- stream.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return errCloseTimeout
	}
}

func waitFor(ch <-chan struct{}, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

type noopSink struct{}

func (noopSink) SessionStateChanged(string, domain.SessionState, domain.SessionStateReason) {}
func (noopSink) PartialTranscript(string, string)                                         {}
func (noopSink) FinalTranscript(string, string, domain.InjectionResult)                   {}
func (noopSink) SessionError(domain.ErrorKind, string)                                    {}

package usecase

import (
	"context"
	"time"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

// activeSession is owned by the controller loop; no other goroutine touches it.
type activeSession struct {
	gen     uint64
	session domain.Session
	cancel  context.CancelFunc

	audio  ports.AudioSession
	stream ports.RecognitionStream
	loop   *captureLoop

	pendingRelease bool
	finalReceived  bool

	finalizeTimer *time.Timer
	maxTimer      *time.Timer
	eventsDone    chan struct{}
}

func (s *activeSession) stopTimers() {
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
	}
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
}

// Messages posted to the controller loop by session goroutines. Each carries
// the generation of the session that produced it so stale ones are dropped.

type startedMsg struct {
	gen    uint64
	audio  ports.AudioSession
	stream ports.RecognitionStream
}

type startFailedMsg struct {
	gen uint64
	err error
}

type providerEventMsg struct {
	gen   uint64
	event domain.RecognitionEvent
}

type captureFatalMsg struct {
	gen uint64
	err error
}

type timerKind int

const (
	timerFinalize timerKind = iota + 1
	timerMaxDuration
)

type timerMsg struct {
	gen  uint64
	kind timerKind
}

type injectedMsg struct {
	gen    uint64
	text   string
	result domain.InjectionResult
	err    error
}

type teardownDoneMsg struct {
	gen uint64
}

// validTransitions lists the forward edges of the session state machine.
var validTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionStateIdle:          {domain.SessionStateStarting},
	domain.SessionStateStarting:      {domain.SessionStateRecording, domain.SessionStateFailed},
	domain.SessionStateRecording:     {domain.SessionStateStopping, domain.SessionStateFailed},
	domain.SessionStateStopping:      {domain.SessionStateAwaitingFinal, domain.SessionStateFailed},
	domain.SessionStateAwaitingFinal: {domain.SessionStateCompleted, domain.SessionStateFailed},
	domain.SessionStateCompleted:     {domain.SessionStateIdle},
	domain.SessionStateFailed:        {domain.SessionStateIdle},
}

func canTransition(from, to domain.SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

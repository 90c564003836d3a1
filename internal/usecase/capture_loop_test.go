package usecase

import (
	"errors"
	"sync"
	"testing"
	"time"

	"voicetype/internal/domain"
)

func TestCaptureLoopFlushesThenSignalsEndOfStream(t *testing.T) {
	t.Parallel()

	audio := newFakeAudioSession([]byte("aaaa"), []byte("bbbb"))
	stream := newFakeStream()
	loop := newCaptureLoop(audio, stream, 4, 6, nil, func(err error) {
		t.Errorf("unexpected fatal error: %v", err)
	})
	loop.Start()
	waitUntil(t, func() bool { return len(stream.sentFrames()) == 2 })

	loop.Finish()
	waitFor(loop.Done(), time.Second)

	if stream.eosCalls() != 1 {
		t.Fatalf("expected end-of-stream after flush, got %d", stream.eosCalls())
	}
	if audio.stopCount() != 1 {
		t.Fatalf("expected device stop, got %d", audio.stopCount())
	}
}

func TestCaptureLoopAbortSkipsEndOfStream(t *testing.T) {
	t.Parallel()

	audio := newFakeAudioSession([]byte("aaaa"))
	stream := newFakeStream()
	loop := newCaptureLoop(audio, stream, 4, 6, nil, func(err error) {
		t.Errorf("abort must not report errors: %v", err)
	})
	loop.Start()
	loop.Abort()
	if !waitFor(loop.Done(), time.Second) {
		t.Fatalf("loop did not finish after abort")
	}
	if stream.eosCalls() != 0 {
		t.Fatalf("aborted loop must not signal end-of-stream")
	}
}

func TestCaptureLoopDropsOldestWhenSenderStalls(t *testing.T) {
	t.Parallel()

	chunks := make([][]byte, 20)
	for i := range chunks {
		chunks[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
	}
	audio := newFakeAudioSession(chunks...)
	stream := &gatedStream{fakeStream: newFakeStream(), gate: make(chan struct{})}
	loop := newCaptureLoop(audio, stream, 4, 4, nil, nil)
	loop.Start()

	waitUntil(t, func() bool { return loop.Dropped() > 0 })
	loop.Finish()
	close(stream.gate)
	waitFor(loop.Done(), time.Second)

	frames := stream.sentFrames()
	if len(frames) == 0 {
		t.Fatalf("expected some frames to be sent")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Seq <= frames[i-1].Seq {
			t.Fatalf("frames out of order: %d after %d", frames[i].Seq, frames[i-1].Seq)
		}
	}
	if last := frames[len(frames)-1].Seq; last != 20 {
		t.Fatalf("expected newest frame to survive, got seq %d", last)
	}
	if int64(len(frames))+loop.Dropped() != 20 {
		t.Fatalf("sent %d + dropped %d != 20", len(frames), loop.Dropped())
	}
}

func TestCaptureLoopReportsSendErrorAsNetwork(t *testing.T) {
	t.Parallel()

	audio := newFakeAudioSession([]byte("aaaa"))
	stream := newFakeStream()
	stream.sendErr = errors.New("broken pipe")

	var mu sync.Mutex
	var fatal []error
	loop := newCaptureLoop(audio, stream, 4, 6, nil, func(err error) {
		mu.Lock()
		fatal = append(fatal, err)
		mu.Unlock()
	})
	loop.Start()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fatal) == 1
	})
	loop.Abort()
	waitFor(loop.Done(), time.Second)

	mu.Lock()
	defer mu.Unlock()
	if domain.KindOf(fatal[0]) != domain.ErrorKindNetwork {
		t.Fatalf("expected network error, got %v", fatal[0])
	}
	if stream.eosCalls() != 0 {
		t.Fatalf("failed loop must not signal end-of-stream")
	}
}

func TestCaptureLoopUnexpectedDeviceEOFIsCaptureError(t *testing.T) {
	t.Parallel()

	audio := newFakeAudioSession([]byte("aaaa"))
	audio.Stop()
	stream := newFakeStream()

	errCh := make(chan error, 1)
	loop := newCaptureLoop(audio, stream, 4, 6, nil, func(err error) { errCh <- err })
	loop.Start()

	select {
	case err := <-errCh:
		if domain.KindOf(err) != domain.ErrorKindCapture {
			t.Fatalf("expected capture error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected fatal capture error")
	}
}

func TestClampDepth(t *testing.T) {
	t.Parallel()

	cases := map[int]int{0: 6, -1: 6, 1: 4, 5: 5, 8: 8, 50: 8}
	for in, want := range cases {
		if got := clampDepth(in); got != want {
			t.Fatalf("clampDepth(%d) = %d, want %d", in, got, want)
		}
	}
}

// gatedStream blocks every send until gate is closed.
type gatedStream struct {
	*fakeStream
	gate chan struct{}
}

func (g *gatedStream) SendAudio(frame domain.AudioFrame) error {
	<-g.gate
	return g.fakeStream.SendAudio(frame)
}

package hotkey

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"voicetype/internal/domain"
)

const defaultEdgeBuffer = 16

// EdgeDetector turns raw key-state callbacks into press/release edges.
//
// KeyDown and KeyUp are called from OS-owned delivery paths and never block:
// edges are queued on a buffered channel and dropped when it is full.
type EdgeDetector struct {
	logger *slog.Logger
	edges  chan domain.Edge

	mu      sync.Mutex
	pressed bool

	dropped atomic.Int64
}

func NewEdgeDetector(buffer int, logger *slog.Logger) *EdgeDetector {
	if buffer <= 0 {
		buffer = defaultEdgeBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EdgeDetector{
		logger: logger,
		edges:  make(chan domain.Edge, buffer),
	}
}

// KeyDown records a raw key-down. Auto-repeat while held is suppressed.
func (d *EdgeDetector) KeyDown() {
	d.mu.Lock()
	if d.pressed {
		d.mu.Unlock()
		return
	}
	d.pressed = true
	d.mu.Unlock()
	d.enqueue(domain.EdgePress)
}

// KeyUp records a raw key-up. Releases without a prior press are ignored.
func (d *EdgeDetector) KeyUp() {
	d.mu.Lock()
	if !d.pressed {
		d.mu.Unlock()
		return
	}
	d.pressed = false
	d.mu.Unlock()
	d.enqueue(domain.EdgeRelease)
}

// Reset forgets the held state, e.g. after the OS listener restarts.
func (d *EdgeDetector) Reset() {
	d.mu.Lock()
	d.pressed = false
	d.mu.Unlock()
}

// Pressed reports the current held flag.
func (d *EdgeDetector) Pressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pressed
}

// Edges returns the edge queue consumed by the session controller.
func (d *EdgeDetector) Edges() <-chan domain.Edge {
	return d.edges
}

// Dropped returns how many edges were discarded on a full queue.
func (d *EdgeDetector) Dropped() int64 {
	return d.dropped.Load()
}

func (d *EdgeDetector) enqueue(edge domain.Edge) {
	select {
	case d.edges <- edge:
	default:
		d.dropped.Add(1)
		d.logger.Warn("hotkey edge dropped: queue full", slog.String("edge", edge.String()))
	}
}

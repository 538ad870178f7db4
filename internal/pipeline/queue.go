package pipeline

import (
	"sync"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

// FrameQueue is a bounded admission queue between a frame source and the
// processing loop. When full, a new frame evicts the oldest queued frame.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []*ppe.Frame
	depth   int
	dropped int64
	closed  bool
	ready   chan struct{}
}

// NewFrameQueue creates a queue holding at most depth frames.
func NewFrameQueue(depth int) *FrameQueue {
	if depth < 1 {
		depth = 1
	}
	return &FrameQueue{
		frames: make([]*ppe.Frame, 0, depth),
		depth:  depth,
		ready:  make(chan struct{}, 1),
	}
}

// Push admits a frame. It returns the number of frames evicted (0 or 1).
// Frames pushed after Close are discarded and counted as dropped.
func (q *FrameQueue) Push(f *ppe.Frame) int {
	q.mu.Lock()
	evicted := 0
	switch {
	case q.closed:
		q.dropped++
		q.mu.Unlock()
		return 1
	case len(q.frames) == q.depth:
		copy(q.frames, q.frames[1:])
		q.frames[len(q.frames)-1] = f
		q.dropped++
		evicted = 1
	default:
		q.frames = append(q.frames, f)
	}
	q.mu.Unlock()

	q.notify()
	return evicted
}

// TryPop removes the oldest frame. ok is false when the queue is empty.
func (q *FrameQueue) TryPop() (f *ppe.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f = q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames[len(q.frames)-1] = nil
	q.frames = q.frames[:len(q.frames)-1]
	return f, true
}

// Ready is signalled after a push or close.
func (q *FrameQueue) Ready() <-chan struct{} {
	return q.ready
}

// Close marks the end of input. Queued frames can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Drained reports whether the queue is closed and empty.
func (q *FrameQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.frames) == 0
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were evicted or refused.
func (q *FrameQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *FrameQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

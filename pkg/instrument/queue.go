package instrument

import "sync"

// Queue is an unbounded FIFO of raw inbound lines. The reader goroutine
// pushes, the sequencer drains on its own cadence.
type Queue struct {
	mu    sync.Mutex
	lines []string
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a line.
func (q *Queue) Push(line string) {
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()
}

// Drain removes and returns every queued line in arrival order. It never
// blocks waiting for input.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.lines) == 0 {
		return nil
	}
	out := q.lines
	q.lines = nil
	return out
}

// Len returns the number of queued lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

package shell

import "sync"

// RingBuffer holds the most recent output lines so subscribers joining after
// startup still get context. Once count reaches capacity the oldest line is
// overwritten on every Write.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []OutputLine
	head  int // index of the oldest retained line
	count int
}

// NewRingBuffer creates a buffer retaining at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{lines: make([]OutputLine, capacity)}
}

// Write appends a line, evicting the oldest one when the buffer is full.
func (rb *RingBuffer) Write(line OutputLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count < len(rb.lines) {
		rb.lines[(rb.head+rb.count)%len(rb.lines)] = line
		rb.count++
		return
	}
	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % len(rb.lines)
}

// ReadAll returns the retained lines, oldest first.
func (rb *RingBuffer) ReadAll() []OutputLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]OutputLine, rb.count)
	for i := 0; i < rb.count; i++ {
		result[i] = rb.lines[(rb.head+i)%len(rb.lines)]
	}
	return result
}

// Len reports how many lines are currently retained.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap reports the retention limit.
func (rb *RingBuffer) Cap() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.lines)
}

package shell

import (
	"bufio"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const scannerBufSize = 1024 * 1024 // 1 MB

// readLoop scans one pipe line by line, recording non-empty lines in the
// history buffer, the session queue, and every subscriber.
func (s *Session) readLoop(pipe io.Reader, stream Stream) {
	defer s.readers.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)

	for s.running() && scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}

		line := OutputLine{Stream: stream, Text: text}
		s.history.Write(line)

		select {
		case s.queue <- line:
		default:
			// Queue full, drop rather than stall the shell.
		}

		s.fanOut(line)
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("scanner closed",
			zap.String("session", s.ID),
			zap.String("stream", string(stream)),
			zap.Error(err))
	}
}

// fanOut delivers a line to every subscriber in registration order. A
// panicking subscriber is isolated so the others still receive the line.
func (s *Session) fanOut(line OutputLine) {
	s.subMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.RUnlock()

	for _, sub := range subs {
		deliver(sub, line, s.logger)
	}
}

func deliver(sub subscriber, line OutputLine, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("output subscriber panicked",
				zap.String("subscription", sub.id), zap.Any("panic", r))
		}
	}()
	sub.fn(line)
}

// Subscribe registers a callback for every future output line and returns
// a subscription ID. Callbacks run synchronously on the reader goroutines
// in registration order.
func (s *Session) Subscribe(fn func(OutputLine)) string {
	id := uuid.New().String()
	s.subMu.Lock()
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subMu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (s *Session) Unsubscribe(id string) {
	s.subMu.Lock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.subMu.Unlock()
}

// History returns the buffered recent output in chronological order.
func (s *Session) History() []OutputLine {
	return s.history.ReadAll()
}

// Drain collects queued output lines until the timeout elapses, returning
// whatever accumulated. Lines already queued are returned immediately as
// they are read; Drain never blocks past the timeout.
func (s *Session) Drain(timeout time.Duration) []OutputLine {
	var lines []OutputLine
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case line := <-s.queue:
			lines = append(lines, line)
		case <-deadline.C:
			return lines
		}
	}
}

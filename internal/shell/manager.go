package shell

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager tracks all shell sessions and bridges their callback-style output
// to the channels the realtime layer consumes.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	pipes       map[string]map[string]*pipe // sessionID → subID → pipe
	maxSessions int
	pending     int // slots reserved by in-flight Creates, counted under mu
	base        Config
	logger      *zap.Logger
	onExit      func(sessionID string, code int)
}

// pipe is a subscriber channel guarded against the send/close race: a line
// arriving while Unsubscribe runs is dropped instead of panicking.
type pipe struct {
	mu     sync.Mutex
	ch     chan OutputLine
	closed bool
}

func (p *pipe) send(line OutputLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- line:
	default:
		// Subscriber channel full, drop the line.
	}
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
}

const subscriberBufCap = 256

// NewManager creates a session manager. base supplies the shell settings
// every new session starts from.
func NewManager(maxSessions int, base Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		pipes:       make(map[string]map[string]*pipe),
		maxSessions: maxSessions,
		base:        base,
		logger:      logger,
	}
}

// SetExitHandler registers a callback invoked whenever any session's shell
// process exits. Must be called before Create.
func (m *Manager) SetExitHandler(fn func(sessionID string, code int)) {
	m.onExit = fn
}

// Create spawns a new shell session in the given working directory. An
// empty workDir uses the manager's base directory.
func (m *Manager) Create(workDir, label string) (*Session, error) {
	// Count and reserve in one critical section so concurrent Creates cannot
	// both pass the cap check while neither has registered yet.
	m.mu.Lock()
	active := m.pending
	for _, sess := range m.sessions {
		if sess.State() == StateRunning {
			active++
		}
	}
	if active >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum session limit reached (%d)", m.maxSessions)
	}
	m.pending++
	m.mu.Unlock()

	cfg := m.base
	if workDir != "" {
		cfg.WorkingDir = workDir
	}

	sess := NewSession(cfg, m.logger)
	sess.Label = label
	if m.onExit != nil {
		id := sess.ID
		fn := m.onExit
		sess.SetExitHandler(func(code int) { fn(id, code) })
	}

	// Every session line also feeds the channel subscribers.
	sess.Subscribe(func(line OutputLine) {
		m.mu.RLock()
		subs := m.pipes[sess.ID]
		targets := make([]*pipe, 0, len(subs))
		for _, p := range subs {
			targets = append(targets, p)
		}
		m.mu.RUnlock()

		for _, p := range targets {
			p.send(line)
		}
	})

	if !sess.Start() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start shell session")
	}

	m.mu.Lock()
	m.pending--
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess.Info())
	}
	return result
}

// Kill stops a session's shell process. The session stays listed so
// clients can read its final state.
func (m *Manager) Kill(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Stop()
	return nil
}

// Subscribe creates a channel receiving output lines for a session, along
// with the buffered history recorded so far.
func (m *Manager) Subscribe(id string) (string, <-chan OutputLine, []OutputLine, error) {
	sess, err := m.Get(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	p := &pipe{ch: make(chan OutputLine, subscriberBufCap)}

	// Snapshot history before registering to avoid duplicated lines.
	history := sess.History()

	m.mu.Lock()
	if m.pipes[id] == nil {
		m.pipes[id] = make(map[string]*pipe)
	}
	m.pipes[id][subID] = p
	m.mu.Unlock()

	return subID, p.ch, history, nil
}

// Unsubscribe removes a channel subscription and closes its channel.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	m.mu.Lock()
	var p *pipe
	if subs, ok := m.pipes[sessionID]; ok {
		if p = subs[subID]; p != nil {
			delete(subs, subID)
		}
	}
	m.mu.Unlock()

	if p != nil {
		p.close()
	}
}

// Shutdown stops every running session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}

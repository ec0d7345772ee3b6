package shell

import (
	"time"
)

// State represents the lifecycle state of a shell session.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Stream distinguishes the two output pipes of the shell process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputLine is a single non-empty line read from the shell process.
type OutputLine struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// SessionInfo is the externally visible snapshot of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	State     State     `json:"state"`
	WorkDir   string    `json:"workDir"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	defaultQueueSize    = 1024
	defaultHistorySize  = 1000
	defaultSettleDelay  = 300 * time.Millisecond
	defaultQueryTimeout = 1500 * time.Millisecond
)

// Config controls how a session spawns and talks to its shell process.
type Config struct {
	// ShellPath overrides shell discovery. Empty selects PowerShell 7 when
	// installed, falling back to Windows PowerShell on PATH.
	ShellPath string

	// ShellArgs overrides the arguments passed to the shell. A nil slice
	// selects the interactive defaults; an empty non-nil slice passes none.
	ShellArgs []string

	// WorkingDir is the directory the shell starts in. Empty means the
	// current process directory.
	WorkingDir string

	// SettleDelay is how long directory queries wait for the shell to echo
	// its reply before collecting output.
	SettleDelay time.Duration

	// QueryTimeout bounds how long a directory query drains output.
	QueryTimeout time.Duration

	// QueueSize is the capacity of the session output queue. Lines beyond
	// a full queue are dropped rather than blocking the readers.
	QueueSize int

	// HistorySize is how many recent lines are kept for late subscribers.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

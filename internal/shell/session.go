// Package shell spawns and supervises interactive shell processes, relaying
// their line output to subscribers and injecting commands over stdin.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultShellPath  = `C:\Program Files\PowerShell\7\pwsh.exe`
	fallbackShellPath = "powershell.exe"

	naturalExitWait = 2 * time.Second
	termExitWait    = 1 * time.Second
	killExitWait    = 1 * time.Second
	readerJoinWait  = 1 * time.Second
)

// stdinWriter wraps the shell's stdin pipe with mutex protection so
// concurrent senders never interleave writes.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

type subscriber struct {
	id string
	fn func(OutputLine)
}

// Session owns one interactive shell process: its lifecycle, its output
// pump, and the command protocol spoken over stdin.
type Session struct {
	ID        string
	Label     string
	CreatedAt time.Time

	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex // guards cmd, stdin, state, exited, exitCode
	cmd      *exec.Cmd
	stdin    *stdinWriter
	state    State
	exited   chan struct{}
	exitCode int

	queue   chan OutputLine
	history *RingBuffer
	readers sync.WaitGroup

	subMu sync.RWMutex
	subs  []subscriber

	dirMu   sync.Mutex
	workDir string

	onExit func(code int)
}

// NewSession creates a stopped session with the given configuration.
// Call Start to spawn the shell process.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	workDir := cfg.WorkingDir
	if workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workDir = wd
		}
	}

	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		cfg:       cfg,
		logger:    logger,
		state:     StateStopped,
		queue:     make(chan OutputLine, cfg.QueueSize),
		history:   NewRingBuffer(cfg.HistorySize),
		workDir:   workDir,
	}
}

// SetExitHandler registers a callback invoked once when the shell process
// exits, with its exit code. Must be called before Start.
func (s *Session) SetExitHandler(fn func(code int)) {
	s.onExit = fn
}

// Start spawns the shell process and begins pumping its output. It returns
// false when the session is already running, the working directory is
// invalid, or the process fails to spawn. A failed Start leaves the session
// stopped and startable again.
func (s *Session) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.logger.Warn("shell already running", zap.String("session", s.ID))
		return false
	}

	workDir := s.BestKnownDir()
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		s.logger.Error("invalid working directory",
			zap.String("session", s.ID), zap.String("dir", workDir))
		return false
	}

	shellPath, shellArgs := s.resolveShell()
	cmd := exec.Command(shellPath, shellArgs...)
	cmd.Dir = workDir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		s.logger.Error("create stdin pipe", zap.Error(err))
		return false
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		s.logger.Error("create stdout pipe", zap.Error(err))
		return false
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinPipe.Close()
		s.logger.Error("create stderr pipe", zap.Error(err))
		return false
	}

	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		s.logger.Error("spawn shell", zap.String("shell", shellPath), zap.Error(err))
		return false
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.stdin = &stdinWriter{writer: stdinPipe}
	s.state = StateRunning
	s.exited = exited

	s.readers.Add(2)
	go s.readLoop(stdoutPipe, StreamStdout)
	go s.readLoop(stderrPipe, StreamStderr)
	go s.monitor(cmd, exited)

	s.logger.Info("shell started",
		zap.String("session", s.ID),
		zap.String("shell", shellPath),
		zap.String("dir", workDir),
		zap.Int("pid", cmd.Process.Pid))

	return true
}

// resolveShell picks the shell binary and its arguments. PowerShell 7 is
// preferred when installed at its default location.
func (s *Session) resolveShell() (string, []string) {
	path := s.cfg.ShellPath
	if path == "" {
		path = fallbackShellPath
		if _, err := os.Stat(defaultShellPath); err == nil {
			path = defaultShellPath
		}
	}

	args := s.cfg.ShellArgs
	if args == nil {
		args = []string{"-NoExit", "-Command", ""}
	}
	return path, args
}

// monitor waits for the process to exit and settles the session state.
// The exited channel ties the observation to one specific run, so a
// restarted session is never clobbered by its predecessor's monitor.
func (s *Session) monitor(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	if s.exited == exited {
		s.state = StateStopped
		s.exitCode = code
		s.cmd = nil
		if s.stdin != nil {
			s.stdin.Close()
		}
	}
	s.mu.Unlock()

	close(exited)

	s.logger.Info("shell exited",
		zap.String("session", s.ID), zap.Int("exitCode", code),
		zap.Int("bufferedLines", s.history.Len()))

	if s.onExit != nil {
		s.onExit(code)
	}
}

// IsAlive reports whether the shell process is currently running. It is
// safe to call in any state, including before the first Start.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning && s.cmd != nil && s.cmd.Process != nil
}

// Stop terminates the shell process and always returns true, including when
// nothing is running. Termination is graduated: a polite "exit" directive,
// then an interrupt signal, then a hard kill. Reader goroutines are joined
// with a bounded wait so a wedged pipe cannot hang shutdown.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.state != StateRunning || s.cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return true
	}

	cmd := s.cmd
	stdin := s.stdin
	exited := s.exited
	s.state = StateStopped
	s.cmd = nil
	s.mu.Unlock()

	if err := stdin.Write([]byte(exitDirective + "\n")); err == nil {
		if waitExit(exited, naturalExitWait) {
			s.finishStop(stdin)
			return true
		}
	}

	if cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}
	if waitExit(exited, termExitWait) {
		s.finishStop(stdin)
		return true
	}

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	if !waitExit(exited, killExitWait) {
		s.logger.Warn("shell did not confirm exit after kill",
			zap.String("session", s.ID))
	}

	s.finishStop(stdin)
	return true
}

// finishStop closes stdin and joins the reader goroutines, detaching if
// they do not finish in time.
func (s *Session) finishStop(stdin *stdinWriter) {
	stdin.Close()

	done := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(readerJoinWait):
		s.logger.Warn("detaching from reader goroutines",
			zap.String("session", s.ID))
	}
}

func waitExit(exited chan struct{}, timeout time.Duration) bool {
	select {
	case <-exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the exit code of the last run, zero if the shell never
// ran or exited cleanly.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Info returns a snapshot of the session for API responses.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		Label:     s.Label,
		State:     s.State(),
		WorkDir:   s.BestKnownDir(),
		CreatedAt: s.CreatedAt,
	}
}

// BestKnownDir returns the last directory the session believes the shell
// is in. It may lag the shell's real location until the next query.
func (s *Session) BestKnownDir() string {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.workDir
}

func (s *Session) setKnownDir(dir string) {
	s.dirMu.Lock()
	s.workDir = dir
	s.dirMu.Unlock()
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

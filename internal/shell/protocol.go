package shell

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	locationQuery = "(Get-Location).Path"
	exitDirective = "exit"
)

// SendInput writes raw text to the shell's stdin, optionally appending a
// newline so the shell executes it. Returns false when the shell is not
// running or the write fails.
func (s *Session) SendInput(text string, appendNewline bool) bool {
	s.mu.Lock()
	stdin := s.stdin
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || stdin == nil {
		s.logger.Warn("input dropped, shell not running", zap.String("session", s.ID))
		return false
	}

	if appendNewline {
		text += "\n"
	}
	if err := stdin.Write([]byte(text)); err != nil {
		s.logger.Error("write to shell stdin", zap.Error(err))
		return false
	}
	return true
}

// ExecuteCommand runs a command in the shell, optionally prefixed with a
// directory change so the command executes in workingDir. When immediate
// is false the text is written without a trailing newline, staging it for
// the user to confirm.
func (s *Session) ExecuteCommand(command, workingDir string, immediate bool) bool {
	if workingDir != "" {
		info, err := os.Stat(workingDir)
		if err != nil || !info.IsDir() {
			s.logger.Warn("execute rejected, directory does not exist",
				zap.String("session", s.ID), zap.String("dir", workingDir))
			return false
		}
		command = fmt.Sprintf(`Set-Location "%s"; %s`, workingDir, command)
	}
	return s.SendInput(command, immediate)
}

// ChangeDirectory sends a directory change to the shell and optimistically
// records the new location. The path must exist locally; the shell's own
// failure to change (permissions, races) surfaces in its output instead.
func (s *Session) ChangeDirectory(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("directory change rejected",
			zap.String("session", s.ID), zap.String("dir", dir))
		return false
	}

	if !s.SendInput(fmt.Sprintf(`Set-Location "%s"`, dir), true) {
		return false
	}

	s.setKnownDir(filepath.Clean(dir))
	return true
}

// CurrentDirectory asks the shell where it is by sending a location query
// and scraping the reply from the output stream. Output produced while the
// query is in flight is consumed from the queue; subscribers still see
// every line. When no plausible reply arrives before the timeout, the last
// known directory is returned.
func (s *Session) CurrentDirectory(timeout time.Duration) string {
	if timeout <= 0 {
		timeout = s.cfg.QueryTimeout
	}

	if !s.SendInput(locationQuery, true) {
		return s.BestKnownDir()
	}

	// Give the shell a moment to execute before draining, so the reply is
	// in the queue rather than still in flight.
	time.Sleep(s.cfg.SettleDelay)

	lines := s.Drain(timeout)
	if dir, ok := parseLocationReply(lines); ok {
		dir = filepath.Clean(dir)
		s.setKnownDir(dir)
		return dir
	}

	s.logger.Debug("location query got no usable reply",
		zap.String("session", s.ID), zap.Int("lines", len(lines)))
	return s.BestKnownDir()
}

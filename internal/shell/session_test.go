package shell

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// catConfig runs /bin/cat as the shell: it echoes every stdin line back on
// stdout, which is enough to exercise the relay without a real shell.
func catConfig(t *testing.T) Config {
	t.Helper()
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	return Config{
		ShellPath:    "/bin/cat",
		ShellArgs:    []string{},
		WorkingDir:   t.TempDir(),
		SettleDelay:  50 * time.Millisecond,
		QueryTimeout: 500 * time.Millisecond,
	}
}

func startSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(catConfig(t), zap.NewNop())
	require.True(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestSession_StopWithoutStart(t *testing.T) {
	s := NewSession(Config{}, zap.NewNop())
	assert.True(t, s.Stop())
	assert.False(t, s.IsAlive())
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_StartInvalidWorkDir(t *testing.T) {
	cfg := catConfig(t)
	cfg.WorkingDir = "/definitely/not/a/real/dir"
	s := NewSession(cfg, zap.NewNop())

	assert.False(t, s.Start())
	assert.False(t, s.IsAlive())
}

func TestSession_StartAndStop(t *testing.T) {
	s := startSession(t)

	assert.True(t, s.IsAlive())
	assert.Equal(t, StateRunning, s.State())

	// A second Start while running is refused.
	assert.False(t, s.Start())

	assert.True(t, s.Stop())
	assert.False(t, s.IsAlive())
	assert.Equal(t, StateStopped, s.State())

	// Stop stays true on repeat calls.
	assert.True(t, s.Stop())
}

func TestSession_EchoRoundTrip(t *testing.T) {
	s := startSession(t)

	require.True(t, s.SendInput("hello relay", true))

	lines := s.Drain(2 * time.Second)
	require.NotEmpty(t, lines)
	assert.Equal(t, StreamStdout, lines[0].Stream)
	assert.Equal(t, "hello relay", lines[0].Text)

	history := s.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "hello relay", history[0].Text)
}

func TestSession_SendInputNotRunning(t *testing.T) {
	s := NewSession(catConfig(t), zap.NewNop())
	assert.False(t, s.SendInput("ignored", true))
}

func TestSession_ExecuteCommandPrefixesDirectory(t *testing.T) {
	s := startSession(t)
	target := t.TempDir()

	require.True(t, s.ExecuteCommand("Get-ChildItem", target, true))

	lines := s.Drain(2 * time.Second)
	require.NotEmpty(t, lines)
	assert.Equal(t, `Set-Location "`+target+`"; Get-ChildItem`, lines[0].Text)
}

func TestSession_ExecuteCommandBadDirectory(t *testing.T) {
	s := startSession(t)
	assert.False(t, s.ExecuteCommand("Get-ChildItem", "/no/such/place", true))
}

func TestSession_ChangeDirectory(t *testing.T) {
	s := startSession(t)
	target := t.TempDir()

	assert.True(t, s.ChangeDirectory(target))
	assert.Equal(t, target, s.BestKnownDir())
}

func TestSession_ChangeDirectoryNonexistent(t *testing.T) {
	s := startSession(t)
	before := s.BestKnownDir()

	assert.False(t, s.ChangeDirectory("/no/such/place"))
	assert.Equal(t, before, s.BestKnownDir())
}

func TestSession_CurrentDirectoryNotRunning(t *testing.T) {
	cfg := catConfig(t)
	s := NewSession(cfg, zap.NewNop())

	assert.Equal(t, cfg.WorkingDir, s.CurrentDirectory(100*time.Millisecond))
}

func TestSession_CurrentDirectoryScrapesReply(t *testing.T) {
	s := startSession(t)

	// Feed a path-shaped line ahead of the query; cat echoes the query text
	// itself too, but that has no path separator and is filtered out.
	require.True(t, s.SendInput(`C:\scraped\location`, true))

	dir := s.CurrentDirectory(time.Second)
	assert.Equal(t, `C:\scraped\location`, dir)
	assert.Equal(t, `C:\scraped\location`, s.BestKnownDir())
}

func TestSession_CurrentDirectoryFallsBack(t *testing.T) {
	s := startSession(t)
	before := s.BestKnownDir()

	// cat only echoes the query itself, which is not a plausible path.
	dir := s.CurrentDirectory(300 * time.Millisecond)
	assert.Equal(t, before, dir)
}

func TestSession_SubscribersOrderedDelivery(t *testing.T) {
	s := startSession(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 1)

	s.Subscribe(func(OutputLine) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	s.Subscribe(func(OutputLine) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	require.True(t, s.SendInput("one line", true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribers never received the line")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSession_PerStreamOrderPreserved(t *testing.T) {
	s := startSession(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	s.Subscribe(func(line OutputLine) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, line.Text)
		if len(got) == 3 {
			close(done)
		}
	})

	// One burst producing three stdout lines; the subscriber must see them
	// in the order the shell emitted them.
	require.True(t, s.SendInput("alpha\nbeta\ngamma", true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received all lines")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)
}

func TestSession_PanickingSubscriberIsolated(t *testing.T) {
	s := startSession(t)

	received := make(chan OutputLine, 1)
	s.Subscribe(func(OutputLine) {
		panic("bad subscriber")
	})
	s.Subscribe(func(line OutputLine) {
		select {
		case received <- line:
		default:
		}
	})

	require.True(t, s.SendInput("survives panic", true))

	select {
	case line := <-received:
		assert.Equal(t, "survives panic", line.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber starved by panicking first")
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	s := startSession(t)

	hits := make(chan struct{}, 8)
	id := s.Subscribe(func(OutputLine) {
		hits <- struct{}{}
	})

	require.True(t, s.SendInput("before", true))
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never fired")
	}

	s.Unsubscribe(id)
	require.True(t, s.SendInput("after", true))
	time.Sleep(200 * time.Millisecond)
	select {
	case <-hits:
		t.Fatal("subscriber fired after unsubscribe")
	default:
	}
}

func TestSession_DrainTimesOutEmpty(t *testing.T) {
	s := startSession(t)

	start := time.Now()
	lines := s.Drain(100 * time.Millisecond)
	assert.Empty(t, lines)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSession_ExitHandler(t *testing.T) {
	s := NewSession(catConfig(t), zap.NewNop())
	exited := make(chan int, 1)
	s.SetExitHandler(func(code int) { exited <- code })

	require.True(t, s.Start())
	require.True(t, s.Stop())

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("exit handler never fired")
	}
	assert.Equal(t, StateStopped, s.State())
}

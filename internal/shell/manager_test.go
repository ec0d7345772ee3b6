package shell

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, max int) *Manager {
	t.Helper()
	m := NewManager(max, catConfig(t), zap.NewNop())
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, 4)

	sess, err := m.Create("", "build shell")
	require.NoError(t, err)
	assert.Equal(t, "build shell", sess.Label)
	assert.True(t, sess.IsAlive())

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
}

func TestManager_GetUnknown(t *testing.T) {
	m := newTestManager(t, 4)
	_, err := m.Get("nope")
	assert.Error(t, err)
}

func TestManager_MaxSessions(t *testing.T) {
	m := newTestManager(t, 2)

	_, err := m.Create("", "one")
	require.NoError(t, err)
	_, err = m.Create("", "two")
	require.NoError(t, err)

	_, err = m.Create("", "three")
	assert.Error(t, err)
}

func TestManager_ConcurrentCreateRespectsCap(t *testing.T) {
	m := newTestManager(t, 2)

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create("", ""); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), created.Load())
	assert.Len(t, m.List(), 2)
}

func TestManager_CreateInvalidWorkDir(t *testing.T) {
	m := newTestManager(t, 4)
	_, err := m.Create("/no/such/dir", "broken")
	assert.Error(t, err)
}

func TestManager_List(t *testing.T) {
	m := newTestManager(t, 4)

	a, err := m.Create("", "a")
	require.NoError(t, err)
	b, err := m.Create(t.TempDir(), "b")
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 2)

	ids := map[string]bool{}
	for _, info := range infos {
		ids[info.ID] = true
		assert.Equal(t, StateRunning, info.State)
	}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
}

func TestManager_KillKeepsSessionListed(t *testing.T) {
	m := newTestManager(t, 4)

	sess, err := m.Create("", "doomed")
	require.NoError(t, err)
	require.NoError(t, m.Kill(sess.ID))

	assert.False(t, sess.IsAlive())
	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State())

	assert.Error(t, m.Kill("unknown"))
}

func TestManager_SubscribeReceivesOutput(t *testing.T) {
	m := newTestManager(t, 4)

	sess, err := m.Create("", "")
	require.NoError(t, err)

	subID, ch, history, err := m.Subscribe(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	defer m.Unsubscribe(sess.ID, subID)

	require.True(t, sess.SendInput("channel line", true))

	select {
	case line := <-ch:
		assert.Equal(t, "channel line", line.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never received the line")
	}
}

func TestManager_SubscribeReturnsHistory(t *testing.T) {
	m := newTestManager(t, 4)

	sess, err := m.Create("", "")
	require.NoError(t, err)

	require.True(t, sess.SendInput("early line", true))
	require.Eventually(t, func() bool {
		return len(sess.History()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	_, _, history, err := m.Subscribe(sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "early line", history[0].Text)
}

func TestManager_UnsubscribeClosesChannel(t *testing.T) {
	m := newTestManager(t, 4)

	sess, err := m.Create("", "")
	require.NoError(t, err)

	subID, ch, _, err := m.Subscribe(sess.ID)
	require.NoError(t, err)
	m.Unsubscribe(sess.ID, subID)

	_, open := <-ch
	assert.False(t, open)

	// Repeat unsubscribes and unknown IDs are harmless.
	m.Unsubscribe(sess.ID, subID)
	m.Unsubscribe("unknown", "unknown")
}

func TestManager_ExitHandler(t *testing.T) {
	m := newTestManager(t, 4)

	type exit struct {
		id   string
		code int
	}
	exits := make(chan exit, 1)
	m.SetExitHandler(func(sessionID string, code int) {
		exits <- exit{sessionID, code}
	})

	sess, err := m.Create("", "")
	require.NoError(t, err)
	require.NoError(t, m.Kill(sess.ID))

	select {
	case e := <-exits:
		assert.Equal(t, sess.ID, e.id)
	case <-time.After(10 * time.Second):
		t.Fatal("exit handler never fired")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := newTestManager(t, 4)

	a, err := m.Create("", "")
	require.NoError(t, err)
	b, err := m.Create("", "")
	require.NoError(t, err)

	m.Shutdown()

	assert.False(t, a.IsAlive())
	assert.False(t, b.IsAlive())
}

package assist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(baseURL string) Config {
	return Config{
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Model:   "gpt-4o-mini",
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x", Model: "m"}, nil)
	assert.Error(t, err)

	_, err = New(Config{APIKey: "k", Model: "m"}, nil)
	assert.Error(t, err)

	_, err = New(Config{APIKey: "k", BaseURL: "http://x"}, nil)
	assert.Error(t, err)

	a, err := New(testConfig("http://localhost:1"), zap.NewNop())
	require.NoError(t, err)

	st := a.Stats()
	assert.Equal(t, "gpt-4o-mini", st.Model)
	assert.Equal(t, defaultMaxHistory, st.MaxHistory)
	assert.Equal(t, 0, st.HistoryLen)
}

func TestChat_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "Use Get-ChildItem."}
			}]
		}`)
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "how do I list files?")
	require.NoError(t, err)
	assert.Equal(t, "Use Get-ChildItem.", reply)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "how do I list files?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)

	assert.Equal(t, 1, a.Stats().RequestCount)
}

func TestChat_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), "hello")
	assert.Error(t, err)
	assert.Empty(t, a.History(), "failed exchanges must not pollute history")
}

func TestChatStream_AssemblesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Get-"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Process"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	var deltas []string
	reply, err := a.ChatStream(context.Background(), "list processes", func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Get-Process", reply)
	assert.Equal(t, []string{"Get-", "Process"}, deltas)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Get-Process", history[1].Content)
}

func TestHistoryTrimming(t *testing.T) {
	a, err := New(testConfig("http://localhost:1"), zap.NewNop())
	require.NoError(t, err)
	a.SetMaxHistory(10)

	for i := 0; i < 12; i++ {
		a.remember(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	history := a.History()
	require.Len(t, history, 10)
	// Oldest turns dropped; the trailing exchanges survive.
	assert.Equal(t, "q7", history[0].Content)
	assert.Equal(t, "a11", history[9].Content)
}

func TestSetMaxHistory_Clamped(t *testing.T) {
	a, err := New(testConfig("http://localhost:1"), zap.NewNop())
	require.NoError(t, err)

	a.SetMaxHistory(2)
	assert.Equal(t, minHistory, a.Stats().MaxHistory)
}

func TestClearHistory(t *testing.T) {
	a, err := New(testConfig("http://localhost:1"), zap.NewNop())
	require.NoError(t, err)

	a.remember("q", "a")
	require.Len(t, a.History(), 2)

	a.ClearHistory()
	assert.Empty(t, a.History())
}

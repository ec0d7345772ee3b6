// Package assist answers shell questions through an OpenAI-compatible chat
// API, keeping a bounded conversation history per assistant.
package assist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
	defaultMaxHistory  = 50
	minHistory         = 10

	defaultSystemPrompt = "You are a helpful assistant for a PowerShell " +
		"terminal. Answer questions about shell commands, scripting, and " +
		"troubleshooting. Prefer concrete commands the user can run. " +
		"Format answers in Markdown."
)

// Config holds the chat API settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	SystemPrompt string
	MaxHistory   int
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Assistant is a stateful chat client. All methods are safe for concurrent
// use; requests are serialized only by the API, not by the assistant.
type Assistant struct {
	client       openai.Client
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
	logger       *zap.Logger

	mu         sync.Mutex
	history    []Message
	maxHistory int
	requests   int
}

// New creates an assistant. The API key, base URL, and model are required.
func New(cfg Config, logger *zap.Logger) (*Assistant, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &Assistant{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		maxHistory:   cfg.MaxHistory,
		logger:       logger,
	}, nil
}

// Chat sends the user input plus conversation history and returns the full
// reply. The exchange is recorded in history only on success.
func (a *Assistant) Chat(ctx context.Context, input string) (string, error) {
	params := a.buildParams(input)

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	reply := completion.Choices[0].Message.Content
	a.remember(input, reply)
	return reply, nil
}

// ChatStream sends the user input and invokes onDelta for each reply
// fragment as it arrives, returning the assembled reply.
func (a *Assistant) ChatStream(ctx context.Context, input string, onDelta func(string)) (string, error) {
	params := a.buildParams(input)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var reply string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply += delta
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("chat stream: %w", err)
	}

	a.remember(input, reply)
	return reply, nil
}

func (a *Assistant) buildParams(input string) openai.ChatCompletionNewParams {
	a.mu.Lock()
	history := make([]Message, len(a.history))
	copy(history, a.history)
	a.requests++
	a.mu.Unlock()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(a.systemPrompt))
	for _, msg := range history {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(input))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(a.model),
		Messages:    messages,
		Temperature: openai.Float(a.temperature),
		MaxTokens:   openai.Int(int64(a.maxTokens)),
	}
}

// remember appends an exchange and trims history to the configured bound,
// dropping the oldest turns first.
func (a *Assistant) remember(input, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history,
		Message{Role: "user", Content: input},
		Message{Role: "assistant", Content: reply},
	)
	if len(a.history) > a.maxHistory {
		a.history = a.history[len(a.history)-a.maxHistory:]
	}
}

// History returns a copy of the conversation so far.
func (a *Assistant) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.history))
	copy(out, a.history)
	return out
}

// ClearHistory forgets the conversation.
func (a *Assistant) ClearHistory() {
	a.mu.Lock()
	a.history = nil
	a.mu.Unlock()
}

// SetMaxHistory adjusts the history bound and trims immediately. Values
// below the minimum are clamped rather than rejected.
func (a *Assistant) SetMaxHistory(n int) {
	if n < minHistory {
		n = minHistory
	}
	a.mu.Lock()
	a.maxHistory = n
	if len(a.history) > n {
		a.history = a.history[len(a.history)-n:]
	}
	a.mu.Unlock()
}

// AssistantStats describes the assistant's current state.
type AssistantStats struct {
	Model             string `json:"model"`
	HistoryLen        int    `json:"historyLen"`
	UserMessages      int    `json:"userMessages"`
	AssistantMessages int    `json:"assistantMessages"`
	MaxHistory        int    `json:"maxHistory"`
	RequestCount      int    `json:"requestCount"`
}

// Stats returns usage counters for diagnostics.
func (a *Assistant) Stats() AssistantStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := AssistantStats{
		Model:        a.model,
		HistoryLen:   len(a.history),
		MaxHistory:   a.maxHistory,
		RequestCount: a.requests,
	}
	for _, msg := range a.history {
		if msg.Role == "assistant" {
			st.AssistantMessages++
		} else {
			st.UserMessages++
		}
	}
	return st
}

// Package protocol defines the WebSocket message envelope and payloads
// exchanged between the server and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"shellpad/internal/ansi"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionCwd        = "session.cwd"
	TypeSessionTerminated = "session.terminated"
	TypeConfigUpdate      = "config.update"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate     = "session.create"
	TypeSessionInput      = "session.input"
	TypeSessionExecute    = "session.execute"
	TypeSessionCd         = "session.cd"
	TypeSessionRequestCwd = "session.requestCwd"
	TypeSessionKill       = "session.kill"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionNotRunning = "SESSION_NOT_RUNNING"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrPathInvalid       = "PATH_INVALID"
	ErrWriteFailed       = "WRITE_FAILED"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	WorkDir   string `json:"workDir"`
	Label     string `json:"label"`
	CreatedAt string `json:"createdAt"`
}

// SessionOutputPayload carries one output line. Runs holds the color-decoded
// segments when the line contained escape sequences; plain lines omit it.
type SessionOutputPayload struct {
	SessionID string           `json:"sessionId"`
	Stream    string           `json:"stream"` // "stdout" | "stderr"
	Data      string           `json:"data"`
	Runs      []ansi.StyledRun `json:"runs,omitempty"`
}

type SessionCwdPayload struct {
	SessionID string `json:"sessionId"`
	Dir       string `json:"dir"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// ConfigUpdatePayload carries the display-relevant settings after a config
// file reload.
type ConfigUpdatePayload struct {
	FontSize       int `json:"fontSize"`
	SettleDelayMs  int `json:"settleDelayMs"`
	QueryTimeoutMs int `json:"queryTimeoutMs"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type SessionInputPayload struct {
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	AppendNewline *bool  `json:"appendNewline,omitempty"` // default true
}

type SessionExecutePayload struct {
	SessionID  string `json:"sessionId"`
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir,omitempty"`
	Immediate  *bool  `json:"immediate,omitempty"` // default true
}

type SessionCdPayload struct {
	SessionID string `json:"sessionId"`
	Dir       string `json:"dir"`
}

type SessionKillPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	payload := SessionUpdatePayload{
		ID:    "test-id",
		State: "running",
		Label: "test",
	}

	msg, err := NewMessage(TypeSessionUpdate, payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != TypeSessionUpdate {
		t.Errorf("expected type %s, got %s", TypeSessionUpdate, msg.Type)
	}

	if msg.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	var p SessionUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ID != "test-id" {
		t.Errorf("expected ID 'test-id', got %s", p.ID)
	}
}

func clientMessage(t *testing.T, msgType string, payload map[string]interface{}) []byte {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal test message: %v", err)
	}
	return data
}

func TestValidateClientMessage_ValidSessionCreate(t *testing.T) {
	data := clientMessage(t, TypeSessionCreate,
		map[string]interface{}{"workDir": "/tmp/test", "label": "test"})

	result, err := ValidateClientMessage(data)
	if err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
	if result.Type != TypeSessionCreate {
		t.Errorf("expected type %s, got %s", TypeSessionCreate, result.Type)
	}
}

func TestValidateClientMessage_SessionCreateWithoutWorkDir(t *testing.T) {
	// workDir is optional; the server falls back to its base directory.
	data := clientMessage(t, TypeSessionCreate, map[string]interface{}{"label": "test"})

	if _, err := ValidateClientMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_ValidSessionInput(t *testing.T) {
	data := clientMessage(t, TypeSessionInput,
		map[string]interface{}{"sessionId": "abc-123", "text": "Get-ChildItem"})

	if _, err := ValidateClientMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_ValidSessionExecute(t *testing.T) {
	data := clientMessage(t, TypeSessionExecute,
		map[string]interface{}{"sessionId": "abc-123", "command": "git status", "immediate": false})

	if _, err := ValidateClientMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_InvalidJSON(t *testing.T) {
	_, err := ValidateClientMessage([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateClientMessage_MissingType(t *testing.T) {
	data := []byte(`{"payload":{},"timestamp":"2024-01-01T00:00:00.000Z"}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateClientMessage_UnknownType(t *testing.T) {
	data := clientMessage(t, "unknown.action", map[string]interface{}{})

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateClientMessage_MissingPayload(t *testing.T) {
	data := []byte(`{"type":"session.create","timestamp":"2024-01-01T00:00:00.000Z"}`)

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestValidateClientMessage_MissingSessionID(t *testing.T) {
	data := clientMessage(t, TypeSessionInput, map[string]interface{}{"text": "hello"})

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing sessionId")
	}
}

func TestValidateClientMessage_MissingText(t *testing.T) {
	data := clientMessage(t, TypeSessionInput, map[string]interface{}{"sessionId": "abc"})

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestValidateClientMessage_MissingCommand(t *testing.T) {
	data := clientMessage(t, TypeSessionExecute, map[string]interface{}{"sessionId": "abc"})

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestValidateClientMessage_MissingDir(t *testing.T) {
	data := clientMessage(t, TypeSessionCd, map[string]interface{}{"sessionId": "abc"})

	_, err := ValidateClientMessage(data)
	if err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestValidateClientMessage_SessionKillValid(t *testing.T) {
	data := clientMessage(t, TypeSessionKill, map[string]interface{}{"sessionId": "abc"})

	if _, err := ValidateClientMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestValidateClientMessage_RequestCwdValid(t *testing.T) {
	data := clientMessage(t, TypeSessionRequestCwd, map[string]interface{}{"sessionId": "abc"})

	if _, err := ValidateClientMessage(data); err != nil {
		t.Fatalf("expected valid message, got error: %v", err)
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrSessionNotFound, "session xyz not found")
	if err != nil {
		t.Fatalf("NewErrorMessage failed: %v", err)
	}
	if msg.Type != TypeError {
		t.Errorf("expected type %s, got %s", TypeError, msg.Type)
	}

	var p ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", ErrSessionNotFound, p.Code)
	}
}

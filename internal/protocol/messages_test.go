package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing add-user
// ---------------------------------------------------------------------------

func TestParseClientMessage_AddUser(t *testing.T) {
	input := []byte(`{"type":"add-user","userId":"64fa01"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAddUser {
		t.Fatalf("expected type %q, got %q", TypeAddUser, msgType)
	}

	am, ok := msg.(AddUserMsg)
	if !ok {
		t.Fatalf("expected AddUserMsg, got %T", msg)
	}
	if am.UserID != "64fa01" {
		t.Errorf("expected userId %q, got %q", "64fa01", am.UserID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing send-msg with text and with a file
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMsgText(t *testing.T) {
	input := []byte(`{"type":"send-msg","to":"b","from":"a","message":"hi"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.To != "b" || sm.From != "a" {
		t.Errorf("unexpected addressing: to=%q from=%q", sm.To, sm.From)
	}
	if sm.Message != "hi" {
		t.Errorf("expected message %q, got %q", "hi", sm.Message)
	}
	if sm.IsFile() {
		t.Error("text message reported as file")
	}
}

func TestParseClientMessage_SendMsgFile(t *testing.T) {
	input := []byte(`{"type":"send-msg","to":"b","from":"a","file":"/uploads/x.png","filename":"cat.png","mimetype":"image/png"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SendMsg)
	if !sm.IsFile() {
		t.Fatal("expected file content")
	}
	if sm.File != "/uploads/x.png" || sm.Filename != "cat.png" || sm.Mimetype != "image/png" {
		t.Errorf("unexpected file fields: %+v", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a msg-recieve server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MsgRecieve(t *testing.T) {
	data, err := NewServerMessage(TypeMsgRecieve, MsgRecieveMsg{
		From:    "a",
		Content: Content{Message: "hi"},
		Ts:      42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMsgRecieve {
		t.Errorf("expected type %q, got %v", TypeMsgRecieve, result["type"])
	}
	if result["message"] != "hi" {
		t.Errorf("expected message %q, got %v", "hi", result["message"])
	}
	if result["from"] != "a" {
		t.Errorf("expected from %q, got %v", "a", result["from"])
	}
	if _, ok := result["file"]; ok {
		t.Error("file field should be omitted for text messages")
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeStopTyping, TypingMsg{Type: TypeTyping, To: "b", From: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded TypingMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeStopTyping {
		t.Errorf("expected type %q, got %q", TypeStopTyping, decoded.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"msg-recieve","message":"x"}`)); err == nil {
		t.Fatal("expected msg-recieve to be rejected from clients")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"add-user", `{"type":"add-user","userId":"u1"}`, TypeAddUser},
		{"send-msg", `{"type":"send-msg","to":"b","from":"a","message":"hi"}`, TypeSendMsg},
		{"typing", `{"type":"typing","to":"b","from":"a"}`, TypeTyping},
		{"stop-typing", `{"type":"stop-typing","to":"b","from":"a"}`, TypeStopTyping},
		{"message-seen", `{"type":"message-seen","to":"b","from":"a","messageId":"m1"}`, TypeMessageSeen},
		{"reaction-updated", `{"type":"reaction-updated","to":"b","messageId":"m1","reactions":[{"user":"a","emoji":"👍"}]}`, TypeReactionUpdated},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

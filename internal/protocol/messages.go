// Package protocol defines the WebSocket events exchanged between chat
// clients and the server. Every frame is a JSON object carrying a "type"
// discriminator next to the event's own fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAddUser = "add-user"
	TypeSendMsg = "send-msg"
	TypePing    = "ping"
)

// Events that travel in both directions. The server forwards them to the
// addressed peer with the same type.
const (
	TypeTyping          = "typing"
	TypeStopTyping      = "stop-typing"
	TypeMessageSeen     = "message-seen"
	TypeReactionUpdated = "reaction-updated"
)

// Server -> Client event types.
const (
	TypeConnected  = "connected"
	TypeMsgRecieve = "msg-recieve"
	TypeError      = "error"
	TypePong       = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the right struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload pieces
// ---------------------------------------------------------------------------

// Content is the body of a chat message as it travels over the socket:
// either Message (text) or the File/Filename/Mimetype triple.
type Content struct {
	Message  string `json:"message,omitempty"`
	File     string `json:"file,omitempty"`
	Filename string `json:"filename,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

// IsFile reports whether the content describes an attachment.
func (c Content) IsFile() bool {
	return c.File != "" || c.Filename != "" || c.Mimetype != ""
}

// ReactionEntry is one user's emoji on a message.
type ReactionEntry struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AddUserMsg announces which user identity owns the connection.
type AddUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// SendMsg asks the server to forward a chat message to a live peer.
type SendMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	From string `json:"from"`
	Content
}

// TypingMsg is used for both typing and stop-typing.
type TypingMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	From string `json:"from"`
}

// MessageSeenMsg tells the peer that From has observed MessageID.
type MessageSeenMsg struct {
	Type      string `json:"type"`
	To        string `json:"to"`
	From      string `json:"from"`
	MessageID string `json:"messageId"`
}

// ReactionUpdatedMsg carries the current reaction set of a message so the
// peer can refresh without re-fetching.
type ReactionUpdatedMsg struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	MessageID string          `json:"messageId"`
	Reactions []ReactionEntry `json:"reactions"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent right after the upgrade with the connection's id.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// MsgRecieveMsg is a chat message relayed from the sender.
type MsgRecieveMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Content
	Ts int64 `json:"ts"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAddUser:
		var m AddUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMsg:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSeen:
		var m MessageSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReactionUpdated:
		var m ReactionUpdatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server event. The msgType is
// injected under the "type" key, overriding whatever the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

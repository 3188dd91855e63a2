package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the wire envelope.
type MessageType string

const (
	TypeTestEvent      MessageType = "test_event"
	TypeControlCommand MessageType = "control_command"
	TypeSystemMessage  MessageType = "system_message"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeError          MessageType = "error"
)

// Priority orders delivery urgency. It is carried on the wire but the
// queue treats all priorities alike; the field exists for clients.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Metadata carries per-message delivery hints.
type Metadata struct {
	Priority    Priority `json:"priority"`
	RequiresAck bool     `json:"requiresAck"`
	RetryCount  int      `json:"retryCount"`
	TTL         int64    `json:"ttl,omitempty"`
}

// Message is the wire envelope exchanged over every connection.
// Timestamp is epoch milliseconds.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// RequiresAck reports whether the sender asked for an acknowledgment.
func (m *Message) RequiresAck() bool {
	return m.Metadata != nil && m.Metadata.RequiresAck
}

// Encode marshals the envelope for the transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func newID() string {
	return uuid.NewString()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewSystemMessage builds a server-originated system notice. The data
// object always carries a "type" field naming the notice.
func NewSystemMessage(noticeType string, fields map[string]any, priority Priority) *Message {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["type"] = noticeType
	raw, _ := json.Marshal(data)
	return &Message{
		ID:        newID(),
		Type:      TypeSystemMessage,
		Timestamp: nowMillis(),
		Data:      raw,
		Metadata:  &Metadata{Priority: priority},
	}
}

// NewError builds an in-protocol error reply.
func NewError(reason string) *Message {
	raw, _ := json.Marshal(map[string]any{"error": reason})
	return &Message{
		ID:        newID(),
		Type:      TypeError,
		Timestamp: nowMillis(),
		Data:      raw,
		Metadata:  &Metadata{Priority: PriorityHigh},
	}
}

// NewAck acknowledges a message the client flagged requiresAck.
func NewAck(originalMessageID string) *Message {
	return NewSystemMessage("ack", map[string]any{"originalMessageId": originalMessageID}, PriorityNormal)
}

// NewHeartbeatReply answers an application-level heartbeat frame.
func NewHeartbeatReply() *Message {
	raw, _ := json.Marshal(map[string]any{"pong": true})
	return &Message{
		ID:        newID(),
		Type:      TypeHeartbeat,
		Timestamp: nowMillis(),
		Data:      raw,
	}
}

// NewTestEvent wraps a forwarded test event for session fan-out.
func NewTestEvent(sessionID string, data json.RawMessage) *Message {
	return &Message{
		ID:        newID(),
		Type:      TypeTestEvent,
		Timestamp: nowMillis(),
		SessionID: sessionID,
		Data:      data,
	}
}

var validTypes = map[MessageType]bool{
	TypeTestEvent:      true,
	TypeControlCommand: true,
	TypeHeartbeat:      true,
	// system_message and error are server-originated only; a client
	// sending them is treated as malformed by the router.
}

// ValidInbound reports whether a decoded envelope is well-formed as a
// client message: non-empty id, recognized type, positive timestamp,
// object-typed data.
func ValidInbound(m *Message) bool {
	if m == nil || m.ID == "" || m.Timestamp <= 0 {
		return false
	}
	if !validTypes[m.Type] {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &obj); err != nil {
		return false
	}
	// JSON null unmarshals into a nil map; only real objects pass.
	return obj != nil
}

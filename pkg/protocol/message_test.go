package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/to-real/agentbench/pkg/protocol"
)

func validMessage() *protocol.Message {
	return &protocol.Message{
		ID:        "msg-1",
		Type:      protocol.TypeTestEvent,
		Timestamp: time.Now().UnixMilli(),
		Data:      json.RawMessage(`{"eventType":"step"}`),
	}
}

func TestValidInbound(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *protocol.Message)
		want   bool
	}{
		{"well-formed test event", func(m *protocol.Message) {}, true},
		{"control command", func(m *protocol.Message) { m.Type = protocol.TypeControlCommand }, true},
		{"heartbeat", func(m *protocol.Message) { m.Type = protocol.TypeHeartbeat }, true},
		{"empty id", func(m *protocol.Message) { m.ID = "" }, false},
		{"zero timestamp", func(m *protocol.Message) { m.Timestamp = 0 }, false},
		{"negative timestamp", func(m *protocol.Message) { m.Timestamp = -1 }, false},
		{"unknown type", func(m *protocol.Message) { m.Type = "bogus" }, false},
		{"system message from client", func(m *protocol.Message) { m.Type = protocol.TypeSystemMessage }, false},
		{"error from client", func(m *protocol.Message) { m.Type = protocol.TypeError }, false},
		{"array data", func(m *protocol.Message) { m.Data = json.RawMessage(`[1,2]`) }, false},
		{"null data", func(m *protocol.Message) { m.Data = json.RawMessage(`null`) }, false},
		{"missing data", func(m *protocol.Message) { m.Data = nil }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMessage()
			tc.mutate(m)
			assert.Equal(t, tc.want, protocol.ValidInbound(m))
		})
	}
	assert.False(t, protocol.ValidInbound(nil))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := validMessage()
	m.SessionID = "session_abc"
	m.Metadata = &protocol.Metadata{Priority: protocol.PriorityHigh, RequiresAck: true, TTL: 5000}

	raw, err := m.Encode()
	require.NoError(t, err)
	got, err := protocol.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.SessionID, got.SessionID)
	assert.True(t, got.RequiresAck())
	assert.Equal(t, int64(5000), got.Metadata.TTL)
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	_, err := protocol.Decode([]byte(`{truncated`))
	assert.Error(t, err)
}

func TestRequiresAckWithoutMetadata(t *testing.T) {
	assert.False(t, validMessage().RequiresAck())
}

func TestNewSystemMessageInjectsNoticeType(t *testing.T) {
	m := protocol.NewSystemMessage("session_created", map[string]any{"sessionId": "s-1"}, protocol.PriorityHigh)

	assert.Equal(t, protocol.TypeSystemMessage, m.Type)
	assert.NotEmpty(t, m.ID)
	assert.Greater(t, m.Timestamp, int64(0))
	assert.Equal(t, "session_created", gjson.GetBytes(m.Data, "type").String())
	assert.Equal(t, "s-1", gjson.GetBytes(m.Data, "sessionId").String())
	require.NotNil(t, m.Metadata)
	assert.Equal(t, protocol.PriorityHigh, m.Metadata.Priority)
}

func TestNewError(t *testing.T) {
	m := protocol.NewError("Invalid message format")
	assert.Equal(t, protocol.TypeError, m.Type)
	assert.Equal(t, "Invalid message format", gjson.GetBytes(m.Data, "error").String())
	assert.Equal(t, protocol.PriorityHigh, m.Metadata.Priority)
}

func TestNewAck(t *testing.T) {
	m := protocol.NewAck("msg-42")
	assert.Equal(t, protocol.TypeSystemMessage, m.Type)
	assert.Equal(t, "ack", gjson.GetBytes(m.Data, "type").String())
	assert.Equal(t, "msg-42", gjson.GetBytes(m.Data, "originalMessageId").String())
}

func TestNewHeartbeatReply(t *testing.T) {
	m := protocol.NewHeartbeatReply()
	assert.Equal(t, protocol.TypeHeartbeat, m.Type)
	assert.True(t, gjson.GetBytes(m.Data, "pong").Bool())
}

package router

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/to-real/agentbench/internal/delivery"
	"github.com/to-real/agentbench/internal/metrics"
	"github.com/to-real/agentbench/internal/registry"
	"github.com/to-real/agentbench/internal/session"
	"github.com/to-real/agentbench/pkg/protocol"
)

// Callbacks is the router's typed outbound wiring table for interested
// collaborators such as metrics sinks.
type Callbacks struct {
	OnTestEvent func(event session.Event, conn *registry.Connection)
}

// Router validates inbound messages and dispatches them by type. It is
// the single place where a message's type determines behavior.
type Router struct {
	registry *registry.Registry
	store    *session.Store
	queue    *delivery.Queue
	metrics  *metrics.Metrics

	callbacks Callbacks
	logger    *slog.Logger
}

func New(logger *slog.Logger, reg *registry.Registry, store *session.Store, m *metrics.Metrics) *Router {
	return &Router{
		registry: reg,
		store:    store,
		metrics:  m,
		logger:   logger.With(slog.String("component", "message_router")),
	}
}

// SetQueue wires the delivery queue. The queue needs the router as its
// sender, so this is set after both are constructed.
func (r *Router) SetQueue(q *delivery.Queue) {
	r.queue = q
}

func (r *Router) SetCallbacks(cb Callbacks) {
	r.callbacks = cb
}

// HandleMessage is the transport's inbound message handler. Messages
// from a single connection arrive here in order.
func (r *Router) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := r.registry.Get(connID)
	if !ok {
		// Eviction raced the read pump; drop silently.
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil || !protocol.ValidInbound(msg) {
		r.logger.Warn("Malformed message", slog.String("connID", connID.String()))
		r.sendDirect(conn, protocol.NewError("Invalid message format"))
		return
	}

	// Any inbound traffic counts as liveness.
	r.registry.Touch(connID)
	r.metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypeHeartbeat:
		r.sendDirect(conn, protocol.NewHeartbeatReply())
	case protocol.TypeTestEvent:
		r.handleTestEvent(conn, msg)
	case protocol.TypeControlCommand:
		r.handleControlCommand(conn, msg)
	}

	if msg.RequiresAck() {
		r.sendDirect(conn, protocol.NewAck(msg.ID))
	}
}

func (r *Router) handleTestEvent(conn *registry.Connection, msg *protocol.Message) {
	if msg.SessionID == "" {
		r.logger.Debug("Test event without session id", slog.String("connID", conn.ID.String()))
		return
	}

	event := session.Event{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Type:      gjson.GetBytes(msg.Data, "eventType").String(),
		Timestamp: msg.Timestamp,
		Data:      msg.Data,
		UserID:    conn.UserID,
	}
	if err := r.store.RecordEvent(msg.SessionID, event); err != nil {
		r.logger.Debug("Test event for unknown session", slog.String("sessionID", msg.SessionID))
		return
	}

	r.broadcast(msg.SessionID, msg, conn.ID)
	if r.callbacks.OnTestEvent != nil {
		r.callbacks.OnTestEvent(event, conn)
	}
}

// Send delivers a message to one connection, honoring the at-least-once
// path: requires-ack messages go through the queue, direct sends fall
// back to the queue on failure.
func (r *Router) Send(connID uuid.UUID, msg *protocol.Message) {
	if msg.RequiresAck() && r.queue != nil {
		r.queue.Enqueue(msg, delivery.Target{ConnID: connID})
		return
	}
	if !r.SendToConnection(connID, msg) && r.queue != nil {
		r.queue.Enqueue(msg, delivery.Target{ConnID: connID})
	}
}

// broadcast fans a message out to a session's audience, excluding the
// sender. The audience is the session's current participants plus any
// connections that explicitly subscribed to the session id.
func (r *Router) broadcast(sessionID string, msg *protocol.Message, exclude uuid.UUID) {
	for _, connID := range r.audience(sessionID) {
		if connID == exclude {
			continue
		}
		r.Send(connID, msg)
	}
}

func (r *Router) audience(sessionID string) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, connID := range r.store.Participants(sessionID) {
		if _, dup := seen[connID]; !dup {
			seen[connID] = struct{}{}
			out = append(out, connID)
		}
	}
	for _, connID := range r.registry.SubscribersOf(sessionID) {
		if _, dup := seen[connID]; !dup {
			seen[connID] = struct{}{}
			out = append(out, connID)
		}
	}
	return out
}

// sendDirect writes to the transport without queue fallback; used for
// replies where silence is acceptable (error replies, acks, pongs).
func (r *Router) sendDirect(conn *registry.Connection, msg *protocol.Message) {
	raw, err := msg.Encode()
	if err != nil {
		r.logger.Error("Failed to encode message", slog.Any("error", err))
		return
	}
	conn.Transport.Send(raw)
}

// SendToConnection implements delivery.Sender.
func (r *Router) SendToConnection(connID uuid.UUID, msg *protocol.Message) bool {
	conn, ok := r.registry.Get(connID)
	if !ok {
		return false
	}
	raw, err := msg.Encode()
	if err != nil {
		r.logger.Error("Failed to encode message", slog.Any("error", err))
		return false
	}
	return conn.Transport.Send(raw)
}

// BroadcastToSession implements delivery.Sender: queue-driven session
// fan-out re-reads the current audience at send time.
func (r *Router) BroadcastToSession(sessionID string, msg *protocol.Message) {
	for _, connID := range r.audience(sessionID) {
		r.SendToConnection(connID, msg)
	}
}

package router

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/to-real/agentbench/internal/registry"
	"github.com/to-real/agentbench/internal/session"
	"github.com/to-real/agentbench/pkg/protocol"
)

type createSessionPayload struct {
	ProjectID string `json:"projectId"`
	TestID    string `json:"testId"`
	AgentName string `json:"agentName"`
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
}

// handleControlCommand dispatches on data.command. Results and errors
// go back to the requesting connection only; control commands are never
// broadcast automatically.
func (r *Router) handleControlCommand(conn *registry.Connection, msg *protocol.Message) {
	command := gjson.GetBytes(msg.Data, "command").String()
	r.logger.Debug("Control command",
		slog.String("command", command),
		slog.String("connID", conn.ID.String()),
	)

	switch command {
	case "create_session":
		r.cmdCreateSession(conn, msg)
	case "join_session":
		r.cmdJoinSession(conn, msg)
	case "leave_session":
		r.cmdLeaveSession(conn, msg)
	case "start_test":
		r.cmdStartTest(conn, msg)
	case "stop_test":
		r.cmdStopTest(conn, msg)
	case "get_session_info":
		r.cmdGetSessionInfo(conn, msg)
	case "get_session_list":
		r.cmdGetSessionList(conn)
	case "subscribe_session":
		r.cmdSubscribeSession(conn, msg)
	case "unsubscribe_session":
		r.cmdUnsubscribeSession(conn, msg)
	default:
		r.logger.Warn("Unknown control command", slog.String("command", command))
		r.sendDirect(conn, protocol.NewError("Unknown control command"))
	}
}

func (r *Router) cmdCreateSession(conn *registry.Connection, msg *protocol.Message) {
	var payload createSessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	s := r.store.Create(payload.ProjectID, payload.TestID, payload.AgentName, conn.ID)
	r.registry.Subscribe(conn.ID, s.ID)

	r.sendDirect(conn, protocol.NewSystemMessage("session_created", map[string]any{
		"sessionId": s.ID,
		"session":   s,
	}, protocol.PriorityHigh))
}

func (r *Router) cmdJoinSession(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	added, err := r.store.Join(payload.SessionID, conn.ID)
	if err != nil {
		r.sendDirect(conn, protocol.NewError("Session not found"))
		return
	}
	r.registry.Subscribe(conn.ID, payload.SessionID)
	if !added {
		// Re-joining after a reconnect is idempotent; no announcement.
		return
	}

	notice := protocol.NewSystemMessage("user_joined", map[string]any{
		"clientId": conn.ID.String(),
	}, protocol.PriorityNormal)
	notice.SessionID = payload.SessionID
	r.broadcast(payload.SessionID, notice, conn.ID)
}

func (r *Router) cmdLeaveSession(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	r.store.Leave(payload.SessionID, conn.ID)
	r.registry.Unsubscribe(conn.ID, payload.SessionID)

	notice := protocol.NewSystemMessage("user_left", map[string]any{
		"clientId": conn.ID.String(),
	}, protocol.PriorityNormal)
	notice.SessionID = payload.SessionID
	r.broadcast(payload.SessionID, notice, conn.ID)
}

func (r *Router) cmdStartTest(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	if err := r.store.Start(payload.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			r.sendDirect(conn, protocol.NewError("Session not found"))
		} else {
			r.sendDirect(conn, protocol.NewError("Session is not idle"))
		}
		return
	}

	notice := protocol.NewSystemMessage("session_started", map[string]any{
		"sessionId": payload.SessionID,
	}, protocol.PriorityNormal)
	notice.SessionID = payload.SessionID
	r.broadcast(payload.SessionID, notice, conn.ID)
	r.sendDirect(conn, notice)
}

func (r *Router) cmdStopTest(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	// Broadcast before Stop's grace timer can race the removal.
	if _, ok := r.store.Get(payload.SessionID); !ok {
		r.sendDirect(conn, protocol.NewError("Session not found"))
		return
	}

	notice := protocol.NewSystemMessage("session_stopped", map[string]any{
		"sessionId": payload.SessionID,
	}, protocol.PriorityNormal)
	notice.SessionID = payload.SessionID

	if err := r.store.Stop(payload.SessionID); err != nil {
		r.sendDirect(conn, protocol.NewError("Session not found"))
		return
	}
	r.broadcast(payload.SessionID, notice, conn.ID)
	r.sendDirect(conn, notice)
}

func (r *Router) cmdGetSessionInfo(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	s, ok := r.store.Get(payload.SessionID)
	if !ok {
		r.sendDirect(conn, protocol.NewError("Session not found"))
		return
	}
	r.sendDirect(conn, protocol.NewSystemMessage("session_info", map[string]any{
		"session": s,
	}, protocol.PriorityNormal))
}

func (r *Router) cmdGetSessionList(conn *registry.Connection) {
	r.sendDirect(conn, protocol.NewSystemMessage("session_list", map[string]any{
		"sessions": r.store.List(),
	}, protocol.PriorityNormal))
}

func (r *Router) cmdSubscribeSession(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}

	r.registry.Subscribe(conn.ID, payload.SessionID)
	r.sendDirect(conn, protocol.NewSystemMessage("session_subscribed", map[string]any{
		"sessionId": payload.SessionID,
	}, protocol.PriorityNormal))
}

func (r *Router) cmdUnsubscribeSession(conn *registry.Connection, msg *protocol.Message) {
	var payload sessionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.sendDirect(conn, protocol.NewError("Invalid command payload"))
		return
	}
	r.registry.Unsubscribe(conn.ID, payload.SessionID)
}

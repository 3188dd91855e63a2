package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/to-real/agentbench/internal/auth"
)

// Link is the transport surface the registry needs from a connection.
// Satisfied by *transport.Connection; tests substitute fakes.
type Link interface {
	ID() uuid.UUID
	Send(message []byte) bool
	Close(err error)
	Ping(timeout time.Duration) error
}

// Connection is the registry's record of one live, authenticated link.
type Connection struct {
	ID          uuid.UUID
	UserID      string
	Username    string
	Role        string
	ProjectID   string
	Permissions []string
	Transport   Link
	ConnectedAt time.Time

	// Liveness bookkeeping, guarded by the registry's mutex.
	LastPing time.Time
	Alive    bool

	// Session ids this connection is subscribed to.
	Sessions map[string]struct{}
	// Free-form topic subscriptions.
	Topics map[string]struct{}
}

// Callbacks is the typed wiring table components subscribe with at
// startup, replacing stringly-typed event emitters.
type Callbacks struct {
	OnConnected    func(conn *Connection)
	OnDisconnected func(conn *Connection, reason string)
}

// Registry is the source of truth for who is connected right now.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection

	callbacks Callbacks
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Connection),
		logger: logger.With(slog.String("component", "connection_registry")),
	}
}

// SetCallbacks wires the registry's outbound notifications. Must be
// called before the server starts accepting connections.
func (r *Registry) SetCallbacks(cb Callbacks) {
	r.callbacks = cb
}

// Admit records an authenticated connection. Authentication happens
// before the transport upgrade, so no partial record ever exists for a
// rejected attempt.
func (r *Registry) Admit(conn Link, claims *auth.Claims) *Connection {
	now := time.Now()
	record := &Connection{
		ID:          conn.ID(),
		UserID:      claims.UserID,
		Username:    claims.Username,
		Role:        claims.Role,
		ProjectID:   claims.ProjectID,
		Permissions: claims.Permissions,
		Transport:   conn,
		ConnectedAt: now,
		LastPing:    now,
		Alive:       true,
		Sessions:    make(map[string]struct{}),
		Topics:      make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[record.ID] = record
	r.mu.Unlock()

	r.logger.Info("Client connected",
		slog.String("connID", record.ID.String()),
		slog.String("username", record.Username),
	)
	if r.callbacks.OnConnected != nil {
		r.callbacks.OnConnected(record)
	}
	return record
}

// Touch marks a connection alive. Called on every inbound message and
// on every heartbeat response.
func (r *Registry) Touch(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		conn.LastPing = time.Now()
		conn.Alive = true
	}
}

// MarkProbed clears the liveness flag ahead of a heartbeat probe and
// reports whether the connection was alive before the probe.
func (r *Registry) MarkProbed(connID uuid.UUID) (wasAlive bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false, false
	}
	wasAlive = conn.Alive
	conn.Alive = false
	return wasAlive, true
}

// Evict removes a connection and closes its transport. Evicting an
// unknown id is a no-op.
func (r *Registry) Evict(connID uuid.UUID, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	conn.Transport.Close(nil)
	r.logger.Info("Client disconnected",
		slog.String("connID", connID.String()),
		slog.String("username", conn.Username),
		slog.String("reason", reason),
	)
	if r.callbacks.OnDisconnected != nil {
		r.callbacks.OnDisconnected(conn, reason)
	}
}

// Get looks up a live connection.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// List returns all live connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SubscribersOf returns the ids of connections subscribed to a session.
func (r *Registry) SubscribersOf(sessionID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uuid.UUID
	for _, conn := range r.conns {
		if _, ok := conn.Sessions[sessionID]; ok {
			out = append(out, conn.ID)
		}
	}
	return out
}

// View is a point-in-time copy of a connection's mutable state, safe to
// read and marshal without the registry lock.
type View struct {
	ID          uuid.UUID
	UserID      string
	Username    string
	ConnectedAt time.Time
	LastPing    time.Time
	Alive       bool
	Sessions    []string
}

// Views snapshots every connection for status reporting.
func (r *Registry) Views() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]View, 0, len(r.conns))
	for _, c := range r.conns {
		sessions := make([]string, 0, len(c.Sessions))
		for id := range c.Sessions {
			sessions = append(sessions, id)
		}
		out = append(out, View{
			ID:          c.ID,
			UserID:      c.UserID,
			Username:    c.Username,
			ConnectedAt: c.ConnectedAt,
			LastPing:    c.LastPing,
			Alive:       c.Alive,
			Sessions:    sessions,
		})
	}
	return out
}

// Subscribe records a session subscription on the connection.
func (r *Registry) Subscribe(connID uuid.UUID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	conn.Sessions[sessionID] = struct{}{}
	return true
}

// Unsubscribe drops a session subscription. Unknown ids are a no-op.
func (r *Registry) Unsubscribe(connID uuid.UUID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connID]; ok {
		delete(conn.Sessions, sessionID)
	}
}

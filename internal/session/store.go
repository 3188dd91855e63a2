package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Status is a session's lifecycle state. Completed and error are
// terminal: a session never regresses out of them.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Event is one recorded observation within a session.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"userId,omitempty"`
}

// Session is an ephemeral coordination unit for one test run.
type Session struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	TestID       string         `json:"testId"`
	AgentName    string         `json:"agentName"`
	Status       Status         `json:"status"`
	StartTime    int64          `json:"startTime"`
	EndTime      int64          `json:"endTime,omitempty"`
	Participants []uuid.UUID    `json:"participants"`
	Events       []Event        `json:"events"`
	Metadata     map[string]any `json:"metadata"`

	createdAt time.Time
}

// snapshot deep-copies a session so callers can read and marshal it
// without the store lock. Callers must hold the lock.
func (s *Session) snapshot() *Session {
	out := *s
	out.Participants = append([]uuid.UUID(nil), s.Participants...)
	out.Events = append([]Event(nil), s.Events...)
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// Summary is the cheap listing view: no event history.
type Summary struct {
	ID               string `json:"id"`
	ProjectID        string `json:"projectId"`
	TestID           string `json:"testId"`
	AgentName        string `json:"agentName"`
	Status           Status `json:"status"`
	ParticipantCount int    `json:"participantCount"`
	StartTime        int64  `json:"startTime"`
	EndTime          int64  `json:"endTime,omitempty"`
}

// Callbacks is the store's typed outbound wiring table.
type Callbacks struct {
	OnCreated func(s *Session, creator uuid.UUID)
	OnRemoved func(s *Session)
}

type Config struct {
	// IdleTimeout force-removes sessions older than this regardless of
	// status, bounding memory when a client never stops a session.
	IdleTimeout time.Duration
	// GracePeriod delays deletion after stop so final events flush.
	GracePeriod time.Duration
	// MaxEvents caps each session's recorded event list to the most
	// recent entries.
	MaxEvents int
}

// Store tracks ephemeral sessions independently of connection churn.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config    Config
	clock     clock.Clock
	callbacks Callbacks
	logger    *slog.Logger
}

func NewStore(logger *slog.Logger, clk clock.Clock, config Config) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		config:   config,
		clock:    clk,
		logger:   logger.With(slog.String("component", "session_store")),
	}
}

func (st *Store) SetCallbacks(cb Callbacks) {
	st.callbacks = cb
}

// Create allocates a new idle session with the creator as the sole
// participant and returns a snapshot of it.
func (st *Store) Create(projectID, testID, agentName string, creator uuid.UUID) *Session {
	now := st.clock.Now()
	s := &Session{
		ID:           "session_" + uuid.NewString(),
		ProjectID:    projectID,
		TestID:       testID,
		AgentName:    agentName,
		Status:       StatusIdle,
		StartTime:    now.UnixMilli(),
		Participants: []uuid.UUID{creator},
		Events:       make([]Event, 0),
		Metadata:     make(map[string]any),
		createdAt:    now,
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	snap := s.snapshot()
	st.mu.Unlock()

	st.logger.Info("Session created", slog.String("sessionID", s.ID), slog.String("projectID", projectID))
	if st.callbacks.OnCreated != nil {
		st.callbacks.OnCreated(snap, creator)
	}
	return snap
}

// Join adds a connection to a session's participant list. Joining an
// unknown session fails; joining twice succeeds without a second entry,
// and added reports whether the participant list actually grew.
func (st *Store) Join(sessionID string, connID uuid.UUID) (added bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	for _, p := range s.Participants {
		if p == connID {
			return false, nil
		}
	}
	s.Participants = append(s.Participants, connID)
	return true, nil
}

// Leave removes a connection from a session. The last participant
// leaving schedules the session for deletion. Leaving twice, or leaving
// an unknown session, is a no-op.
func (st *Store) Leave(sessionID string, connID uuid.UUID) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	s.Participants = removeParticipant(s.Participants, connID)
	empty := len(s.Participants) == 0
	st.mu.Unlock()

	if empty {
		st.remove(sessionID)
	}
}

// Start transitions idle → running.
func (st *Store) Start(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusIdle {
		return ErrInvalidTransition
	}
	s.Status = StatusRunning
	return nil
}

// Pause transitions running → paused.
func (st *Store) Pause(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusRunning {
		return ErrInvalidTransition
	}
	s.Status = StatusPaused
	return nil
}

// Resume transitions paused → running.
func (st *Store) Resume(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != StatusPaused {
		return ErrInvalidTransition
	}
	s.Status = StatusRunning
	return nil
}

// Stop marks a session completed, stamps its end time, and schedules
// deletion after the grace period so final messages can flush. Stopping
// a terminal session is a no-op.
func (st *Store) Stop(sessionID string) error {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	if !s.Status.terminal() {
		s.Status = StatusCompleted
		s.EndTime = st.clock.Now().UnixMilli()
	}
	st.mu.Unlock()

	st.clock.AfterFunc(st.config.GracePeriod, func() {
		st.remove(sessionID)
	})
	return nil
}

// Fail marks a session errored and schedules deletion like Stop.
func (st *Store) Fail(sessionID string) error {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	if !s.Status.terminal() {
		s.Status = StatusError
		s.EndTime = st.clock.Now().UnixMilli()
	}
	st.mu.Unlock()

	st.clock.AfterFunc(st.config.GracePeriod, func() {
		st.remove(sessionID)
	})
	return nil
}

// RecordEvent appends to a session's event list, keeping only the most
// recent MaxEvents entries.
func (st *Store) RecordEvent(sessionID string, event Event) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Events = append(s.Events, event)
	if st.config.MaxEvents > 0 && len(s.Events) > st.config.MaxEvents {
		s.Events = s.Events[len(s.Events)-st.config.MaxEvents:]
	}
	return nil
}

// Get returns a deep-copied snapshot of a session. Concurrent store
// mutations never show through the returned value.
func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.snapshot(), true
}

// Participants returns a snapshot of a session's participant list.
func (st *Store) Participants(sessionID string) []uuid.UUID {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, len(s.Participants))
	copy(out, s.Participants)
	return out
}

// List returns summary views of every live session, computed on demand
// from the live map so listings are never stale.
func (st *Store) List() []Summary {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Summary, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, Summary{
			ID:               s.ID,
			ProjectID:        s.ProjectID,
			TestID:           s.TestID,
			AgentName:        s.AgentName,
			Status:           s.Status,
			ParticipantCount: len(s.Participants),
			StartTime:        s.StartTime,
			EndTime:          s.EndTime,
		})
	}
	return out
}

// Count reports the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// RemoveConnection strips an evicted connection from every session's
// participant list, deleting sessions left without participants. It
// returns the ids of the sessions the connection was removed from.
func (st *Store) RemoveConnection(connID uuid.UUID) []string {
	st.mu.Lock()
	var touched []string
	var emptied []string
	for id, s := range st.sessions {
		before := len(s.Participants)
		s.Participants = removeParticipant(s.Participants, connID)
		if len(s.Participants) != before {
			touched = append(touched, id)
			if len(s.Participants) == 0 {
				emptied = append(emptied, id)
			}
		}
	}
	st.mu.Unlock()

	for _, id := range emptied {
		st.remove(id)
	}
	return touched
}

// Sweep force-removes sessions older than the idle timeout, regardless
// of status. Returns the number removed.
func (st *Store) Sweep() int {
	cutoff := st.clock.Now().Add(-st.config.IdleTimeout)

	st.mu.RLock()
	var expired []string
	for id, s := range st.sessions {
		if s.createdAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range expired {
		st.remove(id)
	}
	if len(expired) > 0 {
		st.logger.Info("Cleaned up expired sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// remove deletes a session. Removing an already-removed id is a no-op,
// so grace timers, sweeps, and explicit leaves can race safely.
func (st *Store) remove(sessionID string) {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if ok {
		delete(st.sessions, sessionID)
	}
	st.mu.Unlock()
	if !ok {
		return
	}

	st.logger.Info("Session removed", slog.String("sessionID", sessionID))
	if st.callbacks.OnRemoved != nil {
		st.callbacks.OnRemoved(s)
	}
}

func removeParticipant(participants []uuid.UUID, connID uuid.UUID) []uuid.UUID {
	out := participants[:0]
	for _, p := range participants {
		if p != connID {
			out = append(out, p)
		}
	}
	return out
}

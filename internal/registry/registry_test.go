package registry_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/to-real/agentbench/internal/auth"
	"github.com/to-real/agentbench/internal/registry"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeLink stands in for a transport connection.
type fakeLink struct {
	id     uuid.UUID
	sent   [][]byte
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{id: uuid.New()}
}

func (f *fakeLink) ID() uuid.UUID                  { return f.id }
func (f *fakeLink) Send(msg []byte) bool           { f.sent = append(f.sent, msg); return true }
func (f *fakeLink) Close(err error)                { f.closed = true }
func (f *fakeLink) Ping(timeout time.Duration) error { return nil }

func testClaims() *auth.Claims {
	return &auth.Claims{
		UserID:      "user-1",
		Username:    "evaluator",
		Role:        auth.RoleEvaluator,
		Permissions: auth.RolePermissions(auth.RoleEvaluator),
	}
}

func TestAdmitAndLookup(t *testing.T) {
	reg := registry.New(newTestLogger())
	link := newFakeLink()

	conn := reg.Admit(link, testClaims())
	require.NotNil(t, conn)
	assert.Equal(t, link.ID(), conn.ID)
	assert.Equal(t, "user-1", conn.UserID)
	assert.True(t, conn.Alive)

	got, ok := reg.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, conn, got)
	assert.Equal(t, 1, reg.Count())
}

func TestEvictClosesTransportAndIsIdempotent(t *testing.T) {
	reg := registry.New(newTestLogger())
	link := newFakeLink()
	conn := reg.Admit(link, testClaims())

	var gotReason string
	reg.SetCallbacks(registry.Callbacks{
		OnDisconnected: func(c *registry.Connection, reason string) {
			gotReason = reason
		},
	})

	reg.Evict(conn.ID, "heartbeat timeout")
	assert.True(t, link.closed)
	assert.Equal(t, "heartbeat timeout", gotReason)
	assert.Equal(t, 0, reg.Count())

	// Second eviction is a no-op, not an error.
	gotReason = ""
	reg.Evict(conn.ID, "again")
	assert.Empty(t, gotReason)
}

func TestTouchUpdatesLiveness(t *testing.T) {
	reg := registry.New(newTestLogger())
	conn := reg.Admit(newFakeLink(), testClaims())

	wasAlive, ok := reg.MarkProbed(conn.ID)
	require.True(t, ok)
	assert.True(t, wasAlive)

	got, _ := reg.Get(conn.ID)
	assert.False(t, got.Alive)

	reg.Touch(conn.ID)
	got, _ = reg.Get(conn.ID)
	assert.True(t, got.Alive)
}

func TestMarkProbedUnknownConnection(t *testing.T) {
	reg := registry.New(newTestLogger())
	_, ok := reg.MarkProbed(uuid.New())
	assert.False(t, ok)
}

func TestSubscriptions(t *testing.T) {
	reg := registry.New(newTestLogger())
	conn := reg.Admit(newFakeLink(), testClaims())

	require.True(t, reg.Subscribe(conn.ID, "session-a"))
	require.True(t, reg.Subscribe(conn.ID, "session-a")) // duplicate is fine
	got, _ := reg.Get(conn.ID)
	assert.Len(t, got.Sessions, 1)

	reg.Unsubscribe(conn.ID, "session-a")
	got, _ = reg.Get(conn.ID)
	assert.Empty(t, got.Sessions)

	// Unknown ids are a no-op.
	assert.False(t, reg.Subscribe(uuid.New(), "session-a"))
	reg.Unsubscribe(uuid.New(), "session-a")
}

func TestListReturnsAllConnections(t *testing.T) {
	reg := registry.New(newTestLogger())
	reg.Admit(newFakeLink(), testClaims())
	reg.Admit(newFakeLink(), testClaims())

	assert.Len(t, reg.List(), 2)
}

func TestSubscribersOf(t *testing.T) {
	reg := registry.New(newTestLogger())
	subscriber := reg.Admit(newFakeLink(), testClaims())
	reg.Admit(newFakeLink(), testClaims())

	require.True(t, reg.Subscribe(subscriber.ID, "session-a"))
	assert.Equal(t, []uuid.UUID{subscriber.ID}, reg.SubscribersOf("session-a"))
	assert.Empty(t, reg.SubscribersOf("session-b"))
}

func TestViewsAreIsolatedCopies(t *testing.T) {
	reg := registry.New(newTestLogger())
	conn := reg.Admit(newFakeLink(), testClaims())
	require.True(t, reg.Subscribe(conn.ID, "session-a"))

	views := reg.Views()
	require.Len(t, views, 1)
	assert.Equal(t, conn.ID, views[0].ID)
	assert.Equal(t, []string{"session-a"}, views[0].Sessions)
	assert.True(t, views[0].Alive)

	// Later mutations never show through an earlier view.
	reg.Unsubscribe(conn.ID, "session-a")
	reg.MarkProbed(conn.ID)
	assert.Equal(t, []string{"session-a"}, views[0].Sessions)
	assert.True(t, views[0].Alive)
}

func TestOnConnectedCallback(t *testing.T) {
	reg := registry.New(newTestLogger())
	var connected int
	reg.SetCallbacks(registry.Callbacks{
		OnConnected: func(c *registry.Connection) { connected++ },
	})

	reg.Admit(newFakeLink(), testClaims())
	assert.Equal(t, 1, connected)
}

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/to-real/agentbench/pkg/protocol"
)

// Sender performs the actual transport writes for queued items. The
// router provides the implementation; the queue only does scheduling.
type Sender interface {
	// SendToConnection reports whether the write was handed to the
	// connection's transport.
	SendToConnection(connID uuid.UUID, msg *protocol.Message) bool
	// BroadcastToSession fans out to all current participants of a
	// session, excluding none.
	BroadcastToSession(sessionID string, msg *protocol.Message)
}

// Target names where a queued message should go: a specific connection
// or every current participant of a session.
type Target struct {
	ConnID    uuid.UUID
	SessionID string
}

type item struct {
	message     *protocol.Message
	target      Target
	enqueuedAt  time.Time
	attempts    int
	maxAttempts int
}

// FailureFunc is invoked when an item is dropped without delivery,
// with reason "expired" or "max_retries".
type FailureFunc func(msg *protocol.Message, reason string)

type Config struct {
	// Tick is the processing interval; failed sends retry with a fixed
	// backoff of one tick.
	Tick time.Duration
	// MessageTimeout bounds each item's lifetime in the queue.
	MessageTimeout time.Duration
	// MaxRetries bounds delivery attempts per item.
	MaxRetries int
	// MaxSize bounds the queue; when full the oldest item is dropped
	// to admit the newest.
	MaxSize int
}

// Queue provides best-effort at-least-once delivery with bounded
// retries and lifetime. Nothing is persisted; a restart loses all
// queued items.
type Queue struct {
	mu    sync.Mutex
	items []*item

	config    Config
	clock     clock.Clock
	sender    Sender
	onFailure FailureFunc
	logger    *slog.Logger
}

func NewQueue(logger *slog.Logger, clk clock.Clock, sender Sender, config Config) *Queue {
	return &Queue{
		config: config,
		clock:  clk,
		sender: sender,
		logger: logger.With(slog.String("component", "delivery_queue")),
	}
}

func (q *Queue) SetFailureHandler(fn FailureFunc) {
	q.onFailure = fn
}

// Enqueue adds a message for retry-based delivery. A full queue evicts
// its oldest item: freshness matters more than completeness for a live
// monitoring feed.
func (q *Queue) Enqueue(msg *protocol.Message, target Target) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.config.MaxSize > 0 && len(q.items) >= q.config.MaxSize {
		q.logger.Warn("Message queue full, dropping oldest message")
		q.items = q.items[1:]
	}
	q.items = append(q.items, &item{
		message:     msg,
		target:      target,
		enqueuedAt:  q.clock.Now(),
		maxAttempts: q.config.MaxRetries,
	})
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run processes the queue on a fixed tick until the context is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.Ticker(q.config.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessTick()
		}
	}
}

// ProcessTick walks the queue once: expired items and items out of
// retries are dropped, everything else gets one delivery attempt.
func (q *Queue) ProcessTick() {
	now := q.clock.Now()

	q.mu.Lock()
	pending := q.items
	q.items = q.items[:0:0]
	q.mu.Unlock()

	var kept []*item
	for _, it := range pending {
		if now.Sub(it.enqueuedAt) > q.lifetime(it) {
			q.fail(it, "expired")
			continue
		}
		if it.attempts >= it.maxAttempts {
			q.logger.Warn("Message delivery failed after max attempts",
				slog.String("messageID", it.message.ID),
				slog.Int("attempts", it.attempts),
			)
			q.fail(it, "max_retries")
			continue
		}

		if it.target.SessionID != "" {
			// Session fan-out is best effort and counts as delivered:
			// the participant set is re-read at send time.
			q.sender.BroadcastToSession(it.target.SessionID, it.message)
			continue
		}
		if q.sender.SendToConnection(it.target.ConnID, it.message) {
			continue
		}
		it.attempts++
		kept = append(kept, it)
	}

	if len(kept) > 0 {
		q.mu.Lock()
		// New enqueues during the tick stay behind the retried items.
		q.items = append(kept, q.items...)
		q.mu.Unlock()
	}
}

func (q *Queue) lifetime(it *item) time.Duration {
	if md := it.message.Metadata; md != nil && md.TTL > 0 {
		return time.Duration(md.TTL) * time.Millisecond
	}
	return q.config.MessageTimeout
}

func (q *Queue) fail(it *item, reason string) {
	if q.onFailure != nil {
		q.onFailure(it.message, reason)
	}
}

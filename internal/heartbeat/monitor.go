package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/to-real/agentbench/internal/registry"
)

// Prober sends a transport-level liveness probe. Implemented by the
// registry's transport handle; injected so tests can fake probes.
type Prober func(conn *registry.Connection, timeout time.Duration) error

// Monitor detects and evicts silently dead connections. Each sweep
// evicts connections that never answered the previous probe, then
// clears the rest's liveness flag and probes again. A connection is
// therefore evicted between one and two intervals after going silent.
type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	clock    clock.Clock
	probe    Prober

	onEviction func(connID uuid.UUID)
	logger     *slog.Logger
}

func NewMonitor(logger *slog.Logger, clk clock.Clock, reg *registry.Registry, interval time.Duration) *Monitor {
	m := &Monitor{
		registry: reg,
		interval: interval,
		clock:    clk,
		logger:   logger.With(slog.String("component", "heartbeat_monitor")),
	}
	m.probe = func(conn *registry.Connection, timeout time.Duration) error {
		return conn.Transport.Ping(timeout)
	}
	return m
}

// SetProber overrides the transport probe, for tests.
func (m *Monitor) SetProber(p Prober) {
	m.probe = p
}

// SetEvictionHandler wires a callback fired per heartbeat eviction.
func (m *Monitor) SetEvictionHandler(fn func(connID uuid.UUID)) {
	m.onEviction = fn
}

// Run sweeps on a fixed interval until the context is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep performs one probe pass over every registered connection.
// Probes run in parallel and the pass waits for them; each probe is
// bounded by the interval, so a pass never outlasts one interval.
func (m *Monitor) Sweep() {
	var probes sync.WaitGroup
	for _, conn := range m.registry.List() {
		wasAlive, ok := m.registry.MarkProbed(conn.ID)
		if !ok {
			continue
		}
		if !wasAlive {
			m.logger.Info("Client timeout", slog.String("connID", conn.ID.String()))
			m.registry.Evict(conn.ID, "heartbeat timeout")
			if m.onEviction != nil {
				m.onEviction(conn.ID)
			}
			continue
		}
		probes.Add(1)
		go func(c *registry.Connection) {
			defer probes.Done()
			if err := m.probe(c, m.interval); err == nil {
				m.registry.Touch(c.ID)
			}
		}(conn)
	}
	probes.Wait()
}

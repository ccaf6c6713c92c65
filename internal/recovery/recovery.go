// Package recovery supervises node health independently of the session
// state machine. It observes heartbeats, marks nodes degraded after
// consecutive misses, and notifies the coordinator — exclusion decisions
// stay with the coordinator.
package recovery

import (
	"context"
	"log"
	"sync"
	"time"
)

// Options tune the supervisor.
type Options struct {
	HeartbeatInterval time.Duration // expected beat cadence, default 2s
	MissThreshold     int           // consecutive misses before degraded, default 3
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.MissThreshold <= 0 {
		o.MissThreshold = 3
	}
}

type health struct {
	lastBeat time.Time
	misses   int
	degraded bool
}

// Manager tracks heartbeat health per node.
type Manager struct {
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	nodes map[string]*health

	// onDegraded fires when a node crosses the miss threshold;
	// onRecovered fires when a degraded node beats again. Both run on the
	// sweep/heartbeat goroutine and must not block.
	onDegraded  func(nodeID string)
	onRecovered func(nodeID string)
}

// NewManager creates a supervisor. Callbacks may be nil.
func NewManager(opts Options, onDegraded, onRecovered func(nodeID string)) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:        opts,
		now:         time.Now,
		nodes:       make(map[string]*health),
		onDegraded:  onDegraded,
		onRecovered: onRecovered,
	}
}

// Track starts supervising a node as of now.
func (m *Manager) Track(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok {
		m.nodes[nodeID] = &health{lastBeat: m.now()}
	}
}

// Forget stops supervising a node.
func (m *Manager) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Heartbeat records a beat. A beat from a degraded node counts as a
// reconnection and triggers the recovery callback so the coordinator can
// attempt a rejoin.
func (m *Manager) Heartbeat(nodeID string) {
	m.mu.Lock()
	h, ok := m.nodes[nodeID]
	if !ok {
		h = &health{}
		m.nodes[nodeID] = h
	}
	h.lastBeat = m.now()
	h.misses = 0
	wasDegraded := h.degraded
	h.degraded = false
	m.mu.Unlock()

	if wasDegraded {
		log.Printf("recovery: node=%s heartbeat resumed", nodeID)
		if m.onRecovered != nil {
			m.onRecovered(nodeID)
		}
	}
}

// Degraded reports whether a node is currently degraded.
func (m *Manager) Degraded(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.nodes[nodeID]
	return ok && h.degraded
}

// Run sweeps at the heartbeat interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep counts one miss for every node whose last beat is older than the
// interval and degrades nodes past the threshold.
func (m *Manager) sweep() {
	now := m.now()
	var degraded []string

	m.mu.Lock()
	for nodeID, h := range m.nodes {
		if h.degraded {
			continue
		}
		if now.Sub(h.lastBeat) <= m.opts.HeartbeatInterval {
			h.misses = 0
			continue
		}
		h.misses++
		if h.misses >= m.opts.MissThreshold {
			h.degraded = true
			degraded = append(degraded, nodeID)
		}
	}
	m.mu.Unlock()

	for _, nodeID := range degraded {
		log.Printf("recovery: node=%s degraded after %d missed heartbeats", nodeID, m.opts.MissThreshold)
		if m.onDegraded != nil {
			m.onDegraded(nodeID)
		}
	}
}

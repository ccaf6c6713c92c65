package channel

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"capctl/internal/protocol"
)

// Hub indexes live node channels by node ID. Broadcast is parallel unicast:
// each node gets its own send and its own failure, so one dead channel
// cannot stall the rest.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Add registers a channel under a node ID, replacing any previous channel
// for that node. The replaced channel, if any, is returned so the caller
// can close it.
func (h *Hub) Add(nodeID string, c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.conns[nodeID]
	h.conns[nodeID] = c
	return prev
}

// Remove drops a channel, but only if it is still the current one for the
// node. It reports whether the channel was current: a reconnect may already
// have replaced it, and the caller must not treat a superseded channel's
// teardown as the node going away.
func (h *Hub) Remove(nodeID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[nodeID] == c {
		delete(h.conns, nodeID)
		return true
	}
	return false
}

// Get returns the channel for a node, if connected.
func (h *Hub) Get(nodeID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[nodeID]
	return c, ok
}

// IDs returns the connected node IDs in sorted order.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Send delivers a fire-and-forget message to one node.
func (h *Hub) Send(nodeID string, msg protocol.Message) error {
	c, ok := h.Get(nodeID)
	if !ok {
		return ErrConnectionLost
	}
	_, err := c.Send(msg)
	return err
}

// Request sends a command to one node and waits for its Ack.
func (h *Hub) Request(ctx context.Context, nodeID string, msg protocol.Message) error {
	c, ok := h.Get(nodeID)
	if !ok {
		return ErrConnectionLost
	}
	_, err := c.Request(ctx, msg)
	return err
}

// Broadcast sends a command to every listed node in parallel and collects
// per-node results. Nodes without a live channel fail with
// ErrConnectionLost; a nil map value means the node acked.
func (h *Hub) Broadcast(ctx context.Context, nodeIDs []string, msg protocol.Message) map[string]error {
	results := make(map[string]error, len(nodeIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range nodeIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Request(ctx, id, msg)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"capctl/internal/channel"
	"capctl/internal/protocol"
)

// probeReply carries one TimeSyncResponse back to the waiting prober. The
// receive stamp is taken on the connection read loop, before any queueing.
type probeReply struct {
	nodeTime time.Time
	recvTime time.Time
}

// prober implements clocksync.Transport over the control channel: one
// outstanding probe per node, answered by the read-loop dispatch.
type prober struct {
	hub *channel.Hub

	mu       sync.Mutex
	inflight map[string]chan probeReply
}

func newProber(hub *channel.Hub) *prober {
	return &prober{hub: hub, inflight: make(map[string]chan probeReply)}
}

// RoundTrip sends a TimeSyncRequest and waits for the node's echo.
func (p *prober) RoundTrip(ctx context.Context, nodeID string, sendTime time.Time) (time.Time, time.Time, error) {
	reply := make(chan probeReply, 1)

	p.mu.Lock()
	if _, busy := p.inflight[nodeID]; busy {
		p.mu.Unlock()
		return time.Time{}, time.Time{}, fmt.Errorf("probe already in flight for %s", nodeID)
	}
	p.inflight[nodeID] = reply
	p.mu.Unlock()
	defer p.drop(nodeID)

	if err := p.hub.Send(nodeID, protocol.TimeSyncRequest{SenderSendTime: sendTime.UnixNano()}); err != nil {
		return time.Time{}, time.Time{}, err
	}

	select {
	case r := <-reply:
		return r.nodeTime, r.recvTime, nil
	case <-ctx.Done():
		return time.Time{}, time.Time{}, ctx.Err()
	}
}

// deliver resolves the outstanding probe for a node. Unsolicited responses
// are dropped.
func (p *prober) deliver(nodeID string, nodeTime, recvTime time.Time) {
	p.mu.Lock()
	reply, ok := p.inflight[nodeID]
	if ok {
		delete(p.inflight, nodeID)
	}
	p.mu.Unlock()
	if ok {
		reply <- probeReply{nodeTime: nodeTime, recvTime: recvTime}
	}
}

func (p *prober) drop(nodeID string) {
	p.mu.Lock()
	delete(p.inflight, nodeID)
	p.mu.Unlock()
}

// Package syncengine runs clock probing across the registered fleet and
// owns the authoritative per-node SyncEstimate table.
package syncengine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"capctl/internal/clocksync"
	"capctl/internal/model"
)

// ErrPrecisionUnmet means a node could not be driven under the precision
// tolerance within the allowed attempts. The node keeps its best-available
// estimate but is not trusted for session start.
var ErrPrecisionUnmet = errors.New("precision tolerance unmet")

// ErrUnknownNode means the node is not tracked by the engine.
var ErrUnknownNode = errors.New("unknown node")

// Observer receives probe outcomes. Implemented by the metrics set; nil
// disables observation.
type Observer interface {
	ObserveProbe(nodeID string, rtt time.Duration, err error)
	SetPrecision(nodeID string, precision time.Duration)
}

// Options tune the engine. Zero values fall back to the listed defaults.
type Options struct {
	ProbeTimeout    time.Duration // per-probe wait, default 250ms
	Window          int           // rolling window size, default 20
	Tolerance       time.Duration // precision threshold, default 5ms
	InitialAttempts int           // rapid-sync probe budget, default 40
	InitialGap      time.Duration // gap between rapid probes, default 50ms
	ResyncInterval  time.Duration // steady-state per-node period, default 10s
	Extrapolation   time.Duration // drift extrapolation trust horizon, default 30s
}

func (o *Options) applyDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 250 * time.Millisecond
	}
	if o.Window <= 0 {
		o.Window = 20
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 5 * time.Millisecond
	}
	if o.InitialAttempts <= 0 {
		o.InitialAttempts = 40
	}
	if o.InitialGap <= 0 {
		o.InitialGap = 50 * time.Millisecond
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 10 * time.Second
	}
	if o.Extrapolation <= 0 {
		o.Extrapolation = 30 * time.Second
	}
}

type nodeSync struct {
	window   *clocksync.Window
	estimate model.SyncEstimate
	hasEst   bool
}

// Engine owns the estimate table. All mutation goes through its methods;
// readers get snapshots.
type Engine struct {
	opts Options
	tr   clocksync.Transport
	obs  Observer
	now  func() time.Time

	mu    sync.RWMutex
	nodes map[string]*nodeSync
	order []string // round-robin probe order
	next  int
}

// New creates an engine probing through tr.
func New(tr clocksync.Transport, opts Options, obs Observer) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:  opts,
		tr:    tr,
		obs:   obs,
		now:   time.Now,
		nodes: make(map[string]*nodeSync),
	}
}

// Track starts maintaining an estimate for a node.
func (e *Engine) Track(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[nodeID]; ok {
		return
	}
	e.nodes[nodeID] = &nodeSync{window: clocksync.NewWindow(e.opts.Window)}
	e.order = append(e.order, nodeID)
}

// Forget drops a node's window and estimate.
func (e *Engine) Forget(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, nodeID)
	for i, id := range e.order {
		if id == nodeID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.next >= len(e.order) {
		e.next = 0
	}
}

// ProbeOnce runs a single probe round against a node and refreshes its
// estimate. A timeout drops the sample and returns ErrProbeTimeout.
func (e *Engine) ProbeOnce(ctx context.Context, nodeID string) error {
	e.mu.RLock()
	_, tracked := e.nodes[nodeID]
	e.mu.RUnlock()
	if !tracked {
		return ErrUnknownNode
	}

	sample, err := clocksync.Probe(ctx, e.tr, nodeID, e.opts.ProbeTimeout)
	if e.obs != nil {
		e.obs.ObserveProbe(nodeID, sample.RTT, err)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	ns, ok := e.nodes[nodeID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownNode
	}
	ns.window.Add(sample)
	ns.estimate = ns.window.Estimate(e.opts.Tolerance)
	ns.hasEst = true
	precision := ns.estimate.Precision
	e.mu.Unlock()

	if e.obs != nil {
		e.obs.SetPrecision(nodeID, precision)
	}
	return nil
}

// InitialSync probes a node in rapid succession until its precision meets
// tolerance or the attempt budget runs out. The best-available estimate is
// kept either way; ErrPrecisionUnmet reports the miss.
func (e *Engine) InitialSync(ctx context.Context, nodeID string) (model.SyncEstimate, error) {
	for attempt := 0; attempt < e.opts.InitialAttempts; attempt++ {
		if err := e.ProbeOnce(ctx, nodeID); err != nil {
			if errors.Is(err, clocksync.ErrProbeTimeout) {
				// Dropped sample; keep going.
			} else if errors.Is(err, ErrUnknownNode) || ctx.Err() != nil {
				return model.SyncEstimate{}, err
			}
		}

		if est, ok := e.Estimate(nodeID); ok && est.Confident {
			return est, nil
		}

		select {
		case <-ctx.Done():
			return model.SyncEstimate{}, ctx.Err()
		case <-time.After(e.opts.InitialGap):
		}
	}

	est, ok := e.Estimate(nodeID)
	if !ok {
		return model.SyncEstimate{}, ErrPrecisionUnmet
	}
	return est, ErrPrecisionUnmet
}

// EnsureSynced returns the current estimate when it is confident and
// fresh, otherwise re-runs an initial sync.
func (e *Engine) EnsureSynced(ctx context.Context, nodeID string) (model.SyncEstimate, error) {
	if est, ok := e.Estimate(nodeID); ok && est.Confident {
		return est, nil
	}
	return e.InitialSync(ctx, nodeID)
}

// Estimate returns a snapshot of a node's estimate. Past the
// extrapolation horizon the estimate keeps extrapolating but loses
// confidence, so callers can tell a fresh fix from a stale prediction.
func (e *Engine) Estimate(nodeID string) (model.SyncEstimate, bool) {
	e.mu.RLock()
	ns, ok := e.nodes[nodeID]
	if !ok || !ns.hasEst {
		e.mu.RUnlock()
		return model.SyncEstimate{}, false
	}
	est := ns.estimate
	e.mu.RUnlock()

	if est.Confident && e.now().Sub(est.LastSample) > e.opts.Extrapolation {
		est.Confident = false
	}
	return est, true
}

// Estimates returns a snapshot of the whole table.
func (e *Engine) Estimates() map[string]model.SyncEstimate {
	e.mu.RLock()
	ids := make([]string, 0, len(e.nodes))
	for id, ns := range e.nodes {
		if ns.hasEst {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	out := make(map[string]model.SyncEstimate, len(ids))
	for _, id := range ids {
		if est, ok := e.Estimate(id); ok {
			out[id] = est
		}
	}
	return out
}

// CorrectedTimestamp maps a node-local event time onto the controller
// timeline. Pure over the estimate snapshot; never touches the network.
// The second return is false when no estimate exists for the node.
func (e *Engine) CorrectedTimestamp(nodeID string, local time.Time) (time.Time, bool) {
	est, ok := e.Estimate(nodeID)
	if !ok {
		return local, false
	}
	return clocksync.Corrected(est, local), true
}

// Run performs staggered steady-state re-sync: one probe in flight at a
// time, cycling through tracked nodes so each is probed about once per
// ResyncInterval. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		nodeID, gap := e.nextSlot()

		select {
		case <-ctx.Done():
			return
		case <-time.After(gap):
		}

		if nodeID == "" {
			continue
		}
		if err := e.ProbeOnce(ctx, nodeID); err != nil && !errors.Is(err, ErrUnknownNode) {
			if ctx.Err() != nil {
				return
			}
			log.Printf("syncengine: probe node=%s: %v", nodeID, err)
		}
	}
}

// nextSlot picks the next node in round-robin order and the delay before
// probing it, dividing the per-node period across the fleet.
func (e *Engine) nextSlot() (string, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.order) == 0 {
		return "", e.opts.ResyncInterval
	}
	if e.next >= len(e.order) {
		e.next = 0
	}
	nodeID := e.order[e.next]
	e.next++
	return nodeID, e.opts.ResyncInterval / time.Duration(len(e.order))
}

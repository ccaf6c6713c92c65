// Package session drives the recording session state machine:
// Created -> Preparing -> Syncing -> Starting -> Active -> Stopping ->
// Completed, with Aborted reachable only before recording starts. One
// goroutine owns the Session value; commands and node events arrive over
// channels, and every reader gets a copy.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"capctl/internal/channel"
	"capctl/internal/model"
	"capctl/internal/protocol"
	"capctl/internal/recovery"
)

var (
	// ErrNoReadyDevices aborts a session when every intended participant
	// dropped out before recording started. This is the only session-level
	// failure visible to callers.
	ErrNoReadyDevices = errors.New("no ready devices")
	// ErrSessionInProgress rejects a second concurrent session.
	ErrSessionInProgress = errors.New("session already in progress")
	// ErrNoSession means there is nothing to stop or inspect.
	ErrNoSession = errors.New("no session")
)

// Exclusion and degradation reasons recorded on participants.
const (
	ReasonAckTimeout     = "ack_timeout"
	ReasonConnectionLost = "connection_lost"
	ReasonPrecisionUnmet = "precision_unmet"
	ReasonStartTimeout   = "start_timeout"
	ReasonHeartbeatLost  = "heartbeat_lost"
)

// Commander delivers commands to nodes and reports per-node outcomes.
// Satisfied by channel.Hub.
type Commander interface {
	Broadcast(ctx context.Context, nodeIDs []string, msg protocol.Message) map[string]error
}

// SyncProvider drives a node's clock estimate under tolerance.
// Satisfied by syncengine.Engine.
type SyncProvider interface {
	EnsureSynced(ctx context.Context, nodeID string) (model.SyncEstimate, error)
}

// Observer counts state transitions and exclusions. Nil disables it.
type Observer interface {
	SessionTransition(state string)
	NodeExcluded(reason string)
}

// EventKind tags node events fed into the coordinator.
type EventKind int

const (
	EventStarted EventKind = iota // node confirmed recording started
	EventStopped                  // node confirmed recording stopped
	EventDegraded                 // heartbeat supervision degraded the node
	EventLost                     // control channel dropped
	EventRejoined                 // degraded node reconnected and re-synced
)

// Event is one node-scoped occurrence. Per-node events are independent:
// session progress is derived from sets, never from arrival interleaving.
type Event struct {
	Kind      EventKind
	NodeID    string
	SessionID string
}

// Options tune the coordinator.
type Options struct {
	PrepareTimeout time.Duration // wait for SessionPrepare acks, default 5s
	StartLead      time.Duration // future offset of the global start, default 500ms
	StartTimeout   time.Duration // wait for started confirmations, default 5s
	StopTimeout    time.Duration // wait for stopped confirmations, default 5s
	RetryAttempts  int           // command attempts per node per phase, default 5
	RetryBase      time.Duration // backoff base between command retries, default 200ms
	DataDir        string        // archive directory; empty disables archiving
}

func (o *Options) applyDefaults() {
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = 5 * time.Second
	}
	if o.StartLead <= 0 {
		o.StartLead = 500 * time.Millisecond
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 5 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
}

// Coordinator owns the session record.
type Coordinator struct {
	opts    Options
	hub     Commander
	sync    SyncProvider
	obs     Observer
	clock   func() time.Time
	backoff recovery.Backoff

	cmds   chan func()
	events chan Event

	// cur is touched only by the run goroutine.
	cur *model.Session

	// snap is the last published copy, readable without the run goroutine.
	snapMu sync.Mutex
	snap   *model.Session
}

// New creates a coordinator. Run must be started before commands are issued.
func New(hub Commander, sync SyncProvider, obs Observer, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		opts:    opts,
		hub:     hub,
		sync:    sync,
		obs:     obs,
		clock:   time.Now,
		backoff: recovery.Backoff{Base: opts.RetryBase, MaxAttempts: opts.RetryAttempts},
		cmds:    make(chan func()),
		events:  make(chan Event, 128),
	}
}

// Run processes commands and node events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			cmd()
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// Notify feeds a node event to the coordinator. Never blocks; under
// pathological backlog the event is dropped and logged, which at worst
// delays a degradation until the next heartbeat signal.
func (c *Coordinator) Notify(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("session: event queue full, dropped kind=%d node=%s", ev.Kind, ev.NodeID)
	}
}

// Start creates a session over the given nodes and drives it to Active.
// Nodes that fail a phase are excluded, never silently dropped; the
// session aborts only when nobody is left before recording begins.
func (c *Coordinator) Start(ctx context.Context, cfg model.SessionConfig, nodeIDs []string) (model.Session, error) {
	type result struct {
		sess model.Session
		err  error
	}
	reply := make(chan result, 1)

	select {
	case c.cmds <- func() {
		sess, err := c.runStart(ctx, cfg, nodeIDs)
		reply <- result{sess, err}
	}:
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}

	res := <-reply
	return res.sess, res.err
}

// Stop ends the current session. Idempotent: stopping a session that
// already reached a terminal state returns that state again with no new
// side effects.
func (c *Coordinator) Stop(ctx context.Context) (model.Session, error) {
	type result struct {
		sess model.Session
		err  error
	}
	reply := make(chan result, 1)

	select {
	case c.cmds <- func() {
		sess, err := c.runStop(ctx)
		reply <- result{sess, err}
	}:
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}

	res := <-reply
	return res.sess, res.err
}

// Current returns a copy of the session record, if any. It reads the last
// published snapshot, so it never waits on the run goroutine even while a
// phase timeout is in progress.
func (c *Coordinator) Current() (model.Session, bool) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.snap == nil {
		return model.Session{}, false
	}
	return c.snap.Clone(), true
}

// publish refreshes the snapshot behind Current. Run-goroutine only.
func (c *Coordinator) publish() {
	if c.cur == nil {
		return
	}
	sess := c.cur.Clone()
	c.snapMu.Lock()
	c.snap = &sess
	c.snapMu.Unlock()
}

// runStart executes the pre-Active phases on the run goroutine.
func (c *Coordinator) runStart(ctx context.Context, cfg model.SessionConfig, nodeIDs []string) (model.Session, error) {
	if c.cur != nil && !c.cur.State.Terminal() {
		return c.cur.Clone(), ErrSessionInProgress
	}
	if len(nodeIDs) == 0 {
		return model.Session{}, ErrNoReadyDevices
	}

	sess := &model.Session{
		ID:        newSessionID(),
		State:     model.SessionCreated,
		Config:    cfg,
		CreatedAt: c.clock().UTC(),
	}
	for _, id := range nodeIDs {
		sess.Participants = append(sess.Participants, model.Participant{
			NodeID: id,
			Status: model.ParticipantPending,
		})
	}
	c.cur = sess
	c.publish()

	c.phasePrepare(ctx, sess)
	if c.abortIfEmpty(sess) {
		return sess.Clone(), ErrNoReadyDevices
	}

	c.phaseSync(ctx, sess)
	if c.abortIfEmpty(sess) {
		return sess.Clone(), ErrNoReadyDevices
	}

	c.phaseStart(ctx, sess)
	if c.abortIfEmpty(sess) {
		return sess.Clone(), ErrNoReadyDevices
	}

	c.setState(sess, model.SessionActive)
	log.Printf("session: id=%s active participants=%d excluded=%d",
		sess.ID, sess.CountByStatus(model.ParticipantActive), sess.CountByStatus(model.ParticipantExcluded))
	return sess.Clone(), nil
}

// phasePrepare sends SessionPrepare to every pending node and excludes
// those that fail to ack within the retry budget.
func (c *Coordinator) phasePrepare(ctx context.Context, sess *model.Session) {
	c.setState(sess, model.SessionPreparing)

	pctx, cancel := context.WithTimeout(ctx, c.opts.PrepareTimeout)
	defer cancel()

	results := c.broadcast(pctx, pendingIDs(sess), protocol.SessionPrepare{
		SessionID:   sess.ID,
		SensorTypes: sess.Config.SensorTypes,
	})
	c.excludeFailed(sess, results)
}

// broadcast delivers a command with bounded retry: a transient per-node
// failure gets backed-off re-sends before the caller may exclude the node.
// Acked nodes are not re-sent; the phase context bounds the whole exchange.
func (c *Coordinator) broadcast(ctx context.Context, nodeIDs []string, msg protocol.Message) map[string]error {
	results := c.hub.Broadcast(ctx, nodeIDs, msg)

	for attempt := 1; attempt < c.opts.RetryAttempts; attempt++ {
		failed := make([]string, 0)
		for id, err := range results {
			if err != nil {
				failed = append(failed, id)
			}
		}
		if len(failed) == 0 || ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			return results
		case <-time.After(c.backoff.Delay(attempt - 1)):
		}

		for id, err := range c.hub.Broadcast(ctx, failed, msg) {
			results[id] = err
		}
	}
	return results
}

// phaseSync drives every remaining participant under precision tolerance.
// A node that cannot converge is excluded instead of blocking the rest.
func (c *Coordinator) phaseSync(ctx context.Context, sess *model.Session) {
	c.setState(sess, model.SessionSyncing)

	for _, id := range pendingIDs(sess) {
		est, err := c.sync.EnsureSynced(ctx, id)
		if err != nil || !est.Confident {
			c.exclude(sess, id, ReasonPrecisionUnmet)
		}
	}
}

// phaseStart assigns the immutable global start timestamp, broadcasts it,
// and waits for an explicit started confirmation from every participant.
func (c *Coordinator) phaseStart(ctx context.Context, sess *model.Session) {
	c.setState(sess, model.SessionStarting)

	if sess.GlobalStart.IsZero() {
		sess.GlobalStart = c.clock().Add(c.opts.StartLead).UTC()
	}

	sctx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()

	results := c.broadcast(sctx, pendingIDs(sess), protocol.SessionStart{
		SessionID:       sess.ID,
		GlobalStartTime: sess.GlobalStart.UnixNano(),
	})
	c.excludeFailed(sess, results)

	c.awaitConfirmations(ctx, sess, EventStarted, c.opts.StartTimeout, func(nodeID string) {
		p := sess.Participant(nodeID)
		p.Status = model.ParticipantActive
		p.Reason = ""
	}, func(nodeID string) {
		c.exclude(sess, nodeID, ReasonStartTimeout)
	})
}

// awaitConfirmations consumes node events until every pending participant
// confirmed, the phase timeout fired, or ctx was cancelled. Confirmations
// are tracked as a set: arrival order across nodes carries no meaning.
func (c *Coordinator) awaitConfirmations(ctx context.Context, sess *model.Session, kind EventKind, timeout time.Duration, confirm func(nodeID string), missed func(nodeID string)) {
	waiting := make(map[string]bool)
	for _, id := range pendingIDs(sess) {
		waiting[id] = true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(waiting) > 0 {
		select {
		case ev := <-c.events:
			if ev.Kind == kind && waiting[ev.NodeID] && ev.SessionID == sess.ID {
				delete(waiting, ev.NodeID)
				confirm(ev.NodeID)
				c.publish()
				continue
			}
			c.handleEvent(ev)
			// An event may have excluded a node we were waiting on.
			for id := range waiting {
				if p := sess.Participant(id); p != nil && p.Status == model.ParticipantExcluded {
					delete(waiting, id)
				}
			}
		case <-timer.C:
			for id := range waiting {
				missed(id)
			}
			return
		case <-ctx.Done():
			for id := range waiting {
				missed(id)
			}
			return
		}
	}
}

// runStop executes Stopping -> Completed on the run goroutine.
func (c *Coordinator) runStop(ctx context.Context) (model.Session, error) {
	sess := c.cur
	if sess == nil {
		return model.Session{}, ErrNoSession
	}
	if sess.State.Terminal() {
		return sess.Clone(), nil
	}

	c.setState(sess, model.SessionStopping)

	ids := activeIDs(sess)
	sctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()
	results := c.hub.Broadcast(sctx, ids, protocol.SessionStop{SessionID: sess.ID})
	for id, err := range results {
		if err != nil {
			// Data is safe on the node itself; an unresponsive node never
			// blocks completion.
			log.Printf("session: id=%s stop unconfirmed node=%s: %v", sess.ID, id, err)
		}
	}

	c.setState(sess, model.SessionCompleted)
	sess.EndedAt = c.clock().UTC()
	c.publish()
	c.archive(sess)
	return sess.Clone(), nil
}

// handleEvent applies node events outside phase waits. A failure after
// recording has begun only changes that node's participation; the session
// itself never aborts past Starting.
func (c *Coordinator) handleEvent(ev Event) {
	sess := c.cur
	if sess == nil || sess.State.Terminal() {
		return
	}
	p := sess.Participant(ev.NodeID)
	if p == nil || p.Status == model.ParticipantExcluded {
		return
	}

	switch ev.Kind {
	case EventDegraded:
		if p.Status == model.ParticipantActive {
			p.Status = model.ParticipantDegraded
			p.Reason = ReasonHeartbeatLost
			log.Printf("session: id=%s node=%s degraded", sess.ID, ev.NodeID)
		}
	case EventLost:
		if p.Status == model.ParticipantActive || p.Status == model.ParticipantDegraded {
			p.Status = model.ParticipantDegraded
			p.Reason = ReasonConnectionLost
			log.Printf("session: id=%s node=%s connection lost", sess.ID, ev.NodeID)
		} else if p.Status == model.ParticipantPending {
			// Before recording starts a lost node cannot participate.
			c.exclude(sess, ev.NodeID, ReasonConnectionLost)
		}
	case EventRejoined:
		if p.Status == model.ParticipantDegraded && sess.State == model.SessionActive {
			p.Status = model.ParticipantActive
			p.Reason = ""
			log.Printf("session: id=%s node=%s rejoined", sess.ID, ev.NodeID)
		}
	case EventStarted, EventStopped:
		// Late confirmations outside a phase wait carry no state change.
	}
	c.publish()
}

func (c *Coordinator) abortIfEmpty(sess *model.Session) bool {
	if sess.CountByStatus(model.ParticipantPending)+sess.CountByStatus(model.ParticipantActive) > 0 {
		return false
	}
	c.setState(sess, model.SessionAborted)
	sess.AbortReason = ErrNoReadyDevices.Error()
	sess.EndedAt = c.clock().UTC()
	c.publish()
	c.archive(sess)
	log.Printf("session: id=%s aborted: %s", sess.ID, sess.AbortReason)
	return true
}

func (c *Coordinator) excludeFailed(sess *model.Session, results map[string]error) {
	for id, err := range results {
		if err == nil {
			continue
		}
		reason := ReasonAckTimeout
		if errors.Is(err, channel.ErrConnectionLost) {
			reason = ReasonConnectionLost
		}
		c.exclude(sess, id, reason)
	}
}

func (c *Coordinator) exclude(sess *model.Session, nodeID, reason string) {
	p := sess.Participant(nodeID)
	if p == nil || p.Status == model.ParticipantExcluded {
		return
	}
	p.Status = model.ParticipantExcluded
	p.Reason = reason
	if c.obs != nil {
		c.obs.NodeExcluded(reason)
	}
	c.publish()
	log.Printf("session: id=%s node=%s excluded reason=%s", sess.ID, nodeID, reason)
}

func (c *Coordinator) setState(sess *model.Session, state model.SessionState) {
	sess.State = state
	if c.obs != nil {
		c.obs.SessionTransition(string(state))
	}
	c.publish()
}

// archive writes the terminal session record to the data dir.
func (c *Coordinator) archive(sess *model.Session) {
	if c.opts.DataDir == "" {
		return
	}
	dir := filepath.Join(c.opts.DataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("session: archive mkdir: %v", err)
		return
	}
	data, err := yaml.Marshal(sess)
	if err != nil {
		log.Printf("session: archive marshal: %v", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.yaml", sess.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("session: archive write: %v", err)
	}
}

func pendingIDs(sess *model.Session) []string {
	ids := make([]string, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if p.Status == model.ParticipantPending {
			ids = append(ids, p.NodeID)
		}
	}
	return ids
}

func activeIDs(sess *model.Session) []string {
	ids := make([]string, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if p.Status == model.ParticipantActive || p.Status == model.ParticipantDegraded {
			ids = append(ids, p.NodeID)
		}
	}
	return ids
}

func newSessionID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Package agent runs on a capture device. It keeps a control channel to
// the controller, answers time probes from the read loop, arms and fires
// sensor drivers on session commands, and reports heartbeats. Recording
// survives controller disconnects: a torn channel never stops a driver.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"capctl/internal/channel"
	"capctl/internal/config"
	"capctl/internal/model"
	"capctl/internal/protocol"
	"capctl/internal/recovery"
	"capctl/internal/sensor"
	"capctl/internal/stunutil"
)

const (
	dialTimeout = 5 * time.Second
	stunTimeout = 3 * time.Second
)

// Agent is the on-device control-plane endpoint.
type Agent struct {
	cfg config.NodeConfig

	mu         sync.Mutex
	drivers    map[string]sensor.Driver // armed for the current session
	sessionID  string
	recording  bool
	roughSkew  time.Duration // local minus controller, one-way latency included
	startTimer *time.Timer

	// newDriver is swappable for tests.
	newDriver func(sensorType string) (sensor.Driver, error)
}

// New builds an agent from node config. Defaults must already be applied.
func New(cfg config.NodeConfig) *Agent {
	return &Agent{
		cfg:       cfg,
		drivers:   make(map[string]sensor.Driver),
		newDriver: sensor.New,
	}
}

// Run connects to the controller and serves the control channel until ctx
// is cancelled, reconnecting with backoff after each loss. Session state
// is kept across reconnects so an in-flight recording continues.
func (a *Agent) Run(ctx context.Context) error {
	backoff := recovery.Backoff{Base: time.Duration(a.cfg.RetryBaseMS) * time.Millisecond}

	for attempt := 0; ; attempt++ {
		connected := time.Now()
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(connected) > time.Minute {
			attempt = 0 // a long-lived connection resets the backoff
		}

		delay := backoff.Delay(attempt)
		log.Printf("agent: connection lost node=%s controller=%s retry_in=%s: %v",
			a.cfg.Name, a.cfg.Controller, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	conn, err := channel.Dial(a.cfg.Controller, a.cfg.Name, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := protocol.Register{
		NodeID:       a.cfg.Name,
		Capabilities: a.cfg.Sensors,
	}
	if len(a.cfg.STUNServers) > 0 {
		addr, natType, err := stunutil.Probe(ctx, a.cfg.STUNServers, stunTimeout)
		if err != nil {
			log.Printf("agent: STUN probe failed node=%s: %v", a.cfg.Name, err)
		} else {
			reg.PublicAddr = addr
			reg.NATType = natType
		}
	}
	if _, err := conn.Send(reg); err != nil {
		return err
	}
	log.Printf("agent: registered node=%s controller=%s sensors=%v",
		a.cfg.Name, a.cfg.Controller, a.cfg.Sensors)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go a.heartbeatLoop(hbCtx, conn)

	return conn.Serve(ctx, a.handle)
}

// handle dispatches inbound controller messages. It runs on the read loop:
// the time-sync echo stays inline so queueing never inflates the RTT, and
// everything else is quick state flips.
func (a *Agent) handle(c *channel.Conn, env protocol.Envelope, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TimeSyncRequest:
		now := time.Now()
		if _, err := c.Send(protocol.TimeSyncResponse{NodeLocalTime: now.UnixNano()}); err != nil {
			log.Printf("agent: time sync reply failed node=%s: %v", a.cfg.Name, err)
		}
		// Coarse skew estimate for scheduling the start timer. The one-way
		// latency baked in here is dwarfed by StartLead; precise alignment
		// happens on the controller via corrected timestamps.
		a.mu.Lock()
		a.roughSkew = now.Sub(protocol.NanosToTime(m.SenderSendTime))
		a.mu.Unlock()

	case *protocol.SessionPrepare:
		if err := a.prepare(*m); err != nil {
			a.replyError(c, env, err)
			return
		}
		a.ack(c, env)

	case *protocol.SessionStart:
		if err := a.scheduleStart(c, *m); err != nil {
			a.replyError(c, env, err)
			return
		}
		a.ack(c, env)

	case *protocol.SessionStop:
		a.stop(m.SessionID)
		a.sendStatus(c, protocol.DeviceStopped, m.SessionID)
		a.ack(c, env)

	default:
		if _, err := c.Send(protocol.Error{
			Code:    protocol.CodeUnsupported,
			Message: fmt.Sprintf("unexpected %s on node", env.Type),
		}); err != nil {
			log.Printf("agent: error reply failed node=%s: %v", a.cfg.Name, err)
		}
	}
}

// prepare arms one driver per requested sensor type this node declares.
func (a *Agent) prepare(m protocol.SessionPrepare) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording {
		return fmt.Errorf("session %s still recording", a.sessionID)
	}

	armed := make(map[string]sensor.Driver)
	for _, typ := range m.SensorTypes {
		if !a.hasSensor(typ) {
			continue
		}
		d, err := a.newDriver(typ)
		if err != nil {
			return err
		}
		armed[typ] = d
	}
	if len(armed) == 0 {
		return fmt.Errorf("no matching sensors for session %s", m.SessionID)
	}

	a.drivers = armed
	a.sessionID = m.SessionID
	log.Printf("agent: prepared node=%s session=%s sensors=%d", a.cfg.Name, m.SessionID, len(armed))
	return nil
}

// scheduleStart arms a timer to fire the drivers at the global start time
// translated onto the local clock.
func (a *Agent) scheduleStart(c *channel.Conn, m protocol.SessionStart) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionID != m.SessionID || len(a.drivers) == 0 {
		return fmt.Errorf("session %s not prepared", m.SessionID)
	}

	localStart := protocol.NanosToTime(m.GlobalStartTime).Add(a.roughSkew)
	wait := time.Until(localStart)
	if wait < 0 {
		wait = 0 // late delivery starts immediately rather than never
	}

	if a.startTimer != nil {
		a.startTimer.Stop()
	}
	a.startTimer = time.AfterFunc(wait, func() { a.fireStart(c, m.SessionID) })
	log.Printf("agent: start scheduled node=%s session=%s in=%s", a.cfg.Name, m.SessionID, wait)
	return nil
}

func (a *Agent) fireStart(c *channel.Conn, sessionID string) {
	a.mu.Lock()
	if a.sessionID != sessionID {
		a.mu.Unlock()
		return
	}
	cfg := model.SessionConfig{SensorTypes: a.sensorTypesLocked()}
	var failed error
	for typ, d := range a.drivers {
		if err := d.Start(cfg); err != nil {
			failed = fmt.Errorf("%s: %w", typ, err)
			break
		}
	}
	if failed == nil {
		a.recording = true
	}
	a.mu.Unlock()

	if failed != nil {
		log.Printf("agent: driver start failed node=%s session=%s: %v", a.cfg.Name, sessionID, failed)
		a.stop(sessionID)
		a.sendStatus(c, protocol.DeviceFault, sessionID)
		return
	}
	a.sendStatus(c, protocol.DeviceStarted, sessionID)
}

// stop halts every armed driver. Idempotent: stopping an idle agent or a
// finished session is a no-op.
func (a *Agent) stop(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sessionID != "" && a.sessionID != sessionID {
		return
	}
	if a.startTimer != nil {
		a.startTimer.Stop()
		a.startTimer = nil
	}
	for typ, d := range a.drivers {
		if err := d.Stop(); err != nil {
			log.Printf("agent: driver stop failed node=%s sensor=%s: %v", a.cfg.Name, typ, err)
		}
	}
	a.drivers = make(map[string]sensor.Driver)
	a.recording = false
	a.sessionID = ""
}

func (a *Agent) heartbeatLoop(ctx context.Context, c *channel.Conn) {
	interval := time.Duration(a.cfg.HeartbeatSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			state := protocol.DeviceIdle
			sessionID := a.sessionID
			if a.recording {
				state = protocol.DeviceRecording
			}
			a.mu.Unlock()
			a.sendStatus(c, state, sessionID)
		}
	}
}

func (a *Agent) sendStatus(c *channel.Conn, state, sessionID string) {
	msg := protocol.DeviceStatus{
		NodeID:    a.cfg.Name,
		State:     state,
		SessionID: sessionID,
	}
	if _, err := c.Send(msg); err != nil {
		log.Printf("agent: status send failed node=%s state=%s: %v", a.cfg.Name, state, err)
	}
}

func (a *Agent) ack(c *channel.Conn, env protocol.Envelope) {
	if _, err := c.Send(protocol.Ack{InReplyTo: env.Seq, NodeID: a.cfg.Name}); err != nil {
		log.Printf("agent: ack failed node=%s seq=%d: %v", a.cfg.Name, env.Seq, err)
	}
}

func (a *Agent) replyError(c *channel.Conn, env protocol.Envelope, cause error) {
	seq := env.Seq
	msg := protocol.Error{InReplyTo: &seq, Code: protocol.CodeInternal, Message: cause.Error()}
	if _, err := c.Send(msg); err != nil {
		log.Printf("agent: error reply failed node=%s seq=%d: %v", a.cfg.Name, env.Seq, err)
	}
}

// Recording reports whether any driver is currently capturing.
func (a *Agent) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

func (a *Agent) hasSensor(typ string) bool {
	for _, s := range a.cfg.Sensors {
		if s == typ {
			return true
		}
	}
	return false
}

func (a *Agent) sensorTypesLocked() []string {
	types := make([]string, 0, len(a.drivers))
	for typ := range a.drivers {
		types = append(types, typ)
	}
	return types
}

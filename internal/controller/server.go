// Package controller runs the fleet controller: it accepts node control
// channels, keeps the registry and clock estimates current, drives
// recording sessions, and serves status, session control, and metrics
// over HTTP.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"capctl/internal/channel"
	"capctl/internal/config"
	"capctl/internal/metrics"
	"capctl/internal/model"
	"capctl/internal/protocol"
	"capctl/internal/recovery"
	"capctl/internal/registry"
	"capctl/internal/session"
	"capctl/internal/syncengine"
)

const localID = "controller"

// Server wires the controller subsystems together.
type Server struct {
	cfg config.ControllerConfig

	reg     *registry.Registry
	hub     *channel.Hub
	prober  *prober
	engine  *syncengine.Engine
	coord   *session.Coordinator
	rec     *recovery.Manager
	met     *metrics.Set
	promReg *prometheus.Registry

	mu          sync.Mutex
	controlAddr string
	httpAddr    string
}

// New builds a server from controller config. Defaults must already be
// applied.
func New(cfg config.ControllerConfig) (*Server, error) {
	reg, err := registry.Load(filepath.Join(cfg.DataDir, "registry.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		hub:     channel.NewHub(),
		promReg: prometheus.NewRegistry(),
	}
	s.met = metrics.NewSet(s.promReg)
	s.prober = newProber(s.hub)

	s.engine = syncengine.New(s.prober, syncengine.Options{
		ProbeTimeout:    time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		Window:          cfg.ProbeWindow,
		Tolerance:       time.Duration(cfg.ToleranceMS * float64(time.Millisecond)),
		InitialAttempts: cfg.InitialProbeAttempts,
		InitialGap:      time.Duration(cfg.InitialProbeGapMS) * time.Millisecond,
		ResyncInterval:  time.Duration(cfg.ResyncIntervalSec) * time.Second,
		Extrapolation:   time.Duration(cfg.ExtrapolationSec) * time.Second,
	}, s.met)

	s.coord = session.New(s.hub, s.engine, s.met, session.Options{
		PrepareTimeout: time.Duration(cfg.PrepareTimeoutSec) * time.Second,
		StartLead:      time.Duration(cfg.StartLeadMS) * time.Millisecond,
		StartTimeout:   time.Duration(cfg.StartTimeoutSec) * time.Second,
		StopTimeout:    time.Duration(cfg.StopTimeoutSec) * time.Second,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBase:      time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		DataDir:        cfg.DataDir,
	})

	s.rec = recovery.NewManager(recovery.Options{
		HeartbeatInterval: time.Duration(cfg.HeartbeatSec) * time.Second,
		MissThreshold:     cfg.HeartbeatMisses,
	}, s.onDegraded, s.onRecovered)

	return s, nil
}

// Run serves the control plane and HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	defer ln.Close()

	httpLn, err := net.Listen("tcp", s.cfg.HTTPListen)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	s.mu.Lock()
	s.controlAddr = ln.Addr().String()
	s.httpAddr = httpLn.Addr().String()
	s.mu.Unlock()

	go s.engine.Run(ctx)
	go s.rec.Run(ctx)
	go s.coord.Run(ctx)

	httpSrv := &http.Server{Handler: s.httpMux()}
	go func() {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("controller: http: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		ln.Close()
	}()

	log.Printf("controller: listening control=%s http=%s data_dir=%s",
		ln.Addr(), httpLn.Addr(), s.cfg.DataDir)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, nc)
	}
}

// handleConn serves one node channel until it drops, then records the loss.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := channel.New(nc, localID)
	err := conn.Serve(ctx, s.dispatch)
	s.dropConn(conn, err)
}

// dropConn records a channel teardown. A channel superseded by a reconnect
// is discarded silently: the node is still live on its replacement, so no
// disconnect state, metrics, or EventLost.
func (s *Server) dropConn(conn *channel.Conn, cause error) {
	nodeID := conn.RemoteID()
	if nodeID == "" {
		return // never completed the handshake
	}
	if !s.hub.Remove(nodeID, conn) {
		return
	}
	s.reg.SetState(nodeID, model.ConnDisconnected)
	s.met.SetConnected(len(s.hub.IDs()))
	s.coord.Notify(session.Event{Kind: session.EventLost, NodeID: nodeID})
	log.Printf("controller: node=%s disconnected: %v", nodeID, cause)
}

// dispatch routes inbound node messages. It runs on each connection's read
// loop, so the time-sync receive stamp is taken before anything else can
// delay it.
func (s *Server) dispatch(c *channel.Conn, env protocol.Envelope, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TimeSyncResponse:
		recvTime := time.Now()
		s.prober.deliver(c.RemoteID(), protocol.NanosToTime(m.NodeLocalTime), recvTime)

	case *protocol.Register:
		s.register(c, *m)

	case *protocol.DeviceStatus:
		s.deviceStatus(*m)

	case *protocol.Error:
		log.Printf("controller: node=%s reported error code=%s: %s", env.SenderID, m.Code, m.Message)

	default:
		if _, err := c.Send(protocol.Error{
			Code:    protocol.CodeUnsupported,
			Message: fmt.Sprintf("unexpected %s on controller", env.Type),
		}); err != nil {
			log.Printf("controller: error reply failed node=%s: %v", env.SenderID, err)
		}
	}
}

// register admits a node: registry entry, hub slot, clock tracking, and a
// background initial sync to drive it under tolerance.
func (s *Server) register(c *channel.Conn, m protocol.Register) {
	created, err := s.reg.Register(m.NodeID, m.Capabilities, m.PublicAddr, m.NATType)
	if err != nil {
		log.Printf("controller: register node=%s: %v", m.NodeID, err)
		return
	}
	c.SetRemoteID(m.NodeID)

	if prev := s.hub.Add(m.NodeID, c); prev != nil {
		prev.Close() // a reconnect supersedes the stale channel
	}
	s.engine.Track(m.NodeID)
	s.rec.Track(m.NodeID)
	s.rec.Heartbeat(m.NodeID)
	s.met.SetConnected(len(s.hub.IDs()))
	log.Printf("controller: node=%s registered new=%t sensors=%v nat=%s",
		m.NodeID, created, m.Capabilities, m.NATType)

	// Initial sync needs the read loop free to deliver probe responses.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		est, err := s.engine.InitialSync(ctx, m.NodeID)
		if err != nil {
			log.Printf("controller: initial sync node=%s precision=%s: %v", m.NodeID, est.Precision, err)
		}
		s.reg.SetEstimate(m.NodeID, est)
	}()
}

// deviceStatus treats every status as a heartbeat and folds session
// confirmations into the coordinator.
func (s *Server) deviceStatus(m protocol.DeviceStatus) {
	s.reg.Touch(m.NodeID)
	s.rec.Heartbeat(m.NodeID)

	switch m.State {
	case protocol.DeviceStarted:
		s.coord.Notify(session.Event{Kind: session.EventStarted, NodeID: m.NodeID, SessionID: m.SessionID})
	case protocol.DeviceStopped:
		s.coord.Notify(session.Event{Kind: session.EventStopped, NodeID: m.NodeID, SessionID: m.SessionID})
	case protocol.DeviceFault:
		s.coord.Notify(session.Event{Kind: session.EventDegraded, NodeID: m.NodeID, SessionID: m.SessionID})
	}
}

// onDegraded runs on the recovery sweep goroutine.
func (s *Server) onDegraded(nodeID string) {
	s.met.NodeDegraded()
	s.reg.SetState(nodeID, model.ConnDegraded)
	s.coord.Notify(session.Event{Kind: session.EventDegraded, NodeID: nodeID})
}

// onRecovered re-syncs the node's clock before letting it rejoin, so a
// rejoined participant is as trustworthy as a fresh one.
func (s *Server) onRecovered(nodeID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		est, err := s.engine.EnsureSynced(ctx, nodeID)
		s.reg.SetEstimate(nodeID, est)
		if err != nil || !est.Confident {
			log.Printf("controller: rejoin sync node=%s: %v", nodeID, err)
			return
		}
		s.reg.SetState(nodeID, model.ConnReady)
		s.coord.Notify(session.Event{Kind: session.EventRejoined, NodeID: nodeID})
	}()
}

// ControlAddr returns the bound control-plane address once Run has
// started listening.
func (s *Server) ControlAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlAddr
}

// HTTPAddr returns the bound HTTP address once Run has started listening.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// StartSession runs a session over every currently ready node.
func (s *Server) StartSession(ctx context.Context, cfg model.SessionConfig) (model.Session, error) {
	return s.coord.Start(ctx, cfg, s.reg.ReadyIDs())
}

// StopSession ends the current session.
func (s *Server) StopSession(ctx context.Context) (model.Session, error) {
	return s.coord.Stop(ctx)
}

// statusReply is the /status JSON shape, consumed by the CLI.
type statusReply struct {
	Nodes   []nodeStatus   `json:"nodes"`
	Session *sessionStatus `json:"session,omitempty"`
}

type nodeStatus struct {
	ID         string   `json:"id"`
	State      string   `json:"state"`
	Sensors    []string `json:"sensors"`
	PublicAddr string   `json:"public_addr,omitempty"`
	NATType    string   `json:"nat_type,omitempty"`
	OffsetMS   float64  `json:"offset_ms"`
	DriftPPM   float64  `json:"drift_ppm"`
	Synced     bool     `json:"synced"`
	LastSeenAt string   `json:"last_seen_at"`
}

type sessionStatus struct {
	ID           string              `json:"id"`
	State        string              `json:"state"`
	GlobalStart  time.Time           `json:"global_start,omitempty"`
	Active       int                 `json:"active"`
	Degraded     int                 `json:"degraded"`
	Excluded     int                 `json:"excluded"`
	Participants []participantStatus `json:"participants,omitempty"`
	AbortReason  string              `json:"abort_reason,omitempty"`
}

type participantStatus struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func sessionJSON(sess model.Session) *sessionStatus {
	out := &sessionStatus{
		ID:          sess.ID,
		State:       string(sess.State),
		GlobalStart: sess.GlobalStart,
		Active:      sess.CountByStatus(model.ParticipantActive),
		Degraded:    sess.CountByStatus(model.ParticipantDegraded),
		Excluded:    sess.CountByStatus(model.ParticipantExcluded),
		AbortReason: sess.AbortReason,
	}
	for _, p := range sess.Participants {
		out.Participants = append(out.Participants, participantStatus{
			NodeID: p.NodeID,
			Status: string(p.Status),
			Reason: p.Reason,
		})
	}
	return out
}

func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sessions/start", s.handleSessionStart)
	mux.HandleFunc("/sessions/stop", s.handleSessionStop)
	mux.HandleFunc("/corrected", s.handleCorrected)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reply := statusReply{Nodes: make([]nodeStatus, 0)}
	for _, n := range s.reg.List() {
		reply.Nodes = append(reply.Nodes, nodeStatus{
			ID:         n.ID,
			State:      string(n.State),
			Sensors:    n.Capabilities,
			PublicAddr: n.PublicAddr,
			NATType:    n.NATType,
			OffsetMS:   float64(n.Offset) / float64(time.Millisecond),
			DriftPPM:   n.Drift * 1e6,
			Synced:     n.Synced,
			LastSeenAt: n.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	if sess, ok := s.coord.Current(); ok {
		reply.Session = sessionJSON(sess)
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SensorTypes []string `json:"sensor_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.SensorTypes) == 0 {
		http.Error(w, "sensor_types required", http.StatusBadRequest)
		return
	}

	sess, err := s.StartSession(r.Context(), model.SessionConfig{SensorTypes: req.SensorTypes})
	switch {
	case errors.Is(err, session.ErrSessionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrNoReadyDevices):
		writeJSON(w, http.StatusConflict, sessionJSON(sess))
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, sessionJSON(sess))
	}
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.StopSession(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(sess))
}

// handleCorrected maps a node-local timestamp onto the controller timeline.
func (s *Server) handleCorrected(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node")
	var localNS int64
	if _, err := fmt.Sscanf(r.URL.Query().Get("t"), "%d", &localNS); err != nil || nodeID == "" {
		http.Error(w, "node and t (unix nanos) required", http.StatusBadRequest)
		return
	}

	corrected, ok := s.engine.CorrectedTimestamp(nodeID, protocol.NanosToTime(localNS))
	if !ok {
		http.Error(w, "no estimate for node", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":         nodeID,
		"local_ns":     localNS,
		"corrected_ns": corrected.UnixNano(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("controller: write response: %v", err)
	}
}

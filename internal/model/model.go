package model

import "time"

// ConnState is the connection/operational state of a node as seen by the
// controller.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnected    ConnState = "connected"
	ConnReady        ConnState = "ready"
	ConnDegraded     ConnState = "degraded"
)

// Node represents a registered capture device in the fleet.
type Node struct {
	ID           string
	Capabilities []string // sensor types the device can record
	State        ConnState
	PublicAddr   string
	NATType      string
	Offset       time.Duration // last smoothed clock offset vs controller
	Drift        float64       // seconds of offset change per second
	Synced       bool
	LastSeenAt   time.Time
}

// HasCapability reports whether the node declared the given sensor type.
func (n *Node) HasCapability(sensorType string) bool {
	for _, c := range n.Capabilities {
		if c == sensorType {
			return true
		}
	}
	return false
}

// OffsetSample is a single clock-probe measurement.
type OffsetSample struct {
	RTT    time.Duration // round-trip latency of the probe
	Offset time.Duration // raw node-minus-controller offset from this probe
	At     time.Time     // controller receive time of the response
}

// SyncEstimate is the smoothed per-node clock estimate derived from a
// window of OffsetSamples.
type SyncEstimate struct {
	Offset     time.Duration // smoothed node-minus-controller offset
	Drift      float64       // seconds per second, from regression over the window
	Precision  time.Duration // stddev of retained low-latency samples
	LastSample time.Time     // receive time of the newest sample used
	Samples    int           // retained sample count
	Confident  bool          // precision within tolerance
}

// SessionState is the coordinator state machine position.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionPreparing SessionState = "preparing"
	SessionSyncing   SessionState = "syncing"
	SessionStarting  SessionState = "starting"
	SessionActive    SessionState = "active"
	SessionStopping  SessionState = "stopping"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
)

// Terminal reports whether the state is a terminal one.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// ParticipationStatus is a node's standing within one session.
type ParticipationStatus string

const (
	ParticipantPending  ParticipationStatus = "pending"
	ParticipantActive   ParticipationStatus = "active"
	ParticipantDegraded ParticipationStatus = "degraded"
	ParticipantExcluded ParticipationStatus = "excluded"
)

// Participant pairs a node with its per-session status.
type Participant struct {
	NodeID string              `yaml:"node_id"`
	Status ParticipationStatus `yaml:"status"`
	Reason string              `yaml:"reason,omitempty"` // set when excluded/degraded
}

// SessionConfig selects what a session records.
type SessionConfig struct {
	SensorTypes []string `yaml:"sensor_types" json:"sensor_types"`
}

// Session is one unit of coordinated recording. The coordinator is the
// single writer; everyone else sees copies.
type Session struct {
	ID           string        `yaml:"id"`
	State        SessionState  `yaml:"state"`
	Participants []Participant `yaml:"participants"`
	Config       SessionConfig `yaml:"config"`
	GlobalStart  time.Time     `yaml:"global_start,omitempty"` // assigned once, immutable
	CreatedAt    time.Time     `yaml:"created_at"`
	EndedAt      time.Time     `yaml:"ended_at,omitempty"`
	AbortReason  string        `yaml:"abort_reason,omitempty"`
}

// Participant returns the participant entry for a node, or nil.
func (s *Session) Participant(nodeID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].NodeID == nodeID {
			return &s.Participants[i]
		}
	}
	return nil
}

// CountByStatus returns how many participants are in the given status.
func (s *Session) CountByStatus(status ParticipationStatus) int {
	n := 0
	for i := range s.Participants {
		if s.Participants[i].Status == status {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	out.Config.SensorTypes = append([]string(nil), s.Config.SensorTypes...)
	return out
}

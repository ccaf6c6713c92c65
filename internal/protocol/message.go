// Package protocol defines the control-plane wire format: a closed set of
// message kinds wrapped in an envelope that carries the sender identity and
// a per-connection monotonic sequence number. Control messages are small
// JSON records framed one per line; the bulk sensor data plane never shares
// this channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the control message union.
type Kind string

const (
	KindRegister         Kind = "register"
	KindTimeSyncRequest  Kind = "time_sync_request"
	KindTimeSyncResponse Kind = "time_sync_response"
	KindSessionPrepare   Kind = "session_prepare"
	KindSessionStart     Kind = "session_start"
	KindSessionStop      Kind = "session_stop"
	KindDeviceStatus     Kind = "device_status"
	KindAck              Kind = "ack"
	KindError            Kind = "error"
)

// MaxFrameSize bounds a single control frame. Control messages are tiny;
// anything larger is malformed or misdirected data-plane traffic.
const MaxFrameSize = 64 * 1024

// Message is one member of the control message union.
type Message interface {
	Kind() Kind
	Validate() error
}

// Envelope wraps every message on the wire.
type Envelope struct {
	Type     Kind            `json:"type"`
	SenderID string          `json:"sender_id"`
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
}

// Register is sent by a node once per connection, before anything else.
type Register struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
	PublicAddr   string   `json:"public_addr,omitempty"`
	NATType      string   `json:"nat_type,omitempty"`
}

func (Register) Kind() Kind { return KindRegister }

func (m Register) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("register: node_id required")
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("register: capabilities required")
	}
	return nil
}

// TimeSyncRequest carries the controller's send time in unix nanoseconds.
// The node must answer in its read loop, before any queueing, so the
// response delay stays under a millisecond.
type TimeSyncRequest struct {
	SenderSendTime int64 `json:"sender_send_time"`
}

func (TimeSyncRequest) Kind() Kind { return KindTimeSyncRequest }

func (m TimeSyncRequest) Validate() error {
	if m.SenderSendTime <= 0 {
		return fmt.Errorf("time_sync_request: sender_send_time required")
	}
	return nil
}

// TimeSyncResponse echoes the node's local clock in unix nanoseconds.
type TimeSyncResponse struct {
	NodeLocalTime int64 `json:"node_local_time"`
}

func (TimeSyncResponse) Kind() Kind { return KindTimeSyncResponse }

func (m TimeSyncResponse) Validate() error {
	if m.NodeLocalTime <= 0 {
		return fmt.Errorf("time_sync_response: node_local_time required")
	}
	return nil
}

// SessionPrepare asks a node to arm its drivers for a session.
type SessionPrepare struct {
	SessionID   string   `json:"session_id"`
	SensorTypes []string `json:"sensor_types"`
}

func (SessionPrepare) Kind() Kind { return KindSessionPrepare }

func (m SessionPrepare) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("session_prepare: session_id required")
	}
	if len(m.SensorTypes) == 0 {
		return fmt.Errorf("session_prepare: sensor_types required")
	}
	return nil
}

// SessionStart carries the immutable global start time in unix nanoseconds
// on the controller timeline.
type SessionStart struct {
	SessionID       string `json:"session_id"`
	GlobalStartTime int64  `json:"global_start_time"`
}

func (SessionStart) Kind() Kind { return KindSessionStart }

func (m SessionStart) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("session_start: session_id required")
	}
	if m.GlobalStartTime <= 0 {
		return fmt.Errorf("session_start: global_start_time required")
	}
	return nil
}

// SessionStop ends recording for a session.
type SessionStop struct {
	SessionID string `json:"session_id"`
}

func (SessionStop) Kind() Kind { return KindSessionStop }

func (m SessionStop) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("session_stop: session_id required")
	}
	return nil
}

// Device states reported in DeviceStatus.
const (
	DeviceIdle      = "idle"
	DevicePrepared  = "prepared"
	DeviceStarted   = "started"
	DeviceRecording = "recording"
	DeviceStopped   = "stopped"
	DeviceFault     = "fault"
)

// DeviceStatus doubles as heartbeat and as session start/stop confirmation.
type DeviceStatus struct {
	NodeID       string   `json:"node_id"`
	State        string   `json:"state"`
	SessionID    string   `json:"session_id,omitempty"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

func (DeviceStatus) Kind() Kind { return KindDeviceStatus }

func (m DeviceStatus) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("device_status: node_id required")
	}
	switch m.State {
	case DeviceIdle, DevicePrepared, DeviceStarted, DeviceRecording, DeviceStopped, DeviceFault:
		return nil
	}
	return fmt.Errorf("device_status: unknown state %q", m.State)
}

// Ack confirms a state-changing command by its envelope seq.
type Ack struct {
	InReplyTo uint64 `json:"in_reply_to"`
	NodeID    string `json:"node_id"`
}

func (Ack) Kind() Kind { return KindAck }

func (m Ack) Validate() error {
	if m.NodeID == "" {
		return fmt.Errorf("ack: node_id required")
	}
	return nil
}

// Error codes on the wire.
const (
	CodeValidation  = "validation"
	CodeSeqOrder    = "seq_order"
	CodeUnsupported = "unsupported"
	CodeInternal    = "internal"
)

// Error reports a rejected or failed message to the sender.
type Error struct {
	InReplyTo *uint64 `json:"in_reply_to,omitempty"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
}

func (Error) Kind() Kind { return KindError }

func (m Error) Validate() error {
	if m.Code == "" {
		return fmt.Errorf("error: code required")
	}
	return nil
}

// NanosToTime converts a wire timestamp to time.Time.
func NanosToTime(n int64) time.Time { return time.Unix(0, n) }

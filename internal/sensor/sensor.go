// Package sensor defines the narrow contract between the agent and the
// per-sensor capture drivers. Drivers are black boxes to the control
// plane: they start, they stop, they report status, nothing else leaks
// through the boundary.
package sensor

import (
	"fmt"
	"sync"
	"time"

	"capctl/internal/model"
)

// Known sensor types.
const (
	TypeCamera    = "camera"
	TypeThermal   = "thermal"
	TypeBiosignal = "biosignal"
)

// Status is a driver's self-report.
type Status struct {
	Type      string
	Recording bool
	Battery   float64 // 0..1, negative when unknown
	Detail    string
}

// Driver is the capture driver contract.
type Driver interface {
	// Start begins recording with the session's configuration. It must
	// return quickly; long spin-up happens during prepare, not start.
	Start(cfg model.SessionConfig) error
	// Stop ends recording. Stopping an idle driver is a no-op.
	Stop() error
	// Status reports the driver's current state.
	Status() Status
}

// New returns the driver for a sensor type. Real deployments plug
// hardware drivers in here; the simulated ones keep the control plane
// testable end to end.
func New(sensorType string) (Driver, error) {
	switch sensorType {
	case TypeCamera, TypeThermal, TypeBiosignal:
		return newSimulated(sensorType), nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", sensorType)
	}
}

// simulated is an in-memory driver that tracks recording state.
type simulated struct {
	mu         sync.Mutex
	sensorType string
	recording  bool
	startedAt  time.Time
}

func newSimulated(sensorType string) *simulated {
	return &simulated{sensorType: sensorType}
}

func (s *simulated) Start(cfg model.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		return fmt.Errorf("%s: already recording", s.sensorType)
	}
	s.recording = true
	s.startedAt = time.Now()
	return nil
}

func (s *simulated) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
	return nil
}

func (s *simulated) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := ""
	if s.recording {
		detail = fmt.Sprintf("recording since %s", s.startedAt.UTC().Format(time.RFC3339))
	}
	return Status{
		Type:      s.sensorType,
		Recording: s.recording,
		Battery:   -1,
		Detail:    detail,
	}
}

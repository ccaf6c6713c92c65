package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen               = ":7600"
	DefaultHTTPListen           = ":7601"
	DefaultProbeTimeoutMS       = 250
	DefaultProbeWindow          = 20
	DefaultToleranceMS          = 5.0
	DefaultInitialProbeAttempts = 40
	DefaultInitialProbeGapMS    = 50
	DefaultResyncIntervalSec    = 10
	DefaultExtrapolationSec     = 30
	DefaultHeartbeatSec         = 2
	DefaultHeartbeatMisses      = 3
	DefaultPrepareTimeoutSec    = 5
	DefaultStartLeadMS          = 500
	DefaultStartTimeoutSec      = 5
	DefaultStopTimeoutSec       = 5
	DefaultRetryAttempts        = 5
	DefaultRetryBaseMS          = 200
)

// Config holds both controller and node settings.
type Config struct {
	Controller *ControllerConfig `yaml:"controller,omitempty"`
	Node       *NodeConfig       `yaml:"node,omitempty"`
}

// ControllerConfig is used by the controller process.
type ControllerConfig struct {
	Listen     string `yaml:"listen"`      // control-plane TCP listener
	HTTPListen string `yaml:"http_listen"` // status + metrics HTTP listener
	DataDir    string `yaml:"data_dir"`

	// Clock sync.
	ProbeTimeoutMS       int     `yaml:"probe_timeout_ms"`
	ProbeWindow          int     `yaml:"probe_window"`
	ToleranceMS          float64 `yaml:"tolerance_ms"` // precision threshold
	InitialProbeAttempts int     `yaml:"initial_probe_attempts"`
	InitialProbeGapMS    int     `yaml:"initial_probe_gap_ms"`
	ResyncIntervalSec    int     `yaml:"resync_interval_sec"` // per-node steady-state period
	ExtrapolationSec     int     `yaml:"extrapolation_sec"`   // drift extrapolation trust horizon

	// Session phases.
	PrepareTimeoutSec int `yaml:"prepare_timeout_sec"`
	StartLeadMS       int `yaml:"start_lead_ms"`
	StartTimeoutSec   int `yaml:"start_timeout_sec"`
	StopTimeoutSec    int `yaml:"stop_timeout_sec"`

	// Health supervision.
	HeartbeatSec    int `yaml:"heartbeat_sec"`
	HeartbeatMisses int `yaml:"heartbeat_misses"`
	RetryAttempts   int `yaml:"retry_attempts"`
	RetryBaseMS     int `yaml:"retry_base_ms"`
}

// NodeConfig is used by the agent process running on a capture device.
type NodeConfig struct {
	Name         string   `yaml:"name"`
	Controller   string   `yaml:"controller"` // host:port of the controller control plane
	Sensors      []string `yaml:"sensors"`    // declared capabilities
	HeartbeatSec int      `yaml:"heartbeat_sec"`
	STUNServers  []string `yaml:"stun_servers"`
	RetryBaseMS  int      `yaml:"retry_base_ms"` // reconnect backoff base
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Controller == nil && cfg.Node == nil {
		return fmt.Errorf("config must contain controller or node section")
	}
	if cfg.Controller != nil {
		if cfg.Controller.Listen == "" {
			return fmt.Errorf("controller.listen is required")
		}
		if cfg.Controller.DataDir == "" {
			return fmt.Errorf("controller.data_dir is required")
		}
		if cfg.Controller.ToleranceMS <= 0 {
			return fmt.Errorf("controller.tolerance_ms must be positive")
		}
	}
	if cfg.Node != nil {
		if cfg.Node.Name == "" {
			return fmt.Errorf("node.name is required")
		}
		if cfg.Node.Controller == "" {
			return fmt.Errorf("node.controller is required")
		}
		if len(cfg.Node.Sensors) == 0 {
			return fmt.Errorf("node.sensors must declare at least one sensor type")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Controller != nil {
		c := cfg.Controller
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
		if c.HTTPListen == "" {
			c.HTTPListen = DefaultHTTPListen
		}
		if c.ProbeTimeoutMS == 0 {
			c.ProbeTimeoutMS = DefaultProbeTimeoutMS
		}
		if c.ProbeWindow == 0 {
			c.ProbeWindow = DefaultProbeWindow
		}
		if c.ToleranceMS == 0 {
			c.ToleranceMS = DefaultToleranceMS
		}
		if c.InitialProbeAttempts == 0 {
			c.InitialProbeAttempts = DefaultInitialProbeAttempts
		}
		if c.InitialProbeGapMS == 0 {
			c.InitialProbeGapMS = DefaultInitialProbeGapMS
		}
		if c.ResyncIntervalSec == 0 {
			c.ResyncIntervalSec = DefaultResyncIntervalSec
		}
		if c.ExtrapolationSec == 0 {
			c.ExtrapolationSec = DefaultExtrapolationSec
		}
		if c.PrepareTimeoutSec == 0 {
			c.PrepareTimeoutSec = DefaultPrepareTimeoutSec
		}
		if c.StartLeadMS == 0 {
			c.StartLeadMS = DefaultStartLeadMS
		}
		if c.StartTimeoutSec == 0 {
			c.StartTimeoutSec = DefaultStartTimeoutSec
		}
		if c.StopTimeoutSec == 0 {
			c.StopTimeoutSec = DefaultStopTimeoutSec
		}
		if c.HeartbeatSec == 0 {
			c.HeartbeatSec = DefaultHeartbeatSec
		}
		if c.HeartbeatMisses == 0 {
			c.HeartbeatMisses = DefaultHeartbeatMisses
		}
		if c.RetryAttempts == 0 {
			c.RetryAttempts = DefaultRetryAttempts
		}
		if c.RetryBaseMS == 0 {
			c.RetryBaseMS = DefaultRetryBaseMS
		}
	}

	if cfg.Node != nil {
		n := cfg.Node
		if n.HeartbeatSec == 0 {
			n.HeartbeatSec = DefaultHeartbeatSec
		}
		if n.RetryBaseMS == 0 {
			n.RetryBaseMS = DefaultRetryBaseMS
		}
	}
}

// Package config loads the YAML configuration documents for the control
// plane and runner agent processes, following the same
// CheckAndSetDefaults() convention the teacher uses for its FSM and process
// configuration types.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// ControlPlane is the top-level config for `controlplane serve`/`migrate`.
type ControlPlane struct {
	// ListenAddr is the HTTP listen address for the API, webhook and
	// runner websocket endpoint.
	ListenAddr string `yaml:"listen_addr"`
	// DatabaseURL is a postgres connection string.
	DatabaseURL string `yaml:"database_url"`
	// WebhookSecret is the shared HMAC-SHA-256 secret used to verify
	// inbound forge webhooks.
	WebhookSecret string `yaml:"webhook_secret"`
	// LogServiceURL is the base URL of the log ingestion service, used to
	// build per-job log_url values handed to runners.
	LogServiceURL string `yaml:"log_service_url"`
	// LogServiceListenAddr is where the log ingestion HTTP surface listens.
	LogServiceListenAddr string `yaml:"log_service_listen_addr"`
	// RunnerTimeout is how long a Running job may go without completing
	// before the sweeper marks it TimedOut.
	RunnerTimeout time.Duration `yaml:"runner_timeout"`
	// SweepInterval is how often the timeout sweeper runs; must be <= 30s
	// per spec.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// LogLevel is the logrus level name.
	LogLevel string `yaml:"log_level"`
}

// CheckAndSetDefaults validates the config and fills in defaults for unset
// fields.
func (c *ControlPlane) CheckAndSetDefaults() error {
	if c.DatabaseURL == "" {
		return trace.BadParameter("missing database_url")
	}
	if c.WebhookSecret == "" {
		return trace.BadParameter("missing webhook_secret")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogServiceListenAddr == "" {
		c.LogServiceListenAddr = ":8081"
	}
	if c.LogServiceURL == "" {
		c.LogServiceURL = "http://localhost:8081"
	}
	if c.RunnerTimeout <= 0 {
		c.RunnerTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.SweepInterval > 30*time.Second {
		return trace.BadParameter("sweep_interval must be <= 30s, got %s", c.SweepInterval)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// LoadControlPlane reads and validates a control-plane config file.
func LoadControlPlane(path string) (*ControlPlane, error) {
	var cfg ControlPlane
	if err := loadYAML(path, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Runner is the config for the runner agent, driven mostly by CLI flags
// (§6) but also accepting a YAML file for the less frequently changed
// knobs such as resource caps.
type Runner struct {
	// Host is the control plane websocket URI.
	Host string `yaml:"host"`
	// Platform is this runner's advertised platform tag.
	Platform string `yaml:"platform"`
	// ResourcesDir holds VM scratch directories.
	ResourcesDir string `yaml:"resources_dir"`
	// StateDir holds the agent's durable local state.
	StateDir string `yaml:"state_dir"`
	// MaxCPU and MaxMemoryMB bound the resource manager's pools.
	MaxCPU      int `yaml:"max_cpu"`
	MaxMemoryMB int `yaml:"max_memory_mb"`
	// MaxInstances caps concurrently running VMs; 0 means unbounded.
	MaxInstances int `yaml:"max_instances"`
	LogLevel     string `yaml:"log_level"`
}

// CheckAndSetDefaults validates and fills in defaults.
func (r *Runner) CheckAndSetDefaults() error {
	if r.Host == "" {
		r.Host = "ws://localhost:8080/"
	}
	if r.Platform == "" {
		r.Platform = "x86_64-linux"
	}
	if r.MaxCPU <= 0 {
		r.MaxCPU = 4
	}
	if r.MaxMemoryMB <= 0 {
		r.MaxMemoryMB = 8192
	}
	if r.LogLevel == "" {
		r.LogLevel = "info"
	}
	return nil
}

// LoadRunner reads a runner config file if present; a missing file is not
// an error since the agent can be driven entirely by flags.
func LoadRunner(path string) (*Runner, error) {
	var cfg Runner
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.Wrap(err, "reading config %v", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return trace.Wrap(err, "parsing config %v", path)
	}
	return nil
}

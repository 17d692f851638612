// Package config loads the supervisor's declarative configuration
// document, per spec.md §6. Unlike the teacher's environment-variable-only
// Config, this is a YAML document read from disk — the shape of a
// per-host supervisor demands more structure (a profile map, nested
// bus/state options) than flat env vars can express cleanly — but the
// teacher's pattern of a handful of env-var operational overrides
// (listen address, log level) survives for the knobs an operator needs to
// flip without editing a file on a running host.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/sentinel/internal/model"
)

const (
	defaultListenAddr        = ":8080"
	defaultHeartbeatInterval = 10 * time.Second
	defaultNamespace         = "gbe"
	defaultTaskChannelPort   = 5000
	defaultProxyPort         = 5001
	defaultDrainDeadline     = 30 * time.Second
	defaultCNIBinDir         = "/opt/cni/bin"
	defaultCNIConfigDir      = "/etc/cni/net.d"

	envListenAddr = "SENTINEL_LISTEN_ADDR"
	envLogLevel   = "SENTINEL_LOG_LEVEL"
)

// Duration wraps time.Duration so it can be expressed as a YAML string
// ("30s", "1m") rather than a raw integer nanosecond count.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// BusOptions selects and configures the bus.Bus implementation the
// supervisor dials at startup. The bus itself is external per spec.md §1;
// this only carries enough to construct a client against it.
type BusOptions struct {
	Transport string `yaml:"transport"` // "nats" or "mock"
	URL       string `yaml:"url,omitempty"`
}

// StateOptions selects and configures the statestore.Store implementation.
// Also external per spec.md §1.
type StateOptions struct {
	Transport string `yaml:"transport"` // "sqlite", "redis", or "mock"
	DSN       string `yaml:"dsn,omitempty"`
}

// Config is the fully parsed configuration document.
type Config struct {
	HostID            string                   `yaml:"host_id"`
	Namespace         string                   `yaml:"namespace,omitempty"`
	Slots             int                      `yaml:"slots"`
	ImageDir          string                   `yaml:"image_dir"`
	KernelPath        string                   `yaml:"kernel_path"`
	OverlayDir        string                   `yaml:"overlay_dir"`
	HypervisorBin     string                   `yaml:"hypervisor_bin"`
	RunDir            string                   `yaml:"run_dir,omitempty"`
	TaskTypes         []string                 `yaml:"task_types"`
	HeartbeatInterval Duration                 `yaml:"heartbeat_interval"`
	DrainDeadline     Duration                 `yaml:"drain_deadline,omitempty"`
	TaskChannelPort   uint32                   `yaml:"task_channel_port,omitempty"`
	ProxyPort         uint32                   `yaml:"proxy_port,omitempty"`
	CNIBinDir         string                   `yaml:"cni_bin_dir,omitempty"`
	CNIConfigDir      string                   `yaml:"cni_config_dir,omitempty"`
	ToolExecRoot      string                   `yaml:"tool_exec_root,omitempty"`
	Profiles          map[string]model.Profile `yaml:"profiles"`
	Bus               BusOptions               `yaml:"bus"`
	State             StateOptions             `yaml:"state"`

	// Operational overrides, set only from the environment (mirroring the
	// teacher's env-var knobs), never from the document itself.
	ListenAddr string     `yaml:"-"`
	LogLevel   slog.Level `yaml:"-"`
}

// Load reads and validates the configuration document at path, then
// applies environment overrides for the operational knobs.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return load(f)
}

func load(r io.Reader) (Config, error) {
	cfg := Config{
		HeartbeatInterval: Duration{defaultHeartbeatInterval},
		DrainDeadline:     Duration{defaultDrainDeadline},
		Namespace:         defaultNamespace,
		TaskChannelPort:   defaultTaskChannelPort,
		ProxyPort:         defaultProxyPort,
		CNIBinDir:         defaultCNIBinDir,
		CNIConfigDir:      defaultCNIConfigDir,
		ListenAddr:        defaultListenAddr,
		LogLevel:          slog.LevelInfo,
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse document: %w", err)
	}

	if cfg.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve default host_id: %w", err)
		}
		cfg.HostID = hostname
	}

	for name, p := range cfg.Profiles {
		p.Name = name
		cfg.Profiles[name] = p
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Slots < 1 {
		return fmt.Errorf("config: slots must be >= 1, got %d", c.Slots)
	}
	if c.ImageDir == "" {
		return fmt.Errorf("config: image_dir is required")
	}
	if c.KernelPath == "" {
		return fmt.Errorf("config: kernel_path is required")
	}
	if c.OverlayDir == "" {
		return fmt.Errorf("config: overlay_dir is required")
	}
	if c.HypervisorBin == "" {
		return fmt.Errorf("config: hypervisor_bin is required")
	}
	if len(c.TaskTypes) == 0 {
		return fmt.Errorf("config: task_types must list at least one task type")
	}
	for name, p := range c.Profiles {
		switch p.Network {
		case model.NetworkNAT, model.NetworkProxy, model.NetworkNone:
		default:
			return fmt.Errorf("config: profile %q: invalid network mode %q", name, p.Network)
		}
		if p.TimeoutSec <= 0 {
			return fmt.Errorf("config: profile %q: timeout_sec must be positive", name)
		}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the
// configured level, unchanged from the teacher's factory.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

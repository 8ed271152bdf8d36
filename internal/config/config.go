package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/pepperlink/pepperlink/internal/logger"
)

// Config is the top-level TOML structure for a session.
type Config struct {
	Session SessionConfig `toml:"session" mapstructure:"session"`
	Engine  EngineConfig  `toml:"engine" mapstructure:"engine"`
	Tunnel  TunnelConfig  `toml:"tunnel" mapstructure:"tunnel"`
	Chain   ChainConfig   `toml:"chain" mapstructure:"chain"`
	Health  HealthConfig  `toml:"health" mapstructure:"health"`
	Relay   RelayConfig   `toml:"relay" mapstructure:"relay"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	History []string      `toml:"history" mapstructure:"history"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
}

type SessionConfig struct {
	Name string `toml:"name" mapstructure:"name"`
}

// EngineConfig describes the external proxy-engine subprocess.
// WorkDir must be an app-private directory; the engine inherits no
// environment beyond what is derived from it.
type EngineConfig struct {
	Path           string        `toml:"path" mapstructure:"path"`
	ConfigPath     string        `toml:"config_path" mapstructure:"config_path"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	GracefulWait   time.Duration `toml:"graceful_wait" mapstructure:"graceful_wait"`
	StartupGrace   time.Duration `toml:"startup_grace" mapstructure:"startup_grace"`
	MaxConfigBytes int64         `toml:"max_config_bytes" mapstructure:"max_config_bytes"`
}

// TunnelConfig describes the virtual interface request.
type TunnelConfig struct {
	MTU            int      `toml:"mtu" mapstructure:"mtu"`
	Addresses      []string `toml:"addresses" mapstructure:"addresses"`
	Routes         []string `toml:"routes" mapstructure:"routes"`
	ExcludePrivate bool     `toml:"exclude_private" mapstructure:"exclude_private"`
	DNS            []string `toml:"dns" mapstructure:"dns"`
	AllowedApps    []string `toml:"allowed_apps" mapstructure:"allowed_apps"`
	DisallowedApps []string `toml:"disallowed_apps" mapstructure:"disallowed_apps"`
	HTTPProxy      string   `toml:"http_proxy" mapstructure:"http_proxy"`
}

// ChainConfig classifies layers and bounds readiness polling.
// Criticality is explicit configuration; the engine and the primary
// ingress listener are always treated as critical regardless of the list.
type ChainConfig struct {
	CriticalLayers    []string      `toml:"critical_layers" mapstructure:"critical_layers"`
	ReadinessInterval time.Duration `toml:"readiness_interval" mapstructure:"readiness_interval"`
	ReadinessCeiling  time.Duration `toml:"readiness_ceiling" mapstructure:"readiness_ceiling"`
	// ShaperRateBytes paces tunnel uplink writes; 0 disables shaping.
	ShaperRateBytes int64 `toml:"shaper_rate_bytes" mapstructure:"shaper_rate_bytes"`
}

type HealthConfig struct {
	TunnelInterval time.Duration `toml:"tunnel_interval" mapstructure:"tunnel_interval"`
	PortInterval   time.Duration `toml:"port_interval" mapstructure:"port_interval"`
	ProbeTimeout   time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

type RelayConfig struct {
	Capacity      int           `toml:"capacity" mapstructure:"capacity"`
	FlushInterval time.Duration `toml:"flush_interval" mapstructure:"flush_interval"`
}

type LogConfig struct {
	Level  string        `toml:"level" mapstructure:"level"`
	Color  bool          `toml:"color" mapstructure:"color"`
	Engine logger.Config `toml:"engine" mapstructure:"engine"`
}

type ServerConfig struct {
	Listen        string `toml:"listen" mapstructure:"listen"`
	BasePath      string `toml:"base_path" mapstructure:"base_path"`
	MetricsListen string `toml:"metrics_listen" mapstructure:"metrics_listen"`
}

// Defaults for the empirical durations. All are tunable configuration,
// not invariants.
const (
	DefaultGracefulWait      = 3 * time.Second
	DefaultStartupGrace      = 2 * time.Second
	DefaultMaxConfigBytes    = 8 << 20
	DefaultReadinessInterval = 500 * time.Millisecond
	DefaultReadinessCeiling  = 30 * time.Second
	DefaultTunnelInterval    = 30 * time.Second
	DefaultPortInterval      = 15 * time.Second
	DefaultProbeTimeout      = 2 * time.Second
	DefaultRelayCapacity     = 512
	DefaultRelayFlush        = time.Second
	DefaultMTU               = 1500
)

// Load reads a TOML config from path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Session.Name == "" {
		c.Session.Name = "main"
	}
	if c.Engine.GracefulWait <= 0 {
		c.Engine.GracefulWait = DefaultGracefulWait
	}
	if c.Engine.StartupGrace <= 0 {
		c.Engine.StartupGrace = DefaultStartupGrace
	}
	if c.Engine.MaxConfigBytes <= 0 {
		c.Engine.MaxConfigBytes = DefaultMaxConfigBytes
	}
	if c.Tunnel.MTU <= 0 {
		c.Tunnel.MTU = DefaultMTU
	}
	if c.Chain.ReadinessInterval <= 0 {
		c.Chain.ReadinessInterval = DefaultReadinessInterval
	}
	if c.Chain.ReadinessCeiling <= 0 {
		c.Chain.ReadinessCeiling = DefaultReadinessCeiling
	}
	if c.Health.TunnelInterval <= 0 {
		c.Health.TunnelInterval = DefaultTunnelInterval
	}
	if c.Health.PortInterval <= 0 {
		c.Health.PortInterval = DefaultPortInterval
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Relay.Capacity <= 0 {
		c.Relay.Capacity = DefaultRelayCapacity
	}
	if c.Relay.FlushInterval <= 0 {
		c.Relay.FlushInterval = DefaultRelayFlush
	}
}

// Validate rejects configurations the session cannot start from.
func (c *Config) Validate() error {
	if c.Engine.Path == "" {
		return errors.New("config: engine.path is required")
	}
	if !filepath.IsAbs(c.Engine.Path) {
		return fmt.Errorf("config: engine.path must be absolute, got %q", c.Engine.Path)
	}
	if c.Engine.ConfigPath == "" {
		return errors.New("config: engine.config_path is required")
	}
	if !filepath.IsAbs(c.Engine.ConfigPath) {
		return fmt.Errorf("config: engine.config_path must be absolute, got %q", c.Engine.ConfigPath)
	}
	if c.Engine.WorkDir != "" && !filepath.IsAbs(c.Engine.WorkDir) {
		return fmt.Errorf("config: engine.workdir must be absolute, got %q", c.Engine.WorkDir)
	}
	if len(c.Tunnel.Addresses) == 0 {
		return errors.New("config: tunnel.addresses must not be empty")
	}
	if len(c.Tunnel.AllowedApps) > 0 && len(c.Tunnel.DisallowedApps) > 0 {
		return errors.New("config: tunnel.allowed_apps and tunnel.disallowed_apps are mutually exclusive")
	}
	return nil
}

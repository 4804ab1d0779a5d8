// Package config provides configuration management for the proxy tunnel.
// It handles loading, saving, and validating the tunnel settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/proxy-tunnel/common"
)

// Binaries locates the helper programs. Bare names are looked up in PATH.
type Binaries struct {
	// ProxyClient is the ss-local binary, used by the badvpn backend only.
	ProxyClient string `yaml:"proxy_client"`
	// Relay is the tun2socks or badvpn-tun2socks binary.
	Relay string `yaml:"relay"`
}

// Tun describes the virtual network device.
type Tun struct {
	Name string   `yaml:"name"`
	DNS  []string `yaml:"dns"`
}

// Timings tunes the connectivity checks.
type Timings struct {
	ServerConnectTimeout time.Duration `yaml:"server_connect_timeout"`
	UDPProbeTimeout      time.Duration `yaml:"udp_probe_timeout"`
	UDPProbeInterval     time.Duration `yaml:"udp_probe_interval"`
	CredentialsTimeout   time.Duration `yaml:"credentials_timeout"`
	RoutingResetGrace    time.Duration `yaml:"routing_reset_grace"`
}

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// Backend selects the relay implementation: "tun2socks" or "badvpn".
	Backend  string   `yaml:"backend"`
	Binaries Binaries `yaml:"binaries"`
	Tun      Tun      `yaml:"tun"`
	// RoutingSocket is the routing daemon's socket (or pipe on Windows).
	RoutingSocket string `yaml:"routing_socket"`
	// DaemonService is the systemd unit restarted when the daemon is down.
	// Empty disables the restart.
	DaemonService string  `yaml:"daemon_service"`
	Timings       Timings `yaml:"timings"`
	// AutoReconnect automatically reconnects when the tunnel drops.
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	// Debug mirrors helper output into the log.
	Debug bool `yaml:"debug"`
	// LogToFile also writes the log under the config directory.
	LogToFile bool `yaml:"log_to_file"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		Backend: common.BackendTun2socks,
		Binaries: Binaries{
			ProxyClient: "ss-local",
			Relay:       "tun2socks",
		},
		Tun: Tun{
			Name: common.TunDeviceName,
			DNS:  slices.Clone(common.DNSResolvers),
		},
		RoutingSocket:        common.RoutingSocketPath,
		DaemonService:        common.RoutingServiceName,
		Timings:              defaultTimings(),
		AutoReconnect:        true,
		ReconnectDelay:       common.ReconnectDelay,
		MaxReconnectAttempts: 5,
	}
}

func defaultTimings() Timings {
	return Timings{
		ServerConnectTimeout: common.ServerConnectTimeout,
		UDPProbeTimeout:      common.UDPProbeTimeout,
		UDPProbeInterval:     common.UDPProbeInterval,
		CredentialsTimeout:   common.CredentialsTimeout,
		RoutingResetGrace:    common.RoutingResetGrace,
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration at path. A missing file yields the
// defaults. Keys absent from the file keep their default values.
func LoadFrom(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: error parsing %s: %w", common.ErrConfigLoad, path, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", common.ErrConfigLoad, err)
	}
	return config, nil
}

// validate verifies that configuration values are valid and fills in
// what can be derived.
func (c *Config) validate() error {
	switch c.Backend {
	case common.BackendTun2socks:
		if c.Binaries.Relay == "" {
			c.Binaries.Relay = "tun2socks"
		}
	case common.BackendBadvpn:
		if c.Binaries.Relay == "" {
			c.Binaries.Relay = "badvpn-tun2socks"
		}
		if c.Binaries.ProxyClient == "" {
			c.Binaries.ProxyClient = "ss-local"
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, common.BackendTun2socks, common.BackendBadvpn)
	}

	if c.Tun.Name == "" {
		c.Tun.Name = common.TunDeviceName
	}
	if len(c.Tun.DNS) == 0 {
		c.Tun.DNS = slices.Clone(common.DNSResolvers)
	}
	if c.RoutingSocket == "" {
		return errors.New("routing_socket must not be empty")
	}

	// Non-positive timings fall back to the defaults.
	defaults := defaultTimings()
	for _, field := range []struct {
		value *time.Duration
		def   time.Duration
	}{
		{&c.Timings.ServerConnectTimeout, defaults.ServerConnectTimeout},
		{&c.Timings.UDPProbeTimeout, defaults.UDPProbeTimeout},
		{&c.Timings.UDPProbeInterval, defaults.UDPProbeInterval},
		{&c.Timings.CredentialsTimeout, defaults.CredentialsTimeout},
		{&c.Timings.RoutingResetGrace, defaults.RoutingResetGrace},
	} {
		if *field.value <= 0 {
			*field.value = field.def
		}
	}
	if c.Timings.UDPProbeInterval > c.Timings.UDPProbeTimeout {
		return fmt.Errorf("udp_probe_interval %v exceeds udp_probe_timeout %v",
			c.Timings.UDPProbeInterval, c.Timings.UDPProbeTimeout)
	}

	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay must not be negative, got %v", c.ReconnectDelay)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to path.
func (c *Config) SaveTo(path string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}
	return nil
}

// Path returns the default configuration file path.
func Path() (string, error) {
	return common.ConfigFile(common.ConfigFileName)
}

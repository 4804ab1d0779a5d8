package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yllada/proxy-tunnel/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend != common.BackendTun2socks {
		t.Errorf("Backend = %q, want %q", cfg.Backend, common.BackendTun2socks)
	}
	if !cfg.AutoReconnect {
		t.Error("AutoReconnect should be true by default")
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.ReconnectDelay)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %v, want 5", cfg.MaxReconnectAttempts)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}

	// The defaults must not alias the shared resolver list.
	cfg.Tun.DNS[0] = "192.0.2.53"
	if common.DNSResolvers[0] == "192.0.2.53" {
		t.Error("DefaultConfig shares DNSResolvers")
	}
}

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    func(*Config)
	}{
		{
			name:    "empty file",
			content: "",
			want:    func(*Config) {},
		},
		{
			name: "badvpn backend",
			content: `backend: badvpn
binaries:
  proxy_client: /opt/ss-local
`,
			want: func(c *Config) {
				c.Backend = common.BackendBadvpn
				c.Binaries = Binaries{ProxyClient: "/opt/ss-local", Relay: "badvpn-tun2socks"}
			},
		},
		{
			name: "durations and reconnect",
			content: `reconnect_delay: 2s
max_reconnect_attempts: 0
auto_reconnect: false
timings:
  udp_probe_timeout: 3s
  udp_probe_interval: 500ms
`,
			want: func(c *Config) {
				c.ReconnectDelay = 2 * time.Second
				c.MaxReconnectAttempts = 0
				c.AutoReconnect = false
				c.Timings.UDPProbeTimeout = 3 * time.Second
				c.Timings.UDPProbeInterval = 500 * time.Millisecond
			},
		},
		{
			name: "tun and daemon",
			content: `tun:
  name: tun7
  dns: [192.0.2.53]
routing_socket: /run/routing.sock
daemon_service: ""
debug: true
`,
			want: func(c *Config) {
				c.Tun = Tun{Name: "tun7", DNS: []string{"192.0.2.53"}}
				c.RoutingSocket = "/run/routing.sock"
				c.DaemonService = ""
				c.Debug = true
			},
		},
		{
			name: "non-positive timing falls back",
			content: `timings:
  server_connect_timeout: 0s
`,
			want: func(*Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadFrom(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("LoadFrom() error = %v", err)
			}
			want := DefaultConfig()
			tt.want(want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("LoadFrom() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "theme: dark\n"},
		{"unknown backend", "backend: wireguard\n"},
		{"negative attempts", "max_reconnect_attempts: -1\n"},
		{"negative delay", "reconnect_delay: -1s\n"},
		{"bad duration", "reconnect_delay: soon\n"},
		{"empty socket", "routing_socket: \"\"\n"},
		{"interval above timeout", "timings:\n  udp_probe_timeout: 1s\n  udp_probe_interval: 2s\n"},
		{"not yaml", "backend: [tun2socks\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.content))
			if !errors.Is(err, common.ErrConfigLoad) {
				t.Errorf("LoadFrom() error = %v, want %v", err, common.ErrConfigLoad)
			}
		})
	}
}

func TestLoadFrom_Missing(t *testing.T) {
	got, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("LoadFrom() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_CreatesDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	path, err := Path()
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %v, want 0600", perm)
	}

	cfg.Backend = common.BackendBadvpn
	cfg.ReconnectDelay = 90 * time.Second
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	reloaded, err := Load()
	if err != nil {
		t.Fatalf("Load() after Save error = %v", err)
	}
	if diff := cmp.Diff(cfg, reloaded); diff != "" {
		t.Errorf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}

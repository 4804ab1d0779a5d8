// Package common provides shared constants, types, and utilities
// used across the proxy tunnel.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "Proxy Tunnel"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "proxy-tunnel"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "proxy-tunnel.log"
)

// Virtual network device parameters handed to the packet relay.
const (
	// TunDeviceName is the name of the TUN device on Linux.
	TunDeviceName = "outline-tun0"
	// TapDeviceName is the name of the TAP adapter on Windows.
	TapDeviceName = "outline-tap0"
	// TunDeviceIP is the address assigned to the device.
	TunDeviceIP = "10.0.85.2"
	// TunDeviceRouterIP is the gateway address on the device network.
	TunDeviceRouterIP = "10.0.85.1"
	// TunDeviceNetwork is the device network address.
	TunDeviceNetwork = "10.0.85.0"
	// TunDeviceNetmask is the device network mask.
	TunDeviceNetmask = "255.255.255.0"
)

// DNSResolvers are the upstream resolvers configured on the TUN device.
var DNSResolvers = []string{"1.1.1.1", "9.9.9.9"}

// Local proxy client endpoint.
const (
	// ProxyClientHost is the loopback address the proxy client listens on.
	ProxyClientHost = "127.0.0.1"
	// ProxyClientPort is the local SOCKS port of the proxy client.
	ProxyClientPort = 1081
)

// Routing daemon endpoints.
const (
	// RoutingSocketPath is the Unix socket of the routing daemon.
	RoutingSocketPath = "/var/run/outline_controller"
	// RoutingPipePath is the named pipe of the routing daemon on Windows.
	RoutingPipePath = `\\.\pipe\OutlineServicePipe`
	// RoutingServiceName is the systemd unit restarted on privilege elevation.
	RoutingServiceName = "outline_proxy_controller.service"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time to wait for a connection.
	ConnectionTimeout = 30 * time.Second
	// ProxyClientConnectTimeout bounds one local reachability attempt.
	ProxyClientConnectTimeout = 250 * time.Millisecond
	// ProxyClientMaxAttempts is how often the local proxy client is probed.
	ProxyClientMaxAttempts = 30
	// ProxyClientRetryInterval is the delay between local probes.
	ProxyClientRetryInterval = 100 * time.Millisecond
	// ServerConnectTimeout bounds the remote server reachability check.
	ServerConnectTimeout = 10 * time.Second
	// UDPProbeTimeout is the deadline for the UDP forwarding probe.
	UDPProbeTimeout = 5 * time.Second
	// UDPProbeInterval is how often the probe query is resent.
	UDPProbeInterval = 1 * time.Second
	// CredentialsTimeout bounds the credential probe.
	CredentialsTimeout = 10 * time.Second
	// DNSLookupTimeout bounds the proxy hostname lookup.
	DNSLookupTimeout = 10 * time.Second
	// RelayReadyTimeout bounds the wait for the relay's readiness marker.
	RelayReadyTimeout = 10 * time.Second
	// RoutingResetGrace is how long the daemon may take to close after a reset.
	RoutingResetGrace = 5 * time.Second
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay = 5 * time.Second
)

// Relay backend names.
const (
	BackendTun2socks = "tun2socks"
	BackendBadvpn    = "badvpn"
)

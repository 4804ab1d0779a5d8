package vpn

import (
	"context"
	"net"
	"strconv"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/connectivity"
	"github.com/yllada/proxy-tunnel/process"
)

// BadvpnBackend pairs an ss-local proxy client with badvpn-tun2socks.
type BadvpnBackend struct {
	ProxyClientPath string
	RelayPath       string
	TunName         string
	// LocalPort is the SOCKS port ss-local listens on.
	LocalPort int
	// LocalReach bounds the wait for ss-local to accept connections.
	LocalReach connectivity.ReachOptions
	// ServerReach bounds the reachability check of the remote server.
	ServerReach connectivity.ReachOptions

	prober *connectivity.Prober
	logger common.Logger
}

// NewBadvpnBackend returns a backend for the given ss-local and
// badvpn-tun2socks binaries.
func NewBadvpnBackend(proxyClientPath, relayPath string) *BadvpnBackend {
	return &BadvpnBackend{
		ProxyClientPath: proxyClientPath,
		RelayPath:       relayPath,
		TunName:         common.TunDeviceName,
		LocalPort:       common.ProxyClientPort,
		LocalReach: connectivity.ReachOptions{
			Timeout:       common.ProxyClientConnectTimeout,
			MaxAttempts:   common.ProxyClientMaxAttempts,
			RetryInterval: common.ProxyClientRetryInterval,
		},
		ServerReach: connectivity.ReachOptions{
			Timeout:     common.ServerConnectTimeout,
			MaxAttempts: 1,
		},
		prober: connectivity.NewProber(),
		logger: common.NewComponentLogger("badvpn"),
	}
}

// SetProber replaces the prober used by the connectivity checks.
func (b *BadvpnBackend) SetProber(p *connectivity.Prober) {
	b.prober = p
}

func (b *BadvpnBackend) Name() string { return common.BackendBadvpn }

func (b *BadvpnBackend) localAddr() string {
	return net.JoinHostPort(common.ProxyClientHost, strconv.Itoa(b.LocalPort))
}

func (b *BadvpnBackend) NewProxyClient(cfg SessionConfig) ProxyClient {
	return &ssLocalClient{
		helper:  process.NewHelper("ss-local", b.ProxyClientPath),
		backend: b,
		cfg:     cfg,
	}
}

func (b *BadvpnBackend) NewRelay(SessionConfig) Relay {
	return &helperRelay{
		helper: process.NewHelper("badvpn-tun2socks", b.RelayPath),
		args: func(udp, debug bool) []string {
			local := b.localAddr()
			args := []string{
				"--tundev", b.TunName,
				"--netif-ipaddr", common.TunDeviceRouterIP,
				"--netif-netmask", common.TunDeviceNetmask,
				"--socks-server-addr", local,
				"--transparent-dns",
			}
			if udp {
				args = append(args, "--socks5-udp", "--udp-relay-addr", local)
			}
			level := "error"
			if debug {
				level = "info"
			}
			return append(args, "--loglevel", level)
		},
	}
}

// CheckConnectivity checks, in order, that the server accepts TCP
// connections, that the credentials decrypt, and whether UDP is forwarded.
func (b *BadvpnBackend) CheckConnectivity(ctx context.Context, cfg SessionConfig) (bool, error) {
	if err := b.prober.IsReachable(ctx, cfg.Host, cfg.Port, b.ServerReach); err != nil {
		return false, err
	}
	if err := b.prober.ValidateServerCredentials(ctx, common.ProxyClientHost, b.LocalPort); err != nil {
		return false, err
	}
	return b.CheckUDP(ctx, cfg)
}

// CheckUDP sends a probe through the local proxy client.
func (b *BadvpnBackend) CheckUDP(ctx context.Context, _ SessionConfig) (bool, error) {
	if err := b.prober.IsReachable(ctx, common.ProxyClientHost, b.LocalPort, b.LocalReach); err != nil {
		return false, err
	}
	udp, err := b.prober.CheckUDPForwardingEnabled(ctx, common.ProxyClientHost, b.LocalPort)
	if err != nil {
		return false, err
	}
	b.logger.Info("UDP forwarding enabled: %t", udp)
	return udp, nil
}

type ssLocalClient struct {
	helper  *process.Helper
	backend *BadvpnBackend
	cfg     SessionConfig
	debug   bool
}

func (c *ssLocalClient) Start(ctx context.Context) error {
	args := []string{
		"-l", strconv.Itoa(c.backend.LocalPort),
		"-s", c.cfg.Host,
		"-p", strconv.Itoa(c.cfg.Port),
		"-k", c.cfg.Password,
		"-m", c.cfg.Method,
		"-u",
	}
	if c.debug {
		args = append(args, "-v")
	}
	if err := c.helper.Start(ctx, args, ""); err != nil {
		return proxyStartError(err)
	}
	err := c.backend.prober.IsReachable(ctx, common.ProxyClientHost, c.backend.LocalPort, c.backend.LocalReach)
	if err != nil {
		return proxyStartError(err)
	}
	return nil
}

func (c *ssLocalClient) Stop() { c.helper.Stop() }

func (c *ssLocalClient) SetOnExit(fn func()) {
	c.helper.SetOnExit(func(process.ExitStatus) { fn() })
}

func (c *ssLocalClient) EnableDebugMode() {
	c.debug = true
	c.helper.EnableDebugMode()
}

package vpn

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/process"
)

const tun2socksReadyMarker = "tun2socks running"

// Tun2socksBackend drives a single relay binary that speaks the proxy
// protocol itself, so no separate proxy client runs.
type Tun2socksBackend struct {
	Path         string
	TunName      string
	DNSResolvers []string
	logger       common.Logger
}

// NewTun2socksBackend returns a backend for the relay at path.
func NewTun2socksBackend(path string) *Tun2socksBackend {
	return &Tun2socksBackend{
		Path:         path,
		TunName:      common.TunDeviceName,
		DNSResolvers: common.DNSResolvers,
		logger:       common.NewComponentLogger("tun2socks"),
	}
}

func (b *Tun2socksBackend) Name() string { return common.BackendTun2socks }

func (b *Tun2socksBackend) NewProxyClient(SessionConfig) ProxyClient {
	return &noProxyClient{}
}

func (b *Tun2socksBackend) NewRelay(cfg SessionConfig) Relay {
	return &helperRelay{
		helper: process.NewHelper("tun2socks", b.Path),
		marker: tun2socksReadyMarker,
		args: func(udp, debug bool) []string {
			args := []string{
				"-tunName", b.TunName,
				"-tunAddr", common.TunDeviceIP,
				"-tunGw", common.TunDeviceRouterIP,
				"-tunMask", common.TunDeviceNetmask,
				"-tunDNS", strings.Join(b.DNSResolvers, ","),
			}
			args = append(args, b.proxyArgs(cfg)...)
			level := "info"
			if debug {
				level = "debug"
			}
			args = append(args, "-logLevel", level)
			if !udp {
				args = append(args, "-dnsFallback")
			}
			return args
		},
	}
}

// CheckConnectivity runs the relay in check mode. It exits 0 when the
// server works with UDP, with the UDP error code when only TCP works, and
// with another shared error code otherwise.
func (b *Tun2socksBackend) CheckConnectivity(ctx context.Context, cfg SessionConfig) (bool, error) {
	args := append(b.proxyArgs(cfg), "-checkConnectivity")

	proc := process.New("tun2socks-check", b.Path)
	proc.Launch(args)
	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Stop()
		<-proc.Done()
		return false, ctx.Err()
	}

	status := proc.ExitStatus()
	switch {
	case status.Err != nil:
		return false, common.WrapNative(common.Unexpected, "failed to run connectivity check", status.Err)
	case status.Signal != "":
		return false, common.NewNativeError(common.Unexpected, "connectivity check "+status.String())
	case status.Code == int(common.NoError):
		return true, nil
	case status.Code == int(common.UDPRelayNotEnabled):
		b.logger.Info("server does not forward UDP")
		return false, nil
	}
	native, err := common.FromErrorCode(common.ErrorCode(status.Code))
	if err != nil {
		return false, common.WrapNative(common.Unexpected, "connectivity check failed", err)
	}
	native.Msg = "connectivity check failed"
	return false, native
}

// CheckUDP re-runs the full check; the relay has no narrower mode.
func (b *Tun2socksBackend) CheckUDP(ctx context.Context, cfg SessionConfig) (bool, error) {
	return b.CheckConnectivity(ctx, cfg)
}

func (b *Tun2socksBackend) proxyArgs(cfg SessionConfig) []string {
	return []string{
		"-proxyHost", cfg.Host,
		"-proxyPort", strconv.Itoa(cfg.Port),
		"-proxyPassword", cfg.Password,
		"-proxyCipher", cfg.Method,
	}
}

// noProxyClient stands in for the proxy client when the relay talks to the
// server directly. It only "exits" when stopped.
type noProxyClient struct {
	mu      sync.Mutex
	onExit  func()
	stopped bool
}

func (c *noProxyClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return common.WrapNative(common.ShadowsocksStartFailure, "proxy client", process.ErrStopped)
	}
	return nil
}

func (c *noProxyClient) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	onExit := c.onExit
	c.mu.Unlock()

	if onExit != nil {
		onExit()
	}
}

func (c *noProxyClient) SetOnExit(fn func()) {
	c.mu.Lock()
	c.onExit = fn
	c.mu.Unlock()
}

func (c *noProxyClient) EnableDebugMode() {}

package vpn

import (
	"context"
	"errors"
	"fmt"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/process"
)

// ProxyClient is the local proxy process that encrypts traffic towards
// the server.
type ProxyClient interface {
	// Start launches the client and returns once it accepts connections.
	Start(ctx context.Context) error
	// Stop terminates the client for good. The exit listener fires even
	// when the client never started.
	Stop()
	SetOnExit(fn func())
	EnableDebugMode()
}

// Relay moves packets between the TUN device and the proxy.
type Relay interface {
	// Start launches the relay, with UDP forwarding when udp is true.
	Start(ctx context.Context, udp bool) error
	// Halt stops the running relay but allows another Start.
	Halt()
	// Stop terminates the relay for good.
	Stop()
	SetOnExit(fn func())
	EnableDebugMode()
}

// Backend builds the proxy client and relay for one relay implementation.
type Backend interface {
	Name() string
	NewProxyClient(cfg SessionConfig) ProxyClient
	NewRelay(cfg SessionConfig) Relay
	// CheckConnectivity verifies the server and credentials and reports
	// whether UDP forwarding works. The proxy client is already running.
	CheckConnectivity(ctx context.Context, cfg SessionConfig) (bool, error)
	// CheckUDP re-tests UDP forwarding only.
	CheckUDP(ctx context.Context, cfg SessionConfig) (bool, error)
}

// Binaries locates the external programs used by the backends.
type Binaries struct {
	ProxyClient string `yaml:"proxy_client"`
	Relay       string `yaml:"relay"`
}

// NewBackend returns the backend registered under name.
func NewBackend(name string, bins Binaries) (Backend, error) {
	switch name {
	case common.BackendTun2socks:
		return NewTun2socksBackend(bins.Relay), nil
	case common.BackendBadvpn:
		return NewBadvpnBackend(bins.ProxyClient, bins.Relay), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// helperRelay adapts a process.Helper to Relay; the backend supplies the
// command line and the readiness marker.
type helperRelay struct {
	helper *process.Helper
	args   func(udp bool, debug bool) []string
	marker string
	debug  bool
}

func (r *helperRelay) Start(ctx context.Context, udp bool) error {
	if r.marker != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, common.RelayReadyTimeout)
		defer cancel()
	}
	if err := r.helper.Start(ctx, r.args(udp, r.debug), r.marker); err != nil {
		return relayStartError(err)
	}
	return nil
}

func (r *helperRelay) Halt() { r.helper.Halt() }
func (r *helperRelay) Stop() { r.helper.Stop() }

func (r *helperRelay) SetOnExit(fn func()) {
	r.helper.SetOnExit(func(process.ExitStatus) { fn() })
}

func (r *helperRelay) EnableDebugMode() {
	r.debug = true
	r.helper.EnableDebugMode()
}

// relayStartError maps a failed relay launch. A relay that exits with one
// of the shared error codes reports that code.
func relayStartError(err error) error {
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) && exitErr.Status.Err == nil && exitErr.Status.Signal == "" {
		if native, convErr := common.FromErrorCode(common.ErrorCode(exitErr.Status.Code)); convErr == nil {
			native.Msg = "relay exited: " + native.Code.String()
			native.Err = err
			return native
		}
	}
	return common.WrapNative(common.VPNStartFailure, "failed to start relay", err)
}

func proxyStartError(err error) error {
	var native *common.NativeError
	if errors.As(err, &native) && native.Code == common.ShadowsocksStartFailure {
		return err
	}
	return common.WrapNative(common.ShadowsocksStartFailure, "failed to start proxy client", err)
}

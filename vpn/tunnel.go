package vpn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/connectivity"
	"github.com/yllada/proxy-tunnel/power"
)

// TunnelState is the lifecycle state of a Tunnel.
type TunnelState int

const (
	StateIdle TunnelState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
)

// String returns a human-readable state.
func (s TunnelState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting..."
	case StateDisconnecting:
		return "Disconnecting..."
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// RoutingDaemon configures the system routing table for a tunnel.
type RoutingDaemon interface {
	Start(ctx context.Context, proxyIP string, isAutoConnect bool) error
	Stop() error
	Done() <-chan struct{}
	SetOnStatusChange(fn func(common.TunnelStatus))
}

// PowerMonitor delivers suspend and resume events.
type PowerMonitor interface {
	Subscribe(l power.Listener) (unsubscribe func())
}

// TunnelOption configures a Tunnel.
type TunnelOption func(*Tunnel)

// WithPowerMonitor halts the relay across system suspend.
func WithPowerMonitor(m PowerMonitor) TunnelOption {
	return func(t *Tunnel) { t.power = m }
}

// WithResolver replaces the proxy hostname lookup.
func WithResolver(lookup func(ctx context.Context, host string) (string, error)) TunnelOption {
	return func(t *Tunnel) { t.lookupIP = lookup }
}

// Tunnel is one full-system VPN session: a proxy client, a packet relay
// and the routing daemon. It is connected only once all three started and
// done only once all three exited. A Tunnel is used for a single connect
// attempt.
type Tunnel struct {
	id       string
	cfg      SessionConfig
	backend  Backend
	routing  RoutingDaemon
	proxy    ProxyClient
	relay    Relay
	power    PowerMonitor
	lookupIP func(ctx context.Context, host string) (string, error)
	logger   common.Logger

	mu             sync.Mutex
	state          TunnelState
	udp            bool
	stopping       bool
	suspended      bool
	unsubscribe    func()
	cancelConnect  context.CancelFunc
	onReconnecting func()
	onReconnected  func()

	// bg bounds checks started in the background after connecting.
	bg       context.Context
	cancelBg context.CancelFunc

	stopRouting func()
	stopProxy   func()
	stopRelay   func()

	proxyDone chan struct{}
	relayDone chan struct{}
	proxyOnce sync.Once
	relayOnce sync.Once
	group     *Group
	done      chan struct{}
}

// NewTunnel assembles a tunnel for cfg. The exits of its three parts are
// watched from here on, so a tunnel that fails to connect still has to be
// disconnected.
func NewTunnel(cfg SessionConfig, backend Backend, daemon RoutingDaemon, opts ...TunnelOption) *Tunnel {
	id := uuid.NewString()
	t := &Tunnel{
		id:        id,
		cfg:       cfg,
		backend:   backend,
		routing:   daemon,
		proxy:     backend.NewProxyClient(cfg),
		relay:     backend.NewRelay(cfg),
		lookupIP:  connectivity.NewProber().LookupIP,
		logger:    common.NewComponentLogger("tunnel " + id[:8]),
		proxyDone: make(chan struct{}),
		relayDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bg, t.cancelBg = context.WithCancel(context.Background())

	t.proxy.SetOnExit(t.proxyExited)
	t.relay.SetOnExit(t.relayExited)
	t.routing.SetOnStatusChange(t.networkChanged)

	t.stopRouting = sync.OnceFunc(func() {
		if err := t.routing.Stop(); err != nil {
			t.logger.Warn("could not stop routing: %v", err)
		}
	})
	t.stopProxy = sync.OnceFunc(t.proxy.Stop)
	t.stopRelay = sync.OnceFunc(t.relay.Stop)

	t.group = NewGroup(
		Member{Name: "routing daemon", Done: daemon.Done(), Stop: t.stopRouting},
		Member{Name: "proxy client", Done: t.proxyDone, Stop: t.stopProxy},
		Member{Name: "relay", Done: t.relayDone, Stop: t.stopRelay},
	)
	// The group stops every part after the first exit.
	t.group.Start(func(name string) {
		t.logger.Info("%s exited, disconnecting", name)
		t.beginDisconnect()
	})
	go t.awaitTermination()
	return t
}

// ID returns the session ID used in logs.
func (t *Tunnel) ID() string { return t.id }

// Config returns the endpoint this tunnel connects to.
func (t *Tunnel) Config() SessionConfig { return t.cfg }

// State returns the current state.
func (t *Tunnel) State() TunnelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UDPEnabled reports whether the relay forwards UDP.
func (t *Tunnel) UDPEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.udp
}

// Done is closed once the proxy client, the relay and the routing daemon
// connection have all exited.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// OnReconnecting sets the listener called when the daemon reports that
// the network is being re-established.
func (t *Tunnel) OnReconnecting(fn func()) {
	t.mu.Lock()
	t.onReconnecting = fn
	t.mu.Unlock()
}

// OnReconnected sets the listener called when the daemon reports the
// network is back.
func (t *Tunnel) OnReconnected(fn func()) {
	t.mu.Lock()
	t.onReconnected = fn
	t.mu.Unlock()
}

// EnableDebugMode turns on verbose output of the helper processes. It
// must be called before Connect.
func (t *Tunnel) EnableDebugMode() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return fmt.Errorf("tunnel %s: debug mode must be enabled before connecting", t.id)
	}
	t.proxy.EnableDebugMode()
	t.relay.EnableDebugMode()
	return nil
}

// Connect starts the proxy client, checks the server when
// checkConnectivity is set, then starts the relay and the routing daemon.
// On failure everything started so far is torn down. checkConnectivity is
// false for connections made without the user present, so a revoked key
// keeps the system routed instead of leaking traffic.
func (t *Tunnel) Connect(ctx context.Context, checkConnectivity bool) (err error) {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	t.state = StateConnecting
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancelConnect = cancel
	if t.power != nil {
		t.unsubscribe = t.power.Subscribe(t)
	}
	t.mu.Unlock()

	defer func() {
		if err != nil {
			t.logger.Error("connect to %s failed: %v", t.cfg, err)
			t.Disconnect()
		}
	}()

	t.logger.Info("connecting to %s with %s backend", t.cfg, t.backend.Name())
	if err := t.cfg.Validate(); err != nil {
		return err
	}
	if err := t.proxy.Start(ctx); err != nil {
		return err
	}

	var udp bool
	if checkConnectivity {
		if udp, err = t.backend.CheckConnectivity(ctx, t.cfg); err != nil {
			return err
		}
		t.logger.Info("UDP support: %t", udp)
	} else {
		// Nothing is checked before routing is up. The daemon's first
		// CONNECTED push retests UDP.
		t.logger.Info("skipping server checks, relaying TCP only for now")
	}

	proxyIP, err := t.lookupIP(ctx, t.cfg.Host)
	if err != nil {
		if checkConnectivity {
			return err
		}
		t.logger.Warn("could not resolve %s, routing by name: %v", t.cfg.Host, err)
		proxyIP = t.cfg.Host
	}

	t.mu.Lock()
	t.udp = udp
	t.mu.Unlock()

	if err := t.relay.Start(ctx, udp); err != nil {
		return err
	}
	if err := t.routing.Start(ctx, proxyIP, !checkConnectivity); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping {
		return fmt.Errorf("tunnel %s: %w", t.id, common.ErrCancelled)
	}
	t.state = StateConnected
	t.cancelConnect = nil
	t.logger.Info("connected to %s", t.cfg)
	return nil
}

// Disconnect stops all three parts. It returns without waiting; use Done
// to learn when they have exited. Calling it again does nothing.
func (t *Tunnel) Disconnect() error {
	if !t.beginDisconnect() {
		return nil
	}
	t.stopRouting()
	t.stopProxy()
	t.stopRelay()
	return nil
}

// beginDisconnect moves to Disconnecting and cancels pending work without
// stopping the parts. It reports false if the tunnel was already stopping.
func (t *Tunnel) beginDisconnect() bool {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return false
	}
	t.stopping = true
	t.state = StateDisconnecting
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	cancelConnect := t.cancelConnect
	t.cancelConnect = nil
	// A suspend or UDP restart may have swapped the listener.
	t.relay.SetOnExit(t.relayExited)
	t.mu.Unlock()

	t.logger.Info("disconnecting")
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancelConnect != nil {
		cancelConnect()
	}
	t.cancelBg()
	return true
}

func (t *Tunnel) awaitTermination() {
	<-t.group.Done()
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
	t.cancelBg()
	t.logger.Info("all helpers have exited")
	close(t.done)
}

func (t *Tunnel) proxyExited() {
	t.proxyOnce.Do(func() { close(t.proxyDone) })
}

func (t *Tunnel) relayExited() {
	t.relayOnce.Do(func() { close(t.relayDone) })
}

func (t *Tunnel) networkChanged(status common.TunnelStatus) {
	var listener func()
	t.mu.Lock()
	if t.stopping || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	switch status {
	case common.StatusConnected:
		t.state = StateConnected
		listener = t.onReconnected
	case common.StatusReconnecting:
		t.state = StateReconnecting
		listener = t.onReconnecting
	default:
		t.mu.Unlock()
		t.logger.Error("unknown network status %d from routing daemon", int(status))
		return
	}
	t.mu.Unlock()

	if listener != nil {
		listener()
	}
	// UDP support rarely changes; test after telling the caller.
	if status == common.StatusConnected {
		go t.retestUDP()
	}
}

// retestUDP restarts the relay when UDP support changed since it started.
func (t *Tunnel) retestUDP() {
	t.mu.Lock()
	was := t.udp
	t.mu.Unlock()

	udp, err := t.backend.CheckUDP(t.bg, t.cfg)
	if err != nil {
		t.logger.Warn("UDP re-check failed: %v", err)
		return
	}
	if udp == was {
		return
	}

	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return
	}
	t.udp = udp
	t.relay.SetOnExit(t.restartRelay)
	t.mu.Unlock()

	t.logger.Info("UDP support changed to %t, restarting relay", udp)
	t.relay.Halt()
}

// restartRelay is the relay exit listener while a restart is pending.
func (t *Tunnel) restartRelay() {
	t.mu.Lock()
	stopping := t.stopping
	udp := t.udp
	t.mu.Unlock()

	if stopping {
		t.relayExited()
		return
	}
	t.relay.SetOnExit(t.relayExited)
	if err := t.relay.Start(t.bg, udp); err != nil {
		t.logger.Error("relay restart failed: %v", err)
		t.relayExited()
	}
}

// Suspend halts the relay ahead of system sleep; the TUN device does not
// survive it.
func (t *Tunnel) Suspend() {
	t.mu.Lock()
	if t.stopping || t.suspended {
		t.mu.Unlock()
		return
	}
	t.suspended = true
	t.relay.SetOnExit(func() {})
	t.mu.Unlock()

	t.relay.Halt()
	t.logger.Info("relay stopped for suspend")
}

// Resume relaunches the relay after sleep and re-checks UDP support.
func (t *Tunnel) Resume() {
	t.mu.Lock()
	if t.stopping || !t.suspended {
		t.mu.Unlock()
		if t.stopping {
			t.logger.Warn("resume event for terminated tunnel, ignoring")
		}
		return
	}
	t.suspended = false
	udp := t.udp
	t.mu.Unlock()

	t.logger.Info("restarting relay after resume")
	t.relay.SetOnExit(t.relayExited)
	if err := t.relay.Start(t.bg, udp); err != nil {
		t.logger.Error("relay restart after resume failed: %v", err)
		t.relayExited()
		return
	}
	go t.retestUDP()
}

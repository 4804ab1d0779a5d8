package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/proxy-tunnel/common"
)

// ReconnectPolicy controls what a Session does when its tunnel ends without
// Disconnect being called.
type ReconnectPolicy struct {
	// AutoReconnect enables automatic reconnection.
	AutoReconnect bool
	// ReconnectDelay is the wait before each attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the number of attempts before giving up
	// (0 = unlimited).
	MaxReconnectAttempts int
}

// DefaultReconnectPolicy returns sensible defaults for reconnecting.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		AutoReconnect:        true,
		ReconnectDelay:       common.ReconnectDelay,
		MaxReconnectAttempts: 5,
	}
}

// DaemonFactory returns a fresh routing daemon connection for each tunnel.
type DaemonFactory func() RoutingDaemon

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithReconnectPolicy replaces DefaultReconnectPolicy.
func WithReconnectPolicy(p ReconnectPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithTunnelOptions passes opts to every tunnel the session creates.
func WithTunnelOptions(opts ...TunnelOption) SessionOption {
	return func(s *Session) { s.tunnelOpts = append(s.tunnelOpts, opts...) }
}

// WithDebug enables debug output on every tunnel's helpers.
func WithDebug(debug bool) SessionOption {
	return func(s *Session) { s.debug = debug }
}

// Session keeps a VPN connected over a list of candidate servers. It tries
// the queued configs in priority order and, when the tunnel drops on its
// own, reconnects according to its ReconnectPolicy. A Session is used for
// a single Connect; it is finished once Done is closed.
type Session struct {
	queue      *ConfigQueue
	backend    Backend
	newDaemon  DaemonFactory
	tunnelOpts []TunnelOption
	policy     ReconnectPolicy
	debug      bool
	logger     common.Logger

	// ctx is cancelled by Disconnect and bounds reconnect attempts.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	tunnel            *Tunnel
	started           bool
	stopping          bool
	waiting           bool
	finished          bool
	onReconnecting    func(attempt int)
	onReconnectFailed func(err error)
	onNetworkChange   func(state TunnelState)

	done     chan struct{}
	doneOnce sync.Once
}

// NewSession creates a session that builds tunnels with backend and
// newDaemon.
func NewSession(backend Backend, newDaemon DaemonFactory, opts ...SessionOption) *Session {
	s := &Session{
		queue:     NewConfigQueue(),
		backend:   backend,
		newDaemon: newDaemon,
		policy:    DefaultReconnectPolicy(),
		logger:    common.NewComponentLogger("session"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// SetOnReconnecting sets a callback for reconnection attempts.
func (s *Session) SetOnReconnecting(callback func(attempt int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnecting = callback
}

// SetOnReconnectFailed sets a callback for when the session gives up.
func (s *Session) SetOnReconnectFailed(callback func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnectFailed = callback
}

// SetOnNetworkChange sets a callback for network changes reported by the
// routing daemon of the active tunnel.
func (s *Session) SetOnNetworkChange(callback func(state TunnelState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNetworkChange = callback
}

// UpdateConfigs replaces the candidate servers and makes every one of them
// eligible again.
func (s *Session) UpdateConfigs(configs []SessionConfig) {
	s.queue.UpdateConfigs(configs)
	s.queue.Reset()
}

// Pending returns the configs not yet tried, next first.
func (s *Session) Pending() []SessionConfig {
	return s.queue.Pending()
}

// Connect tries the queued configs until one connects. Failures specific
// to one server move on to the next; any other failure is returned at once.
func (s *Session) Connect(ctx context.Context, checkConnectivity bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	s.started = true
	s.mu.Unlock()

	if err := s.connectNext(ctx, checkConnectivity); err != nil {
		s.finish()
		return err
	}
	go s.supervise()
	return nil
}

// Disconnect stops the active tunnel and any pending reconnect. Use Done to
// wait for the helpers to exit.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	tunnel := s.tunnel
	started := s.started
	s.mu.Unlock()

	s.logger.Info("disconnect requested")
	s.cancel()
	if tunnel != nil {
		tunnel.Disconnect()
	}
	if !started {
		s.finish()
	}
}

// Done is closed when the session has ended and its last tunnel is down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the state of the session's current tunnel.
func (s *Session) State() TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.finished:
		return StateDisconnected
	case s.waiting:
		return StateReconnecting
	case s.tunnel == nil:
		return StateIdle
	}
	return s.tunnel.State()
}

// Current returns the active tunnel, if any.
func (s *Session) Current() (*Tunnel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel, s.tunnel != nil
}

func (s *Session) connectNext(ctx context.Context, checkConnectivity bool) error {
	var lastErr error
	for {
		cfg, ok := s.queue.GetConfig()
		if !ok {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", common.ErrNoConfigs, lastErr)
			}
			return common.ErrNoConfigs
		}

		tunnel := NewTunnel(cfg, s.backend, s.newDaemon(), s.tunnelOpts...)
		if s.debug {
			if err := tunnel.EnableDebugMode(); err != nil {
				s.logger.Warn("%v", err)
			}
		}
		tunnel.OnReconnecting(func() { s.networkChanged(StateReconnecting) })
		tunnel.OnReconnected(func() { s.networkChanged(StateConnected) })

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			tunnel.Disconnect()
			<-tunnel.Done()
			return common.ErrCancelled
		}
		s.tunnel = tunnel
		s.mu.Unlock()

		err := tunnel.Connect(ctx, checkConnectivity)
		if err == nil {
			return nil
		}
		// The next tunnel reuses the TUN device name.
		<-tunnel.Done()
		if !isConfigError(err) {
			return err
		}
		s.logger.Warn("%s failed, trying next server: %v", cfg, err)
		lastErr = err
	}
}

// isConfigError reports failures that are specific to one server.
func isConfigError(err error) bool {
	switch common.ToErrorCode(err) {
	case common.ServerUnreachable, common.InvalidServerCredentials, common.IllegalServerConfiguration:
		return true
	}
	return false
}

func (s *Session) networkChanged(state TunnelState) {
	s.mu.Lock()
	callback := s.onNetworkChange
	s.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

// supervise waits for the active tunnel to end and reconnects when the end
// was not requested.
func (s *Session) supervise() {
	defer s.finish()
	for {
		s.mu.Lock()
		tunnel := s.tunnel
		s.mu.Unlock()

		<-tunnel.Done()
		if s.isStopping() {
			return
		}
		if !s.policy.AutoReconnect {
			s.logger.Warn("tunnel to %s ended", tunnel.Config())
			return
		}
		if err := s.reconnect(); err != nil {
			if s.isStopping() {
				return
			}
			s.logger.Error("giving up reconnecting: %v", err)
			s.mu.Lock()
			callback := s.onReconnectFailed
			s.mu.Unlock()
			if callback != nil {
				callback(err)
			}
			return
		}
	}
}

func (s *Session) reconnect() error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if s.policy.MaxReconnectAttempts > 0 && attempt > s.policy.MaxReconnectAttempts {
			return fmt.Errorf("%d reconnect attempts failed: %w", s.policy.MaxReconnectAttempts, lastErr)
		}

		s.mu.Lock()
		s.waiting = true
		callback := s.onReconnecting
		s.mu.Unlock()

		s.logger.Info("reconnecting (attempt %d)", attempt)
		if callback != nil {
			callback(attempt)
		}

		timer := time.NewTimer(s.policy.ReconnectDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return common.ErrCancelled
		}

		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()

		s.queue.Reset()
		// Nobody is at the keyboard; keep routing even if a check fails.
		err := s.connectNext(s.ctx, false)
		if err == nil {
			s.logger.Info("reconnect successful")
			return nil
		}
		if errors.Is(err, common.ErrCancelled) || s.isStopping() {
			return common.ErrCancelled
		}
		s.logger.Warn("reconnect attempt %d failed: %v", attempt, err)
		lastErr = err
	}
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	s.waiting = false
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Package routing talks to the privileged routing daemon that points the
// system routing table at the TUN device.
//
// The protocol has a minimal life-cycle. configureRouting is always the
// first message on a fresh connection and the daemon answers it exactly
// once. The only later request is resetRouting, after which the daemon
// closes the connection. In between the daemon may push statusChanged
// messages. The connection is held for as short a time as possible since
// the daemon serves one client at a time on some platforms.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/yllada/proxy-tunnel/common"
)

// ErrDaemonUnavailable marks dial errors meaning nothing is listening on
// the daemon endpoint. Only these trigger the installer.
var ErrDaemonUnavailable = errors.New("routing daemon not listening")

// DialFunc opens the byte stream to the daemon. Errors that mean no daemon
// is running should wrap ErrDaemonUnavailable.
type DialFunc func(ctx context.Context, path string) (io.ReadWriteCloser, error)

// Client is one routing session. It is not reusable: once Done is closed
// a new Client is needed.
type Client struct {
	path       string
	dial       DialFunc
	installer  Installer
	resetGrace time.Duration
	logger     common.Logger

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	stopping bool
	grace    *time.Timer
	onStatus func(common.TunnelStatus)

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithSocketPath overrides the daemon endpoint.
func WithSocketPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithDialer replaces the platform dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithInstaller sets the installer run when the daemon refuses the first
// connection. A nil installer disables the retry.
func WithInstaller(installer Installer) Option {
	return func(c *Client) { c.installer = installer }
}

// WithResetGrace bounds how long Stop waits for the daemon to close the
// connection after resetRouting.
func WithResetGrace(d time.Duration) Option {
	return func(c *Client) { c.resetGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger common.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the platform's default endpoint.
func NewClient(opts ...Option) *Client {
	c := &Client{
		path:       defaultPath,
		dial:       dialDaemon,
		installer:  NewPkexecInstaller(common.RoutingServiceName),
		resetGrace: common.RoutingResetGrace,
		logger:     common.NewComponentLogger("routing"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnStatusChange sets the listener for statusChanged pushes.
func (c *Client) SetOnStatusChange(fn func(common.TunnelStatus)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// Done is closed once the connection to the daemon is gone, or on Stop if
// the client never connected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Start connects to the daemon and asks it to route all traffic except
// proxyIP through the TUN device. It returns once the daemon has confirmed.
func (c *Client) Start(ctx context.Context, proxyIP string, isAutoConnect bool) error {
	return c.start(ctx, proxyIP, isAutoConnect, c.installer != nil)
}

func (c *Client) start(ctx context.Context, proxyIP string, isAutoConnect, retry bool) error {
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return errStoppedBeforeStarted()
	}

	conn, err := c.dial(ctx, c.path)
	if err != nil {
		if !errors.Is(err, ErrDaemonUnavailable) {
			return common.WrapNative(common.SystemMisconfigured, "cannot connect to routing daemon", err)
		}
		if !retry {
			if c.installer == nil {
				return common.WrapNative(common.SystemMisconfigured, "routing daemon is not running", err)
			}
			return common.WrapNative(common.NoAdminPermissions, "routing daemon is not running", err)
		}
		c.logger.Warn("cannot connect to routing daemon at %s, restarting it: %v", c.path, err)
		if err := c.installer.Install(ctx); err != nil {
			return err
		}
		return c.start(ctx, proxyIP, isAutoConnect, false)
	}

	// Holding writeMu keeps a concurrent Stop's reset behind the configure
	// request. Once stopped, nothing is sent at all.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return errStoppedBeforeStarted()
	}
	c.conn = conn
	c.mu.Unlock()
	err = writeRequest(conn, configureRequest(proxyIP, isAutoConnect))
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(conn)
		return common.WrapNative(common.SystemMisconfigured, "failed to send routing request", err)
	}

	first := make(chan firstResponse, 1)
	go c.readLoop(conn, first)

	var resp Response
	select {
	case r := <-first:
		if r.err != nil {
			conn.Close()
			return r.err
		}
		resp = r.resp
	case <-ctx.Done():
		// The daemon may still apply the configure request.
		if err := c.Stop(); err != nil {
			c.logger.Warn("%v", err)
		}
		return ctx.Err()
	}

	if resp.Action != ActionConfigureRouting || resp.StatusCode != StatusSuccess {
		conn.Close()
		return responseError(resp)
	}

	c.mu.Lock()
	stopping = c.stopping
	c.mu.Unlock()
	if stopping {
		// Stop already sent resetRouting; the daemon hangs up after it.
		return errStoppedBeforeStarted()
	}
	c.logger.Info("routing configured for proxy %s", proxyIP)
	return nil
}

// Stop asks the daemon to restore the routing table. Done is closed once
// the daemon hangs up, or after the reset grace period.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.conn == nil {
		c.stopping = true
		c.mu.Unlock()
		c.closeDone()
		return nil
	}
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	conn := c.conn
	c.grace = time.AfterFunc(c.resetGrace, func() {
		c.logger.Warn("routing daemon did not close the connection after reset")
		conn.Close()
	})
	c.mu.Unlock()

	if err := c.write(conn, resetRequest()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send reset request: %w", err)
	}
	return nil
}

type firstResponse struct {
	resp Response
	err  error
}

// readLoop owns reads on conn. The first decoded value answers the
// configure request; later values are pushes.
func (c *Client) readLoop(conn io.ReadWriteCloser, first chan<- firstResponse) {
	defer c.teardown(conn)

	var dec frameDecoder
	answered := false
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, bad := dec.feed(buf[:n])
			for _, msg := range msgs {
				if !answered {
					answered = true
					first <- firstResponse{resp: msg}
					continue
				}
				c.dispatch(conn, msg)
			}
			for _, b := range bad {
				if !answered {
					answered = true
					first <- firstResponse{err: common.NewNativeError(common.Unexpected,
						fmt.Sprintf("failed to parse routing daemon response: %q", b))}
					continue
				}
				c.logger.Error("ignoring malformed message from routing daemon: %q", b)
			}
		}
		if err != nil {
			if !answered {
				first <- firstResponse{err: common.WrapNative(common.Unexpected, "empty routing daemon response", err)}
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("routing daemon connection closed: %v", err)
			}
			return
		}
	}
}

func (c *Client) dispatch(conn io.Closer, msg Response) {
	switch msg.Action {
	case ActionStatusChanged:
		c.mu.Lock()
		fn := c.onStatus
		c.mu.Unlock()
		c.logger.Info("network status changed: %s", msg.ConnectionStatus)
		if fn != nil {
			fn(msg.ConnectionStatus)
		}
	case ActionResetRouting:
		if msg.StatusCode != StatusSuccess {
			c.logger.Warn("routing reset reported status %d: %s", msg.StatusCode, msg.ErrorMessage)
		}
		conn.Close()
	default:
		c.logger.Error("unexpected message from routing daemon: %+v", msg)
	}
}

func (c *Client) teardown(conn io.Closer) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.mu.Unlock()

	conn.Close()
	c.closeDone()
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) write(w io.Writer, req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeRequest(w, req)
}

func writeRequest(w io.Writer, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func responseError(resp Response) error {
	msg := resp.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("routing daemon answered %s with status %d", resp.Action, resp.StatusCode)
	}
	if resp.StatusCode == StatusUnsupportedRoutingTable {
		return common.NewNativeError(common.UnsupportedRoutingTable, msg)
	}
	return common.NewNativeError(common.Unexpected, msg)
}

func errStoppedBeforeStarted() error {
	return common.NewNativeError(common.SystemMisconfigured, "routing daemon service stopped before started")
}

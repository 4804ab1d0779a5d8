// Package connectivity probes a proxy server: bare TCP reachability,
// UDP forwarding through a local SOCKS5 endpoint, credential validation
// with an HTTP HEAD through the proxy, and proxy hostname lookup.
// Every probe is time-boxed and keeps no state between calls.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/miekg/dns"
	"golang.org/x/net/proxy"

	"github.com/yllada/proxy-tunnel/common"
)

// Defaults for the probes.
const (
	DefaultDNSResolver  = "1.1.1.1:53"
	DefaultDNSQueryName = "google.com"
	handshakeTimeout    = 5 * time.Second
)

// DefaultCredentialDomains are fetched through the proxy to validate
// credentials.
var DefaultCredentialDomains = []string{"example.com", "ietf.org", "wikipedia.org"}

// ReachOptions bounds a reachability check.
type ReachOptions struct {
	// Timeout bounds one connection attempt.
	Timeout time.Duration
	// MaxAttempts is the number of attempts, at least one.
	MaxAttempts int
	// RetryInterval is the fixed delay between attempts.
	RetryInterval time.Duration
}

// Prober holds the probe tunables. The zero value is not usable; use
// NewProber.
type Prober struct {
	UDPTimeout         time.Duration
	UDPInterval        time.Duration
	DNSResolver        string
	DNSQueryName       string
	CredentialDomains  []string
	CredentialsPort    int
	CredentialsTimeout time.Duration
	LookupTimeout      time.Duration
	Resolver           *net.Resolver

	logger common.Logger
}

// NewProber returns a prober with the production timings.
func NewProber() *Prober {
	return &Prober{
		UDPTimeout:         common.UDPProbeTimeout,
		UDPInterval:        common.UDPProbeInterval,
		DNSResolver:        DefaultDNSResolver,
		DNSQueryName:       DefaultDNSQueryName,
		CredentialDomains:  DefaultCredentialDomains,
		CredentialsPort:    80,
		CredentialsTimeout: common.CredentialsTimeout,
		LookupTimeout:      common.DNSLookupTimeout,
		Resolver:           net.DefaultResolver,
		logger:             common.NewComponentLogger("connectivity"),
	}
}

// IsReachable opens a bare TCP connection to host:port, retrying with a
// fixed delay. The final failure is a ServerUnreachable error.
func (p *Prober) IsReachable(ctx context.Context, host string, port int, opts ReachOptions) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			dialer := net.Dialer{Timeout: opts.Timeout}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(opts.RetryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("%s not reachable yet (attempt %d/%d): %v", addr, n+1, attempts, err)
		}),
	)
	if err != nil {
		return common.WrapNative(common.ServerUnreachable, "cannot reach "+addr, err)
	}
	return nil
}

// CheckUDPForwardingEnabled sends a DNS query through the SOCKS5 UDP relay
// of the local proxy and reports whether any reply arrives before the
// deadline. A missing reply is not an error; cancelling ctx returns its
// error. Failing to set up the SOCKS session is reported as
// RemoteUDPForwardingDisabled.
func (p *Prober) CheckUDPForwardingEnabled(ctx context.Context, proxyHost string, proxyPort int) (bool, error) {
	proxyAddr := net.JoinHostPort(proxyHost, strconv.Itoa(proxyPort))
	disabled := func(msg string, err error) error {
		return common.WrapNative(common.UDPRelayNotEnabled, msg, err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	var dialer net.Dialer
	control, err := dialer.DialContext(hctx, "tcp", proxyAddr)
	if err != nil {
		return false, disabled("socks connection failure", err)
	}
	// The UDP association lives as long as the control connection.
	defer control.Close()

	_ = control.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := socksGreeting(control); err != nil {
		return false, disabled("socks handshake failure", err)
	}
	relayAddr, err := socksUDPAssociate(control)
	if err != nil {
		return false, disabled("socks UDP associate failure", err)
	}
	_ = control.SetDeadline(time.Time{})
	if relayAddr.IP.IsUnspecified() {
		if tcpAddr, ok := control.RemoteAddr().(*net.TCPAddr); ok {
			relayAddr.IP = tcpAddr.IP
		}
	}

	resolver, err := net.ResolveUDPAddr("udp", p.DNSResolver)
	if err != nil {
		return false, fmt.Errorf("invalid DNS resolver %q: %w", p.DNSResolver, err)
	}
	query, err := probeQuery(p.DNSQueryName)
	if err != nil {
		return false, err
	}
	packet := append(udpHeader(resolver), query...)

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return false, disabled("UDP socket failure", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.UDPTimeout)
	_ = conn.SetReadDeadline(deadline)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(p.UDPInterval)
		defer ticker.Stop()
		for {
			if _, err := conn.WriteToUDP(packet, relayAddr); err != nil {
				p.logger.Debug("UDP probe send failed: %v", err)
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.SetReadDeadline(time.Now())
				return
			case <-ticker.C:
			}
		}
	}()

	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		p.logger.Info("no UDP reply through %s: %v", proxyAddr, err)
		return false, nil
	}
	if payload, err := stripUDPHeader(buf[:n]); err == nil {
		var reply dns.Msg
		if err := reply.Unpack(payload); err == nil {
			p.logger.Debug("UDP probe reply: rcode %s, %d answers", dns.RcodeToString[reply.Rcode], len(reply.Answer))
		}
	}
	return true, nil
}

// ValidateServerCredentials fetches a well-known domain through the proxy
// with an HTTP HEAD. Any failure or a non-HTTP reply means the proxy could
// not decrypt the traffic, reported as InvalidServerCredentials.
func (p *Prober) ValidateServerCredentials(ctx context.Context, proxyHost string, proxyPort int) error {
	ctx, cancel := context.WithTimeout(ctx, p.CredentialsTimeout)
	defer cancel()

	domain := p.CredentialDomains[rand.IntN(len(p.CredentialDomains))]
	invalid := func(err error) error {
		return common.WrapNative(common.InvalidServerCredentials, "credential check via "+domain+" failed", err)
	}

	socks, err := proxy.SOCKS5("tcp", net.JoinHostPort(proxyHost, strconv.Itoa(proxyPort)), nil, &net.Dialer{})
	if err != nil {
		return invalid(err)
	}
	conn, err := socks.(proxy.ContextDialer).DialContext(ctx, "tcp", net.JoinHostPort(domain, strconv.Itoa(p.CredentialsPort)))
	if err != nil {
		return invalid(err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "HEAD / HTTP/1.1\r\nHost: %s\r\n\r\n", domain); err != nil {
		return invalid(err)
	}
	status := make([]byte, len("HTTP/1.1"))
	if _, err := io.ReadFull(conn, status); err != nil {
		return invalid(err)
	}
	if !strings.HasPrefix(string(status), "HTTP/1.1") {
		return invalid(fmt.Errorf("unexpected reply %q", status))
	}
	return nil
}

// LookupIP resolves the proxy hostname, preferring IPv4. Literal addresses
// are returned unchanged.
func (p *Prober) LookupIP(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.LookupTimeout)
	defer cancel()

	addrs, err := p.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", common.WrapNative(common.ServerUnreachable, "failed to lookup "+host, err)
	}
	if len(addrs) == 0 {
		return "", common.NewNativeError(common.ServerUnreachable, "no addresses for "+host)
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}

// probeQuery builds the fixed A/IN query sent by the UDP probe: id 0,
// recursion desired, one question.
func probeQuery(name string) ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = 0
	msg.RecursionDesired = true
	return msg.Pack()
}

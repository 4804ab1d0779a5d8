package vpn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/power"
)

// eventLog records the order in which fakes are driven.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeProxy struct {
	log      *eventLog
	startErr error

	mu      sync.Mutex
	stops   int
	stopped bool
	debug   bool
	onExit  func()
}

func (p *fakeProxy) Start(context.Context) error {
	p.log.add("proxy start")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("proxy stopped")
	}
	return p.startErr
}

func (p *fakeProxy) Stop() {
	p.mu.Lock()
	p.stops++
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	onExit := p.onExit
	p.mu.Unlock()
	p.log.add("proxy stop")
	if onExit != nil {
		onExit()
	}
}

// crash simulates the process dying on its own.
func (p *fakeProxy) crash() {
	p.mu.Lock()
	onExit := p.onExit
	p.mu.Unlock()
	onExit()
}

func (p *fakeProxy) SetOnExit(fn func()) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

func (p *fakeProxy) EnableDebugMode() {
	p.mu.Lock()
	p.debug = true
	p.mu.Unlock()
}

func (p *fakeProxy) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type fakeRelay struct {
	log      *eventLog
	startErr error

	mu      sync.Mutex
	running bool
	stopped bool
	stops   int
	starts  []bool
	debug   bool
	onExit  func()
}

func (r *fakeRelay) Start(_ context.Context, udp bool) error {
	r.log.add("relay start")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.New("relay stopped")
	}
	if r.startErr != nil {
		return r.startErr
	}
	r.running = true
	r.starts = append(r.starts, udp)
	return nil
}

func (r *fakeRelay) Halt() {
	r.mu.Lock()
	r.running = false
	onExit := r.onExit
	r.mu.Unlock()
	r.log.add("relay halt")
	if onExit != nil {
		onExit()
	}
}

func (r *fakeRelay) Stop() {
	r.mu.Lock()
	r.stops++
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.running = false
	onExit := r.onExit
	r.mu.Unlock()
	r.log.add("relay stop")
	if onExit != nil {
		onExit()
	}
}

func (r *fakeRelay) crash() {
	r.mu.Lock()
	r.running = false
	onExit := r.onExit
	r.mu.Unlock()
	onExit()
}

func (r *fakeRelay) SetOnExit(fn func()) {
	r.mu.Lock()
	r.onExit = fn
	r.mu.Unlock()
}

func (r *fakeRelay) EnableDebugMode() {
	r.mu.Lock()
	r.debug = true
	r.mu.Unlock()
}

func (r *fakeRelay) startedWith() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.starts...)
}

func (r *fakeRelay) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRelay) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakeBackend struct {
	log     *eventLog
	proxy   *fakeProxy
	relay   *fakeRelay
	checkFn func() (bool, error)

	mu       sync.Mutex
	udp      bool
	udpErr   error
	udpCalls int
}

func newFakeBackend() *fakeBackend {
	log := &eventLog{}
	return &fakeBackend{
		log:   log,
		proxy: &fakeProxy{log: log},
		relay: &fakeRelay{log: log},
		udp:   true,
	}
}

func (b *fakeBackend) Name() string                             { return "fake" }
func (b *fakeBackend) NewProxyClient(SessionConfig) ProxyClient { return b.proxy }
func (b *fakeBackend) NewRelay(SessionConfig) Relay             { return b.relay }

func (b *fakeBackend) CheckConnectivity(context.Context, SessionConfig) (bool, error) {
	b.log.add("check connectivity")
	if b.checkFn != nil {
		return b.checkFn()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.udp, nil
}

func (b *fakeBackend) CheckUDP(context.Context, SessionConfig) (bool, error) {
	b.log.add("check udp")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.udpCalls++
	return b.udp, b.udpErr
}

func (b *fakeBackend) setUDP(udp bool) {
	b.mu.Lock()
	b.udp = udp
	b.mu.Unlock()
}

func (b *fakeBackend) udpCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.udpCalls
}

type routingStart struct {
	proxyIP       string
	isAutoConnect bool
}

type fakeRouting struct {
	log      *eventLog
	startErr error
	// block makes Start wait for ctx.
	block bool

	mu       sync.Mutex
	starts   []routingStart
	stops    int
	onStatus func(common.TunnelStatus)
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeRouting(log *eventLog) *fakeRouting {
	return &fakeRouting{log: log, done: make(chan struct{})}
}

func (r *fakeRouting) Start(ctx context.Context, proxyIP string, isAutoConnect bool) error {
	r.log.add("routing start")
	r.mu.Lock()
	r.starts = append(r.starts, routingStart{proxyIP, isAutoConnect})
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.startErr
}

func (r *fakeRouting) Stop() error {
	r.log.add("routing stop")
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.close()
	return nil
}

func (r *fakeRouting) close() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *fakeRouting) Done() <-chan struct{} { return r.done }

func (r *fakeRouting) SetOnStatusChange(fn func(common.TunnelStatus)) {
	r.mu.Lock()
	r.onStatus = fn
	r.mu.Unlock()
}

func (r *fakeRouting) push(status common.TunnelStatus) {
	r.mu.Lock()
	fn := r.onStatus
	r.mu.Unlock()
	fn(status)
}

func (r *fakeRouting) startCalls() []routingStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routingStart(nil), r.starts...)
}

func (r *fakeRouting) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

type fakePower struct {
	mu           sync.Mutex
	listener     power.Listener
	unsubscribed bool
}

func (p *fakePower) Subscribe(l power.Listener) func() {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.unsubscribed = true
		p.listener = nil
		p.mu.Unlock()
	}
}

func (p *fakePower) current() power.Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

func (p *fakePower) wasUnsubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribed
}

func staticResolver(ip string, err error) TunnelOption {
	return WithResolver(func(context.Context, string) (string, error) { return ip, err })
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// eventually polls cond until it holds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

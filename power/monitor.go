// Package power relays system suspend and resume events to the tunnel so
// the packet relay can be halted before sleep and restarted after wake.
package power

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/proxy-tunnel/common"
)

const (
	logindPath      = "/org/freedesktop/login1"
	logindInterface = "org.freedesktop.login1.Manager"
	sleepSignal     = logindInterface + ".PrepareForSleep"
)

// Listener receives power transitions.
type Listener interface {
	Suspend()
	Resume()
}

// Monitor fans logind PrepareForSleep signals out to its subscribers.
type Monitor struct {
	conn   *dbus.Conn
	logger common.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func newMonitor() *Monitor {
	return &Monitor{
		logger:    common.NewComponentLogger("power"),
		listeners: make(map[int]Listener),
	}
}

// NewLogindMonitor subscribes to logind on the system bus.
func NewLogindMonitor() (*Monitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForSleep"),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to watch logind sleep signal: %w", err)
	}

	m := newMonitor()
	m.conn = conn
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	go m.watch(signals)
	return m, nil
}

// Subscribe registers l and returns a function that removes it.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Close disconnects from the bus. Pending subscribers receive nothing more.
func (m *Monitor) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func (m *Monitor) watch(signals <-chan *dbus.Signal) {
	for sig := range signals {
		if sig.Name != sleepSignal || len(sig.Body) != 1 {
			continue
		}
		sleeping, ok := sig.Body[0].(bool)
		if !ok {
			m.logger.Warn("unexpected PrepareForSleep payload: %v", sig.Body)
			continue
		}
		m.notify(sleeping)
	}
}

func (m *Monitor) notify(sleeping bool) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	if sleeping {
		m.logger.Info("system is suspending")
	} else {
		m.logger.Info("system resumed")
	}
	for _, l := range listeners {
		if sleeping {
			l.Suspend()
		} else {
			l.Resume()
		}
	}
}

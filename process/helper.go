package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/yllada/proxy-tunnel/common"
)

// ErrStopped is returned by Helper.Start after a terminal Stop.
var ErrStopped = errors.New("helper stopped")

// ErrExitedBeforeReady is returned when the program exits while Start is
// waiting for its readiness marker.
var ErrExitedBeforeReady = errors.New("exited before becoming ready")

// Helper runs a restartable external program. Every Start creates a new
// Process; exits of any of them are delivered to one swappable listener.
type Helper struct {
	name string
	path string

	mu      sync.Mutex
	proc    *Process
	debug   bool
	stopped bool
	onExit  func(ExitStatus)
	logger  common.Logger
}

// NewHelper creates a helper for the program at path.
func NewHelper(name, path string) *Helper {
	return &Helper{
		name:   name,
		path:   path,
		logger: common.NewComponentLogger(name),
	}
}

// EnableDebugMode mirrors the output of every launched process.
func (h *Helper) EnableDebugMode() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debug = true
}

// SetOnExit swaps the exit listener and returns the previous one.
func (h *Helper) SetOnExit(fn func(ExitStatus)) func(ExitStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.onExit
	h.onExit = fn
	return prev
}

// Start launches a new process with args. When readyMarker is not empty it
// blocks until an output line contains the marker, the process exits, or
// ctx is done.
func (h *Helper) Start(ctx context.Context, args []string, readyMarker string) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", h.name, ErrStopped)
	}
	if h.proc != nil && h.proc.State() == StateRunning {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", h.name, ErrAlreadyLaunched)
	}

	proc := New(h.name, h.path)
	proc.SetLogger(h.logger)
	if h.debug {
		proc.EnableDebugMode()
	}
	ready := make(chan struct{})
	if readyMarker != "" {
		var once sync.Once
		proc.SetOnOutput(func(line string) {
			if strings.Contains(line, readyMarker) {
				once.Do(func() { close(ready) })
			}
		})
	}
	proc.SetOnExit(func(status ExitStatus) { h.handleExit(proc, status) })
	h.proc = proc

	// Held across Launch so a concurrent Stop sees either no process or a
	// running one.
	proc.Launch(args)
	h.mu.Unlock()

	if readyMarker == "" {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-proc.Done():
		// The marker and the exit can race; a marker seen first still wins.
		select {
		case <-ready:
			return nil
		default:
		}
		status := proc.ExitStatus()
		if status.Err != nil {
			return status.Err
		}
		return &ExitError{Name: h.name, Status: status}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Helper) handleExit(proc *Process, status ExitStatus) {
	h.mu.Lock()
	if h.proc == proc {
		h.proc = nil
	}
	onExit := h.onExit
	h.mu.Unlock()

	if onExit != nil {
		onExit(status)
	}
}

// Halt stops the current process without retiring the helper. When nothing
// is running the exit listener is invoked directly.
func (h *Helper) Halt() {
	h.mu.Lock()
	proc := h.proc
	onExit := h.onExit
	h.mu.Unlock()

	if proc != nil && proc.State() == StateRunning {
		proc.Stop()
		return
	}
	if onExit != nil {
		onExit(ExitStatus{})
	}
}

// Stop retires the helper and stops the current process. When nothing is
// running the exit listener is invoked directly so observers waiting for an
// exit are released. Later Start calls fail with ErrStopped.
func (h *Helper) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	proc := h.proc
	onExit := h.onExit
	h.mu.Unlock()

	if proc != nil && proc.State() == StateRunning {
		proc.Stop()
		return
	}
	if onExit != nil {
		onExit(ExitStatus{})
	}
}

// Running reports whether a launched process is currently alive.
func (h *Helper) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc != nil && h.proc.State() == StateRunning
}

// ExitError reports a process that exited with a status.
type ExitError struct {
	Name   string
	Status ExitStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Name, ErrExitedBeforeReady, e.Status)
}

func (e *ExitError) Unwrap() error {
	return ErrExitedBeforeReady
}

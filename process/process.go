// Package process supervises the external helper programs of a tunnel.
// A Process wraps exactly one launch of one program; a Helper creates a
// fresh Process for every launch of a restartable program.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/yllada/proxy-tunnel/common"
)

// ErrAlreadyLaunched is returned when Launch is called twice.
var ErrAlreadyLaunched = errors.New("process already launched")

// State is the lifecycle state of a Process.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateExited
)

// String returns a human-readable state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// ExitStatus describes how a process ended. Exactly one of Err (the program
// could not be started), Signal, or Code is meaningful.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// String formats the status for logs.
func (e ExitStatus) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("failed to start: %v", e.Err)
	case e.Signal != "":
		return "killed by signal " + e.Signal
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Process is a single launch of an external program.
type Process struct {
	name string
	path string

	mu       sync.Mutex
	cmd      *exec.Cmd
	state    State
	debug    bool
	onExit   func(ExitStatus)
	onOutput func(line string)
	exit     ExitStatus
	done     chan struct{}
	exitOnce sync.Once
	logger   common.Logger
}

// New creates a process for the program at path. name is used in logs.
func New(name, path string) *Process {
	return &Process{
		name:   name,
		path:   path,
		done:   make(chan struct{}),
		logger: common.NewComponentLogger(name),
	}
}

// SetLogger replaces the logging sink.
func (p *Process) SetLogger(logger common.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// EnableDebugMode mirrors the child's stdout and stderr into the logger.
// It must be called before Launch.
func (p *Process) EnableDebugMode() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateNotStarted {
		return fmt.Errorf("%s: debug mode must be enabled before launch", p.name)
	}
	p.debug = true
	return nil
}

// SetOnExit sets the exit listener. It fires exactly once per launch.
func (p *Process) SetOnExit(fn func(ExitStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// SetOnOutput sets a listener for every stdout and stderr line.
func (p *Process) SetOnOutput(fn func(line string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOutput = fn
}

// Launch starts the program. A program that cannot be started is reported
// through the exit listener like an immediate exit; Launch itself only
// fails when the process was already launched.
func (p *Process) Launch(args []string) error {
	p.mu.Lock()
	if p.state != StateNotStarted {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", p.name, ErrAlreadyLaunched)
	}
	p.state = StateRunning

	cmd := exec.Command(p.path, args...)
	p.cmd = cmd
	logger := p.logger

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
		}
		if err == nil {
			p.mu.Unlock()
			logger.Info("started %s (pid %d)", p.path, cmd.Process.Pid)
			go p.wait(stdout, stderr)
			return nil
		}
	}
	p.mu.Unlock()

	// Reported asynchronously, like a real exit.
	go p.finish(ExitStatus{Err: err})
	return nil
}

// wait drains both pipes, then reaps the child.
func (p *Process) wait(stdout, stderr io.Reader) {
	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(stdout, "STDOUT", &readers)
	go p.scan(stderr, "STDERR", &readers)
	readers.Wait()

	err := p.cmd.Wait()
	p.finish(exitStatusOf(p.cmd, err))
}

func (p *Process) scan(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		p.mu.Lock()
		debug := p.debug
		onOutput := p.onOutput
		logger := p.logger
		p.mu.Unlock()

		if debug {
			logger.Debug("[%s] %s", stream, line)
		}
		if onOutput != nil {
			onOutput(line)
		}
	}
}

func exitStatusOf(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Err: waitErr}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: state.ExitCode()}
}

// finish records the exit, notifies the listener once and drops all
// listeners so the process can be discarded.
func (p *Process) finish(status ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.state = StateExited
		p.exit = status
		onExit := p.onExit
		p.onExit = nil
		p.onOutput = nil
		logger := p.logger
		p.mu.Unlock()

		if status.Err != nil {
			logger.Error("%s", status)
		} else {
			logger.Info("exited: %s", status)
		}
		close(p.done)
		if onExit != nil {
			onExit(status)
		}
	})
}

// Stop asks the process to terminate. It is a no-op unless the process is
// running.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	if err := terminate(p.cmd.Process); err != nil {
		p.logger.Warn("failed to stop: %v", err)
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus returns the exit status. It is only meaningful after Done.
func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Name returns the process name used in logs.
func (p *Process) Name() string {
	return p.name
}

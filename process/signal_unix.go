//go:build !windows

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM so the helper can clean up its device and sockets.
func terminate(proc *os.Process) error {
	return proc.Signal(unix.SIGTERM)
}

//go:build windows

package process

import "os"

// terminate kills the process; Windows has no SIGTERM delivery for console
// helpers started without a console.
func terminate(proc *os.Process) error {
	return proc.Kill()
}

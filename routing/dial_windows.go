//go:build windows

package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/sys/windows"

	"github.com/yllada/proxy-tunnel/common"
)

const defaultPath = common.RoutingPipePath

// dialDaemon opens the daemon's named pipe. The service accepts a single
// client, so a busy pipe fails the same way as a stopped service.
func dialDaemon(_ context.Context, path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return nil, fmt.Errorf("%w on %s: %w", ErrDaemonUnavailable, path, err)
		}
		return nil, err
	}
	return f, nil
}

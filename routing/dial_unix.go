//go:build !windows

package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/yllada/proxy-tunnel/common"
)

const defaultPath = common.RoutingSocketPath

func dialDaemon(ctx context.Context, path string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w on %s: %w", ErrDaemonUnavailable, path, err)
		}
		return nil, err
	}
	return conn, nil
}

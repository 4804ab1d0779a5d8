package routing

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/yllada/proxy-tunnel/common"
)

// Installer makes the routing daemon available, typically by asking the
// user for elevated rights and (re)starting the service.
type Installer interface {
	Install(ctx context.Context) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context) error

// Install calls f.
func (f InstallerFunc) Install(ctx context.Context) error { return f(ctx) }

// pkexec exit codes for a dismissed or refused authorization dialog.
const (
	pkexecNotAuthorized = 126
	pkexecDismissed     = 127
)

// PkexecInstaller restarts the daemon's systemd unit through pkexec.
type PkexecInstaller struct {
	Service string
	// Settle is how long to wait after the restart; the unit is
	// Type=simple so systemctl returns before the socket is listening.
	Settle time.Duration
	logger common.Logger
}

// NewPkexecInstaller returns an installer for the given systemd unit.
func NewPkexecInstaller(service string) *PkexecInstaller {
	return &PkexecInstaller{
		Service: service,
		Settle:  2 * time.Second,
		logger:  common.NewComponentLogger("routing"),
	}
}

// Install runs `pkexec systemctl restart <service>`.
func (i *PkexecInstaller) Install(ctx context.Context) error {
	i.logger.Info("restarting %s with elevated rights", i.Service)
	cmd := exec.CommandContext(ctx, "pkexec", "systemctl", "restart", i.Service)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case pkexecNotAuthorized, pkexecDismissed:
				i.logger.Warn("user did not grant admin permissions")
				return common.WrapNative(common.NoAdminPermissions, "admin permissions not granted", err)
			}
		}
		i.logger.Error("failed to restart %s: %v: %s", i.Service, err, strings.TrimSpace(string(out)))
		return common.WrapNative(common.Unexpected, "failed to restart routing daemon", err)
	}

	select {
	case <-time.After(i.Settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

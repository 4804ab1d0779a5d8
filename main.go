// Package main provides the entry point for proxy-tunnel, a full-system
// VPN over Shadowsocks servers for Linux.
//
// Usage:
//
//	proxy-tunnel connect ACCESS_KEY
//	proxy-tunnel connect --name office --name backup
//	proxy-tunnel key save office
//
// Environment:
//
//	A tun2socks (or ss-local plus badvpn-tun2socks) binary and the
//	routing daemon must be installed on the system.
//
// The exit status is the error code of the failure, or 0 on success.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/yllada/proxy-tunnel/cli"
	"github.com/yllada/proxy-tunnel/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := common.InitLogger(common.LogConfig{Level: common.LevelInfo}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not initialize logging: %v\n", err)
	}
	defer common.CloseLogger()

	// Cancelled on SIGINT/SIGTERM so a running tunnel is torn down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	app := cli.New(cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	})
	if err := app.Command().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.DescribeError(err))
		return int(common.ToErrorCode(err))
	}
	return 0
}

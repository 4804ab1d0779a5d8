package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/config"
	"github.com/yllada/proxy-tunnel/connectivity"
	"github.com/yllada/proxy-tunnel/power"
	"github.com/yllada/proxy-tunnel/routing"
	"github.com/yllada/proxy-tunnel/vpn"
)

type connectOptions struct {
	names       []string
	auto        bool
	debug       bool
	noReconnect bool
}

func (a *App) connectCommand() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect [ACCESS_KEY...]",
		Short: "Route all traffic through a proxy server",
		Long: `Connect the system to the first working server among the given access
keys and stored names, tried in order. The tunnel stays up until
interrupted; when it drops it is re-established automatically.`,
		Example: `  proxy-tunnel connect 'ss://...@203.0.113.7:8388#office'
  proxy-tunnel connect --name office --name backup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConnect(cmd, args, opts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&opts.names, "name", "n", nil, "stored access key to try (repeatable)")
	f.BoolVar(&opts.auto, "auto", false, "skip the server check, as for unattended connections")
	f.BoolVar(&opts.debug, "debug", false, "log the output of the helper processes")
	f.BoolVar(&opts.noReconnect, "no-reconnect", false, "exit when the tunnel drops")
	return cmd
}

func (a *App) runConnect(cmd *cobra.Command, keys []string, opts connectOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	configs, err := a.resolveConfigs(keys, opts.names)
	if err != nil {
		return err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	if cfg.LogToFile {
		logCfg := common.LogConfig{Level: common.GetLogger().Level(), EnableFile: true}
		if err := common.InitLogger(logCfg); err != nil {
			common.LogWarn("file logging disabled: %v", err)
		}
	}

	policy := vpn.ReconnectPolicy{
		AutoReconnect:        cfg.AutoReconnect && !opts.noReconnect,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}
	sessionOpts := []vpn.SessionOption{
		vpn.WithReconnectPolicy(policy),
		vpn.WithDebug(cfg.Debug || opts.debug),
	}
	monitor, err := power.NewLogindMonitor()
	if err != nil {
		common.LogWarn("suspend handling disabled: %v", err)
	} else {
		defer monitor.Close()
		sessionOpts = append(sessionOpts, vpn.WithTunnelOptions(vpn.WithPowerMonitor(monitor)))
	}

	session := vpn.NewSession(backend, daemonFactory(cfg), sessionOpts...)
	session.UpdateConfigs(configs)

	out := cmd.OutOrStdout()
	failed := make(chan error, 1)
	session.SetOnNetworkChange(func(state vpn.TunnelState) {
		if state == vpn.StateReconnecting {
			printWarn(out, "Network changed, reconnecting...")
			return
		}
		printSuccess(out, "Network restored")
	})
	session.SetOnReconnecting(func(attempt int) {
		printWarn(out, "Tunnel dropped, reconnecting (attempt %d)", attempt)
	})
	session.SetOnReconnectFailed(func(err error) {
		failed <- err
	})

	ctx := cmd.Context()
	printInfo(out, "Connecting (%d server(s), %s backend)...", len(configs), backend.Name())
	if err := session.Connect(ctx, !opts.auto); err != nil {
		return err
	}
	if tunnel, ok := session.Current(); ok {
		printSuccess(out, "Connected to %s %s",
			labelStyle.Render(tunnel.Config().String()),
			fmt.Sprintf("(UDP forwarding: %s)", yesNo(tunnel.UDPEnabled())))
	}
	connectedAt := time.Now()

	select {
	case <-ctx.Done():
		printInfo(out, "Disconnecting...")
		session.Disconnect()
		waitDone(session.Done())
		printSuccess(out, "Disconnected after %s", formatDuration(time.Since(connectedAt)))
		return nil
	case <-session.Done():
	}

	select {
	case err := <-failed:
		return fmt.Errorf("reconnect failed: %w", err)
	default:
		return errors.New("tunnel closed")
	}
}

func waitDone(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(common.ConnectionTimeout):
		common.LogWarn("helpers did not exit within %v", common.ConnectionTimeout)
	}
}

// newBackend builds the configured relay backend.
func newBackend(cfg *config.Config) (vpn.Backend, error) {
	backend, err := vpn.NewBackend(cfg.Backend, vpn.Binaries{
		ProxyClient: cfg.Binaries.ProxyClient,
		Relay:       cfg.Binaries.Relay,
	})
	if err != nil {
		return nil, err
	}
	switch b := backend.(type) {
	case *vpn.Tun2socksBackend:
		b.TunName = cfg.Tun.Name
		b.DNSResolvers = cfg.Tun.DNS
	case *vpn.BadvpnBackend:
		b.TunName = cfg.Tun.Name
		b.ServerReach.Timeout = cfg.Timings.ServerConnectTimeout
		b.SetProber(newProber(cfg))
	}
	return backend, nil
}

func newProber(cfg *config.Config) *connectivity.Prober {
	p := connectivity.NewProber()
	p.UDPTimeout = cfg.Timings.UDPProbeTimeout
	p.UDPInterval = cfg.Timings.UDPProbeInterval
	p.CredentialsTimeout = cfg.Timings.CredentialsTimeout
	return p
}

// daemonFactory returns a fresh routing daemon client per tunnel.
func daemonFactory(cfg *config.Config) vpn.DaemonFactory {
	return func() vpn.RoutingDaemon {
		opts := []routing.Option{
			routing.WithSocketPath(cfg.RoutingSocket),
			routing.WithResetGrace(cfg.Timings.RoutingResetGrace),
		}
		if cfg.DaemonService == "" {
			opts = append(opts, routing.WithInstaller(nil))
		} else {
			opts = append(opts, routing.WithInstaller(routing.NewPkexecInstaller(cfg.DaemonService)))
		}
		return routing.NewClient(opts...)
	}
}

// checkServer starts a proxy client for cfg and runs the backend's
// connectivity check without touching the routing table.
func checkServer(ctx context.Context, backend vpn.Backend, cfg vpn.SessionConfig) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	proxy := backend.NewProxyClient(cfg)
	defer proxy.Stop()
	if err := proxy.Start(ctx); err != nil {
		return false, err
	}
	return backend.CheckConnectivity(ctx, cfg)
}

func (a *App) checkCommand() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "check [ACCESS_KEY...]",
		Short: "Check servers without changing the routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			configs, err := a.resolveConfigs(args, names)
			if err != nil {
				return err
			}
			backend, err := newBackend(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var lastErr error
			for _, server := range configs {
				ctx, cancel := context.WithTimeout(cmd.Context(), common.ConnectionTimeout)
				udp, err := checkServer(ctx, backend, server)
				cancel()
				if err != nil {
					printError(out, "%s: %s", labelStyle.Render(server.String()), DescribeError(err))
					lastErr = err
					continue
				}
				printSuccess(out, "%s: reachable (UDP forwarding: %s)", labelStyle.Render(server.String()), yesNo(udp))
			}
			return lastErr
		},
	}
	cmd.Flags().StringArrayVarP(&names, "name", "n", nil, "stored access key to check (repeatable)")
	return cmd
}

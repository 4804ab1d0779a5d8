// Package cli implements the proxy-tunnel command line: connecting a
// full-system tunnel, checking servers and managing stored access keys.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/proxy-tunnel/common"
	"github.com/yllada/proxy-tunnel/config"
	"github.com/yllada/proxy-tunnel/keyring"
	"github.com/yllada/proxy-tunnel/vpn"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// App holds the dependencies shared by the commands.
type App struct {
	info  BuildInfo
	store common.CredentialStore
	stdin io.Reader

	configPath string
	verbose    bool
}

// New creates the application with the system keyring.
func New(info BuildInfo) *App {
	return &App{
		info:  info,
		store: keyring.New(),
		stdin: os.Stdin,
	}
}

// Command builds the command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "proxy-tunnel",
		Short: "Route all system traffic through a Shadowsocks proxy",
		Long: `proxy-tunnel connects a full-system VPN over a Shadowsocks server.

It supervises the local proxy client, the packet relay and the routing
daemon, reconnects when the network changes, and keeps access keys in the
system keyring.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := common.LevelInfo
			if a.verbose {
				level = common.LevelDebug
			}
			common.GetLogger().SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/proxy-tunnel/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		a.connectCommand(),
		a.checkCommand(),
		a.keyCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *App) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s v%s\n", common.AppName, a.info.Version)
			if a.info.BuildTime != "" && a.info.BuildTime != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", a.info.BuildTime)
				fmt.Fprintf(out, "  Commit: %s\n", a.info.Commit)
			}
		},
	}
}

func (a *App) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFrom(a.configPath)
	}
	return config.Load()
}

// resolveConfigs parses the access keys given on the command line and the
// ones stored under names, in that order.
func (a *App) resolveConfigs(keys, names []string) ([]vpn.SessionConfig, error) {
	configs := make([]vpn.SessionConfig, 0, len(keys)+len(names))
	for _, key := range keys {
		cfg, err := vpn.ParseAccessKey(key)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	for _, name := range names {
		key, err := a.store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("access key %q: %w", name, err)
		}
		cfg, err := vpn.ParseAccessKey(key)
		if err != nil {
			return nil, fmt.Errorf("stored access key %q: %w", name, err)
		}
		if cfg.Name == "" {
			cfg.Name = name
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: pass an access key or --name", common.ErrNoConfigs)
	}
	return configs, nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// DescribeError formats err for the user, adding the error code name for
// errors that carry one.
func DescribeError(err error) string {
	var native *common.NativeError
	if !errors.As(err, &native) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s [%s]", err, native.Code)
	if native.IsRedFlag() {
		msg += "; please report this failure"
	}
	return msg
}

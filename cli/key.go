package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/proxy-tunnel/vpn"
)

func (a *App) keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage stored access keys",
	}
	cmd.AddCommand(a.keySaveCommand(), a.keyShowCommand(), a.keyDeleteCommand())
	return cmd
}

func (a *App) keySaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save NAME [ACCESS_KEY]",
		Short: "Store an access key under a name",
		Long: `Store an access key in the system keyring. When ACCESS_KEY is omitted
it is read from standard input, without echo on a terminal.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var key string
			if len(args) == 2 {
				key = args[1]
			} else {
				var err error
				key, err = a.readSecret(cmd.ErrOrStderr(), "Access key: ")
				if err != nil {
					return err
				}
			}
			cfg, err := vpn.ParseAccessKey(key)
			if err != nil {
				return err
			}
			if err := a.store.Store(name, key); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Saved %s as %s", cfg.Address(), labelStyle.Render(name))
			return nil
		},
	}
}

func (a *App) keyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show the server behind a stored access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := a.resolveConfigs(nil, args)
			if err != nil {
				return err
			}
			cfg := configs[0]
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Name:  "), cfg.Name)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Server:"), cfg.Address())
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Cipher:"), cfg.Method)
			return nil
		},
	}
}

func (a *App) keyDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a stored access key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Delete(args[0]); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "Deleted %s", labelStyle.Render(args[0]))
			return nil
		},
	}
}

// readSecret reads one line from stdin, hiding the input when stdin is a
// terminal.
func (a *App) readSecret(prompt io.Writer, label string) (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading access key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading access key: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no access key given")
	}
	return line, nil
}

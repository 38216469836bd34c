package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
	"github.com/antonkrylov/xremote/internal/client"
	"github.com/antonkrylov/xremote/internal/workspace"
)

var version = "dev"

type rootOptions struct {
	configPath     string
	contextName    string
	host           string
	workspace      string
	root           string
	level          string
	channels       int
	requestTimeout time.Duration

	settings *client.Settings
	ws       *workspace.Workspace
}

func (r *rootOptions) prepare() error {
	s, err := client.ResolveSettings(r.configPath, r.contextName, client.Overrides{
		Host:           r.host,
		Workspace:      r.workspace,
		Channels:       r.channels,
		LogLevel:       r.level,
		RequestTimeout: r.requestTimeout,
	})
	if err != nil {
		return err
	}
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = cliconfig.DefaultConfigDir()
	}
	if root, err = cliconfig.ExpandPath(root); err != nil {
		return err
	}
	ws, err := workspace.New(root, s.Host, s.Workspace)
	if err != nil {
		return err
	}
	r.root = root
	r.settings = s
	r.ws = ws
	return nil
}

// exitCodeError carries a remote exit status back to main.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "xremote",
		Short:         "Run commands and move files on a remote workspace over an ssh tunnel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to xremote config file (default $HOME/.xremote/config)")
	pf.StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	pf.StringVar(&opts.host, "host", "", "remote host as understood by ssh (overrides config and XREMOTE_HOST)")
	pf.StringVarP(&opts.workspace, "workspace", "w", "", "remote workspace directory")
	pf.StringVarP(&opts.root, "root", "r", "", "local state directory (default $HOME/.xremote)")
	pf.StringVarP(&opts.level, "level", "l", "", "log level: debug|info|warn|error")
	pf.IntVar(&opts.channels, "channels", 0, "number of tunnel channels (default from config or 2)")
	pf.DurationVar(&opts.requestTimeout, "request-timeout", 0, "per-request timeout (default from config or 5m)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// These manage their own settings and must work without a resolved
		// workspace.
		for c := cmd; c != nil; c = c.Parent() {
			switch c.Name() {
			case "doctor", "install", "config":
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newDaemonCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newGetCmd(opts))
	rootCmd.AddCommand(newPutCmd(opts))
	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newPortCmd(opts))
	rootCmd.AddCommand(newExitCmd(opts))
	rootCmd.AddCommand(newPromptCmd(opts))
	rootCmd.AddCommand(newInstallCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "xremote: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the xremote config file",
	}
	cmd.AddCommand(newConfigSetContextCmd(root))
	cmd.AddCommand(newConfigUseContextCmd(root))
	cmd.AddCommand(newConfigGetContextsCmd(root))
	return cmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

func newConfigSetContextCmd(root *rootOptions) *cobra.Command {
	var c cliconfig.Context
	cmd := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Create or replace a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if c.Host == "" {
				c.Host = root.host
			}
			if c.Workspace == "" {
				c.Workspace = root.workspace
			}
			if c.Host == "" || c.Workspace == "" {
				return fmt.Errorf("--host and --workspace are required")
			}
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			ctx := c
			cfg.Upsert(name, &ctx)
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "context %q saved to %s\n", name, root.configPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&c.Channels, "set-channels", 0, "tunnel channels for this context")
	cmd.Flags().StringVar(&c.RemoteBin, "remote-bin", "", "path of xremote-server on the remote host")
	cmd.Flags().StringVar(&c.RemoteRoot, "remote-root", "", "state directory on the remote host")
	cmd.Flags().StringVar(&c.LogLevel, "log-level", "", "daemon log level")
	cmd.Flags().IntVar(&c.RequestTimeoutSeconds, "request-timeout-seconds", 0, "per-request timeout")
	cmd.Flags().StringArrayVar(&c.SSHArgs, "ssh-arg", nil, "extra args passed to ssh (repeatable)")
	cmd.Flags().BoolVar(&c.BatchMode, "batch-mode", false, "never prompt for ssh passwords")
	cmd.Flags().StringVar(&c.MetricsAddr, "metrics-addr", "", "serve daemon metrics on this address")
	return cmd
}

func newConfigUseContextCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use-context <name>",
		Short: "Set currentContext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if _, _, err := cfg.Resolve(args[0]); err != nil {
				return err
			}
			cfg.CurrentContext = args[0]
			return cfg.Save(root.configPath)
		},
	}
}

func newConfigGetContextsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-contexts",
		Short: "List contexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				marker := " "
				if name == cfg.CurrentContext {
					marker = "*"
				}
				c := cfg.Contexts[name]
				fmt.Fprintf(out, "%s %s host=%s workspace=%s\n", marker, name, c.Host, c.Workspace)
			}
			return nil
		},
	}
}

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
	"github.com/antonkrylov/xremote/internal/message"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("xremote")
			look = strings.TrimSpace(look)

			fmt.Fprintf(out, "xremote_version=%s\n", version)
			fmt.Fprintf(out, "xremote_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(out, "xremote_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(out, "warning=you_are_not_running_the_same_xremote_as_on_PATH (adjust PATH or call the intended binary explicitly)")
				}
			}
			for _, tool := range []string{"ssh", "scp"} {
				p, err := exec.LookPath(tool)
				fmt.Fprintf(out, "%s=%s found=%t\n", tool, p, err == nil)
			}
			fmt.Fprintf(out, "registry_fingerprint=%s\n", message.NewRegistry().Fingerprint())

			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err.Error())
			} else if cfg == nil {
				fmt.Fprintln(out, "config_present=false")
			} else {
				fmt.Fprintln(out, "config_present=true")
				fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
				names := make([]string, 0, len(cfg.Contexts))
				for k := range cfg.Contexts {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, name := range names {
					c := cfg.Contexts[name]
					if c == nil {
						continue
					}
					fmt.Fprintf(out, "context=%s host=%s workspace=%s channels=%d timeout=%d\n",
						name,
						strings.TrimSpace(c.Host),
						strings.TrimSpace(c.Workspace),
						c.Channels,
						c.RequestTimeoutSeconds,
					)
				}
			}

			if err := root.prepare(); err != nil {
				fmt.Fprintf(out, "workspace_error=%s\n", err.Error())
				return nil
			}
			ws := root.ws
			fmt.Fprintf(out, "workspace=%s\n", ws)
			fmt.Fprintf(out, "workspace_dir=%s\n", ws.Dir())
			fmt.Fprintf(out, "client_log=%s\n", ws.ClientLog())
			port, err := ws.ReadPort()
			if err != nil {
				fmt.Fprintf(out, "daemon_port_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(out, "daemon_port=%d\n", port)
			// PortRequest is answered by the daemon itself, so this checks the
			// control socket without touching the tunnel.
			s := newSession(root, cmd)
			resp, err := s.call(cmd.Context(), &message.PortRequest{}, false)
			if err != nil {
				fmt.Fprintf(out, "daemon_reachable=false error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintf(out, "daemon_reachable=true %s\n", message.Summary(resp))
			return nil
		},
	}
	return cmd
}

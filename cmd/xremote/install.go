package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/xremote/internal/client"
	"github.com/antonkrylov/xremote/internal/tunnel"
)

type installFlags struct {
	from    string
	host    string
	dest    string
	sshArgs []string
	dryRun  bool
}

func newInstallCmd(root *rootOptions) *cobra.Command {
	var f installFlags
	cmd := &cobra.Command{
		Use:   "install --from <xremote-server binary>",
		Short: "Copy the server daemon binary to the remote host (ssh mkdir + scp + chmod)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			host := strings.TrimSpace(f.host)
			dest := strings.TrimSpace(f.dest)
			sshArgs := f.sshArgs
			// Only the host and remote paths matter here; any workspace will do.
			if s, err := client.ResolveSettings(root.configPath, root.contextName, client.Overrides{Host: root.host, Workspace: "-"}); err == nil {
				if host == "" {
					host = s.Host
				}
				if dest == "" {
					dest = s.RemoteBin
				}
				if len(sshArgs) == 0 {
					sshArgs = s.SSHArgs
				}
			}
			if host == "" {
				return fmt.Errorf("host is required (--host or config context)")
			}
			if dest == "" {
				dest = client.DefaultRemoteBin
			}
			info, err := os.Stat(f.from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if info.IsDir() {
				return fmt.Errorf("--from: %s is a directory", f.from)
			}

			// scp and ssh expand ~ only via the remote shell.
			remoteDest := strings.TrimPrefix(dest, "~/")
			dir := path.Dir(remoteDest)
			out := cmd.OutOrStdout()
			if f.dryRun {
				fmt.Fprintln(out, "install plan (dry-run):")
				fmt.Fprintf(out, "- ssh %s mkdir -p %s\n", host, dir)
				fmt.Fprintf(out, "- scp %s (%s) to %s:%s\n", f.from, humanize.Bytes(uint64(info.Size())), host, remoteDest)
				fmt.Fprintf(out, "- ssh %s chmod 0755 %s\n", host, remoteDest)
				return nil
			}
			for _, tool := range []string{"ssh", "scp"} {
				if err := requireLocalTool(tool); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			fmt.Fprintf(out, "[xremote] preparing %s:%s...\n", host, dir)
			if err := runSSH(ctx, host, sshArgs, "mkdir -p "+tunnel.ShellQuote(dir)); err != nil {
				return err
			}
			fmt.Fprintf(out, "[xremote] uploading %s (%s)...\n", f.from, humanize.Bytes(uint64(info.Size())))
			if err := runSCP(ctx, f.from, fmt.Sprintf("%s:%s", host, remoteDest), sshArgs); err != nil {
				return err
			}
			if err := runSSH(ctx, host, sshArgs, "chmod 0755 "+tunnel.ShellQuote(remoteDest)); err != nil {
				return err
			}
			fmt.Fprintf(out, "[xremote] done: %s:%s\n", host, remoteDest)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "", "local xremote-server binary built for the remote platform")
	cmd.Flags().StringVar(&f.host, "to", "", "remote host (default from --host or config)")
	cmd.Flags().StringVar(&f.dest, "dest", "", "remote path (default remoteBin from config or "+client.DefaultRemoteBin+")")
	cmd.Flags().StringArrayVar(&f.sshArgs, "ssh-arg", nil, "extra args passed to ssh/scp (repeatable, e.g. --ssh-arg=-i --ssh-arg=~/.ssh/id_ed25519)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print what would happen without executing")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func requireLocalTool(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("missing required local tool %q in PATH", name)
	}
	return nil
}

func runSSH(ctx context.Context, host string, sshArgs []string, script string) error {
	args := append([]string(nil), sshArgs...)
	args = append(args, host, script)
	c := exec.CommandContext(ctx, "ssh", args...)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ssh %s %q: %w\n%s", host, script, err, out)
	}
	return nil
}

func runSCP(ctx context.Context, src, dst string, sshArgs []string) error {
	args := append([]string(nil), sshArgs...)
	args = append(args, src, dst)
	c := exec.CommandContext(ctx, "scp", args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

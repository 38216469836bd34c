package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xremote/internal/client"
	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/tunnel"
)

func newDaemonCmd(root *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the client daemon for a workspace in the foreground",
		Long: "Run the client daemon: open the ssh tunnel, start the server daemon on the remote\n" +
			"host and serve local requests until `xremote exit`. Interactive commands start it\n" +
			"automatically; run it directly to watch startup failures.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, ws := root.settings, root.ws
			if err := ws.Ensure(); err != nil {
				return err
			}
			log, closer, err := logging.OpenFile(ws.ClientLog(), s.LogLevel)
			if err != nil {
				return err
			}
			defer closer.Close()
			log = log.With(logging.KeyHost, s.Host)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer cancel()

			codec, err := message.NewCodec()
			if err != nil {
				return err
			}
			defer codec.Close()

			m := metrics.New()
			addr := metricsAddr
			if addr == "" {
				addr = s.MetricsAddr
			}
			if err := metrics.Serve(ctx, addr, m.Registry, log); err != nil {
				return err
			}

			d, err := client.NewDaemon(client.Config{
				Workspace: ws,
				Codec:     codec,
				Transport: tunnel.SSH(tunnel.SSHConfig{
					Host:      s.Host,
					ExtraArgs: s.SSHArgs,
					BatchMode: s.BatchMode,
				}),
				Remote: client.Remote{
					Bin:       s.RemoteBin,
					Workspace: s.Workspace,
					Root:      s.RemoteRoot,
					LogLevel:  s.LogLevel,
				},
				Channels:       s.Channels,
				RequestTimeout: s.RequestTimeout,
				Logger:         log,
				Metrics:        m,
			})
			if err != nil {
				return err
			}

			log.Info("client daemon starting", "version", version, "channels", s.Channels, logging.KeyWorkspace, ws.String())
			err = d.Run(ctx)
			var serr *tunnel.StartupError
			if errors.As(err, &serr) {
				log.Error("tunnel startup failed", logging.KeyError, err)
				fmt.Fprintln(cmd.ErrOrStderr(), serr.Diagnostics())
				return err
			}
			if err != nil {
				log.Error("client daemon failed", logging.KeyError, err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

// daemonArgs reproduces the resolved settings for a detached daemon.
func (r *rootOptions) daemonArgs() []string {
	s := r.settings
	args := []string{
		"daemon",
		"--config", r.configPath,
		"--host", s.Host,
		"--workspace", s.Workspace,
		"--root", r.root,
		"--level", s.LogLevel,
		"--channels", strconv.Itoa(s.Channels),
		"--request-timeout", s.RequestTimeout.String(),
	}
	if s.ContextName != "" {
		args = append(args, "--context", s.ContextName)
	}
	return args
}

// spawnDaemon starts a detached client daemon for the resolved workspace.
// Its output goes to the workspace log, not the caller's terminal.
func (r *rootOptions) spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	c := exec.Command(exe, r.daemonArgs()...)
	c.Stdin = devnull
	c.Stdout = devnull
	c.Stderr = devnull
	detach(c)
	if err := c.Start(); err != nil {
		return err
	}
	return c.Process.Release()
}

// ensureDaemon starts the workspace daemon unless one already answers.
func (r *rootOptions) ensureDaemon(ctx context.Context) error {
	return client.EnsureDaemon(ctx, r.ws, r.spawnDaemon, client.DefaultSpawnWait)
}

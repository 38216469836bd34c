package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xremote/internal/cli/config"
	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/remote"
	"github.com/antonkrylov/xremote/internal/workspace"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

type serverFlags struct {
	root        string
	workspace   string
	ports       []int
	level       string
	registry    string
	metricsAddr string
	logStderr   bool
}

func main() {
	var f serverFlags
	cmd := &cobra.Command{
		Use:   "xremote-server --workspace <dir> --ports p1,p2",
		Short: "Server daemon for xremote: serves requests arriving on tunnel ports",
		Long: "xremote-server binds one 127.0.0.1 port per tunnel channel, prints a ready line on\n" +
			"stdout and executes the requests it receives inside the workspace. It is started\n" +
			"by the xremote client daemon over ssh.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.root, "root", "", "state directory for logs (default $HOME/.xremote)")
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "workspace directory; relative request paths resolve against it")
	cmd.Flags().IntSliceVar(&f.ports, "ports", nil, "ports to bind on 127.0.0.1, one per tunnel channel")
	cmd.Flags().StringVar(&f.level, "level", "info", "log level: "+strings.Join(logging.Levels, "|"))
	cmd.Flags().StringVar(&f.registry, "registry", "", "message registry fingerprint expected by the client")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.logStderr, "log-stderr", false, "log to stderr instead of the workspace log file")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("ports")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xremote-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f serverFlags) error {
	if _, ok := logging.ParseLevel(f.level); !ok {
		return fmt.Errorf("unknown --level %q (expected %s)", f.level, strings.Join(logging.Levels, "|"))
	}
	reg := message.NewRegistry()
	if f.registry != "" && f.registry != reg.Fingerprint() {
		return fmt.Errorf("message registry mismatch: client %s, server %s (reinstall xremote-server from the same build as the client)",
			f.registry, reg.Fingerprint())
	}

	wsPath, err := cliconfig.ExpandPath(f.workspace)
	if err != nil {
		return err
	}
	if info, err := os.Stat(wsPath); err != nil {
		return fmt.Errorf("workspace: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", wsPath)
	}

	root := f.root
	if root == "" {
		root = cliconfig.DefaultConfigDir()
	}
	if root, err = cliconfig.ExpandPath(root); err != nil {
		return err
	}
	host, _ := os.Hostname()
	ws, err := workspace.New(root, host, wsPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(f.level)
	if !f.logStderr {
		if err := ws.Ensure(); err != nil {
			return err
		}
		fileLogger, closer, err := logging.OpenFile(ws.ServerLog(), f.level)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = fileLogger
	}
	logger = logger.With(logging.KeyWorkspace, wsPath)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	codec, err := message.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	m := metrics.New()
	if err := metrics.Serve(ctx, f.metricsAddr, m.Registry, logger); err != nil {
		return err
	}

	srv, err := remote.New(remote.Config{
		Ports:         f.ports,
		WorkspaceRoot: wsPath,
		Codec:         codec,
		Ready:         os.Stdout,
		Version:       strings.TrimSpace(version + " " + commit + " " + buildTime),
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	logger.Info("server daemon starting", "ports", f.ports, "pid", os.Getpid())
	return srv.Run(ctx)
}

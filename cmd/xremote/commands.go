package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/xremote/internal/client"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/workspace"
)

// callMargin covers the daemon's own queueing on top of the request timeout.
const callMargin = 10 * time.Second

// session sends requests to the workspace daemon on behalf of one command
// or prompt line.
type session struct {
	root   *rootOptions
	out    io.Writer
	errOut io.Writer
}

func newSession(root *rootOptions, cmd *cobra.Command) *session {
	return &session{root: root, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
}

// call auto-starts the daemon unless autostart is false, then runs req.
func (s *session) call(ctx context.Context, req message.Request, autostart bool) (message.Response, error) {
	if autostart {
		if err := s.root.ensureDaemon(ctx); err != nil {
			return nil, err
		}
	}
	codec, err := message.NewCodec()
	if err != nil {
		return nil, err
	}
	defer codec.Close()
	resp, err := client.Call(ctx, s.root.ws, codec, req, s.root.settings.RequestTimeout+callMargin)
	if err != nil {
		return nil, err
	}
	if e, ok := resp.(*message.ErrorResponse); ok {
		return nil, fmt.Errorf("remote: %s", e.Message)
	}
	return resp, nil
}

func (s *session) exec(ctx context.Context, argv []string, dir string, pty bool) error {
	resp, err := s.call(ctx, &message.ShellRequest{Cmd: argv, Dir: dir, PTY: pty}, true)
	if err != nil {
		return err
	}
	r, ok := resp.(*message.ShellResponse)
	if !ok {
		return fmt.Errorf("unexpected %s", resp.Kind())
	}
	fmt.Fprint(s.out, r.Stdout)
	fmt.Fprint(s.errOut, r.Stderr)
	if r.ExitCode != 0 {
		return &exitCodeError{code: r.ExitCode}
	}
	return nil
}

func (s *session) get(ctx context.Context, path string, absolute bool, dest string) error {
	resp, err := s.call(ctx, &message.GetFileRequest{Path: path, Absolute: absolute}, true)
	if err != nil {
		return err
	}
	r, ok := resp.(*message.GetFileResponse)
	if !ok {
		return fmt.Errorf("unexpected %s", resp.Kind())
	}
	if !r.Found {
		return fmt.Errorf("%s: not found on %s", path, s.root.settings.Host)
	}
	if dest == "" || dest == "-" {
		_, err := s.out.Write(r.Contents)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, r.Contents, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(s.errOut, "fetched %s (%s) to %s\n", path, humanize.Bytes(uint64(len(r.Contents))), dest)
	return nil
}

func (s *session) put(ctx context.Context, local, remotePath string, absolute bool) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	if remotePath == "" {
		remotePath = filepath.Base(local)
	}
	resp, err := s.call(ctx, &message.PutFileRequest{
		Path:     remotePath,
		Absolute: absolute,
		Mode:     uint32(info.Mode().Perm()),
		Contents: data,
	}, true)
	if err != nil {
		return err
	}
	r, ok := resp.(*message.PutFileResponse)
	if !ok {
		return fmt.Errorf("unexpected %s", resp.Kind())
	}
	fmt.Fprintf(s.errOut, "wrote %s to %s:%s\n", humanize.Bytes(uint64(r.Written)), s.root.settings.Host, r.Path)
	return nil
}

func (s *session) ls(ctx context.Context, path string) error {
	if path == "" {
		path = "."
	}
	resp, err := s.call(ctx, &message.ListDirRequest{Path: path}, true)
	if err != nil {
		return err
	}
	r, ok := resp.(*message.ListDirResponse)
	if !ok {
		return fmt.Errorf("unexpected %s", resp.Kind())
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODE\tSIZE\tMODIFIED\tNAME")
	for _, e := range r.Entries {
		name := e.Name
		if e.Dir {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			os.FileMode(e.Mode).String(),
			humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.Modified()),
			name)
	}
	return tw.Flush()
}

func (s *session) port(ctx context.Context) error {
	resp, err := s.call(ctx, &message.PortRequest{}, true)
	if err != nil {
		return err
	}
	r, ok := resp.(*message.PortResponse)
	if !ok {
		return fmt.Errorf("unexpected %s", resp.Kind())
	}
	fmt.Fprintln(s.out, r.Port)
	return nil
}

// exit stops the daemon; it never starts one.
func (s *session) exit(ctx context.Context) error {
	resp, err := s.call(ctx, &message.TerminateRequest{}, false)
	if errors.Is(err, workspace.ErrNoDaemon) {
		fmt.Fprintf(s.errOut, "no daemon running for %s\n", s.root.ws)
		return nil
	}
	if err != nil {
		return err
	}
	if r, ok := resp.(*message.TerminateResponse); !ok || !r.Success {
		return fmt.Errorf("daemon refused to terminate: %s", message.Summary(resp))
	}
	fmt.Fprintf(s.errOut, "daemon for %s stopping\n", s.root.ws)
	return nil
}

func newExecCmd(root *rootOptions) *cobra.Command {
	var dir string
	var pty bool
	cmd := &cobra.Command{
		Use:     "exec [flags] -- <command> [args...]",
		Aliases: []string{"x"},
		Short:   "Run a command in the remote workspace",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newSession(root, cmd).exec(cmd.Context(), args, dir, pty)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "working directory relative to the workspace")
	cmd.Flags().BoolVarP(&pty, "tty", "t", false, "run under a pseudo terminal (stdout and stderr merged)")
	return cmd
}

func newGetCmd(root *rootOptions) *cobra.Command {
	var absolute bool
	var output string
	cmd := &cobra.Command{
		Use:   "get <remote-path>",
		Short: "Fetch a file from the remote workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newSession(root, cmd).get(cmd.Context(), args[0], absolute, output)
		},
	}
	cmd.Flags().BoolVarP(&absolute, "absolute", "a", false, "treat the path as absolute on the remote host")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this local file instead of stdout")
	return cmd
}

func newPutCmd(root *rootOptions) *cobra.Command {
	var absolute bool
	cmd := &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file into the remote workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := ""
			if len(args) == 2 {
				remotePath = args[1]
			}
			return newSession(root, cmd).put(cmd.Context(), args[0], remotePath, absolute)
		},
	}
	cmd.Flags().BoolVarP(&absolute, "absolute", "a", false, "treat the remote path as absolute")
	return cmd
}

func newLsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [remote-dir]",
		Short: "List a directory in the remote workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return newSession(root, cmd).ls(cmd.Context(), path)
		},
	}
}

func newPortCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "port",
		Short: "Print the local port of the next tunnel channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newSession(root, cmd).port(cmd.Context())
		},
	}
}

func newExitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Stop the client daemon and the remote server daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newSession(root, cmd).exit(cmd.Context())
		},
	}
}

// splitLine splits a prompt line on whitespace.
func splitLine(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

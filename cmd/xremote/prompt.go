package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const promptHelp = `commands:
  exec <cmd> [args...]     run a command in the workspace
  get [-a] <path> [local]  fetch a file (stdout when local is omitted)
  put <local> [remote]     upload a file
  ls [dir]                 list a directory
  port                     print the next tunnel port
  exit                     stop the daemon and leave
  quit                     leave, keeping the daemon running
`

// lineReader yields one prompt line at a time; io.EOF ends the session.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct{ sc *bufio.Scanner }

func (r scannerReader) ReadLine() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func newPromptCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt",
		Short: "Interactive prompt against the remote workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				s := newSession(root, cmd)
				return runPrompt(ctx, s, scannerReader{bufio.NewScanner(cmd.InOrStdin())})
			}

			state, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer term.Restore(fd, state)
			t := term.NewTerminal(struct {
				io.Reader
				io.Writer
			}{os.Stdin, os.Stdout}, fmt.Sprintf("%s:%s> ", root.settings.Host, root.settings.Workspace))
			if w, h, err := term.GetSize(fd); err == nil {
				_ = t.SetSize(w, h)
			}
			// The terminal translates \n to \r\n while stdin is raw.
			s := &session{root: root, out: t, errOut: t}
			return runPrompt(ctx, s, t)
		},
	}
}

func runPrompt(ctx context.Context, s *session, in lineReader) error {
	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name, args := splitLine(line)
		if name == "" {
			continue
		}
		done, err := runPromptLine(ctx, s, name, args)
		if err != nil {
			var exit *exitCodeError
			if errors.As(err, &exit) {
				fmt.Fprintf(s.errOut, "[exit %d]\n", exit.code)
			} else {
				fmt.Fprintf(s.errOut, "error: %v\n", err)
			}
		}
		if done {
			return nil
		}
	}
}

func runPromptLine(ctx context.Context, s *session, name string, args []string) (bool, error) {
	switch name {
	case "exec", "x":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: exec <cmd> [args...]")
		}
		return false, s.exec(ctx, args, "", false)
	case "get":
		absolute := false
		if len(args) > 0 && args[0] == "-a" {
			absolute, args = true, args[1:]
		}
		switch len(args) {
		case 1:
			return false, s.get(ctx, args[0], absolute, "")
		case 2:
			return false, s.get(ctx, args[0], absolute, args[1])
		}
		return false, fmt.Errorf("usage: get [-a] <path> [local]")
	case "put":
		switch len(args) {
		case 1:
			return false, s.put(ctx, args[0], "", false)
		case 2:
			return false, s.put(ctx, args[0], args[1], false)
		}
		return false, fmt.Errorf("usage: put <local> [remote]")
	case "ls":
		return false, s.ls(ctx, strings.Join(args, " "))
	case "port":
		return false, s.port(ctx)
	case "exit":
		return true, s.exit(ctx)
	case "quit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprint(s.out, promptHelp)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
}

package tunnel

import (
	"fmt"
	"os/exec"
	"strings"
)

// Transport builds the process that forwards clientPorts[i] to
// 127.0.0.1:serverPorts[i] on the remote side and runs remote there. The
// manager owns the returned command: it sets stdout/stderr and starts it.
type Transport func(clientPorts, serverPorts []int, remote []string) *exec.Cmd

// SSHConfig describes how to reach the remote host with OpenSSH.
type SSHConfig struct {
	Binary              string // default "ssh"
	Host                string
	ExtraArgs           []string
	BatchMode           bool
	ServerAliveInterval int // seconds, default 10
	ConnectTimeout      int // seconds, default 10
}

// Args returns the ssh argument vector for one launch.
func (c SSHConfig) Args(clientPorts, serverPorts []int, remote []string) []string {
	alive := c.ServerAliveInterval
	if alive <= 0 {
		alive = 10
	}
	connect := c.ConnectTimeout
	if connect <= 0 {
		connect = 10
	}
	args := []string{
		"-o", "ExitOnForwardFailure=yes",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", alive),
		"-o", "ServerAliveCountMax=3",
		"-o", fmt.Sprintf("ConnectTimeout=%d", connect),
	}
	if c.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args, c.ExtraArgs...)
	for i := range clientPorts {
		args = append(args, "-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", clientPorts[i], serverPorts[i]))
	}
	args = append(args, c.Host)
	if len(remote) > 0 {
		// ssh joins the remote argv with spaces; callers quote.
		args = append(args, strings.Join(remote, " "))
	}
	return args
}

// SSH returns a Transport backed by the OpenSSH client.
func SSH(c SSHConfig) Transport {
	bin := c.Binary
	if bin == "" {
		bin = "ssh"
	}
	return func(clientPorts, serverPorts []int, remote []string) *exec.Cmd {
		return exec.Command(bin, c.Args(clientPorts, serverPorts, remote)...)
	}
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

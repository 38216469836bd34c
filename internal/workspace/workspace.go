// Package workspace locates the per-workspace state directory shared by the
// client daemon, interactive commands and the server daemon.
package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	portFileName     = "daemon.port"
	startingFileName = "daemon.starting"
	clientLogName    = "client.log"
	serverLogName    = "server.log"
)

var (
	// ErrNoDaemon is returned by ReadPort when no daemon has published a port.
	ErrNoDaemon = errors.New("no daemon running for workspace")
	// ErrStarting is returned by Claim when a live process already holds
	// the workspace.
	ErrStarting = errors.New("daemon already starting for workspace")
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Workspace identifies a remote target. The zero value is not usable; build
// it with New.
type Workspace struct {
	Host string
	Path string
	Root string
	Name string
}

// New derives the workspace directory name from host and path. The name is
// deterministic: the same pair always maps to the same directory under root.
func New(root, host, path string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace: root is required")
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("workspace: path is required")
	}
	sum := md5.Sum([]byte(host + "\x00" + path))
	hash := hex.EncodeToString(sum[:])

	name := hash
	if base := filepath.Base(filepath.Clean(path)); safeName.MatchString(base) {
		name = base + "_" + hash[:12]
	}
	return &Workspace{
		Host: host,
		Path: path,
		Root: filepath.Clean(root),
		Name: name,
	}, nil
}

func (w *Workspace) Dir() string       { return filepath.Join(w.Root, "workspaces", w.Name) }
func (w *Workspace) PortFile() string     { return filepath.Join(w.Dir(), portFileName) }
func (w *Workspace) StartingFile() string { return filepath.Join(w.Dir(), startingFileName) }
func (w *Workspace) ClientLog() string    { return filepath.Join(w.Dir(), clientLogName) }
func (w *Workspace) ServerLog() string    { return filepath.Join(w.Dir(), serverLogName) }

func (w *Workspace) String() string {
	if w.Host == "" {
		return w.Path
	}
	return w.Host + ":" + w.Path
}

// Ensure creates the workspace directory.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}

// WritePort publishes the control socket port. Readers never observe a
// partially written file.
func (w *Workspace) WritePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("workspace: invalid port %d", port)
	}
	if err := w.Ensure(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.Dir(), ".daemon-port-*")
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(strconv.Itoa(port)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("workspace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := os.Rename(tmpName, w.PortFile()); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}

// ReadPort returns the published control socket port, or ErrNoDaemon when
// the port file does not exist.
func (w *Workspace) ReadPort() (int, error) {
	b, err := os.ReadFile(w.PortFile())
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNoDaemon
	}
	if err != nil {
		return 0, fmt.Errorf("workspace: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("workspace: malformed port file %s: %q", w.PortFile(), b)
	}
	return port, nil
}

// RemovePortFile deletes the port file. A missing file is not an error.
func (w *Workspace) RemovePortFile() error {
	if err := os.Remove(w.PortFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}

// Claim marks the workspace as owned by this process until Release. The
// claim file holds the owner's pid and appears fully written or not at all.
// A claim left by a process that no longer exists is taken over.
func (w *Workspace) Claim() error {
	if err := w.Ensure(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.Dir(), ".daemon-starting-*")
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("workspace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	for range 2 {
		err := os.Link(tmpName, w.StartingFile())
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("workspace: %w", err)
		}
		if w.Starting() {
			return ErrStarting
		}
		if err := os.Remove(w.StartingFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("workspace: %w", err)
		}
	}
	return ErrStarting
}

// Starting reports whether a live process holds the workspace claim.
func (w *Workspace) Starting() bool {
	b, err := os.ReadFile(w.StartingFile())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return false
	}
	return pid == os.Getpid() || processAlive(pid)
}

// Release drops the claim taken by Claim. A missing file is not an error.
func (w *Workspace) Release() error {
	if err := os.Remove(w.StartingFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}

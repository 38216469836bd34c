package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/antonkrylov/xremote/internal/message"
)

// MaxFileSize bounds the files get and put will move in one message.
const MaxFileSize = 48 << 20

var errEscapesRoot = errors.New("path escapes workspace root")

type fileService struct {
	root string
}

func (s *fileService) get(req *message.GetFileRequest) message.Response {
	path, err := s.resolve(req.Path, req.Absolute)
	if err != nil {
		return message.Errorf("get %s: %v", req.Path, err)
	}
	resp := &message.GetFileResponse{Path: req.Path, Absolute: req.Absolute}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return resp
	}
	if err != nil {
		return message.Errorf("get %s: %v", req.Path, err)
	}
	if info.IsDir() {
		return message.Errorf("get %s: is a directory", req.Path)
	}
	if info.Size() > MaxFileSize {
		return message.Errorf("get %s: %s exceeds the %s limit", req.Path,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(MaxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return message.Errorf("get %s: %v", req.Path, err)
	}
	resp.Found = true
	resp.Contents = data
	return resp
}

func (s *fileService) put(req *message.PutFileRequest) message.Response {
	if len(req.Contents) > MaxFileSize {
		return message.Errorf("put %s: %s exceeds the %s limit", req.Path,
			humanize.IBytes(uint64(len(req.Contents))), humanize.IBytes(MaxFileSize))
	}
	path, err := s.resolve(req.Path, req.Absolute)
	if err != nil {
		return message.Errorf("put %s: %v", req.Path, err)
	}
	if err := writeFileAtomic(path, req.Contents, os.FileMode(req.Mode)); err != nil {
		return message.Errorf("put %s: %v", req.Path, err)
	}
	return &message.PutFileResponse{Path: req.Path, Written: int64(len(req.Contents))}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".xremote-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// resolve maps a request path onto the filesystem. Absolute requests are
// taken as given; everything else must stay inside the workspace root.
func (s *fileService) resolve(requestPath string, absolute bool) (string, error) {
	raw := strings.TrimSpace(requestPath)
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	if absolute {
		if !filepath.IsAbs(raw) {
			return "", fmt.Errorf("path %q is not absolute", raw)
		}
		return filepath.Clean(raw), nil
	}
	root := s.root
	if root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}
	root = filepath.Clean(root)
	var abs string
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
	} else {
		abs = filepath.Join(root, raw)
	}
	if !inside(root, abs) {
		return "", fmt.Errorf("%w: %q", errEscapesRoot, raw)
	}
	ok, err := withinRoot(root, abs)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q via symlink", errEscapesRoot, raw)
	}
	return abs, nil
}

func inside(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// withinRoot follows symlinks through the deepest existing ancestor of path
// and reports whether the result still lies under root. Components that do
// not exist yet cannot be links.
func withinRoot(root, path string) (bool, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	existing, rest := path, ""
	for {
		real, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return inside(realRoot, filepath.Join(real, rest)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return true, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

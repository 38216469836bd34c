package remote

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/antonkrylov/xremote/internal/message"
)

func (s *fileService) listDir(req *message.ListDirRequest) message.Response {
	p := req.Path
	if p == "" {
		p = "."
	}
	dir, err := s.resolve(p, false)
	if err != nil {
		return message.Errorf("ls %s: %v", req.Path, err)
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return message.Errorf("ls %s: %v", req.Path, err)
	}
	entries := make([]message.DirEntry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, message.DirEntry{
			Name:    de.Name(),
			Dir:     de.IsDir(),
			Size:    info.Size(),
			Mode:    uint32(info.Mode()),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	hash := hashEntries(entries)
	resp := &message.ListDirResponse{Path: req.Path, Hash: hash}
	if req.PrevHash != 0 && req.PrevHash == hash {
		resp.Unchanged = true
		return resp
	}
	resp.Entries = entries
	return resp
}

func hashEntries(entries []message.DirEntry) uint64 {
	d := xxhash.New()
	var num [8]byte
	for _, e := range entries {
		_, _ = d.WriteString(e.Name)
		_, _ = d.Write([]byte{0})
		if e.Dir {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
		binary.LittleEndian.PutUint64(num[:], uint64(e.Size))
		_, _ = d.Write(num[:])
		binary.LittleEndian.PutUint64(num[:], uint64(e.Mode))
		_, _ = d.Write(num[:])
		binary.LittleEndian.PutUint64(num[:], uint64(e.ModTime))
		_, _ = d.Write(num[:])
	}
	return d.Sum64()
}

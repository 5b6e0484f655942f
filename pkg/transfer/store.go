package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStore persists verified artifacts under a single directory. Incoming
// bytes land in a temporary file that is renamed into place only after the
// hash has been checked.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) Dir() string { return d.dir }

// Writable reports whether the directory still exists.
func (d *DiskStore) Writable() bool {
	info, err := os.Stat(d.dir)
	return err == nil && info.IsDir()
}

// SafeName rejects names that would escape the store directory.
func SafeName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid artifact name %q", name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	case strings.HasPrefix(name, ".incoming-"):
		return fmt.Errorf("artifact name %q uses a reserved prefix", name)
	}
	return nil
}

// Begin opens a pending write for name.
func (d *DiskStore) Begin(name string) (*Pending, error) {
	if err := SafeName(name); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(d.dir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &Pending{
		f:     f,
		h:     sha256.New(),
		final: filepath.Join(d.dir, name),
	}, nil
}

// List returns the names of persisted artifacts.
func (d *DiskStore) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".incoming-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Pending is an artifact being received.
type Pending struct {
	f     *os.File
	h     hash.Hash
	n     int64
	final string
	done  bool
}

func (p *Pending) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.h.Write(b[:n])
	p.n += int64(n)
	return n, err
}

func (p *Pending) Size() int64 { return p.n }

func (p *Pending) Hash() string { return hex.EncodeToString(p.h.Sum(nil)) }

// Commit syncs and renames the file into place.
func (p *Pending) Commit() (string, error) {
	if p.done {
		return "", fmt.Errorf("pending artifact already finished")
	}
	p.done = true
	if err := p.f.Sync(); err != nil {
		p.discard()
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := p.f.Close(); err != nil {
		os.Remove(p.f.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(p.f.Name(), p.final); err != nil {
		os.Remove(p.f.Name())
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return p.final, nil
}

// Abort discards everything written so far. Safe to call after Commit.
func (p *Pending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.discard()
}

func (p *Pending) discard() {
	p.f.Close()
	os.Remove(p.f.Name())
}

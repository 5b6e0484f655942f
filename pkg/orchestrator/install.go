package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/transfer"
	"meshdeploy/pkg/types"
)

// InstallInfoFile is written next to every installed artifact.
const InstallInfoFile = "install_info.json"

// InstallRecord is one installed version of an artifact.
type InstallRecord struct {
	Hash        string    `json:"hash"`
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Path        string    `json:"install_path"`
	InstalledAt time.Time `json:"installed_at"`
}

type installInfo struct {
	InstalledAt time.Time         `json:"installed_at"`
	Artifact    string            `json:"artifact"`
	Hash        string            `json:"hash"`
	Size        int64             `json:"size"`
	SystemInfo  map[string]string `json:"system_info"`
}

// Installer keeps installed versions keyed by artifact hash. Versions are
// numbered from 1 per hash.
type Installer struct {
	mu       sync.RWMutex
	versions map[string][]InstallRecord
	current  *InstallRecord
}

func NewInstaller() *Installer {
	return &Installer{versions: make(map[string][]InstallRecord)}
}

func systemInfo() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"hostname":   host,
	}
}

// Install verifies artifact and writes it with its install_info.json into dir.
func (in *Installer) Install(artifact types.Artifact, dir string) (InstallRecord, error) {
	if err := transfer.SafeName(artifact.Name); err != nil {
		return InstallRecord{}, types.ConfigErrorf("install: %v", err)
	}
	artifact.Hash = strings.ToLower(artifact.Hash)
	if got := protocol.HashBytes(artifact.Data); got != artifact.Hash {
		return InstallRecord{}, types.IntegrityError("install", "",
			fmt.Errorf("hash mismatch for %s: declared %s, computed %s", artifact.Name, artifact.Hash, got))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return InstallRecord{}, types.ResourceError("install", err)
	}

	target := filepath.Join(dir, artifact.Name)
	if err := writeFileAtomic(target, artifact.Data); err != nil {
		return InstallRecord{}, types.ResourceError("install", err)
	}

	now := time.Now()
	info, err := json.MarshalIndent(installInfo{
		InstalledAt: now,
		Artifact:    artifact.Name,
		Hash:        artifact.Hash,
		Size:        artifact.Size,
		SystemInfo:  systemInfo(),
	}, "", "  ")
	if err != nil {
		return InstallRecord{}, fmt.Errorf("encode install info: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, InstallInfoFile), info); err != nil {
		return InstallRecord{}, types.ResourceError("install", err)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	rec := InstallRecord{
		Hash:        artifact.Hash,
		Version:     len(in.versions[artifact.Hash]) + 1,
		Name:        artifact.Name,
		Path:        dir,
		InstalledAt: now,
	}
	in.versions[artifact.Hash] = append(in.versions[artifact.Hash], rec)
	in.current = &rec
	return rec, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".install-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Versions returns every install grouped by hash.
func (in *Installer) Versions() map[string][]InstallRecord {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string][]InstallRecord, len(in.versions))
	for h, recs := range in.versions {
		out[h] = append([]InstallRecord(nil), recs...)
	}
	return out
}

// Hashes lists the installed hashes in order.
func (in *Installer) Hashes() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	hashes := make([]string, 0, len(in.versions))
	for h := range in.versions {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// Current is the most recently installed or rolled-back version.
func (in *Installer) Current() (InstallRecord, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.current == nil {
		return InstallRecord{}, false
	}
	return *in.current, true
}

// Rollback re-selects an earlier install. The install directory must still
// exist.
func (in *Installer) Rollback(hash string, version int) (InstallRecord, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	recs, ok := in.versions[hash]
	if !ok {
		return InstallRecord{}, fmt.Errorf("no installs recorded for %s", hash)
	}
	if version < 1 || version > len(recs) {
		return InstallRecord{}, fmt.Errorf("version %d out of range [1,%d] for %s", version, len(recs), hash)
	}
	rec := recs[version-1]
	if _, err := os.Stat(rec.Path); err != nil {
		return InstallRecord{}, types.ResourceError("rollback", fmt.Errorf("install path %s: %w", rec.Path, err))
	}
	in.current = &rec
	return rec, nil
}

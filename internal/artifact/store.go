// Package artifact manages the two filesystem areas the voice pipeline
// works in: a staging area for uploaded reference clips and an output area
// holding persisted embeddings and generated audio. The filesystem is the
// only persisted state; collision-free naming stands in for locking.
package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ambiware-labs/timbre/internal/config"
)

// Role classifies an artifact by its place in the pipeline.
type Role string

const (
	RoleUpload       Role = "upload"
	RoleIntermediate Role = "intermediate"
	RoleOutput       Role = "output"
)

// embeddingExt is the extension used for persisted embedding blobs.
const embeddingExt = ".se"

// ErrNotFound indicates that no artifact exists for the given name or
// identifier.
var ErrNotFound = errors.New("artifact not found")

// Info describes one file in the output area.
type Info struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store allocates, persists, and deletes pipeline artifacts.
type Store struct {
	uploadDir string
	outputDir string
	log       *slog.Logger
}

// New creates the store and ensures both managed areas exist.
func New(cfg config.StorageConfig, log *slog.Logger) (*Store, error) {
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	return &Store{
		uploadDir: cfg.UploadDir,
		outputDir: cfg.OutputDir,
		log:       log.With(slog.String("component", "artifact-store")),
	}, nil
}

// UploadDir returns the staging area path.
func (s *Store) UploadDir() string { return s.uploadDir }

// OutputDir returns the output area path.
func (s *Store) OutputDir() string { return s.outputDir }

// AllocatePath returns a fresh path for an artifact of the given role. The
// name combines the role, a timestamp, and a random token so that concurrent
// allocations cannot collide; an existing file is never reused.
func (s *Store) AllocatePath(role Role, suggestedName string) string {
	ext := strings.ToLower(filepath.Ext(suggestedName))
	base := strings.TrimSuffix(filepath.Base(suggestedName), filepath.Ext(suggestedName))
	if base == "" || base == "." {
		base = string(role)
	}

	for {
		token := newToken()
		var name string
		switch role {
		case RoleUpload:
			stamp := time.Now().Format("20060102_150405")
			name = fmt.Sprintf("%s_%s_%s%s", base, stamp, token, ext)
		case RoleIntermediate:
			name = fmt.Sprintf("tmp_%s.wav", token)
		case RoleOutput:
			name = fmt.Sprintf("cloned_voice_%s.wav", token)
		default:
			name = fmt.Sprintf("%s_%s%s", role, token, ext)
		}

		dir := s.outputDir
		if role == RoleUpload {
			dir = s.uploadDir
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

// Stage writes uploaded bytes to a freshly allocated upload path. A write
// failure here is fatal to the request, unlike later best-effort deletes.
func (s *Store) Stage(data []byte, suggestedName string) (string, error) {
	path := s.AllocatePath(RoleUpload, suggestedName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("stage upload %s: %w", path, err)
	}
	return path, nil
}

// PersistBlob writes a serialized embedding under a fresh identifier and
// returns the identifier. Identifiers are never reused.
func (s *Store) PersistBlob(data []byte) (string, error) {
	for {
		id := newToken()
		path := filepath.Join(s.outputDir, id+embeddingExt)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persist blob: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("persist blob %s: %w", id, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("persist blob %s: %w", id, err)
		}
		return id, nil
	}
}

// LoadBlob reads the embedding blob persisted under id.
func (s *Store) LoadBlob(id string) ([]byte, error) {
	if !validName(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(filepath.Join(s.outputDir, id+embeddingExt))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: embedding %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", id, err)
	}
	return data, nil
}

// Fetch reads a named file from the output area.
func (s *Store) Fetch(name string) ([]byte, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	data, err := os.ReadFile(filepath.Join(s.outputDir, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes the file at path. It is idempotent: a missing file returns
// false without error, and removal failures are logged and swallowed.
func (s *Store) Remove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		s.log.Info("removed artifact", slog.String("path", path))
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	s.log.Error("failed to remove artifact", slog.String("path", path), slog.String("error", err.Error()))
	return false
}

// Delete removes a named file from the output area, same semantics as Remove.
func (s *Store) Delete(name string) bool {
	if !validName(name) {
		return false
	}
	return s.Remove(filepath.Join(s.outputDir, name))
}

// List enumerates the output area, skipping subdirectories.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.outputDir)
	if err != nil {
		return nil, fmt.Errorf("list output dir: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			s.log.Warn("skipping unreadable artifact", slog.String("name", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		infos = append(infos, Info{
			Name:       entry.Name(),
			Size:       fi.Size(),
			CreatedAt:  fi.ModTime(),
			ModifiedAt: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// PurgeOlderThan deletes every artifact in both managed areas whose
// modification time is older than age. Individual deletion failures are
// logged and do not abort the scan. Returns the number of files removed.
func (s *Store) PurgeOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, dir := range []string{s.uploadDir, s.outputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.log.Error("purge scan failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			if fi.ModTime().After(cutoff) {
				continue
			}
			if s.Remove(filepath.Join(dir, entry.Name())) {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info("purged old artifacts", slog.Int("removed", removed))
	}
	return removed
}

// validName rejects identifiers that escape the managed areas.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// newToken returns an 8-character random hex token.
func newToken() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}

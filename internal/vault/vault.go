package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// FileRecord describes a file found by List. Content and digest are read
// on demand by the reconciler; MTime is informational only and never used
// to resolve sync ordering.
type FileRecord struct {
	Path  string
	Size  int64
	MTime int64
}

// Vault provides thread-safe filesystem operations on the sync directory.
// All writes are serialized by an exclusive lock; reads take a shared lock
// to prevent reading partial writes. The reconciler and watcher both go
// through this type for file access.
type Vault struct {
	dir     string
	ignorer *Ignorer
	mu      sync.RWMutex
}

// New creates a Vault rooted at dir, which must be an absolute path
// (resolved at config load time). extraIgnores are user glob patterns
// from the vault options file, added on top of the built-in rules.
func New(dir string, extraIgnores []string) *Vault {
	return &Vault{dir: dir, ignorer: NewIgnorer(extraIgnores)}
}

// Dir returns the root directory of the vault.
func (v *Vault) Dir() string {
	return v.dir
}

// Ignored reports whether a relative path is excluded from sync.
func (v *Vault) Ignored(relPath string) bool {
	return v.ignorer.Match(NormalizePath(relPath))
}

// List walks the vault directory and returns a record for every
// non-ignored regular file. Directories are implicit: they are recreated
// by EnsureParentFolders on write and never synced as entries themselves.
func (v *Vault) List(logger *slog.Logger) ([]FileRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var records []FileRecord

	err := filepath.WalkDir(v.dir, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(v.dir, absPath)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = NormalizePath(relPath)

		if v.ignorer.Match(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		// Skip symlinks to prevent following links outside the vault or
		// to special files (devices, FIFOs) that could hang a read.
		if d.Type()&os.ModeSymlink != 0 {
			logger.Debug("skipping symlink", slog.String("path", relPath))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("stat failed during listing",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			return nil
		}

		records = append(records, FileRecord{
			Path:  relPath,
			Size:  info.Size(),
			MTime: info.ModTime().UnixMilli(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking vault dir: %w", err)
	}

	return records, nil
}

// Read reads a file by relative path.
func (v *Vault) Read(relPath string) ([]byte, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.ReadFile(absPath)
}

// Write writes content to a file by relative path, creating parent
// directories as needed.
func (v *Vault) Write(relPath string, data []byte) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	return os.WriteFile(absPath, data, 0644)
}

// Delete removes a file by relative path. Returns nil if the file does
// not exist.
func (v *Vault) Delete(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}
	return nil
}

// Exists reports whether a regular file exists at the relative path.
// This checks the filesystem directly, never a cached listing: deletion
// decisions must re-confirm absence here before being committed.
func (v *Vault) Exists(relPath string) bool {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return false
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	info, err := os.Stat(absPath)
	return err == nil && !info.IsDir()
}

// Rename moves a file from one relative path to another within the vault,
// creating the destination's parent directory if needed.
func (v *Vault) Rename(oldRel, newRel string) error {
	oldAbs, err := v.resolve(oldRel)
	if err != nil {
		return err
	}
	newAbs, err := v.resolve(newRel)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// EnsureParentFolders creates the directories leading up to a relative
// file path.
func (v *Vault) EnsureParentFolders(relPath string) error {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return os.MkdirAll(filepath.Dir(absPath), 0755)
}

// Stat returns file info for a relative path.
func (v *Vault) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := v.resolve(relPath)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	return os.Stat(absPath)
}

// resolve converts a relative path to an absolute path within the vault
// directory, rejecting path traversal attempts.
func (v *Vault) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath := filepath.Join(v.dir, relPath)
	if !strings.HasPrefix(absPath, v.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside vault dir", relPath)
	}
	return absPath, nil
}

// NormalizePath canonicalizes a relative path: non-breaking spaces become
// regular spaces, repeated slashes collapse, leading/trailing slashes are
// trimmed, and the result is Unicode NFC normalized. Call this on every
// path entering the system: listings, watcher events, and remote records.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/notesync/internal/vault"
)

// Watcher monitors the vault directory and requests a sync pass when
// anything inside it changes. It does no per-file work itself; debounce
// and coalescing live in the Scheduler, so firing on every event is
// cheap.
type Watcher struct {
	vault   *vault.Vault
	request func(reason string)
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher that calls request on filesystem changes.
func NewWatcher(v *vault.Vault, request func(reason string), logger *slog.Logger) *Watcher {
	return &Watcher{
		vault:   v,
		request: request,
		logger:  logger,
	}
}

// Watch blocks servicing filesystem events until ctx is cancelled.
// Directories are watched recursively, including ones created while
// watching.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.vault.Dir()); err != nil {
		return fmt.Errorf("watching vault dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.vault.Dir()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		// New directories need their own watches. Lstat so a symlink
		// pointing outside the vault is never followed.
		info, err := os.Lstat(event.Name)
		if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("watching new directory",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// On rename fsnotify fires Remove for the old path; the new
		// path fires its own Create. Linux drops watches on deleted
		// directories automatically, other platforms may leak them.
		_ = w.watcher.Remove(event.Name)
	}

	w.logger.Debug("filesystem event",
		slog.String("op", event.Op.String()),
		slog.String("path", event.Name),
	)
	w.request("filesystem change")
}

// ignored maps the absolute event path back into the vault and applies
// the vault's ignore rules.
func (w *Watcher) ignored(absPath string) bool {
	rel, err := filepath.Rel(w.vault.Dir(), absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}

	return w.vault.Ignored(filepath.ToSlash(rel))
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

package index

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/sealbook/internal/checksum"
	"github.com/starford/sealbook/internal/storage"
)

// EventCallback is called after a watcher-driven index change.
// kind is one of "created", "updated", "deleted".
type EventCallback func(kind, nb, id string)

// Watch starts an fsnotify watcher on the notes root and processes file
// change events until ctx is cancelled. It calls cb (if non-nil) after
// each successful index mutation.
//
// Notebook directories created at runtime are added to the watch list.
// Rename events trigger a reconciliation pass that removes stale index
// entries whose files no longer exist on disk.
func Watch(ctx context.Context, db *DB, store storage.Provider, protected ProtectedFunc, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := store.Root()
	if err := addNotebookDirs(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	// reconcileTimer is used to debounce rename reconciliation.
	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(db, store, protected, logger, cb)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New notebook directory: watch it and index what is already inside.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if filepath.Dir(absPath) != root || storage.Hidden(info.Name()) {
						continue
					}
					if addErr := w.Add(absPath); addErr != nil {
						logger.Warn("watcher: add new notebook failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new notebook", slog.String("path", absPath))
					}
					scheduleReconcile()
					continue
				}
			}

			nb, id, ok := splitNotePath(root, absPath)
			if !ok {
				// A notebook directory renamed or removed.
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					scheduleReconcile()
				}
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				data, readErr := store.Read(nb, id)
				if readErr != nil {
					logger.Warn("watcher: read failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", readErr.Error()))
					continue
				}
				if cs, _ := db.GetChecksum(nb, id); cs == checksum.Sum(data) {
					continue
				}
				if idxErr := db.IndexFile(nb, id, data, protected(nb)); idxErr != nil {
					logger.Warn("watcher: index failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", idxErr.Error()))
					continue
				}
				kind := "updated"
				if ev.Op&fsnotify.Create != 0 {
					kind = "created"
				}
				logger.Debug("watcher: indexed", slog.String("notebook", nb), slog.String("id", id), slog.String("op", kind))
				if cb != nil {
					cb(kind, nb, id)
				}

			case ev.Op&fsnotify.Remove != 0:
				if delErr := db.DeleteNote(nb, id); delErr != nil {
					logger.Warn("watcher: delete failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", delErr.Error()))
					continue
				}
				logger.Debug("watcher: deleted", slog.String("notebook", nb), slog.String("id", id))
				if cb != nil {
					cb("deleted", nb, id)
				}

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only. The new
				// path will arrive as a separate Create event (if it
				// stays within a watched dir). We delete the old entry
				// immediately and schedule a short reconciliation pass
				// to catch any stragglers.
				if delErr := db.DeleteNote(nb, id); delErr != nil {
					logger.Warn("watcher: rename delete failed", slog.String("notebook", nb), slog.String("id", id), slog.String("error", delErr.Error()))
				} else if cb != nil {
					cb("deleted", nb, id)
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// splitNotePath maps an absolute path to (notebook, id). Only root notes and
// notes one level deep in a visible notebook qualify.
func splitNotePath(root, abs string) (string, string, bool) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", "", false
	}
	name := filepath.Base(rel)
	if !strings.HasSuffix(name, storage.NoteExt) || storage.Hidden(name) {
		return "", "", false
	}
	id := strings.TrimSuffix(name, storage.NoteExt)
	dir := filepath.Dir(rel)
	switch {
	case dir == ".":
		return "", id, true
	case !strings.ContainsRune(dir, filepath.Separator) && !storage.Hidden(dir):
		return dir, id, true
	default:
		return "", "", false
	}
}

// reconcile does a lightweight sync using batch lookups:
// finds index entries without a corresponding file on disk and removes them,
// and finds on-disk files that are not indexed and indexes them.
func reconcile(db *DB, store storage.Provider, protected ProtectedFunc, logger *slog.Logger, cb EventCallback) {
	checksums, err := db.AllChecksums()
	if err != nil {
		logger.Warn("reconcile: all checksums failed", slog.String("error", err.Error()))
		return
	}

	files, err := allFiles(store)
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[NoteKey]struct{}, len(files))
	for _, f := range files {
		disk[NoteKey{Notebook: f.Notebook, ID: f.ID}] = struct{}{}
	}

	for k := range checksums {
		if _, ok := disk[k]; !ok {
			if delErr := db.DeleteNote(k.Notebook, k.ID); delErr == nil {
				logger.Debug("reconcile: removed stale", slog.String("notebook", k.Notebook), slog.String("id", k.ID))
				if cb != nil {
					cb("deleted", k.Notebook, k.ID)
				}
			}
		}
	}

	for k := range disk {
		if _, ok := checksums[k]; ok {
			continue
		}
		data, readErr := store.Read(k.Notebook, k.ID)
		if readErr != nil {
			continue
		}
		if idxErr := db.IndexFile(k.Notebook, k.ID, data, protected(k.Notebook)); idxErr == nil {
			logger.Debug("reconcile: indexed new", slog.String("notebook", k.Notebook), slog.String("id", k.ID))
			if cb != nil {
				cb("created", k.Notebook, k.ID)
			}
		}
	}
}

// addNotebookDirs adds root and its visible top-level directories to the watcher.
func addNotebookDirs(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !storage.Hidden(e.Name()) {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}


// Package inbox watches a drop directory for exported timeline drafts and
// migrates each one into durable storage.
//
// A file named <user-id>.json is imported for that user. Afterwards it is
// moved into processed/ or, when the import fails, into failed/.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/guardian/internal/migrate"
	"github.com/starford/guardian/internal/timeline"
)

// Subdirectories receiving handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

const settleDelay = 200 * time.Millisecond

// Importer migrates a snapshot for a user. *nodeservice.Service satisfies it.
type Importer interface {
	Import(ctx context.Context, userID string, s *timeline.Snapshot) (*migrate.Report, error)
}

// Result describes one handled file.
type Result struct {
	File   string
	UserID string
	Report *migrate.Report
	Err    error
}

// Callback is called after each handled file.
type Callback func(Result)

// Watch processes files already waiting in dir, then watches it for new
// ones until ctx is cancelled. Events are debounced so that a file is read
// only once its writer has settled.
func Watch(ctx context.Context, dir string, imp Importer, logger *slog.Logger, cb Callback) error {
	for _, sub := range []string{dir, filepath.Join(dir, ProcessedDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("inbox: started", slog.String("dir", dir))

	if err := Sweep(ctx, dir, imp, logger, cb); err != nil {
		logger.Warn("inbox: initial sweep failed", slog.String("error", err.Error()))
	}

	pending := make(map[string]struct{})
	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	schedule := func(path string) {
		pending[path] = struct{}{}
		if settleTimer == nil {
			settleTimer = time.NewTimer(settleDelay)
			settleCh = settleTimer.C
		} else {
			settleTimer.Reset(settleDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			logger.Info("inbox: stopped")
			return nil

		case <-settleCh:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				if _, err := os.Stat(p); err != nil {
					continue
				}
				handle(ctx, dir, p, imp, logger, cb)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !accepts(ev.Name) {
				continue
			}
			if filepath.Dir(ev.Name) != filepath.Clean(dir) {
				continue
			}
			schedule(ev.Name)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// Sweep handles every file currently waiting in dir.
func Sweep(ctx context.Context, dir string, imp Importer, logger *slog.Logger, cb Callback) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !accepts(e.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		handle(ctx, dir, filepath.Join(dir, e.Name()), imp, logger, cb)
	}
	return nil
}

// accepts skips hidden and temporary files.
func accepts(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".") && len(name) > len(".json")
}

func handle(ctx context.Context, dir, path string, imp Importer, logger *slog.Logger, cb Callback) {
	name := filepath.Base(path)
	res := Result{File: name, UserID: strings.TrimSuffix(name, ".json")}
	res.Report, res.Err = importFile(ctx, path, res.UserID, imp)

	dest := ProcessedDir
	if res.Err != nil {
		dest = FailedDir
		logger.Warn("inbox: import failed",
			slog.String("file", name),
			slog.String("user", res.UserID),
			slog.String("error", res.Err.Error()))
	} else {
		logger.Info("inbox: imported",
			slog.String("file", name),
			slog.String("user", res.UserID),
			slog.Int("inserted", res.Report.Inserted),
			slog.Bool("replayed", res.Report.Replayed))
	}

	stamped := fmt.Sprintf("%s-%d.json", res.UserID, time.Now().UnixNano())
	if err := os.Rename(path, filepath.Join(dir, dest, stamped)); err != nil {
		logger.Error("inbox: move failed", slog.String("file", name), slog.String("error", err.Error()))
	}
	if cb != nil {
		cb(res)
	}
}

func importFile(ctx context.Context, path, userID string, imp Importer) (*migrate.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := timeline.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return imp.Import(ctx, userID, snap)
}

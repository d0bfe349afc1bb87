package dirstore

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback receives the record types whose files changed, sorted.
type ChangeCallback func(recordTypes []string)

// DefaultDebounce is how long Watch waits for a burst of file events to settle.
const DefaultDebounce = 200 * time.Millisecond

// Watch reports, until ctx is cancelled, the record types whose files were
// created, written, removed or renamed under the store root. Events are
// debounced so a push that writes many files yields one callback.
//
// Record-type directories created at runtime are added to the watch list.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, cb ChangeCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := s.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s.logger.Info("dirstore: watcher started", slog.String("root", root))

	changed := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("dirstore: watcher stopped")
			return nil

		case <-fire:
			if len(changed) == 0 {
				continue
			}
			types := make([]string, 0, len(changed))
			for t := range changed {
				types = append(types, t)
			}
			slices.Sort(types)
			clear(changed)
			s.logger.Debug("dirstore: records changed", slog.Any("record_types", types))
			cb(types)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						s.logger.Warn("dirstore: watch new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
					if typ, ok := recordTypeOf(root, filepath.Join(ev.Name, "x"+ext)); ok {
						changed[typ] = struct{}{}
						schedule()
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			typ, ok := recordTypeOf(root, ev.Name)
			if !ok {
				continue
			}
			changed[typ] = struct{}{}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("dirstore: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// recordTypeOf maps <root>/<type>/<name>.json to type. Temp and hidden files
// and hidden directories such as QuarantineDir are ignored.
func recordTypeOf(root, abs string) (string, bool) {
	if !strings.HasSuffix(abs, ext) || strings.HasPrefix(filepath.Base(abs), ".") {
		return "", false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[0], ".") {
		return "", false
	}
	return parts[0], true
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

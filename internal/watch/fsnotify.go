package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// FsnotifyProvider watches with fsnotify. fsnotify is not recursive, so
// every directory below the source is registered on subscribe and
// directories created later are added as they appear.
type FsnotifyProvider struct {
	clock clockwork.Clock
}

func (p *FsnotifyProvider) Subscribe(ctx context.Context, path string, filter FilterCallback) (Subscription, error) {
	t, err := resolveTarget(path)
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if t.isDir {
		err = addRecursive(watcher, t.dir)
	} else {
		err = watcher.Add(t.dir)
	}
	if err != nil {
		// release the handles of whatever was already added
		if cerr := watcher.Close(); cerr != nil {
			slog.Warn("failed to close file watcher", "error", cerr)
		}
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}

	s := newSubscription(t, p.clock, filter, watcher.Close)
	s.run(func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if t.isDir && event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := addRecursive(watcher, event.Name); err != nil {
							s.fail(fmt.Errorf("watch new directory %q: %w", event.Name, err))
						}
					}
				}
				slog.Debug("fsnotify event", "op", event.Op.String(), "path", event.Name)
				s.emit(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.fail(err)
			}
		}
	})

	slog.Debug("file watcher start", "backend", Fsnotify, "path", t.dir)
	return s, nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// directories can vanish between the event and the walk
			if os.IsNotExist(err) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

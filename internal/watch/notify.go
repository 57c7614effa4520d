package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

// NotifyProvider uses the platform's native recursive watches where they
// exist (FSEvents, ReadDirectoryChangesW) and emulates them on inotify.
type NotifyProvider struct {
	clock clockwork.Clock
}

func (p *NotifyProvider) Subscribe(ctx context.Context, path string, filter FilterCallback) (Subscription, error) {
	t, err := resolveTarget(path)
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}

	watchPath := t.dir
	if t.isDir {
		watchPath = filepath.Join(t.dir, "...")
	}

	raw := make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(watchPath, raw, notify.All); err != nil {
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}

	s := newSubscription(t, p.clock, filter, func() error {
		notify.Stop(raw)
		return nil
	})

	s.run(func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case ei := <-raw:
				slog.Debug("notify event", "event", ei.Event(), "path", ei.Path())
				s.emit(ei.Path())
			}
		}
	})

	slog.Debug("file watcher start", "backend", Notify, "path", watchPath)
	return s, nil
}

package staticpool

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the pool file whenever it changes, until ctx is cancelled.
// Editors replace files rather than writing in place, so the watch is on
// the directory and filtered by name. Reload errors keep the previous
// definition.
func (p *Provider) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// editors fire several events per save
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := p.Load(path); err != nil {
						slog.Error("static pool reload failed", "file", path, "error", err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("static pool watcher", "error", err)
			}
		}
	}()
	return nil
}

package keyring

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads key material when the manifest is rewritten on disk, so an
// operator (or another process) can rotate a host's keys out-of-band and
// have the running instance pick them up. It blocks until ctx is done.
func (r *Ring) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	// Writers produce bursts of events (tmp file, rename, key files);
	// coalesce them before reloading.
	var pending *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != manifestName || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if loaded, err := r.loadManifest(); err != nil {
				logger.WarnContext(ctx, "key directory reload failed", slog.String("dir", r.dir), slog.String("err", err.Error()))
			} else if loaded {
				logger.InfoContext(ctx, "key material reloaded", slog.String("dir", r.dir), slog.String("active_kid", r.ActiveKID()))
				r.notifyChange()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "key directory watch error", slog.String("err", werr.Error()))
		}
	}
}

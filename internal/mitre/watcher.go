package mitre

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"attacklens/internal/logging"
)

// Watch reloads the in-memory snapshot when the cached bundle file is
// replaced on disk by an external process (a sidecar refresher, an operator
// dropping in a newer bundle). Workflows already holding a snapshot keep it;
// only new snapshot requests observe the reloaded catalog.
//
// Blocks until ctx is done.
func (p *Provider) Watch(ctx context.Context) error {
	if p.cfg.CacheDir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.cfg.CacheDir); err != nil {
		return err
	}
	logging.Catalog("watching catalog cache dir %s", p.cfg.CacheDir)

	// Bundle replacement arrives as a create+rename burst; debounce so we
	// parse the 40 MiB bundle once per replacement.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != bundleFileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.CatalogWarn("cache watcher error: %v", err)
		case <-pending:
			pending = nil
			snap, err := p.loadFromDisk()
			if err != nil {
				logging.CatalogWarn("cache changed but reload failed: %v", err)
				continue
			}
			p.install(snap)
			logging.Catalog("catalog reloaded from cache change: version=%s", snap.Version)
		}
	}
}

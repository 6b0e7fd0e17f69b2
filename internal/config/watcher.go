package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the catalog whenever its directory changes, until ctx is
// done. Bursts of events within the debounce window cause one reload.
// onReload, if set, runs after each reload.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return err
	}

	reload := make(chan struct{}, 1)
	go scheduleReload(ctx, reload, func() {
		c.Reload()
		if onReload != nil {
			onReload()
		}
	})
	go c.handleWatcher(ctx, watcher, reload)
	return nil
}

func (c *Catalog) handleWatcher(
	ctx context.Context,
	watcher *fsnotify.Watcher,
	reload chan<- struct{},
) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) ||
				event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("client catalog watcher error", zap.Error(err))
		}
	}
}

func scheduleReload(
	ctx context.Context,
	reload <-chan struct{},
	callback func(),
) {
	var timer *time.Timer = nil
	var fire <-chan time.Time = nil
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(reloadDebounce)
			} else {
				timer = time.NewTimer(reloadDebounce)
				fire = timer.C
			}

		case <-fire:
			fire = nil
			timer = nil
			callback()
		}
	}
}

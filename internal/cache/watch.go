package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"
)

// watchDebounce coalesces the burst of writes a profiler makes while
// flushing a trace.
const watchDebounce = 250 * time.Millisecond

const watchedOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// Watch refreshes the catalog whenever trace files change, until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(m.cfg.TraceDir); err != nil {
		return fmt.Errorf("watching %s: %w", m.cfg.TraceDir, err)
	}
	level.Info(m.logger).Log("msg", "watching trace directory", "dir", m.cfg.TraceDir)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&watchedOps == 0 || !m.cfg.IsTraceFile(ev.Name) {
				continue
			}
			level.Debug(m.logger).Log("msg", "trace changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(m.logger).Log("msg", "watcher error", "err", err)
		case <-timer.C:
			if err := m.Refresh(); err != nil {
				level.Error(m.logger).Log("msg", "failed to refresh trace catalog", "err", err)
			}
		}
	}
}

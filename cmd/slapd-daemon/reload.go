package main

import (
	"github.com/fsnotify/fsnotify"

	"github.com/slapd-go/daemon/internal/logger"
	"github.com/slapd-go/daemon/pkg/config"
	"github.com/slapd-go/daemon/pkg/daemon"
)

// watchConfigForResize watches configPath for writes and, when the
// daemon section's shard count changes, triggers a live Resize without
// restarting the process. Generalized from the teacher's log-tailing
// fsnotify watcher to config-tailing.
func watchConfigForResize(configPath string, d *daemon.Daemon, stop <-chan struct{}) {
	if configPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher disabled", logger.Err(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(configPath); err != nil {
		logger.Warn("config watcher disabled", "path", configPath, logger.Err(err))
		return
	}

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			applyResizeFromConfig(configPath, d)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", logger.Err(err))
		}
	}
}

func applyResizeFromConfig(configPath string, d *daemon.Daemon) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config reload failed, keeping current shard count", logger.Err(err))
		return
	}

	newN := cfg.Daemon.Shards
	if newN == 0 {
		return // zero means "leave it at whatever Start resolved it to"
	}
	if newN == d.ShardCount() {
		return
	}

	logger.Info("configuration changed, resizing shard fleet", "old_n", d.ShardCount(), "new_n", newN)
	if err := d.Resize(newN); err != nil {
		logger.Warn("live resize failed", logger.Err(err))
	}
}

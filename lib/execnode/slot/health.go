// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

// checkHealth writes, reads back, and removes a probe file.
func (loc *Location) checkHealth() error {
	probe := filepath.Join(loc.Path, healthCheckFileName)
	data := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.WriteFile(probe, data, 0600); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	got, err := os.ReadFile(probe)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("health check: %s: read back %q, expected %q", probe, got, data)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// runHealthChecks disables the location if a periodic health check
// fails or the location's root directory is removed or renamed.
func (loc *Location) runHealthChecks() {
	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(loc.Path); err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		loc.logger.WithError(err).Warn("cannot watch location root, relying on periodic checks only")
	} else {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}
	ticker := time.NewTicker(loc.healthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-loc.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == loc.Path && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				loc.Disable(fmt.Errorf("location root %s was removed or renamed", loc.Path))
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			loc.logger.WithError(err).Warn("fsnotify error")
		case <-ticker.C:
			if err := loc.checkHealth(); err != nil {
				loc.Disable(err)
				return
			}
		}
	}
}

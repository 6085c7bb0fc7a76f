// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slot manages the node's job slots and the disk locations
// that hold their sandboxes.
package slot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/helper"
	"git.arvados.org/execnode.git/lib/execnode/jobdir"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/dustin/go-humanize"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	alertSourceManager = "slot_manager"
	alertSourceAborts  = "consecutive_aborts"
)

// Environment is the part of the job environment the slot manager
// depends on.
type Environment interface {
	IsEnabled() bool
	UserID(index int) int
	NewDirectoryManager(path string) jobdir.Manager
}

// Manager owns the node's slots and slot locations.
type Manager struct {
	logger logrus.FieldLogger
	cfg    config.SlotManagerConfig
	env    Environment
	runner helper.Runner
	alerts *alert.Registry

	mtx               sync.RWMutex
	locations         []*Location
	slots             []*Slot
	enabled           bool
	consecutiveAborts int
	subscribers       map[<-chan struct{}]chan<- struct{}
	abortThrottle     throttle

	metrics *metrics
}

// NewManager returns a Manager. Call Initialize before use.
func NewManager(logger logrus.FieldLogger, reg *prometheus.Registry, alerts *alert.Registry, cfg config.SlotManagerConfig, env Environment, runner helper.Runner) *Manager {
	m := &Manager{
		logger:      logger,
		cfg:         cfg,
		env:         env,
		runner:      runner,
		alerts:      alerts,
		enabled:     true,
		subscribers: map[<-chan struct{}]chan<- struct{}{},
		metrics:     newMetrics(reg),
	}
	for i := 0; i < cfg.SlotCount; i++ {
		m.slots = append(m.slots, &Slot{Index: i, UserID: env.UserID(i)})
	}
	for _, lc := range cfg.Locations {
		useSlotUsers := cfg.SlotCount > 0 && env.UserID(0) != os.Getuid()
		loc := newLocation(logger, lc, cfg, useSlotUsers, env.NewDirectoryManager(lc.Path), runner, alerts, m.metrics)
		loc.onDisable = m.notify
		m.locations = append(m.locations, loc)
	}
	return m
}

// Initialize initializes each location. A location that fails is
// disabled, unless InitializationFailureIsFatal is set, in which case
// an error is returned.
func (m *Manager) Initialize(ctx context.Context) error {
	var errs []error
	for _, loc := range m.locations {
		err := loc.Initialize(ctx)
		if err == nil {
			continue
		}
		err = fmt.Errorf("initialize slot location %s: %w", loc.Path, err)
		if m.cfg.InitializationFailureIsFatal {
			return err
		}
		loc.Disable(err)
		errs = append(errs, err)
	}
	if !m.anyLocationEnabled() {
		err := errors.New("no slot locations are available")
		if len(errs) > 0 {
			err = errors.Join(append([]error{err}, errs...)...)
		}
		if m.cfg.InitializationFailureIsFatal {
			return err
		}
		m.Disable(err)
	}
	m.updateMetrics()
	return nil
}

func (m *Manager) anyLocationEnabled() bool {
	for _, loc := range m.locations {
		if loc.IsEnabled() {
			return true
		}
	}
	return false
}

// Disable disables the whole manager: GetSlotCount returns 0 from
// now on.
func (m *Manager) Disable(err error) {
	m.mtx.Lock()
	wasEnabled := m.enabled
	m.enabled = false
	m.mtx.Unlock()
	if !wasEnabled {
		return
	}
	m.logger.WithError(err).Error("slot manager disabled")
	m.alerts.Set(alertSourceManager, nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "slot manager is disabled").Wrap(err), false)
	m.notify()
	m.updateMetrics()
}

// IsEnabled returns true if new jobs can be scheduled: the manager
// and the job environment are enabled, at least one location is
// enabled, and the node is not cooling down after too many aborted
// jobs.
func (m *Manager) IsEnabled() bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.isEnabled()
}

func (m *Manager) isEnabled() bool {
	return m.enabled && m.env.IsEnabled() && m.abortThrottle.Error() == nil && m.anyLocationEnabled()
}

// GetSlotCount returns the number of slots offered to the scheduler:
// 0 while disabled, otherwise the configured pool size.
func (m *Manager) GetSlotCount() int {
	if !m.IsEnabled() {
		return 0
	}
	return len(m.slots)
}

// GetUsedSlotCount returns the number of leased slots.
func (m *Manager) GetUsedSlotCount() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	n := 0
	for _, s := range m.slots {
		if s.busy {
			n++
		}
	}
	return n
}

func (m *Manager) Locations() []*Location {
	return append([]*Location(nil), m.locations...)
}

// DiskResources returns the disk resources of every location.
func (m *Manager) DiskResources() []nodeapi.DiskLocationResources {
	var res []nodeapi.DiskLocationResources
	for _, loc := range m.locations {
		res = append(res, loc.DiskResources())
	}
	return res
}

// AcquireSlot leases a free slot on the least loaded enabled
// location that can hold the requested disk space.
func (m *Manager) AcquireSlot(req nodeapi.DiskRequest) (*Slot, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.isEnabled() {
		return nil, nodeapi.NewError(nodeapi.ErrorSlotNotFound, "slot manager is disabled")
	}
	var free *Slot
	for _, s := range m.slots {
		if !s.busy {
			free = s
			break
		}
	}
	if free == nil {
		return nil, nodeapi.NewError(nodeapi.ErrorSlotNotFound, "all %d slots are busy", len(m.slots))
	}
	request := int64(req.DiskSpace)
	var best *Location
	var bestSessions int
	var bestReserved int64
	for _, loc := range m.locations {
		if !loc.IsEnabled() || loc.Full() {
			continue
		}
		loc.mtx.RLock()
		fits, sessions, reserved := loc.canFit(request), loc.sessions, loc.reserved()
		loc.mtx.RUnlock()
		if !fits {
			continue
		}
		if best == nil || sessions < bestSessions || (sessions == bestSessions && reserved < bestReserved) {
			best, bestSessions, bestReserved = loc, sessions, reserved
		}
	}
	if best == nil {
		return nil, nodeapi.NewError(nodeapi.ErrorSlotNotFound, "no enabled slot location can hold a %s disk request", humanize.IBytes(uint64(request)))
	}
	free.busy = true
	free.loc = best
	best.acquire(free.Index, request)
	m.logger.WithFields(logrus.Fields{
		"SlotIndex": free.Index,
		"Location":  best.Path,
		"DiskSpace": request,
	}).Debug("slot acquired")
	go m.updateMetrics()
	return free, nil
}

// ReleaseSlot returns a slot to the pool. It must only be called
// after the slot's sandbox has been cleaned.
func (m *Manager) ReleaseSlot(index int) {
	m.mtx.Lock()
	if index < 0 || index >= len(m.slots) || !m.slots[index].busy {
		m.mtx.Unlock()
		m.logger.WithField("SlotIndex", index).Warn("ReleaseSlot called for a slot that is not busy")
		return
	}
	s := m.slots[index]
	s.busy = false
	s.loc.release(index)
	m.mtx.Unlock()
	m.logger.WithField("SlotIndex", index).Debug("slot released")
	m.notify()
	m.updateMetrics()
}

// OnJobFinished tracks consecutive aborted jobs. After
// MaxConsecutiveAborts in a row, the node offers no slots for
// DisableJobsTimeout (plus a random splay).
func (m *Manager) OnJobFinished(state nodeapi.JobState) {
	if state == nodeapi.JobStateAborted {
		m.metrics.abortsCounter.Inc()
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if state != nodeapi.JobStateAborted {
		m.consecutiveAborts = 0
		return
	}
	m.consecutiveAborts++
	if m.cfg.MaxConsecutiveAborts <= 0 || m.consecutiveAborts < m.cfg.MaxConsecutiveAborts {
		return
	}
	m.consecutiveAborts = 0
	timeout := m.cfg.DisableJobsTimeout.Duration()
	if splayMax := int(timeout / time.Millisecond / 10); splayMax > 0 {
		if splay, err := randutil.IntRange(0, splayMax); err == nil {
			timeout += time.Duration(splay) * time.Millisecond
		}
	}
	until := time.Now().Add(timeout)
	err := nodeapi.NewError(nodeapi.ErrorTooManyConsecutiveJobAbortions, "%d consecutive jobs were aborted, scheduling disabled until %s", m.cfg.MaxConsecutiveAborts, until.Format(time.RFC3339))
	m.logger.WithField("Until", until).Warn("too many consecutive job abortions")
	m.alerts.Set(alertSourceAborts, err, false)
	m.abortThrottle.ErrorUntil(err, until, func() {
		m.alerts.Clear(alertSourceAborts)
		m.notify()
		m.updateMetrics()
	})
	go m.updateMetrics()
}

// Subscribe returns a buffered channel that becomes ready after any
// change that could let a waiting job acquire a slot: a slot is
// released, a location is disabled, etc.
//
// Additional events that occur while the channel is already ready
// will be dropped, so it is OK if the caller services the channel
// slowly.
func (m *Manager) Subscribe() <-chan struct{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ch := make(chan struct{}, 1)
	m.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (m *Manager) Unsubscribe(ch <-chan struct{}) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.subscribers, ch)
}

func (m *Manager) notify() {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for _, send := range m.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) updateMetrics() {
	m.metrics.slotsTotal.Set(float64(m.GetSlotCount()))
	m.metrics.slotsUsed.Set(float64(m.GetUsedSlotCount()))
}

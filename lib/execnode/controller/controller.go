// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package controller keeps track of the jobs on an exec node and
// exchanges heartbeats with the scheduler: it reports job status and
// node resources, and starts, aborts, and removes jobs as
// instructed.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/job"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrNoSuchJob is returned for job IDs the controller does not know.
var ErrNoSuchJob = errors.New("no such job")

// SlotManager is the part of slot.Manager the controller uses.
type SlotManager interface {
	job.SlotManager
	IsEnabled() bool
	GetSlotCount() int
	GetUsedSlotCount() int
	DiskResources() []nodeapi.DiskLocationResources
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

type waitingJob struct {
	id    string
	since time.Time
}

// Controller owns the jobs on a node. Unless noted otherwise, its
// state is only accessed on the control invoker.
type Controller struct {
	logger    logrus.FieldLogger
	nodeID    string
	limits    nodeapi.ResourceVector
	cfg       config.JobControllerConfig
	node      job.Node
	slots     SlotManager
	directory *Directory
	removed   *removedJobs
	scheduler *nodeapi.Client

	jobs    map[string]*job.Job
	waiting []waitingJob
	usage   nodeapi.ResourceVector

	runOnce  sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	stopped  sync.WaitGroup

	mJobs              *prometheus.GaugeVec
	mFinishedJobs      *prometheus.CounterVec
	mWaitingJobs       prometheus.Gauge
	mRemovedJobs       prometheus.Gauge
	mHeartbeatFailures prometheus.Counter
	mHeartbeatDuration prometheus.Summary
	mUsage             *prometheus.GaugeVec
}

// New returns a Controller. The given node must have Invoker,
// Environment, and Artifacts set; the controller supplies the rest.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, nodeID string, limits nodeapi.ResourceVector, cfg config.JobControllerConfig, node job.Node, slots SlotManager) (*Controller, error) {
	removed, err := newRemovedJobs(cfg.RecentlyRemovedJobsMaxCount, cfg.RecentlyRemovedJobsStoreTimeout.Duration())
	if err != nil {
		return nil, err
	}
	c := &Controller{
		logger:    logger,
		nodeID:    nodeID,
		limits:    limits,
		cfg:       cfg,
		slots:     slots,
		directory: &Directory{},
		removed:   removed,
		jobs:      map[string]*job.Job{},
		stop:      make(chan struct{}),
	}
	if cfg.SchedulerURL != "" {
		c.scheduler = &nodeapi.Client{
			BaseURL:   cfg.SchedulerURL,
			AuthToken: cfg.SchedulerToken,
			RetryMax:  2,
			Logger:    logger,
		}
	}
	node.Logger = logger
	node.Slots = slots
	node.Directory = c.directory
	node.Config = cfg
	node.Observer = c
	if node.Classifier == nil {
		node.Classifier = job.NewClassifier(cfg.FatalErrorCodes, cfg.AbortErrorCodes)
	}
	c.node = node
	c.registerMetrics(reg)
	return c, nil
}

// Start starts the heartbeat loop and the background tasks. It must
// not be called on the control invoker.
func (c *Controller) Start() {
	c.runOnce.Do(func() {
		c.stopped.Add(2)
		go c.runSlotWatcher()
		go c.runRemovedCleaner()
		if c.scheduler != nil {
			c.stopped.Add(1)
			go c.runHeartbeats()
		} else {
			c.logger.Warn("no SchedulerURL configured, not sending heartbeats")
		}
	})
}

// Shutdown stops the background tasks, aborts all unfinished jobs,
// and waits for them to finish or ctx to be done. It must not be
// called on the control invoker.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.stopped.Wait()
	var pending []*job.Job
	err := c.node.Invoker.Call(func() {
		for _, id := range c.sortedJobIDs() {
			j := c.jobs[id]
			if j.Phase() < nodeapi.JobPhaseCleanup {
				j.Abort(nodeapi.NewError(nodeapi.ErrorGeneric, "exec node is shutting down").WithAbortReason(nodeapi.AbortReasonOther))
			}
			pending = append(pending, j)
		}
		c.waiting = nil
	})
	if err != nil {
		return err
	}
	for _, j := range pending {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) runSlotWatcher() {
	defer c.stopped.Done()
	ch := c.slots.Subscribe()
	defer c.slots.Unsubscribe(ch)
	for {
		select {
		case <-c.stop:
			return
		case <-ch:
			c.node.Invoker.Post(c.startWaitingJobs)
		}
	}
}

func (c *Controller) runRemovedCleaner() {
	defer c.stopped.Done()
	period := c.cfg.RecentlyRemovedJobsCleanPeriod.Duration()
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.node.Invoker.Post(func() {
				if n := c.removed.clean(time.Now()); n > 0 {
					c.logger.WithField("Count", n).Debug("forgot recently removed jobs")
				}
				c.mRemovedJobs.Set(float64(c.removed.len()))
			})
		}
	}
}

// ResourcesUpdated implements job.Observer. A job whose usage grows
// beyond the node's resource limits is aborted.
func (c *Controller) ResourcesUpdated(j *job.Job, delta nodeapi.ResourceVector) {
	c.usage = c.usage.Add(delta)
	c.updateUsageMetrics()
	if (nodeapi.ResourceVector{}).Dominates(delta) {
		// Usage did not grow.
		return
	}
	exceeded := c.usage.Exceeded(c.limits)
	if len(exceeded) == 0 {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"JobID":          j.ID(),
		"ResourceUsage":  c.usage.String(),
		"ResourceLimits": c.limits.String(),
		"Exceeded":       exceeded,
	}).Warn("resource overdraft")
	j.Abort(nodeapi.NewError(nodeapi.ErrorResourceOverdraft, "node resource limits exceeded: %v", exceeded).
		WithAbortReason(nodeapi.AbortReasonResourceOverdraft))
}

// JobFinished implements job.Observer.
func (c *Controller) JobFinished(j *job.Job) {
	c.mFinishedJobs.WithLabelValues(j.State().String(), string(j.Status().AbortReason)).Inc()
	c.updateJobMetrics()
}

// StartJob creates a job and starts it when a slot is available.
// It must be called on the control invoker.
func (c *Controller) StartJob(info nodeapi.JobStartInfo) error {
	logger := c.logger.WithFields(logrus.Fields{
		"JobID":       info.JobID,
		"OperationID": info.OperationID,
	})
	if info.JobID == "" {
		return errors.New("job ID is empty")
	}
	if _, exists := c.jobs[info.JobID]; exists {
		logger.Debug("ignoring start instruction for existing job")
		return nil
	}
	if _, ok := c.removed.get(info.JobID); ok {
		logger.Warn("ignoring start instruction for removed job")
		return nil
	}
	logger.WithField("ResourceLimits", info.ResourceLimits.String()).Info("job created")
	c.jobs[info.JobID] = job.New(&c.node, info)
	c.waiting = append(c.waiting, waitingJob{id: info.JobID, since: time.Now()})
	c.startWaitingJobs()
	return nil
}

// startWaitingJobs starts waiting jobs, oldest first, while free
// slots remain. Jobs that have waited too long are aborted.
func (c *Controller) startWaitingJobs() {
	defer c.updateJobMetrics()
	timeout := c.cfg.WaitingJobTimeout.Duration()
	var still []waitingJob
	for i, w := range c.waiting {
		j := c.jobs[w.id]
		if j == nil || j.State() != nodeapi.JobStateWaiting {
			continue
		}
		if timeout > 0 && time.Since(w.since) > timeout {
			j.Abort(nodeapi.NewError(nodeapi.ErrorWaitingTimeout, "job was not started within %s", timeout).
				WithAbortReason(nodeapi.AbortReasonWaitingTimeout))
			continue
		}
		if !c.slots.IsEnabled() || c.slots.GetUsedSlotCount() >= c.slots.GetSlotCount() {
			still = append(still, c.waiting[i:]...)
			break
		}
		j.Start()
	}
	c.waiting = still
}

// AbortJob aborts a job at the scheduler's request. It must be
// called on the control invoker.
func (c *Controller) AbortJob(info nodeapi.JobAbortInfo) error {
	j := c.jobs[info.JobID]
	if j == nil {
		return ErrNoSuchJob
	}
	msg := info.Message
	if msg == "" {
		msg = "job aborted by scheduler"
	}
	reason := info.AbortReason
	if reason == nodeapi.AbortReasonNone {
		reason = nodeapi.AbortReasonScheduler
	}
	j.Abort(nodeapi.NewError(nodeapi.ErrorAbortByScheduler, "%s", msg).WithAbortReason(reason))
	return nil
}

// RemoveJob forgets a finished job. Its status remains available
// through RemovedJob for a while. It must be called on the control
// invoker.
func (c *Controller) RemoveJob(id string) error {
	j := c.jobs[id]
	if j == nil {
		return ErrNoSuchJob
	}
	if !j.State().Terminal() {
		return nodeapi.NewError(nodeapi.ErrorGeneric, "cannot remove job %s in state %s", id, j.State())
	}
	rj := RemovedJob{Status: j.Status()}
	rj.Stderr, _ = j.GetStderr()
	rj.FailContext, rj.HasFailContext = j.GetFailContext()
	rj.InputContext, _ = j.DumpInputContext()
	c.removed.add(id, rj, time.Now())
	delete(c.jobs, id)
	c.logger.WithField("JobID", id).Info("job removed")
	c.mRemovedJobs.Set(float64(c.removed.len()))
	c.updateJobMetrics()
	return nil
}

// Job returns the job with the given ID. It must be called on the
// control invoker.
func (c *Controller) Job(id string) (*job.Job, error) {
	j := c.jobs[id]
	if j == nil {
		return nil, ErrNoSuchJob
	}
	return j, nil
}

// RemovedJob returns what is remembered about a removed job. It
// must be called on the control invoker.
func (c *Controller) RemovedJob(id string) (RemovedJob, bool) {
	return c.removed.get(id)
}

// JobIDs returns the IDs of the current and the recently removed
// jobs. It must be called on the control invoker.
func (c *Controller) JobIDs() (active, removed []string) {
	return c.sortedJobIDs(), c.removed.ids()
}

// Do runs f on the control invoker with the given job.
func (c *Controller) Do(id string, f func(*job.Job) error) error {
	var err error
	if cerr := c.node.Invoker.Call(func() {
		j := c.jobs[id]
		if j == nil {
			err = ErrNoSuchJob
			return
		}
		err = f(j)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Usage returns the resources used by all jobs. It must be called
// on the control invoker.
func (c *Controller) Usage() nodeapi.ResourceVector {
	return c.usage
}

// Directory returns the node directory, which maps node IDs to
// addresses. It is safe to use from any goroutine.
func (c *Controller) Directory() *Directory {
	return c.directory
}

func (c *Controller) sortedJobIDs() []string {
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

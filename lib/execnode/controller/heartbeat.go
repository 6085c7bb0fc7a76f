// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/execnode.git/lib/execnode/job"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

// backoff produces exponentially growing delays between start and
// max.
type backoff struct {
	start      time.Duration
	max        time.Duration
	multiplier float64
	cur        time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.start
	} else {
		b.cur = time.Duration(float64(b.cur) * b.multiplier)
	}
	if b.max > 0 && b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() {
	b.cur = 0
}

func (c *Controller) runHeartbeats() {
	defer c.stopped.Done()
	failed := backoff{
		start:      c.cfg.FailedHeartbeatBackoffStart.Duration(),
		max:        c.cfg.FailedHeartbeatBackoffMax.Duration(),
		multiplier: c.cfg.FailedHeartbeatBackoffMultiplier,
	}
	skipped := backoff{
		start:      c.cfg.SkippedHeartbeatBackoffStart.Duration(),
		max:        c.cfg.SkippedHeartbeatBackoffMax.Duration(),
		multiplier: c.cfg.SkippedHeartbeatBackoffMultiplier,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}
		resp, err := c.Heartbeat(ctx)
		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			skipped.reset()
			wait = failed.next()
			c.logger.WithError(err).WithField("Retry", wait).Warn("heartbeat failed")
		case resp.SchedulingSkipped:
			failed.reset()
			wait = skipped.next()
			c.logger.WithField("Retry", wait).Debug("scheduler skipped this node")
		default:
			failed.reset()
			skipped.reset()
			wait = c.heartbeatInterval()
		}
		timer.Reset(wait)
	}
}

func (c *Controller) heartbeatInterval() time.Duration {
	d := c.cfg.HeartbeatPeriod.Duration()
	if d <= 0 {
		d = 5 * time.Second
	}
	if splayMax := int(c.cfg.HeartbeatSplay.Duration() / time.Millisecond); splayMax > 0 {
		if splay, err := randutil.IntRange(0, splayMax); err == nil {
			d += time.Duration(splay) * time.Millisecond
		}
	}
	return d
}

// HeartbeatRequest returns the current state of the node for the
// scheduler. It must be called on the control invoker.
func (c *Controller) HeartbeatRequest() nodeapi.HeartbeatRequest {
	req := nodeapi.HeartbeatRequest{
		NodeID:         c.nodeID,
		ResourceLimits: c.limits,
		ResourceUsage:  c.usage,
		DiskResources:  c.slots.DiskResources(),
		Jobs:           []nodeapi.JobStatus{},
	}
	if c.node.Alerts != nil {
		req.Alerts = c.node.Alerts.List()
	}
	if c.slots.IsEnabled() && (c.node.Alerts == nil || !c.node.Alerts.Fatal()) {
		req.SlotCount = c.slots.GetSlotCount()
	}
	for _, id := range c.sortedJobIDs() {
		req.Jobs = append(req.Jobs, c.jobs[id].Status())
	}
	return req
}

// Heartbeat sends one heartbeat to the scheduler and processes the
// response.
func (c *Controller) Heartbeat(ctx context.Context) (nodeapi.HeartbeatResponse, error) {
	if c.scheduler == nil {
		return nodeapi.HeartbeatResponse{}, errors.New("no SchedulerURL configured")
	}
	var req nodeapi.HeartbeatRequest
	if err := c.node.Invoker.Call(func() { req = c.HeartbeatRequest() }); err != nil {
		return nodeapi.HeartbeatResponse{}, err
	}
	if d := c.cfg.HeartbeatTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var resp nodeapi.HeartbeatResponse
	t0 := time.Now()
	err := c.scheduler.RequestAndDecode(ctx, &resp, "POST", "heartbeat", req)
	if err != nil {
		c.mHeartbeatFailures.Inc()
		return resp, err
	}
	c.mHeartbeatDuration.Observe(time.Since(t0).Seconds())
	if err := c.node.Invoker.Call(func() { c.ProcessHeartbeatResponse(resp) }); err != nil {
		return resp, err
	}
	return resp, nil
}

// ProcessHeartbeatResponse carries out the scheduler's instructions:
// remove, abort, interrupt, fail, and start jobs, in that order. It
// must be called on the control invoker.
func (c *Controller) ProcessHeartbeatResponse(resp nodeapi.HeartbeatResponse) {
	if len(resp.NodeDirectory) > 0 {
		c.directory.Update(resp.NodeDirectory)
	}
	for _, id := range resp.JobsToRemove {
		if err := c.RemoveJob(id); err != nil && err != ErrNoSuchJob {
			c.logger.WithField("JobID", id).WithError(err).Warn("ignoring remove instruction")
		}
	}
	for _, info := range resp.JobsToAbort {
		if err := c.AbortJob(info); err != nil {
			c.logger.WithField("JobID", info.JobID).WithError(err).Warn("ignoring abort instruction")
		}
	}
	for _, id := range resp.JobsToInterrupt {
		c.instruct(id, "interrupt", (*job.Job).Interrupt)
	}
	for _, id := range resp.JobsToFail {
		c.instruct(id, "fail", (*job.Job).Fail)
	}
	for _, info := range resp.JobsToStart {
		if err := c.StartJob(info); err != nil {
			c.logger.WithField("JobID", info.JobID).WithError(err).Warn("ignoring start instruction")
		}
	}
	c.startWaitingJobs()
}

func (c *Controller) instruct(id, what string, f func(*job.Job) error) {
	logger := c.logger.WithFields(logrus.Fields{"JobID": id, "Instruction": what})
	j := c.jobs[id]
	if j == nil {
		logger.Warn("ignoring instruction for unknown job")
		return
	}
	if err := f(j); err != nil {
		logger.WithError(err).Warn("instruction failed")
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
)

var metricStates = []nodeapi.JobState{
	nodeapi.JobStateWaiting,
	nodeapi.JobStateRunning,
	nodeapi.JobStateAborting,
	nodeapi.JobStateCompleted,
	nodeapi.JobStateFailed,
	nodeapi.JobStateAborted,
}

func (c *Controller) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "jobs",
		Help:      "Number of jobs on the node, by state.",
	}, []string{"state"})
	reg.MustRegister(c.mJobs)
	c.mFinishedJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "finished_jobs_total",
		Help:      "Number of jobs that reached the Finished phase, by final state and abort reason.",
	}, []string{"state", "abort_reason"})
	reg.MustRegister(c.mFinishedJobs)
	c.mWaitingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "waiting_jobs",
		Help:      "Number of jobs waiting for a free slot.",
	})
	reg.MustRegister(c.mWaitingJobs)
	c.mRemovedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "recently_removed_jobs",
		Help:      "Number of removed jobs whose status is still remembered.",
	})
	reg.MustRegister(c.mRemovedJobs)
	c.mHeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "heartbeat_failures_total",
		Help:      "Number of heartbeats that did not get a response from the scheduler.",
	})
	reg.MustRegister(c.mHeartbeatFailures)
	c.mHeartbeatDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "arvados",
		Subsystem:  "execnode",
		Name:       "heartbeat_duration_seconds",
		Help:       "Time taken by successful heartbeat requests.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(c.mHeartbeatDuration)
	c.mUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "resource_usage",
		Help:      "Resources used by jobs on the node.",
	}, []string{"resource"})
	reg.MustRegister(c.mUsage)
}

func (c *Controller) updateJobMetrics() {
	counts := map[nodeapi.JobState]int{}
	for _, j := range c.jobs {
		counts[j.State()]++
	}
	for _, st := range metricStates {
		c.mJobs.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	c.mWaitingJobs.Set(float64(len(c.waiting)))
}

func (c *Controller) updateUsageMetrics() {
	c.mUsage.WithLabelValues("cpu").Set(c.usage.CPU)
	c.mUsage.WithLabelValues("memory").Set(float64(c.usage.Memory))
	c.mUsage.WithLabelValues("disk").Set(float64(c.usage.Disk))
	c.mUsage.WithLabelValues("user_slots").Set(float64(c.usage.UserSlots))
	c.mUsage.WithLabelValues("gpu").Set(float64(c.usage.GPU))
	c.mUsage.WithLabelValues("network").Set(float64(c.usage.Network))
}

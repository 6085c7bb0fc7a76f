// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gpu hands out the node's GPU devices to jobs.
package gpu

import (
	"sort"
	"sync"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Manager tracks which configured devices are leased to which job.
type Manager struct {
	logger  logrus.FieldLogger
	devices []string

	mtx    sync.Mutex
	leased map[string]string // device => job ID

	mLeased prometheus.Gauge
}

// Lease is a set of devices held by one job.
type Lease struct {
	Devices []string

	once    sync.Once
	release func()
}

// Release returns the devices to the pool. Calling Release more than
// once has no effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

func NewManager(logger logrus.FieldLogger, reg *prometheus.Registry, devices []string) *Manager {
	m := &Manager{
		logger:  logger,
		devices: append([]string(nil), devices...),
		leased:  map[string]string{},
	}
	sort.Strings(m.devices)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mLeased = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "gpus_leased",
		Help:      "Number of GPU devices leased to jobs.",
	})
	total := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "gpus_total",
		Help:      "Number of configured GPU devices.",
	})
	total.Set(float64(len(m.devices)))
	reg.MustRegister(m.mLeased, total)
	return m
}

// Total returns the number of configured devices.
func (m *Manager) Total() int {
	return len(m.devices)
}

// Free returns the number of devices not currently leased.
func (m *Manager) Free() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.devices) - len(m.leased)
}

// Acquire leases count devices to the given job. A job that asks for
// more devices than are free gets a ResourceOverdraft error.
func (m *Manager) Acquire(jobID string, count int) (*Lease, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if count <= 0 {
		return &Lease{release: func() {}}, nil
	}
	var devs []string
	for _, dev := range m.devices {
		if len(devs) == count {
			break
		}
		if _, busy := m.leased[dev]; !busy {
			devs = append(devs, dev)
		}
	}
	if len(devs) < count {
		return nil, nodeapi.NewError(nodeapi.ErrorResourceOverdraft, "job needs %d GPU(s), only %d of %d free", count, len(devs), len(m.devices)).
			WithAbortReason(nodeapi.AbortReasonResourceOverdraft)
	}
	for _, dev := range devs {
		m.leased[dev] = jobID
	}
	m.mLeased.Set(float64(len(m.leased)))
	m.logger.WithFields(logrus.Fields{
		"JobID":   jobID,
		"Devices": devs,
	}).Debug("leased GPUs")
	return &Lease{
		Devices: devs,
		release: func() { m.release(jobID, devs) },
	}, nil
}

func (m *Manager) release(jobID string, devs []string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, dev := range devs {
		if m.leased[dev] == jobID {
			delete(m.leased, dev)
		}
	}
	m.mLeased.Set(float64(len(m.leased)))
}

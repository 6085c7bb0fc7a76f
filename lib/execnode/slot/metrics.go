// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	slotsTotal    prometheus.Gauge
	slotsUsed     prometheus.Gauge
	locEnabled    *prometheus.GaugeVec
	locUsage      *prometheus.GaugeVec
	locLimit      *prometheus.GaugeVec
	locAvailable  *prometheus.GaugeVec
	abortsCounter prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		slotsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "slots_total",
			Help:      "Number of slots offered to the scheduler.",
		}),
		slotsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "slots_used",
			Help:      "Number of slots leased to jobs.",
		}),
		locEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "location_enabled",
			Help:      "1 if the slot location is enabled, otherwise 0.",
		}, []string{"location"}),
		locUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "location_disk_usage_bytes",
			Help:      "Disk space used or reserved by jobs in the slot location.",
		}, []string{"location"}),
		locLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "location_disk_limit_bytes",
			Help:      "Disk space advertised for jobs in the slot location.",
		}, []string{"location"}),
		locAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "location_disk_available_bytes",
			Help:      "Disk space available in the slot location.",
		}, []string{"location"}),
		abortsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arvados",
			Subsystem: "execnode",
			Name:      "aborted_jobs_total",
			Help:      "Number of jobs that finished in the Aborted state.",
		}),
	}
	reg.MustRegister(m.slotsTotal, m.slotsUsed, m.locEnabled, m.locUsage, m.locLimit, m.locAvailable, m.abortsCounter)
	return m
}

func (m *metrics) setEnabled(loc string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	m.locEnabled.WithLabelValues(loc).Set(v)
}

func (m *metrics) setDisk(loc string, res nodeapi.DiskLocationResources) {
	m.locUsage.WithLabelValues(loc).Set(float64(res.Usage))
	m.locLimit.WithLabelValues(loc).Set(float64(res.Limit))
	m.locAvailable.WithLabelValues(loc).Set(float64(res.Available))
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package alert keeps the set of node-level alerts reported to the
// scheduler in each heartbeat.
package alert

import (
	"sort"
	"sync"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Registry holds alerts keyed by their source, e.g.,
// "location:/var/lib/execnode/slots" or "environment".
type Registry struct {
	logger logrus.FieldLogger
	mtx    sync.Mutex
	alerts map[string]nodeapi.Alert

	mAlerts *prometheus.GaugeVec
}

// NewRegistry returns an empty Registry. reg may be nil.
func NewRegistry(logger logrus.FieldLogger, reg *prometheus.Registry) *Registry {
	r := &Registry{
		logger: logger,
		alerts: map[string]nodeapi.Alert{},
	}
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mAlerts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "alerts",
		Help:      "Number of active node alerts.",
	}, []string{"fatal"})
	reg.MustRegister(r.mAlerts)
}

// Set adds or replaces the alert for the given source.
func (r *Registry) Set(source string, err *nodeapi.Error, fatal bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"Source": source,
		"Fatal":  fatal,
		"Code":   err.Code,
	}).WithError(err).Warn("node alert raised")
	r.alerts[source] = nodeapi.Alert{Error: err, Fatal: fatal}
	r.updateMetrics()
}

// Clear removes the alert for the given source, if any.
func (r *Registry) Clear(source string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.alerts[source]; !ok {
		return
	}
	r.logger.WithField("Source", source).Info("node alert cleared")
	delete(r.alerts, source)
	r.updateMetrics()
}

// List returns the current alerts, sorted by source.
func (r *Registry) List() []nodeapi.Alert {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var sources []string
	for src := range r.alerts {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	var list []nodeapi.Alert
	for _, src := range sources {
		list = append(list, r.alerts[src])
	}
	return list
}

// Fatal returns true if any fatal alert is active.
func (r *Registry) Fatal() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, a := range r.alerts {
		if a.Fatal {
			return true
		}
	}
	return false
}

func (r *Registry) updateMetrics() {
	var fatal, nonfatal int
	for _, a := range r.alerts {
		if a.Fatal {
			fatal++
		} else {
			nonfatal++
		}
	}
	r.mAlerts.WithLabelValues("true").Set(float64(fatal))
	r.mAlerts.WithLabelValues("false").Set(float64(nonfatal))
}

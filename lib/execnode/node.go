// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package execnode is the exec node service: it runs jobs assigned
// by the scheduler, and serves the control API used by job proxies
// and operators.
package execnode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/cmd"
	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/actor"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/artifact"
	"git.arvados.org/execnode.git/lib/execnode/controller"
	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/gpu"
	"git.arvados.org/execnode.git/lib/execnode/helper"
	"git.arvados.org/execnode.git/lib/execnode/job"
	"git.arvados.org/execnode.git/lib/execnode/slot"
	"git.arvados.org/execnode.git/lib/service"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command cmd.Handler = service.Command("execnode", newHandler)

const shutdownTimeout = time.Minute

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	n := &node{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	go n.Start()
	return n
}

// node is the service.Handler for the exec node.
type node struct {
	Config   *config.Config
	Context  context.Context
	Registry *prometheus.Registry

	// If set, used instead of the configured environment and
	// helper (tests).
	Environment environment.Environment
	Runner      helper.Runner

	logger      logrus.FieldLogger
	invoker     *actor.Invoker
	alerts      *alert.Registry
	env         environment.Environment
	slots       *slot.Manager
	controller  *controller.Controller
	httpHandler http.Handler
	setupErr    error

	setupOnce sync.Once
	stopped   chan struct{}
}

// Start initializes the node and starts the controller. Start can be
// called multiple times with no ill effect.
func (n *node) Start() {
	n.setupOnce.Do(n.setup)
}

// ServeHTTP implements service.Handler.
func (n *node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.Start()
	n.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (n *node) CheckHealth() error {
	n.Start()
	if n.setupErr != nil {
		return n.setupErr
	}
	for _, a := range n.alerts.List() {
		if a.Fatal {
			return fmt.Errorf("fatal alert: %w", a.Error)
		}
	}
	return nil
}

// Done implements service.Handler.
func (n *node) Done() <-chan struct{} {
	n.Start()
	return n.stopped
}

func (n *node) setup() {
	n.stopped = make(chan struct{})
	n.logger = ctxlog.FromContext(n.Context)
	n.setupErr = n.initialize()
	if n.setupErr != nil {
		n.httpHandler = service.ErrorHandler(n.Context, n.setupErr)
		close(n.stopped)
		return
	}
	n.controller.Start()
	go n.run()
}

func (n *node) initialize() error {
	cfg := n.Config
	ctx := n.Context
	n.invoker = actor.New()
	n.alerts = alert.NewRegistry(n.logger, n.Registry)

	runner := n.Runner
	if runner == nil {
		runner = helper.NewRunner(cfg.HelperCommand, n.logger)
	}
	n.env = n.Environment
	if n.env == nil {
		env, err := environment.New(n.logger, n.Registry, n.alerts, cfg.JobEnvironment, runner)
		if err != nil {
			return err
		}
		n.env = env
	}
	if err := n.env.Init(ctx, cfg.SlotManager.SlotCount); err != nil {
		// The node keeps running so the scheduler hears about
		// the problem; it just offers no slots.
		n.env.Disable(fmt.Errorf("initialize job environment: %w", err))
	}

	n.slots = slot.NewManager(n.logger, n.Registry, n.alerts, cfg.SlotManager, n.env, runner)
	if err := n.slots.Initialize(ctx); err != nil {
		return err
	}

	backend, err := artifact.NewBackend(n.logger, cfg.ArtifactCache)
	if err != nil {
		return err
	}
	cache, err := artifact.NewCache(n.logger, n.Registry, cfg.ArtifactCache, backend)
	if err != nil {
		return err
	}

	var gpus *gpu.Manager
	if len(cfg.JobController.GPUDevices) > 0 {
		gpus = gpu.NewManager(n.logger, n.Registry, cfg.JobController.GPUDevices)
	}

	n.controller, err = controller.New(n.logger, n.Registry, cfg.NodeID, cfg.ResourceLimits, cfg.JobController, job.Node{
		Invoker:     n.invoker,
		Environment: n.env,
		Artifacts:   cache,
		GPUs:        gpus,
		Alerts:      n.alerts,
		NodeURL:     cfg.InternalURL,
		AuthToken:   cfg.ManagementToken,
	}, n.slots)
	if err != nil {
		return err
	}
	n.httpHandler = n.newRouter()
	return nil
}

func (n *node) run() {
	defer close(n.stopped)
	<-n.Context.Done()
	n.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := n.controller.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		n.logger.Warn("gave up waiting for jobs to finish")
	} else if err != nil {
		n.logger.WithError(err).Error("shutdown failed")
	}
	n.invoker.Stop()
}

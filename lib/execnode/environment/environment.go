// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package environment starts, signals, and kills job proxy processes
// in the node's slots.
package environment

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/helper"
	"git.arvados.org/execnode.git/lib/execnode/jobdir"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/docker/docker/client"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const alertSource = "environment"

// ProxySpec describes a job proxy to start.
type ProxySpec struct {
	SlotIndex   int
	SlotPath    string
	ConfigPath  string
	LogPath     string
	JobID       string
	OperationID string
	UserID      int
	Limits      nodeapi.ResourceVector
}

// Environment runs job proxies. Implementations are safe to call
// from multiple goroutines.
type Environment interface {
	// Init kills anything left running in slots 0..slotCount-1
	// by a previous run of the node.
	Init(ctx context.Context, slotCount int) error
	// RunJobProxy starts the job proxy. The returned channel
	// receives the proxy's exit error (nil if it exited 0) and is
	// then closed.
	RunJobProxy(ctx context.Context, spec ProxySpec) (<-chan error, error)
	// CleanProcesses kills every process started in the slot and
	// waits for them to exit.
	CleanProcesses(ctx context.Context, index int) error
	SignalJobProxy(index int, sig syscall.Signal) error
	RunSetupCommands(ctx context.Context, index int, cmds []string, rootPath string, uid int) error
	UserID(index int) int
	IsEnabled() bool
	Disable(err error)
	NewDirectoryManager(path string) jobdir.Manager
	Statistics(index int) map[string]interface{}
}

// New returns the Environment selected by cfg.Type.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, alerts *alert.Registry, cfg config.JobEnvironmentConfig, runner helper.Runner) (Environment, error) {
	b := newBase(logger, reg, alerts, cfg, runner)
	switch cfg.Type {
	case "", "simple", "process":
		return newProcess(b), nil
	case "cgroup":
		return newCgroup(b), nil
	case "docker":
		cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return newDocker(b, cl), nil
	default:
		return nil, fmt.Errorf("unknown JobEnvironment.Type %q", cfg.Type)
	}
}

// base holds the state and behavior common to all environments.
type base struct {
	logger logrus.FieldLogger
	cfg    config.JobEnvironmentConfig
	runner helper.Runner
	alerts *alert.Registry

	mtx         sync.Mutex
	enabled     bool
	disabledErr error

	mEnabled      prometheus.Gauge
	mProxiesTotal prometheus.Counter
	mKillFailures prometheus.Counter
}

func newBase(logger logrus.FieldLogger, reg *prometheus.Registry, alerts *alert.Registry, cfg config.JobEnvironmentConfig, runner helper.Runner) *base {
	b := &base{
		logger:  logger.WithField("EnvironmentType", cfg.Type),
		cfg:     cfg,
		runner:  runner,
		alerts:  alerts,
		enabled: true,
	}
	b.registerMetrics(reg)
	b.mEnabled.Set(1)
	return b
}

func (b *base) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	b.mEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "environment_enabled",
		Help:      "1 if the job environment is enabled, otherwise 0.",
	})
	b.mProxiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "job_proxies_started_total",
		Help:      "Number of job proxy processes started.",
	})
	b.mKillFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "process_kill_failures_total",
		Help:      "Number of times slot processes could not be killed.",
	})
	reg.MustRegister(b.mEnabled, b.mProxiesTotal, b.mKillFailures)
}

func (b *base) IsEnabled() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.enabled
}

// Disable permanently disables the environment and raises a node
// alert.
func (b *base) Disable(err error) {
	b.mtx.Lock()
	if !b.enabled {
		b.mtx.Unlock()
		return
	}
	b.enabled = false
	b.disabledErr = err
	b.mtx.Unlock()
	b.logger.WithError(err).Error("job environment disabled")
	b.alerts.Set(alertSource, nodeapi.NewError(nodeapi.ErrorJobEnvironmentDisabled, "job environment is disabled").Wrap(err), false)
	b.mEnabled.Set(0)
}

func (b *base) disabledError() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return nodeapi.NewError(nodeapi.ErrorJobEnvironmentDisabled, "job environment is disabled").Wrap(b.disabledErr)
}

// failed disables the environment after an unexpected spawn or kill
// failure and returns the error to report to the job.
func (b *base) failed(err error) error {
	b.Disable(err)
	return nodeapi.NewError(nodeapi.ErrorJobEnvironmentDisabled, "job environment failure").Wrap(err)
}

// UserID returns the uid that processes in the given slot run as.
func (b *base) UserID(index int) int {
	if b.cfg.UseSlotUsers {
		return b.cfg.StartUID + index
	}
	return os.Getuid()
}

func (b *base) NewDirectoryManager(path string) jobdir.Manager {
	return jobdir.NewSimple(b.logger, b.runner, path)
}

// proxyCommand returns the job proxy command line.
func (b *base) proxyCommand(spec ProxySpec) ([]string, error) {
	args := append([]string(nil), b.cfg.JobProxyCommand...)
	if len(args) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		args = []string{exe, "job-proxy"}
	}
	return append(args,
		"--config", spec.ConfigPath,
		"--operation-id", spec.OperationID,
		"--job-id", spec.JobID), nil
}

// runSetupCommands runs each command directly, as uid, chrooted into
// rootPath if not empty.
func (b *base) runSetupCommands(ctx context.Context, index int, cmds []string, rootPath string, uid int) error {
	for _, line := range cmds {
		args, err := shlex.Split(line)
		if err != nil || len(args) == 0 {
			return nodeapi.NewError(nodeapi.ErrorSetupCommandFailed, "cannot parse setup command %q", line).Wrap(err)
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = "/"
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if rootPath != "" {
			cmd.SysProcAttr.Chroot = rootPath
		}
		if uid >= 0 && uid != os.Getuid() {
			cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)}
		}
		logger := b.logger.WithFields(logrus.Fields{"SlotIndex": index, "Command": line})
		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.WithError(err).WithField("Output", tail(out, 1024)).Warn("setup command failed")
			return nodeapi.NewError(nodeapi.ErrorSetupCommandFailed, "setup command %q failed", line).Wrap(fmt.Errorf("%w: %s", err, tail(out, 1024)))
		}
		logger.Debug("setup command succeeded")
	}
	return nil
}

func tail(buf []byte, max int) string {
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return strings.TrimSpace(string(buf))
}

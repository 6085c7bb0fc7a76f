// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package envtest provides an in-memory environment.Environment for
// testing jobs and the job controller.
package envtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/jobdir"
	"git.arvados.org/execnode.git/lib/execnode/test"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
)

// Environment runs fake job proxies in goroutines.
type Environment struct {
	// Proxy is called in a new goroutine for each started job
	// proxy. Its ctx is cancelled when the slot's processes are
	// cleaned; its return value is reported as the proxy's exit
	// error. If nil, the proxy runs until cleaned.
	Proxy func(ctx context.Context, spec environment.ProxySpec) error

	// Errors to return from the corresponding methods.
	SpawnErr error
	SetupErr error
	CleanErr error

	mtx      sync.Mutex
	disabled error
	running  map[int]*proxy
	started  []environment.ProxySpec
	setup    []string
	signals  []string
	cleaned  []int
	dirs     map[string]*test.DirectoryManager
}

type proxy struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var errKilled = errors.New("signal: killed")

func (env *Environment) Init(ctx context.Context, slotCount int) error {
	return nil
}

func (env *Environment) RunJobProxy(ctx context.Context, spec environment.ProxySpec) (<-chan error, error) {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.disabled != nil {
		return nil, nodeapi.NewError(nodeapi.ErrorJobEnvironmentDisabled, "job environment is disabled").Wrap(env.disabled)
	}
	if env.SpawnErr != nil {
		return nil, env.SpawnErr
	}
	if env.running == nil {
		env.running = map[int]*proxy{}
	}
	if _, busy := env.running[spec.SlotIndex]; busy {
		return nil, fmt.Errorf("slot %d already has a running job proxy", spec.SlotIndex)
	}
	env.started = append(env.started, spec)
	pctx, cancel := context.WithCancel(context.Background())
	p := &proxy{cancel: cancel, done: make(chan struct{})}
	env.running[spec.SlotIndex] = p
	exited := make(chan error, 1)
	go func() {
		defer close(p.done)
		defer close(exited)
		var err error
		if env.Proxy != nil {
			err = env.Proxy(pctx, spec)
		} else {
			<-pctx.Done()
		}
		if err == nil && pctx.Err() != nil {
			err = errKilled
		}
		exited <- err
	}()
	return exited, nil
}

func (env *Environment) CleanProcesses(ctx context.Context, index int) error {
	env.mtx.Lock()
	p := env.running[index]
	delete(env.running, index)
	env.cleaned = append(env.cleaned, index)
	err := env.CleanErr
	env.mtx.Unlock()
	if p != nil {
		p.cancel()
		<-p.done
	}
	return err
}

func (env *Environment) SignalJobProxy(index int, sig syscall.Signal) error {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.running[index] == nil {
		return fmt.Errorf("no job proxy running in slot %d", index)
	}
	env.signals = append(env.signals, fmt.Sprintf("%d %s", index, sig))
	return nil
}

func (env *Environment) RunSetupCommands(ctx context.Context, index int, cmds []string, rootPath string, uid int) error {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	env.setup = append(env.setup, cmds...)
	return env.SetupErr
}

func (env *Environment) UserID(index int) int {
	return os.Getuid()
}

func (env *Environment) IsEnabled() bool {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return env.disabled == nil
}

func (env *Environment) Disable(err error) {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.disabled == nil {
		env.disabled = err
	}
}

// NewDirectoryManager returns a test.DirectoryManager, so tmpfs and
// quota requests are recorded but have no effect.
func (env *Environment) NewDirectoryManager(path string) jobdir.Manager {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.dirs == nil {
		env.dirs = map[string]*test.DirectoryManager{}
	}
	dm := &test.DirectoryManager{}
	env.dirs[path] = dm
	return dm
}

func (env *Environment) Statistics(index int) map[string]interface{} {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	if env.running[index] == nil {
		return nil
	}
	return map[string]interface{}{"fake": true}
}

// DirectoryManager returns the manager handed out for path.
func (env *Environment) DirectoryManager(path string) *test.DirectoryManager {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return env.dirs[path]
}

// Started returns the specs of every job proxy started so far.
func (env *Environment) Started() []environment.ProxySpec {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return append([]environment.ProxySpec(nil), env.started...)
}

// Running returns true if a job proxy is running in the slot.
func (env *Environment) Running(index int) bool {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return env.running[index] != nil
}

// Signals returns the delivered signals as "index signame".
func (env *Environment) Signals() []string {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return append([]string(nil), env.signals...)
}

// SetupCommands returns the setup commands run so far.
func (env *Environment) SetupCommands() []string {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return append([]string(nil), env.setup...)
}

// Cleaned returns the slot indexes passed to CleanProcesses.
func (env *Environment) Cleaned() []int {
	env.mtx.Lock()
	defer env.mtx.Unlock()
	return append([]int(nil), env.cleaned...)
}

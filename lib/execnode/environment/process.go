// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/execnode/helper"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

const defaultKillTimeout = 10 * time.Second

// Process runs job proxies as plain processes, each in its own
// process group.
type Process struct {
	*base
	lockDir     string
	killTimeout time.Duration

	// Called before starting the proxy. The returned func is
	// called after the proxy has started (or failed to start).
	prepareCmd func(cmd *exec.Cmd, spec ProxySpec) (func(), error)

	procMtx sync.Mutex
	procs   map[int]*proxyProcess
}

type proxyProcess struct {
	cmd      *exec.Cmd
	lockfile *os.File
	exited   chan struct{}
}

func newProcess(b *base) *Process {
	p := &Process{
		base:        b,
		lockDir:     b.cfg.LockDir,
		killTimeout: b.cfg.ProcessKillTimeout.Duration(),
		procs:       map[int]*proxyProcess{},
	}
	if p.lockDir == "" {
		p.lockDir = "/var/lock"
	}
	if p.killTimeout <= 0 {
		p.killTimeout = defaultKillTimeout
	}
	return p
}

// Init kills job proxies (and their process groups) left over from
// a previous run, found through the slot lockfiles.
func (p *Process) Init(ctx context.Context, slotCount int) error {
	if err := os.MkdirAll(p.lockDir, 0755); err != nil {
		return err
	}
	for index := 0; index < slotCount; index++ {
		if err := p.CleanProcesses(ctx, index); err != nil {
			return fmt.Errorf("slot %d: %w", index, err)
		}
	}
	return nil
}

func (p *Process) RunJobProxy(ctx context.Context, spec ProxySpec) (<-chan error, error) {
	if !p.IsEnabled() {
		return nil, p.disabledError()
	}
	args, err := p.proxyCommand(spec)
	if err != nil {
		return nil, p.failed(err)
	}
	p.procMtx.Lock()
	defer p.procMtx.Unlock()
	if _, running := p.procs[spec.SlotIndex]; running {
		return nil, fmt.Errorf("slot %d already has a running job proxy", spec.SlotIndex)
	}

	logfile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "cannot open job proxy log").Wrap(err)
	}
	defer logfile.Close()
	lockfile, err := p.createLockfile(spec.SlotIndex)
	if err != nil {
		return nil, p.failed(err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.SlotPath
	cmd.Stdout = logfile
	cmd.Stderr = logfile
	// Child inherits lockfile.
	cmd.ExtraFiles = []*os.File{lockfile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.UserID >= 0 && spec.UserID != os.Getuid() {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(spec.UserID), Gid: uint32(spec.UserID)}
	}
	if p.prepareCmd != nil {
		done, err := p.prepareCmd(cmd, spec)
		if err != nil {
			lockfile.Close()
			p.removeLockfile(spec.SlotIndex)
			return nil, p.failed(err)
		}
		defer done()
	}
	if err := cmd.Start(); err != nil {
		lockfile.Close()
		p.removeLockfile(spec.SlotIndex)
		return nil, p.failed(fmt.Errorf("exec %s: %w", cmd.Path, err))
	}
	p.mProxiesTotal.Inc()
	err = json.NewEncoder(lockfile).Encode(procinfo{
		SlotIndex: spec.SlotIndex,
		JobID:     spec.JobID,
		PID:       cmd.Process.Pid,
		PGID:      cmd.Process.Pid,
	})
	if err != nil {
		p.logger.WithError(err).Warn("error writing procinfo to lockfile")
	}
	proc := &proxyProcess{cmd: cmd, lockfile: lockfile, exited: make(chan struct{})}
	p.procs[spec.SlotIndex] = proc
	p.logger.WithFields(logrus.Fields{
		"SlotIndex": spec.SlotIndex,
		"JobID":     spec.JobID,
		"PID":       cmd.Process.Pid,
	}).Info("job proxy started")

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(proc.exited)
		if err != nil {
			err = fmt.Errorf("job proxy exited: %w", err)
		}
		done <- err
		close(done)
	}()
	return done, nil
}

// CleanProcesses kills the slot's job proxy process group (either
// the one started by this process, or one left over from a previous
// run), then every process of the slot user if slots have their own
// users.
func (p *Process) CleanProcesses(ctx context.Context, index int) error {
	p.procMtx.Lock()
	proc := p.procs[index]
	delete(p.procs, index)
	p.procMtx.Unlock()

	logger := p.logger.WithField("SlotIndex", index)
	if proc != nil {
		pgid := proc.cmd.Process.Pid
		err := p.killGroup(pgid)
		if err == nil {
			select {
			case <-proc.exited:
			case <-time.After(p.killTimeout):
				err = fmt.Errorf("pid %d did not exit after SIGKILL", pgid)
			}
		}
		proc.lockfile.Close()
		if err != nil {
			p.mKillFailures.Inc()
			return p.failed(err)
		}
	} else if pi, ok, err := p.readLockfile(index); err != nil {
		logger.WithError(err).Warn("cannot read slot lockfile")
	} else if ok {
		logger.WithField("PGID", pi.PGID).WithField("JobID", pi.JobID).Info("killing leftover job proxy")
		if err := p.killGroup(pi.PGID); err != nil {
			p.mKillFailures.Inc()
			return p.failed(err)
		}
	}
	if err := p.removeLockfile(index); err != nil {
		logger.WithError(err).Warn("cannot remove slot lockfile")
	}
	if p.cfg.UseSlotUsers {
		if err := helper.KillUID(ctx, p.runner, p.UserID(index)); err != nil {
			p.mKillFailures.Inc()
			return p.failed(err)
		}
	}
	return nil
}

// killGroup sends SIGKILL to the process group, then sends signal 0
// until that fails (meaning the group is gone) or the kill timeout
// is reached.
func (p *Process) killGroup(pgid int) error {
	if pgid <= 1 {
		return fmt.Errorf("refusing to kill process group %d", pgid)
	}
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	for deadline := time.Now().Add(p.killTimeout); err == nil && time.Now().Before(deadline); time.Sleep(time.Second / 100) {
		err = syscall.Kill(-pgid, syscall.Signal(0))
	}
	if err == nil {
		return fmt.Errorf("process group %d: sent SIGKILL but processes are still alive", pgid)
	} else if !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("process group %d: %w", pgid, err)
	}
	return nil
}

// SignalJobProxy sends sig to the slot's job proxy.
func (p *Process) SignalJobProxy(index int, sig syscall.Signal) error {
	p.procMtx.Lock()
	proc := p.procs[index]
	p.procMtx.Unlock()
	if proc == nil {
		return fmt.Errorf("no job proxy running in slot %d", index)
	}
	return proc.cmd.Process.Signal(sig)
}

func (p *Process) RunSetupCommands(ctx context.Context, index int, cmds []string, rootPath string, uid int) error {
	return p.runSetupCommands(ctx, index, cmds, rootPath, uid)
}

// Statistics returns the job proxy's own memory and CPU usage.
func (p *Process) Statistics(index int) map[string]interface{} {
	p.procMtx.Lock()
	proc := p.procs[index]
	p.procMtx.Unlock()
	if proc == nil {
		return nil
	}
	pp, err := procfs.NewProc(proc.cmd.Process.Pid)
	if err != nil {
		return nil
	}
	stat, err := pp.Stat()
	if err != nil {
		return nil
	}
	return map[string]interface{}{
		"job_proxy": map[string]interface{}{
			"pid":         stat.PID,
			"rss":         stat.ResidentMemory(),
			"cpu_seconds": stat.CPUTime(),
		},
	}
}

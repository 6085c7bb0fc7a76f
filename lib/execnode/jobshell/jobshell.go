// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobshell runs interactive shells in job sandboxes, driven
// by a sequence of poll requests rather than a long-lived
// connection.
package jobshell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	maxBuffered        = 1 << 20
	defaultPollTimeout = time.Second
	defaultHeight      = 24
	defaultWidth       = 80
)

// Options describe where and as whom a shell runs.
type Options struct {
	Dir string
	UID int
	Env []string
}

// Manager keeps track of the shells of one job.
type Manager struct {
	// Program and arguments. Default /bin/sh.
	Command     []string
	PollTimeout time.Duration
	Logger      logrus.FieldLogger

	mtx    sync.Mutex
	shells map[string]*shell
}

type shell struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	mtx    sync.Mutex
	output []byte
	exited bool
	notify chan struct{}
}

// Poll performs the requested shell operation and returns the output
// produced since the previous call.
func (m *Manager) Poll(ctx context.Context, params nodeapi.ShellParameters, opts Options) (nodeapi.ShellResult, error) {
	switch params.Operation {
	case nodeapi.ShellSpawn:
		sh, err := m.spawn(params, opts)
		if err != nil {
			return nodeapi.ShellResult{}, err
		}
		return m.poll(ctx, sh), nil
	case nodeapi.ShellUpdate:
		sh, err := m.get(params.ShellID)
		if err != nil {
			return nodeapi.ShellResult{}, err
		}
		if params.Height > 0 && params.Width > 0 {
			if err := pty.Setsize(sh.ptmx, &pty.Winsize{Rows: uint16(params.Height), Cols: uint16(params.Width)}); err != nil {
				return nodeapi.ShellResult{}, fmt.Errorf("setsize: %w", err)
			}
		}
		if params.Keys != "" {
			if _, err := sh.ptmx.Write([]byte(params.Keys)); err != nil {
				return nodeapi.ShellResult{}, fmt.Errorf("write to shell: %w", err)
			}
		}
		return m.poll(ctx, sh), nil
	case nodeapi.ShellPoll:
		sh, err := m.get(params.ShellID)
		if err != nil {
			return nodeapi.ShellResult{}, err
		}
		return m.poll(ctx, sh), nil
	case nodeapi.ShellTerminate:
		sh, err := m.get(params.ShellID)
		if err != nil {
			return nodeapi.ShellResult{}, err
		}
		m.terminate(sh)
		return nodeapi.ShellResult{ShellID: sh.id, Exited: true}, nil
	default:
		return nodeapi.ShellResult{}, fmt.Errorf("unknown shell operation %q", params.Operation)
	}
}

func (m *Manager) get(id string) (*shell, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	sh, ok := m.shells[id]
	if !ok {
		return nil, fmt.Errorf("no such shell %q", id)
	}
	return sh, nil
}

func (m *Manager) spawn(params nodeapi.ShellParameters, opts Options) (*shell, error) {
	args := m.Command
	if len(args) == 0 {
		args = []string{"/bin/sh"}
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append([]string{"TERM=xterm", "HOME=" + opts.Dir}, opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	if opts.UID >= 0 && opts.UID != os.Getuid() {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(opts.UID), Gid: uint32(opts.UID)}
	}
	height, width := params.Height, params.Width
	if height <= 0 || width <= 0 {
		height, width = defaultHeight, defaultWidth
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(height), Cols: uint16(width)})
	if err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	sh := &shell{
		id:     uuid.NewString(),
		cmd:    cmd,
		ptmx:   ptmx,
		notify: make(chan struct{}, 1),
	}
	go sh.copyOutput()
	m.mtx.Lock()
	if m.shells == nil {
		m.shells = map[string]*shell{}
	}
	m.shells[sh.id] = sh
	m.mtx.Unlock()
	m.logger().WithFields(logrus.Fields{
		"ShellID": sh.id,
		"PID":     cmd.Process.Pid,
	}).Info("spawned job shell")
	if params.Keys != "" {
		ptmx.Write([]byte(params.Keys))
	}
	return sh, nil
}

func (m *Manager) logger() logrus.FieldLogger {
	if m.Logger == nil {
		return logrus.StandardLogger()
	}
	return m.Logger
}

func (sh *shell) copyOutput() {
	buf := make([]byte, 8192)
	for {
		n, err := sh.ptmx.Read(buf)
		sh.mtx.Lock()
		sh.output = append(sh.output, buf[:n]...)
		if over := len(sh.output) - maxBuffered; over > 0 {
			sh.output = sh.output[over:]
		}
		if err != nil {
			sh.exited = true
		}
		sh.mtx.Unlock()
		select {
		case sh.notify <- struct{}{}:
		default:
		}
		if err != nil {
			// EIO means the shell (and everything else
			// using the terminal) has exited.
			if !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				logrus.WithError(err).Debug("error reading from job shell")
			}
			sh.cmd.Wait()
			return
		}
	}
}

// poll waits for output (or exit) and returns whatever has
// accumulated.
func (m *Manager) poll(ctx context.Context, sh *shell) nodeapi.ShellResult {
	timeout := m.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	sh.mtx.Lock()
	ready := len(sh.output) > 0 || sh.exited
	sh.mtx.Unlock()
	if !ready {
		select {
		case <-sh.notify:
		case <-time.After(timeout):
		case <-ctx.Done():
		}
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	res := nodeapi.ShellResult{
		ShellID: sh.id,
		Output:  string(sh.output),
		Exited:  sh.exited,
	}
	sh.output = nil
	if sh.exited {
		m.mtx.Lock()
		delete(m.shells, sh.id)
		m.mtx.Unlock()
	}
	return res
}

func (m *Manager) terminate(sh *shell) {
	m.mtx.Lock()
	delete(m.shells, sh.id)
	m.mtx.Unlock()
	if sh.cmd.Process != nil {
		syscall.Kill(-sh.cmd.Process.Pid, syscall.SIGKILL)
	}
	sh.ptmx.Close()
}

// TerminateAll kills every shell. It is called when the job is
// cleaned up.
func (m *Manager) TerminateAll() {
	m.mtx.Lock()
	var shells []*shell
	for _, sh := range m.shells {
		shells = append(shells, sh)
	}
	m.mtx.Unlock()
	for _, sh := range shells {
		m.terminate(sh)
	}
}

// Len returns the number of running shells.
func (m *Manager) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.shells)
}

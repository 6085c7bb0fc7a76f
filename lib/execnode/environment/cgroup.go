// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/crunchstat"
	"golang.org/x/sys/unix"
)

// cpuPeriod is the cpu.max period, in microseconds.
const cpuPeriod = 100000

// Cgroup runs each job proxy in a per-slot cgroup v2 control group,
// <CgroupRoot>/slots/<index>, so every process it starts can be
// accounted for and killed.
type Cgroup struct {
	*Process
	root string
	fsys fs.FS
}

func newCgroup(b *base) *Cgroup {
	cg := &Cgroup{
		Process: newProcess(b),
		root:    b.cfg.CgroupRoot,
		fsys:    os.DirFS("/"),
	}
	if cg.root == "" {
		cg.root = "/" + crunchstat.DefaultCgroupRoot + "/execnode"
	}
	cg.prepareCmd = cg.prepareSlotCgroup
	return cg
}

func (cg *Cgroup) slotCgroup(index int) string {
	return filepath.Join(cg.root, "slots", strconv.Itoa(index))
}

// Init creates the cgroup tree and kills anything left in it.
// Without root privileges the environment disables itself.
func (cg *Cgroup) Init(ctx context.Context, slotCount int) error {
	if os.Getuid() != 0 {
		cg.Disable(errors.New("cgroup job environment requires root privileges"))
		return nil
	}
	if err := os.MkdirAll(filepath.Join(cg.root, "slots"), 0755); err != nil {
		cg.Disable(err)
		return nil
	}
	for _, dir := range []string{cg.root, filepath.Join(cg.root, "slots")} {
		err := os.WriteFile(filepath.Join(dir, "cgroup.subtree_control"), []byte("+cpu +memory +pids"), 0644)
		if err != nil {
			cg.logger.WithError(err).WithField("Cgroup", dir).Warn("cannot enable cgroup controllers")
		}
	}
	for index := 0; index < slotCount; index++ {
		if err := cg.killCgroup(index); err != nil {
			return fmt.Errorf("slot %d: %w", index, err)
		}
	}
	return cg.Process.Init(ctx, slotCount)
}

// prepareSlotCgroup creates the slot's cgroup, applies the job's
// limits, and arranges for the proxy to start inside it.
func (cg *Cgroup) prepareSlotCgroup(cmd *exec.Cmd, spec ProxySpec) (func(), error) {
	dir := cg.slotCgroup(spec.SlotIndex)
	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return nil, err
	}
	if err := writeLimits(dir, spec); err != nil {
		return nil, err
	}
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = fd
	return func() { unix.Close(fd) }, nil
}

func writeLimits(dir string, spec ProxySpec) error {
	if mem := int64(spec.Limits.Memory); mem > 0 {
		if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(strconv.FormatInt(mem, 10)), 0644); err != nil {
			return err
		}
	}
	if cpu := spec.Limits.CPU; cpu > 0 {
		quota := int64(cpu * cpuPeriod)
		if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(fmt.Sprintf("%d %d", quota, cpuPeriod)), 0644); err != nil {
			return err
		}
	}
	return nil
}

// CleanProcesses kills everything in the slot's cgroup and removes
// it, then does the plain process cleanup.
func (cg *Cgroup) CleanProcesses(ctx context.Context, index int) error {
	if err := cg.killCgroup(index); err != nil {
		cg.mKillFailures.Inc()
		return cg.failed(err)
	}
	return cg.Process.CleanProcesses(ctx, index)
}

func (cg *Cgroup) killCgroup(index int) error {
	dir := cg.slotCgroup(index)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.kill"), []byte("1"), 0644); err != nil {
		// cgroup.kill needs Linux 5.14.
		cg.logger.WithError(err).Debug("cgroup.kill failed, using freezer")
		if err := cg.freezeAndKill(dir); err != nil {
			return err
		}
	}
	deadline := time.Now().Add(cg.killTimeout)
	for {
		pids, err := cgroupProcs(dir)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %d processes still alive after kill", dir, len(pids))
		}
		time.Sleep(time.Second / 100)
	}
	for {
		err := unix.Rmdir(dir)
		if err == nil || errors.Is(err, unix.ENOENT) {
			return nil
		} else if !errors.Is(err, unix.EBUSY) || time.Now().After(deadline) {
			return fmt.Errorf("rmdir %s: %w", dir, err)
		}
		time.Sleep(time.Second / 100)
	}
}

// freezeAndKill freezes the cgroup so nothing can fork, sends
// SIGKILL to every member, and thaws it so the signals are
// delivered.
func (cg *Cgroup) freezeAndKill(dir string) error {
	freeze := filepath.Join(dir, "cgroup.freeze")
	if err := os.WriteFile(freeze, []byte("1"), 0644); err != nil {
		return err
	}
	defer os.WriteFile(freeze, []byte("0"), 0644)
	pids, err := cgroupProcs(dir)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	}
	return nil
}

func cgroupProcs(dir string) ([]int, error) {
	buf, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(line))); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Statistics returns the resource usage of the slot's cgroup.
func (cg *Cgroup) Statistics(index int) map[string]interface{} {
	sample, err := crunchstat.ReadCgroup(cg.fsys, strings.TrimPrefix(cg.root, "/"), filepath.Join("slots", strconv.Itoa(index)))
	if err != nil {
		return cg.Process.Statistics(index)
	}
	stats := sample.Map()
	for k, v := range cg.Process.Statistics(index) {
		stats[k] = v
	}
	return stats
}

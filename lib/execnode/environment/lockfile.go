// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

const (
	lockprefix = "execnode-slot-"
	locksuffix = ".lock"
)

// procinfo is saved in each slot's lockfile.
type procinfo struct {
	SlotIndex int
	JobID     string
	PID       int
	PGID      int
}

func (p *Process) lockfilePath(index int) string {
	return filepath.Join(p.lockDir, lockprefix+strconv.Itoa(index)+locksuffix)
}

// Acquire a dir-level lock. Must be held while creating or deleting
// slot lockfiles, to avoid races during the intervals when those
// lockfiles are open but not locked.
//
// Caller releases the lock by closing the returned file.
func (p *Process) lockall() (*os.File, error) {
	lockfile := filepath.Join(p.lockDir, lockprefix+"all"+locksuffix)
	f, err := os.OpenFile(lockfile, os.O_CREATE|os.O_RDWR, 0700)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", lockfile, err)
	}
	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %s", lockfile, err)
	}
	return f, nil
}

// createLockfile creates and locks the lockfile for the given slot.
// The returned file is passed to the job proxy, so the lock is held
// as long as the proxy is alive.
func (p *Process) createLockfile(index int) (*os.File, error) {
	dirlock, err := p.lockall()
	if err != nil {
		return nil, err
	}
	defer dirlock.Close()
	fnm := p.lockfilePath(index)
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_RDWR, 0700)
	if err != nil {
		return nil, fmt.Errorf("open %s: %s", fnm, err)
	}
	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %s", fnm, err)
	}
	f.Truncate(0)
	return f, nil
}

// readLockfile returns the procinfo saved in the given slot's
// lockfile. If the lockfile does not exist, or nothing holds its
// lock, ok is false.
func (p *Process) readLockfile(index int) (pi procinfo, ok bool, err error) {
	fnm := p.lockfilePath(index)
	f, err := os.Open(fnm)
	if os.IsNotExist(err) {
		return pi, false, nil
	} else if err != nil {
		return pi, false, fmt.Errorf("open %s: %s", fnm, err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		// lockfile is stale
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return pi, false, nil
	}
	if err := json.NewDecoder(f).Decode(&pi); err != nil {
		// race: process has opened/locked but hasn't yet
		// written procinfo
		return pi, false, nil
	}
	if pi.PID == 0 {
		return pi, false, fmt.Errorf("%s: bogus procinfo: %+v", fnm, pi)
	}
	return pi, true, nil
}

func (p *Process) removeLockfile(index int) error {
	dirlock, err := p.lockall()
	if err != nil {
		return err
	}
	defer dirlock.Close()
	err = os.Remove(p.lockfilePath(index))
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package crunchstat reads resource usage statistics of cgroup v2
// control groups.
package crunchstat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCgroupRoot is where the unified cgroup hierarchy is
// mounted, relative to the root of the filesystem.
const DefaultCgroupRoot = "sys/fs/cgroup"

// Sample is one reading of a cgroup's statistics.
type Sample struct {
	Time          time.Time
	MemoryCurrent int64
	MemoryPeak    int64
	MemorySwap    int64
	CPUUsage      time.Duration
	CPUUser       time.Duration
	CPUSystem     time.Duration
	IORead        int64
	IOWrite       int64
	PIDs          int64
	OOMKills      int64
}

// Map returns the sample in the form reported as job statistics.
func (s Sample) Map() map[string]interface{} {
	return map[string]interface{}{
		"memory": map[string]interface{}{
			"current": s.MemoryCurrent,
			"peak":    s.MemoryPeak,
			"swap":    s.MemorySwap,
		},
		"cpu": map[string]interface{}{
			"usage_ms":  s.CPUUsage.Milliseconds(),
			"user_ms":   s.CPUUser.Milliseconds(),
			"system_ms": s.CPUSystem.Milliseconds(),
		},
		"io": map[string]interface{}{
			"read_bytes":  s.IORead,
			"write_bytes": s.IOWrite,
		},
		"pids":      s.PIDs,
		"oom_kills": s.OOMKills,
	}
}

// FindCgroup returns the cgroup of the given process, e.g.,
// "/user.slice/session-4.scope". fsys is the root filesystem.
//
// On a host with cgroups v1 (or "hybrid" mode) the v2 entry ("0::")
// is used if present.
func FindCgroup(fsys fs.FS, pid int) (string, error) {
	fnm := fmt.Sprintf("proc/%d/cgroup", pid)
	if pid == 0 {
		fnm = "proc/self/cgroup"
	}
	cgroups, err := fs.ReadFile(fsys, fnm)
	if err != nil {
		return "", err
	}
	for _, line := range bytes.Split(cgroups, []byte("\n")) {
		toks := bytes.SplitN(line, []byte(":"), 3)
		if len(toks) < 3 {
			continue
		}
		if len(toks[1]) == 0 && string(toks[0]) == "0" {
			return string(toks[2]), nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry in %s", fnm)
}

// ReadCgroup reads the current statistics of the given cgroup. root
// is the cgroup2 mount point relative to fsys (normally
// DefaultCgroupRoot). Statistics files that don't exist (e.g.,
// because a controller is not enabled) are skipped; if none exist at
// all, an error is returned.
func ReadCgroup(fsys fs.FS, root, cgroup string) (Sample, error) {
	dir := path.Join(root, strings.TrimPrefix(cgroup, "/"))
	s := Sample{Time: time.Now()}
	found := false
	readInt := func(name string, dst *int64) {
		buf, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return
		}
		if v, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64); err == nil {
			*dst = v
			found = true
		}
	}
	readKV := func(name string, fn func(key string, val int64)) {
		buf, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return
		}
		found = true
		scanner := bufio.NewScanner(bytes.NewReader(buf))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) != 2 {
				continue
			}
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				fn(fields[0], v)
			}
		}
	}

	readInt("memory.current", &s.MemoryCurrent)
	readInt("memory.peak", &s.MemoryPeak)
	readInt("memory.swap.current", &s.MemorySwap)
	readInt("pids.current", &s.PIDs)
	readKV("cpu.stat", func(key string, val int64) {
		switch key {
		case "usage_usec":
			s.CPUUsage = time.Duration(val) * time.Microsecond
		case "user_usec":
			s.CPUUser = time.Duration(val) * time.Microsecond
		case "system_usec":
			s.CPUSystem = time.Duration(val) * time.Microsecond
		}
	})
	readKV("memory.events", func(key string, val int64) {
		if key == "oom_kill" {
			s.OOMKills = val
		}
	})
	if buf, err := fs.ReadFile(fsys, path.Join(dir, "io.stat")); err == nil {
		found = true
		// "8:0 rbytes=1459200 wbytes=314773504 rios=192 wios=353 ..."
		for _, line := range strings.Split(string(buf), "\n") {
			for _, field := range strings.Fields(line) {
				k, v, ok := strings.Cut(field, "=")
				if !ok {
					continue
				}
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					continue
				}
				switch k {
				case "rbytes":
					s.IORead += n
				case "wbytes":
					s.IOWrite += n
				}
			}
		}
	}
	if !found {
		return s, fmt.Errorf("no statistics available in %s", dir)
	}
	if s.MemoryPeak < s.MemoryCurrent {
		s.MemoryPeak = s.MemoryCurrent
	}
	return s, nil
}

// A Reporter periodically samples a cgroup's statistics and logs
// them.
type Reporter struct {
	// Root filesystem. Typically os.DirFS("/").
	FS fs.FS
	// cgroup2 mount point relative to FS. Defaults to
	// DefaultCgroupRoot.
	CgroupRoot string
	// Cgroup to monitor. If empty, the cgroup of the process
	// returned by Pid is used.
	Cgroup string
	// Func returning the PID of a process in the cgroup to
	// monitor.
	Pid func() int
	// Interval between samples
	PollPeriod time.Duration

	Logger logrus.FieldLogger

	mtx    sync.Mutex
	latest Sample
	peak   int64
	done   chan struct{}
	ended  chan struct{}
}

var errNoCgroup = errors.New("cannot determine cgroup: neither Cgroup nor Pid is set")

// Start starts reporting statistics. Start should not be called more
// than once on a Reporter.
func (r *Reporter) Start() {
	r.done = make(chan struct{})
	r.ended = make(chan struct{})
	go r.run()
}

// Stop reporting statistics. Nothing will be logged after Stop
// returns.
func (r *Reporter) Stop() {
	close(r.done)
	<-r.ended
}

// Latest returns the latest sample, with MemoryPeak adjusted to the
// highest MemoryCurrent seen so far.
func (r *Reporter) Latest() Sample {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s := r.latest
	if s.MemoryPeak < r.peak {
		s.MemoryPeak = r.peak
	}
	return s
}

// Sample takes a sample now and returns it.
func (r *Reporter) Sample() (Sample, error) {
	cgroup := r.Cgroup
	if cgroup == "" {
		if r.Pid == nil {
			return Sample{}, errNoCgroup
		}
		var err error
		cgroup, err = FindCgroup(r.FS, r.Pid())
		if err != nil {
			return Sample{}, err
		}
	}
	root := r.CgroupRoot
	if root == "" {
		root = DefaultCgroupRoot
	}
	s, err := ReadCgroup(r.FS, root, cgroup)
	if err != nil {
		return s, err
	}
	r.mtx.Lock()
	prev := r.latest
	r.latest = s
	if s.MemoryPeak > r.peak {
		r.peak = s.MemoryPeak
	}
	r.mtx.Unlock()
	if r.Logger != nil {
		fields := logrus.Fields{
			"MemoryCurrent": s.MemoryCurrent,
			"CPUUser":       s.CPUUser.Seconds(),
			"CPUSystem":     s.CPUSystem.Seconds(),
			"IORead":        s.IORead,
			"IOWrite":       s.IOWrite,
		}
		if !prev.Time.IsZero() {
			fields["Interval"] = s.Time.Sub(prev.Time).Seconds()
			fields["CPUUserDelta"] = (s.CPUUser - prev.CPUUser).Seconds()
			fields["CPUSystemDelta"] = (s.CPUSystem - prev.CPUSystem).Seconds()
		}
		r.Logger.WithFields(fields).Info("cgroup stats")
	}
	return s, nil
}

func (r *Reporter) run() {
	defer close(r.ended)
	period := r.PollPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var lastErr string
	for {
		if _, err := r.Sample(); err != nil && err.Error() != lastErr && r.Logger != nil {
			r.Logger.WithError(err).Warn("stats not available")
			lastErr = err.Error()
		}
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}

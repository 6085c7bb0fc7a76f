// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobdir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/execnode/helper"
	"github.com/sirupsen/logrus"
)

const (
	umountAttempts = 5
	umountPasses   = 5
)

// Simple is a Manager that uses the privileged helper to mount tmpfs
// and set XFS project quotas directly on the host filesystem.
type Simple struct {
	Logger logrus.FieldLogger
	Runner helper.Runner
	// Quota project ids are allocated from this number upward.
	ProjectIDBase int
	// Where to look for orphaned mounts. Default
	// "/proc/self/mounts".
	MountsFile string
	// Delay between unmount attempts on a busy mount.
	UmountRetryDelay time.Duration

	mtx         sync.Mutex
	mounts      map[string]bool
	quotas      map[string]int
	nextProject int
}

// NewSimple returns a Simple manager for sandboxes under root.
// Project ids are derived from root so different locations on the
// same filesystem don't collide.
func NewSimple(logger logrus.FieldLogger, runner helper.Runner, root string) *Simple {
	var h uint32 = 2166136261
	for i := 0; i < len(root); i++ {
		h = (h ^ uint32(root[i])) * 16777619
	}
	return &Simple{
		Logger:        logger.WithField("JobDirectoryRoot", root),
		Runner:        runner,
		ProjectIDBase: 1<<20 + int(h%4096)<<8,
	}
}

func (s *Simple) setup() {
	if s.mounts == nil {
		s.mounts = map[string]bool{}
		s.quotas = map[string]int{}
	}
}

func (s *Simple) ApplyQuota(ctx context.Context, path string, props QuotaProperties) error {
	s.mtx.Lock()
	s.setup()
	project, ok := s.quotas[path]
	if !ok {
		project = s.ProjectIDBase + s.nextProject
		s.nextProject = (s.nextProject + 1) % 256
		s.quotas[path] = project
	}
	s.mtx.Unlock()
	s.Logger.WithFields(logrus.Fields{
		"Path":       path,
		"Project":    project,
		"DiskSpace":  props.DiskSpaceLimit,
		"InodeCount": props.InodeLimit,
	}).Debug("applying quota")
	err := helper.SetQuota(ctx, s.Runner, path, project, props.DiskSpaceLimit, props.InodeLimit)
	if err != nil {
		return fmt.Errorf("set quota on %s: %w", path, err)
	}
	return nil
}

func (s *Simple) CreateTmpfsDirectory(ctx context.Context, path string, props TmpfsProperties) error {
	s.Logger.WithFields(logrus.Fields{
		"Path": path,
		"Size": props.Size,
	}).Debug("mounting tmpfs")
	err := helper.MountTmpfs(ctx, s.Runner, path, props.Size, props.UserID)
	if err != nil {
		return fmt.Errorf("mount tmpfs at %s: %w", path, err)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.setup()
	s.mounts[path] = true
	return nil
}

func (s *Simple) CleanDirectories(ctx context.Context, pathPrefix string) error {
	var errs []error
	for pass := 0; pass < umountPasses; pass++ {
		mounts, err := s.mountsUnder(pathPrefix)
		if err != nil {
			return err
		}
		if len(mounts) == 0 {
			break
		}
		// deepest first
		sort.Slice(mounts, func(i, j int) bool { return len(mounts[i]) > len(mounts[j]) })
		errs = errs[:0]
		for _, mnt := range mounts {
			if err := s.umount(ctx, mnt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.mtx.Lock()
	var quotas []string
	for path := range s.quotas {
		if under(path, pathPrefix) {
			quotas = append(quotas, path)
		}
	}
	s.mtx.Unlock()
	for _, path := range quotas {
		s.mtx.Lock()
		project := s.quotas[path]
		s.mtx.Unlock()
		if err := helper.ClearQuota(ctx, s.Runner, path, project); err != nil {
			s.Logger.WithError(err).WithField("Path", path).Warn("error clearing quota")
			errs = append(errs, err)
			continue
		}
		s.mtx.Lock()
		delete(s.quotas, path)
		s.mtx.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Simple) umount(ctx context.Context, path string) error {
	var err error
	for attempt := 1; attempt <= umountAttempts; attempt++ {
		err = helper.Umount(ctx, s.Runner, path, attempt == umountAttempts)
		if err == nil || !strings.Contains(err.Error(), "busy") {
			break
		}
		s.Logger.WithField("Path", path).WithField("Attempt", attempt).Info("mount point busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.umountRetryDelay()):
		}
	}
	if err != nil {
		return fmt.Errorf("unmount %s: %w", path, err)
	}
	s.mtx.Lock()
	delete(s.mounts, path)
	s.mtx.Unlock()
	return nil
}

func (s *Simple) umountRetryDelay() time.Duration {
	if s.UmountRetryDelay > 0 {
		return s.UmountRetryDelay
	}
	return 100 * time.Millisecond
}

// mountsUnder returns the known and orphaned tmpfs mount points at
// or below prefix.
func (s *Simple) mountsUnder(prefix string) ([]string, error) {
	found := map[string]bool{}
	s.mtx.Lock()
	for path := range s.mounts {
		if under(path, prefix) {
			found[path] = true
		}
	}
	s.mtx.Unlock()

	mountsFile := s.MountsFile
	if mountsFile == "" {
		mountsFile = "/proc/self/mounts"
	}
	f, err := os.Open(mountsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// "tmpfs /mnt/foo\040bar tmpfs rw,size=1024k 0 0"
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != "tmpfs" {
			continue
		}
		path := unescapeMountPath(fields[1])
		if under(path, prefix) {
			found[path] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	var mounts []string
	for path := range found {
		mounts = append(mounts, path)
	}
	return mounts, nil
}

// unescapeMountPath decodes the octal escapes (\040 etc.) used for
// whitespace and backslashes in /proc/self/mounts.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

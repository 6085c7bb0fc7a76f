// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"strings"
	"sync"

	"git.arvados.org/execnode.git/lib/execnode/jobdir"
)

// DirectoryManager is a jobdir.Manager that records requests
// without mounting anything or setting real quotas.
type DirectoryManager struct {
	// Errors to return from the corresponding methods.
	QuotaErr error
	TmpfsErr error
	CleanErr error

	mtx    sync.Mutex
	quotas map[string]jobdir.QuotaProperties
	tmpfs  map[string]jobdir.TmpfsProperties
	calls  []string
}

func (dm *DirectoryManager) ApplyQuota(ctx context.Context, path string, props jobdir.QuotaProperties) error {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	dm.calls = append(dm.calls, "ApplyQuota "+path)
	if dm.QuotaErr != nil {
		return dm.QuotaErr
	}
	if dm.quotas == nil {
		dm.quotas = map[string]jobdir.QuotaProperties{}
	}
	dm.quotas[path] = props
	return nil
}

func (dm *DirectoryManager) CreateTmpfsDirectory(ctx context.Context, path string, props jobdir.TmpfsProperties) error {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	dm.calls = append(dm.calls, "CreateTmpfsDirectory "+path)
	if dm.TmpfsErr != nil {
		return dm.TmpfsErr
	}
	if dm.tmpfs == nil {
		dm.tmpfs = map[string]jobdir.TmpfsProperties{}
	}
	dm.tmpfs[path] = props
	return nil
}

func (dm *DirectoryManager) CleanDirectories(ctx context.Context, prefix string) error {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	if dm.CleanErr != nil {
		return dm.CleanErr
	}
	for path := range dm.quotas {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			delete(dm.quotas, path)
		}
	}
	for path := range dm.tmpfs {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			delete(dm.tmpfs, path)
		}
	}
	return nil
}

// Quotas returns the currently applied quotas.
func (dm *DirectoryManager) Quotas() map[string]jobdir.QuotaProperties {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	m := map[string]jobdir.QuotaProperties{}
	for k, v := range dm.quotas {
		m[k] = v
	}
	return m
}

// Tmpfs returns the currently "mounted" tmpfs directories.
func (dm *DirectoryManager) Tmpfs() map[string]jobdir.TmpfsProperties {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	m := map[string]jobdir.TmpfsProperties{}
	for k, v := range dm.tmpfs {
		m[k] = v
	}
	return m
}

// Calls returns the ApplyQuota and CreateTmpfsDirectory calls
// received so far, like "ApplyQuota /path".
func (dm *DirectoryManager) Calls() []string {
	dm.mtx.Lock()
	defer dm.mtx.Unlock()
	return append([]string(nil), dm.calls...)
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobdir manages quota-limited and tmpfs-backed directories
// inside slot sandboxes.
package jobdir

import (
	"context"
)

// QuotaProperties are the limits applied to a sandbox directory.
// Zero means unlimited.
type QuotaProperties struct {
	DiskSpaceLimit int64
	InodeLimit     int64
	UserID         int
}

// TmpfsProperties describe a tmpfs mount.
type TmpfsProperties struct {
	Size   int64
	UserID int
}

// A Manager applies quotas and creates tmpfs directories, and
// undoes both when the sandbox is cleaned.
type Manager interface {
	ApplyQuota(ctx context.Context, path string, props QuotaProperties) error
	CreateTmpfsDirectory(ctx context.Context, path string, props TmpfsProperties) error
	// CleanDirectories releases the quotas and unmounts the tmpfs
	// directories at or below pathPrefix, including tmpfs mounts
	// this Manager doesn't know about (e.g., left over from a
	// previous run). It is idempotent.
	CleanDirectories(ctx context.Context, pathPrefix string) error
}

func under(path, prefix string) bool {
	return path == prefix || len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

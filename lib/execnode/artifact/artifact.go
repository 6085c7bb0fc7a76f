// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package artifact fetches job input artifacts, which are stored as
// content-addressed chunks on replica nodes or in an object store,
// and keeps recently used artifacts in a local disk cache.
package artifact

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/sirupsen/logrus"
)

// Options affect how chunks are located.
type Options struct {
	// Addresses ("host:port" or base URLs) of replica nodes, by
	// node ID. Chunk replicas on nodes not listed here are not
	// tried.
	NodeAddresses map[string]string
}

// Producer writes the content of an artifact to w.
type Producer func(w io.Writer) error

// Source is the interface jobs use to obtain artifacts.
type Source interface {
	// DownloadArtifact returns a handle to a local file with the
	// artifact's content. The caller must Release it.
	DownloadArtifact(ctx context.Context, key nodeapi.ArtifactKey, opts Options) (*Handle, error)
	// MakeArtifactDownloadProducer returns a Producer that
	// downloads the artifact without storing it in the cache.
	MakeArtifactDownloadProducer(key nodeapi.ArtifactKey, opts Options) Producer
}

// Backend fetches the stored bytes of a single chunk.
type Backend interface {
	ReadChunk(ctx context.Context, chunk nodeapi.ChunkSpec, opts Options, dst io.WriterAt) (int64, error)
}

// ID returns a stable identifier for the artifact content addressed
// by key.
func ID(key nodeapi.ArtifactKey) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", key.Compression)
	for _, chunk := range key.Chunks {
		fmt.Fprintf(h, "%s %d\n", chunk.ID, chunk.Size)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Uncompressed returns true if the artifact's chunks are stored as
// is.
func Uncompressed(key nodeapi.ArtifactKey) bool {
	return key.Compression == "" || key.Compression == "none"
}

// NewBackend returns the Backend selected by cfg.Backend.
func NewBackend(logger logrus.FieldLogger, cfg config.ArtifactCacheConfig) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "http":
		return NewHTTPBackend(logger, cfg), nil
	case "s3":
		return NewS3Backend(context.Background(), logger, cfg)
	default:
		return nil, fmt.Errorf("unknown ArtifactCache.Backend %q", cfg.Backend)
	}
}

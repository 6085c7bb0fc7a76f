// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConcurrency = 4
	maxCacheEntries    = 1 << 16
	// A just-downloaded artifact can be evicted by a concurrent
	// download before the waiting caller pins it. Give up after
	// this many tries.
	maxPinAttempts = 3
)

// Cache is a Source that keeps downloaded artifacts in a local
// directory, evicting least recently used artifacts that are not
// pinned by a Handle when the total size exceeds MaxSize.
type Cache struct {
	logger      logrus.FieldLogger
	dir         string
	maxSize     int64
	concurrency int
	backend     Backend

	mtx    sync.Mutex
	index  *lru.Cache // artifact ID => *entry
	size   int64
	flight singleflight.Group

	mBytes    prometheus.Gauge
	mEntries  prometheus.Gauge
	mHits     prometheus.Counter
	mMisses   prometheus.Counter
	mFailures prometheus.Counter
}

type entry struct {
	id      string
	path    string
	size    int64
	refs    int
	evicted bool
}

// NewCache returns a Cache that stores artifacts in cfg.Path. Files
// already in that directory are deleted.
func NewCache(logger logrus.FieldLogger, reg *prometheus.Registry, cfg config.ArtifactCacheConfig, backend Backend) (*Cache, error) {
	if cfg.Path == "" {
		return nil, errors.New("ArtifactCache.Path is not configured")
	}
	c := &Cache{
		logger:      logger.WithField("ArtifactCache", cfg.Path),
		dir:         cfg.Path,
		maxSize:     int64(cfg.MaxSize),
		concurrency: cfg.DownloadConcurrency,
		backend:     backend,
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range ents {
		if err := os.RemoveAll(filepath.Join(c.dir, ent.Name())); err != nil {
			return nil, err
		}
	}
	c.index, err = lru.NewWithEvict(maxCacheEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.registerMetrics(reg)
	return c, nil
}

func (c *Cache) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.mBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "artifact_cache_bytes",
		Help:      "Total size of artifacts in the local cache.",
	})
	c.mEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "artifact_cache_entries",
		Help:      "Number of artifacts in the local cache.",
	})
	c.mHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "artifact_cache_hits_total",
		Help:      "Number of artifact requests served from the local cache.",
	})
	c.mMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "artifact_cache_misses_total",
		Help:      "Number of artifact requests that needed a download.",
	})
	c.mFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arvados",
		Subsystem: "execnode",
		Name:      "chunk_download_failures_total",
		Help:      "Number of chunks that could not be fetched from any source.",
	})
	reg.MustRegister(c.mBytes, c.mEntries, c.mHits, c.mMisses, c.mFailures)
}

// Size returns the total size of cached artifacts.
func (c *Cache) Size() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.size
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.index.Len()
}

// DownloadArtifact implements Source.
func (c *Cache) DownloadArtifact(ctx context.Context, key nodeapi.ArtifactKey, opts Options) (*Handle, error) {
	id := ID(key)
	if h := c.pin(id); h != nil {
		c.mHits.Inc()
		return h, nil
	}
	c.mMisses.Inc()
	for attempt := 0; attempt < maxPinAttempts; attempt++ {
		// The download continues (and populates the cache)
		// even if this caller gives up waiting for it.
		ch := c.flight.DoChan(id, func() (interface{}, error) {
			return nil, c.download(context.WithoutCancel(ctx), id, key, opts)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		if h := c.pin(id); h != nil {
			return h, nil
		}
	}
	return nil, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "artifact %s was evicted from the cache before it could be used", id)
}

func (c *Cache) pin(id string) *Handle {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, ok := c.index.Get(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.refs++
	return &Handle{
		path:    e.path,
		size:    e.size,
		release: func() { c.unpin(e) },
	}
}

func (c *Cache) unpin(e *entry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	e.refs--
	if e.refs == 0 {
		if e.evicted {
			c.removeFile(e)
		} else {
			c.trimLocked("")
		}
	}
}

// onEvict is called by the lru index, with c.mtx held.
func (c *Cache) onEvict(key, value interface{}) {
	e := value.(*entry)
	e.evicted = true
	c.size -= e.size
	if e.refs == 0 {
		c.removeFile(e)
	}
}

func (c *Cache) removeFile(e *entry) {
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		c.logger.WithError(err).WithField("Path", e.path).Warn("error removing cached artifact")
	}
}

// trimLocked evicts unpinned entries, oldest first, until the cache
// fits in maxSize. The entry with the given id is not evicted.
func (c *Cache) trimLocked(keep string) {
	defer c.updateMetricsLocked()
	if c.maxSize <= 0 {
		return
	}
	for _, k := range c.index.Keys() {
		if c.size <= c.maxSize {
			return
		}
		if k == keep {
			continue
		}
		v, ok := c.index.Peek(k)
		if !ok || v.(*entry).refs > 0 {
			continue
		}
		c.index.Remove(k)
	}
}

func (c *Cache) updateMetricsLocked() {
	c.mBytes.Set(float64(c.size))
	c.mEntries.Set(float64(c.index.Len()))
}

func (c *Cache) download(ctx context.Context, id string, key nodeapi.ArtifactKey, opts Options) error {
	logger := c.logger.WithField("ArtifactID", id)
	f, err := os.CreateTemp(c.dir, "tmp-*")
	if err != nil {
		return nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "cannot create cache file").Wrap(err)
	}
	size, err := c.writeArtifact(ctx, key, opts, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "cannot write cache file").Wrap(cerr)
	}
	if err != nil {
		os.Remove(f.Name())
		logger.WithError(err).Warn("artifact download failed")
		return err
	}
	path := filepath.Join(c.dir, id+"-"+strings.TrimPrefix(filepath.Base(f.Name()), "tmp-"))
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "cannot rename cache file").Wrap(err)
	}
	logger.WithField("Size", size).Info("artifact downloaded")

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if old, ok := c.index.Peek(id); ok && old.(*entry).path != path {
		// Shouldn't happen with singleflight, but if it
		// does, keep the existing copy.
		os.Remove(path)
		return nil
	}
	c.index.Add(id, &entry{id: id, path: path, size: size})
	c.size += size
	c.trimLocked(id)
	return nil
}

// MakeArtifactDownloadProducer implements Source.
func (c *Cache) MakeArtifactDownloadProducer(key nodeapi.ArtifactKey, opts Options) Producer {
	return func(w io.Writer) error {
		_, err := c.writeArtifact(context.Background(), key, opts, w)
		return err
	}
}

// writeArtifact fetches all chunks of the artifact concurrently,
// then writes their decompressed content to w in order. If any chunk
// can't be fetched, the returned error lists all failed chunks.
func (c *Cache) writeArtifact(ctx context.Context, key nodeapi.ArtifactKey, opts Options, w io.Writer) (int64, error) {
	files := make([]*os.File, len(key.Chunks))
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()
	var (
		mtx    sync.Mutex
		failed []string
		eg     errgroup.Group
	)
	eg.SetLimit(c.concurrency)
	for i, chunk := range key.Chunks {
		i, chunk := i, chunk
		eg.Go(func() error {
			f, err := c.fetchChunk(ctx, chunk, opts)
			if err != nil {
				c.mFailures.Inc()
				mtx.Lock()
				failed = append(failed, chunk.ID)
				mtx.Unlock()
				return fmt.Errorf("chunk %s: %w", chunk.ID, err)
			}
			files[i] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "artifact download failed").Wrap(
			nodeapi.NewError(nodeapi.ErrorFailedChunks, "cannot fetch %d of %d chunk(s)", len(failed), len(key.Chunks)).
				WithAttribute("chunk_ids", failed).
				WithAbortReason(nodeapi.AbortReasonFailedChunks).
				Wrap(err))
	}
	var total int64
	for _, f := range files {
		n, err := decompress(key.Compression, f, w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// fetchChunk downloads a chunk into an unlinked temporary file and
// verifies its hash. The returned file is positioned at the start.
func (c *Cache) fetchChunk(ctx context.Context, chunk nodeapi.ChunkSpec, opts Options) (*os.File, error) {
	f, err := os.CreateTemp(c.dir, "chunk-*")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()
	n, err := c.backend.ReadChunk(ctx, chunk, opts, f)
	if err != nil {
		return nil, err
	}
	if chunk.Size > 0 && n != chunk.Size {
		return nil, fmt.Errorf("size mismatch: expected %d, got %d", chunk.Size, n)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, n)); err != nil {
		return nil, err
	}
	if sum := fmt.Sprintf("%x", h.Sum(nil)); !strings.EqualFold(sum, chunk.ID) {
		return nil, fmt.Errorf("hash mismatch: got %s", sum)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := f.Truncate(n); err != nil {
		return nil, err
	}
	ok = true
	return f, nil
}

// decompress copies the decoded content of r to w. Errors writing to
// w are returned unwrapped.
func decompress(codec string, r io.Reader, w io.Writer) (int64, error) {
	var rdr io.Reader
	switch codec {
	case "", "none":
		rdr = r
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return 0, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "corrupt gzip data").Wrap(err)
		}
		defer zr.Close()
		rdr = zr
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return 0, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "corrupt zstd data").Wrap(err)
		}
		defer zr.Close()
		rdr = zr
	default:
		return 0, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "unsupported compression %q", codec)
	}
	ew := &errWriter{w: w}
	n, err := io.Copy(ew, rdr)
	if ew.err != nil {
		return n, ew.err
	} else if err != nil {
		return n, nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "cannot decode %s data", codec).Wrap(err)
	}
	return n, nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	n, err := ew.w.Write(p)
	if err != nil && ew.err == nil {
		ew.err = err
	}
	return n, err
}

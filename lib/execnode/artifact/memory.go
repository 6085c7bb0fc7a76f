// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MemoryBackend is a Backend that serves chunks from memory. It is
// used in tests, and in single-node setups where artifacts are
// supplied by the caller.
type MemoryBackend struct {
	mtx    sync.Mutex
	chunks map[string][]byte
	fail   map[string]error
	reads  map[string]int
	block  chan struct{}
}

// Put stores data as a chunk and returns its spec.
func (mb *MemoryBackend) Put(data []byte) nodeapi.ChunkSpec {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if mb.chunks == nil {
		mb.chunks = map[string][]byte{}
	}
	id := fmt.Sprintf("%x", sha256.Sum256(data))
	mb.chunks[id] = append([]byte(nil), data...)
	return nodeapi.ChunkSpec{ID: id, Size: int64(len(data))}
}

// PutArtifact compresses data with the given codec, splits it into
// chunks of at most chunkSize bytes (before compression), stores
// them, and returns the artifact key.
func (mb *MemoryBackend) PutArtifact(data []byte, chunkSize int, codec string) (nodeapi.ArtifactKey, error) {
	key := nodeapi.ArtifactKey{Compression: codec}
	if chunkSize <= 0 {
		chunkSize = len(data) + 1
	}
	for off := 0; off < len(data) || off == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		buf, err := compress(codec, data[off:end])
		if err != nil {
			return key, err
		}
		key.Chunks = append(key.Chunks, mb.Put(buf))
		if end == len(data) {
			break
		}
	}
	return key, nil
}

func compress(codec string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var zw io.WriteCloser
	switch codec {
	case "", "none":
		return data, nil
	case "gzip":
		zw = gzip.NewWriter(&buf)
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		zw = w
	default:
		return nil, fmt.Errorf("unsupported compression %q", codec)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fail makes subsequent reads of the chunk return err. A nil err
// clears the failure.
func (mb *MemoryBackend) Fail(id string, err error) {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if mb.fail == nil {
		mb.fail = map[string]error{}
	}
	if err == nil {
		delete(mb.fail, id)
	} else {
		mb.fail[id] = err
	}
}

// Block makes reads wait until Unblock is called or their context
// is cancelled.
func (mb *MemoryBackend) Block() {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if mb.block == nil {
		mb.block = make(chan struct{})
	}
}

func (mb *MemoryBackend) Unblock() {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	if mb.block != nil {
		close(mb.block)
		mb.block = nil
	}
}

// Reads returns the number of ReadChunk calls for the given chunk.
func (mb *MemoryBackend) Reads(id string) int {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	return mb.reads[id]
}

func (mb *MemoryBackend) ReadChunk(ctx context.Context, chunk nodeapi.ChunkSpec, opts Options, dst io.WriterAt) (int64, error) {
	mb.mtx.Lock()
	if mb.reads == nil {
		mb.reads = map[string]int{}
	}
	mb.reads[chunk.ID]++
	block := mb.block
	data, ok := mb.chunks[chunk.ID]
	err := mb.fail[chunk.ID]
	mb.mtx.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("chunk %s not found", chunk.ID)
	}
	n, err := dst.WriteAt(data, 0)
	return int64(n), err
}

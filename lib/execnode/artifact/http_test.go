// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HTTPSuite{})

type HTTPSuite struct {
	chunk   nodeapi.ChunkSpec
	good    *httptest.Server
	bad     *httptest.Server
	goodHit int64
	badHit  int64
}

func (s *HTTPSuite) SetUpTest(c *check.C) {
	mb := &MemoryBackend{}
	s.chunk = mb.Put([]byte("chunk data"))
	s.goodHit, s.badHit = 0, 0
	s.good = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&s.goodHit, 1)
		if req.URL.Path != "/chunks/"+s.chunk.ID {
			http.NotFound(w, req)
			return
		}
		w.Write([]byte("chunk data"))
	}))
	s.bad = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&s.badHit, 1)
		http.Error(w, "oops", http.StatusInternalServerError)
	}))
}

func (s *HTTPSuite) TearDownTest(c *check.C) {
	s.good.Close()
	s.bad.Close()
}

func (s *HTTPSuite) backend(c *check.C, baseURLs ...string) *HTTPBackend {
	cfg := config.ArtifactCacheConfig{}
	cfg.HTTP.BaseURLs = baseURLs
	return NewHTTPBackend(ctxlog.TestLogger(c), cfg)
}

func (s *HTTPSuite) TestReplicaThenBaseURL(c *check.C) {
	b := s.backend(c, s.good.URL+"/")
	chunk := s.chunk
	chunk.Replicas = []string{"node1", "node2"}
	opts := Options{NodeAddresses: map[string]string{
		"node1": strings.TrimPrefix(s.bad.URL, "http://"),
	}}
	c.Check(b.urls(chunk, opts), check.DeepEquals, []string{
		s.bad.URL + "/chunks/" + chunk.ID,
		s.good.URL + "/chunks/" + chunk.ID,
	})
	buf := manager.NewWriteAtBuffer(nil)
	n, err := b.ReadChunk(context.Background(), chunk, opts, buf)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(10))
	c.Check(string(buf.Bytes()), check.Equals, "chunk data")
	c.Check(atomic.LoadInt64(&s.badHit), check.Equals, int64(1))
	c.Check(atomic.LoadInt64(&s.goodHit), check.Equals, int64(1))
}

func (s *HTTPSuite) TestAllSourcesFail(c *check.C) {
	b := s.backend(c, s.bad.URL, s.good.URL+"/missing/")
	_, err := b.ReadChunk(context.Background(), s.chunk, Options{}, manager.NewWriteAtBuffer(nil))
	c.Check(err, check.ErrorMatches, `(?s).*giving up after 1 attempt.*404 Not Found.*`)

	_, err = s.backend(c).ReadChunk(context.Background(), s.chunk, Options{}, manager.NewWriteAtBuffer(nil))
	c.Check(err, check.ErrorMatches, `no sources for chunk .*`)
}

func (s *HTTPSuite) TestThroughCache(c *check.C) {
	cache, err := NewCache(ctxlog.TestLogger(c), nil, config.ArtifactCacheConfig{Path: c.MkDir()}, s.backend(c, s.good.URL))
	c.Assert(err, check.IsNil)
	h, err := cache.DownloadArtifact(context.Background(), nodeapi.ArtifactKey{Chunks: []nodeapi.ChunkSpec{s.chunk}}, Options{})
	c.Assert(err, check.IsNil)
	defer h.Release()
	c.Check(h.Size(), check.Equals, int64(10))
}

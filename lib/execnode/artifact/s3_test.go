// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"bytes"
	"context"
	"net/http/httptest"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&S3Suite{})

type S3Suite struct {
	server  *httptest.Server
	backend *S3Backend
}

func (s *S3Suite) SetUpTest(c *check.C) {
	faker := gofakes3.New(s3mem.New())
	s.server = httptest.NewServer(faker.Server())
	cfg := config.ArtifactCacheConfig{Backend: "s3"}
	cfg.S3.Bucket = "artifacts"
	cfg.S3.Prefix = "chunks"
	cfg.S3.Endpoint = s.server.URL
	cfg.S3.UsePathStyle = true
	cfg.S3.AccessKeyID = "test"
	cfg.S3.SecretAccessKey = "test"
	b, err := NewBackend(ctxlog.TestLogger(c), cfg)
	c.Assert(err, check.IsNil)
	s.backend = b.(*S3Backend)
	_, err = s.backend.svc.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String("artifacts")})
	c.Assert(err, check.IsNil)
}

func (s *S3Suite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *S3Suite) putChunk(c *check.C, data []byte) nodeapi.ChunkSpec {
	chunk := (&MemoryBackend{}).Put(data)
	_, err := s.backend.svc.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String("artifacts"),
		Key:    aws.String("chunks/" + chunk.ID),
		Body:   bytes.NewReader(data),
	})
	c.Assert(err, check.IsNil)
	return chunk
}

func (s *S3Suite) TestReadChunk(c *check.C) {
	data := bytes.Repeat([]byte("s3 chunk "), 100000)
	chunk := s.putChunk(c, data)
	buf := manager.NewWriteAtBuffer(nil)
	n, err := s.backend.ReadChunk(context.Background(), chunk, Options{}, buf)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, int64(len(data)))
	c.Check(bytes.Equal(buf.Bytes(), data), check.Equals, true)
}

func (s *S3Suite) TestMissingChunk(c *check.C) {
	chunk := (&MemoryBackend{}).Put([]byte("never uploaded"))
	_, err := s.backend.ReadChunk(context.Background(), chunk, Options{}, manager.NewWriteAtBuffer(nil))
	c.Check(err, check.ErrorMatches, `s3 get chunks/`+chunk.ID+`: .*`)
}

func (s *S3Suite) TestThroughCache(c *check.C) {
	chunks := []nodeapi.ChunkSpec{s.putChunk(c, []byte("foo")), s.putChunk(c, []byte("bar"))}
	cache, err := NewCache(ctxlog.TestLogger(c), nil, config.ArtifactCacheConfig{Path: c.MkDir()}, s.backend)
	c.Assert(err, check.IsNil)
	var out bytes.Buffer
	err = cache.MakeArtifactDownloadProducer(nodeapi.ArtifactKey{Chunks: chunks}, Options{})(&out)
	c.Check(err, check.IsNil)
	c.Check(out.String(), check.Equals, "foobar")
}

func (s *S3Suite) TestMissingBucketConfig(c *check.C) {
	_, err := NewBackend(ctxlog.TestLogger(c), config.ArtifactCacheConfig{Backend: "s3"})
	c.Check(err, check.ErrorMatches, `ArtifactCache.S3.Bucket is not configured`)
	_, err = NewBackend(ctxlog.TestLogger(c), config.ArtifactCacheConfig{Backend: "ftp"})
	c.Check(err, check.ErrorMatches, `unknown ArtifactCache.Backend "ftp"`)
}

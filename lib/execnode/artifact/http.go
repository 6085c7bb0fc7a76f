// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const defaultHTTPTimeout = 5 * time.Minute

// HTTPBackend fetches chunks with GET {base}/chunks/{id}, trying the
// chunk's replica nodes first, then each of BaseURLs.
type HTTPBackend struct {
	BaseURLs []string
	Client   *retryablehttp.Client
	Logger   logrus.FieldLogger
}

func NewHTTPBackend(logger logrus.FieldLogger, cfg config.ArtifactCacheConfig) *HTTPBackend {
	timeout := cfg.HTTP.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPBackend{
		BaseURLs: cfg.HTTP.BaseURLs,
		Client:   nodeapi.NewRetryableClient(logger, cfg.HTTP.RetryMax, timeout),
		Logger:   logger,
	}
}

func (b *HTTPBackend) urls(chunk nodeapi.ChunkSpec, opts Options) []string {
	var urls []string
	for _, node := range chunk.Replicas {
		addr, ok := opts.NodeAddresses[node]
		if !ok || addr == "" {
			continue
		}
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		if u, err := url.JoinPath(addr, "chunks", chunk.ID); err == nil {
			urls = append(urls, u)
		}
	}
	for _, base := range b.BaseURLs {
		if u, err := url.JoinPath(base, "chunks", chunk.ID); err == nil {
			urls = append(urls, u)
		}
	}
	return urls
}

func (b *HTTPBackend) ReadChunk(ctx context.Context, chunk nodeapi.ChunkSpec, opts Options, dst io.WriterAt) (int64, error) {
	urls := b.urls(chunk, opts)
	if len(urls) == 0 {
		return 0, fmt.Errorf("no sources for chunk %s", chunk.ID)
	}
	var errs []error
	for _, u := range urls {
		n, err := b.get(ctx, u, dst)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		b.Logger.WithError(err).WithField("URL", u).Debug("chunk fetch failed")
		errs = append(errs, err)
	}
	return 0, errors.Join(errs...)
}

func (b *HTTPBackend) get(ctx context.Context, u string, dst io.WriterAt) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: %s", u, resp.Status)
	}
	n, err := io.Copy(io.NewOffsetWriter(dst, 0), resp.Body)
	if err != nil {
		return n, fmt.Errorf("GET %s: %w", u, err)
	}
	return n, nil
}

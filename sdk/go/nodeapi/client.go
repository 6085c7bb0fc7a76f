// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Client talks to the control surface of an exec node.
type Client struct {
	// Base URL of the node, like "http://127.0.0.1:9010/".
	BaseURL string
	// Management token sent as a bearer token.
	AuthToken string
	// Retry transient errors this many times.
	RetryMax int
	Logger   logrus.FieldLogger

	http *retryablehttp.Client
}

// NewRetryableClient returns a retryablehttp client that logs through
// logger.
func NewRetryableClient(logger logrus.FieldLogger, retryMax int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	if logger == nil {
		client.Logger = nil
	} else {
		client.Logger = LeveledLogger{logger}
	}
	return client
}

func (c *Client) client() *retryablehttp.Client {
	if c.http == nil {
		c.http = NewRetryableClient(c.Logger, c.RetryMax, time.Minute)
	}
	return c.http
}

// RequestAndDecode sends a request with the given method and path,
// with body (if not nil) encoded as JSON, and decodes the JSON
// response into dst (if not nil).
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, body interface{}) error {
	u, err := url.JoinPath(c.BaseURL, path)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Errors []string `json:"errors"`
		}
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(buf, &errResp) == nil && len(errResp.Errors) > 0 {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.Join(errResp.Errors, "; "))
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if dst == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// GetSpec returns the spec of the given job.
func (c *Client) GetSpec(ctx context.Context, jobID string) (JobSpec, error) {
	var spec JobSpec
	err := c.RequestAndDecode(ctx, &spec, "GET", "jobs/"+jobID+"/spec", nil)
	return spec, err
}

// Prepared tells the node the job proxy has started running the job.
func (c *Client) Prepared(ctx context.Context, jobID string) error {
	return c.RequestAndDecode(ctx, nil, "POST", "jobs/"+jobID+"/prepared", struct{}{})
}

// SetResult reports the job's result.
func (c *Client) SetResult(ctx context.Context, jobID string, result JobResult) error {
	return c.RequestAndDecode(ctx, nil, "POST", "jobs/"+jobID+"/result", result)
}

// SetProgress reports the job's progress (0..1).
func (c *Client) SetProgress(ctx context.Context, jobID string, progress float64) error {
	return c.RequestAndDecode(ctx, nil, "POST", "jobs/"+jobID+"/progress", ProgressRequest{Progress: progress})
}

// SetStatistics reports the job's statistics.
func (c *Client) SetStatistics(ctx context.Context, jobID string, stats map[string]interface{}) error {
	return c.RequestAndDecode(ctx, nil, "POST", "jobs/"+jobID+"/statistics", stats)
}

// UpdateResourceUsage reports the job's current resource usage.
func (c *Client) UpdateResourceUsage(ctx context.Context, jobID string, usage ResourceVector) error {
	return c.RequestAndDecode(ctx, nil, "POST", "jobs/"+jobID+"/resource_usage", usage)
}

// LeveledLogger adapts a logrus.FieldLogger to
// retryablehttp.LeveledLogger.
type LeveledLogger struct {
	logrus.FieldLogger
}

func (l LeveledLogger) withKV(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.FieldLogger.WithFields(fields)
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Error(msg)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Warn(msg)
}

func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Debug(msg)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Debug(msg)
}

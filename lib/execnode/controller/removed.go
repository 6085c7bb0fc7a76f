// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"sort"
	"time"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	lru "github.com/hashicorp/golang-lru"
)

// RemovedJob is what the node remembers about a job after the
// scheduler tells it to remove the job.
type RemovedJob struct {
	Status         nodeapi.JobStatus
	Stderr         string
	FailContext    string
	HasFailContext bool
	InputContext   []nodeapi.InputContextEntry

	removedAt time.Time
}

// removedJobs holds recently removed jobs, oldest first, up to a
// maximum count and age.
type removedJobs struct {
	cache   *lru.Cache
	timeout time.Duration
}

func newRemovedJobs(maxCount int, timeout time.Duration) (*removedJobs, error) {
	if maxCount <= 0 {
		maxCount = 1000
	}
	cache, err := lru.New(maxCount)
	if err != nil {
		return nil, err
	}
	return &removedJobs{cache: cache, timeout: timeout}, nil
}

func (r *removedJobs) add(id string, rj RemovedJob, now time.Time) {
	rj.removedAt = now
	r.cache.Remove(id)
	r.cache.Add(id, rj)
}

// get uses Peek so the cache stays ordered by removal time.
func (r *removedJobs) get(id string) (RemovedJob, bool) {
	v, ok := r.cache.Peek(id)
	if !ok {
		return RemovedJob{}, false
	}
	return v.(RemovedJob), true
}

// clean forgets jobs removed before now-timeout, and returns how many
// were forgotten.
func (r *removedJobs) clean(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	n := 0
	for {
		_, v, ok := r.cache.GetOldest()
		if !ok || now.Sub(v.(RemovedJob).removedAt) < r.timeout {
			return n
		}
		r.cache.RemoveOldest()
		n++
	}
}

func (r *removedJobs) ids() []string {
	var ids []string
	for _, k := range r.cache.Keys() {
		ids = append(ids, k.(string))
	}
	sort.Strings(ids)
	return ids
}

func (r *removedJobs) len() int {
	return r.cache.Len()
}

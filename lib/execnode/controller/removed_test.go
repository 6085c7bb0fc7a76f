// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"time"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RemovedSuite{})

type RemovedSuite struct{}

func (s *RemovedSuite) TestMaxCount(c *check.C) {
	r, err := newRemovedJobs(2, time.Minute)
	c.Assert(err, check.IsNil)
	t0 := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		r.add(id, RemovedJob{Status: nodeapi.JobStatus{JobID: id}}, t0)
	}
	c.Check(r.ids(), check.DeepEquals, []string{"b", "c"})
	_, ok := r.get("a")
	c.Check(ok, check.Equals, false)
	rj, ok := r.get("c")
	c.Check(ok, check.Equals, true)
	c.Check(rj.Status.JobID, check.Equals, "c")
}

func (s *RemovedSuite) TestClean(c *check.C) {
	r, err := newRemovedJobs(10, time.Minute)
	c.Assert(err, check.IsNil)
	t0 := time.Now()
	r.add("a", RemovedJob{}, t0)
	r.add("b", RemovedJob{}, t0.Add(30*time.Second))
	// Lookups don't change the expiry order.
	r.get("a")
	r.add("c", RemovedJob{}, t0.Add(45*time.Second))
	c.Check(r.clean(t0.Add(59*time.Second)), check.Equals, 0)
	c.Check(r.clean(t0.Add(80*time.Second)), check.Equals, 1)
	c.Check(r.ids(), check.DeepEquals, []string{"b", "c"})
	c.Check(r.clean(t0.Add(time.Hour)), check.Equals, 2)
	c.Check(r.len(), check.Equals, 0)
}

func (s *RemovedSuite) TestNoTimeout(c *check.C) {
	r, err := newRemovedJobs(0, 0)
	c.Assert(err, check.IsNil)
	r.add("a", RemovedJob{}, time.Now().Add(-time.Hour))
	c.Check(r.clean(time.Now()), check.Equals, 0)
	c.Check(r.len(), check.Equals, 1)
}

var _ = check.Suite(&DirectorySuite{})

type DirectorySuite struct{}

func (s *DirectorySuite) TestUpdateAndLookup(c *check.C) {
	var d Directory
	addrs, missing := d.Lookup([]string{"x"})
	c.Check(addrs, check.HasLen, 0)
	c.Check(missing, check.DeepEquals, []string{"x"})

	d.Update(map[string]string{"x": "10.0.0.1:1", "y": "10.0.0.2:1"})
	d.Update(map[string]string{"y": "", "z": "10.0.0.3:1"})
	c.Check(d.Len(), check.Equals, 2)
	addrs, missing = d.Lookup([]string{"z", "y", "x"})
	c.Check(addrs, check.DeepEquals, map[string]string{"x": "10.0.0.1:1", "z": "10.0.0.3:1"})
	c.Check(missing, check.DeepEquals, []string{"y"})
}

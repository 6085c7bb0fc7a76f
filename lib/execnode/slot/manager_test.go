// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/test"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagerSuite{})

type ManagerSuite struct{}

func (s *ManagerSuite) TestAcquireRelease(c *check.C) {
	mgr, _, _ := newManager(c, 1, 3)
	c.Check(mgr.GetSlotCount(), check.Equals, 3)
	seen := map[int]bool{}
	var slots []*Slot
	for i := 0; i < 3; i++ {
		slot, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
		c.Assert(err, check.IsNil)
		c.Check(seen[slot.Index], check.Equals, false)
		seen[slot.Index] = true
		slots = append(slots, slot)
	}
	c.Check(mgr.GetUsedSlotCount(), check.Equals, 3)
	_, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
	_, isCode := nodeapi.FindMatching(err, nodeapi.ErrorSlotNotFound)
	c.Check(isCode, check.Equals, true)

	mgr.ReleaseSlot(slots[1].Index)
	// Releasing twice is harmless.
	mgr.ReleaseSlot(slots[1].Index)
	c.Check(mgr.GetUsedSlotCount(), check.Equals, 2)
	slot, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
	c.Assert(err, check.IsNil)
	c.Check(slot.Index, check.Equals, slots[1].Index)
	c.Check(mgr.GetSlotCount(), check.Equals, 3)
}

func (s *ManagerSuite) TestLeastLoadedLocation(c *check.C) {
	mgr, _, _ := newManager(c, 2, 4)
	locs := mgr.Locations()
	var got []*Location
	for i := 0; i < 4; i++ {
		slot, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
		c.Assert(err, check.IsNil)
		got = append(got, slot.Location())
	}
	c.Check(got[0], check.Not(check.Equals), got[1])
	c.Check(got[2], check.Not(check.Equals), got[3])
	c.Check(locs[0].Sessions(), check.Equals, 2)
	c.Check(locs[1].Sessions(), check.Equals, 2)
}

func (s *ManagerSuite) TestDisabledLocationNeverSelected(c *check.C) {
	mgr, _, _ := newManager(c, 2, 4)
	bad := mgr.Locations()[0]
	bad.Disable(os.ErrInvalid)
	for i := 0; i < 4; i++ {
		slot, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
		c.Assert(err, check.IsNil)
		c.Check(slot.Location(), check.Not(check.Equals), bad)
	}
	c.Check(mgr.IsEnabled(), check.Equals, true)
	var disabled int
	for _, res := range mgr.DiskResources() {
		if !res.Enabled {
			disabled++
			c.Check(res.LocationID, check.Equals, bad.Path)
		}
	}
	c.Check(disabled, check.Equals, 1)
}

func (s *ManagerSuite) TestEnvironmentDisabled(c *check.C) {
	mgr, env, _ := newManager(c, 1, 2)
	env.disabled = true
	c.Check(mgr.GetSlotCount(), check.Equals, 0)
	_, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
	c.Check(err, check.NotNil)
	env.disabled = false
	c.Check(mgr.GetSlotCount(), check.Equals, 2)
}

func (s *ManagerSuite) TestConsecutiveAborts(c *check.C) {
	cfg := config.SlotManagerConfig{
		SlotCount:            2,
		Locations:            []config.SlotLocationConfig{{Path: c.MkDir()}},
		MaxConsecutiveAborts: 2,
		DisableJobsTimeout:   config.Duration(200 * time.Millisecond),
	}
	logger := ctxlog.TestLogger(c)
	alerts := alert.NewRegistry(logger, nil)
	reg := prometheus.NewRegistry()
	mgr := NewManager(logger, reg, alerts, cfg, &stubEnv{}, &test.HelperRunner{})
	c.Assert(mgr.Initialize(context.Background()), check.IsNil)
	ch := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	mgr.OnJobFinished(nodeapi.JobStateAborted)
	mgr.OnJobFinished(nodeapi.JobStateCompleted)
	mgr.OnJobFinished(nodeapi.JobStateAborted)
	c.Check(mgr.GetSlotCount(), check.Equals, 2)
	mgr.OnJobFinished(nodeapi.JobStateAborted)
	c.Check(mgr.GetSlotCount(), check.Equals, 0)
	list := alerts.List()
	c.Assert(list, check.HasLen, 1)
	c.Check(list[0].Error.Code, check.Equals, nodeapi.ErrorTooManyConsecutiveJobAbortions)
	_, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
	c.Check(err, check.NotNil)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for notification")
	}
	c.Check(mgr.GetSlotCount(), check.Equals, 2)
	c.Check(alerts.List(), check.HasLen, 0)

	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	var aborts *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == "arvados_execnode_aborted_jobs_total" {
			aborts = mf
		}
	}
	c.Assert(aborts, check.NotNil)
	c.Check(aborts.GetMetric()[0].GetCounter().GetValue(), check.Equals, float64(3))
}

func (s *ManagerSuite) TestSubscribe(c *check.C) {
	mgr, _, _ := newManager(c, 1, 1)
	slot, err := mgr.AcquireSlot(nodeapi.DiskRequest{})
	c.Assert(err, check.IsNil)
	ch := mgr.Subscribe()
	select {
	case <-ch:
		c.Fatal("unexpected notification")
	default:
	}
	mgr.ReleaseSlot(slot.Index)
	mgr.ReleaseSlot(slot.Index)
	select {
	case <-ch:
	default:
		c.Fatal("no notification after ReleaseSlot")
	}
	mgr.Unsubscribe(ch)
	slot, err = mgr.AcquireSlot(nodeapi.DiskRequest{})
	c.Assert(err, check.IsNil)
	mgr.ReleaseSlot(slot.Index)
	select {
	case <-ch:
		c.Fatal("notification after Unsubscribe")
	default:
	}
}

func (s *ManagerSuite) TestInitializationFailure(c *check.C) {
	notDir := filepath.Join(c.MkDir(), "file")
	c.Assert(os.WriteFile(notDir, nil, 0644), check.IsNil)
	cfg := config.SlotManagerConfig{
		SlotCount: 1,
		Locations: []config.SlotLocationConfig{
			{Path: filepath.Join(notDir, "slots")},
			{Path: c.MkDir()},
		},
	}
	logger := ctxlog.TestLogger(c)

	alerts := alert.NewRegistry(logger, nil)
	mgr := NewManager(logger, nil, alerts, cfg, &stubEnv{}, &test.HelperRunner{})
	c.Check(mgr.Initialize(context.Background()), check.IsNil)
	c.Check(mgr.Locations()[0].IsEnabled(), check.Equals, false)
	c.Check(mgr.Locations()[1].IsEnabled(), check.Equals, true)
	c.Check(mgr.GetSlotCount(), check.Equals, 1)
	c.Check(alerts.List(), check.HasLen, 1)

	cfg.Locations = cfg.Locations[:1]
	alerts = alert.NewRegistry(logger, nil)
	mgr = NewManager(logger, nil, alerts, cfg, &stubEnv{}, &test.HelperRunner{})
	c.Check(mgr.Initialize(context.Background()), check.IsNil)
	c.Check(mgr.GetSlotCount(), check.Equals, 0)
	c.Check(alerts.List(), check.HasLen, 2)

	cfg.InitializationFailureIsFatal = true
	mgr = NewManager(logger, nil, alert.NewRegistry(logger, nil), cfg, &stubEnv{}, &test.HelperRunner{})
	c.Check(mgr.Initialize(context.Background()), check.ErrorMatches, `initialize slot location .*`)
}

func (s *ManagerSuite) TestMinDiskSpace(c *check.C) {
	cfg := config.SlotManagerConfig{
		SlotCount:                    1,
		Locations:                    []config.SlotLocationConfig{{Path: c.MkDir(), MinDiskSpace: 1 << 62}},
		InitializationFailureIsFatal: true,
	}
	logger := ctxlog.TestLogger(c)
	mgr := NewManager(logger, nil, alert.NewRegistry(logger, nil), cfg, &stubEnv{}, &test.HelperRunner{})
	c.Check(mgr.Initialize(context.Background()), check.ErrorMatches, `.*less than MinDiskSpace.*`)
}

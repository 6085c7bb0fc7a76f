// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/actor"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/artifact"
	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/environment/envtest"
	"git.arvados.org/execnode.git/lib/execnode/job"
	"git.arvados.org/execnode.git/lib/execnode/slot"
	"git.arvados.org/execnode.git/lib/execnode/test"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ControllerSuite{})

// fakeScheduler answers heartbeats with queued responses, then with
// empty ones.
type fakeScheduler struct {
	mtx       sync.Mutex
	status    int
	requests  []nodeapi.HeartbeatRequest
	responses []nodeapi.HeartbeatResponse
	tokens    []string
}

func (fs *fakeScheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if r.Method != "POST" || r.URL.Path != "/heartbeat" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	fs.tokens = append(fs.tokens, r.Header.Get("Authorization"))
	var req nodeapi.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fs.requests = append(fs.requests, req)
	if fs.status != 0 {
		http.Error(w, "nope", fs.status)
		return
	}
	var resp nodeapi.HeartbeatResponse
	if len(fs.responses) > 0 {
		resp, fs.responses = fs.responses[0], fs.responses[1:]
	}
	json.NewEncoder(w).Encode(resp)
}

func (fs *fakeScheduler) queue(resp nodeapi.HeartbeatResponse) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	fs.responses = append(fs.responses, resp)
}

func (fs *fakeScheduler) lastRequest() nodeapi.HeartbeatRequest {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	return fs.requests[len(fs.requests)-1]
}

type ControllerSuite struct {
	inv       *actor.Invoker
	env       *envtest.Environment
	mgr       *slot.Manager
	alerts    *alert.Registry
	reg       *prometheus.Registry
	scheduler *fakeScheduler
	server    *httptest.Server
	cfg       config.JobControllerConfig
	limits    nodeapi.ResourceVector
	jobLimits nodeapi.ResourceVector
	ctrl      *Controller
}

func (s *ControllerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.inv = actor.New()
	s.env = &envtest.Environment{}
	s.alerts = alert.NewRegistry(logger, nil)
	s.mgr = slot.NewManager(logger, nil, s.alerts, config.SlotManagerConfig{
		SlotCount:                 2,
		Locations:                 []config.SlotLocationConfig{{Path: c.MkDir()}},
		DiskResourcesUpdatePeriod: config.Duration(time.Hour),
		HealthCheckPeriod:         config.Duration(time.Hour),
	}, s.env, &test.HelperRunner{})
	c.Assert(s.mgr.Initialize(context.Background()), check.IsNil)
	s.scheduler = &fakeScheduler{}
	s.server = httptest.NewServer(s.scheduler)
	s.reg = prometheus.NewRegistry()
	s.cfg = config.JobControllerConfig{
		SchedulerURL:                    s.server.URL,
		SchedulerToken:                  "sekrit",
		JobAbortionTimeout:              config.Duration(time.Minute),
		RecentlyRemovedJobsStoreTimeout: config.Duration(time.Minute),
		RecentlyRemovedJobsCleanPeriod:  config.Duration(time.Hour),
		RecentlyRemovedJobsMaxCount:     10,
	}
	s.limits = nodeapi.ResourceVector{CPU: 4, Memory: 8 << 30, UserSlots: 2}
	s.jobLimits = nodeapi.ResourceVector{CPU: 1, Memory: 1 << 30, UserSlots: 1}
	s.ctrl = nil
}

func (s *ControllerSuite) TearDownTest(c *check.C) {
	if s.ctrl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Check(s.ctrl.Shutdown(ctx), check.IsNil)
	}
	s.inv.Stop()
	s.server.Close()
}

func (s *ControllerSuite) newController(c *check.C) *Controller {
	cache, err := artifact.NewCache(ctxlog.TestLogger(c), nil, config.ArtifactCacheConfig{Path: c.MkDir()}, &artifact.MemoryBackend{})
	c.Assert(err, check.IsNil)
	node := job.Node{
		Invoker:     s.inv,
		Environment: s.env,
		Artifacts:   cache,
		Alerts:      s.alerts,
	}
	ctrl, err := New(ctxlog.TestLogger(c), s.reg, "node-1", s.limits, s.cfg, node, s.mgr)
	c.Assert(err, check.IsNil)
	s.ctrl = ctrl
	return ctrl
}

func (s *ControllerSuite) startInfo(id string) nodeapi.JobStartInfo {
	return nodeapi.JobStartInfo{
		JobID:          id,
		OperationID:    "op-" + id,
		ResourceLimits: s.jobLimits,
	}
}

// completeProxy is a fake job proxy that reports success.
func (s *ControllerSuite) completeProxy(c *check.C) func(context.Context, environment.ProxySpec) error {
	return func(ctx context.Context, spec environment.ProxySpec) error {
		c.Check(s.ctrl.Do(spec.JobID, func(j *job.Job) error {
			if err := j.OnJobPrepared(); err != nil {
				return err
			}
			return j.SetResult(nodeapi.JobResult{})
		}), check.IsNil)
		return nil
	}
}

// runningProxy is a fake job proxy that runs until killed.
func (s *ControllerSuite) runningProxy(c *check.C) func(context.Context, environment.ProxySpec) error {
	return func(ctx context.Context, spec environment.ProxySpec) error {
		c.Check(s.ctrl.Do(spec.JobID, (*job.Job).OnJobPrepared), check.IsNil)
		<-ctx.Done()
		return nil
	}
}

func (s *ControllerSuite) call(c *check.C, f func()) {
	c.Assert(s.inv.Call(f), check.IsNil)
}

func (s *ControllerSuite) job(c *check.C, id string) *job.Job {
	var j *job.Job
	c.Assert(s.ctrl.Do(id, func(jj *job.Job) error {
		j = jj
		return nil
	}), check.IsNil)
	return j
}

func (s *ControllerSuite) status(c *check.C, j *job.Job) (st nodeapi.JobStatus) {
	s.call(c, func() { st = j.Status() })
	return
}

func (s *ControllerSuite) waitDone(c *check.C, j *job.Job) nodeapi.JobStatus {
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		c.Fatalf("timed out waiting for job %s", j.ID())
	}
	return s.status(c, j)
}

func (s *ControllerSuite) waitPhase(c *check.C, j *job.Job, phase nodeapi.JobPhase) {
	deadline := time.Now().Add(10 * time.Second)
	for s.status(c, j).Phase != phase {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for job %s to reach phase %s", j.ID(), phase)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *ControllerSuite) metric(c *check.C, name string, labels map[string]string) float64 {
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v != lp.GetValue() {
					continue metrics
				}
			}
			return value(m)
		}
	}
	c.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Summary != nil:
		return float64(m.GetSummary().GetSampleCount())
	}
	return 0
}

func (s *ControllerSuite) TestHeartbeatLifecycle(c *check.C) {
	ctrl := s.newController(c)
	s.env.Proxy = s.completeProxy(c)
	s.scheduler.queue(nodeapi.HeartbeatResponse{
		JobsToStart:   []nodeapi.JobStartInfo{s.startInfo("job-1")},
		NodeDirectory: map[string]string{"node-a": "10.0.0.1:9000"},
	})
	_, err := ctrl.Heartbeat(context.Background())
	c.Assert(err, check.IsNil)
	req := s.scheduler.lastRequest()
	c.Check(req.NodeID, check.Equals, "node-1")
	c.Check(req.SlotCount, check.Equals, 2)
	c.Check(req.ResourceLimits, check.Equals, s.limits)
	c.Check(req.Jobs, check.HasLen, 0)
	c.Check(req.DiskResources, check.HasLen, 1)
	c.Check(s.scheduler.tokens[0], check.Equals, "Bearer sekrit")

	addrs, missing := ctrl.Directory().Lookup([]string{"node-a", "node-b"})
	c.Check(addrs, check.DeepEquals, map[string]string{"node-a": "10.0.0.1:9000"})
	c.Check(missing, check.DeepEquals, []string{"node-b"})

	st := s.waitDone(c, s.job(c, "job-1"))
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	s.call(c, func() { c.Check(ctrl.Usage().IsZero(), check.Equals, true) })

	s.scheduler.queue(nodeapi.HeartbeatResponse{JobsToRemove: []string{"job-1"}})
	_, err = ctrl.Heartbeat(context.Background())
	c.Assert(err, check.IsNil)
	req = s.scheduler.lastRequest()
	c.Assert(req.Jobs, check.HasLen, 1)
	c.Check(req.Jobs[0].JobID, check.Equals, "job-1")
	c.Check(req.Jobs[0].OperationID, check.Equals, "op-job-1")
	c.Check(req.Jobs[0].State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(req.Jobs[0].Result, check.NotNil)
	c.Check(req.ResourceUsage.IsZero(), check.Equals, true)

	c.Check(ctrl.Do("job-1", func(*job.Job) error { return nil }), check.Equals, ErrNoSuchJob)
	s.call(c, func() {
		rj, ok := ctrl.RemovedJob("job-1")
		c.Check(ok, check.Equals, true)
		c.Check(rj.Status.State, check.Equals, nodeapi.JobStateCompleted)
		active, removed := ctrl.JobIDs()
		c.Check(active, check.HasLen, 0)
		c.Check(removed, check.DeepEquals, []string{"job-1"})
	})

	// A removed job is not started again.
	s.scheduler.queue(nodeapi.HeartbeatResponse{JobsToStart: []nodeapi.JobStartInfo{s.startInfo("job-1")}})
	_, err = ctrl.Heartbeat(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(ctrl.Do("job-1", func(*job.Job) error { return nil }), check.Equals, ErrNoSuchJob)
	c.Check(s.env.Started(), check.HasLen, 1)

	c.Check(s.metric(c, "arvados_execnode_finished_jobs_total", map[string]string{"state": "Completed"}), check.Equals, float64(1))
	c.Check(s.metric(c, "arvados_execnode_heartbeat_duration_seconds", nil), check.Equals, float64(3))
	c.Check(s.metric(c, "arvados_execnode_recently_removed_jobs", nil), check.Equals, float64(1))
}

func (s *ControllerSuite) TestHeartbeatFailure(c *check.C) {
	ctrl := s.newController(c)
	s.scheduler.status = http.StatusForbidden
	_, err := ctrl.Heartbeat(context.Background())
	c.Check(err, check.ErrorMatches, `.*403 Forbidden.*`)
	c.Check(s.metric(c, "arvados_execnode_heartbeat_failures_total", nil), check.Equals, float64(1))
}

func (s *ControllerSuite) TestHeartbeatLoop(c *check.C) {
	s.cfg.HeartbeatPeriod = config.Duration(10 * time.Millisecond)
	ctrl := s.newController(c)
	ctrl.Start()
	deadline := time.Now().Add(10 * time.Second)
	for {
		s.scheduler.mtx.Lock()
		n := len(s.scheduler.requests)
		s.scheduler.mtx.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("got %d heartbeats", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *ControllerSuite) TestDisabledNodeOffersNoSlots(c *check.C) {
	ctrl := s.newController(c)
	s.mgr.Disable(errors.New("test"))
	s.call(c, func() {
		req := ctrl.HeartbeatRequest()
		c.Check(req.SlotCount, check.Equals, 0)
		c.Check(req.Alerts, check.Not(check.HasLen), 0)
	})
}

func (s *ControllerSuite) TestWaitingJobs(c *check.C) {
	s.cfg.SchedulerURL = ""
	ctrl := s.newController(c)
	ctrl.Start()
	s.env.Proxy = s.runningProxy(c)
	s.call(c, func() {
		ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{
			JobsToStart: []nodeapi.JobStartInfo{s.startInfo("job-1"), s.startInfo("job-2"), s.startInfo("job-3")},
		})
	})
	j1, j3 := s.job(c, "job-1"), s.job(c, "job-3")
	s.waitPhase(c, j1, nodeapi.JobPhaseRunning)
	c.Check(s.status(c, j3).State, check.Equals, nodeapi.JobStateWaiting)
	c.Check(s.metric(c, "arvados_execnode_waiting_jobs", nil), check.Equals, float64(1))

	s.call(c, func() {
		c.Check(ctrl.AbortJob(nodeapi.JobAbortInfo{JobID: "job-1", Message: "go away"}), check.IsNil)
	})
	st := s.waitDone(c, j1)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonScheduler)
	c.Check(st.Result.Error.Code, check.Equals, nodeapi.ErrorAbortByScheduler)

	// The freed slot goes to the waiting job.
	s.waitPhase(c, j3, nodeapi.JobPhaseRunning)
}

func (s *ControllerSuite) TestWaitingTimeout(c *check.C) {
	s.cfg.WaitingJobTimeout = config.Duration(50 * time.Millisecond)
	ctrl := s.newController(c)
	s.env.Proxy = s.runningProxy(c)
	s.call(c, func() {
		for _, id := range []string{"job-1", "job-2", "job-3"} {
			c.Check(ctrl.StartJob(s.startInfo(id)), check.IsNil)
		}
	})
	j3 := s.job(c, "job-3")
	c.Check(s.status(c, j3).State, check.Equals, nodeapi.JobStateWaiting)
	time.Sleep(100 * time.Millisecond)
	s.call(c, func() { ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{}) })
	st := s.waitDone(c, j3)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonWaitingTimeout)
	c.Check(st.Result.Error.Code, check.Equals, nodeapi.ErrorWaitingTimeout)
}

func (s *ControllerSuite) TestResourceOverdraft(c *check.C) {
	s.limits.CPU = 1.5
	ctrl := s.newController(c)
	s.env.Proxy = s.runningProxy(c)
	s.call(c, func() {
		c.Check(ctrl.StartJob(s.startInfo("job-1")), check.IsNil)
		c.Check(ctrl.StartJob(s.startInfo("job-2")), check.IsNil)
	})
	st := s.waitDone(c, s.job(c, "job-2"))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonResourceOverdraft)
	c.Check(st.Result.Error.Code, check.Equals, nodeapi.ErrorResourceOverdraft)
	s.call(c, func() { c.Check(ctrl.Usage(), check.Equals, s.jobLimits) })
	c.Check(s.metric(c, "arvados_execnode_resource_usage", map[string]string{"resource": "cpu"}), check.Equals, float64(1))
}

func (s *ControllerSuite) TestInstructions(c *check.C) {
	ctrl := s.newController(c)
	s.env.Proxy = s.runningProxy(c)
	s.call(c, func() {
		c.Check(ctrl.StartJob(s.startInfo("job-1")), check.IsNil)
	})
	j1 := s.job(c, "job-1")
	s.waitPhase(c, j1, nodeapi.JobPhaseRunning)

	// Removing an unfinished job has no effect.
	s.call(c, func() {
		ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{
			JobsToRemove: []string{"job-1", "job-nonexistent"},
			JobsToFail:   []string{"job-nonexistent"},
		})
		c.Check(ctrl.RemoveJob("job-1"), check.ErrorMatches, `.*cannot remove job.*`)
	})
	c.Check(s.job(c, "job-1"), check.Equals, j1)

	s.call(c, func() {
		ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{JobsToFail: []string{"job-1"}})
	})
	st := s.waitDone(c, j1)
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	c.Check(st.Result.Error.Code, check.Equals, nodeapi.ErrorJobFailedByRequest)

	// Remove and start in the same response: the job is removed
	// first, then ignored as a start instruction.
	s.call(c, func() {
		ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{
			JobsToRemove: []string{"job-1"},
			JobsToStart:  []nodeapi.JobStartInfo{s.startInfo("job-1")},
		})
		active, _ := ctrl.JobIDs()
		c.Check(active, check.HasLen, 0)
	})
}

func (s *ControllerSuite) TestInterruptWaitingJob(c *check.C) {
	ctrl := s.newController(c)
	s.mgr.Disable(errors.New("test"))
	s.call(c, func() {
		c.Check(ctrl.StartJob(s.startInfo("job-1")), check.IsNil)
	})
	j1 := s.job(c, "job-1")
	c.Check(s.status(c, j1).State, check.Equals, nodeapi.JobStateWaiting)
	s.call(c, func() {
		ctrl.ProcessHeartbeatResponse(nodeapi.HeartbeatResponse{JobsToInterrupt: []string{"job-1"}})
	})
	st := s.waitDone(c, j1)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.Result.Error.Code, check.Equals, nodeapi.ErrorJobNotPrepared)
	c.Check(s.env.Started(), check.HasLen, 0)
}

func (s *ControllerSuite) TestShutdown(c *check.C) {
	ctrl := s.newController(c)
	ctrl.Start()
	s.env.Proxy = s.runningProxy(c)
	s.call(c, func() {
		c.Check(ctrl.StartJob(s.startInfo("job-1")), check.IsNil)
	})
	j1 := s.job(c, "job-1")
	s.waitPhase(c, j1, nodeapi.JobPhaseRunning)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Check(ctrl.Shutdown(ctx), check.IsNil)
	st := s.status(c, j1)
	c.Check(st.Phase, check.Equals, nodeapi.JobPhaseFinished)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
}

func (s *ControllerSuite) TestBackoff(c *check.C) {
	b := backoff{start: time.Second, max: 5 * time.Second, multiplier: 2}
	for _, expect := range []time.Duration{1, 2, 4, 5, 5} {
		c.Check(b.next(), check.Equals, expect*time.Second)
	}
	b.reset()
	c.Check(b.next(), check.Equals, time.Second)
}

func (s *ControllerSuite) TestHeartbeatInterval(c *check.C) {
	s.cfg.HeartbeatPeriod = config.Duration(time.Second)
	s.cfg.HeartbeatSplay = config.Duration(100 * time.Millisecond)
	ctrl := s.newController(c)
	for i := 0; i < 20; i++ {
		d := ctrl.heartbeatInterval()
		c.Check(d >= time.Second, check.Equals, true)
		c.Check(d <= 1100*time.Millisecond, check.Equals, true)
	}
}

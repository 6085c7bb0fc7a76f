// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/actor"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/artifact"
	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/environment/envtest"
	"git.arvados.org/execnode.git/lib/execnode/gpu"
	"git.arvados.org/execnode.git/lib/execnode/slot"
	"git.arvados.org/execnode.git/lib/execnode/test"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&JobSuite{})

type JobSuite struct {
	inv      *actor.Invoker
	env      *envtest.Environment
	mgr      *slot.Manager
	slots    *countingSlots
	alerts   *alert.Registry
	backend  *artifact.MemoryBackend
	node     *Node
	observer *recorder
	limits   nodeapi.ResourceVector

	// Only accessed on the invoker.
	jobs   map[string]*Job
	phases map[string][]nodeapi.JobPhase
	nextID int
}

// countingSlots records ReleaseSlot and OnJobFinished calls.
type countingSlots struct {
	*slot.Manager
	mtx      sync.Mutex
	released int
	finished []nodeapi.JobState
}

func (cs *countingSlots) ReleaseSlot(index int) {
	cs.mtx.Lock()
	cs.released++
	cs.mtx.Unlock()
	cs.Manager.ReleaseSlot(index)
}

func (cs *countingSlots) OnJobFinished(state nodeapi.JobState) {
	cs.mtx.Lock()
	cs.finished = append(cs.finished, state)
	cs.mtx.Unlock()
	cs.Manager.OnJobFinished(state)
}

func (cs *countingSlots) Released() int {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.released
}

func (cs *countingSlots) Finished() []nodeapi.JobState {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return append([]nodeapi.JobState(nil), cs.finished...)
}

// recorder is an Observer. Its methods are called on the invoker.
type recorder struct {
	usage    map[string]nodeapi.ResourceVector
	finished []string
	// If set, jobs are aborted when total usage exceeds this.
	capacity *nodeapi.ResourceVector
}

func (r *recorder) ResourcesUpdated(j *Job, delta nodeapi.ResourceVector) {
	r.usage[j.ID()] = r.usage[j.ID()].Add(delta)
	if r.capacity == nil {
		return
	}
	var total nodeapi.ResourceVector
	for _, u := range r.usage {
		total = total.Add(u)
	}
	if exceeded := total.Exceeded(*r.capacity); len(exceeded) > 0 {
		j.Abort(nodeapi.NewError(nodeapi.ErrorResourceOverdraft, "resource overdraft: %v", exceeded))
	}
}

func (r *recorder) JobFinished(j *Job) {
	r.finished = append(r.finished, j.ID())
}

type fakeDirectory struct {
	mtx     sync.Mutex
	lookups int
	// Nodes become resolvable on this lookup (1-based); 0 means
	// never.
	resolveOn int
}

func (fd *fakeDirectory) Lookup(ids []string) (map[string]string, []string) {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()
	fd.lookups++
	if fd.resolveOn == 0 || fd.lookups < fd.resolveOn {
		return nil, ids
	}
	addrs := map[string]string{}
	for _, id := range ids {
		addrs[id] = id + ".example:9000"
	}
	return addrs, nil
}

func (fd *fakeDirectory) Lookups() int {
	fd.mtx.Lock()
	defer fd.mtx.Unlock()
	return fd.lookups
}

func (s *JobSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.inv = actor.New()
	s.env = &envtest.Environment{}
	s.alerts = alert.NewRegistry(logger, nil)
	s.mgr = slot.NewManager(logger, nil, s.alerts, config.SlotManagerConfig{
		SlotCount:                 2,
		Locations:                 []config.SlotLocationConfig{{Path: c.MkDir()}},
		EnableTmpfs:               true,
		EnableDiskQuota:           true,
		DiskResourcesUpdatePeriod: config.Duration(time.Hour),
		HealthCheckPeriod:         config.Duration(time.Hour),
	}, s.env, &test.HelperRunner{})
	c.Assert(s.mgr.Initialize(context.Background()), check.IsNil)
	s.slots = &countingSlots{Manager: s.mgr}
	s.backend = &artifact.MemoryBackend{}
	cache, err := artifact.NewCache(logger, nil, config.ArtifactCacheConfig{Path: c.MkDir()}, s.backend)
	c.Assert(err, check.IsNil)
	s.observer = &recorder{usage: map[string]nodeapi.ResourceVector{}}
	s.node = &Node{
		Logger:      logger,
		Invoker:     s.inv,
		Slots:       s.slots,
		Environment: s.env,
		Artifacts:   cache,
		Classifier:  NewClassifier(nil, nil),
		Alerts:      s.alerts,
		Observer:    s.observer,
		Config: config.JobControllerConfig{
			JobAbortionTimeout: config.Duration(time.Minute),
		},
	}
	s.limits = nodeapi.ResourceVector{CPU: 1, Memory: 1 << 30, UserSlots: 1}
	s.jobs = map[string]*Job{}
	s.phases = map[string][]nodeapi.JobPhase{}
	s.nextID = 0
}

func (s *JobSuite) TearDownTest(c *check.C) {
	s.backend.Unblock()
	s.inv.Stop()
}

func (s *JobSuite) put(c *check.C, data string) nodeapi.ArtifactKey {
	key, err := s.backend.PutArtifact([]byte(data), 0, "")
	c.Assert(err, check.IsNil)
	return key
}

func (s *JobSuite) startJob(c *check.C, spec nodeapi.JobSpec, limits nodeapi.ResourceVector) *Job {
	s.nextID++
	id := fmt.Sprintf("job-%d", s.nextID)
	var j *Job
	c.Assert(s.inv.Call(func() {
		j = New(s.node, nodeapi.JobStartInfo{
			JobID:          id,
			OperationID:    "op-" + id,
			Spec:           spec,
			ResourceLimits: limits,
		})
		j.onPhase = func(phase nodeapi.JobPhase) {
			s.phases[id] = append(s.phases[id], phase)
		}
		s.jobs[id] = j
		c.Check(j.ResourceUsage().IsZero(), check.Equals, true)
		j.Start()
	}), check.IsNil)
	return j
}

// onJob runs f on the invoker. It may be called from a fake job
// proxy.
func (s *JobSuite) onJob(c *check.C, id string, f func(j *Job)) {
	c.Check(s.inv.Call(func() { f(s.jobs[id]) }), check.IsNil)
}

func (s *JobSuite) phase(c *check.C, j *Job) (phase nodeapi.JobPhase, state nodeapi.JobState) {
	c.Assert(s.inv.Call(func() { phase, state = j.Phase(), j.State() }), check.IsNil)
	return
}

func (s *JobSuite) waitPhase(c *check.C, j *Job, expect nodeapi.JobPhase) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		phase, _ := s.phase(c, j)
		if phase == expect {
			return
		}
		if phase > expect || time.Now().After(deadline) {
			c.Fatalf("job is in phase %s, waiting for %s", phase, expect)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// wait waits for the job to finish, checks the lifecycle
// invariants, and returns the final status.
func (s *JobSuite) wait(c *check.C, j *Job) nodeapi.JobStatus {
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		phase, state := s.phase(c, j)
		c.Fatalf("timed out waiting for job to finish (phase %s, state %s)", phase, state)
	}
	var st nodeapi.JobStatus
	c.Assert(s.inv.Call(func() {
		st = j.Status()
		c.Check(j.ResourceUsage().IsZero(), check.Equals, true)
		c.Check(s.observer.usage[j.ID()].IsZero(), check.Equals, true)
		var finished int
		for _, id := range s.observer.finished {
			if id == j.ID() {
				finished++
			}
		}
		c.Check(finished, check.Equals, 1)
		phases := s.phases[j.ID()]
		for i := 1; i < len(phases); i++ {
			c.Check(phases[i] > phases[i-1], check.Equals, true, check.Commentf("phases %v", phases))
		}
		c.Check(phases[len(phases)-1], check.Equals, nodeapi.JobPhaseFinished)
	}), check.IsNil)
	c.Check(st.State.Terminal(), check.Equals, true)
	c.Check(st.Phase, check.Equals, nodeapi.JobPhaseFinished)
	c.Assert(st.Result, check.NotNil)
	return st
}

func (s *JobSuite) checkCode(c *check.C, st nodeapi.JobStatus, code nodeapi.ErrorCode) {
	c.Assert(st.Result.Error, check.NotNil)
	_, ok := nodeapi.FindMatching(st.Result.Error, code)
	c.Check(ok, check.Equals, true, check.Commentf("error %v does not contain code %s", st.Result.Error, code))
}

// completeProxy returns a fake job proxy that reports success.
func (s *JobSuite) completeProxy(c *check.C, inspect func(spec environment.ProxySpec)) func(context.Context, environment.ProxySpec) error {
	return func(ctx context.Context, spec environment.ProxySpec) error {
		if inspect != nil {
			inspect(spec)
		}
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.OnJobPrepared(), check.IsNil)
			c.Check(j.SetResult(nodeapi.JobResult{}), check.IsNil)
		})
		return nil
	}
}

// runningProxy returns a fake job proxy that reports readiness and
// then runs until killed.
func (s *JobSuite) runningProxy(c *check.C) func(context.Context, environment.ProxySpec) error {
	return func(ctx context.Context, spec environment.ProxySpec) error {
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.OnJobPrepared(), check.IsNil)
		})
		<-ctx.Done()
		return nil
	}
}

func (s *JobSuite) readProxyConfig(c *check.C, spec environment.ProxySpec) nodeapi.JobProxyConfig {
	var cfg nodeapi.JobProxyConfig
	buf, err := os.ReadFile(spec.ConfigPath)
	c.Check(err, check.IsNil)
	c.Check(yaml.Unmarshal(buf, &cfg), check.IsNil)
	return cfg
}

func (s *JobSuite) TestSuccess(c *check.C) {
	key := s.put(c, "hello world")
	linked := make(chan bool, 1)
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		fi, err := os.Lstat(filepath.Join(spec.SlotPath, string(nodeapi.SandboxUser), "input.txt"))
		linked <- err == nil && fi.Mode()&os.ModeSymlink != 0
		cfg := s.readProxyConfig(c, spec)
		c.Check(cfg.JobID, check.Equals, spec.JobID)
		c.Check(cfg.SandboxPath, check.Equals, filepath.Join(spec.SlotPath, string(nodeapi.SandboxUser)))
		c.Check(cfg.Environment, check.DeepEquals, map[string]string{"FOO": "bar"})
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.SetProgress(0.5), check.IsNil) // ignored: not running yet
			c.Check(j.OnJobPrepared(), check.IsNil)
			c.Check(j.OnJobPrepared(), check.FitsTypeOf, ErrNotRunning{})
			c.Check(j.SetProgress(1.5), check.NotNil)
			c.Check(j.SetProgress(0.5), check.IsNil)
			c.Check(j.ResourceUsage(), check.Equals, s.limits)
			c.Check(j.SetResult(nodeapi.JobResult{Statistics: map[string]interface{}{"rows": 1}}), check.IsNil)
			// The result is only reported once the job is
			// finished.
			c.Check(j.Status().Result, check.IsNil)
		})
		return nil
	}
	j := s.startJob(c, nodeapi.JobSpec{
		Environment: map[string]string{"FOO": "bar"},
		Artifacts:   []nodeapi.ArtifactSpec{{Name: "input.txt", Key: key}},
	}, s.limits)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(st.Result.Error, check.IsNil)
	c.Check(st.Fatal, check.Equals, false)
	c.Check(st.Progress, check.Equals, 0.5)
	c.Check(st.Statistics["rows"], check.Equals, 1)
	c.Check(st.Statistics["environment"], check.DeepEquals, map[string]interface{}{"fake": true})
	c.Check(st.Times.Start.IsZero(), check.Equals, false)
	c.Check(st.Times.Finish.Before(st.Times.Start), check.Equals, false)
	c.Check(<-linked, check.Equals, true)

	var phases []nodeapi.JobPhase
	c.Assert(s.inv.Call(func() { phases = s.phases[j.ID()] }), check.IsNil)
	c.Check(phases, check.DeepEquals, []nodeapi.JobPhase{
		nodeapi.JobPhasePreparingNodeDirectory,
		nodeapi.JobPhaseDownloadingArtifacts,
		nodeapi.JobPhasePreparingSandboxDirectories,
		nodeapi.JobPhasePreparingArtifacts,
		nodeapi.JobPhasePreparingProxy,
		nodeapi.JobPhaseRunning,
		nodeapi.JobPhaseCleanup,
		nodeapi.JobPhaseFinished,
	})

	c.Check(s.env.Started(), check.HasLen, 1)
	c.Check(s.env.Cleaned(), check.DeepEquals, []int{s.env.Started()[0].SlotIndex})
	c.Check(s.slots.Released(), check.Equals, 1)
	c.Check(s.slots.Finished(), check.DeepEquals, []nodeapi.JobState{nodeapi.JobStateCompleted})
	c.Check(s.mgr.GetUsedSlotCount(), check.Equals, 0)

	// A symlinked artifact and no disk request: no quota.
	dm := s.env.DirectoryManager(s.mgr.Locations()[0].Path)
	c.Assert(dm, check.NotNil)
	for _, call := range dm.Calls() {
		c.Check(call, check.Not(check.Matches), "ApplyQuota.*")
	}
}

func (s *JobSuite) TestMinRequiredDiskSpace(c *check.C) {
	s.node.Config.MinRequiredDiskSpace = config.ByteSize(64 << 20)
	loc := s.mgr.Locations()[0]
	s.env.Proxy = s.completeProxy(c, func(spec environment.ProxySpec) {
		dm := s.env.DirectoryManager(loc.Path)
		c.Assert(dm, check.NotNil)
		quota, ok := dm.Quotas()[loc.SandboxPath(spec.SlotIndex, nodeapi.SandboxUser)]
		c.Check(ok, check.Equals, true)
		c.Check(quota.DiskSpaceLimit, check.Equals, int64(64<<20))
	})
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
}

func (s *JobSuite) TestCopiedAndStreamedArtifacts(c *check.C) {
	key := s.put(c, "#!/bin/sh\necho hi\n")
	type placed struct {
		copied, streamed os.FileInfo
		input            []nodeapi.InputContextEntry
	}
	got := make(chan placed, 1)
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		var p placed
		p.copied, _ = os.Lstat(filepath.Join(spec.SlotPath, string(nodeapi.SandboxUser), "copied"))
		p.streamed, _ = os.Lstat(filepath.Join(spec.SlotPath, string(nodeapi.SandboxTmp), "bin", "tool"))
		s.onJob(c, spec.JobID, func(j *Job) {
			var err error
			p.input, err = j.DumpInputContext()
			c.Check(err, check.IsNil)
			c.Check(j.OnJobPrepared(), check.IsNil)
			c.Check(j.SetResult(nodeapi.JobResult{}), check.IsNil)
		})
		got <- p
		return nil
	}
	j := s.startJob(c, nodeapi.JobSpec{
		Artifacts: []nodeapi.ArtifactSpec{
			{Name: "copied", Key: key, CopyFile: true},
			{Name: "bin/tool", Kind: nodeapi.SandboxTmp, Key: key, BypassCache: true, Executable: true},
		},
	}, s.limits)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	p := <-got
	c.Assert(p.copied, check.NotNil)
	c.Check(p.copied.Mode().IsRegular(), check.Equals, true)
	c.Check(p.copied.Mode().Perm(), check.Equals, os.FileMode(0644))
	c.Assert(p.streamed, check.NotNil)
	c.Check(p.streamed.Mode().IsRegular(), check.Equals, true)
	c.Check(p.streamed.Mode().Perm(), check.Equals, os.FileMode(0755))

	sum := fmt.Sprintf("%x", sha256.Sum256([]byte("#!/bin/sh\necho hi\n")))
	c.Assert(p.input, check.HasLen, 2)
	c.Check(p.input[0].Name, check.Equals, "copied")
	c.Check(p.input[0].Kind, check.Equals, nodeapi.SandboxUser)
	c.Check(p.input[1].Name, check.Equals, "bin/tool")
	c.Check(p.input[1].Kind, check.Equals, nodeapi.SandboxTmp)
	for _, ent := range p.input {
		c.Check(ent.SHA256, check.Equals, sum)
		c.Check(ent.Size, check.Equals, int64(18))
	}
	// Only the cached artifact was downloaded by the cache; the
	// streamed one was read again by the producer.
	c.Check(s.backend.Reads(key.Chunks[0].ID), check.Equals, 2)
}

func (s *JobSuite) TestAbortWhilePlacingArtifacts(c *check.C) {
	key := s.put(c, "streamed content")
	s.backend.Block()
	j := s.startJob(c, nodeapi.JobSpec{
		Artifacts: []nodeapi.ArtifactSpec{{Name: "data", Key: key, BypassCache: true}},
	}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhasePreparingArtifacts)
	c.Assert(s.inv.Call(func() {
		j.Abort(nodeapi.NewError(nodeapi.ErrorGeneric, "scheduler lost interest").WithAbortReason(nodeapi.AbortReasonScheduler))
		c.Check(j.State(), check.Equals, nodeapi.JobStateAborting)
		// Placement is still blocked.
		c.Check(j.Phase(), check.Equals, nodeapi.JobPhasePreparingArtifacts)
		// A second abort has no effect.
		j.Abort(nil)
	}), check.IsNil)
	s.backend.Unblock()
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonScheduler)
	c.Check(st.Result.Error.Message, check.Equals, "scheduler lost interest")
	c.Check(s.env.Started(), check.HasLen, 0)
	c.Check(s.slots.Released(), check.Equals, 1)
	c.Check(s.slots.Finished(), check.DeepEquals, []nodeapi.JobState{nodeapi.JobStateAborted})
}

func (s *JobSuite) TestFirstErrorWins(c *check.C) {
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.OnJobPrepared(), check.IsNil)
			c.Check(j.SetResult(nodeapi.JobResult{Error: nodeapi.NewError(nodeapi.ErrorGeneric, "first")}), check.IsNil)
			c.Check(j.SetResult(nodeapi.JobResult{Error: nodeapi.NewError(nodeapi.ErrorAbortByScheduler, "second")}), check.IsNil)
			c.Check(j.SetResult(nodeapi.JobResult{}), check.IsNil)
		})
		return nil
	}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	c.Check(st.Result.Error.Message, check.Equals, "first")
}

func (s *JobSuite) TestProxyFailure(c *check.C) {
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		c.Check(os.WriteFile(spec.LogPath, []byte("proxy crashed\n"), 0644), check.IsNil)
		c.Check(os.WriteFile(filepath.Join(spec.SlotPath, string(nodeapi.SandboxLogs), nodeapi.StderrFileName), []byte("oops\n"), 0644), check.IsNil)
		return errors.New("exit status 3")
	}
	j := s.startJob(c, nodeapi.JobSpec{}, s.limits)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	c.Check(st.Fatal, check.Equals, false)
	s.checkCode(c, st, nodeapi.ErrorJobProxyFailed)
	c.Check(st.Result.Error.Error(), check.Matches, `.*exit status 3.*`)
	c.Assert(s.inv.Call(func() {
		stderr, err := j.GetStderr()
		c.Check(err, check.IsNil)
		c.Check(stderr, check.Equals, "oops\n")
		ctx, ok := j.GetFailContext()
		c.Check(ok, check.Equals, true)
		c.Check(ctx, check.Equals, "proxy crashed\n")
	}), check.IsNil)
	c.Check(s.slots.Released(), check.Equals, 1)
}

func (s *JobSuite) TestProxyExitWithoutResult(c *check.C) {
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.OnJobPrepared(), check.IsNil)
		})
		return nil
	}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	s.checkCode(c, st, nodeapi.ErrorJobProxyFailed)
}

func (s *JobSuite) TestSpawnFailure(c *check.C) {
	s.env.SpawnErr = nodeapi.NewError(nodeapi.ErrorJobEnvironmentDisabled, "no more processes")
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonOther)
	c.Check(s.slots.Released(), check.Equals, 1)
}

func (s *JobSuite) TestAbortWhileRunning(c *check.C) {
	s.env.Proxy = s.runningProxy(c)
	j := s.startJob(c, nodeapi.JobSpec{}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhaseRunning)
	c.Assert(s.inv.Call(func() { j.Abort(nil) }), check.IsNil)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonScheduler)
	s.checkCode(c, st, nodeapi.ErrorAbortByScheduler)
	c.Check(s.env.Cleaned(), check.HasLen, 1)
	c.Check(s.slots.Finished(), check.DeepEquals, []nodeapi.JobState{nodeapi.JobStateAborted})
	// Aborting a finished job is a no-op.
	c.Assert(s.inv.Call(func() {
		j.Abort(nil)
		c.Check(j.Phase(), check.Equals, nodeapi.JobPhaseFinished)
	}), check.IsNil)
}

func (s *JobSuite) TestSignalAndInterrupt(c *check.C) {
	s.env.Proxy = s.runningProxy(c)
	j := s.startJob(c, nodeapi.JobSpec{}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhaseRunning)
	var index int
	c.Assert(s.inv.Call(func() {
		index = j.SlotIndex()
		c.Check(j.SignalJob("TERM"), check.IsNil)
		c.Check(j.SignalJob("SIGUSR1"), check.IsNil)
		c.Check(j.SignalJob("SIGBOGUS"), check.ErrorMatches, `unknown signal.*`)
		c.Check(j.Interrupt(), check.IsNil)
	}), check.IsNil)
	c.Check(s.env.Signals(), check.DeepEquals, []string{
		fmt.Sprintf("%d %s", index, syscall.SIGTERM),
		fmt.Sprintf("%d %s", index, syscall.SIGUSR1),
		fmt.Sprintf("%d %s", index, syscall.SIGINT),
	})
	c.Assert(s.inv.Call(func() {
		j.SetResult(nodeapi.JobResult{Error: nodeapi.NewError(nodeapi.ErrorGeneric, "exit status 143")})
		j.Abort(nodeapi.NewError(nodeapi.ErrorGeneric, "stopped"))
	}), check.IsNil)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonUserRequest)
	c.Assert(s.inv.Call(func() {
		c.Check(j.Interrupt(), check.FitsTypeOf, ErrNotRunning{})
	}), check.IsNil)
}

func (s *JobSuite) TestInterruptBeforeRunning(c *check.C) {
	key := s.put(c, "slow")
	s.backend.Block()
	j := s.startJob(c, nodeapi.JobSpec{
		Artifacts: []nodeapi.ArtifactSpec{{Name: "slow", Key: key}},
	}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhaseDownloadingArtifacts)
	c.Assert(s.inv.Call(func() {
		c.Check(j.SignalJob("TERM"), check.FitsTypeOf, ErrNotRunning{})
		c.Check(j.Fail(), check.FitsTypeOf, ErrNotRunning{})
		c.Check(j.Interrupt(), check.IsNil)
	}), check.IsNil)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonScheduler)
	s.checkCode(c, st, nodeapi.ErrorJobNotPrepared)
	c.Check(s.slots.Released(), check.Equals, 1)
}

func (s *JobSuite) TestFail(c *check.C) {
	s.env.Proxy = s.runningProxy(c)
	j := s.startJob(c, nodeapi.JobSpec{}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhaseRunning)
	c.Assert(s.inv.Call(func() { c.Check(j.Fail(), check.IsNil) }), check.IsNil)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	s.checkCode(c, st, nodeapi.ErrorJobFailedByRequest)
}

func (s *JobSuite) TestPrepareTimeout(c *check.C) {
	s.node.Config.JobPrepareTimeLimit = config.Duration(100 * time.Millisecond)
	key := s.put(c, "never arrives")
	s.backend.Block()
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{
		Artifacts: []nodeapi.ArtifactSpec{{Name: "data", Key: key}},
	}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonOther)
	s.checkCode(c, st, nodeapi.ErrorJobPreparationTimeout)
	c.Check(s.env.Started(), check.HasLen, 0)
}

func (s *JobSuite) TestProxyPreparationTimeout(c *check.C) {
	s.node.Config.JobProxyPreparationTimeout = config.Duration(100 * time.Millisecond)
	// Runs, but never reports readiness.
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		<-ctx.Done()
		return nil
	}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	s.checkCode(c, st, nodeapi.ErrorJobProxyPreparationTimeout)
	c.Check(s.env.Cleaned(), check.HasLen, 1)
}

func (s *JobSuite) TestAbortionTimeout(c *check.C) {
	s.node.Config.JobAbortionTimeout = config.Duration(100 * time.Millisecond)
	release := make(chan struct{})
	// Ignores the kill until released.
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		s.onJob(c, spec.JobID, func(j *Job) {
			c.Check(j.OnJobPrepared(), check.IsNil)
		})
		<-release
		return nil
	}
	j := s.startJob(c, nodeapi.JobSpec{}, s.limits)
	s.waitPhase(c, j, nodeapi.JobPhaseRunning)
	c.Assert(s.inv.Call(func() { j.Abort(nil) }), check.IsNil)
	loc := s.mgr.Locations()[0]
	deadline := time.Now().Add(10 * time.Second)
	for loc.IsEnabled() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(loc.IsEnabled(), check.Equals, false)
	var timedOut bool
	for _, a := range s.alerts.List() {
		if _, ok := nodeapi.FindMatching(a.Error, nodeapi.ErrorJobAbortionTimeout); ok {
			timedOut = true
		}
	}
	c.Check(timedOut, check.Equals, true)
	close(release)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(s.slots.Released(), check.Equals, 1)
}

func (s *JobSuite) TestDownloadFailure(c *check.C) {
	key := s.put(c, "corrupt")
	s.backend.Fail(key.Chunks[0].ID, errors.New("disk on fire"))
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{
		Artifacts: []nodeapi.ArtifactSpec{{Name: "data", Key: key}},
	}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonFailedChunks)
	s.checkCode(c, st, nodeapi.ErrorArtifactDownloadFailed)
	c.Check(s.env.Started(), check.HasLen, 0)
	c.Check(s.slots.Released(), check.Equals, 1)
}

func (s *JobSuite) TestEmptyLayer(c *check.C) {
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{
		Layers: []nodeapi.ArtifactKey{{}},
	}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	c.Check(st.Fatal, check.Equals, true)
	s.checkCode(c, st, nodeapi.ErrorRootVolumePreparationFailed)
	s.checkCode(c, st, nodeapi.ErrorNoSuchLayer)
}

func tarball(c *check.C, files map[string]string) string {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		c.Assert(tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Now(),
		}), check.IsNil)
		_, err := tw.Write([]byte(content))
		c.Assert(err, check.IsNil)
	}
	c.Assert(tw.Close(), check.IsNil)
	return buf.String()
}

func (s *JobSuite) TestLayers(c *check.C) {
	base := s.put(c, tarball(c, map[string]string{"etc/os-release": "base\n", "etc/motd": "hi\n"}))
	top := s.put(c, tarball(c, map[string]string{"etc/os-release": "top\n"}))
	s.node.Config.SetupCommands = []string{"touch /etc/ready"}
	var rootPath string
	s.env.Proxy = s.completeProxy(c, func(spec environment.ProxySpec) {
		cfg := s.readProxyConfig(c, spec)
		rootPath = cfg.RootPath
		c.Check(rootPath, check.Equals, filepath.Join(spec.SlotPath, slot.RootVolumeDir))
		buf, err := os.ReadFile(filepath.Join(rootPath, "etc", "os-release"))
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, "top\n")
		buf, err = os.ReadFile(filepath.Join(rootPath, "etc", "motd"))
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, "hi\n")
	})
	j := s.startJob(c, nodeapi.JobSpec{Layers: []nodeapi.ArtifactKey{base, top}}, s.limits)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(s.env.SetupCommands(), check.DeepEquals, []string{"touch /etc/ready"})
	c.Assert(rootPath, check.Not(check.Equals), "")
	_, err := os.Stat(rootPath)
	c.Check(os.IsNotExist(err), check.Equals, true)

	var phases []nodeapi.JobPhase
	c.Assert(s.inv.Call(func() { phases = s.phases[j.ID()] }), check.IsNil)
	c.Check(phases, check.DeepEquals, []nodeapi.JobPhase{
		nodeapi.JobPhasePreparingNodeDirectory,
		nodeapi.JobPhaseDownloadingArtifacts,
		nodeapi.JobPhasePreparingSandboxDirectories,
		nodeapi.JobPhasePreparingArtifacts,
		nodeapi.JobPhasePreparingRootVolume,
		nodeapi.JobPhaseRunningSetupCommands,
		nodeapi.JobPhasePreparingProxy,
		nodeapi.JobPhaseRunning,
		nodeapi.JobPhaseCleanup,
		nodeapi.JobPhaseFinished,
	})
}

func (s *JobSuite) TestSetupCommandFailure(c *check.C) {
	s.node.Config.SetupCommands = []string{"false"}
	s.env.SetupErr = nodeapi.NewError(nodeapi.ErrorSetupCommandFailed, "setup command %q failed", "false")
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
	c.Check(st.Fatal, check.Equals, true)
	c.Check(s.env.Started(), check.HasLen, 0)
}

func (s *JobSuite) TestNodeDirectory(c *check.C) {
	dir := &fakeDirectory{resolveOn: 3}
	s.node.Directory = dir
	s.node.Config.NodeDirectoryPrepareRetryCount = 5
	s.node.Config.NodeDirectoryPrepareBackoffTime = config.Duration(10 * time.Millisecond)
	key := s.put(c, "replicated")
	key.Chunks[0].Replicas = []string{"node-b", "node-a", "node-b"}
	s.env.Proxy = s.completeProxy(c, nil)
	j := s.startJob(c, nodeapi.JobSpec{Artifacts: []nodeapi.ArtifactSpec{{Name: "data", Key: key}}}, s.limits)
	st := s.wait(c, j)
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(dir.Lookups(), check.Equals, 3)
	c.Assert(s.inv.Call(func() {
		c.Check(j.addresses, check.DeepEquals, map[string]string{
			"node-a": "node-a.example:9000",
			"node-b": "node-b.example:9000",
		})
	}), check.IsNil)
}

func (s *JobSuite) TestNodeDirectoryUnresolved(c *check.C) {
	s.node.Directory = &fakeDirectory{}
	s.node.Config.NodeDirectoryPrepareRetryCount = 2
	s.node.Config.NodeDirectoryPrepareBackoffTime = config.Duration(time.Millisecond)
	key := s.put(c, "replicated")
	key.Chunks[0].Replicas = []string{"node-x"}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{Artifacts: []nodeapi.ArtifactSpec{{Name: "data", Key: key}}}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonOther)
	s.checkCode(c, st, nodeapi.ErrorNodeDirectoryPreparationFailed)
	ids, ok := nodeapi.FindAttribute(st.Result.Error, "node_ids")
	c.Check(ok, check.Equals, true)
	c.Check(ids, check.DeepEquals, []string{"node-x"})
}

func (s *JobSuite) TestNoSlot(c *check.C) {
	s.mgr.Disable(errors.New("maintenance"))
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonOther)
	s.checkCode(c, st, nodeapi.ErrorSlotNotFound)
	c.Check(s.slots.Released(), check.Equals, 0)
	c.Check(s.slots.Finished(), check.HasLen, 0)
}

func (s *JobSuite) TestGPUs(c *check.C) {
	s.node.GPUs = gpu.NewManager(ctxlog.TestLogger(c), nil, []string{"/dev/nvidia0"})
	limits := s.limits
	limits.GPU = 1
	s.env.Proxy = s.completeProxy(c, func(spec environment.ProxySpec) {
		c.Check(s.readProxyConfig(c, spec).GPUDevices, check.DeepEquals, []string{"/dev/nvidia0"})
		c.Check(s.node.GPUs.Free(), check.Equals, 0)
	})
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(s.node.GPUs.Free(), check.Equals, 1)

	limits.GPU = 2
	st = s.wait(c, s.startJob(c, nodeapi.JobSpec{}, limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonResourceOverdraft)
	c.Check(s.env.Started(), check.HasLen, 1)
	c.Check(s.node.GPUs.Free(), check.Equals, 1)
}

func (s *JobSuite) TestOverdraftOnStart(c *check.C) {
	s.observer.capacity = &nodeapi.ResourceVector{CPU: 0.5, Memory: 1 << 40, UserSlots: 8}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
	c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonResourceOverdraft)
	c.Check(s.mgr.GetUsedSlotCount(), check.Equals, 0)
	c.Check(s.slots.Released(), check.Equals, 0)
}

func (s *JobSuite) TestAccountLimit(c *check.C) {
	for _, abort := range []bool{true, false} {
		s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
			s.onJob(c, spec.JobID, func(j *Job) {
				c.Check(j.OnJobPrepared(), check.IsNil)
				c.Check(j.SetResult(nodeapi.JobResult{Error: nodeapi.NewError(nodeapi.ErrorAccountLimitExceeded, "quota exceeded")}), check.IsNil)
			})
			return nil
		}
		st := s.wait(c, s.startJob(c, nodeapi.JobSpec{AbortOnAccountLimitExceeded: abort}, s.limits))
		if abort {
			c.Check(st.State, check.Equals, nodeapi.JobStateAborted)
			c.Check(st.AbortReason, check.Equals, nodeapi.AbortReasonAccountLimitExceeded)
		} else {
			c.Check(st.State, check.Equals, nodeapi.JobStateFailed)
			c.Check(st.Fatal, check.Equals, true)
		}
	}
}

func (s *JobSuite) TestResourceUsageUpdates(c *check.C) {
	s.env.Proxy = func(ctx context.Context, spec environment.ProxySpec) error {
		s.onJob(c, spec.JobID, func(j *Job) {
			less := s.limits
			less.Memory /= 2
			// Ignored before the job is running.
			j.UpdateResourceUsage(less)
			c.Check(j.ResourceUsage(), check.Equals, s.limits)
			c.Check(j.OnJobPrepared(), check.IsNil)
			j.UpdateResourceUsage(less)
			c.Check(j.ResourceUsage(), check.Equals, less)
			c.Check(s.observer.usage[j.ID()], check.Equals, less)
			c.Check(j.SetResult(nodeapi.JobResult{}), check.IsNil)
		})
		return nil
	}
	st := s.wait(c, s.startJob(c, nodeapi.JobSpec{}, s.limits))
	c.Check(st.State, check.Equals, nodeapi.JobStateCompleted)
	c.Check(st.ResourceUsage.IsZero(), check.Equals, true)
}

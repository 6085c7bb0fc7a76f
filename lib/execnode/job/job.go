// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package job implements the lifecycle of a single job on an exec
// node: acquiring a slot, staging artifacts into its sandbox,
// supervising the job proxy, and releasing everything afterwards.
//
// All exported methods of Job, except where noted, must be called on
// the control invoker (see package actor). Blocking work runs in
// worker goroutines whose results re-enter the invoker through
// guarded continuations.
package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/actor"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/artifact"
	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/gpu"
	"git.arvados.org/execnode.git/lib/execnode/jobshell"
	"git.arvados.org/execnode.git/lib/execnode/slot"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/sirupsen/logrus"
)

// SlotManager is the part of slot.Manager a job uses.
type SlotManager interface {
	AcquireSlot(nodeapi.DiskRequest) (*slot.Slot, error)
	ReleaseSlot(index int)
	OnJobFinished(nodeapi.JobState)
}

// NodeDirectory resolves node IDs to addresses. It is called from
// worker goroutines.
type NodeDirectory interface {
	// Lookup returns the addresses of the given nodes, and the
	// IDs that could not be resolved.
	Lookup(ids []string) (addrs map[string]string, missing []string)
}

// Observer is notified of job events on the control invoker.
type Observer interface {
	// ResourcesUpdated is called when the job's resource usage
	// changes by delta.
	ResourcesUpdated(j *Job, delta nodeapi.ResourceVector)
	// JobFinished is called once, when the job's terminal state
	// is known and its resource usage has dropped to zero.
	JobFinished(j *Job)
}

// Node is the part of the exec node a job depends on. It is shared
// by all jobs.
type Node struct {
	Logger      logrus.FieldLogger
	Invoker     *actor.Invoker
	Slots       SlotManager
	Environment environment.Environment
	Artifacts   artifact.Source
	GPUs        *gpu.Manager
	Directory   NodeDirectory
	Classifier  *Classifier
	Alerts      *alert.Registry
	Config      config.JobControllerConfig
	Observer    Observer

	// Written to the job proxy config so the proxy can reach the
	// node's control surface.
	NodeURL   string
	AuthToken string
	// Command run by job shells. Default /bin/sh.
	ShellCommand []string
}

const maxCapturedLog = 64 << 10

// Job is one job running (or about to run, or recently finished) on
// this node.
type Job struct {
	id          string
	operationID string
	spec        nodeapi.JobSpec
	limits      nodeapi.ResourceVector
	node        *Node
	logger      logrus.FieldLogger

	state      nodeapi.JobState
	phase      nodeapi.JobPhase
	usage      nodeapi.ResourceVector
	progress   float64
	result     *nodeapi.JobResult
	statistics map[string]interface{}
	times      nodeapi.JobTimes
	outcome    Outcome
	signaled   bool

	// Cancelled at cleanup; stops downloads and the node
	// directory wait.
	ctx    context.Context
	cancel context.CancelFunc

	slot        *slot.Slot
	slotIndex   int
	diskRequest nodeapi.DiskRequest // as reserved in the slot
	gpus        *gpu.Lease
	handles     []*artifact.Handle // by artifact; nil if not cached
	layers      []*artifact.Handle
	addresses   map[string]string
	tmpfs       []string
	rootPath    string

	proxyStarted bool
	inputContext []nodeapi.InputContextEntry
	stderr       *string
	failContext  *string
	shells       *jobshell.Manager

	prepareTimer *time.Timer
	proxyTimer   *time.Timer
	abortTimer   *time.Timer

	// Called on each phase change (tests).
	onPhase func(nodeapi.JobPhase)

	done chan struct{}
}

// New returns a job in the Waiting state. Call Start to run it.
func New(node *Node, info nodeapi.JobStartInfo) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	logger := node.Logger.WithFields(logrus.Fields{
		"JobID":       info.JobID,
		"OperationID": info.OperationID,
	})
	return &Job{
		id:          info.JobID,
		operationID: info.OperationID,
		spec:        info.Spec,
		limits:      info.ResourceLimits,
		node:        node,
		logger:      logger,
		state:       nodeapi.JobStateWaiting,
		phase:       nodeapi.JobPhaseCreated,
		ctx:         ctx,
		cancel:      cancel,
		slotIndex:   -1,
		shells:      &jobshell.Manager{Command: node.ShellCommand, Logger: logger},
		done:        make(chan struct{}),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) OperationID() string {
	return j.operationID
}

func (j *Job) Spec() nodeapi.JobSpec {
	return j.spec
}

func (j *Job) Limits() nodeapi.ResourceVector {
	return j.limits
}

func (j *Job) State() nodeapi.JobState {
	return j.state
}

func (j *Job) Phase() nodeapi.JobPhase {
	return j.phase
}

func (j *Job) Progress() float64 {
	return j.progress
}

// ResourceUsage returns the resources currently held by the job.
func (j *Job) ResourceUsage() nodeapi.ResourceVector {
	return j.usage
}

// SlotIndex returns the index of the job's slot, or -1 if the job
// has not acquired one.
func (j *Job) SlotIndex() int {
	return j.slotIndex
}

// Result returns the job's result, or nil if none has been set.
func (j *Job) Result() *nodeapi.JobResult {
	return j.result
}

// Done returns a channel that is closed when the job reaches the
// Finished phase. It is safe to call from any goroutine.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status returns a snapshot of the job for a heartbeat.
func (j *Job) Status() nodeapi.JobStatus {
	st := nodeapi.JobStatus{
		JobID:         j.id,
		OperationID:   j.operationID,
		State:         j.state,
		Phase:         j.phase,
		Progress:      j.progress,
		ResourceUsage: j.usage,
		Times:         j.times,
		Statistics:    j.statistics,
	}
	if j.state.Terminal() {
		st.Fatal = j.outcome.Fatal
		st.AbortReason = j.outcome.AbortReason
		if j.result != nil {
			res := *j.result
			st.Result = &res
		}
	}
	return st
}

func (j *Job) setPhase(phase nodeapi.JobPhase) {
	if phase < j.phase {
		j.logger.WithFields(logrus.Fields{
			"Phase":    j.phase,
			"NewPhase": phase,
		}).Error("BUG: job phase cannot move backwards")
		return
	}
	j.logger.WithField("Phase", phase).Debug("job phase changed")
	j.phase = phase
	if j.onPhase != nil {
		j.onPhase(phase)
	}
}

func (j *Job) setState(state nodeapi.JobState) {
	j.logger.WithField("State", state).Debug("job state changed")
	j.state = state
}

func (j *Job) setUsage(usage nodeapi.ResourceVector) {
	delta := usage.Sub(j.usage)
	j.usage = usage
	if !delta.IsZero() && j.node.Observer != nil {
		j.node.Observer.ResourcesUpdated(j, delta)
	}
}

// setResult records res unless an error result was already
// recorded.
func (j *Job) setResult(res nodeapi.JobResult) {
	if j.result != nil && j.result.Error != nil {
		return
	}
	j.result = &res
	if j.times.Finish.IsZero() {
		j.times.Finish = time.Now()
	}
}

func (j *Job) setResultError(err error) {
	j.setResult(nodeapi.JobResult{Error: nodeapi.FromError(err)})
}

// Start acquires a slot for the job and begins preparation.
func (j *Job) Start() {
	if j.phase != nodeapi.JobPhaseCreated || j.state != nodeapi.JobStateWaiting {
		return
	}
	j.logger.WithField("ResourceLimits", j.limits.String()).Info("starting job")
	j.times.Start = time.Now()
	j.setState(nodeapi.JobStateRunning)
	j.setUsage(j.limits)
	if j.phase != nodeapi.JobPhaseCreated || j.state != nodeapi.JobStateRunning {
		// Aborted by an observer, e.g., resource overdraft.
		return
	}
	if d := j.node.Config.JobPrepareTimeLimit.Duration(); d > 0 {
		j.prepareTimer = j.node.Invoker.After(d, j.onPrepareTimeout)
	}
	if err := j.acquireResources(); err != nil {
		j.handleError(err)
		return
	}
	j.setPhase(nodeapi.JobPhasePreparingNodeDirectory)
	go j.prepareNodeDirectory(j.ctx, j.replicaNodeIDs())
}

func (j *Job) acquireResources() error {
	if j.limits.GPU > 0 && j.node.GPUs != nil {
		lease, err := j.node.GPUs.Acquire(j.id, j.limits.GPU)
		if err != nil {
			return err
		}
		j.gpus = lease
	}
	req := j.spec.DiskRequest
	if req.DiskSpace == 0 {
		req.DiskSpace = j.node.Config.MinRequiredDiskSpace
	}
	s, err := j.node.Slots.AcquireSlot(req)
	if err != nil {
		return err
	}
	j.slot, j.slotIndex = s, s.Index
	j.diskRequest = req
	j.logger = j.logger.WithFields(logrus.Fields{
		"SlotIndex": s.Index,
		"Location":  s.Location().Path,
	})
	return nil
}

// Abort stops the job with the given error as its result. It has no
// effect once the job is cleaning up.
func (j *Job) Abort(err error) {
	if err == nil {
		err = nodeapi.NewError(nodeapi.ErrorAbortByScheduler, "job aborted")
	}
	j.logger.WithError(err).WithField("Phase", j.phase).Info("job abort requested")
	if j.phase >= nodeapi.JobPhaseCleanup {
		j.logger.WithField("Phase", j.phase).Debug("cannot abort job that is already finishing")
		return
	}
	if j.state == nodeapi.JobStateAborting {
		return
	}
	j.setState(nodeapi.JobStateAborting)
	j.setResultError(err)
	j.armAbortTimer()
	switch {
	case j.phase <= nodeapi.JobPhaseDownloadingArtifacts:
		j.cancel()
		j.node.Invoker.Post(j.cleanup)
	case j.phase < nodeapi.JobPhaseRunning && !j.proxyStarted:
		// The pending continuation will see the Aborting
		// state and clean up.
		j.slot.CancelPreparation()
	default:
		j.cleanup()
	}
}

// handleError records err as the job's result and cleans up.
func (j *Job) handleError(err error) {
	j.logger.WithError(err).WithField("Phase", j.phase).Warn("job failed")
	j.setResultError(err)
	j.cleanup()
}

// guardedAction returns a continuation that runs f if the job is
// still in the expected phase. If the job was aborted in the
// meantime, the continuation starts cleanup instead. An error
// returned by f becomes the job's result.
func (j *Job) guardedAction(expect nodeapi.JobPhase, f func() error) func() {
	return func() {
		if j.phase >= nodeapi.JobPhaseCleanup {
			return
		}
		if j.state == nodeapi.JobStateAborting {
			j.cleanup()
			return
		}
		if j.phase != expect {
			j.handleError(fmt.Errorf("unexpected job phase %s (expected %s)", j.phase, expect))
			return
		}
		if err := f(); err != nil {
			j.handleError(err)
		}
	}
}

func (j *Job) armAbortTimer() {
	d := j.node.Config.JobAbortionTimeout.Duration()
	if d <= 0 || j.abortTimer != nil {
		return
	}
	j.abortTimer = j.node.Invoker.After(d, func() {
		if j.phase == nodeapi.JobPhaseFinished {
			return
		}
		err := nodeapi.NewError(nodeapi.ErrorJobAbortionTimeout, "job %s was not finished within %s of abort (phase %s)", j.id, d, j.phase)
		j.logger.WithError(err).Error("job abortion timed out")
		if j.slot != nil {
			j.slot.Location().Disable(err)
		} else if j.node.Alerts != nil {
			j.node.Alerts.Set("job:"+j.id, err, false)
		}
	})
}

func (j *Job) onPrepareTimeout() {
	if j.phase >= nodeapi.JobPhaseRunning || j.state == nodeapi.JobStateAborting {
		return
	}
	j.Abort(nodeapi.NewError(nodeapi.ErrorJobPreparationTimeout, "job was not prepared within %s", j.node.Config.JobPrepareTimeLimit))
}

func (j *Job) onProxyTimeout() {
	if j.phase != nodeapi.JobPhasePreparingProxy || j.state == nodeapi.JobStateAborting {
		return
	}
	j.Abort(nodeapi.NewError(nodeapi.ErrorJobProxyPreparationTimeout, "job proxy did not report readiness within %s", j.node.Config.JobProxyPreparationTimeout))
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// cleanup kills the job's processes, decides its terminal state,
// and releases everything it holds. The blocking steps run in
// worker goroutines; the job reaches Finished when they are done.
func (j *Job) cleanup() {
	if j.phase >= nodeapi.JobPhaseCleanup {
		return
	}
	j.logger.WithField("Phase", j.phase).Info("cleaning up after job")
	j.setPhase(nodeapi.JobPhaseCleanup)
	stopTimer(j.prepareTimer)
	stopTimer(j.proxyTimer)
	j.cancel()
	s, rootPath := j.slot, j.rootPath
	if s != nil {
		s.CancelPreparation()
	}
	go func() {
		j.shells.TerminateAll()
		var (
			stats       map[string]interface{}
			stderr      *string
			failContext *string
		)
		if s != nil {
			stats = j.node.Environment.Statistics(s.Index)
			if err := j.node.Environment.CleanProcesses(context.Background(), s.Index); err != nil {
				j.logger.WithError(err).Error("failed to clean job processes")
			}
			stderr = readTail(filepath.Join(s.SandboxPath(nodeapi.SandboxLogs), nodeapi.StderrFileName))
			failContext = readTail(filepath.Join(s.SlotPath(), slot.ProxyLogFileName))
		}
		if rootPath != "" {
			if err := os.RemoveAll(rootPath); err != nil {
				j.logger.WithError(err).Error("failed to remove root volume")
			}
		}
		j.node.Invoker.Post(func() { j.finalize(stats, stderr, failContext) })
	}()
}

// finalize sets the terminal state and releases resources.
func (j *Job) finalize(stats map[string]interface{}, stderr, failContext *string) {
	if j.result == nil {
		j.setResult(nodeapi.JobResult{})
	}
	j.outcome = j.node.Classifier.Classify(j.result.Error, j.spec.AbortOnAccountLimitExceeded, j.signaled)
	if j.outcome.State == nodeapi.JobStateCompleted && j.state == nodeapi.JobStateAborting {
		j.outcome = Outcome{State: nodeapi.JobStateAborted, AbortReason: nodeapi.AbortReasonOther}
	}
	j.setState(j.outcome.State)
	if len(stats) > 0 {
		if j.statistics == nil {
			j.statistics = map[string]interface{}{}
		}
		j.statistics["environment"] = stats
	}
	j.stderr = stderr
	if j.outcome.State != nodeapi.JobStateCompleted {
		j.failContext = failContext
	}
	logger := j.logger.WithField("State", j.state)
	if j.result.Error != nil {
		logger = logger.WithError(j.result.Error)
	}
	logger.Info("job result")

	j.setUsage(nodeapi.ResourceVector{})
	if j.node.Observer != nil {
		j.node.Observer.JobFinished(j)
	}

	s := j.slot
	go func() {
		if s != nil {
			if err := s.CleanSandbox(context.Background()); err != nil {
				j.logger.WithError(err).Error("failed to clean sandbox")
			}
		}
		j.node.Invoker.Post(j.finish)
	}()
}

func (j *Job) finish() {
	if j.slot != nil {
		j.node.Slots.ReleaseSlot(j.slot.Index)
	}
	j.gpus.Release()
	for _, h := range append(j.handles, j.layers...) {
		if h != nil {
			h.Release()
		}
	}
	j.handles, j.layers = nil, nil
	j.setPhase(nodeapi.JobPhaseFinished)
	stopTimer(j.abortTimer)
	if j.slot != nil {
		j.node.Slots.OnJobFinished(j.state)
		j.slot = nil
	}
	j.logger.WithField("State", j.state).Info("job finished")
	close(j.done)
}

func readTail(path string) *string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil && fi.Size() > maxCapturedLog {
		f.Seek(fi.Size()-maxCapturedLog, io.SeekStart)
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxCapturedLog))
	if err != nil {
		return nil
	}
	s := string(buf)
	return &s
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"git.arvados.org/execnode.git/lib/execnode/jobshell"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by operations that need a running job
// proxy.
type ErrNotRunning struct {
	JobID string
	State nodeapi.JobState
	Phase nodeapi.JobPhase
}

func (e ErrNotRunning) Error() string {
	return fmt.Sprintf("job %s is not running (state %s, phase %s)", e.JobID, e.State, e.Phase)
}

func (j *Job) validateRunning() error {
	if j.phase != nodeapi.JobPhaseRunning || j.state != nodeapi.JobStateRunning {
		return ErrNotRunning{JobID: j.id, State: j.state, Phase: j.phase}
	}
	return nil
}

// OnJobPrepared is called when the job proxy reports that the user
// payload is about to start.
func (j *Job) OnJobPrepared() error {
	if j.phase != nodeapi.JobPhasePreparingProxy || j.state != nodeapi.JobStateRunning {
		return ErrNotRunning{JobID: j.id, State: j.state, Phase: j.phase}
	}
	j.logger.Info("job prepared")
	stopTimer(j.prepareTimer)
	stopTimer(j.proxyTimer)
	j.setPhase(nodeapi.JobPhaseRunning)
	return nil
}

// SetResult records the result reported by the job proxy. Once an
// error result is recorded, later results are ignored.
func (j *Job) SetResult(res nodeapi.JobResult) error {
	if j.phase < nodeapi.JobPhasePreparingProxy || j.phase >= nodeapi.JobPhaseCleanup {
		return ErrNotRunning{JobID: j.id, State: j.state, Phase: j.phase}
	}
	if res.Statistics != nil {
		j.statistics = res.Statistics
	}
	j.setResult(res)
	return nil
}

// SetProgress records the job's progress, a number between 0 and 1.
// It is ignored unless the job is running.
func (j *Job) SetProgress(progress float64) error {
	if progress < 0 || progress > 1 {
		return fmt.Errorf("progress %g is out of range [0, 1]", progress)
	}
	if j.phase == nodeapi.JobPhaseRunning {
		j.progress = progress
	}
	return nil
}

// SetStatistics replaces the job's statistics.
func (j *Job) SetStatistics(stats map[string]interface{}) {
	if j.phase == nodeapi.JobPhasePreparingProxy || j.phase == nodeapi.JobPhaseRunning {
		j.statistics = stats
	}
}

// UpdateResourceUsage records the job's current resource usage,
// which the job proxy may adjust while the job is running.
func (j *Job) UpdateResourceUsage(usage nodeapi.ResourceVector) {
	if j.phase == nodeapi.JobPhaseRunning {
		j.setUsage(usage)
	}
}

// SignalJob sends the named signal ("SIGTERM", "TERM", ...) to the
// job proxy, which forwards it to the user payload.
func (j *Job) SignalJob(name string) error {
	if err := j.validateRunning(); err != nil {
		return err
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		sig = unix.SignalNum("SIG" + strings.ToUpper(name))
	}
	if sig == 0 {
		return fmt.Errorf("unknown signal %q", name)
	}
	j.signaled = true
	j.logger.WithField("Signal", unix.SignalName(sig)).Info("sending signal to job")
	return j.node.Environment.SignalJobProxy(j.slot.Index, sig)
}

// Interrupt asks a running job to finish early. A job that has not
// started running is aborted instead. A job that is already cleaning
// up or finished gets ErrNotRunning.
func (j *Job) Interrupt() error {
	switch {
	case j.phase < nodeapi.JobPhaseRunning:
		j.Abort(nodeapi.NewError(nodeapi.ErrorJobNotPrepared, "interrupting job that has not started yet"))
		return nil
	case j.phase > nodeapi.JobPhaseRunning:
		return ErrNotRunning{JobID: j.id, State: j.state, Phase: j.phase}
	}
	j.logger.Info("interrupting job")
	return j.node.Environment.SignalJobProxy(j.slot.Index, syscall.SIGINT)
}

// Fail stops a running job and reports it as failed.
func (j *Job) Fail() error {
	if err := j.validateRunning(); err != nil {
		return err
	}
	j.logger.Info("failing job by request")
	j.setResultError(nodeapi.NewError(nodeapi.ErrorJobFailedByRequest, "job failed by request"))
	j.cleanup()
	return nil
}

// DumpInputContext returns the artifacts placed in the job's
// sandbox.
func (j *Job) DumpInputContext() ([]nodeapi.InputContextEntry, error) {
	if j.inputContext == nil && j.phase <= nodeapi.JobPhasePreparingArtifacts {
		return nil, fmt.Errorf("job %s has not finished preparing artifacts (phase %s)", j.id, j.phase)
	}
	return append([]nodeapi.InputContextEntry(nil), j.inputContext...), nil
}

// GetStderr returns the tail of the user payload's stderr.
func (j *Job) GetStderr() (string, error) {
	if j.stderr != nil {
		return *j.stderr, nil
	}
	if err := j.validateRunning(); err != nil {
		return "", err
	}
	s := readTail(filepath.Join(j.slot.SandboxPath(nodeapi.SandboxLogs), nodeapi.StderrFileName))
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// GetFailContext returns the tail of the job proxy's log, saved when
// the job did not complete successfully.
func (j *Job) GetFailContext() (string, bool) {
	if j.failContext == nil {
		return "", false
	}
	return *j.failContext, true
}

// PollJobShell performs a job shell operation. Unlike the other
// methods, it must not be called on the control invoker, because it
// waits for shell output.
func (j *Job) PollJobShell(ctx context.Context, params nodeapi.ShellParameters) (nodeapi.ShellResult, error) {
	var opts jobshell.Options
	var err error
	if cerr := j.node.Invoker.Call(func() {
		if err = j.validateRunning(); err != nil {
			return
		}
		opts = jobshell.Options{
			Dir: j.slot.SandboxPath(nodeapi.SandboxUser),
			UID: j.slot.UserID,
			Env: j.shellEnv(),
		}
	}); cerr != nil {
		return nodeapi.ShellResult{}, cerr
	} else if err != nil {
		return nodeapi.ShellResult{}, err
	}
	return j.shells.Poll(ctx, params, opts)
}

func (j *Job) shellEnv() []string {
	env := []string{
		"HOME=" + j.slot.SandboxPath(nodeapi.SandboxHome),
		"TMPDIR=" + j.slot.SandboxPath(nodeapi.SandboxTmp),
		"TERM=xterm",
	}
	var keys []string
	for k := range j.spec.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+j.spec.Environment[k])
	}
	return env
}

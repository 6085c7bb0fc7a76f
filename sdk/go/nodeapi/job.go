// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the coarse, externally visible state of a job.
type JobState int

const (
	JobStateWaiting JobState = iota
	JobStateRunning
	JobStateAborting
	JobStateCompleted
	JobStateAborted
	JobStateFailed
)

var jobStateString = map[JobState]string{
	JobStateWaiting:   "Waiting",
	JobStateRunning:   "Running",
	JobStateAborting:  "Aborting",
	JobStateCompleted: "Completed",
	JobStateAborted:   "Aborted",
	JobStateFailed:    "Failed",
}

// String implements fmt.Stringer.
func (s JobState) String() string {
	return jobStateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[JobState]anything uses the state's string representation.
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(jobStateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *JobState) UnmarshalText(text []byte) error {
	for st, str := range jobStateString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// Terminal returns true for Completed, Aborted, and Failed.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateAborted || s == JobStateFailed
}

// JobPhase is the fine-grained position of a job in its lifecycle.
// Phases are ordered: a job only moves to a later phase.
type JobPhase int

const (
	JobPhaseCreated JobPhase = iota
	JobPhasePreparingNodeDirectory
	JobPhaseDownloadingArtifacts
	JobPhasePreparingSandboxDirectories
	JobPhasePreparingArtifacts
	JobPhasePreparingRootVolume
	JobPhaseRunningSetupCommands
	JobPhasePreparingProxy
	JobPhaseRunning
	JobPhaseCleanup
	JobPhaseFinished
)

var jobPhaseString = map[JobPhase]string{
	JobPhaseCreated:                     "Created",
	JobPhasePreparingNodeDirectory:      "PreparingNodeDirectory",
	JobPhaseDownloadingArtifacts:        "DownloadingArtifacts",
	JobPhasePreparingSandboxDirectories: "PreparingSandboxDirectories",
	JobPhasePreparingArtifacts:          "PreparingArtifacts",
	JobPhasePreparingRootVolume:         "PreparingRootVolume",
	JobPhaseRunningSetupCommands:        "RunningSetupCommands",
	JobPhasePreparingProxy:              "PreparingProxy",
	JobPhaseRunning:                     "Running",
	JobPhaseCleanup:                     "Cleanup",
	JobPhaseFinished:                    "Finished",
}

// String implements fmt.Stringer.
func (p JobPhase) String() string {
	return jobPhaseString[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p JobPhase) MarshalText() ([]byte, error) {
	return []byte(jobPhaseString[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *JobPhase) UnmarshalText(text []byte) error {
	for ph, str := range jobPhaseString {
		if str == string(text) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("unknown job phase %q", text)
}

// AbortReason tells the scheduler why a job was aborted, so it can
// decide whether and where to retry it.
type AbortReason string

const (
	AbortReasonNone                 AbortReason = ""
	AbortReasonScheduler            AbortReason = "scheduler"
	AbortReasonResourceOverdraft    AbortReason = "resource_overdraft"
	AbortReasonWaitingTimeout       AbortReason = "waiting_timeout"
	AbortReasonFailedChunks         AbortReason = "failed_chunks"
	AbortReasonAccountLimitExceeded AbortReason = "account_limit_exceeded"
	AbortReasonUserRequest          AbortReason = "user_request"
	AbortReasonOther                AbortReason = "other"
)

// SandboxKind names one of the per-slot sandbox directories.
type SandboxKind string

const (
	SandboxUser     SandboxKind = "sandbox"
	SandboxInternal SandboxKind = "internal"
	SandboxTmp      SandboxKind = "tmp"
	SandboxHome     SandboxKind = "home"
	SandboxPipes    SandboxKind = "pipes"
	SandboxCores    SandboxKind = "cores"
	SandboxLogs     SandboxKind = "logs"
)

// SandboxKinds lists every sandbox kind, in creation order.
var SandboxKinds = []SandboxKind{SandboxUser, SandboxInternal, SandboxTmp, SandboxHome, SandboxPipes, SandboxCores, SandboxLogs}

// ChunkSpec identifies one content-addressed chunk of an artifact.
// ID is the hex-encoded sha256 of the chunk's stored bytes.
type ChunkSpec struct {
	ID       string   `json:"id"`
	Size     int64    `json:"size"`
	Replicas []string `json:"replicas,omitempty"`
}

// ArtifactKey addresses the content of an artifact: the
// concatenation of its chunks, each decompressed with Compression.
type ArtifactKey struct {
	Chunks      []ChunkSpec `json:"chunks"`
	Compression string      `json:"compression,omitempty"`
}

// ArtifactSpec describes one input file to place in the sandbox.
type ArtifactSpec struct {
	Name        string      `json:"name"`
	Kind        SandboxKind `json:"kind,omitempty"`
	Executable  bool        `json:"executable,omitempty"`
	BypassCache bool        `json:"bypass_cache,omitempty"`
	CopyFile    bool        `json:"copy_file,omitempty"`
	Key         ArtifactKey `json:"key"`
}

// TmpfsVolume asks for a tmpfs mount at Path (relative to the user
// sandbox).
type TmpfsVolume struct {
	Path string   `json:"path"`
	Size ByteSize `json:"size"`
}

// DiskRequest is the job's disk space requirement.
type DiskRequest struct {
	DiskSpace  ByteSize `json:"disk_space,omitempty"`
	InodeCount int64    `json:"inode_count,omitempty"`
}

// JobSpec is the scheduler-supplied description of a job. Command,
// Environment, and Payload are interpreted by the job proxy only.
type JobSpec struct {
	Type                        string            `json:"type,omitempty"`
	Command                     []string          `json:"command,omitempty"`
	Environment                 map[string]string `json:"environment,omitempty"`
	Artifacts                   []ArtifactSpec    `json:"artifacts,omitempty"`
	Layers                      []ArtifactKey     `json:"layers,omitempty"`
	TmpfsVolumes                []TmpfsVolume     `json:"tmpfs_volumes,omitempty"`
	DiskRequest                 DiskRequest       `json:"disk_request,omitempty"`
	CopyFiles                   bool              `json:"copy_files,omitempty"`
	AbortOnAccountLimitExceeded bool              `json:"abort_on_account_limit_exceeded,omitempty"`
	Payload                     json.RawMessage   `json:"payload,omitempty"`
}

// JobResult is reported by the job proxy and, at the end, sent to the
// scheduler.
type JobResult struct {
	Error      *Error                 `json:"error,omitempty"`
	Statistics map[string]interface{} `json:"statistics,omitempty"`
}

// JobTimes records when a job passed lifecycle milestones.
type JobTimes struct {
	Start   time.Time `json:"start,omitempty"`
	Prepare time.Time `json:"prepare,omitempty"`
	Exec    time.Time `json:"exec,omitempty"`
	Finish  time.Time `json:"finish,omitempty"`
}

// JobStatus is one job's record in a heartbeat request.
type JobStatus struct {
	JobID         string                 `json:"job_id"`
	OperationID   string                 `json:"operation_id"`
	State         JobState               `json:"state"`
	Phase         JobPhase               `json:"phase"`
	Progress      float64                `json:"progress"`
	ResourceUsage ResourceVector         `json:"resource_usage"`
	Result        *JobResult             `json:"result,omitempty"`
	Fatal         bool                   `json:"fatal,omitempty"`
	AbortReason   AbortReason            `json:"abort_reason,omitempty"`
	Statistics    map[string]interface{} `json:"statistics,omitempty"`
	Times         JobTimes               `json:"times"`
}

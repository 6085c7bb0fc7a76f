// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

// ProxyConfigFileName is the name of the job proxy configuration
// file, written into each slot directory before the proxy starts.
const ProxyConfigFileName = "job_proxy_config.yml"

// StderrFileName is where the job proxy writes the user payload's
// stderr, relative to the logs sandbox.
const StderrFileName = "stderr"

// JobProxyConfig is the content of ProxyConfigFileName.
type JobProxyConfig struct {
	NodeURL     string            `json:"NodeURL"`
	AuthToken   string            `json:"AuthToken"`
	JobID       string            `json:"JobID"`
	OperationID string            `json:"OperationID"`
	SlotIndex   int               `json:"SlotIndex"`
	SlotPath    string            `json:"SlotPath"`
	SandboxPath string            `json:"SandboxPath"`
	LogsPath    string            `json:"LogsPath"`
	RootPath    string            `json:"RootPath,omitempty"`
	TmpfsPaths  []string          `json:"TmpfsPaths,omitempty"`
	GPUDevices  []string          `json:"GPUDevices,omitempty"`
	UserID      int               `json:"UserID"`
	Limits      ResourceVector    `json:"Limits"`
	Environment map[string]string `json:"Environment,omitempty"`
}

// ShellOperation is the verb of a PollJobShell request.
type ShellOperation string

const (
	ShellSpawn     ShellOperation = "spawn"
	ShellUpdate    ShellOperation = "update"
	ShellPoll      ShellOperation = "poll"
	ShellTerminate ShellOperation = "terminate"
)

// ShellParameters is a PollJobShell request.
type ShellParameters struct {
	Operation ShellOperation `json:"operation"`
	ShellID   string         `json:"shell_id,omitempty"`
	Keys      string         `json:"keys,omitempty"`
	Height    int            `json:"height,omitempty"`
	Width     int            `json:"width,omitempty"`
}

// ShellResult is a PollJobShell response.
type ShellResult struct {
	ShellID string `json:"shell_id"`
	Output  string `json:"output,omitempty"`
	Exited  bool   `json:"exited,omitempty"`
}

// InputContextEntry describes one artifact placed in a sandbox.
type InputContextEntry struct {
	Name   string      `json:"name"`
	Kind   SandboxKind `json:"kind"`
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	SHA256 string      `json:"sha256"`
}

// SignalRequest asks the node to deliver a signal to the job proxy.
type SignalRequest struct {
	Name string `json:"name"`
}

// ProgressRequest updates a job's progress.
type ProgressRequest struct {
	Progress float64 `json:"progress"`
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

// DiskLocationResources describes one slot location's disk space, as
// advertised to the scheduler.
type DiskLocationResources struct {
	LocationID string   `json:"location_id"`
	Enabled    bool     `json:"enabled"`
	Usage      ByteSize `json:"usage"`
	Limit      ByteSize `json:"limit"`
	Available  ByteSize `json:"available"`
}

// Alert is a node-level condition that makes (part of) the node
// unschedulable until an operator intervenes.
type Alert struct {
	Error *Error `json:"error"`
	// Fatal alerts disable the node entirely.
	Fatal bool `json:"fatal,omitempty"`
}

// HeartbeatRequest is sent by a node to the scheduler periodically.
type HeartbeatRequest struct {
	NodeID         string                  `json:"node_id"`
	ResourceLimits ResourceVector          `json:"resource_limits"`
	ResourceUsage  ResourceVector          `json:"resource_usage"`
	DiskResources  []DiskLocationResources `json:"disk_resources"`
	SlotCount      int                     `json:"slot_count"`
	Jobs           []JobStatus             `json:"jobs"`
	Alerts         []Alert                 `json:"alerts,omitempty"`
}

// JobStartInfo is one job the scheduler wants the node to start.
type JobStartInfo struct {
	JobID          string         `json:"job_id"`
	OperationID    string         `json:"operation_id"`
	Spec           JobSpec        `json:"spec"`
	ResourceLimits ResourceVector `json:"resource_limits"`
}

// JobAbortInfo is one job the scheduler wants the node to abort.
type JobAbortInfo struct {
	JobID       string      `json:"job_id"`
	AbortReason AbortReason `json:"abort_reason,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// HeartbeatResponse is the scheduler's answer to a heartbeat.
type HeartbeatResponse struct {
	JobsToStart       []JobStartInfo    `json:"jobs_to_start,omitempty"`
	JobsToAbort       []JobAbortInfo    `json:"jobs_to_abort,omitempty"`
	JobsToRemove      []string          `json:"jobs_to_remove,omitempty"`
	JobsToInterrupt   []string          `json:"jobs_to_interrupt,omitempty"`
	JobsToFail        []string          `json:"jobs_to_fail,omitempty"`
	SchedulingSkipped bool              `json:"scheduling_skipped,omitempty"`
	NodeDirectory     map[string]string `json:"node_directory,omitempty"`
}

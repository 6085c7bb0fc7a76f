// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
)

type Duration = nodeapi.Duration
type ByteSize = nodeapi.ByteSize

// Config is the exec node configuration.
type Config struct {
	// NodeID identifies this node to the scheduler. Defaults to
	// the hostname.
	NodeID string
	// Listen address of the local control surface.
	Listen string
	// URL the job proxy uses to reach the control surface.
	// Defaults to "http://{Listen}/".
	InternalURL     string
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	// HelperCommand invokes the privileged helper tool, e.g.,
	// ["sudo", "-n", "/usr/bin/execnode", "helper"]. Empty means
	// run "{this program} helper" directly.
	HelperCommand []string

	ResourceLimits nodeapi.ResourceVector
	SlotManager    SlotManagerConfig
	JobEnvironment JobEnvironmentConfig
	JobController  JobControllerConfig
	ArtifactCache  ArtifactCacheConfig
}

type SlotLocationConfig struct {
	Path string
	// Upper bound on the disk space used by sandboxes in this
	// location. 0 means the whole filesystem.
	DiskQuota ByteSize
	// Space reserved for things other than sandboxes.
	DiskUsageWatermark ByteSize
	// A location is full (and not chosen for new jobs) when less
	// than this much space is available.
	DiskFullWatermark ByteSize
	// Initialization fails if less than this much space is
	// available.
	MinDiskSpace ByteSize
	MediumName   string
}

type SlotManagerConfig struct {
	Locations []SlotLocationConfig
	// Merged into each entry of Locations, filling unset
	// fields.
	LocationDefaults SlotLocationConfig
	// Number of slots. Defaults to ResourceLimits.UserSlots.
	SlotCount                    int
	EnableTmpfs                  bool
	EnableDiskQuota              bool
	DiskResourcesUpdatePeriod    Duration
	HealthCheckPeriod            Duration
	InitializationFailureIsFatal bool
	MaxConsecutiveAborts         int
	DisableJobsTimeout           Duration
	FileCopyChunkSize            ByteSize
}

type JobEnvironmentConfig struct {
	// "simple", "cgroup", or "docker".
	Type string
	// Run each slot's processes as StartUID+index. Requires
	// root.
	UseSlotUsers bool
	StartUID     int
	// Program and leading arguments used to start the job
	// proxy. "--config", "--operation-id", and "--job-id"
	// arguments are appended.
	JobProxyCommand []string
	// Directory for per-slot process lockfiles.
	LockDir            string
	ProcessKillTimeout Duration
	CgroupRoot         string
	DockerImage        string
	DockerCgroupParent string
	DockerNetworkMode  string
}

type JobControllerConfig struct {
	SchedulerURL   string
	SchedulerToken string

	HeartbeatPeriod  Duration
	HeartbeatSplay   Duration
	HeartbeatTimeout Duration

	FailedHeartbeatBackoffStart      Duration
	FailedHeartbeatBackoffMax        Duration
	FailedHeartbeatBackoffMultiplier float64

	SkippedHeartbeatBackoffStart      Duration
	SkippedHeartbeatBackoffMax        Duration
	SkippedHeartbeatBackoffMultiplier float64

	RecentlyRemovedJobsStoreTimeout Duration
	RecentlyRemovedJobsCleanPeriod  Duration
	RecentlyRemovedJobsMaxCount     int

	// Jobs that wait longer than this for a free slot are
	// aborted.
	WaitingJobTimeout          Duration
	JobPrepareTimeLimit        Duration
	JobProxyPreparationTimeout Duration
	JobAbortionTimeout         Duration

	NodeDirectoryPrepareRetryCount  int
	NodeDirectoryPrepareBackoffTime Duration

	// Disk space requested for jobs that don't say.
	MinRequiredDiskSpace ByteSize
	// Shell commands run in each slot before the job proxy
	// starts.
	SetupCommands []string
	GPUDevices    []string

	// Additions to the built-in error classification table.
	FatalErrorCodes []nodeapi.ErrorCode
	AbortErrorCodes map[nodeapi.ErrorCode]nodeapi.AbortReason
}

type ArtifactCacheConfig struct {
	Path    string
	MaxSize ByteSize
	// "http" or "s3".
	Backend             string
	DownloadConcurrency int
	HTTP                struct {
		// Fetch chunks from these URLs (after trying replica
		// nodes' addresses).
		BaseURLs []string
		RetryMax int
		Timeout  Duration
	}
	S3 struct {
		Bucket          string
		Prefix          string
		Region          string
		Endpoint        string
		UsePathStyle    bool
		AccessKeyID     string
		SecretAccessKey string
	}
}

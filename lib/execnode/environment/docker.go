// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package environment

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"syscall"

	"git.arvados.org/execnode.git/lib/execnode/jobdir"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	LabelSlot = "org.arvados.execnode.slot"
	LabelJob  = "org.arvados.execnode.job"
	LabelRole = "org.arvados.execnode.role"
)

// Docker daemon won't let you set a limit less than ~10 MiB
const minDockerRAM = int64(16 * 1024 * 1024)

// DockerAPI is the subset of the docker client used by Docker.
type DockerAPI interface {
	jobdir.VolumeAPI
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker runs each job proxy in its own container. Sandbox
// directories are made available to the container through the
// volumes registered by the jobdir.Docker managers it hands out.
type Docker struct {
	*base
	client DockerAPI

	mtx        sync.Mutex
	containers map[int]string
	dirs       []*jobdir.Docker
}

func newDocker(b *base, client DockerAPI) *Docker {
	return &Docker{
		base:       b,
		client:     client,
		containers: map[int]string{},
	}
}

// Init checks the docker daemon is reachable (otherwise the
// environment disables itself) and removes containers left over from
// a previous run.
func (d *Docker) Init(ctx context.Context, slotCount int) error {
	if _, err := d.client.Ping(ctx); err != nil {
		d.Disable(fmt.Errorf("docker daemon is not reachable: %w", err))
		return nil
	}
	for index := 0; index < slotCount; index++ {
		if err := d.CleanProcesses(ctx, index); err != nil {
			return fmt.Errorf("slot %d: %w", index, err)
		}
	}
	return nil
}

func (d *Docker) NewDirectoryManager(path string) jobdir.Manager {
	dm, err := jobdir.NewDocker(d.logger, d.base.NewDirectoryManager(path), d.client)
	if err != nil {
		d.Disable(err)
		return d.base.NewDirectoryManager(path)
	}
	d.mtx.Lock()
	d.dirs = append(d.dirs, dm)
	d.mtx.Unlock()
	return dm
}

func (d *Docker) volumeMounts(prefix string) []mount.Mount {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var mounts []mount.Mount
	for _, dm := range d.dirs {
		for _, v := range dm.Volumes(prefix) {
			mounts = append(mounts, mount.Mount{
				Type:   mount.TypeVolume,
				Source: v.Volume,
				Target: v.Path,
			})
		}
	}
	return mounts
}

func (d *Docker) labels(index int, jobID, role string) map[string]string {
	return map[string]string{
		LabelSlot: strconv.Itoa(index),
		LabelJob:  jobID,
		LabelRole: role,
	}
}

func (d *Docker) hostConfig(binds []string, limits nodeapi.ResourceVector) *container.HostConfig {
	hostCfg := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(d.cfg.DockerNetworkMode),
		Resources: container.Resources{
			CgroupParent: d.cfg.DockerCgroupParent,
			NanoCPUs:     int64(limits.CPU * 1e9),
		},
	}
	if ram := int64(limits.Memory); ram > 0 {
		if ram < minDockerRAM {
			ram = minDockerRAM
		}
		hostCfg.Resources.Memory = ram
		hostCfg.Resources.MemorySwap = ram
	}
	return hostCfg
}

func (d *Docker) RunJobProxy(ctx context.Context, spec ProxySpec) (<-chan error, error) {
	if !d.IsEnabled() {
		return nil, d.disabledError()
	}
	args, err := d.proxyCommand(spec)
	if err != nil {
		return nil, d.failed(err)
	}
	cfg := &container.Config{
		Image: d.cfg.DockerImage,
		// The proxy's stdout/stderr go to the log file in the
		// slot directory, like in the other environments.
		Entrypoint: []string{"/bin/sh", "-c", `exec "$@" >>"$EXECNODE_PROXY_LOG" 2>&1`, "sh"},
		Cmd:        args,
		Env:        []string{"EXECNODE_PROXY_LOG=" + spec.LogPath},
		User:       strconv.Itoa(spec.UserID),
		WorkingDir: spec.SlotPath,
		Labels:     d.labels(spec.SlotIndex, spec.JobID, "proxy"),
	}
	hostCfg := d.hostConfig([]string{spec.SlotPath + ":" + spec.SlotPath}, spec.Limits)
	hostCfg.Mounts = d.volumeMounts(spec.SlotPath)

	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, d.failed(fmt.Errorf("create container: %w", err))
	}
	logger := d.logger.WithFields(logrus.Fields{
		"SlotIndex":   spec.SlotIndex,
		"JobID":       spec.JobID,
		"ContainerID": created.ID,
	})
	d.mtx.Lock()
	d.containers[spec.SlotIndex] = created.ID
	d.mtx.Unlock()
	// Start the wait before the container starts, so a quick
	// exit is not missed.
	waitOK, waitErr := d.client.ContainerWait(context.Background(), created.ID, container.WaitConditionNextExit)
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, d.failed(fmt.Errorf("start container: %w", err))
	}
	d.mProxiesTotal.Inc()
	logger.Info("job proxy container started")

	done := make(chan error, 1)
	go func() {
		defer close(done)
		select {
		case resp := <-waitOK:
			if resp.Error != nil {
				done <- fmt.Errorf("container wait: %s", resp.Error.Message)
			} else if resp.StatusCode != 0 {
				done <- fmt.Errorf("job proxy exited with code %d", resp.StatusCode)
			} else {
				done <- nil
			}
		case err := <-waitErr:
			done <- fmt.Errorf("container wait: %w", err)
		}
	}()
	return done, nil
}

// CleanProcesses force-removes every container labelled with the
// slot index.
func (d *Docker) CleanProcesses(ctx context.Context, index int) error {
	d.mtx.Lock()
	delete(d.containers, index)
	d.mtx.Unlock()
	ctrs, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSlot+"="+strconv.Itoa(index))),
	})
	if err != nil {
		d.mKillFailures.Inc()
		return d.failed(fmt.Errorf("list containers: %w", err))
	}
	for _, ctr := range ctrs {
		d.logger.WithFields(logrus.Fields{
			"SlotIndex":   index,
			"ContainerID": ctr.ID,
		}).Info("removing container")
		err := d.client.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: true})
		if err != nil {
			d.mKillFailures.Inc()
			return d.failed(fmt.Errorf("remove container %s: %w", ctr.ID, err))
		}
	}
	return nil
}

func (d *Docker) SignalJobProxy(index int, sig syscall.Signal) error {
	d.mtx.Lock()
	id, ok := d.containers[index]
	d.mtx.Unlock()
	if !ok {
		return fmt.Errorf("no job proxy container in slot %d", index)
	}
	return d.client.ContainerKill(context.Background(), id, unix.SignalName(sig))
}

// RunSetupCommands runs each command in a one-shot container with
// the root volume (if any) mounted at the same path.
func (d *Docker) RunSetupCommands(ctx context.Context, index int, cmds []string, rootPath string, uid int) error {
	var binds []string
	if rootPath != "" {
		binds = append(binds, rootPath+":"+rootPath)
	}
	for _, line := range cmds {
		cfg := &container.Config{
			Image:  d.cfg.DockerImage,
			Cmd:    []string{"/bin/sh", "-c", line},
			User:   strconv.Itoa(uid),
			Labels: d.labels(index, "", "setup"),
		}
		created, err := d.client.ContainerCreate(ctx, cfg, d.hostConfig(binds, nodeapi.ResourceVector{}), nil, nil, "")
		if err != nil {
			return d.failed(fmt.Errorf("create container: %w", err))
		}
		code, err := d.runOnce(ctx, created.ID)
		d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		if err != nil {
			return nodeapi.NewError(nodeapi.ErrorSetupCommandFailed, "setup command %q failed", line).Wrap(err)
		} else if code != 0 {
			return nodeapi.NewError(nodeapi.ErrorSetupCommandFailed, "setup command %q exited with code %d", line, code)
		}
	}
	return nil
}

func (d *Docker) runOnce(ctx context.Context, id string) (int64, error) {
	waitOK, waitErr := d.client.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, err
	}
	select {
	case resp := <-waitOK:
		if resp.Error != nil {
			return -1, fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		return resp.StatusCode, nil
	case err := <-waitErr:
		return -1, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Docker) Statistics(index int) map[string]interface{} {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if id, ok := d.containers[index]; ok {
		return map[string]interface{}{"container_id": id}
	}
	return nil
}

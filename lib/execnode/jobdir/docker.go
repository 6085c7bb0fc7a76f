// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobdir

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/volume"
	"github.com/sirupsen/logrus"
)

const (
	LabelPath       = "org.arvados.execnode.path"
	LabelDiskLimit  = "org.arvados.execnode.disk_limit"
	LabelInodeLimit = "org.arvados.execnode.inode_limit"
	LabelTmpfsSize  = "org.arvados.execnode.tmpfs_size"
)

// VolumeAPI is the subset of the docker client used by Docker.
type VolumeAPI interface {
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Docker is a Manager for the container-confined environment. Host
// effects (quota, tmpfs) are delegated to Host; in addition, every
// managed directory is registered as a docker volume bound to the
// host path, so the job proxy container can mount it.
type Docker struct {
	Host   Manager
	Client VolumeAPI
	Logger logrus.FieldLogger

	mtx     sync.Mutex
	volumes map[string]string // host path -> volume name
	pending sync.WaitGroup
}

// VolumeName returns the docker volume name used for the given host
// path.
func VolumeName(path string) string {
	return fmt.Sprintf("execnode-%x", sha256.Sum256([]byte(path)))[:40]
}

func (d *Docker) ApplyQuota(ctx context.Context, path string, props QuotaProperties) error {
	if err := d.Host.ApplyQuota(ctx, path, props); err != nil {
		return err
	}
	return d.createVolume(ctx, path, map[string]string{
		LabelDiskLimit:  strconv.FormatInt(props.DiskSpaceLimit, 10),
		LabelInodeLimit: strconv.FormatInt(props.InodeLimit, 10),
	})
}

func (d *Docker) CreateTmpfsDirectory(ctx context.Context, path string, props TmpfsProperties) error {
	if err := d.Host.CreateTmpfsDirectory(ctx, path, props); err != nil {
		return err
	}
	return d.createVolume(ctx, path, map[string]string{
		LabelTmpfsSize: strconv.FormatInt(props.Size, 10),
	})
}

func (d *Docker) createVolume(ctx context.Context, path string, labels map[string]string) error {
	labels[LabelPath] = path
	name := VolumeName(path)
	_, err := d.Client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		DriverOpts: map[string]string{
			"type":   "none",
			"o":      "bind",
			"device": path,
		},
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("create docker volume for %s: %w", path, err)
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.volumes == nil {
		d.volumes = map[string]string{}
	}
	d.volumes[path] = name
	return nil
}

// CleanDirectories releases host effects, then removes the
// corresponding docker volumes in the background.
func (d *Docker) CleanDirectories(ctx context.Context, pathPrefix string) error {
	err := d.Host.CleanDirectories(ctx, pathPrefix)
	d.mtx.Lock()
	var names []string
	for path, name := range d.volumes {
		if under(path, pathPrefix) {
			names = append(names, name)
			delete(d.volumes, path)
		}
	}
	d.mtx.Unlock()
	for _, name := range names {
		name := name
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			err := d.Client.VolumeRemove(context.Background(), name, true)
			if err != nil {
				d.Logger.WithError(err).WithField("Volume", name).Warn("error removing docker volume")
			}
		}()
	}
	return err
}

// Wait waits for background volume removals to finish.
func (d *Docker) Wait() {
	d.pending.Wait()
}

// Mount is a docker volume to be mounted into a container.
type Mount struct {
	Volume string
	Path   string
}

// Volumes returns the volumes for directories at or below
// pathPrefix, sorted by path.
func (d *Docker) Volumes(pathPrefix string) []Mount {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var mounts []Mount
	for path, name := range d.volumes {
		if under(path, pathPrefix) {
			mounts = append(mounts, Mount{Volume: name, Path: path})
		}
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Path < mounts[j].Path })
	return mounts
}

var errNoClient = errors.New("docker client not configured")

// NewDocker returns a Docker manager wrapping host.
func NewDocker(logger logrus.FieldLogger, host Manager, client VolumeAPI) (*Docker, error) {
	if client == nil {
		return nil, errNoClient
	}
	return &Docker{Host: host, Client: client, Logger: logger}, nil
}

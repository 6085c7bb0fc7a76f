// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.arvados.org/execnode.git/lib/execnode/artifact"
	"git.arvados.org/execnode.git/lib/execnode/environment"
	"git.arvados.org/execnode.git/lib/execnode/slot"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// replicaNodeIDs returns the IDs of all nodes holding replicas of
// the job's artifact and layer chunks.
func (j *Job) replicaNodeIDs() []string {
	seen := map[string]bool{}
	var ids []string
	add := func(key nodeapi.ArtifactKey) {
		for _, chunk := range key.Chunks {
			for _, id := range chunk.Replicas {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	for _, a := range j.spec.Artifacts {
		add(a.Key)
	}
	for _, key := range j.spec.Layers {
		add(key)
	}
	sort.Strings(ids)
	return ids
}

// prepareNodeDirectory waits until every replica node named in the
// job spec can be resolved to an address.
func (j *Job) prepareNodeDirectory(ctx context.Context, ids []string) {
	addrs, err := j.resolveNodes(ctx, ids)
	j.node.Invoker.Post(j.guardedAction(nodeapi.JobPhasePreparingNodeDirectory, func() error {
		if err != nil {
			return err
		}
		j.logger.WithField("NodeCount", len(addrs)).Info("node directory prepared")
		j.addresses = addrs
		j.setPhase(nodeapi.JobPhaseDownloadingArtifacts)
		go j.downloadArtifacts(j.ctx, artifact.Options{NodeAddresses: addrs})
		return nil
	}))
}

func (j *Job) resolveNodes(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if j.node.Directory == nil {
		return nil, nodeapi.NewError(nodeapi.ErrorNodeDirectoryPreparationFailed, "no node directory available to resolve %d replica node(s)", len(ids)).WithAbortReason(nodeapi.AbortReasonOther)
	}
	attempts := j.node.Config.NodeDirectoryPrepareRetryCount
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		addrs, missing := j.node.Directory.Lookup(ids)
		if len(missing) == 0 {
			return addrs, nil
		}
		if attempt >= attempts {
			return nil, nodeapi.NewError(nodeapi.ErrorNodeDirectoryPreparationFailed, "failed to resolve %d replica node(s) after %d attempt(s)", len(missing), attempt).
				WithAttribute("node_ids", missing).
				WithAbortReason(nodeapi.AbortReasonOther)
		}
		j.logger.WithFields(logrus.Fields{
			"Unresolved": missing,
			"Attempt":    attempt,
		}).Info("unresolved node IDs in job spec; backing off and retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(j.node.Config.NodeDirectoryPrepareBackoffTime.Duration()):
		}
	}
}

// downloadArtifacts fetches the cached artifacts and layers
// concurrently.
func (j *Job) downloadArtifacts(ctx context.Context, opts artifact.Options) {
	handles := make([]*artifact.Handle, len(j.spec.Artifacts))
	layers := make([]*artifact.Handle, len(j.spec.Layers))
	eg, ctx := errgroup.WithContext(ctx)
	for i, a := range j.spec.Artifacts {
		if a.BypassCache {
			continue
		}
		i, a := i, a
		eg.Go(func() error {
			j.logger.WithFields(logrus.Fields{
				"Artifact":    a.Name,
				"SandboxKind": a.Kind,
			}).Info("downloading artifact")
			h, err := j.node.Artifacts.DownloadArtifact(ctx, a.Key, opts)
			if err != nil {
				return nodeapi.NewError(nodeapi.ErrorArtifactDownloadFailed, "failed to prepare artifact %q", a.Name).Wrap(err)
			}
			handles[i] = h
			return nil
		})
	}
	for i, key := range j.spec.Layers {
		i, key := i, key
		eg.Go(func() error {
			if len(key.Chunks) == 0 {
				return nodeapi.NewError(nodeapi.ErrorRootVolumePreparationFailed, "failed to prepare root volume").
					Wrap(nodeapi.NewError(nodeapi.ErrorNoSuchLayer, "layer %d has no content", i))
			}
			h, err := j.node.Artifacts.DownloadArtifact(ctx, key, opts)
			if err != nil {
				return nodeapi.NewError(nodeapi.ErrorRootVolumePreparationFailed, "failed to download layer %d", i).Wrap(err)
			}
			layers[i] = h
			return nil
		})
	}
	err := eg.Wait()
	j.node.Invoker.Post(func() {
		if err != nil || j.phase >= nodeapi.JobPhaseCleanup {
			releaseAll(handles)
			releaseAll(layers)
		} else {
			j.handles, j.layers = handles, layers
		}
		j.guardedAction(nodeapi.JobPhaseDownloadingArtifacts, func() error {
			if err != nil {
				return err
			}
			j.logger.Info("artifacts downloaded")
			j.times.Prepare = time.Now()
			j.setPhase(nodeapi.JobPhasePreparingSandboxDirectories)
			go j.prepareSandbox(j.slot.PreparationContext(j.ctx), j.slot)
			return nil
		})()
	})
}

func releaseAll(handles []*artifact.Handle) {
	for _, h := range handles {
		if h != nil {
			h.Release()
		}
	}
}

func (j *Job) prepareSandbox(ctx context.Context, s *slot.Slot) {
	tmpfs, err := s.PrepareSandboxDirectories(ctx, slot.SandboxOptions{
		DiskSpaceLimit: int64(j.diskRequest.DiskSpace),
		InodeLimit:     j.diskRequest.InodeCount,
		UserID:         s.UserID,
		TmpfsVolumes:   j.spec.TmpfsVolumes,
	})
	j.node.Invoker.Post(j.guardedAction(nodeapi.JobPhasePreparingSandboxDirectories, func() error {
		if err != nil {
			return err
		}
		j.logger.WithField("TmpfsPaths", tmpfs).Info("sandbox directories prepared")
		j.tmpfs = tmpfs
		j.setPhase(nodeapi.JobPhasePreparingArtifacts)
		go j.placeArtifacts(ctx, s, j.handles, artifact.Options{NodeAddresses: j.addresses})
		return nil
	}))
}

// placeArtifacts puts each artifact into the sandbox, in order, then
// hands the sandbox over to the slot user.
func (j *Job) placeArtifacts(ctx context.Context, s *slot.Slot, handles []*artifact.Handle, opts artifact.Options) {
	var entries []nodeapi.InputContextEntry
	err := func() error {
		for i, a := range j.spec.Artifacts {
			if err := ctx.Err(); err != nil {
				return err
			}
			kind := a.Kind
			if kind == "" {
				kind = nodeapi.SandboxUser
			}
			logger := j.logger.WithFields(logrus.Fields{
				"Artifact":    a.Name,
				"SandboxKind": kind,
				"Executable":  a.Executable,
			})
			var err error
			switch {
			case a.BypassCache:
				logger.Info("streaming artifact into sandbox")
				err = s.MakeSandboxFile(kind, a.Name, j.node.Artifacts.MakeArtifactDownloadProducer(a.Key, opts), a.Executable)
			case a.CopyFile || j.spec.CopyFiles:
				logger.Info("copying artifact into sandbox")
				err = s.MakeSandboxCopy(kind, a.Name, handles[i].Path(), a.Executable)
			default:
				logger.Info("making symlink for artifact")
				err = s.MakeSandboxLink(kind, a.Name, handles[i].Path(), a.Executable)
			}
			if err != nil {
				return err
			}
			ent, err := describe(filepath.Join(s.SandboxPath(kind), a.Name))
			if err != nil {
				return fmt.Errorf("artifact %q: %w", a.Name, err)
			}
			ent.Name, ent.Kind = a.Name, kind
			entries = append(entries, ent)
		}
		j.logger.Info("setting sandbox permissions")
		return s.FinalizeSandboxPreparation(ctx)
	}()
	j.node.Invoker.Post(j.guardedAction(nodeapi.JobPhasePreparingArtifacts, func() error {
		if err != nil {
			return err
		}
		j.logger.WithField("ArtifactCount", len(entries)).Info("artifacts prepared")
		j.inputContext = entries
		j.prepareRootVolume(ctx)
		return nil
	}))
}

// describe returns the size and sha256 of the file at path,
// following symlinks.
func describe(path string) (nodeapi.InputContextEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nodeapi.InputContextEntry{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nodeapi.InputContextEntry{}, err
	}
	return nodeapi.InputContextEntry{
		Path:   path,
		Size:   n,
		SHA256: fmt.Sprintf("%x", h.Sum(nil)),
	}, nil
}

func (j *Job) prepareRootVolume(ctx context.Context) {
	if len(j.layers) == 0 {
		j.runSetupCommands(ctx)
		return
	}
	j.setPhase(nodeapi.JobPhasePreparingRootVolume)
	j.rootPath = filepath.Join(j.slot.SlotPath(), slot.RootVolumeDir)
	rootPath := j.rootPath
	var paths []string
	for _, h := range j.layers {
		paths = append(paths, h.Path())
	}
	j.logger.WithField("LayerCount", len(paths)).Info("preparing root volume")
	go func() {
		err := unpackLayers(ctx, rootPath, paths)
		j.node.Invoker.Post(j.guardedAction(nodeapi.JobPhasePreparingRootVolume, func() error {
			if err != nil {
				return nodeapi.NewError(nodeapi.ErrorRootVolumePreparationFailed, "failed to prepare root volume").Wrap(err)
			}
			j.logger.Info("root volume prepared")
			j.runSetupCommands(ctx)
			return nil
		}))
	}()
}

func (j *Job) runSetupCommands(ctx context.Context) {
	cmds := j.node.Config.SetupCommands
	if len(cmds) == 0 {
		j.runJobProxy()
		return
	}
	j.setPhase(nodeapi.JobPhaseRunningSetupCommands)
	index, uid, rootPath := j.slot.Index, j.slot.UserID, j.rootPath
	go func() {
		err := j.node.Environment.RunSetupCommands(ctx, index, cmds, rootPath, uid)
		j.node.Invoker.Post(j.guardedAction(nodeapi.JobPhaseRunningSetupCommands, func() error {
			if err != nil {
				return err
			}
			j.logger.WithField("CommandCount", len(cmds)).Info("setup commands finished")
			j.runJobProxy()
			return nil
		}))
	}()
}

func (j *Job) proxyConfig() nodeapi.JobProxyConfig {
	s := j.slot
	cfg := nodeapi.JobProxyConfig{
		NodeURL:     j.node.NodeURL,
		AuthToken:   j.node.AuthToken,
		JobID:       j.id,
		OperationID: j.operationID,
		SlotIndex:   s.Index,
		SlotPath:    s.SlotPath(),
		SandboxPath: s.SandboxPath(nodeapi.SandboxUser),
		LogsPath:    s.SandboxPath(nodeapi.SandboxLogs),
		RootPath:    j.rootPath,
		TmpfsPaths:  j.tmpfs,
		UserID:      s.UserID,
		Limits:      j.limits,
		Environment: j.spec.Environment,
	}
	if j.gpus != nil {
		cfg.GPUDevices = j.gpus.Devices
	}
	return cfg
}

func (j *Job) runJobProxy() {
	j.setPhase(nodeapi.JobPhasePreparingProxy)
	j.times.Exec = time.Now()
	s, cfg, ctx := j.slot, j.proxyConfig(), j.ctx
	go func() {
		var exited <-chan error
		path, err := s.MakeConfig(cfg)
		if err == nil {
			exited, err = j.node.Environment.RunJobProxy(ctx, environment.ProxySpec{
				SlotIndex:   s.Index,
				SlotPath:    s.SlotPath(),
				ConfigPath:  path,
				LogPath:     filepath.Join(s.SlotPath(), slot.ProxyLogFileName),
				JobID:       j.id,
				OperationID: j.operationID,
				UserID:      s.UserID,
				Limits:      j.limits,
			})
		}
		if exited != nil {
			go func() {
				err := <-exited
				j.node.Invoker.Post(func() { j.onProxyExited(err) })
			}()
		}
		j.node.Invoker.Post(func() {
			if err == nil {
				j.proxyStarted = true
			}
			j.guardedAction(nodeapi.JobPhasePreparingProxy, func() error {
				if err != nil {
					return err
				}
				j.logger.Info("job proxy started")
				if d := j.node.Config.JobProxyPreparationTimeout.Duration(); d > 0 {
					j.proxyTimer = j.node.Invoker.After(d, j.onProxyTimeout)
				}
				return nil
			})()
		})
	}()
}

func (j *Job) onProxyExited(err error) {
	if j.phase >= nodeapi.JobPhaseCleanup {
		return
	}
	if err != nil {
		j.logger.WithError(err).Warn("job proxy failed")
		j.setResultError(nodeapi.NewError(nodeapi.ErrorJobProxyFailed, "job proxy failed").Wrap(err))
	} else if j.result == nil {
		j.setResultError(nodeapi.NewError(nodeapi.ErrorJobProxyFailed, "job proxy exited without reporting a result"))
	} else {
		j.logger.Info("job proxy finished")
	}
	j.cleanup()
}

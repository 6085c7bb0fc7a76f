// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/execnode.git/lib/config"
	"git.arvados.org/execnode.git/lib/execnode/alert"
	"git.arvados.org/execnode.git/lib/execnode/helper"
	"git.arvados.org/execnode.git/lib/execnode/jobdir"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// RootVolumeDir is the slot subdirectory holding the
	// unpacked root volume, if any.
	RootVolumeDir = "rootfs"
	// ProxyLogFileName receives the job proxy's own
	// stdout/stderr.
	ProxyLogFileName = "job_proxy.log"

	healthCheckFileName = ".health_check"

	defaultDiskResourcesUpdatePeriod = 10 * time.Second
	defaultHealthCheckPeriod         = time.Minute
)

// SandboxOptions are the per-job parameters of
// PrepareSandboxDirectories.
type SandboxOptions struct {
	DiskSpaceLimit int64
	InodeLimit     int64
	UserID         int
	TmpfsVolumes   []nodeapi.TmpfsVolume
}

// Location is a directory tree on local disk that holds slot
// sandboxes. Once disabled, it stays disabled until the node is
// restarted.
type Location struct {
	Path string

	cfg          config.SlotLocationConfig
	slotCount    int
	enableTmpfs  bool
	enableQuota  bool
	useSlotUsers bool
	updatePeriod time.Duration
	healthPeriod time.Duration
	dirs         jobdir.Manager
	runner       helper.Runner
	alerts       *alert.Registry
	logger       logrus.FieldLogger
	metrics      *metrics
	onDisable    func()

	// Creates a sandbox file for writing. Replaced in tests to
	// simulate write errors.
	createFile func(path string) (io.WriteCloser, error)

	mtx         sync.RWMutex
	enabled     bool
	disabledErr error
	diskLimits  map[int]int64 // occupied slot index -> disk limit (0 = none)
	tmpfs       map[string]bool
	sessions    int
	resources   nodeapi.DiskLocationResources
	stop        chan struct{}
}

func newLocation(logger logrus.FieldLogger, cfg config.SlotLocationConfig, mcfg config.SlotManagerConfig, useSlotUsers bool, dirs jobdir.Manager, runner helper.Runner, alerts *alert.Registry, m *metrics) *Location {
	loc := &Location{
		Path:         filepath.Clean(cfg.Path),
		cfg:          cfg,
		slotCount:    mcfg.SlotCount,
		enableTmpfs:  mcfg.EnableTmpfs,
		enableQuota:  mcfg.EnableDiskQuota,
		useSlotUsers: useSlotUsers,
		updatePeriod: mcfg.DiskResourcesUpdatePeriod.Duration(),
		healthPeriod: mcfg.HealthCheckPeriod.Duration(),
		dirs:         dirs,
		runner:       runner,
		alerts:       alerts,
		metrics:      m,
		enabled:      true,
		diskLimits:   map[int]int64{},
		tmpfs:        map[string]bool{},
		stop:         make(chan struct{}),
		createFile: func(path string) (io.WriteCloser, error) {
			return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		},
	}
	loc.logger = logger.WithField("Location", loc.Path)
	loc.resources = nodeapi.DiskLocationResources{LocationID: loc.Path, Enabled: true}
	if loc.updatePeriod <= 0 {
		loc.updatePeriod = defaultDiskResourcesUpdatePeriod
	}
	if loc.healthPeriod <= 0 {
		loc.healthPeriod = defaultHealthCheckPeriod
	}
	m.setEnabled(loc.Path, true)
	return loc
}

// Initialize checks the location and cleans up after any previous
// run, then starts the periodic disk accounting and health checks.
func (loc *Location) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(loc.Path, 0755); err != nil {
		return err
	}
	if err := loc.checkHealth(); err != nil {
		return err
	}
	if min := int64(loc.cfg.MinDiskSpace); min > 0 {
		var st unix.Statfs_t
		if err := unix.Statfs(loc.Path, &st); err != nil {
			return fmt.Errorf("statfs %s: %w", loc.Path, err)
		}
		if avail := int64(st.Bavail) * int64(st.Bsize); avail < min {
			return fmt.Errorf("%s has %s available, less than MinDiskSpace %s", loc.Path, humanize.IBytes(uint64(avail)), humanize.IBytes(uint64(min)))
		}
	}
	for index := 0; index < loc.slotCount; index++ {
		if err := loc.cleanSandboxes(ctx, index); err != nil {
			return fmt.Errorf("clean slot %d: %w", index, err)
		}
	}
	if err := loc.UpdateDiskResources(ctx); err != nil {
		return err
	}
	go loc.runDiskAccounting()
	go loc.runHealthChecks()
	loc.logger.WithField("SlotCount", loc.slotCount).Info("slot location initialized")
	return nil
}

func (loc *Location) SlotPath(index int) string {
	return filepath.Join(loc.Path, strconv.Itoa(index))
}

func (loc *Location) SandboxPath(index int, kind nodeapi.SandboxKind) string {
	return filepath.Join(loc.SlotPath(index), string(kind))
}

// IsEnabled returns false after Disable.
func (loc *Location) IsEnabled() bool {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	return loc.enabled
}

// Disable permanently disables the location. Slots already leased
// on it are allowed to finish, but will not be offered again.
func (loc *Location) Disable(err error) {
	loc.mtx.Lock()
	if !loc.enabled {
		loc.mtx.Unlock()
		return
	}
	loc.enabled = false
	loc.disabledErr = err
	loc.resources.Enabled = false
	close(loc.stop)
	loc.mtx.Unlock()

	loc.logger.WithError(err).Error("slot location disabled")
	loc.alerts.Set("location:"+loc.Path, nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "slot location %s is disabled", loc.Path).Wrap(err), false)
	loc.metrics.setEnabled(loc.Path, false)
	if loc.onDisable != nil {
		loc.onDisable()
	}
}

func (loc *Location) disabledError() error {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	return nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "slot location %s is disabled", loc.Path).Wrap(loc.disabledErr)
}

// Full returns true if less than DiskFullWatermark is available.
func (loc *Location) Full() bool {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	return loc.resources.Available < loc.cfg.DiskFullWatermark
}

// DiskResources returns the result of the latest disk accounting.
func (loc *Location) DiskResources() nodeapi.DiskLocationResources {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	return loc.resources
}

// Sessions returns the number of occupied slots.
func (loc *Location) Sessions() int {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	return loc.sessions
}

func (loc *Location) reserved() int64 {
	var total int64
	for _, limit := range loc.diskLimits {
		total += limit
	}
	return total
}

// canFit returns true if the reserved disk space plus request does
// not exceed the advertised limit. Caller must hold loc.mtx.
func (loc *Location) canFit(request int64) bool {
	if request <= 0 {
		return true
	}
	return loc.reserved()+request <= int64(loc.resources.Limit)
}

func (loc *Location) acquire(index int, diskLimit int64) {
	loc.mtx.Lock()
	defer loc.mtx.Unlock()
	loc.sessions++
	loc.diskLimits[index] = diskLimit
}

func (loc *Location) release(index int) {
	loc.mtx.Lock()
	defer loc.mtx.Unlock()
	loc.sessions--
	delete(loc.diskLimits, index)
}

// PrepareSandboxDirectories applies the disk quota (if requested
// and enabled) and creates the requested tmpfs volumes inside the
// user sandbox. It returns the tmpfs mount points.
func (loc *Location) PrepareSandboxDirectories(ctx context.Context, index int, opts SandboxOptions) ([]string, error) {
	if !loc.IsEnabled() {
		return nil, loc.disabledError()
	}
	loc.mtx.Lock()
	loc.diskLimits[index] = opts.DiskSpaceLimit
	loc.mtx.Unlock()

	if loc.enableQuota && (opts.DiskSpaceLimit > 0 || opts.InodeLimit > 0) {
		for _, kind := range []nodeapi.SandboxKind{nodeapi.SandboxUser, nodeapi.SandboxTmp} {
			err := loc.dirs.ApplyQuota(ctx, loc.SandboxPath(index, kind), jobdir.QuotaProperties{
				DiskSpaceLimit: opts.DiskSpaceLimit,
				InodeLimit:     opts.InodeLimit,
				UserID:         opts.UserID,
			})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			} else if err != nil {
				loc.Disable(err)
				return nil, nodeapi.NewError(nodeapi.ErrorQuotaSettingFailed, "failed to set disk quota on %s", loc.SandboxPath(index, kind)).Wrap(err)
			}
		}
	}
	return loc.prepareTmpfs(ctx, index, opts)
}

func (loc *Location) prepareTmpfs(ctx context.Context, index int, opts SandboxOptions) ([]string, error) {
	sandbox := loc.SandboxPath(index, nodeapi.SandboxUser)
	vols := append([]nodeapi.TmpfsVolume(nil), opts.TmpfsVolumes...)
	sort.Slice(vols, func(i, j int) bool { return vols[i].Path < vols[j].Path })

	var paths []string
	for _, vol := range vols {
		if !filepath.IsLocal(vol.Path) {
			return nil, nodeapi.NewError(nodeapi.ErrorGeneric, "invalid tmpfs path %q", vol.Path)
		}
		path := filepath.Join(sandbox, vol.Path)
		for _, other := range paths {
			if strings.HasPrefix(path, other+"/") {
				return nil, nodeapi.NewError(nodeapi.ErrorGeneric, "tmpfs path %q is nested in another tmpfs path", vol.Path)
			}
		}
		loc.mtx.RLock()
		for other := range loc.tmpfs {
			if strings.HasPrefix(path, other+"/") || strings.HasPrefix(other, path+"/") {
				loc.mtx.RUnlock()
				return nil, nodeapi.NewError(nodeapi.ErrorGeneric, "tmpfs path %q is nested in another tmpfs path", vol.Path)
			}
		}
		loc.mtx.RUnlock()
		if _, err := os.Lstat(path); err == nil {
			return nil, nodeapi.NewError(nodeapi.ErrorGeneric, "tmpfs path %q already exists", vol.Path)
		}
		paths = append(paths, path)
	}

	for i, vol := range vols {
		path := paths[i]
		err := os.MkdirAll(path, 0755)
		if err == nil && loc.enableTmpfs {
			err = loc.dirs.CreateTmpfsDirectory(ctx, path, jobdir.TmpfsProperties{
				Size:   int64(vol.Size),
				UserID: opts.UserID,
			})
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		} else if err != nil {
			loc.Disable(err)
			return nil, nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "failed to create tmpfs volume at %s", path).Wrap(err)
		}
		if loc.enableTmpfs {
			loc.mtx.Lock()
			loc.tmpfs[path] = true
			loc.mtx.Unlock()
		}
	}
	return paths, nil
}

func (loc *Location) inTmpfs(path string) bool {
	loc.mtx.RLock()
	defer loc.mtx.RUnlock()
	for mnt := range loc.tmpfs {
		if path == mnt || strings.HasPrefix(path, mnt+"/") {
			return true
		}
	}
	return false
}

func (loc *Location) forgetTmpfs(prefix string) {
	loc.mtx.Lock()
	defer loc.mtx.Unlock()
	for mnt := range loc.tmpfs {
		if mnt == prefix || strings.HasPrefix(mnt, prefix+"/") {
			delete(loc.tmpfs, mnt)
		}
	}
}

// classifyWriteError converts an error writing into the sandbox
// into a job error. Running out of space in a tmpfs volume or a
// quota-limited sandbox is the job's fault; anything else disables
// the location.
func (loc *Location) classifyWriteError(index int, path string, err error) error {
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) {
		if loc.inTmpfs(path) {
			return nodeapi.NewError(nodeapi.ErrorTmpfsOverflow, "tmpfs volume is too small to hold %s", filepath.Base(path)).Wrap(err)
		}
		loc.mtx.RLock()
		limited := loc.enableQuota && loc.diskLimits[index] > 0
		loc.mtx.RUnlock()
		if limited {
			return nodeapi.NewError(nodeapi.ErrorNotEnoughDiskSpace, "disk space limit is too small").Wrap(err)
		}
	}
	loc.Disable(err)
	return nodeapi.NewError(nodeapi.ErrorArtifactCopyingFailed, "failed to write %s", path).Wrap(err)
}

// destination returns the sandbox path for the named artifact,
// creating its parent directories. Errors here come from the job's
// artifact layout (a name colliding with a file placed earlier, for
// example) and do not disable the location.
func (loc *Location) destination(index int, kind nodeapi.SandboxKind, name string) (string, error) {
	if !loc.IsEnabled() {
		return "", loc.disabledError()
	}
	if !filepath.IsLocal(name) {
		return "", nodeapi.NewError(nodeapi.ErrorGeneric, "invalid artifact name %q", name)
	}
	dest := filepath.Join(loc.SandboxPath(index, kind), name)
	if _, err := os.Lstat(dest); err == nil {
		return "", nodeapi.NewError(nodeapi.ErrorGeneric, "destination %s already exists", dest)
	} else if !os.IsNotExist(err) {
		return "", nodeapi.NewError(nodeapi.ErrorGeneric, "invalid destination %s", dest).Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", nodeapi.NewError(nodeapi.ErrorGeneric, "cannot create parent directories of %s", dest).Wrap(err)
	}
	return dest, nil
}

// MakeSandboxCopy copies the file at src into the sandbox.
func (loc *Location) MakeSandboxCopy(index int, kind nodeapi.SandboxKind, name, src string, executable bool) error {
	dest, err := loc.destination(index, kind, name)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return nodeapi.NewError(nodeapi.ErrorArtifactCopyingFailed, "cannot open %s", src).Wrap(err)
	}
	defer in.Close()
	return loc.writeFile(index, dest, executable, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// MakeSandboxLink creates a symlink to target in the sandbox. The
// target's mode is updated to match executable.
func (loc *Location) MakeSandboxLink(index int, kind nodeapi.SandboxKind, name, target string, executable bool) error {
	dest, err := loc.destination(index, kind, name)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dest); err != nil {
		return loc.classifyWriteError(index, dest, err)
	}
	return loc.finishFile(index, dest, executable)
}

// MakeSandboxFile writes the output of producer to a new file in the
// sandbox. An error returned by producer that did not come from
// writing the file is returned as is.
func (loc *Location) MakeSandboxFile(index int, kind nodeapi.SandboxKind, name string, producer func(io.Writer) error, executable bool) error {
	dest, err := loc.destination(index, kind, name)
	if err != nil {
		return err
	}
	return loc.writeFile(index, dest, executable, producer)
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil && tw.err == nil {
		tw.err = err
	}
	return n, err
}

func (loc *Location) writeFile(index int, dest string, executable bool, produce func(io.Writer) error) error {
	f, err := loc.createFile(dest)
	if err != nil {
		return loc.classifyWriteError(index, dest, err)
	}
	tw := &trackingWriter{w: f}
	err = produce(tw)
	if cerr := f.Close(); cerr != nil && tw.err == nil {
		tw.err = cerr
	}
	if tw.err != nil {
		os.Remove(dest)
		return loc.classifyWriteError(index, dest, tw.err)
	} else if err != nil {
		os.Remove(dest)
		return err
	}
	return loc.finishFile(index, dest, executable)
}

// finishFile waits for an exclusive lock on the file, so no writer
// still has it open when the job starts, then sets its mode.
func (loc *Location) finishFile(index int, dest string, executable bool) error {
	f, err := os.Open(dest)
	if err != nil {
		return loc.classifyWriteError(index, dest, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
	if err == nil {
		err = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
	f.Close()
	if err != nil {
		return loc.classifyWriteError(index, dest, fmt.Errorf("lock %s: %w", dest, err))
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := os.Chmod(dest, mode); err != nil {
		return loc.classifyWriteError(index, dest, err)
	}
	return nil
}

// FinalizeSandboxPreparation hands the sandbox directories over to
// uid. After this, nothing else is placed in the sandbox.
func (loc *Location) FinalizeSandboxPreparation(ctx context.Context, index int, uid int) error {
	for _, kind := range nodeapi.SandboxKinds {
		path := loc.SandboxPath(index, kind)
		var err error
		if uid >= 0 && uid != os.Getuid() {
			err = helper.Chown(ctx, loc.runner, path, uid, 0755)
		} else {
			err = os.Chmod(path, 0755)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			loc.Disable(err)
			return nodeapi.NewError(nodeapi.ErrorQuotaSettingFailed, "failed to set ownership of %s", path).Wrap(err)
		}
	}
	return nil
}

// MakeConfig writes the job proxy configuration file into the slot
// directory and returns its path.
func (loc *Location) MakeConfig(index int, cfg nodeapi.JobProxyConfig) (string, error) {
	path := filepath.Join(loc.SlotPath(index), nodeapi.ProxyConfigFileName)
	buf, err := yaml.Marshal(cfg)
	if err == nil {
		err = os.WriteFile(path, buf, 0644)
	}
	if err != nil {
		loc.Disable(err)
		return "", nodeapi.NewError(nodeapi.ErrorConfigCreationFailed, "failed to write job proxy config %s", path).Wrap(err)
	}
	return path, nil
}

// CleanSandboxes removes everything the previous occupant left in
// the slot and recreates empty sandbox directories. It is
// idempotent.
func (loc *Location) CleanSandboxes(ctx context.Context, index int) error {
	loc.mtx.Lock()
	delete(loc.diskLimits, index)
	loc.mtx.Unlock()
	if err := loc.cleanSandboxes(ctx, index); err != nil {
		loc.Disable(err)
		return nodeapi.NewError(nodeapi.ErrorSlotLocationDisabled, "failed to clean slot %d", index).Wrap(err)
	}
	return nil
}

func (loc *Location) cleanSandboxes(ctx context.Context, index int) error {
	for _, kind := range nodeapi.SandboxKinds {
		path := loc.SandboxPath(index, kind)
		if err := loc.dirs.CleanDirectories(ctx, path); err != nil {
			return err
		}
		if err := loc.removeAll(ctx, path); err != nil {
			return err
		}
		loc.forgetTmpfs(path)
	}
	for _, name := range []string{RootVolumeDir, nodeapi.ProxyConfigFileName, ProxyLogFileName} {
		if err := loc.removeAll(ctx, filepath.Join(loc.SlotPath(index), name)); err != nil {
			return err
		}
	}
	for _, kind := range nodeapi.SandboxKinds {
		if err := os.MkdirAll(loc.SandboxPath(index, kind), 0755); err != nil {
			return err
		}
	}
	return nil
}

func (loc *Location) removeAll(ctx context.Context, path string) error {
	if loc.useSlotUsers {
		return helper.Remove(ctx, loc.runner, path, false)
	}
	return helper.RemoveAll(path, false)
}

// UpdateDiskResources recomputes the disk space advertised for this
// location.
func (loc *Location) UpdateDiskResources(ctx context.Context) error {
	var st unix.Statfs_t
	if err := unix.Statfs(loc.Path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", loc.Path, err)
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	avail := int64(st.Bavail) * int64(st.Bsize)
	limit := total
	if quota := int64(loc.cfg.DiskQuota); quota > 0 && quota < limit {
		limit = quota
	}

	loc.mtx.RLock()
	limits := make(map[int]int64, len(loc.diskLimits))
	for index, l := range loc.diskLimits {
		limits[index] = l
	}
	loc.mtx.RUnlock()

	var usage int64
	for index, l := range limits {
		if l > 0 {
			usage += l
			continue
		}
		size, err := loc.dirSize(ctx, loc.SlotPath(index))
		if err != nil {
			return err
		}
		usage += size
	}
	available := avail
	if limit-usage < available {
		available = limit - usage
	}
	if available < 0 {
		available = 0
	}
	if usage+available < limit {
		limit = usage + available
	}
	limit -= int64(loc.cfg.DiskUsageWatermark)
	if limit < 0 {
		limit = 0
	}

	loc.mtx.Lock()
	loc.resources.Usage = nodeapi.ByteSize(usage)
	loc.resources.Limit = nodeapi.ByteSize(limit)
	loc.resources.Available = nodeapi.ByteSize(available)
	res := loc.resources
	loc.mtx.Unlock()
	loc.metrics.setDisk(loc.Path, res)
	return nil
}

func (loc *Location) dirSize(ctx context.Context, path string) (int64, error) {
	var size helper.DirSize
	var err error
	if loc.useSlotUsers {
		size, err = helper.GetDirSize(ctx, loc.runner, path)
	} else {
		size, err = helper.DirUsage(path)
	}
	return size.Bytes, err
}

func (loc *Location) runDiskAccounting() {
	ticker := time.NewTicker(loc.updatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-loc.stop:
			return
		case <-ticker.C:
		}
		if err := loc.UpdateDiskResources(context.Background()); err != nil {
			loc.Disable(fmt.Errorf("disk accounting failed: %w", err))
			return
		}
	}
}

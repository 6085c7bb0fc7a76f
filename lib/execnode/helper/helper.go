// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package helper implements the privileged helper tool ("execnode
// helper ...") used to mount tmpfs, set disk quotas, and clean up
// files and processes that belong to other users.
//
// The helper is always invoked out of process through a Runner, so
// the node itself can run unprivileged with a narrow sudo rule.
package helper

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/cmd"
	"golang.org/x/sys/unix"
)

// Command is the "execnode helper" entry point.
var Command cmd.Handler = cmd.Multi{
	"mount-tmpfs": cmd.HandlerFunc(mountTmpfs),
	"umount":      cmd.HandlerFunc(umount),
	"set-quota":   cmd.HandlerFunc(setQuota),
	"remove":      cmd.HandlerFunc(remove),
	"chown":       cmd.HandlerFunc(chown),
	"kill-uid":    cmd.HandlerFunc(killUID),
	"dir-size":    cmd.HandlerFunc(dirSize),
}

// DirSize is the output of "dir-size".
type DirSize struct {
	Bytes  int64 `json:"bytes"`
	Inodes int64 `json:"inodes"`
}

// Paths given to the helper must be absolute and clean, so a
// malformed argument cannot address something unexpected.
func checkPath(path string) error {
	if !filepath.IsAbs(path) || filepath.Clean(path) != path || path == "/" {
		return fmt.Errorf("refusing to operate on path %q", path)
	}
	return nil
}

func onePath(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (string, int, bool) {
	if ok, code := cmd.ParseFlags(flags, prog, args, "path", stderr); !ok {
		return "", code, false
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "%s: exactly one path argument is required\n", prog)
		return "", 2, false
	}
	path := flags.Arg(0)
	if err := checkPath(path); err != nil {
		return "", cmd.Exit(stderr, err), false
	}
	return path, 0, true
}

func mountTmpfs(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	size := flags.Int64("size", 0, "size limit in bytes")
	uid := flags.Int("uid", -1, "owner of the mount root")
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	opts := []string{"mode=0755"}
	if *size > 0 {
		opts = append(opts, "size="+strconv.FormatInt(*size, 10))
	}
	if *uid >= 0 {
		opts = append(opts, "uid="+strconv.Itoa(*uid))
	}
	err := unix.Mount("tmpfs", path, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, strings.Join(opts, ","))
	if err != nil {
		err = fmt.Errorf("mount tmpfs at %s: %w", path, err)
	}
	return cmd.Exit(stderr, err)
}

func umount(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	detach := flags.Bool("detach", false, "lazy unmount")
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	mflags := 0
	if *detach {
		mflags = unix.MNT_DETACH
	}
	err := unix.Unmount(path, mflags)
	if errors.Is(err, unix.EINVAL) {
		// not a mount point (any more)
		err = nil
	} else if err != nil {
		err = fmt.Errorf("unmount %s: %w", path, err)
	}
	return cmd.Exit(stderr, err)
}

// setQuota assigns an XFS project to path and sets the project's
// block and inode limits. With -remove, the limits are cleared.
func setQuota(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	project := flags.Int("project", 0, "quota project `id`")
	bytes := flags.Int64("bytes", 0, "disk space limit")
	inodes := flags.Int64("inodes", 0, "inode limit")
	rm := flags.Bool("remove", false, "clear limits instead of setting them")
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	if *project <= 0 {
		return cmd.Exit(stderr, fmt.Errorf("invalid project id %d", *project))
	}
	mnt, err := mountPointOf(path)
	if err != nil {
		return cmd.Exit(stderr, err)
	}
	var cmds []string
	if *rm {
		cmds = []string{fmt.Sprintf("limit -p bhard=0 ihard=0 %d", *project)}
	} else {
		cmds = []string{
			fmt.Sprintf("project -s -p %s %d", path, *project),
			fmt.Sprintf("limit -p bhard=%d ihard=%d %d", *bytes, *inodes, *project),
		}
	}
	for _, c := range cmds {
		out, err := exec.Command("xfs_quota", "-x", "-c", c, mnt).CombinedOutput()
		if err != nil {
			return cmd.Exit(stderr, fmt.Errorf("xfs_quota %q: %w: %s", c, err, strings.TrimSpace(string(out))))
		}
	}
	return 0
}

// mountPointOf returns the mount point of the filesystem that holds
// path.
func mountPointOf(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	dev := st.Dev
	for {
		parent := filepath.Dir(path)
		if parent == path {
			return path, nil
		}
		if err := unix.Stat(parent, &st); err != nil {
			return "", fmt.Errorf("stat %s: %w", parent, err)
		}
		if st.Dev != dev {
			return path, nil
		}
		path = parent
	}
}

func remove(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	contents := flags.Bool("contents", false, "remove directory contents only")
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	return cmd.Exit(stderr, RemoveAll(path, *contents))
}

// RemoveAll removes path, or only its contents if contentsOnly is
// true. Directories are made writable first, so read-only trees left
// by jobs can be removed. A missing path is not an error.
func RemoveAll(path string, contentsOnly bool) error {
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(p, 0700)
		}
		return nil
	})
	if !contentsOnly {
		return os.RemoveAll(path)
	}
	ents, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, ent := range ents {
		if err := os.RemoveAll(filepath.Join(path, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

func chown(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	uid := flags.Int("uid", -1, "new owner")
	gid := flags.Int("gid", -1, "new group (default: unchanged)")
	mode := flags.String("mode", "", "octal mode for path itself")
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	if *uid < 0 {
		return cmd.Exit(stderr, errors.New("-uid is required"))
	}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(p, *uid, *gid)
	})
	if err == nil && *mode != "" {
		var m uint64
		m, err = strconv.ParseUint(*mode, 8, 32)
		if err == nil {
			err = os.Chmod(path, os.FileMode(m))
		}
	}
	return cmd.Exit(stderr, err)
}

// killUID sends SIGKILL to every process whose real or effective uid
// is the given uid, until none are left or the timeout expires.
func killUID(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	uid := flags.Int("uid", -1, "user id")
	timeout := flags.Duration("timeout", 10*time.Second, "give up after this long")
	procfs := flags.String("proc", "/proc", "procfs mount point")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	if *uid <= 0 {
		return cmd.Exit(stderr, fmt.Errorf("refusing to kill processes of uid %d", *uid))
	}
	for deadline := time.Now().Add(*timeout); ; time.Sleep(time.Second / 20) {
		pids, err := ProcessesOfUser(*procfs, *uid)
		if err != nil {
			return cmd.Exit(stderr, err)
		}
		if len(pids) == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			return cmd.Exit(stderr, fmt.Errorf("uid %d: %d processes still alive after %s", *uid, len(pids), *timeout))
		}
		for _, pid := range pids {
			syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

// ProcessesOfUser returns the pids of processes whose real or
// effective uid is uid.
func ProcessesOfUser(procfs string, uid int) ([]int, error) {
	ents, err := os.ReadDir(procfs)
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(uid)
	var pids []int
	for _, ent := range ents {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(procfs, ent.Name(), "status"))
		if err != nil {
			// exited
			continue
		}
		for _, line := range strings.Split(string(buf), "\n") {
			// "Uid:\treal\teffective\tsaved\tfs"
			if !strings.HasPrefix(line, "Uid:") {
				continue
			}
			f := strings.Fields(line)
			if len(f) >= 3 && (f[1] == want || f[2] == want) {
				pids = append(pids, pid)
			}
			break
		}
	}
	return pids, nil
}

func dirSize(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	path, code, ok := onePath(flags, prog, args, stderr)
	if !ok {
		return code
	}
	size, err := DirUsage(path)
	if err != nil {
		return cmd.Exit(stderr, err)
	}
	return cmd.Exit(stderr, json.NewEncoder(stdout).Encode(size))
}

// DirUsage returns the disk space and inodes used by the tree at
// path, without crossing filesystem boundaries. A missing path has
// zero usage.
func DirUsage(path string) (DirSize, error) {
	var size DirSize
	var root unix.Stat_t
	if err := unix.Lstat(path, &root); os.IsNotExist(err) {
		return size, nil
	} else if err != nil {
		return size, fmt.Errorf("stat %s: %w", path, err)
	}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return err
		}
		var st unix.Stat_t
		if err := unix.Lstat(p, &st); os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return err
		}
		if st.Dev != root.Dev {
			return filepath.SkipDir
		}
		size.Inodes++
		size.Bytes += st.Blocks * 512
		return nil
	})
	return size, err
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// A Runner invokes a helper subcommand, e.g.,
// Run(ctx, "umount", "-detach", "/path"), and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the helper as a separate process.
type ExecRunner struct {
	// Program and leading arguments, e.g., {"sudo", "-n",
	// "/usr/bin/execnode", "helper"}. If empty, the current
	// executable is run with a "helper" argument.
	Command []string
	Logger  logrus.FieldLogger
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	argv := r.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		argv = []string{exe, "helper"}
	}
	argv = append(append([]string(nil), argv...), args...)
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"Args":  args,
			"Error": err,
		}).Debug("helper")
	}
	if err != nil {
		return stdout.Bytes(), fmt.Errorf("helper %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// LocalRunner runs helper subcommands in the current process. It is
// useful when the node already runs as root.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	if code := Command.RunCommand("execnode helper", args, bytes.NewReader(nil), &stdout, &stderr); code != 0 {
		return stdout.Bytes(), fmt.Errorf("helper %s: exit code %d: %s", strings.Join(args, " "), code, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// NewRunner returns a LocalRunner if command is empty and the
// current process is root, otherwise an ExecRunner.
func NewRunner(command []string, logger logrus.FieldLogger) Runner {
	if len(command) == 0 && os.Geteuid() == 0 {
		return LocalRunner{}
	}
	return &ExecRunner{Command: command, Logger: logger}
}

// Convenience wrappers.

func MountTmpfs(ctx context.Context, r Runner, path string, size int64, uid int) error {
	_, err := r.Run(ctx, "mount-tmpfs", "-size", strconv.FormatInt(size, 10), "-uid", strconv.Itoa(uid), path)
	return err
}

func Umount(ctx context.Context, r Runner, path string, detach bool) error {
	args := []string{"umount"}
	if detach {
		args = append(args, "-detach")
	}
	_, err := r.Run(ctx, append(args, path)...)
	return err
}

func SetQuota(ctx context.Context, r Runner, path string, project int, bytes, inodes int64) error {
	_, err := r.Run(ctx, "set-quota", "-project", strconv.Itoa(project), "-bytes", strconv.FormatInt(bytes, 10), "-inodes", strconv.FormatInt(inodes, 10), path)
	return err
}

func ClearQuota(ctx context.Context, r Runner, path string, project int) error {
	_, err := r.Run(ctx, "set-quota", "-remove", "-project", strconv.Itoa(project), path)
	return err
}

func Remove(ctx context.Context, r Runner, path string, contentsOnly bool) error {
	_, err := r.Run(ctx, "remove", "-contents="+strconv.FormatBool(contentsOnly), path)
	return err
}

func Chown(ctx context.Context, r Runner, path string, uid int, mode os.FileMode) error {
	_, err := r.Run(ctx, "chown", "-uid", strconv.Itoa(uid), "-mode", strconv.FormatUint(uint64(mode.Perm()), 8), path)
	return err
}

func KillUID(ctx context.Context, r Runner, uid int) error {
	_, err := r.Run(ctx, "kill-uid", "-uid", strconv.Itoa(uid))
	return err
}

func GetDirSize(ctx context.Context, r Runner, path string) (DirSize, error) {
	var size DirSize
	out, err := r.Run(ctx, "dir-size", path)
	if err != nil {
		return size, err
	}
	err = json.Unmarshal(out, &size)
	return size, err
}

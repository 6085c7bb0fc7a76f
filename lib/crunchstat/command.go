// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package crunchstat

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/cmd"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
)

// Command runs a program and logs the statistics of its cgroup to
// stderr until it exits.
var Command = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	poll := flags.Duration("poll", 10*time.Second, "reporting interval")
	cgroupRoot := flags.String("cgroup-root", "/"+DefaultCgroupRoot, "cgroup2 mount point")
	format := flags.String("log-format", "text", "log format (text or json)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "program [args ...]", stderr); !ok {
		return code
	} else if flags.NArg() == 0 {
		fmt.Fprintf(stderr, "missing required argument: program (try -help)\n")
		return 2
	}
	logger := ctxlog.New(stderr, *format, "info")

	cmd := exec.Command(flags.Arg(0), flags.Args()[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		logger.WithError(err).Error("cmd.Start failed")
		return 1
	}
	reporter := &Reporter{
		FS:         os.DirFS("/"),
		CgroupRoot: *cgroupRoot,
		Pid:        func() int { return cmd.Process.Pid },
		PollPeriod: *poll,
		Logger:     logger.WithField("PID", cmd.Process.Pid),
	}
	if len(reporter.CgroupRoot) > 0 && reporter.CgroupRoot[0] == '/' {
		reporter.CgroupRoot = reporter.CgroupRoot[1:]
	}
	reporter.Start()
	err := cmd.Wait()
	reporter.Stop()

	if err, ok := err.(*exec.ExitError); ok {
		if status, ok := err.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
		logger.WithError(err).Error("ExitError without WaitStatus")
		return 1
	} else if err != nil {
		logger.WithError(err).Error("error running command")
		return 1
	}
	return 0
}

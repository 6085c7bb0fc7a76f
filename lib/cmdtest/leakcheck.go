// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// LeakCheck tests for output being leaked to os.Stdout, os.Stderr,
// or the standard logrus logger, all of which should be sent to the
// stdout and stderr streams passed to a cmd.Handler instead.
//
// It redirects them to tempfiles, and returns a func, which the
// caller is expected to defer, that restores them and checks that the
// tempfiles are empty.
//
// Example:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... do things that shouldn't print to os.Stderr or os.Stdout
//	}
func LeakCheck(c *check.C) func() {
	tmpfiles := map[string]*os.File{"stdout": nil, "stderr": nil, "logrus": nil}
	for i := range tmpfiles {
		var err error
		tmpfiles[i], err = os.CreateTemp("", "leakcheck-")
		c.Assert(err, check.IsNil)
		err = os.Remove(tmpfiles[i].Name())
		c.Assert(err, check.IsNil)
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	std := logrus.StandardLogger()
	stdOut := std.Out
	std.SetOutput(tmpfiles["logrus"])
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		std.SetOutput(stdOut)

		for i, tmpfile := range tmpfiles {
			c.Logf("checking %s", i)
			_, err := tmpfile.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(tmpfile)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "")
			tmpfile.Close()
		}
	}
}

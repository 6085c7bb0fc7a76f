// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorSuite{})

type ErrorSuite struct{}

func (s *ErrorSuite) TestFindMatchingInner(c *check.C) {
	err := NewError(ErrorArtifactDownloadFailed, "Failed to prepare user file %q", "data.txt").
		Wrap(NewError(ErrorFailedChunks, "chunk unavailable"))
	found, ok := FindMatching(err, ErrorFailedChunks)
	c.Check(ok, check.Equals, true)
	c.Check(found.Message, check.Equals, "chunk unavailable")
	_, ok = FindMatching(err, ErrorSlotNotFound)
	c.Check(ok, check.Equals, false)
	c.Check(err.Error(), check.Equals, `Failed to prepare user file "data.txt": chunk unavailable`)
}

func (s *ErrorSuite) TestFindMatchingThroughFmtWrap(c *check.C) {
	inner := NewError(ErrorTmpfsOverflow, "no space left on tmpfs")
	err := fmt.Errorf("writing artifact: %w", inner)
	found, ok := FindMatching(err, ErrorTmpfsOverflow)
	c.Check(ok, check.Equals, true)
	c.Check(found, check.Equals, inner)

	converted := FromError(err)
	c.Check(converted.Message, check.Equals, "writing artifact")
	_, ok = FindMatching(converted, ErrorTmpfsOverflow)
	c.Check(ok, check.Equals, true)
}

func (s *ErrorSuite) TestFindAttribute(c *check.C) {
	err := NewError(ErrorGeneric, "outer").Wrap(NewError(ErrorAbortByScheduler, "aborted").WithAbortReason(AbortReasonScheduler))
	val, ok := FindAttribute(err, AttributeAbortReason)
	c.Check(ok, check.Equals, true)
	c.Check(val, check.Equals, "scheduler")
	_, ok = FindAttribute(errors.New("plain"), AttributeAbortReason)
	c.Check(ok, check.Equals, false)
}

func (s *ErrorSuite) TestKeepsGoCause(c *check.C) {
	err := NewError(ErrorArtifactCopyingFailed, "copy failed").Wrap(os.ErrNotExist)
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)
}

func (s *ErrorSuite) TestJSON(c *check.C) {
	err := NewError(ErrorResourceOverdraft, "memory overdraft").WithAbortReason(AbortReasonResourceOverdraft).Wrap(errors.New("usage 5 GiB > limit 4 GiB"))
	buf, jerr := json.Marshal(err)
	c.Assert(jerr, check.IsNil)
	var decoded Error
	c.Assert(json.Unmarshal(buf, &decoded), check.IsNil)
	c.Check(decoded.Code, check.Equals, ErrorResourceOverdraft)
	c.Check(decoded.Attributes[AttributeAbortReason], check.Equals, "resource_overdraft")
	c.Check(decoded.Error(), check.Equals, err.Error())
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"sort"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
)

var defaultFatalCodes = []nodeapi.ErrorCode{
	nodeapi.ErrorAuthenticationError,
	nodeapi.ErrorAuthorizationError,
	nodeapi.ErrorSortOrderViolation,
	nodeapi.ErrorIncomparableType,
	nodeapi.ErrorUnhashableType,
	nodeapi.ErrorInvalidDoubleValue,
	nodeapi.ErrorNoSuchAccount,
	nodeapi.ErrorSetupCommandFailed,
	nodeapi.ErrorNoSuchLayer,
}

// Codes that make a job Failed without being fatal, even when wrapped
// in an abort code.
var defaultFailedCodes = []nodeapi.ErrorCode{
	nodeapi.ErrorLayerUnpackingFailed,
}

// Checked in this order, so a more specific reason found anywhere in
// the error tree wins over "other".
var defaultAbortCodes = []abortCode{
	{nodeapi.ErrorResourceOverdraft, nodeapi.AbortReasonResourceOverdraft},
	{nodeapi.ErrorAbortByScheduler, nodeapi.AbortReasonScheduler},
	{nodeapi.ErrorJobNotPrepared, nodeapi.AbortReasonScheduler},
	{nodeapi.ErrorWaitingTimeout, nodeapi.AbortReasonWaitingTimeout},
	{nodeapi.ErrorFailedChunks, nodeapi.AbortReasonFailedChunks},
	{nodeapi.ErrorUserRequest, nodeapi.AbortReasonUserRequest},
	{nodeapi.ErrorResolveTimedOut, nodeapi.AbortReasonOther},
	{nodeapi.ErrorNodeDirectoryPreparationFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorSlotNotFound, nodeapi.AbortReasonOther},
	{nodeapi.ErrorSlotLocationDisabled, nodeapi.AbortReasonOther},
	{nodeapi.ErrorJobEnvironmentDisabled, nodeapi.AbortReasonOther},
	{nodeapi.ErrorArtifactDownloadFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorArtifactCopyingFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorRootVolumePreparationFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorNotEnoughDiskSpace, nodeapi.AbortReasonOther},
	{nodeapi.ErrorQuotaSettingFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorConfigCreationFailed, nodeapi.AbortReasonOther},
	{nodeapi.ErrorJobPreparationTimeout, nodeapi.AbortReasonOther},
	{nodeapi.ErrorJobProxyPreparationTimeout, nodeapi.AbortReasonOther},
}

type abortCode struct {
	code   nodeapi.ErrorCode
	reason nodeapi.AbortReason
}

// Classifier decides the terminal state of a job from its result
// error.
type Classifier struct {
	fatal  []nodeapi.ErrorCode
	failed []nodeapi.ErrorCode
	abort  []abortCode
}

// Outcome is the classification of a job result.
type Outcome struct {
	State       nodeapi.JobState
	AbortReason nodeapi.AbortReason
	Fatal       bool
}

// NewClassifier returns a Classifier using the built-in table,
// extended by the given codes. A code listed in extraAbort is no
// longer considered fatal, and vice versa.
func NewClassifier(extraFatal []nodeapi.ErrorCode, extraAbort map[nodeapi.ErrorCode]nodeapi.AbortReason) *Classifier {
	cl := &Classifier{}
	for _, code := range defaultFatalCodes {
		if _, override := extraAbort[code]; !override {
			cl.fatal = append(cl.fatal, code)
		}
	}
	cl.fatal = append(cl.fatal, extraFatal...)
	isFatal := map[nodeapi.ErrorCode]bool{}
	for _, code := range extraFatal {
		isFatal[code] = true
	}
	for _, code := range defaultFailedCodes {
		if _, override := extraAbort[code]; !override && !isFatal[code] {
			cl.failed = append(cl.failed, code)
		}
	}
	for code, reason := range extraAbort {
		cl.abort = append(cl.abort, abortCode{code, reason})
	}
	sort.Slice(cl.abort, func(i, j int) bool { return cl.abort[i].code < cl.abort[j].code })
	for _, ent := range defaultAbortCodes {
		if _, override := extraAbort[ent.code]; override || isFatal[ent.code] {
			continue
		}
		cl.abort = append(cl.abort, ent)
	}
	return cl
}

// Classify returns the outcome of a job whose result error is err.
// Fatal codes are checked first, then codes that always mean Failed,
// then an explicit abort_reason attribute, then the abort codes.
// abortOnAccountLimit is the job's AbortOnAccountLimitExceeded flag;
// signaled is true if the user sent a signal to the job.
func (cl *Classifier) Classify(err *nodeapi.Error, abortOnAccountLimit, signaled bool) Outcome {
	if err == nil {
		return Outcome{State: nodeapi.JobStateCompleted}
	}
	if _, ok := nodeapi.FindMatching(err, nodeapi.ErrorAccountLimitExceeded); ok && !abortOnAccountLimit {
		return Outcome{State: nodeapi.JobStateFailed, Fatal: true}
	}
	for _, code := range cl.fatal {
		if _, ok := nodeapi.FindMatching(err, code); ok {
			return Outcome{State: nodeapi.JobStateFailed, Fatal: true}
		}
	}
	for _, code := range cl.failed {
		if _, ok := nodeapi.FindMatching(err, code); ok {
			return Outcome{State: nodeapi.JobStateFailed}
		}
	}
	if v, ok := nodeapi.FindAttribute(err, nodeapi.AttributeAbortReason); ok {
		reason := nodeapi.AbortReasonOther
		if s, ok := v.(string); ok && s != "" {
			reason = nodeapi.AbortReason(s)
		}
		return Outcome{State: nodeapi.JobStateAborted, AbortReason: reason}
	}
	if _, ok := nodeapi.FindMatching(err, nodeapi.ErrorAccountLimitExceeded); ok {
		return Outcome{State: nodeapi.JobStateAborted, AbortReason: nodeapi.AbortReasonAccountLimitExceeded}
	}
	for _, ent := range cl.abort {
		if _, ok := nodeapi.FindMatching(err, ent.code); ok {
			return Outcome{State: nodeapi.JobStateAborted, AbortReason: ent.reason}
		}
	}
	if signaled {
		return Outcome{State: nodeapi.JobStateAborted, AbortReason: nodeapi.AbortReasonUserRequest}
	}
	return Outcome{State: nodeapi.JobStateFailed}
}

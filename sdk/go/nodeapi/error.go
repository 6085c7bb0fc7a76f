// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeapi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a kind of error. Codes carry no meaning beyond
// their identity; classification into fatal/abort/other outcomes is
// done by a table, see lib/execnode/job.Classifier.
type ErrorCode string

const (
	ErrorGeneric ErrorCode = ""

	// Job-level codes.
	ErrorAbortByScheduler           ErrorCode = "AbortByScheduler"
	ErrorJobNotPrepared             ErrorCode = "JobNotPrepared"
	ErrorJobPreparationTimeout      ErrorCode = "JobPreparationTimeout"
	ErrorJobProxyPreparationTimeout ErrorCode = "JobProxyPreparationTimeout"
	ErrorJobAbortionTimeout         ErrorCode = "JobAbortionTimeout"
	ErrorResourceOverdraft          ErrorCode = "ResourceOverdraft"
	ErrorWaitingTimeout             ErrorCode = "WaitingTimeout"
	ErrorUserRequest                ErrorCode = "UserRequest"
	ErrorJobFailedByRequest         ErrorCode = "JobFailedByRequest"
	ErrorJobProxyFailed             ErrorCode = "JobProxyFailed"

	// Preparation codes.
	ErrorNodeDirectoryPreparationFailed ErrorCode = "NodeDirectoryPreparationFailed"
	ErrorResolveTimedOut                ErrorCode = "ResolveTimedOut"
	ErrorArtifactDownloadFailed         ErrorCode = "ArtifactDownloadFailed"
	ErrorArtifactCopyingFailed          ErrorCode = "ArtifactCopyingFailed"
	ErrorRootVolumePreparationFailed    ErrorCode = "RootVolumePreparationFailed"
	ErrorLayerUnpackingFailed           ErrorCode = "LayerUnpackingFailed"
	ErrorNoSuchLayer                    ErrorCode = "NoSuchLayer"
	ErrorSetupCommandFailed             ErrorCode = "SetupCommandFailed"
	ErrorConfigCreationFailed           ErrorCode = "ConfigCreationFailed"
	ErrorFailedChunks                   ErrorCode = "FailedChunks"

	// Slot and node infrastructure codes.
	ErrorSlotNotFound           ErrorCode = "SlotNotFound"
	ErrorSlotLocationDisabled   ErrorCode = "SlotLocationDisabled"
	ErrorJobEnvironmentDisabled ErrorCode = "JobEnvironmentDisabled"
	ErrorQuotaSettingFailed     ErrorCode = "QuotaSettingFailed"
	ErrorNotEnoughDiskSpace     ErrorCode = "NotEnoughDiskSpace"
	ErrorTmpfsOverflow          ErrorCode = "TmpfsOverflow"
	ErrorGPUAllocationFailed    ErrorCode = "GPUAllocationFailed"

	// Codes reported by the job proxy about user data or credentials.
	ErrorAuthenticationError  ErrorCode = "AuthenticationError"
	ErrorAuthorizationError   ErrorCode = "AuthorizationError"
	ErrorAccountLimitExceeded ErrorCode = "AccountLimitExceeded"
	ErrorNoSuchAccount        ErrorCode = "NoSuchAccount"
	ErrorSortOrderViolation   ErrorCode = "SortOrderViolation"
	ErrorIncomparableType     ErrorCode = "IncomparableType"
	ErrorUnhashableType       ErrorCode = "UnhashableType"
	ErrorInvalidDoubleValue   ErrorCode = "InvalidDoubleValue"

	// Node alert codes.
	ErrorTooManyConsecutiveJobAbortions ErrorCode = "TooManyConsecutiveJobAbortions"
	ErrorGenericPersistentError         ErrorCode = "GenericPersistentError"
)

// AttributeAbortReason is the attribute key holding an AbortReason.
const AttributeAbortReason = "abort_reason"

// Error is a structured error that can be sent over the wire. It
// carries a code, free-form attributes, and the errors that caused
// it.
type Error struct {
	Code       ErrorCode              `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Inner      []*Error               `json:"inner_errors,omitempty"`

	// Go error that was converted into Inner, if any. Kept so
	// errors.Is/As keep working locally.
	cause error
}

// NewError returns an *Error with the given code and formatted
// message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, inner := range e.Inner {
		b.WriteString(": ")
		b.WriteString(inner.Error())
	}
	return b.String()
}

// Unwrap returns the Go error given to Wrap, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Wrap records err as the cause of e and returns e.
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	e.cause = err
	e.Inner = append(e.Inner, FromError(err))
	return e
}

// WithAttribute sets an attribute and returns e.
func (e *Error) WithAttribute(key string, value interface{}) *Error {
	if e.Attributes == nil {
		e.Attributes = map[string]interface{}{}
	}
	e.Attributes[key] = value
	return e
}

// WithAbortReason sets the abort_reason attribute and returns e.
func (e *Error) WithAbortReason(reason AbortReason) *Error {
	return e.WithAttribute(AttributeAbortReason, string(reason))
}

// FromError converts any error to an *Error. An *Error found in err's
// wrap chain is returned as-is; otherwise the chain is flattened into
// a generic error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e == err {
		return e
	}
	if errors.As(err, &e) {
		// err wraps an *Error (e.g., fmt.Errorf("...: %w",
		// e)): keep the outer message.
		return &Error{Message: strings.TrimSuffix(err.Error(), ": "+e.Error()), Inner: []*Error{e}, cause: err}
	}
	return &Error{Message: err.Error(), cause: err}
}

// FindMatching returns the first *Error in err's tree (wrap chain and
// inner errors, depth first) whose code is code.
func FindMatching(err error, code ErrorCode) (*Error, bool) {
	var found *Error
	walk(err, func(e *Error) bool {
		if e.Code == code {
			found = e
			return true
		}
		return false
	})
	return found, found != nil
}

// FindAttribute returns the first value of the given attribute found
// in err's tree.
func FindAttribute(err error, key string) (interface{}, bool) {
	var (
		val   interface{}
		found bool
	)
	walk(err, func(e *Error) bool {
		val, found = e.Attributes[key]
		return found
	})
	return val, found
}

// walk calls fn on each *Error in err's tree until fn returns true.
func walk(err error, fn func(*Error) bool) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if walkInner(e, fn) {
			return true
		}
		err = e.cause
	}
	return false
}

func walkInner(e *Error, fn func(*Error) bool) bool {
	if fn(e) {
		return true
	}
	for _, inner := range e.Inner {
		if walkInner(inner, fn) {
			return true
		}
	}
	return false
}

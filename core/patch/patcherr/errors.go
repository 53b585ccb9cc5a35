// SPDX-License-Identifier: Mulan PSL v2
/*
 * Copyright (c) 2024 Huawei Technologies Co., Ltd.
 * syscared is licensed under Mulan PSL v2.
 * You can use this software according to the terms and conditions of the Mulan PSL v2.
 * You may obtain a copy of Mulan PSL v2 at:
 *         http://license.coscl.org.cn/MulanPSL2
 *
 * THIS SOFTWARE IS PROVIDED ON AN "AS IS" BASIS, WITHOUT WARRANTIES OF ANY KIND,
 * EITHER EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO NON-INFRINGEMENT,
 * MERCHANTABILITY OR FIT FOR A PARTICULAR PURPOSE.
 * See the Mulan PSL v2 for more details.
 */

// Package patcherr defines the error taxonomy shared by every component
// that drives a patch through the status state machine.
package patcherr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies why a patch operation failed. It is the vocabulary the
// RPC surface translates into a stable client-facing error code.
type Kind int

const (
	// KindNotFound means a patch identifier did not resolve to a patch.
	KindNotFound Kind = iota
	// KindInvalidState means the requested transition is illegal from the
	// patch's current status.
	KindInvalidState
	// KindIntegrityMismatch means a digest or magic check failed.
	KindIntegrityMismatch
	// KindTargetMissing means a kernel module, sysfs file or target ELF
	// is absent.
	KindTargetMissing
	// KindDriverFailure means an FFI call or sysfs write failed.
	KindDriverFailure
	// KindPartialFailure means a per-process user-patch operation
	// partially succeeded; Results carries the per-pid outcomes.
	KindPartialFailure
	// KindPersistenceFailure means persistence I/O failed.
	KindPersistenceFailure
	// KindPermissionDenied means the caller is not root / lacks capability.
	KindPermissionDenied
	// KindUnavailable means the daemon is shutting down.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	case KindTargetMissing:
		return "TargetMissing"
	case KindDriverFailure:
		return "DriverFailure"
	case KindPartialFailure:
		return "PartialFailure"
	case KindPersistenceFailure:
		return "PersistenceFailure"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// sentinel returns the nearest containerd/errdefs sentinel for a Kind, so
// callers anywhere in the tree can test with errors.Is against either the
// local Kind or the generic sentinel.
func (k Kind) sentinel() error {
	switch k {
	case KindNotFound, KindTargetMissing:
		return errdefs.ErrNotFound
	case KindInvalidState:
		return errdefs.ErrFailedPrecondition
	case KindIntegrityMismatch:
		return errdefs.ErrDataLoss
	case KindPermissionDenied:
		return errdefs.ErrPermissionDenied
	case KindUnavailable:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrUnknown
	}
}

// PidOutcome records the result of a single pid in a per-process operation.
type PidOutcome struct {
	Pid     int    `json:"pid"`
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Error is the concrete error type carried across the Driver/Transaction
// Engine/RPC boundary.
type Error struct {
	Kind    Kind
	Patch   string // patch identifier, filled in by the Transaction Engine
	Op      string // transition name, filled in by the Transaction Engine
	Message string
	Cause   error
	Results []PidOutcome // only meaningful for KindPartialFailure
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Patch != "" {
		prefix = fmt.Sprintf("%s: patch %q", prefix, e.Patch)
		if e.Op != "" {
			prefix = fmt.Sprintf("%s: %s", prefix, e.Op)
		}
	}
	if e.Message == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause, e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel()}
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithContext returns a copy of err annotated with the patch identifier and
// the transition name that produced it. Used exclusively by the Transaction
// Engine, which is the only caller allowed to attribute a driver failure to
// a specific (patch, op) pair.
func WithContext(err error, patch, op string) error {
	var pe *Error
	if errors.As(err, &pe) {
		clone := *pe
		clone.Patch = patch
		clone.Op = op
		return &clone
	}
	return &Error{Kind: KindDriverFailure, Patch: patch, Op: op, Message: err.Error(), Cause: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// AsPartialFailure extracts the per-pid outcomes from err, if any.
func AsPartialFailure(err error) ([]PidOutcome, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindPartialFailure {
		return pe.Results, true
	}
	return nil, false
}

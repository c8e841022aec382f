// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors implements the broker's error taxonomy (spec.md §7): a
// closed set of error kinds, each carrying a user-facing title, a detail
// message, a recovery suggestion, a retryability flag, and an optional
// wrapped cause.
package errors

import (
	"fmt"
	"os"
)

// Kind is one of the closed error kinds named in spec.md §7.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNoWorkspace        Kind = "NO_WORKSPACE"
	KindWorkspaceInvalid    Kind = "WORKSPACE_INVALID"
	KindSpecNotFound        Kind = "SPEC_NOT_FOUND"
	KindSpecExists          Kind = "SPEC_EXISTS"
	KindTaskNotFound        Kind = "TASK_NOT_FOUND"
	KindFileNotFound        Kind = "FILE_NOT_FOUND"
	KindPermissionDenied    Kind = "PERMISSION_DENIED"
	KindDiskFull            Kind = "DISK_FULL"
	KindCorruptFile         Kind = "CORRUPT_FILE"
	KindLockTimeout         Kind = "LOCK_TIMEOUT"
	KindChecksumMismatch    Kind = "CHECKSUM_MISMATCH"
	KindQueueFull           Kind = "QUEUE_FULL"
	KindDuplicateOperation  Kind = "DUPLICATE_OPERATION"
	KindServiceUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindDependencyCycle     Kind = "DEPENDENCY_CYCLE"
	KindUnresolvedConflict  Kind = "UNRESOLVED_CONFLICT"
)

// nonRetryable holds the kinds spec.md §7 marks as never retried.
var nonRetryable = map[Kind]bool{
	KindValidation:         true,
	KindNoWorkspace:        true,
	KindWorkspaceInvalid:   true,
	KindSpecNotFound:       true,
	KindSpecExists:         true,
	KindTaskNotFound:       true,
	KindPermissionDenied:   true,
	KindCorruptFile:        true,
	KindQueueFull:          true,
	KindDuplicateOperation: true,
	KindServiceUnavailable: true,
	KindDependencyCycle:    true,
}

// Error is the broker's structured error type. It implements the standard
// error interface and unwraps to Cause.
type Error struct {
	Kind       Kind
	Title      string
	Detail     string
	Suggestion string
	Cause      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return e.Title
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the operation that produced this error may be
// retried, per the table in spec.md §7.
func (e *Error) Retryable() bool {
	return !nonRetryable[e.Kind]
}

func newErr(kind Kind, title, detail, suggestion string, cause error) *Error {
	return &Error{Kind: kind, Title: title, Detail: detail, Suggestion: suggestion, Cause: cause}
}

func NewValidationError(detail, suggestion string, cause error) *Error {
	return newErr(KindValidation, "Validation failed", detail, suggestion, cause)
}

func NewNoWorkspaceError(detail, suggestion string, cause error) *Error {
	return newErr(KindNoWorkspace, "No workspace", detail, suggestion, cause)
}

func NewWorkspaceInvalidError(detail, suggestion string, cause error) *Error {
	return newErr(KindWorkspaceInvalid, "Workspace invalid", detail, suggestion, cause)
}

func NewSpecNotFoundError(detail, suggestion string, cause error) *Error {
	return newErr(KindSpecNotFound, "Specification not found", detail, suggestion, cause)
}

func NewSpecExistsError(detail, suggestion string, cause error) *Error {
	return newErr(KindSpecExists, "Specification already exists", detail, suggestion, cause)
}

func NewTaskNotFoundError(detail, suggestion string, cause error) *Error {
	return newErr(KindTaskNotFound, "Task not found", detail, suggestion, cause)
}

func NewFileNotFoundError(detail, suggestion string, cause error) *Error {
	return newErr(KindFileNotFound, "File not found", detail, suggestion, cause)
}

func NewPermissionError(title, detail, suggestion string, cause error) *Error {
	return newErr(KindPermissionDenied, title, detail, suggestion, cause)
}

func NewDiskFullError(detail, suggestion string, cause error) *Error {
	return newErr(KindDiskFull, "Disk full", detail, suggestion, cause)
}

func NewCorruptFileError(detail, suggestion string, cause error) *Error {
	return newErr(KindCorruptFile, "File corrupt", detail, suggestion, cause)
}

func NewLockTimeoutError(detail, suggestion string, cause error) *Error {
	return newErr(KindLockTimeout, "Lock timed out", detail, suggestion, cause)
}

func NewChecksumMismatchError(detail, suggestion string, cause error) *Error {
	return newErr(KindChecksumMismatch, "Checksum mismatch", detail, suggestion, cause)
}

func NewQueueFullError(detail, suggestion string, cause error) *Error {
	return newErr(KindQueueFull, "Queue full", detail, suggestion, cause)
}

func NewDuplicateOperationError(detail, suggestion string, cause error) *Error {
	return newErr(KindDuplicateOperation, "Duplicate operation", detail, suggestion, cause)
}

func NewServiceUnavailableError(detail, suggestion string, cause error) *Error {
	return newErr(KindServiceUnavailable, "Service unavailable", detail, suggestion, cause)
}

func NewDependencyCycleError(detail, suggestion string, cause error) *Error {
	return newErr(KindDependencyCycle, "Dependency cycle", detail, suggestion, cause)
}

func NewUnresolvedConflictError(detail, suggestion string, cause error) *Error {
	return newErr(KindUnresolvedConflict, "Unresolved conflict", detail, suggestion, cause)
}

func NewConfigError(title, detail, suggestion string, cause error) *Error {
	return newErr(KindWorkspaceInvalid, title, detail, suggestion, cause)
}

func NewInternalError(title, detail, suggestion string, cause error) *Error {
	return newErr(KindWorkspaceInvalid, title, detail, suggestion, cause)
}

// FatalError prints err to stderr and exits the process with status 1.
// In JSON mode it emits a single-line JSON object instead of the
// human-readable title/detail/suggestion block, so a calling MCP tool
// can parse the failure instead of scraping text.
func FatalError(err error, jsonOutput bool) {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		se = NewInternalError("Unexpected error", err.Error(), "this is a bug", err)
	}

	if jsonOutput {
		fmt.Fprintf(os.Stderr, `{"error":%q,"kind":%q,"detail":%q}`+"\n",
			se.Title, se.Kind, se.Detail)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", se.Title)
		if se.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", se.Detail)
		}
		if se.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "  Suggestion: %s\n", se.Suggestion)
		}
	}
	os.Exit(1)
}

// As reports whether err is (or wraps) a *Error of the given kind.
func As(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if se, ok := err.(*Error); ok {
			e = se
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package changelog

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

// Kind classifies an error per spec §7, so that callers can decide whether
// to retry, escalate to the process supervisor, or report to a subscriber
// without string-matching error messages.
type Kind int

// Error kinds, per spec §7.
const (
	// KindTransient covers transport errors, non-ownership serialization
	// failures, and dequeue timeouts: recovered locally by retry/reconnect.
	KindTransient Kind = iota
	// KindOwnershipLoss is raised when the replication-state owner no
	// longer equals this process's task id. Non-retryable; the process
	// should exit so a supervisor replaces it.
	KindOwnershipLoss
	// KindWatermarkTooOld is raised when a subscriber's starting
	// watermark predates the earliest archived commit.
	KindWatermarkTooOld
	// KindWrongReplicaVersion is raised when a subscriber's declared
	// replica version disagrees with this process's.
	KindWrongReplicaVersion
	// KindAutoReset marks the replica as irrecoverably behind; fatal.
	KindAutoReset
	// KindProtocol covers malformed messages and unsupported protocol
	// versions.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindOwnershipLoss:
		return "ownership-loss"
	case KindWatermarkTooOld:
		return "watermark-too-old"
	case KindWrongReplicaVersion:
		return "wrong-replica-version"
	case KindAutoReset:
		return "auto-reset"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the taxonomy's wire-visible type. Every error surfaced to a
// subscriber or to the process supervisor by this module is (or wraps) one
// of these.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Class is the zeebo/errs class used for wrapping/creating generic
// changelog errors, matching the teacher's convention of one errs.Class per
// package (private/errs2/sanitizer_test.go).
var Class = errs.Class("changelog")

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a taxonomy error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a taxonomy error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// OwnershipLost builds the §4.2/§8 scenario-4 ownership-loss error. When
// newOwner is empty the message reports that the new owner could not be
// read, matching spec §4.2 "Failure semantics".
func OwnershipLost(newOwner string) *Error {
	if newOwner == "" {
		return New(KindOwnershipLoss, "changeLog ownership was concurrently assumed by another owner (serialization failure, owner could not be read)")
	}
	return New(KindOwnershipLoss, "changeLog ownership was concurrently assumed by %s (serialization failure)", newOwner)
}

// WatermarkTooOld builds the spec §8 scenario-3 message verbatim.
func WatermarkTooOld(earliest, requested Watermark) *Error {
	return New(KindWatermarkTooOld, "earliest supported watermark is %s (requested %s)", earliest, requested)
}

// KindOf extracts the Kind from err if it is (or wraps) a taxonomy Error,
// otherwise returns KindTransient as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"
	"time"
)

// FaultClass decides the recovery policy for a failed transport call.
type FaultClass int

const (
	// FaultTransient failures are expected to succeed on retry
	// (throttling, oversized-request rejection, server hiccups). The
	// content is re-queued and retried on the next scheduling
	// opportunity.
	FaultTransient FaultClass = iota

	// FaultPermanent failures will not succeed on retry (missing
	// permission, deleted unit, revoked credentials). Delivery for
	// the session is abandoned.
	FaultPermanent
)

func (c FaultClass) String() string {
	if c == FaultPermanent {
		return "permanent"
	}
	return "transient"
}

// Transport operation names, used in Fault.Op, logs, and metric labels.
const (
	OpCreate      = "create"
	OpCreateChain = "create_chained"
	OpEdit        = "edit"
	OpReport      = "report"
)

var (
	// ErrInitialSend wraps the failure of the first CreateUnit in Open.
	// No session exists when it is returned.
	ErrInitialSend = errors.New("delivery: initial send failed")

	// ErrFinalized is returned by ReplaceAll once the session has been
	// finalized or abandoned.
	ErrFinalized = errors.New("delivery: session is finalized")
)

// Fault is a classified transport failure.
type Fault struct {
	Op    string
	Class FaultClass
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("delivery: %s %s fault: %v", f.Class, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsTransient reports whether err is a transient Fault.
func IsTransient(err error) bool {
	var fault *Fault
	return errors.As(err, &fault) && fault.Class == FaultTransient
}

// IsPermanent reports whether err is a permanent Fault.
func IsPermanent(err error) bool {
	var fault *Fault
	return errors.As(err, &fault) && fault.Class == FaultPermanent
}

// RetryAfter extracts a server-supplied back-off hint from err. Any
// error in the chain implementing RetryAfter() time.Duration provides
// one. Returns zero when no hint is present.
func RetryAfter(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return max(hinted.RetryAfter(), 0)
	}
	return 0
}

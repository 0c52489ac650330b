// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import "context"

// UnitHandle identifies one unit (a message-like object) on the
// transport. The value is opaque to the engine: a Matrix event ID, a
// console buffer index, and so on.
type UnitHandle string

// UnitState is the visual state of a unit. Transports decide how each
// state is rendered; the engine only decides when it changes.
type UnitState int

const (
	// StateStreaming marks a unit that is still receiving edits.
	StateStreaming UnitState = iota

	// StateContinued marks a unit that will receive no further edits
	// because the response either overflowed into a follow-up unit or
	// stopped before the generator finished.
	StateContinued

	// StateComplete marks the last unit of a fully delivered response.
	StateComplete

	// StateFailed marks the last unit of a response whose generation
	// or delivery failed.
	StateFailed
)

// String returns the lowercase state name used in logs.
func (s UnitState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateContinued:
		return "continued"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no edit is expected after this state.
func (s UnitState) Terminal() bool { return s != StateStreaming }

// Update is the full desired presentation of one unit: its content
// and its visual state. Every create and edit carries a complete
// Update, never a delta.
type Update struct {
	Content string
	State   UnitState
}

// Transport is the chat platform adapter a Session writes through.
//
// Implementations must be safe for use by multiple sessions at once.
// A single session never issues two calls concurrently.
type Transport interface {
	// CreateUnit sends the first unit of a response.
	CreateUnit(ctx context.Context, update Update) (UnitHandle, error)

	// CreateChainedUnit sends a follow-up unit linked to parent (for
	// example as a reply or thread message).
	CreateChainedUnit(ctx context.Context, parent UnitHandle, update Update) (UnitHandle, error)

	// EditUnit replaces the content and state of an existing unit.
	EditUnit(ctx context.Context, handle UnitHandle, update Update) error

	// MaxUnitSize is the largest content, in characters, one unit can
	// hold.
	MaxUnitSize() int

	// Classify maps an error returned by this transport to a fault
	// class. It must depend only on the error, never on content.
	Classify(err error) FaultClass
}

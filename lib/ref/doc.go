// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix
// identifiers courier passes around: rooms, users, and events.
//
// Raw strings from configuration, /sync responses, and send responses
// are parsed into these types at the boundary. Code past the boundary
// can rely on the structural format without re-checking it. Every
// type is an immutable value whose zero value means "unset"; use
// IsZero to check.
package ref

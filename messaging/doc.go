// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for a chat bot
// that answers in rooms.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. It logs in with a password or adopts an existing
// access token, returning a [DirectSession] for authenticated calls:
// whoami, joining rooms, listing members, sending events, and
// long-polling /sync.
//
// Messages are built with [NewTextMessage], [NewReply], and
// [NewThreadReply]. [NewEdit] wraps new content in an m.replace
// relation, which is how a streamed response updates its message in
// place. Events are sent with a caller-chosen transaction ID when the
// caller needs idempotent retries ([DirectSession.SendEventWithTransactionID]);
// the homeserver returns the original event ID for a repeated ID
// instead of sending twice.
//
// All API errors are returned as [*MatrixError] with the standard Matrix
// error code and HTTP status code. [IsMatrixError] tests for a specific
// code and [MatrixError.RetryAfter] exposes the rate-limit back-off
// hint. Request URLs are built by string concatenation rather than
// url.URL to avoid double-encoding path segments.
//
// [Watcher] turns /sync into a stream of timeline events across a set
// of rooms, with bounded retries on transient sync failures.
package messaging

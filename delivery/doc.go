// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery streams a generated response into a chat transport
// that limits both the size of a message and how often a message may
// be edited.
//
// A [Session] owns one response. [Open] creates the first unit with a
// placeholder; [Session.Append] buffers text; the scheduler flushes
// the buffer at most once per update interval, holding a single
// deferred timer while inside the window. Each flush runs the
// splitter ([Split]): text that fits the active unit is edited in,
// text that does not is either truncated with [TruncationMarker] or
// moved whole into a chained unit. [Session.Finalize] drains what is
// left, closes an unterminated code fence, and applies the terminal
// visual state in the same edit as the last content.
//
// Every transport call goes through one fault path. The [Transport]
// classifies each error. Transient faults put the attempted text back
// at the front of the buffer and retry on the next window, never
// moving the throttle clock forward. Permanent faults abandon the
// session and send one best-effort error notice.
//
// [Deliver] connects a session to an [llm.Fragment] channel.
//
// Timing comes from lib/clock, so tests drive the throttle with a
// FakeClock and no real sleeps.
package delivery

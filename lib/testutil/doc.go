// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for courier packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so that individual tests do not
// call time.After directly. They are the only place in the test
// suite where a real wall-clock timeout appears; everything else
// runs on lib/clock's FakeClock.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the time source for everything in courier that
// waits: the delivery scheduler's deferred flushes, finalize retry
// back-off, rate limiter refill, and the /sync retry loop.
//
// Production code receives a [Clock] and never calls time.Now,
// time.After, or time.AfterFunc directly. [Real] wraps the standard
// library. [Fake] returns a [FakeClock] whose time only moves when the
// test calls Advance, which makes throttle windows and timer
// coalescing exactly reproducible:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	session, _ := delivery.Open(ctx, transport, "...", delivery.Config{Clock: fake})
//	session.Append("B")         // inside the throttle window: arms one timer
//	fake.Advance(time.Second)   // timer callback runs synchronously here
//
// When another goroutine is expected to register a timer (for example
// a finalize retry waiting on After), call WaitForTimers before Advance
// so the registration cannot race the advance.
package clock

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package consoleunit implements [delivery.Transport] on a terminal.
//
// Units live in memory. A unit is printed once it reaches a terminal
// state, framed in a border coloured by that state, with fenced code
// highlighted. Output is uncoloured when the writer is not a terminal.
// Escape sequences in generated text are stripped before rendering so
// model output cannot drive the terminal.
//
// Faults can be injected to exercise a session's recovery paths
// without a network.
package consoleunit

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrixunit implements [delivery.Transport] over a Matrix room.
//
// A unit is an m.room.message event. The first unit replies to the
// message that triggered the response; each chained unit replies to
// the unit before it, inside the same thread when the response is
// threaded. Edits are m.replace events carrying m.new_content, so the
// room shows one message that grows as the response streams.
//
// In decorated mode the body is rendered from Markdown to
// org.matrix.custom.html with goldmark. A streaming unit carries the
// " ⚪" indicator; a finished unit carries a coloured status marker
// (green for complete, orange for continued, red for failed). Plain
// mode sends the text as a bare body.
//
// Transaction IDs are BLAKE3 digests of the request, so retrying a
// request whose response was lost is deduplicated by the homeserver
// instead of producing a second event.
package matrixunit

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package responder runs the chat bot: it watches Matrix rooms for
// messages addressed to the bot and answers each one with a streamed
// LLM response.
//
// A message is answered when it is a text message from someone other
// than the bot, in a watched room, that mentions the bot, replies to
// one of the bot's messages, or arrives in a room with exactly two
// members. Permission lists and the rate limiter are checked next; a
// rate-limited user gets a single notice with the remaining cooldown
// instead of a response.
//
// The model sees the reply chain that leads to the request, up to
// Config.MaxMessages events, as a multi-turn conversation. The bot's
// own responses are remembered with their full text, since the
// homeserver only has their placeholders; other events are fetched.
//
// Every response runs in its own goroutine with its own
// [delivery.Session] over a [matrixunit.Transport], so a slow
// generation in one room never holds up another. [Responder.Run]
// returns only after every in-flight response has been finalized.
package responder

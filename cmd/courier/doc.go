// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// courier streams LLM responses into chat.
//
// "courier serve" runs the Matrix bot: it answers messages that
// mention it (or any message in a two-person room) by posting a
// placeholder and editing it as the model generates text, splitting
// long answers across several messages.
//
// "courier ask" sends one prompt and prints the streamed response to
// the terminal through the same delivery engine, which makes it a
// quick way to try models and delivery settings without a homeserver.
//
// Both commands read the config file named by --config or
// COURIER_CONFIG.
package main

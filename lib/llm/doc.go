// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-agnostic interface for streaming
// text generation.
//
// [Provider] supports blocking completion and streaming. Streaming
// responses are wrapped in an [EventStream], which yields
// [StreamEvent] values as they arrive and accumulates the complete
// [Response]. [Fragments] turns a stream into a channel of [Fragment]
// values ending in exactly one terminal fragment, which is what the
// delivery engine consumes.
//
// Implementations:
//   - [Anthropic]: the Messages API over Server-Sent Events, parsed
//     by [SSEScanner]
//   - [OpenAI]: OpenAI and compatible servers via go-openai
//   - lib/llm/gemini: Google's Gemini API via the genai SDK, kept in
//     its own package and added to [NewProvider] with [Register]
//
// [NewProvider] picks an implementation from a "provider/model"
// reference such as "anthropic/claude-sonnet-4-5" or
// "ollama/llama3.2".
package llm

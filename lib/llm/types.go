// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one text turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is a provider-agnostic text generation request.
type Request struct {
	// Model is the provider's model name, without the provider
	// prefix used in configuration.
	Model string

	// System is the system prompt. Empty means none.
	System string

	Messages []Message

	// MaxTokens bounds the generated output. Zero lets the provider
	// choose, except for Anthropic which requires a value and gets
	// DefaultMaxTokens.
	MaxTokens int

	// Temperature is nil to use the provider default.
	Temperature *float64
}

// DefaultMaxTokens is used when a provider requires an output bound
// and the request has none.
const DefaultMaxTokens = 4096

// StopReason is the normalized reason generation ended.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopSequence      StopReason = "stop_sequence"
	StopContentFilter StopReason = "content_filter"
	StopToolUse       StopReason = "tool_use"
)

// Complete reports whether the reason means the model finished its
// answer rather than being cut off by policy or tool handling.
// Running into the output limit counts as finished: the text is
// whole up to where it stops. An unknown (empty) reason also counts.
func (reason StopReason) Complete() bool {
	switch reason {
	case "", StopEndTurn, StopMaxTokens, StopSequence, "stop", "length":
		return true
	}
	return false
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is a complete generation result.
type Response struct {
	Model      string
	Text       string
	StopReason StopReason
	Usage      Usage
}

// EventType discriminates StreamEvent values.
type EventType int

const (
	// EventTextDelta carries the next piece of generated text.
	EventTextDelta EventType = iota

	// EventDone marks the end of a successful generation. The stop
	// reason is available from EventStream.Response.
	EventDone

	// EventPing is a keepalive with no payload.
	EventPing

	// EventError reports an error the provider sent inside the
	// stream.
	EventError
)

// StreamEvent is one event yielded by EventStream.Next.
type StreamEvent struct {
	Type  EventType
	Text  string
	Error error
}

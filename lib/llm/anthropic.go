// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultAnthropicBaseURL is the public Anthropic API endpoint.
const DefaultAnthropicBaseURL = "https://api.anthropic.com"

// anthropicVersion is the Messages API version header value.
const anthropicVersion = "2023-06-01"

// Anthropic implements [Provider] for the Anthropic Messages API.
type Anthropic struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewAnthropic creates an Anthropic provider. An empty baseURL
// selects DefaultAnthropicBaseURL; a nil httpClient selects
// http.DefaultClient.
func NewAnthropic(httpClient *http.Client, baseURL, apiKey string) *Anthropic {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &Anthropic{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends a non-streaming request and returns the full response.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, false), "llm/anthropic", false, provider.headers())
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wire anthropicResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("llm/anthropic: decoding response: %w", err)
	}
	return wire.toResponse(), nil
}

// Stream sends a streaming request and returns an [EventStream].
func (provider *Anthropic) Stream(ctx context.Context, request Request) (*EventStream, error) {
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(),
		provider.buildRequest(request, true), "llm/anthropic", true, provider.headers())
	if err != nil {
		return nil, err
	}
	return newAnthropicEventStream(httpResponse.Body), nil
}

func (provider *Anthropic) endpoint() string {
	return provider.baseURL + "/v1/messages"
}

func (provider *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         provider.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (provider *Anthropic) buildRequest(request Request, stream bool) anthropicRequest {
	wire := anthropicRequest{
		Model:       request.Model,
		MaxTokens:   request.MaxTokens,
		System:      request.System,
		Temperature: request.Temperature,
		Stream:      stream,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = DefaultMaxTokens
	}
	for _, message := range request.Messages {
		wire.Messages = append(wire.Messages, anthropicMessage{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}
	return wire
}

// newAnthropicEventStream parses the Messages API SSE stream. Only
// text deltas are surfaced; message_delta carries the stop reason and
// output usage.
func newAnthropicEventStream(body io.ReadCloser) *EventStream {
	scanner := NewSSEScanner(body)
	stream := NewEventStream(nil, body)

	stream.next = func() (StreamEvent, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: reading SSE: %w", err)
				}
				return StreamEvent{}, io.EOF
			}
			event := scanner.Event()

			switch event.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						Model string         `json:"model"`
						Usage anthropicUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_start: %w", err)
				}
				stream.SetModel(envelope.Message.Model)
				stream.AddUsage(Usage{InputTokens: envelope.Message.Usage.InputTokens})

			case "content_block_delta":
				var envelope struct {
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing content_block_delta: %w", err)
				}
				if envelope.Delta.Type == "text_delta" && envelope.Delta.Text != "" {
					return StreamEvent{Type: EventTextDelta, Text: envelope.Delta.Text}, nil
				}

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/anthropic: parsing message_delta: %w", err)
				}
				stream.SetStopReason(mapAnthropicStopReason(envelope.Delta.StopReason))
				stream.AddUsage(Usage{OutputTokens: envelope.Usage.OutputTokens})

			case "message_stop":
				return StreamEvent{Type: EventDone}, nil

			case "ping":
				return StreamEvent{Type: EventPing}, nil

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(event.Data), &envelope) == nil && envelope.Error.Message != "" {
					return StreamEvent{Type: EventError, Error: &ProviderError{
						StatusCode: http.StatusOK,
						Type:       envelope.Error.Type,
						Message:    envelope.Error.Message,
					}}, nil
				}
				return StreamEvent{Type: EventError, Error: fmt.Errorf("llm/anthropic: stream error: %s", event.Data)}, nil
			}
			// content_block_start, content_block_stop, and event types
			// added later carry nothing for a text-only stream.
		}
	}
	return stream
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (wire *anthropicResponse) toResponse() *Response {
	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Model:      wire.Model,
		Text:       text.String(),
		StopReason: mapAnthropicStopReason(wire.StopReason),
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	case "tool_use":
		return StopToolUse
	case "refusal":
		return StopContentFilter
	default:
		return StopReason(reason)
	}
}

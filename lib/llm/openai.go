// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements [Provider] for OpenAI and any server exposing the
// OpenAI chat completions API (vLLM, Ollama, LM Studio, OpenRouter).
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI-compatible provider. An empty baseURL
// selects the public OpenAI endpoint. Local servers usually accept
// any non-empty apiKey.
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(config)}
}

// Complete sends a non-streaming chat completion request.
func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Response, error) {
	wire, err := provider.client.CreateChatCompletion(ctx, buildOpenAIRequest(request, false))
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	response := &Response{
		Model: wire.Model,
		Usage: Usage{
			InputTokens:  int64(wire.Usage.PromptTokens),
			OutputTokens: int64(wire.Usage.CompletionTokens),
		},
	}
	if len(wire.Choices) > 0 {
		response.Text = wire.Choices[0].Message.Content
		response.StopReason = mapOpenAIFinishReason(wire.Choices[0].FinishReason)
	}
	return response, nil
}

// Stream sends a streaming chat completion request.
func (provider *OpenAI) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireStream, err := provider.client.CreateChatCompletionStream(ctx, buildOpenAIRequest(request, true))
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	stream := NewEventStream(nil, CloserFunc(wireStream.Close))
	stream.next = func() (StreamEvent, error) {
		for {
			chunk, err := wireStream.Recv()
			if errors.Is(err, io.EOF) {
				return StreamEvent{}, io.EOF
			}
			if err != nil {
				return StreamEvent{}, mapOpenAIError(err)
			}
			if chunk.Model != "" {
				stream.SetModel(chunk.Model)
			}
			if chunk.Usage != nil {
				stream.AddUsage(Usage{
					InputTokens:  int64(chunk.Usage.PromptTokens),
					OutputTokens: int64(chunk.Usage.CompletionTokens),
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				stream.SetStopReason(mapOpenAIFinishReason(choice.FinishReason))
			}
			if choice.Delta.Content != "" {
				return StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}, nil
			}
		}
	}
	return stream, nil
}

func buildOpenAIRequest(request Request, stream bool) openai.ChatCompletionRequest {
	wire := openai.ChatCompletionRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
		Stream:    stream,
	}
	if request.Temperature != nil {
		wire.Temperature = float32(*request.Temperature)
	}
	if request.System != "" {
		wire.Messages = append(wire.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: request.System,
		})
	}
	for _, message := range request.Messages {
		role := openai.ChatMessageRoleUser
		if message.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		wire.Messages = append(wire.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: message.Content,
		})
	}
	return wire
}

func mapOpenAIFinishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return StopEndTurn
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonContentFilter:
		return StopContentFilter
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	default:
		return StopReason(reason)
	}
}

// mapOpenAIError converts go-openai's error types to *ProviderError
// so callers see one error shape for every provider.
func mapOpenAIError(err error) error {
	var apiError *openai.APIError
	if errors.As(err, &apiError) {
		return &ProviderError{
			StatusCode: apiError.HTTPStatusCode,
			Type:       apiError.Type,
			Message:    apiError.Message,
		}
	}
	var requestError *openai.RequestError
	if errors.As(err, &requestError) {
		return &ProviderError{
			StatusCode: requestError.HTTPStatusCode,
			Message:    requestError.Error(),
		}
	}
	return fmt.Errorf("llm/openai: %w", err)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini implements [llm.Provider] for Google's Gemini API
// using the genai SDK.
//
// The SDK pulls in Google Cloud's telemetry stack, which starts
// background goroutines at init. Keeping it in its own package means
// only binaries that import this package pay for that. Importing it
// registers the "gemini" and "google-gemini" provider names with
// [llm.NewProvider].
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"github.com/bureau-foundation/courier/lib/llm"
)

func init() {
	constructor := func(ctx context.Context, settings llm.ProviderConfig, _ *http.Client) (llm.Provider, error) {
		return New(ctx, settings.BaseURL, settings.APIKey)
	}
	llm.Register("gemini", constructor)
	llm.Register("google-gemini", constructor)
}

// Provider implements [llm.Provider] for the Gemini API.
type Provider struct {
	client *genai.Client
}

// New creates a Gemini provider. An empty baseURL selects the public
// endpoint.
func New(ctx context.Context, baseURL, apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("llm/gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("llm/gemini: creating client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Complete sends a non-streaming generate request.
func (provider *Provider) Complete(ctx context.Context, request llm.Request) (*llm.Response, error) {
	contents, config := buildRequest(request)
	wire, err := provider.client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("llm/gemini: generate: %w", err)
	}
	response := &llm.Response{Model: request.Model, Text: wire.Text()}
	applyMetadata(wire, func(reason llm.StopReason) { response.StopReason = reason }, func(usage llm.Usage) { response.Usage = usage })
	return response, nil
}

// Stream sends a streaming generate request. The SDK exposes the
// stream as an iterator; it is pulled one chunk per Next.
func (provider *Provider) Stream(ctx context.Context, request llm.Request) (*llm.EventStream, error) {
	contents, config := buildRequest(request)
	next, stop := iter.Pull2(provider.client.Models.GenerateContentStream(ctx, request.Model, contents, config))

	var stream *llm.EventStream
	var lastUsage llm.Usage
	stream = llm.NewEventStream(func() (llm.StreamEvent, error) {
		for {
			chunk, err, ok := next()
			if !ok {
				stream.AddUsage(lastUsage)
				return llm.StreamEvent{}, io.EOF
			}
			if err != nil {
				return llm.StreamEvent{}, fmt.Errorf("llm/gemini: stream: %w", err)
			}
			// Usage metadata is cumulative across chunks; only the last
			// value counts.
			applyMetadata(chunk, stream.SetStopReason, func(usage llm.Usage) { lastUsage = usage })
			if text := chunk.Text(); text != "" {
				return llm.StreamEvent{Type: llm.EventTextDelta, Text: text}, nil
			}
		}
	}, llm.CloserFunc(func() error { stop(); return nil }))
	stream.SetModel(request.Model)
	return stream, nil
}

func buildRequest(request llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if request.System != "" {
		config.SystemInstruction = genai.NewContentFromText(request.System, genai.RoleUser)
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if request.Temperature != nil {
		temperature := float32(*request.Temperature)
		config.Temperature = &temperature
	}

	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, message := range request.Messages {
		role := genai.Role(genai.RoleUser)
		if message.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(message.Content, role))
	}
	return contents, config
}

func applyMetadata(wire *genai.GenerateContentResponse, setStop func(llm.StopReason), setUsage func(llm.Usage)) {
	if wire == nil {
		return
	}
	if len(wire.Candidates) > 0 && wire.Candidates[0].FinishReason != "" {
		setStop(mapFinishReason(wire.Candidates[0].FinishReason))
	}
	if wire.UsageMetadata != nil {
		setUsage(llm.Usage{
			InputTokens:  int64(wire.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(wire.UsageMetadata.CandidatesTokenCount),
		})
	}
}

func mapFinishReason(reason genai.FinishReason) llm.StopReason {
	switch reason {
	case genai.FinishReasonStop:
		return llm.StopEndTurn
	case genai.FinishReasonMaxTokens:
		return llm.StopMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return llm.StopContentFilter
	default:
		return llm.StopReason(reason)
	}
}

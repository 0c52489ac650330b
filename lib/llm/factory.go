// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ProviderConfig holds connection settings for one provider name.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Constructor builds a Provider from the settings configured for its
// name.
type Constructor func(ctx context.Context, settings ProviderConfig, httpClient *http.Client) (Provider, error)

var (
	registryMutex sync.RWMutex
	registry      = map[string]Constructor{}
)

// Register makes an implementation available to [NewProvider] under
// name. Provider packages whose dependencies are too heavy to link
// into every binary call it from init. Registering a name twice
// panics.
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("llm: provider %q registered twice", name))
	}
	registry[name] = constructor
}

func registered(name string) (Constructor, bool) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	constructor, ok := registry[name]
	return constructor, ok
}

// ParseModel splits a "provider/model" reference. The model part may
// itself contain slashes ("openrouter/meta-llama/llama-3-70b").
func ParseModel(reference string) (provider, model string, err error) {
	provider, model, found := strings.Cut(reference, "/")
	if !found || provider == "" || model == "" {
		return "", "", fmt.Errorf("llm: model %q must have the form provider/model", reference)
	}
	return provider, model, nil
}

// NewProvider builds the Provider for a "provider/model" reference and
// returns it with the bare model name to put in requests. The
// provider name selects the implementation: "anthropic" uses the
// Messages API, names added with [Register] use their constructor
// (importing lib/llm/gemini adds "gemini"), and every other name is
// treated as an OpenAI-compatible server whose base URL comes from
// providers.
func NewProvider(ctx context.Context, reference string, providers map[string]ProviderConfig, httpClient *http.Client) (Provider, string, error) {
	name, model, err := ParseModel(reference)
	if err != nil {
		return nil, "", err
	}
	settings := providers[name]

	if name == "anthropic" {
		return NewAnthropic(httpClient, settings.BaseURL, settings.APIKey), model, nil
	}
	if constructor, ok := registered(name); ok {
		provider, err := constructor(ctx, settings, httpClient)
		if err != nil {
			return nil, "", err
		}
		return provider, model, nil
	}
	if name != "openai" && settings.BaseURL == "" {
		return nil, "", fmt.Errorf("llm: provider %q needs a base_url", name)
	}
	apiKey := settings.APIKey
	if apiKey == "" {
		apiKey = "sk-no-key-required"
	}
	return NewOpenAI(settings.BaseURL, apiKey), model, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local runs against a test homeserver.
	Development Environment = "development"
	// Production is for the deployed bot.
	Production Environment = "production"
)

// Config is the master configuration for courier.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Delivery tunes how responses are streamed into messages.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Matrix configures the homeserver account the bot runs as.
	Matrix MatrixConfig `yaml:"matrix"`

	// LLM configures the model that generates responses.
	LLM LLMConfig `yaml:"llm"`

	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can be overridden per
// environment. Zero-valued fields inside a section leave the base
// value alone.
type ConfigOverrides struct {
	Delivery   *DeliveryConfig  `yaml:"delivery,omitempty"`
	Matrix     *MatrixConfig    `yaml:"matrix,omitempty"`
	LLM        *LLMConfig       `yaml:"llm,omitempty"`
	RateLimits *RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// DeliveryConfig tunes streamed delivery.
type DeliveryConfig struct {
	// UpdateInterval is the minimum time between two edits of a
	// response. Default: 1500ms
	UpdateInterval time.Duration `yaml:"update_interval"`

	// PlainMode sends raw text with no formatting or status markers.
	PlainMode bool `yaml:"plain_mode"`

	// TruncationMinChars is the smallest space left in a message for
	// which a chunk is split rather than moved whole to the next
	// message. Default: 10
	TruncationMinChars int `yaml:"truncation_min_chars"`

	// FinalRetries bounds retries of the last edit. Default: 3
	FinalRetries int `yaml:"final_retries"`

	// Placeholder is the content of a response before any text.
	// Default: "..."
	Placeholder string `yaml:"placeholder"`

	// ContinuationPlaceholder is the initial content of follow-up
	// messages. Default: "..."
	ContinuationPlaceholder string `yaml:"continuation_placeholder"`

	// ErrorNotice is shown when a response cannot be produced.
	ErrorNotice string `yaml:"error_notice"`
}

// MatrixConfig configures the bot account.
type MatrixConfig struct {
	// HomeserverURL is the client-server API base URL.
	HomeserverURL string `yaml:"homeserver_url"`

	// UserID is the bot's fully qualified user ID.
	UserID string `yaml:"user_id"`

	// AccessToken authenticates the bot. When empty, Password is used
	// to log in at startup.
	AccessToken string `yaml:"access_token"`
	Password    string `yaml:"password"`

	// Rooms restricts the bot to these room IDs or aliases. Empty
	// means every joined room.
	Rooms []string `yaml:"rooms"`

	// MaxUnitSize is the character limit of one message.
	// Default: 4000
	MaxUnitSize int `yaml:"max_unit_size"`

	// Threaded posts each response in a thread rooted at the request.
	Threaded bool `yaml:"threaded"`

	// AutoJoin accepts room invites. Default: true
	AutoJoin bool `yaml:"auto_join"`
}

// LLMConfig configures response generation.
type LLMConfig struct {
	// Model is a "provider/model" reference, e.g.
	// "anthropic/claude-sonnet-4-5" or "ollama/llama3".
	Model string `yaml:"model"`

	// Providers holds connection settings by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length. Default: 4096
	MaxTokens int `yaml:"max_tokens"`

	// MaxMessages caps how many messages of a reply chain become the
	// conversation sent to the model, the request included.
	// Default: 25
	MaxMessages int `yaml:"max_messages"`

	// Temperature is passed through when set.
	Temperature *float64 `yaml:"temperature"`
}

// ProviderConfig is the endpoint and credential of one provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig limits how often users can ask for responses.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// UserLimit requests per UserPeriod for each user.
	// Default: 5 per 1m
	UserLimit  int           `yaml:"user_limit"`
	UserPeriod time.Duration `yaml:"user_period"`

	// GlobalLimit requests per GlobalPeriod across all users.
	// Default: 100 per 1m
	GlobalLimit  int           `yaml:"global_limit"`
	GlobalPeriod time.Duration `yaml:"global_period"`
}

// PermissionsConfig restricts who the bot answers and where.
type PermissionsConfig struct {
	Users AccessList `yaml:"users"`
	Rooms AccessList `yaml:"rooms"`
}

// AccessList is an allow/block list. Blocked entries always lose;
// a non-empty Allowed list admits only its entries.
type AccessList struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// Permits reports whether id passes the list.
func (l AccessList) Permits(id string) bool {
	for _, blocked := range l.Blocked {
		if blocked == id {
			return false
		}
	}
	if len(l.Allowed) == 0 {
		return true
	}
	for _, allowed := range l.Allowed {
		if allowed == id {
			return true
		}
	}
	return false
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address to serve /metrics on. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration. The config file is
// decoded over it, so every field the file omits keeps these values.
func Default() *Config {
	return &Config{
		Environment: Development,
		Delivery: DeliveryConfig{
			UpdateInterval:          1500 * time.Millisecond,
			TruncationMinChars:      10,
			FinalRetries:            3,
			Placeholder:             "...",
			ContinuationPlaceholder: "...",
			ErrorNotice:             "Sorry, something went wrong while generating this response.",
		},
		Matrix: MatrixConfig{
			MaxUnitSize: 4000,
			AutoJoin:    true,
		},
		LLM: LLMConfig{
			MaxTokens:   4096,
			MaxMessages: 25,
		},
		RateLimits: RateLimitConfig{
			Enabled:      true,
			UserLimit:    5,
			UserPeriod:   time.Minute,
			GlobalLimit:  100,
			GlobalPeriod: time.Minute,
		},
	}
}

// Load loads configuration from the file named by COURIER_CONFIG.
// There is no fallback location.
func Load() (*Config, error) {
	configPath := os.Getenv("COURIER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("COURIER_CONFIG environment variable not set; " +
			"set it to the path of your courier config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a YAML (.yaml, .yml) or JSONC
// (.json, .jsonc) file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile decodes a file over the current config. JSONC is reduced
// to plain JSON, which the YAML decoder accepts, so durations and the
// rest of the field handling are the same for both formats.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("config: unsupported file extension %q (want .yaml, .yml, .json, or .jsonc)", filepath.Ext(path))
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Delivery != nil {
		if overrides.Delivery.UpdateInterval != 0 {
			c.Delivery.UpdateInterval = overrides.Delivery.UpdateInterval
		}
		// PlainMode is a bool, so an override section always sets it.
		c.Delivery.PlainMode = overrides.Delivery.PlainMode
		if overrides.Delivery.TruncationMinChars != 0 {
			c.Delivery.TruncationMinChars = overrides.Delivery.TruncationMinChars
		}
		if overrides.Delivery.FinalRetries != 0 {
			c.Delivery.FinalRetries = overrides.Delivery.FinalRetries
		}
		if overrides.Delivery.Placeholder != "" {
			c.Delivery.Placeholder = overrides.Delivery.Placeholder
		}
		if overrides.Delivery.ContinuationPlaceholder != "" {
			c.Delivery.ContinuationPlaceholder = overrides.Delivery.ContinuationPlaceholder
		}
		if overrides.Delivery.ErrorNotice != "" {
			c.Delivery.ErrorNotice = overrides.Delivery.ErrorNotice
		}
	}

	if overrides.Matrix != nil {
		if overrides.Matrix.HomeserverURL != "" {
			c.Matrix.HomeserverURL = overrides.Matrix.HomeserverURL
		}
		if overrides.Matrix.UserID != "" {
			c.Matrix.UserID = overrides.Matrix.UserID
		}
		if overrides.Matrix.AccessToken != "" {
			c.Matrix.AccessToken = overrides.Matrix.AccessToken
		}
		if overrides.Matrix.Password != "" {
			c.Matrix.Password = overrides.Matrix.Password
		}
		if len(overrides.Matrix.Rooms) > 0 {
			c.Matrix.Rooms = overrides.Matrix.Rooms
		}
		if overrides.Matrix.MaxUnitSize != 0 {
			c.Matrix.MaxUnitSize = overrides.Matrix.MaxUnitSize
		}
	}

	if overrides.LLM != nil {
		if overrides.LLM.Model != "" {
			c.LLM.Model = overrides.LLM.Model
		}
		for name, provider := range overrides.LLM.Providers {
			if c.LLM.Providers == nil {
				c.LLM.Providers = make(map[string]ProviderConfig)
			}
			c.LLM.Providers[name] = provider
		}
		if overrides.LLM.SystemPrompt != "" {
			c.LLM.SystemPrompt = overrides.LLM.SystemPrompt
		}
		if overrides.LLM.MaxTokens != 0 {
			c.LLM.MaxTokens = overrides.LLM.MaxTokens
		}
		if overrides.LLM.MaxMessages != 0 {
			c.LLM.MaxMessages = overrides.LLM.MaxMessages
		}
		if overrides.LLM.Temperature != nil {
			c.LLM.Temperature = overrides.LLM.Temperature
		}
	}

	if overrides.RateLimits != nil {
		c.RateLimits.Enabled = overrides.RateLimits.Enabled
		if overrides.RateLimits.UserLimit != 0 {
			c.RateLimits.UserLimit = overrides.RateLimits.UserLimit
		}
		if overrides.RateLimits.UserPeriod != 0 {
			c.RateLimits.UserPeriod = overrides.RateLimits.UserPeriod
		}
		if overrides.RateLimits.GlobalLimit != 0 {
			c.RateLimits.GlobalLimit = overrides.RateLimits.GlobalLimit
		}
		if overrides.RateLimits.GlobalPeriod != 0 {
			c.RateLimits.GlobalPeriod = overrides.RateLimits.GlobalPeriod
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in URLs and
// secrets so credentials can stay out of the file.
func (c *Config) expandVariables() {
	c.Matrix.HomeserverURL = expandVars(c.Matrix.HomeserverURL)
	c.Matrix.UserID = expandVars(c.Matrix.UserID)
	c.Matrix.AccessToken = expandVars(c.Matrix.AccessToken)
	c.Matrix.Password = expandVars(c.Matrix.Password)
	for name, provider := range c.LLM.Providers {
		provider.BaseURL = expandVars(provider.BaseURL)
		provider.APIKey = expandVars(provider.APIKey)
		c.LLM.Providers[name] = provider
	}
	c.Metrics.Listen = expandVars(c.Metrics.Listen)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Delivery.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("delivery.update_interval must be positive, got %s", c.Delivery.UpdateInterval))
	}
	if c.Delivery.TruncationMinChars <= 0 {
		errs = append(errs, fmt.Errorf("delivery.truncation_min_chars must be positive, got %d", c.Delivery.TruncationMinChars))
	}
	if c.Delivery.FinalRetries < 0 {
		errs = append(errs, fmt.Errorf("delivery.final_retries must not be negative, got %d", c.Delivery.FinalRetries))
	}

	provider, model, found := strings.Cut(c.LLM.Model, "/")
	if !found || provider == "" || model == "" {
		errs = append(errs, fmt.Errorf("llm.model %q must have the form provider/model", c.LLM.Model))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_messages must be positive, got %d", c.LLM.MaxMessages))
	}
	if c.LLM.Temperature != nil && (*c.LLM.Temperature < 0 || *c.LLM.Temperature > 2) {
		errs = append(errs, fmt.Errorf("llm.temperature must be between 0 and 2, got %g", *c.LLM.Temperature))
	}

	if c.RateLimits.Enabled {
		if c.RateLimits.UserLimit <= 0 || c.RateLimits.UserPeriod <= 0 {
			errs = append(errs, errors.New("rate_limits.user_limit and rate_limits.user_period must be positive"))
		}
		if c.RateLimits.GlobalLimit < 0 || c.RateLimits.GlobalPeriod < 0 {
			errs = append(errs, errors.New("rate_limits.global_limit and rate_limits.global_period must not be negative"))
		}
	}

	return errors.Join(errs...)
}

// ValidateServe checks the settings the Matrix bot needs in addition
// to those checked by Validate.
func (c *Config) ValidateServe() error {
	errs := []error{c.Validate()}

	if c.Matrix.HomeserverURL == "" {
		errs = append(errs, errors.New("matrix.homeserver_url is required"))
	}
	if c.Matrix.UserID == "" {
		errs = append(errs, errors.New("matrix.user_id is required"))
	}
	if c.Matrix.AccessToken == "" && c.Matrix.Password == "" {
		errs = append(errs, errors.New("matrix.access_token or matrix.password is required"))
	}
	if c.Matrix.MaxUnitSize <= c.Delivery.TruncationMinChars {
		errs = append(errs, fmt.Errorf("matrix.max_unit_size (%d) must exceed delivery.truncation_min_chars (%d)",
			c.Matrix.MaxUnitSize, c.Delivery.TruncationMinChars))
	}

	return errors.Join(errs...)
}

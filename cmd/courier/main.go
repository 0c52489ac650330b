// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/delivery/consoleunit"
	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/llm"
	_ "github.com/bureau-foundation/courier/lib/llm/gemini"
	"github.com/bureau-foundation/courier/lib/ratelimit"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/lib/version"
	"github.com/bureau-foundation/courier/messaging"
	"github.com/bureau-foundation/courier/responder"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("a command is required")
	}

	switch args[0] {
	case "--version", "version":
		fmt.Fprintln(stdout, version.Full())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	case "serve":
		return runServe(args[1:])
	case "ask":
		return runAsk(args[1:], stdin, stdout)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `courier streams LLM responses into chat rooms.

Usage:
  courier serve [--config path] [--verbose] [--metrics-listen addr]
  courier ask [--config path] [--plain] [--interval d] [--max-unit-size n] prompt...
  courier --version

The config file is named by --config or COURIER_CONFIG.
`)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.configPath, "config", "", "path to the config file (default: $COURIER_CONFIG)")
	flagSet.BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")
}

func (c *commonFlags) load() (*config.Config, error) {
	if c.configPath == "" {
		return config.Load()
	}
	return config.LoadFile(c.configPath)
}

func (c *commonFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runServe(args []string) error {
	var (
		common        commonFlags
		metricsListen string
	)
	flagSet := pflag.NewFlagSet("courier serve", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	logger := common.logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := delivery.NewMetrics(registry)
	if cfg.Metrics.Listen != "" {
		shutdown := serveMetrics(cfg.Metrics.Listen, registry, logger)
		defer shutdown()
	}

	session, err := connect(ctx, cfg.Matrix, logger)
	if err != nil {
		return err
	}
	defer session.CloseIdleConnections()

	rooms := make([]ref.RoomID, 0, len(cfg.Matrix.Rooms))
	for _, reference := range cfg.Matrix.Rooms {
		roomID, err := messaging.ResolveRoom(ctx, session, reference)
		if err != nil {
			return fmt.Errorf("resolving room %q: %w", reference, err)
		}
		if _, err := session.JoinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("joining room %s: %w", roomID, err)
		}
		rooms = append(rooms, roomID)
	}

	provider, model, err := llm.NewProvider(ctx, cfg.LLM.Model, providerConfigs(cfg.LLM.Providers), nil)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimits.Enabled {
		limiter, err = ratelimit.New(ratelimit.Config{
			User:   ratelimit.Rule{Limit: cfg.RateLimits.UserLimit, Period: cfg.RateLimits.UserPeriod},
			Global: ratelimit.Rule{Limit: cfg.RateLimits.GlobalLimit, Period: cfg.RateLimits.GlobalPeriod},
		})
		if err != nil {
			return err
		}
	}

	sessionConfig := deliveryConfig(cfg.Delivery)
	sessionConfig.Metrics = metrics
	bot, err := responder.New(responder.Config{
		Session:      session,
		Provider:     provider,
		Model:        model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		MaxMessages:  cfg.LLM.MaxMessages,
		Rooms:        rooms,
		Users:        cfg.Permissions.Users,
		RoomAccess:   cfg.Permissions.Rooms,
		Limiter:      limiter,
		Placeholder:  cfg.Delivery.Placeholder,
		Delivery:     sessionConfig,
		MaxUnitSize:  cfg.Matrix.MaxUnitSize,
		Threaded:     cfg.Matrix.Threaded,
		AutoJoin:     cfg.Matrix.AutoJoin,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("courier starting",
		"version", version.Info(),
		"user_id", session.UserID(),
		"model", cfg.LLM.Model,
	)
	if err := bot.Run(ctx); err != nil {
		return err
	}
	logger.Info("courier stopped")
	return nil
}

// connect authenticates with the access token when one is configured
// and logs in with the password otherwise.
func connect(ctx context.Context, matrix config.MatrixConfig, logger *slog.Logger) (*messaging.DirectSession, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: matrix.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	if matrix.AccessToken == "" {
		session, err := client.Login(ctx, matrix.UserID, matrix.Password)
		if err != nil {
			return nil, fmt.Errorf("logging in as %s: %w", matrix.UserID, err)
		}
		return session, nil
	}

	userID, err := ref.ParseUserID(matrix.UserID)
	if err != nil {
		return nil, fmt.Errorf("matrix.user_id: %w", err)
	}
	session := client.SessionFromToken(userID, matrix.AccessToken)
	actual, err := session.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("validating access token: %w", err)
	}
	if actual != userID {
		return nil, fmt.Errorf("access token belongs to %s, not %s", actual, userID)
	}
	return session, nil
}

// serveMetrics starts the Prometheus endpoint and returns a function
// that shuts it down.
func serveMetrics(address string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "address", address, "error", err)
		}
	}()
	logger.Info("serving metrics", "address", address)
	return func() {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}
}

func runAsk(args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		common      commonFlags
		plain       bool
		interval    time.Duration
		maxUnitSize int
	)
	flagSet := pflag.NewFlagSet("courier ask", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.BoolVar(&plain, "plain", false, "print raw text without formatting (overrides delivery.plain_mode)")
	flagSet.DurationVar(&interval, "interval", 0, "minimum time between updates (overrides delivery.update_interval)")
	flagSet.IntVar(&maxUnitSize, "max-unit-size", consoleunit.DefaultMaxUnitSize, "characters per printed unit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	prompt := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("a prompt is required")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if flagSet.Changed("plain") {
		cfg.Delivery.PlainMode = plain
	}
	if interval > 0 {
		cfg.Delivery.UpdateInterval = interval
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger := common.logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, model, err := llm.NewProvider(ctx, cfg.LLM.Model, providerConfigs(cfg.LLM.Providers), nil)
	if err != nil {
		return err
	}
	transport, err := consoleunit.New(consoleunit.Config{Output: stdout, MaxUnitSize: maxUnitSize})
	if err != nil {
		return err
	}

	sessionConfig := deliveryConfig(cfg.Delivery)
	sessionConfig.Logger = logger
	session, err := delivery.Open(ctx, transport, cfg.Delivery.Placeholder, sessionConfig)
	if err != nil {
		return err
	}

	request := llm.Request{
		Model:       model,
		System:      cfg.LLM.SystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	generationContext, cancelGeneration := context.WithCancel(ctx)
	defer cancelGeneration()
	deliverErr := delivery.Deliver(ctx, session, llm.Fragments(generationContext, provider, request))
	if err := transport.Flush(); err != nil {
		return err
	}
	return deliverErr
}

func deliveryConfig(settings config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		UpdateInterval:          settings.UpdateInterval,
		PlainMode:               settings.PlainMode,
		TruncationMinChars:      settings.TruncationMinChars,
		FinalRetries:            finalRetries(settings.FinalRetries),
		ContinuationPlaceholder: settings.ContinuationPlaceholder,
		ErrorNotice:             settings.ErrorNotice,
	}
}

// finalRetries maps the config's "0 means none" to delivery's
// "negative means none".
func finalRetries(configured int) int {
	if configured == 0 {
		return -1
	}
	return configured
}

func providerConfigs(settings map[string]config.ProviderConfig) map[string]llm.ProviderConfig {
	providers := make(map[string]llm.ProviderConfig, len(settings))
	for name, provider := range settings {
		providers[name] = llm.ProviderConfig{BaseURL: provider.BaseURL, APIKey: provider.APIKey}
	}
	return providers
}

// Huginn is a multi-channel conversational agent.
//
// It listens on chat gateway, bot messaging, social feed, and
// code-hosting platforms, routes every inbound event through a single
// reasoning loop with tool calling, and persists conversations and
// semantic memory in SQLite. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	huginn serve             Start the agent
//	huginn init [dir]        Initialize a working directory with defaults
//	huginn ingest <source>   Load one knowledge source (e.g. markdown:notes.md)
//	huginn version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/corvid-labs/huginn/examples"
	"github.com/corvid-labs/huginn/internal/bridge"
	"github.com/corvid-labs/huginn/internal/buildinfo"
	"github.com/corvid-labs/huginn/internal/channel"
	"github.com/corvid-labs/huginn/internal/config"
	"github.com/corvid-labs/huginn/internal/connwatch"
	"github.com/corvid-labs/huginn/internal/dispatch"
	"github.com/corvid-labs/huginn/internal/embeddings"
	"github.com/corvid-labs/huginn/internal/events"
	"github.com/corvid-labs/huginn/internal/httpkit"
	"github.com/corvid-labs/huginn/internal/ingest"
	"github.com/corvid-labs/huginn/internal/llm"
	"github.com/corvid-labs/huginn/internal/mqtt"
	"github.com/corvid-labs/huginn/internal/retriever"
	"github.com/corvid-labs/huginn/internal/store"
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to the subcommand handlers. The
// flag package relies on package-level globals, so the small argument
// surface is parsed by hand instead.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: huginn ingest <type:location>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Huginn - Multi-Channel Conversational Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: huginn [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start the agent")
	fmt.Fprintln(w, "  init [dir]      Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ingest <src>    Load one knowledge source (e.g. markdown:notes.md)")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>  Path to config file (default: auto-discover)")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.Info())
}

// runInit writes a commented default config into dir so a fresh
// deployment has something to edit.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	if err := os.WriteFile(path, examples.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

// runIngest loads the named knowledge sources into the memory store
// and exits. Useful for seeding a deployment before first start.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, sources []string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Embeddings.Enabled || cfg.Embeddings.APIKey == "" {
		return fmt.Errorf("ingest requires embeddings to be enabled and configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "huginn.db"), nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	embedder := embeddings.New(embeddings.Config{
		APIKey: cfg.Embeddings.APIKey,
		Model:  cfg.Embeddings.Model,
		Dim:    cfg.Embeddings.Dim,
	})
	loader := ingest.New(st, embedder, cfg.Channels.Forge.Token, nil, logger)
	return loader.Run(ctx, sources)
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting huginn",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level)
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Reasoning.Default)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Conversation and memory store ---
	dbPath := filepath.Join(cfg.DataDir, "huginn.db")
	st, err := store.Open(dbPath, bus)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	var wg sync.WaitGroup

	// --- Embeddings, retrieval, and async indexing ---
	// Without an embedder the retriever degrades to empty results and
	// the indexer idles; conversation flow is unaffected.
	var embedder embeddings.Embedder
	if cfg.Embeddings.Enabled && cfg.Embeddings.APIKey != "" {
		embedder = embeddings.New(embeddings.Config{
			APIKey: cfg.Embeddings.APIKey,
			Model:  cfg.Embeddings.Model,
			Dim:    cfg.Embeddings.Dim,
		})
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	} else {
		logger.Warn("embeddings disabled, memory retrieval will be empty")
	}
	mem := retriever.New(st, embedder, logger)

	indexer := retriever.NewIndexer(bus, st, embedder, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		indexer.Run(ctx)
	}()

	// --- Reasoning engine ---
	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	// --- Dependency health monitoring ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "reasoning",
		Probe:   func(pCtx context.Context) error { return engine.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- Tool bridge ---
	var tools dispatch.ToolRunner
	var br *bridge.Client
	if cfg.Bridge.URL != "" {
		br = bridge.New(cfg.Bridge.URL, cfg.Bridge.Token, cfg.Bridge.InvokeTimeout(), bus, logger)
		tools = br
		wg.Add(1)
		go func() {
			defer wg.Done()
			br.Run(ctx)
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "bridge",
			Probe: func(context.Context) error {
				if !br.Connected() {
					return fmt.Errorf("tool peer not connected")
				}
				return nil
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	} else {
		logger.Warn("tool bridge not configured, tools unavailable")
	}

	// --- Dispatcher ---
	dispatcher := dispatch.New(st, mem, engine, tools, dispatch.Config{
		Model:         cfg.Reasoning.Default,
		MaxIterations: cfg.Dispatch.MaxIterations,
		HistoryLimit:  cfg.Dispatch.HistoryLimit,
		MemoryTopK:    cfg.Dispatch.MemoryTopK,
		CallTimeout:   cfg.Reasoning.CallTimeout(),
		RetryAttempts: cfg.Reasoning.RetryAttempts,
		LockTTL:       cfg.Dispatch.LockTTL(),
	}, bus, logger)

	// --- Knowledge ingestion ---
	// Runs once in the background; sources are independent of the
	// serving path and failures only cost knowledge coverage.
	if len(cfg.Ingest.Sources) > 0 {
		loader := ingest.New(st, embedder, cfg.Channels.Forge.Token, bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loader.Run(ctx, cfg.Ingest.Sources)
		}()
	}

	// --- Channel connectors ---
	connectors := buildConnectors(cfg, dispatcher, bus, logger)
	if len(connectors) == 0 {
		logger.Warn("no channels enabled, agent is unreachable")
	}
	for _, conn := range connectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("channel starting", "channel", conn.Name())
			if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel stopped", "channel", conn.Name(), "error", err)
			}
		}()
	}

	// --- Telemetry ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		counters := &mqtt.Counters{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			counters.Watch(ctx, bus)
		}()

		sources := []mqtt.StatsSource{
			func(context.Context) map[string]any { return dispatcher.Stats() },
			func(sctx context.Context) map[string]any { return st.Stats(sctx) },
			func(context.Context) map[string]any {
				out := make(map[string]any)
				for name, s := range connMgr.Status() {
					out["service_"+name+"_ready"] = s.Ready
				}
				return out
			},
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, counters, sources, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
	}

	logger.Info("huginn ready", "channels", len(connectors))
	<-ctx.Done()
	logger.Info("shutting down")

	if publisher != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = publisher.Stop(stopCtx)
		cancel()
	}
	if br != nil {
		_ = br.Close()
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// buildEngine assembles the multi-provider reasoning client. Providers
// are registered from config; model names route to their provider and
// unknown models fall through to the first registered provider.
func buildEngine(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	var fallback llm.Client
	var multi *llm.MultiClient

	var ollama *llm.OllamaClient
	if cfg.Reasoning.OllamaURL != "" {
		ollama = llm.NewOllamaClient(cfg.Reasoning.OllamaURL)
		fallback = ollama
	}

	var anthropicClient *llm.AnthropicClient
	if cfg.Reasoning.AnthropicAPIKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.Reasoning.AnthropicAPIKey, cfg.Reasoning.MaxTokens, logger)
		if fallback == nil {
			fallback = anthropicClient
		}
	}

	if fallback == nil {
		return nil, fmt.Errorf("no reasoning provider configured (set reasoning.ollama_url or reasoning.anthropic_api_key)")
	}

	multi = llm.NewMultiClient(fallback)
	if ollama != nil {
		multi.AddProvider("ollama", ollama)
	}
	if anthropicClient != nil {
		multi.AddProvider("anthropic", anthropicClient)
	}
	for model, provider := range cfg.Reasoning.Models {
		multi.AddModel(model, provider)
	}

	logger.Info("reasoning engine initialized",
		"default_model", cfg.Reasoning.Default,
		"ollama", ollama != nil,
		"anthropic", anthropicClient != nil,
	)
	return multi, nil
}

// buildConnectors instantiates every enabled channel.
func buildConnectors(cfg *config.Config, sub channel.Submitter, bus *events.Bus, logger *slog.Logger) []channel.Connector {
	var out []channel.Connector

	if c := cfg.Channels.Gateway; c.Enabled {
		out = append(out, channel.NewGateway(c.URL, c.Token, sub, bus, logger))
	}
	if c := cfg.Channels.Courier; c.Enabled {
		out = append(out, channel.NewCourier(c.BaseURL, c.Token,
			time.Duration(c.PollSeconds)*time.Second, sub, bus, logger))
	}
	if c := cfg.Channels.Feed; c.Enabled {
		out = append(out, channel.NewFeed(c.BaseURL, c.Token, c.Handle,
			time.Duration(c.PollSeconds)*time.Second, sub, bus, logger))
	}
	if c := cfg.Channels.Forge; c.Enabled {
		httpClient := httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
		out = append(out, channel.NewForge(httpClient, c.Token, c.Repos,
			time.Duration(c.PollSeconds)*time.Second, sub, bus, logger))
	}
	return out
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

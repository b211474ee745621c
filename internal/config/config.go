// Package config handles Huginn configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/huginn/config.yaml, /etc/huginn/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "huginn", "config.yaml"))
	}

	paths = append(paths, "/etc/huginn/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Huginn configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Ingest     IngestConfig     `yaml:"ingest"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ReasoningConfig defines the reasoning engine providers and retry policy.
type ReasoningConfig struct {
	// Default is the model used when a channel does not specify one.
	Default string `yaml:"default"`
	// OllamaURL enables the local provider when non-empty.
	OllamaURL string `yaml:"ollama_url"`
	// AnthropicAPIKey enables the Anthropic provider when non-empty.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// MaxTokens caps the completion length per inference call.
	MaxTokens int `yaml:"max_tokens"`
	// CallTimeoutSec bounds a single inference call (default 120).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// RetryAttempts is the cap on transient-failure retries (default 3).
	RetryAttempts int `yaml:"retry_attempts"`
	// Models maps model names to provider names ("ollama", "anthropic").
	Models map[string]string `yaml:"models"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"` // OpenAI API key
	Model   string `yaml:"model"`   // e.g. text-embedding-3-small
	Dim     int    `yaml:"dim"`     // vector width stored in the database
}

// DispatchConfig tunes the agent dispatcher.
type DispatchConfig struct {
	// MaxIterations caps the reasoning/tool loop per turn (default 8).
	MaxIterations int `yaml:"max_iterations"`
	// HistoryLimit is how many recent messages feed each inference (default 40).
	HistoryLimit int `yaml:"history_limit"`
	// MemoryTopK is how many retrieved memory entries feed each turn (default 5).
	MemoryTopK int `yaml:"memory_top_k"`
	// LockTTLSec evicts idle per-conversation locks (default 900).
	LockTTLSec int `yaml:"lock_ttl_sec"`
}

// BridgeConfig defines the tool peer connection.
type BridgeConfig struct {
	// URL is the websocket endpoint of the tool peer. Empty disables tools.
	URL string `yaml:"url"`
	// Token authenticates the session during the hello exchange.
	Token string `yaml:"token"`
	// InvokeTimeoutSec bounds a single tool invocation (default 60).
	InvokeTimeoutSec int `yaml:"invoke_timeout_sec"`
}

// ChannelsConfig holds per-platform connector settings.
type ChannelsConfig struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Courier CourierConfig `yaml:"courier"`
	Feed    FeedConfig    `yaml:"feed"`
	Forge   ForgeConfig   `yaml:"forge"`
}

// GatewayConfig defines the chat gateway (websocket) connector.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// CourierConfig defines the bot messaging service connector (long-poll).
type CourierConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	PollSeconds int    `yaml:"poll_seconds"` // long-poll wait, default 30
}

// FeedConfig defines the social feed connector (mention polling).
type FeedConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	Handle      string `yaml:"handle"`
	PollSeconds int    `yaml:"poll_seconds"` // default 60
}

// ForgeConfig defines the code-hosting platform connector.
type ForgeConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Token       string   `yaml:"token"`
	Repos       []string `yaml:"repos"` // owner/name
	PollSeconds int      `yaml:"poll_seconds"`
}

// IngestConfig lists knowledge sources loaded at startup.
type IngestConfig struct {
	// Sources are "type:location" pairs, e.g. "markdown:./docs/intro.md"
	// or "site:https://example.com/post".
	Sources []string `yaml:"sources"`
}

// MQTTConfig defines the telemetry publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{DataDir: "."}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with defaults applied, suitable for tests
// and for running without a config file.
func Default() *Config {
	cfg := &Config{
		DataDir: ".",
		Reasoning: ReasoningConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.Reasoning.MaxTokens <= 0 {
		c.Reasoning.MaxTokens = 4096
	}
	if c.Reasoning.CallTimeoutSec <= 0 {
		c.Reasoning.CallTimeoutSec = 120
	}
	if c.Reasoning.RetryAttempts <= 0 {
		c.Reasoning.RetryAttempts = 3
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.Dim <= 0 {
		c.Embeddings.Dim = 1536
	}
	if c.Dispatch.MaxIterations <= 0 {
		c.Dispatch.MaxIterations = 8
	}
	if c.Dispatch.HistoryLimit <= 0 {
		c.Dispatch.HistoryLimit = 40
	}
	if c.Dispatch.MemoryTopK <= 0 {
		c.Dispatch.MemoryTopK = 5
	}
	if c.Dispatch.LockTTLSec <= 0 {
		c.Dispatch.LockTTLSec = 900
	}
	if c.Bridge.InvokeTimeoutSec <= 0 {
		c.Bridge.InvokeTimeoutSec = 60
	}
	if c.Channels.Courier.PollSeconds <= 0 {
		c.Channels.Courier.PollSeconds = 30
	}
	if c.Channels.Feed.PollSeconds <= 0 {
		c.Channels.Feed.PollSeconds = 60
	}
	if c.Channels.Forge.PollSeconds <= 0 {
		c.Channels.Forge.PollSeconds = 120
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "huginn"
	}
}

// CallTimeout returns the reasoning per-call timeout as a duration.
func (r ReasoningConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSec) * time.Second
}

// InvokeTimeout returns the tool invocation timeout as a duration.
func (b BridgeConfig) InvokeTimeout() time.Duration {
	return time.Duration(b.InvokeTimeoutSec) * time.Second
}

// LockTTL returns the per-conversation lock eviction TTL as a duration.
func (d DispatchConfig) LockTTL() time.Duration {
	return time.Duration(d.LockTTLSec) * time.Second
}

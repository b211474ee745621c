package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("HUGINN_TEST_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/huginn
log_level: debug
reasoning:
  default: claude-sonnet-4-20250514
  anthropic_api_key: ${HUGINN_TEST_KEY}
bridge:
  url: ws://localhost:9090/tools
channels:
  gateway:
    enabled: true
    url: wss://gateway.example.com/ws
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Reasoning.AnthropicAPIKey != "sk-test-123" {
		t.Errorf("anthropic_api_key = %q, want expanded env value", cfg.Reasoning.AnthropicAPIKey)
	}
	if cfg.DataDir != "/var/lib/huginn" {
		t.Errorf("data_dir = %q, want /var/lib/huginn", cfg.DataDir)
	}
	if !cfg.Channels.Gateway.Enabled {
		t.Error("gateway should be enabled")
	}

	// Unset tunables pick up defaults.
	if got := cfg.Dispatch.MaxIterations; got != 8 {
		t.Errorf("max_iterations default = %d, want 8", got)
	}
	if got := cfg.Dispatch.HistoryLimit; got != 40 {
		t.Errorf("history_limit default = %d, want 40", got)
	}
	if got := cfg.Reasoning.RetryAttempts; got != 3 {
		t.Errorf("retry_attempts default = %d, want 3", got)
	}
	if got := cfg.Embeddings.Model; got != "text-embedding-3-small" {
		t.Errorf("embeddings model default = %q, want text-embedding-3-small", got)
	}
	if got := cfg.Bridge.InvokeTimeoutSec; got != 60 {
		t.Errorf("invoke_timeout_sec default = %d, want 60", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config, got nil")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"  WARN  ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, info)
	if got.Value.Any() != any(slog.LevelInfo) {
		t.Errorf("info level was modified: %v", got.Value)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.Reasoning.CallTimeout().Seconds(); got != 120 {
		t.Errorf("CallTimeout = %vs, want 120s", got)
	}
	if got := cfg.Bridge.InvokeTimeout().Seconds(); got != 60 {
		t.Errorf("InvokeTimeout = %vs, want 60s", got)
	}
	if got := cfg.Dispatch.LockTTL().Seconds(); got != 900 {
		t.Errorf("LockTTL = %vs, want 900s", got)
	}
}

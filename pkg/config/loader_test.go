package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "munshi.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
name: shop-assistant
llm:
  provider: openai
  model: gpt-4o
  api_key: test-key
context:
  max_context_bytes: 200000
agents:
  parallel:
    concurrency: 8
    throttle: 2s
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	if cfg.Name != "shop-assistant" {
		t.Errorf("Name = %q, want shop-assistant", cfg.Name)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("LLM.Model = %q, want gpt-4o", cfg.LLM.Model)
	}
	if cfg.Context.MaxContextBytes != 200000 {
		t.Errorf("MaxContextBytes = %d, want 200000", cfg.Context.MaxContextBytes)
	}
	if cfg.Agents.Parallel.Concurrency != 8 {
		t.Errorf("Parallel.Concurrency = %d, want 8", cfg.Agents.Parallel.Concurrency)
	}
	if cfg.Agents.Parallel.Throttle != 2*time.Second {
		t.Errorf("Parallel.Throttle = %s, want 2s", cfg.Agents.Parallel.Throttle)
	}
	// Untouched sections still get defaults.
	if cfg.Orchestrator.MaxTurnsBulk != 500 {
		t.Errorf("MaxTurnsBulk = %d, want 500", cfg.Orchestrator.MaxTurnsBulk)
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("agents:\n  - [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"name": "json-config", "llm": {"provider": "openai", "api_key": "k"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Name != "json-config" {
		t.Errorf("Name = %q, want json-config", cfg.Name)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("MUNSHI_TEST_KEY", "secret-from-env")

	cfg, err := Parse([]byte(`
llm:
  provider: openai
  api_key: ${MUNSHI_TEST_KEY}
  model: ${MUNSHI_TEST_MODEL:-gpt-4o-mini}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.LLM.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want secret-from-env", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want default gpt-4o-mini", cfg.LLM.Model)
	}
}

func TestEnvOverridesLayerOverFile(t *testing.T) {
	t.Setenv("MAX_CONTEXT_BYTES", "90000")
	t.Setenv("BULK_GUARD_MAX_RETRIES", "3")
	t.Setenv("PARALLEL_EXECUTOR_THROTTLE_MS", "250")
	t.Setenv("BASH_TIMEOUT_MS", "60000")

	cfg, err := Parse([]byte(`
llm:
  provider: openai
  api_key: k
context:
  max_context_bytes: 150000
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Context.MaxContextBytes != 90000 {
		t.Errorf("MaxContextBytes = %d, want env override 90000", cfg.Context.MaxContextBytes)
	}
	if cfg.Guardrails.MaxRetries != 3 {
		t.Errorf("Guardrails.MaxRetries = %d, want env override 3", cfg.Guardrails.MaxRetries)
	}
	if cfg.Agents.Parallel.Throttle != 250*time.Millisecond {
		t.Errorf("Parallel.Throttle = %s, want 250ms", cfg.Agents.Parallel.Throttle)
	}
	if cfg.Agents.Bash.Timeout != time.Minute {
		t.Errorf("Bash.Timeout = %s, want 1m", cfg.Agents.Bash.Timeout)
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_CONTEXT_BYTES", "not-a-number")

	cfg, err := Parse([]byte("llm:\n  provider: openai\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Context.MaxContextBytes != 150000 {
		t.Errorf("MaxContextBytes = %d, want unchanged default 150000", cfg.Context.MaxContextBytes)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "name: before\nllm:\n  provider: openai\n  api_key: k\n")

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()
	if cfg.Name != "before" {
		t.Fatalf("Name = %q, want before", cfg.Name)
	}

	reloaded := make(chan *Config, 1)
	loader.onChange = func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- loader.Watch(ctx) }()

	// Give the watcher time to attach before rewriting.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("name: after\nllm:\n  provider: openai\n  api_key: k\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Name != "after" {
			t.Errorf("reloaded Name = %q, want after", c.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

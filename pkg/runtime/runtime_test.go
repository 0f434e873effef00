package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/munshi-ai/munshi/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LLM.Provider = config.LLMProviderAnthropic
	cfg.LLM.APIKey = "test-key"
	cfg.Embedder = config.EmbedderConfig{Provider: config.EmbedderProviderLocal}
	cfg.Embedder.SetDefaults()
	cfg.Store.Driver = config.StoreDriverMemory
	cfg.Checkpoint.Dir = t.TempDir()
	cfg.Agents.Bash.WorkDir = t.TempDir()
	return cfg
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("New() accepted a nil config")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "bolt"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("New() accepted an unknown store driver")
	}
}

func TestNewBuildsEverything(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	if rt.Supervisor() == nil || rt.Bus() == nil || rt.Conversations() == nil || rt.Registry() == nil {
		t.Fatal("runtime is missing components")
	}
	if rt.Config() == nil {
		t.Fatal("Config() returned nil")
	}
	if rt.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", rt.Addr())
	}

	names := map[string]bool{}
	for _, def := range rt.Registry().Definitions() {
		names[def.Name] = true
	}
	for _, want := range []string{"todo_write", "task_status", "set_conversation_topic", "fetch_url"} {
		if !names[want] {
			t.Errorf("builtin tool %q not registered (have %v)", want, names)
		}
	}
	if names["search_docs"] {
		t.Error("search_docs registered without a docs dir")
	}
}

func TestNewRegistersDocsTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.DocsDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.Tools.DocsDir, "returns.md"), []byte("# Returns\nPolicy."), 0o644); err != nil {
		t.Fatal(err)
	}

	rt, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	for _, def := range rt.Registry().Definitions() {
		if def.Name == "search_docs" {
			return
		}
	}
	t.Error("search_docs not registered despite a docs dir")
}

func TestApplyConfigChange(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	next := testConfig(t)
	next.Guardrails.MaxRetries = 7
	next.Server.Port = 9999
	next.SetDefaults()

	rt.applyConfigChange(next)

	if got := rt.guard.MaxRetries(); got != 7 {
		t.Errorf("guard retries after reload = %d, want 7", got)
	}
}

func TestStructuralChanges(t *testing.T) {
	old := testConfig(t)
	next := testConfig(t)
	next.Checkpoint.Dir = old.Checkpoint.Dir
	next.Agents.Bash.WorkDir = old.Agents.Bash.WorkDir

	if got := structuralChanges(old, next); len(got) != 0 {
		t.Fatalf("identical configs report changes: %v", got)
	}

	next.Server.Port = 9999
	next.LLM.Model = "claude-haiku-x"
	got := structuralChanges(old, next)
	if len(got) != 2 || got[0] != "server" || got[1] != "llm" {
		t.Errorf("changed sections = %v, want [server llm]", got)
	}

	// Dynamic sections are not structural.
	next = testConfig(t)
	next.Checkpoint.Dir = old.Checkpoint.Dir
	next.Agents.Bash.WorkDir = old.Agents.Bash.WorkDir
	next.Guardrails.MaxRetries = 9
	next.Orchestrator.MaxTurnsStandard = 99
	if got := structuralChanges(old, next); len(got) != 0 {
		t.Errorf("dynamic sections reported as structural: %v", got)
	}
}

func TestShutdownWithoutServe(t *testing.T) {
	rt, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

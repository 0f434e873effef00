// Package runtime assembles the munshi stack from configuration and
// owns its lifecycle: construction order, the serve loop with signal
// handling, config hot-reload, and teardown. Everything the binary
// does goes through a Runtime; tests and the local chat mode reach the
// same components through its accessors without starting the HTTP
// server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/chokidar"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/conversation"
	"github.com/munshi-ai/munshi/pkg/embedder"
	"github.com/munshi-ai/munshi/pkg/events"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/memory"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/orchestrator"
	"github.com/munshi-ai/munshi/pkg/server"
	"github.com/munshi-ai/munshi/pkg/toolcache"
	"github.com/munshi-ai/munshi/pkg/tools"
	"github.com/munshi-ai/munshi/pkg/usage"
	"github.com/munshi-ai/munshi/pkg/vector"
)

const shutdownBudget = 30 * time.Second

// Runtime is the assembled system.
type Runtime struct {
	cfg    *config.Config
	loader *config.Loader

	obs           *observability.Manager
	bus           *events.Bus
	store         conversation.Store
	checkpoints   *checkpoint.Store
	conversations *conversation.Manager
	embedder      embedder.Embedder
	vectors       vector.Provider
	memory        *memory.Service
	cache         *toolcache.Cache
	registry      *tools.Registry
	llm           llms.LLMProvider
	guard         *chokidar.Guard
	meter         *usage.Meter
	supervisor    *orchestrator.Supervisor
	server        *server.Server
}

// Option adjusts runtime construction.
type Option func(*Runtime)

// WithLoader attaches the config loader. While the runtime serves, the
// loader's provider is watched and successful reloads feed the dynamic
// settings.
func WithLoader(l *config.Loader) Option {
	return func(r *Runtime) {
		r.loader = l
	}
}

// New builds every component from the configuration. The config is
// defaulted and validated first; a failed build releases whatever was
// already constructed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runtime: config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	r := &Runtime{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.build(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Supervisor returns the run supervisor, for in-process callers.
func (r *Runtime) Supervisor() *orchestrator.Supervisor { return r.supervisor }

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Conversations returns the conversation manager.
func (r *Runtime) Conversations() *conversation.Manager { return r.conversations }

// Registry returns the shared tool registry.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Addr returns the HTTP listen address.
func (r *Runtime) Addr() string { return r.server.Addr() }

// Run serves HTTP until the context is canceled, a termination signal
// arrives, or the listener fails, then shuts the runtime down.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r.loader != nil {
		r.loader.SetOnChange(r.applyConfigChange)
		go func() {
			if err := r.loader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Config watch stopped", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			slog.Warn("Shutdown error", "error", err)
		}
	}
	return runErr
}

// Shutdown stops the HTTP server gracefully, waits for event streams
// to drain, and releases every component. In-flight runs finish and
// persist on their own timeouts.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.release(ctx)...)
	return firstError(errs)
}

// Close releases components without a graceful server stop, for
// runtimes that never served.
func (r *Runtime) Close() error {
	if r.bus != nil {
		r.bus.Shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	return firstError(r.release(ctx))
}

// release tears components down in reverse construction order.
func (r *Runtime) release(ctx context.Context) []error {
	var errs []error
	closers := []struct {
		name  string
		close func() error
	}{
		{"tool registry", closeIf(r.registry != nil, func() error { return r.registry.Close() })},
		{"embedder", closeIf(r.embedder != nil, func() error { return r.embedder.Close() })},
		{"vector store", closeIf(r.vectors != nil, func() error { return r.vectors.Close() })},
		{"conversation store", closeIf(r.store != nil, func() error { return r.store.Close() })},
		{"observability", closeIf(r.obs != nil, func() error { return r.obs.Shutdown(ctx) })},
	}
	for _, c := range closers {
		if c.close == nil {
			continue
		}
		if err := c.close(); err != nil {
			slog.Warn("Component close failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errs
}

func closeIf(ok bool, fn func() error) func() error {
	if !ok {
		return nil
	}
	return fn
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// applyConfigChange folds a reloaded configuration into the running
// system. Only the dynamic settings apply immediately; structural
// sections are reported and keep their startup values until restart.
func (r *Runtime) applyConfigChange(next *config.Config) {
	if err := r.guard.SetConfig(next.Guardrails); err != nil {
		slog.Warn("Reloaded guardrail config rejected", "error", err)
	}
	if err := r.supervisor.SetLimits(next.Orchestrator); err != nil {
		slog.Warn("Reloaded orchestrator config rejected", "error", err)
	}
	if err := r.meter.SetLimits(next.Usage); err != nil {
		slog.Warn("Reloaded usage config rejected", "error", err)
	}
	for _, section := range structuralChanges(r.cfg, next) {
		slog.Warn("Config change requires restart", "section", section)
	}
}

// structuralChanges lists the sections whose reloaded values differ
// from what this process was built with. Guardrails, orchestrator
// limits, and usage budgets are dynamic and deliberately not listed.
func structuralChanges(old, next *config.Config) []string {
	var out []string
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, next.Server},
		{"llm", old.LLM, next.LLM},
		{"embedder", old.Embedder, next.Embedder},
		{"vector", old.Vector, next.Vector},
		{"store", old.Store, next.Store},
		{"checkpoint", old.Checkpoint, next.Checkpoint},
		{"context", old.Context, next.Context},
		{"agents", old.Agents, next.Agents},
		{"tool_cache", old.ToolCache, next.ToolCache},
		{"tools", old.Tools, next.Tools},
		{"logging", old.Logging, next.Logging},
		{"observability", old.Observability, next.Observability},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			out = append(out, s.name)
		}
	}
	return out
}

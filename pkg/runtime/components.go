package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/munshi-ai/munshi/pkg/agent"
	"github.com/munshi-ai/munshi/pkg/auth"
	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/chokidar"
	"github.com/munshi-ai/munshi/pkg/contextbuilder"
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
	"github.com/munshi-ai/munshi/pkg/tools/builtin"
	"github.com/munshi-ai/munshi/pkg/usage"
	"github.com/munshi-ai/munshi/pkg/vector"
)

// build constructs every component in dependency order: observability
// and the event bus first so everything downstream logs and traces
// through them, then storage, models, tools, and finally the
// supervisor and HTTP server.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	r.obs = observability.NewManager(*cfg.Observability)
	if err := r.obs.Initialize(ctx); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	r.bus = events.New()
	// Route log records carrying a bound user onto that user's event
	// stream, on top of whatever handler the process installed.
	slog.SetDefault(slog.New(events.NewLogHandler(slog.Default().Handler(), r.bus)))

	store, err := conversation.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	r.store = store

	r.checkpoints, err = checkpoint.NewStore(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	r.conversations = conversation.NewManager(r.store, r.checkpoints, r.bus)

	r.llm, err = llms.New(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	guardLLM, err := llms.NewGuard(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("guard llm: %w", err)
	}

	r.embedder, err = embedder.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	r.vectors, err = vector.New(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	r.memory, err = memory.NewService(memory.ServiceConfig{
		Provider:         r.vectors,
		Embedder:         r.embedder,
		CollectionPrefix: cfg.Vector.Collection,
	})
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	if cfg.ToolCache.IsEnabled() {
		r.cache, err = toolcache.New(cfg.ToolCache, r.embedder)
		if err != nil {
			return fmt.Errorf("tool cache: %w", err)
		}
	}
	r.registry = tools.NewRegistry(r.cache)
	if err := r.registerTools(ctx); err != nil {
		return err
	}

	var products contextbuilder.ProductReader
	if tool := cfg.Context.ProductTool; tool != "" {
		products = &registryProducts{registry: r.registry, tool: tool}
	}
	builder, err := contextbuilder.NewBuilder(contextbuilder.BuilderConfig{
		Context:     cfg.Context,
		Memory:      r.memory,
		Checkpoints: r.checkpoints,
		Products:    products,
	})
	if err != nil {
		return fmt.Errorf("context builder: %w", err)
	}

	r.guard, err = chokidar.New(cfg.Guardrails, guardLLM, r.checkpoints)
	if err != nil {
		return err
	}
	factory, err := agent.NewFactory(cfg.Agents, r.llm, r.registry)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	r.meter = usage.NewMeter(cfg.Usage)
	r.supervisor, err = orchestrator.NewSupervisor(cfg.Orchestrator, orchestrator.Deps{
		LLM:           r.llm,
		Conversations: r.conversations,
		Context:       builder,
		Guard:         r.guard,
		Agents:        factory,
		Tools:         r.registry,
		Checkpoints:   r.checkpoints,
		Bus:           r.bus,
		Usage:         r.meter,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(ctx, cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	r.server, err = server.New(cfg.Server, server.Deps{
		Supervisor: r.supervisor,
		Bus:        r.bus,
		Verifier:   verifier,
		Meter:      r.meter,
		Tracer:     r.obs.Tracer(),
		Metrics:    r.obs.Metrics(),
	})
	if err != nil {
		return err
	}
	return nil
}

// registerTools fills the registry: the builtin tools every deployment
// carries, then the configured MCP sources. Discovery failures exclude
// the source, not the process.
func (r *Runtime) registerTools(ctx context.Context) error {
	builtins := []tools.Tool{
		builtin.NewTodoWriteTool(r.checkpoints),
		builtin.NewTaskStatusTool(r.checkpoints),
		builtin.NewTopicTool(r.conversations),
		builtin.NewFetchTool(&http.Client{Timeout: r.cfg.Tools.FetchTimeout}),
	}
	if dir := r.cfg.Tools.DocsDir; dir != "" {
		builtins = append(builtins, builtin.NewSearchDocsTool(dir))
	}
	for _, tool := range builtins {
		if err := r.registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	for _, mcp := range r.cfg.Tools.MCPServers {
		src, err := tools.NewMCPSource(mcp)
		if err != nil {
			return fmt.Errorf("mcp %s: %w", mcp.Name, err)
		}
		if err := r.registry.RegisterSource(src); err != nil {
			return fmt.Errorf("mcp %s: %w", mcp.Name, err)
		}
	}
	return r.registry.DiscoverAll(ctx)
}

// registryProducts resolves SKUs through the configured catalog tool
// in the shared registry.
type registryProducts struct {
	registry *tools.Registry
	tool     string
}

func (p *registryProducts) ReadProduct(ctx context.Context, sku string) (map[string]any, error) {
	res, err := p.registry.Invoke(ctx, 0, llms.ToolCall{Name: p.tool, Args: map[string]any{"sku": sku}})
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%s: %s", p.tool, res.Error)
	}
	var blob map[string]any
	if err := json.Unmarshal([]byte(res.Content), &blob); err != nil {
		return nil, fmt.Errorf("product blob for %q: %w", sku, err)
	}
	return blob, nil
}

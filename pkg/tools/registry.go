package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/registry"
	"github.com/munshi-ai/munshi/pkg/toolcache"
)

const tracerName = "munshi/pkg/tools"

// Entry is a registered tool together with its adapted, model-facing
// definition and the compiled validator for incoming arguments.
type Entry struct {
	Tool       Tool
	Source     string
	Definition llms.ToolDefinition

	validator *jsonschema.Schema
	required  map[string]struct{}
}

// Registry holds the tool surface exposed to the model. Registration
// adapts each tool's schema to the model-facing form; tools whose
// schemas cannot be adapted are excluded. Invocations are validated
// against the tool's declared schema and, for whitelisted read-only
// tools, proxied through the semantic result cache.
type Registry struct {
	*registry.Store[*Entry]

	mu      sync.Mutex
	sources []Source
	cache   *toolcache.Cache
}

// NewRegistry creates an empty tool registry. cache may be nil, which
// disables result caching.
func NewRegistry(cache *toolcache.Cache) *Registry {
	return &Registry{
		Store: registry.NewStore[*Entry](),
		cache: cache,
	}
}

// RegisterTool adapts a tool's schema and adds it to the registry.
// Tools with unsafe schemas are rejected; discovery loops treat that as
// exclude-and-continue.
func (r *Registry) RegisterTool(tool Tool) error {
	return r.registerTool(tool, "")
}

func (r *Registry) registerTool(tool Tool, source string) error {
	if tool == nil {
		return newRegistryError("register", "tool cannot be nil", nil)
	}
	name := tool.Name()
	if name == "" {
		return newRegistryError("register", "tool name cannot be empty", nil)
	}

	raw := tool.Schema()
	adapted, err := AdaptSchema(raw)
	if err != nil {
		return newRegistryError("register", fmt.Sprintf("tool %q has an unsafe schema", name), err)
	}

	entry := &Entry{
		Tool:   tool,
		Source: source,
		Definition: llms.ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  adapted,
		},
		required: requiredSet(raw),
	}
	if len(raw) > 0 {
		validator, err := compileValidator(name, raw)
		if err != nil {
			return newRegistryError("register", fmt.Sprintf("tool %q schema does not compile", name), err)
		}
		entry.validator = validator
	}

	if err := r.Register(name, entry); err != nil {
		return newRegistryError("register", fmt.Sprintf("tool %q", name), err)
	}
	slog.Debug("Registered tool", "tool", name, "source", source)
	return nil
}

// RegisterSource adds an external tool source for the next discovery
// pass.
func (r *Registry) RegisterSource(src Source) error {
	if src == nil {
		return newRegistryError("register_source", "source cannot be nil", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
	return nil
}

// DiscoverAll asks every registered source for its tools and registers
// them. A failing source or an excluded tool is logged and skipped so
// one bad server cannot take down the whole surface.
func (r *Registry) DiscoverAll(ctx context.Context) error {
	r.mu.Lock()
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.Unlock()

	registered, excluded := 0, 0
	for _, src := range sources {
		tools, err := src.Discover(ctx)
		if err != nil {
			slog.Warn("Tool discovery failed", "source", src.Name(), "error", err)
			continue
		}
		for _, tool := range tools {
			if err := r.registerTool(tool, src.Name()); err != nil {
				slog.Warn("Excluding tool", "source", src.Name(), "error", err)
				excluded++
				continue
			}
			registered++
		}
	}
	slog.Info("Tool discovery complete", "registered", registered, "excluded", excluded, "sources", len(sources))
	return ctx.Err()
}

// Close shuts down all registered sources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, src := range r.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing source %s: %w", src.Name(), err))
		}
	}
	r.sources = nil
	return errors.Join(errs...)
}

// Definitions returns the adapted, model-facing definitions in name
// order.
func (r *Registry) Definitions() []llms.ToolDefinition {
	names := r.Names()
	defs := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		if entry, ok := r.Get(name); ok {
			defs = append(defs, entry.Definition)
		}
	}
	return defs
}

// Invoke executes one tool call for a conversation. Arguments are
// validated against the tool's declared schema before execution, with
// null-valued optional arguments dropped first. Whitelisted tools are
// served from the result cache when a fresh, similar-enough entry
// exists, and successful results are stored back.
//
// Failures the model should react to, an unknown tool name or rejected
// arguments or the tool's own reported error, come back inside the
// Result. A non-nil error means infrastructure trouble.
func (r *Registry) Invoke(ctx context.Context, conversationID int64, call llms.ToolCall) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.Name),
			attribute.Int64(observability.AttrConversationID, conversationID),
		))
	defer span.End()

	entry, ok := r.Get(call.Name)
	if !ok {
		slog.Warn("Unknown tool requested", "tool", call.Name, "conversation_id", conversationID)
		return NewErrorResult("tool %q is not registered", call.Name), nil
	}

	// Null-valued optional arguments are the adapted schema's "absent";
	// drop them before validation so tools and cache keys never see
	// explicit nulls.
	args := pruneNullOptionals(call.Args, entry.required)

	if entry.validator != nil {
		if err := validateArgs(entry.validator, args); err != nil {
			observability.Global().RecordToolCall(ctx, call.Name, 0, err)
			return NewErrorResult("invalid arguments for %s: %v", call.Name, err), nil
		}
	}

	cacheable := r.cache != nil && r.cache.Cacheable(call.Name)
	if cacheable {
		if hit, ok := r.lookupCache(ctx, conversationID, call.Name, args); ok {
			span.SetAttributes(attribute.Bool(observability.AttrToolCached, true))
			observability.Global().RecordCacheHit(ctx, call.Name)
			slog.Debug("Tool cache hit", "tool", call.Name, "conversation_id", conversationID,
				"similarity", hit.Similarity, "age", hit.Age)
			return Result{
				Content:  hit.Entry.Result,
				ToolName: call.Name,
				Cached:   true,
				CacheAge: hit.Age,
				Metadata: hit.Entry.Metadata,
			}, nil
		}
		observability.Global().RecordCacheMiss(ctx, call.Name)
	}

	start := time.Now()
	res, err := entry.Tool.Invoke(WithConversationID(ctx, conversationID), args)
	duration := time.Since(start)

	metricErr := err
	if metricErr == nil && !res.Success() {
		metricErr = errors.New(res.Error)
	}
	observability.Global().RecordToolCall(ctx, call.Name, duration, metricErr)

	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("executing tool %s: %w", call.Name, err)
	}

	res.ToolName = call.Name
	res.ExecutionTime = duration

	if cacheable && res.Success() {
		if err := r.cache.Store(ctx, conversationID, call.Name, args, res.Content, res.Metadata); err != nil {
			slog.Warn("Failed to cache tool result", "tool", call.Name, "error", err)
		}
	}
	return res, nil
}

// lookupCache probes the result cache for a fresh entry matching this
// call. Cache trouble is logged and treated as a miss.
func (r *Registry) lookupCache(ctx context.Context, conversationID int64, tool string, args map[string]any) (toolcache.Hit, bool) {
	query, err := toolcache.Descriptor(tool, args)
	if err != nil {
		slog.Warn("Failed to build cache query", "tool", tool, "error", err)
		return toolcache.Hit{}, false
	}
	hits, err := r.cache.Search(ctx, conversationID, query, toolcache.SearchOptions{Tool: tool, K: 1})
	if err != nil {
		slog.Warn("Tool cache search failed", "tool", tool, "error", err)
		return toolcache.Hit{}, false
	}
	if len(hits) == 0 || hits[0].Stale {
		return toolcache.Hit{}, false
	}
	return hits[0], true
}

// pruneNullOptionals drops null-valued arguments that the schema does
// not require. The input map is left untouched.
func pruneNullOptionals(args map[string]any, required map[string]struct{}) map[string]any {
	needsPrune := false
	for k, v := range args {
		if v == nil {
			if _, isRequired := required[k]; !isRequired {
				needsPrune = true
				break
			}
		}
	}
	if !needsPrune {
		return args
	}

	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			if _, isRequired := required[k]; !isRequired {
				continue
			}
		}
		cleaned[k] = v
	}
	return cleaned
}

func validateArgs(validator *jsonschema.Schema, args map[string]any) error {
	normalized, err := normalizeJSON(args)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return validator.Validate(normalized)
}

// compileValidator compiles a tool's raw schema for argument
// validation.
func compileValidator(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalizeJSON(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeJSON round-trips a value through JSON so the validator sees
// the same shapes it would from the wire.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

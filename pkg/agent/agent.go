// Package agent provides the per-invocation sub-agents the supervisor
// delegates work to: a shell execution agent, a software engineering
// variant with documentation introspection, and a parallel batch
// executor. Agents are built fresh for every task and never reused.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/contextbuilder"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/tools"
)

const tracerName = "munshi/pkg/agent"

// Agent kinds, as reported in events and spans.
const (
	KindBash                = "bash"
	KindSoftwareEngineering = "swe"
	KindParallelExecutor    = "parallel_executor"
)

// EventAgentToolCall is emitted for every tool call a sub-agent makes.
const EventAgentToolCall = "agent_tool_call"

// defaultMaxTurns bounds a sub-agent's tool-call loop.
const defaultMaxTurns = 25

// EmitFunc receives agent lifecycle events. A nil EmitFunc drops them.
type EmitFunc func(event string, payload map[string]any)

// ToolInvoker is the slice of the tool registry agents dispatch shared
// tools through. *tools.Registry satisfies it.
type ToolInvoker interface {
	Definitions() []llms.ToolDefinition
	Invoke(ctx context.Context, conversationID int64, call llms.ToolCall) (tools.Result, error)
}

// Registry tools each agent kind may see. The bash tool itself is
// agent-local and never goes through the registry.
var (
	bashRegistryTools = []string{"task_status", "set_conversation_topic"}
	sweRegistryTools  = []string{"task_status", "set_conversation_topic", "search_docs"}
)

const bashRole = `You are a shell execution agent for an e-commerce operations assistant.
You complete file, git, and system tasks by running commands through the bash tool.
Keep commands small and observable, check results before moving on, and report
actual command output rather than assumptions.`

const sweRole = `You are a software engineering agent for an e-commerce operations assistant.
You create and refactor automation tooling. Inspect existing code and documentation
with search_docs before changing anything, make focused edits through the bash tool,
and verify your work by running it.`

// Factory builds agents from a context bundle and a task.
type Factory struct {
	cfg     config.AgentsConfig
	llm     llms.LLMProvider
	invoker ToolInvoker
}

// NewFactory creates an agent factory. The invoker may be nil, in which
// case agents run with their local tools only.
func NewFactory(cfg config.AgentsConfig, llm llms.LLMProvider, invoker ToolInvoker) (*Factory, error) {
	if llm == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agents config: %w", err)
	}
	return &Factory{cfg: cfg, llm: llm, invoker: invoker}, nil
}

// NewBash builds a shell execution agent for one task.
func (f *Factory) NewBash(bundle *contextbuilder.Bundle, emit EmitFunc) (*Agent, error) {
	return f.newShellAgent(KindBash, bashRole, bundle, bashRegistryTools, emit)
}

// NewSoftwareEngineering builds the bash agent variant with
// documentation introspection, used for tool creation and refactoring.
func (f *Factory) NewSoftwareEngineering(bundle *contextbuilder.Bundle, emit EmitFunc) (*Agent, error) {
	return f.newShellAgent(KindSoftwareEngineering, sweRole, bundle, sweRegistryTools, emit)
}

func (f *Factory) newShellAgent(kind, role string, bundle *contextbuilder.Bundle, registryTools []string, emit EmitFunc) (*Agent, error) {
	if bundle == nil {
		return nil, fmt.Errorf("context bundle is required")
	}

	bash, err := newBashTool(f.cfg.Bash, bundle.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", kind, err)
	}

	a := &Agent{
		kind:     kind,
		llm:      f.llm,
		invoker:  f.invoker,
		local:    map[string]tools.Tool{bash.Name(): bash},
		system:   Instructions(role, bundle),
		convID:   bundle.ConversationID,
		maxTurns: defaultMaxTurns,
		emit:     emit,
	}
	if err := a.buildDefinitions(registryTools); err != nil {
		return nil, fmt.Errorf("%s agent: %w", kind, err)
	}
	return a, nil
}

// Instructions renders an agent system prompt: the role preamble, the
// context bundle text, and the autonomy mode appended last so it reads
// as the operative instruction.
func Instructions(role string, bundle *contextbuilder.Bundle) string {
	autonomy := config.AutonomyMedium
	contextText := ""
	if bundle != nil {
		autonomy = config.ParseAutonomy(string(bundle.Autonomy))
		contextText = strings.TrimSpace(bundle.Text)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(role))
	if contextText != "" {
		b.WriteString("\n\n")
		b.WriteString(contextText)
	}
	b.WriteString("\n\n## Execution Mode\n")
	b.WriteString(autonomyPreamble(autonomy))
	return b.String()
}

func autonomyPreamble(level config.Autonomy) string {
	switch level {
	case config.AutonomyHigh:
		return "Autonomy is high: act immediately and report what was done. Do not ask for confirmation."
	case config.AutonomyLow:
		return "Autonomy is low: before any write or state-changing command, stop and ask the operator to confirm."
	default:
		return "Autonomy is medium: proceed with reads and reversible changes, but ask before destructive or hard-to-undo operations."
	}
}

// Agent runs an LLM tool-call loop with a fixed toolset until the model
// answers without requesting tools.
type Agent struct {
	kind     string
	llm      llms.LLMProvider
	invoker  ToolInvoker
	local    map[string]tools.Tool
	defs     []llms.ToolDefinition
	system   string
	convID   int64
	maxTurns int
	emit     EmitFunc
}

// Name returns the agent kind.
func (a *Agent) Name() string { return a.kind }

// buildDefinitions assembles the model-visible toolset: local tools run
// through the same schema adaptation the registry applies, then the
// allowed subset of registry tools, which arrive already adapted.
func (a *Agent) buildDefinitions(registryTools []string) error {
	for _, tool := range a.local {
		schema, err := tools.AdaptSchema(tool.Schema())
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", tool.Name(), err)
		}
		a.defs = append(a.defs, llms.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schema,
		})
	}

	if a.invoker == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(registryTools))
	for _, name := range registryTools {
		allowed[name] = struct{}{}
	}
	for _, def := range a.invoker.Definitions() {
		if _, ok := allowed[def.Name]; ok {
			a.defs = append(a.defs, def)
		}
	}
	return nil
}

// Run executes the task and returns the agent's final answer.
func (a *Agent) Run(ctx context.Context, task string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanAgentRun,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentKind, a.kind),
			attribute.Int64(observability.AttrConversationID, a.convID),
		))
	defer span.End()

	messages := []*llms.Message{
		llms.NewSystemMessage(a.system),
		llms.NewUserMessage(task),
	}

	for turn := 0; turn < a.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return "", err
		}

		text, calls, _, err := a.llm.Generate(ctx, messages, a.defs)
		if err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("%s agent: model call: %w", a.kind, err)
		}
		if len(calls) == 0 {
			return text, nil
		}

		messages = append(messages, llms.NewToolCallMessage(text, calls...))
		results := make([]*llms.ToolResult, len(calls))
		for i, call := range calls {
			a.emitEvent(EventAgentToolCall, map[string]any{
				"agent": a.kind,
				"tool":  call.Name,
			})
			res, err := a.dispatch(ctx, call)
			if err != nil {
				span.RecordError(err)
				return "", fmt.Errorf("%s agent: tool %s: %w", a.kind, call.Name, err)
			}
			results[i] = &llms.ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    res.Content,
				Error:      res.Error,
			}
		}
		messages = append(messages, llms.NewToolResultMessage(results...))
	}

	err := fmt.Errorf("%s agent: no final answer after %d turns", a.kind, a.maxTurns)
	span.RecordError(err)
	return "", err
}

// dispatch routes a tool call to the agent-local tool or the shared
// registry. Tools outside the agent's set come back as a model-visible
// error so the model can correct itself.
func (a *Agent) dispatch(ctx context.Context, call *llms.ToolCall) (tools.Result, error) {
	if tool, ok := a.local[call.Name]; ok {
		return tool.Invoke(ctx, call.Args)
	}
	if a.invoker == nil || !a.knowsTool(call.Name) {
		return tools.NewErrorResult("unknown tool: %s", call.Name), nil
	}
	return a.invoker.Invoke(ctx, a.convID, *call)
}

func (a *Agent) knowsTool(name string) bool {
	for _, def := range a.defs {
		if def.Name == name {
			return true
		}
	}
	return false
}

func (a *Agent) emitEvent(event string, payload map[string]any) {
	if a.emit != nil {
		a.emit(event, payload)
	}
}

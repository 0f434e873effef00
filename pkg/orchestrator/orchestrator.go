// Package orchestrator drives one user turn end to end. The supervisor
// resolves the conversation, classifies intent and bulk shape, builds
// the tiered context, then loops the supervising model over streamed
// turns, serialized tool calls, and sub-agent dispatch until the
// guardrails let the run finish. Exactly one run is active per
// conversation; overlap is rejected with ErrBusy, and a running turn
// can be aborted through Interrupt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/munshi-ai/munshi/pkg/agent"
	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/chokidar"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/contextbuilder"
	"github.com/munshi-ai/munshi/pkg/conversation"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/tools"
	"github.com/munshi-ai/munshi/pkg/usage"
)

const tracerName = "munshi/pkg/orchestrator"

// ErrBusy rejects a run for a conversation that already has one active.
// Overlapping turns must queue at the transport layer instead.
var ErrBusy = errors.New("conversation busy")

// State names one phase of a run.
type State string

const (
	StateIdle            State = "idle"
	StateBuildingContext State = "building_context"
	StateDispatching     State = "dispatching"
	StateStreaming       State = "streaming"
	StateContinuing      State = "continuing"
	StateInterrupted     State = "interrupted"
	StateFailed          State = "failed"
	StateDone            State = "done"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateInterrupted, StateFailed, StateDone:
		return true
	}
	return false
}

// EventBus is the slice of the SSE bus the supervisor publishes on.
// *events.Bus satisfies it.
type EventBus interface {
	Bind(conversationID int64, userID string)
	Emit(conversationID int64, event string, payload any)
	Close(conversationID int64)
}

// Deps are the components a supervisor drives. LLM, Conversations,
// Context, Guard, Agents, and Bus are required. Tools may be nil when
// no shared registry is configured, Checkpoints may be nil to skip
// bulk-progress resume, and Usage may be nil to run without budgets.
type Deps struct {
	LLM           llms.LLMProvider
	Conversations *conversation.Manager
	Context       *contextbuilder.Builder
	Guard         *chokidar.Guard
	Agents        *agent.Factory
	Tools         agent.ToolInvoker
	Checkpoints   *checkpoint.Store
	Bus           EventBus
	Usage         *usage.Meter
}

// Supervisor owns the run lifecycle for every conversation.
type Supervisor struct {
	cfg         config.OrchestratorConfig
	llm         llms.LLMProvider
	conv        *conversation.Manager
	builder     *contextbuilder.Builder
	guard       *chokidar.Guard
	agents      *agent.Factory
	tools       agent.ToolInvoker
	checkpoints *checkpoint.Store
	bus         EventBus
	usage       *usage.Meter

	agentDefs     []llms.ToolDefinition
	intentSchema  map[string]any
	extractSchema map[string]any

	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

// NewSupervisor builds the supervisor, its agent-dispatch tool
// definitions, and the classifier schemas.
func NewSupervisor(cfg config.OrchestratorConfig, deps Deps) (*Supervisor, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("orchestrator: llm provider is required")
	}
	if deps.Conversations == nil {
		return nil, fmt.Errorf("orchestrator: conversation manager is required")
	}
	if deps.Context == nil {
		return nil, fmt.Errorf("orchestrator: context builder is required")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("orchestrator: guard is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("orchestrator: agent factory is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("orchestrator: event bus is required")
	}

	intentSchema, err := tools.GenerateSchema[intentVerdict]()
	if err != nil {
		return nil, fmt.Errorf("intent verdict schema: %w", err)
	}
	extractSchema, err := tools.GenerateSchema[itemExtraction]()
	if err != nil {
		return nil, fmt.Errorf("item extraction schema: %w", err)
	}

	return &Supervisor{
		cfg:           cfg,
		llm:           deps.LLM,
		conv:          deps.Conversations,
		builder:       deps.Context,
		guard:         deps.Guard,
		agents:        deps.Agents,
		tools:         deps.Tools,
		checkpoints:   deps.Checkpoints,
		bus:           deps.Bus,
		usage:         deps.Usage,
		agentDefs:     agentToolDefinitions(),
		intentSchema:  intentSchema,
		extractSchema: extractSchema,
		active:        make(map[int64]context.CancelFunc),
	}, nil
}

// structuredLLM returns the provider when it can enforce JSON schemas.
func (s *Supervisor) structuredLLM() (llms.StructuredOutputProvider, bool) {
	sp, ok := s.llm.(llms.StructuredOutputProvider)
	if !ok || !sp.SupportsStructuredOutput() {
		return nil, false
	}
	return sp, true
}

// register installs the run's cancel function, enforcing the
// one-active-run-per-conversation invariant.
func (s *Supervisor) register(conversationID int64, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[conversationID]; exists {
		return fmt.Errorf("%w: conversation %d already has an active run", ErrBusy, conversationID)
	}
	s.active[conversationID] = cancel
	return nil
}

func (s *Supervisor) unregister(conversationID int64) {
	s.mu.Lock()
	delete(s.active, conversationID)
	s.mu.Unlock()
}

// Interrupt aborts the conversation's active run. The cancellation
// propagates to the current tool call and every spawned sub-agent; the
// run itself converts the abort into a terminal interrupted event.
// Returns false when no run is active.
func (s *Supervisor) Interrupt(conversationID int64) bool {
	s.mu.Lock()
	cancel, ok := s.active[conversationID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	// Cancel outside the lock; the run unregisters itself on exit.
	cancel()
	return true
}

// ActiveRuns reports how many conversations currently have a run.
func (s *Supervisor) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// SetLimits swaps the run limits. Active runs keep the budgets they
// started with; the next Run picks up the new values.
func (s *Supervisor) SetLimits(cfg config.OrchestratorConfig) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) limits() config.OrchestratorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// toolDefinitions merges the agent-dispatch tools with the shared
// registry's definitions.
func (s *Supervisor) toolDefinitions() []llms.ToolDefinition {
	defs := append([]llms.ToolDefinition(nil), s.agentDefs...)
	if s.tools != nil {
		defs = append(defs, s.tools.Definitions()...)
	}
	return defs
}

// Package chokidar implements the guardrail layer around supervisor
// runs. The input guard classifies incoming requests for bulk intent
// before the model sees them; the output guard inspects each assistant
// turn of an active bulk operation and catches the announce-and-stop
// failure, where the model promises further work and then halts.
// Neither guard ever blocks a request: every classification failure
// degrades to a heuristic verdict.
package chokidar

import (
	"context"
	"fmt"
	"sync"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/tools"
)

const tracerName = "munshi/pkg/chokidar"

// InputVerdict is the input guard's classification of one incoming
// request.
type InputVerdict struct {
	IsBulkOperation bool   `json:"isBulkOperation" jsonschema:"required,description=Whether the request repeats one operation over many items"`
	ExpectedItems   int    `json:"expectedItems" jsonschema:"required,description=Estimated number of affected items; 0 when unknown"`
	OperationType   string `json:"operationType" jsonschema:"required,description=Short snake_case label such as discount_removal or price_update"`
	Reasoning       string `json:"reasoning" jsonschema:"required,description=One sentence explaining the classification"`
}

// OutputVerdict is the output guard's classification of one assistant
// turn inside an active bulk operation.
type OutputVerdict struct {
	IsAnnounceAndStop bool   `json:"isAnnounceAndStop" jsonschema:"required,description=The message only announces or promises further work"`
	HasActualWork     bool   `json:"hasActualWork" jsonschema:"required,description=The message reports operations concretely performed this turn"`
	IsComplete        bool   `json:"isComplete" jsonschema:"required,description=The whole bulk operation is finished"`
	ProgressCount     int    `json:"progressCount" jsonschema:"required,description=Total items reported as processed so far; 0 when unstated"`
	Reasoning         string `json:"reasoning" jsonschema:"required,description=One sentence explaining the classification"`
}

// Action is the output guard's decision for one assistant turn.
type Action int

const (
	// ActionPass lets the turn through unchanged.
	ActionPass Action = iota

	// ActionComplete passes the turn through and ends bulk tracking.
	ActionComplete

	// ActionTrip reports announce-and-stop without work; the supervisor
	// should retry with a continuation prompt.
	ActionTrip
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionTrip:
		return "trip"
	default:
		return "pass"
	}
}

// ProgressRecorder appends bulk progress checkpoints. *checkpoint.Store
// satisfies it.
type ProgressRecorder interface {
	AppendCheckpoint(ctx context.Context, conversationID int64, cp checkpoint.Checkpoint) (int64, error)
}

// Guard runs both chokidar classifiers.
type Guard struct {
	mu          sync.RWMutex
	cfg         config.GuardrailsConfig
	llm         llms.LLMProvider
	checkpoints ProgressRecorder

	inputSchema  map[string]any
	outputSchema map[string]any
}

// New builds the guard. llm powers the classifiers; a nil provider, or
// one without structured output, degrades both guards to their
// heuristic verdicts. checkpoints may be nil, which skips progress
// persistence.
func New(cfg config.GuardrailsConfig, llm llms.LLMProvider, checkpoints ProgressRecorder) (*Guard, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}
	inputSchema, err := tools.GenerateSchema[InputVerdict]()
	if err != nil {
		return nil, fmt.Errorf("input verdict schema: %w", err)
	}
	outputSchema, err := tools.GenerateSchema[OutputVerdict]()
	if err != nil {
		return nil, fmt.Errorf("output verdict schema: %w", err)
	}
	return &Guard{
		cfg:          cfg,
		llm:          llm,
		checkpoints:  checkpoints,
		inputSchema:  inputSchema,
		outputSchema: outputSchema,
	}, nil
}

// MaxRetries is the continuation attempt budget for tripwire handling.
func (g *Guard) MaxRetries() int { return g.config().MaxRetries }

// SetConfig swaps the guard configuration. Classifications already in
// flight finish under the settings they started with.
func (g *Guard) SetConfig(cfg config.GuardrailsConfig) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("guardrails: %w", err)
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}

func (g *Guard) config() config.GuardrailsConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// structuredLLM returns the provider when it can enforce JSON schemas.
func (g *Guard) structuredLLM() (llms.StructuredOutputProvider, bool) {
	sp, ok := g.llm.(llms.StructuredOutputProvider)
	if !ok || !sp.SupportsStructuredOutput() {
		return nil, false
	}
	return sp, true
}

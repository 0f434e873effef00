package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/munshi-ai/munshi/pkg/agent"
	"github.com/munshi-ai/munshi/pkg/llms"
)

// Sub-agent dispatch tools the supervising model sees alongside the
// shared registry.
const (
	toolSpawnBash         = "spawn_bash"
	toolSpawnSWE          = "spawn_swe"
	toolSpawnParallelBash = "spawn_parallel_bash"
	toolSpawnParallelSWE  = "spawn_parallel_swe"
)

func isAgentTool(name string) bool {
	switch name {
	case toolSpawnBash, toolSpawnSWE, toolSpawnParallelBash, toolSpawnParallelSWE:
		return true
	}
	return false
}

func agentToolDefinitions() []llms.ToolDefinition {
	task := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete, self-contained task description for the sub-agent.",
			},
		},
		"required": []any{"task"},
	}
	batch := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"description": "The operation to apply to every item.",
			},
			"items": map[string]any{
				"type":        "array",
				"description": "Item identifiers to process, usually SKUs.",
				"items":       map[string]any{"type": "string"},
			},
			"dry_run": map[string]any{
				"type":        "boolean",
				"description": "Report what would run without executing anything.",
			},
		},
		"required": []any{"operation", "items"},
	}
	return []llms.ToolDefinition{
		{
			Name:        toolSpawnBash,
			Description: "Run a shell execution sub-agent on one task and return its final answer.",
			Parameters:  task,
		},
		{
			Name:        toolSpawnSWE,
			Description: "Run a software engineering sub-agent on one task; it can also search documentation.",
			Parameters:  task,
		},
		{
			Name:        toolSpawnParallelBash,
			Description: "Run one operation over 10 to 50 items concurrently with shell workers; results keep input order.",
			Parameters:  batch,
		},
		{
			Name:        toolSpawnParallelSWE,
			Description: "Run one operation over 10 to 50 items concurrently with software engineering workers; results keep input order.",
			Parameters:  batch,
		},
	}
}

// runAgentTool dispatches one spawn_* call. Sub-agent tool calls reach
// the conversation stream through the factory's emit hook; batch
// outcomes fold into bulk tracking here, keeping the supervisor the
// single progress writer.
func (s *Supervisor) runAgentTool(ctx context.Context, r *run, call *llms.ToolCall) (string, error) {
	emit := func(event string, payload map[string]any) {
		s.bus.Emit(r.conv.ID, event, payload)
	}

	switch call.Name {
	case toolSpawnBash, toolSpawnSWE:
		task, _ := stringArg(call.Args, "task")
		if strings.TrimSpace(task) == "" {
			return "", fmt.Errorf("task is required")
		}
		var sub *agent.Agent
		var err error
		if call.Name == toolSpawnSWE {
			sub, err = s.agents.NewSoftwareEngineering(r.bundle, emit)
		} else {
			sub, err = s.agents.NewBash(r.bundle, emit)
		}
		if err != nil {
			return "", err
		}
		return sub.Run(ctx, task)

	case toolSpawnParallelBash, toolSpawnParallelSWE:
		req, err := batchRequest(call.Args)
		if err != nil {
			return "", err
		}
		if call.Name == toolSpawnParallelSWE {
			operation := req.Operation
			req.Worker = func(ctx context.Context, item string) (string, error) {
				sub, err := s.agents.NewSoftwareEngineering(r.bundle, emit)
				if err != nil {
					return "", err
				}
				return sub.Run(ctx, fmt.Sprintf("Item: %s\n\nPerform this operation on the item above: %s", item, operation))
			}
		}
		exec, err := s.agents.NewParallelExecutor(r.bundle, req, emit)
		if err != nil {
			return "", err
		}
		res, err := exec.Run(ctx)
		if res != nil {
			s.recordBatch(r, res)
		}
		if err != nil {
			return "", err
		}
		return res.Summary(), nil

	default:
		return "", fmt.Errorf("unknown agent tool %q", call.Name)
	}
}

// recordBatch folds a parallel batch outcome into bulk tracking.
func (s *Supervisor) recordBatch(r *run, res *agent.BatchResult) {
	if !r.bulk.Active() || res.DryRun {
		return
	}
	r.bulk.MarkCompleted(res.CompletedItems()...)
	r.bulk.MarkFailed(res.FailedItems()...)
}

func batchRequest(args map[string]any) (agent.BatchRequest, error) {
	operation, _ := stringArg(args, "operation")
	if strings.TrimSpace(operation) == "" {
		return agent.BatchRequest{}, fmt.Errorf("operation is required")
	}
	items, err := stringSliceArg(args, "items")
	if err != nil {
		return agent.BatchRequest{}, err
	}
	dryRun, _ := boolArg(args, "dry_run")
	return agent.BatchRequest{Operation: operation, Items: items, DryRun: dryRun}, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	if typed, ok := args[key].([]string); ok {
		return typed, nil
	}
	raw, ok := args[key].([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

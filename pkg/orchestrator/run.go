package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/agent"
	"github.com/munshi-ai/munshi/pkg/chokidar"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/contextbuilder"
	"github.com/munshi-ai/munshi/pkg/conversation"
	"github.com/munshi-ai/munshi/pkg/events"
	"github.com/munshi-ai/munshi/pkg/httpclient"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/usage"
)

const (
	// historyLimit caps how many prior turns seed the model context.
	historyLimit = 50

	// interruptedMessage is the terminal text of an aborted run.
	interruptedMessage = "Execution was interrupted by user"

	// defaultRetryWait backs off an overloaded provider that sent no
	// Retry-After.
	defaultRetryWait = 120 * time.Second
)

const supervisorRole = `You are the supervising orchestrator for an e-commerce operations assistant.
You plan the work, keep the task list current, and delegate execution: spawn_bash
for shell tasks, spawn_swe for tooling work, and the spawn_parallel variants for
batches of ten or more items. Track every item of a bulk operation until it is
completed or failed, report concrete results with identifiers and counts, and
never announce work you have not performed.`

// RunRequest is one user turn to execute.
type RunRequest struct {
	// ConversationID selects the thread. Zero starts a new one.
	ConversationID int64

	UserID string

	// Text is the user's message.
	Text string

	// AdditionalContext carries attachment text extracted upstream. It
	// feeds both the context bundle and bulk item extraction.
	AdditionalContext string

	// Attachments are image parts forwarded with the user message so
	// vision-capable models see them.
	Attachments []llms.ContentPart

	// Autonomy, when set, skips intent classification and forces the
	// level.
	Autonomy config.Autonomy

	// Started, when set, is called once the run owns the conversation
	// and before the first frame is emitted. The HTTP layer subscribes
	// to the conversation's event stream inside this hook so it never
	// misses a frame.
	Started func(conversationID int64, created bool)
}

// RunResult reports how a run ended.
type RunResult struct {
	ConversationID int64
	Created        bool
	State          State
	Output         string
	Autonomy       config.Autonomy
	BulkDetected   bool
	Turns          int
	Tokens         int
}

// run is the mutable state of one active turn.
type run struct {
	req     RunRequest
	conv    *conversation.Conversation
	created bool

	state    State
	autonomy config.Autonomy
	history  []*llms.Message
	bundle   *contextbuilder.Bundle
	bulk     *chokidar.BulkState

	// bulkDetected survives bulk.Clear so the terminal record still
	// reports the run's mode.
	bulkDetected bool

	turns    int
	tokens   int
	maxTurns int
	output   string
}

func (r *run) setState(next State) {
	if r.state == next {
		return
	}
	slog.Debug("Run state change", "conversation_id", r.conv.ID, "from", r.state, "to", next)
	r.state = next
}

func (r *run) mode() string {
	if r.bulkDetected {
		return "bulk"
	}
	return "standard"
}

// Run executes one user turn end to end and blocks until the run
// reaches a terminal state. Progress streams on the event bus as it
// happens; the returned result is the durable summary. A second Run
// for the same conversation fails with ErrBusy while the first is
// active. The returned error is non-nil only for failed runs; an
// interrupted run reports StateInterrupted with a nil error.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, fmt.Errorf("orchestrator: request text is empty")
	}

	// Budget denial happens before the conversation is touched, so a
	// rejected run creates nothing and emits nothing.
	if s.usage != nil {
		if err := s.usage.Allow(req.UserID); err != nil {
			return nil, err
		}
	}

	conv, created, err := s.conv.Resolve(ctx, req.ConversationID, req.UserID, req.Text)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout := s.limits().RunTimeout; timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Claim the conversation before anything observable happens so a
	// rejected caller sees no events and no partial state.
	if err := s.register(conv.ID, cancel); err != nil {
		return nil, err
	}
	defer s.unregister(conv.ID)

	started := time.Now()
	runCtx, span := otel.Tracer(tracerName).Start(runCtx, observability.SpanRun,
		trace.WithAttributes(attribute.Int64(observability.AttrConversationID, conv.ID)))
	defer span.End()

	r := &run{
		req:     req,
		conv:    conv,
		created: created,
		state:   StateIdle,
		bulk:    chokidar.NewBulkState(conv.ID),
	}

	s.bus.Bind(conv.ID, req.UserID)
	if req.Started != nil {
		req.Started(conv.ID, created)
	}
	s.emit(r, events.EventStart, map[string]any{"conversation_id": conv.ID, "created": created})
	s.emit(r, events.EventConversationID, map[string]any{"conversation_id": conv.ID})

	if err := s.prepare(runCtx, r); err != nil {
		return s.complete(runCtx, r, started, span, err)
	}

	output, runErr := s.loop(runCtx, r)
	r.output = output
	return s.complete(runCtx, r, started, span, runErr)
}

// prepare stages the run: snapshot history, persist the user turn,
// settle autonomy, build the context bundle, and classify bulk shape.
func (s *Supervisor) prepare(ctx context.Context, r *run) error {
	history, err := s.loadHistory(ctx, r.conv.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	r.history = history

	if _, err := s.conv.AddMessage(ctx, r.conv.ID, conversation.RoleUser, r.req.Text); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	r.setState(StateBuildingContext)
	in := s.analyzeIntent(ctx, r)
	r.autonomy = in.Autonomy

	bundle, err := s.builder.Build(ctx, contextbuilder.Request{
		Task:              r.req.Text,
		ConversationID:    r.conv.ID,
		UserID:            r.req.UserID,
		Autonomy:          r.autonomy,
		History:           r.history,
		AdditionalContext: r.req.AdditionalContext,
	})
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	r.bundle = bundle

	limits := s.limits()
	verdict := s.guard.ClassifyInput(ctx, r.req.Text)
	if verdict != nil && verdict.IsBulkOperation {
		r.bulkDetected = true
		r.maxTurns = limits.MaxTurnsBulk
		s.armBulk(ctx, r, verdict)
	} else {
		r.maxTurns = limits.MaxTurnsStandard
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(observability.AttrRunMode, r.mode()))
	s.emit(r, events.EventAgentProcessing, map[string]any{
		"mode":      string(r.bundle.Mode),
		"autonomy":  string(r.autonomy),
		"bulk":      r.bulkDetected,
		"max_turns": r.maxTurns,
	})
	return nil
}

// loadHistory snapshots the conversation's prior turns. It runs before
// the incoming message is appended so the seed does not duplicate it.
func (s *Supervisor) loadHistory(ctx context.Context, conversationID int64) ([]*llms.Message, error) {
	msgs, err := s.conv.ListMessages(ctx, conversationID, historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]*llms.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == conversation.RoleAssistant {
			out = append(out, llms.NewAssistantMessage(m.Content))
		} else {
			out = append(out, llms.NewUserMessage(m.Content))
		}
	}
	return out, nil
}

// loop drives the supervising model until it produces a final answer
// the output guard accepts, the turn ceiling hits, or a hard failure
// or abort ends the run. Tool and sub-agent errors stay model-visible
// and never terminate the loop.
func (s *Supervisor) loop(ctx context.Context, r *run) (string, error) {
	messages := s.seedMessages(r)
	defs := s.toolDefinitions()

	var response string
	for r.turns < r.maxTurns {
		if err := ctx.Err(); err != nil {
			return response, err
		}
		r.turns++
		r.setState(StateDispatching)

		text, calls, tokens, err := s.streamTurn(ctx, r, messages, defs)
		if err != nil {
			var retryable *httpclient.RetryableError
			if errors.As(err, &retryable) {
				wait := retryable.RetryAfter
				if wait <= 0 {
					wait = defaultRetryWait
				}
				slog.Warn("Model overloaded, backing off",
					"conversation_id", r.conv.ID, "wait", wait, "error", err)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return response, ctx.Err()
				}
				text, calls, tokens, err = s.streamTurn(ctx, r, messages, defs)
			}
			if err != nil {
				return response, fmt.Errorf("model turn %d: %w", r.turns, err)
			}
		}
		r.tokens += tokens
		observability.Global().RecordTurn(ctx, r.mode())

		if len(calls) > 0 {
			messages = append(messages, llms.NewToolCallMessage(text, calls...))
			response = appendSegment(response, text)
			results := s.executeCalls(ctx, r, calls)
			if err := ctx.Err(); err != nil {
				return response, err
			}
			messages = append(messages, llms.NewToolResultMessage(results...))
			continue
		}

		if text == "" {
			continue
		}

		action, verdict := s.guard.CheckOutput(ctx, r.bulk, text)
		if action == chokidar.ActionTrip {
			retries := r.bulk.IncRetries()
			preserved := s.guard.PreserveText(text)
			response = appendSegment(response, preserved)
			if retries > s.guard.MaxRetries() {
				slog.Warn("Continuation attempts exhausted",
					"conversation_id", r.conv.ID, "retries", retries)
				return appendSegment(response, terminationNotice(r)), nil
			}
			r.setState(StateContinuing)
			slog.Info("Premature stop detected, continuing",
				"conversation_id", r.conv.ID, "retry", retries, "reason", verdict.Reasoning)
			s.emit(r, events.EventAgentStatus, map[string]any{
				"status": "guardrail_enforced",
				"retry":  retries,
			})
			messages = append(messages,
				llms.NewAssistantMessage(text),
				llms.NewUserMessage(s.guard.ContinuationPrompt(r.bulk, preserved)))
			continue
		}

		return appendSegment(response, text), nil
	}

	slog.Warn("Run hit its turn ceiling", "conversation_id", r.conv.ID, "turns", r.turns)
	return response, nil
}

func (s *Supervisor) seedMessages(r *run) []*llms.Message {
	messages := make([]*llms.Message, 0, len(r.history)+2)
	messages = append(messages, llms.NewSystemMessage(agent.Instructions(supervisorRole, r.bundle)))
	messages = append(messages, r.history...)

	current := llms.NewUserMessage(r.req.Text)
	if len(r.req.Attachments) > 0 {
		parts := make([]llms.ContentPart, 0, len(r.req.Attachments)+1)
		parts = append(parts, llms.ContentPart{Type: llms.ContentPartText, Text: r.req.Text})
		parts = append(parts, r.req.Attachments...)
		current = &llms.Message{Role: llms.RoleUser, Parts: parts}
	}
	messages = append(messages, current)
	return messages
}

// streamTurn runs one streamed model call, forwarding text deltas to
// the conversation's event stream as they arrive.
func (s *Supervisor) streamTurn(ctx context.Context, r *run, messages []*llms.Message, defs []llms.ToolDefinition) (string, []*llms.ToolCall, int, error) {
	stream, err := s.llm.GenerateStreaming(ctx, messages, defs)
	if err != nil {
		return "", nil, 0, err
	}
	r.setState(StateStreaming)

	var (
		text   strings.Builder
		calls  []*llms.ToolCall
		tokens int
	)
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			if chunk.Text == "" {
				continue
			}
			text.WriteString(chunk.Text)
			s.emit(r, events.EventAssistantDelta, map[string]any{"text": chunk.Text})
		case llms.ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, chunk.ToolCall)
			}
		case llms.ChunkDone:
			tokens = chunk.Tokens
		case llms.ChunkError:
			return text.String(), calls, tokens, chunk.Error
		}
	}
	return text.String(), calls, tokens, ctx.Err()
}

// executeCalls runs the turn's tool calls in order. Failures come back
// as model-visible results; only cancellation cuts the sequence short.
func (s *Supervisor) executeCalls(ctx context.Context, r *run, calls []*llms.ToolCall) []*llms.ToolResult {
	results := make([]*llms.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return results
		}
		s.emit(r, events.EventToolCall, map[string]any{"id": call.ID, "name": call.Name})

		res := &llms.ToolResult{ToolCallID: call.ID, ToolName: call.Name}
		switch {
		case isAgentTool(call.Name):
			out, err := s.runAgentTool(ctx, r, call)
			if err != nil {
				res.Content = fmt.Sprintf("Error: %v", err)
			} else {
				res.Content = out
			}
		case s.tools != nil:
			out, err := s.tools.Invoke(ctx, r.conv.ID, *call)
			if err != nil {
				res.Content = fmt.Sprintf("Error: %v", err)
			} else {
				res.Content = out.Content
				res.Error = out.Error
			}
		default:
			res.Content = fmt.Sprintf("Error: unknown tool %q", call.Name)
		}
		results = append(results, res)
	}
	return results
}

// complete settles the run: persist the assistant turn, emit exactly
// one terminal event, close the stream, and record the outcome. The
// persistence context is detached from the run's so an aborted run
// still leaves a durable record.
func (s *Supervisor) complete(ctx context.Context, r *run, started time.Time, span trace.Span, runErr error) (*RunResult, error) {
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		r.setState(StateInterrupted)
	case runErr != nil:
		r.setState(StateFailed)
	default:
		r.setState(StateDone)
	}

	if r.output != "" {
		if _, err := s.conv.AddMessage(persistCtx, r.conv.ID, conversation.RoleAssistant, r.output); err != nil {
			if r.state == StateDone {
				runErr = fmt.Errorf("persist assistant message: %w", err)
				r.setState(StateFailed)
			} else {
				slog.Error("Assistant message not persisted",
					"conversation_id", r.conv.ID, "error", err)
			}
		}
	}

	switch r.state {
	case StateInterrupted:
		if r.output == "" {
			r.output = interruptedMessage
		}
		s.emit(r, events.EventInterrupted, map[string]any{
			"message": interruptedMessage,
			"turns":   r.turns,
			"tokens":  r.tokens,
		})
	case StateFailed:
		s.emit(r, events.EventError, map[string]any{"error": runErr.Error()})
	default:
		s.emit(r, events.EventDone, map[string]any{"turns": r.turns, "tokens": r.tokens})
	}
	s.bus.Close(r.conv.ID)
	r.bulk.Clear()

	// Interrupted and failed runs consumed tokens too.
	if s.usage != nil {
		s.usage.Charge(r.req.UserID, usage.Charge{Runs: 1, Tokens: int64(r.tokens)})
	}

	outcome := string(r.state)
	observability.Global().RecordRun(persistCtx, r.mode(), outcome, time.Since(started))
	span.SetAttributes(attribute.String(observability.AttrRunOutcome, outcome))
	if runErr != nil {
		span.RecordError(runErr)
	}

	slog.Info("Run finished",
		"conversation_id", r.conv.ID,
		"state", r.state,
		"mode", r.mode(),
		"turns", r.turns,
		"tokens", r.tokens,
		"duration", time.Since(started))

	result := &RunResult{
		ConversationID: r.conv.ID,
		Created:        r.created,
		State:          r.state,
		Output:         r.output,
		Autonomy:       r.autonomy,
		BulkDetected:   r.bulkDetected,
		Turns:          r.turns,
		Tokens:         r.tokens,
	}
	if r.state == StateFailed {
		return result, runErr
	}
	return result, nil
}

// terminationNotice summarizes bulk progress when continuation
// attempts run out, so the operator sees where the work stopped.
func terminationNotice(r *run) string {
	snap := r.bulk.Snapshot()
	return fmt.Sprintf(
		"Bulk operation halted after %d continuation attempts: %d of %d items completed, %d failed, %d remaining.",
		snap.Retries, snap.CompletedCount, snap.ExpectedItems, snap.FailedCount, len(r.bulk.Remaining()))
}

func appendSegment(response, segment string) string {
	if segment == "" {
		return response
	}
	if response == "" {
		return segment
	}
	return response + "\n\n" + segment
}

func (s *Supervisor) emit(r *run, event string, payload map[string]any) {
	s.bus.Emit(r.conv.ID, event, payload)
}

package chokidar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/observability"
)

// CheckOutput validates one assistant turn against the active bulk
// operation. Outside an active bulk operation every turn passes
// untouched. A complete verdict clears bulk tracking; announce-and-stop
// without actual work trips the wire; anything else records progress,
// appends a checkpoint, and passes. Classifier failures pass rather
// than trip, so a flaky guard model never forces spurious retries.
func (g *Guard) CheckOutput(ctx context.Context, state *BulkState, assistantText string) (Action, *OutputVerdict) {
	cfg := g.config()
	if !cfg.IsEnabled() || state == nil || !state.Active() {
		return ActionPass, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanGuardCheck,
		trace.WithAttributes(
			attribute.String(observability.AttrGuardKind, "output"),
			attribute.Int64(observability.AttrConversationID, state.ConversationID()),
		))
	defer span.End()

	verdict := g.classifyOutput(ctx, state, assistantText)

	action := ActionPass
	switch {
	case verdict.IsComplete:
		state.Clear()
		action = ActionComplete
	case verdict.IsAnnounceAndStop && !verdict.HasActualWork:
		observability.Global().RecordGuardTrip(ctx, "output")
		action = ActionTrip
	default:
		state.RecordProgress(verdict.ProgressCount)
		g.recordCheckpoint(ctx, state)
	}

	span.SetAttributes(attribute.String(observability.AttrGuardVerdict, action.String()))
	return action, verdict
}

func (g *Guard) classifyOutput(ctx context.Context, state *BulkState, assistantText string) *OutputVerdict {
	sp, ok := g.structuredLLM()
	if !ok {
		return passOutputVerdict("classifier unavailable")
	}

	messages := []*llms.Message{llms.NewUserMessage(outputPrompt(state.Snapshot(), assistantText))}
	structCfg := &llms.StructuredOutputConfig{Format: "json", Schema: g.outputSchema}

	text, _, _, err := sp.GenerateStructured(ctx, messages, nil, structCfg)
	if err != nil {
		slog.Warn("Output guard classification failed, passing turn through",
			"conversation_id", state.ConversationID(), "error", err)
		return passOutputVerdict("classifier error")
	}

	var v OutputVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		slog.Warn("Output guard verdict did not parse, passing turn through",
			"conversation_id", state.ConversationID(), "error", err)
		return passOutputVerdict("unparseable verdict")
	}
	if v.ProgressCount < 0 {
		v.ProgressCount = 0
	}
	return &v
}

// passOutputVerdict is the benign fallback: treated as a working turn
// so the run continues and nothing is recorded.
func passOutputVerdict(cause string) *OutputVerdict {
	return &OutputVerdict{
		HasActualWork: true,
		Reasoning:     "pass-through (" + cause + ")",
	}
}

func (g *Guard) recordCheckpoint(ctx context.Context, state *BulkState) {
	if g.checkpoints == nil {
		return
	}
	cp := state.checkpointRecord()
	if _, err := g.checkpoints.AppendCheckpoint(ctx, state.ConversationID(), cp); err != nil {
		slog.Warn("Failed to append bulk progress checkpoint",
			"conversation_id", state.ConversationID(), "error", err)
	}
}

func outputPrompt(snap Snapshot, assistantText string) string {
	return fmt.Sprintf(`You are the output guard for an e-commerce operations assistant that is running a bulk operation.

**Bulk Operation:**
Type: %s
Expected items: %d
Items confirmed complete so far: %d

**Assistant's Latest Message:**
%s

**Your Task:**
Catch the announce-and-stop failure: a message that promises or announces
further work ("I will now process the rest", "Shall I continue?") and then
stops without performing any of it. Reporting work actually performed this
turn is not announce-and-stop. Asking about a genuine blocker is fine;
asking for permission it already has is not.

Respond in JSON with:
- isAnnounceAndStop: the message only announces or promises further work
- hasActualWork: the message reports operations concretely performed this turn
- isComplete: the whole bulk operation is finished
- progressCount: total items reported as processed so far (0 when unstated)
- reasoning: one sentence explaining your decision`,
		snap.OperationType, snap.ExpectedItems, snap.CompletedCount, assistantText)
}

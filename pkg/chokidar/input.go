package chokidar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/observability"
)

// ClassifyInput decides whether an incoming request is a bulk
// operation. It never blocks the request and never fails: classifier
// errors fall back to the keyword heuristic, so a verdict is always
// returned. The caller activates bulk state from the verdict; this
// method only observes.
func (g *Guard) ClassifyInput(ctx context.Context, userText string) *InputVerdict {
	cfg := g.config()
	if !cfg.IsEnabled() {
		return &InputVerdict{Reasoning: "guardrails disabled"}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanGuardCheck,
		trace.WithAttributes(attribute.String(observability.AttrGuardKind, "input")))
	defer span.End()

	verdict := g.classifyInput(ctx, userText)
	if verdict.IsBulkOperation {
		observability.Global().RecordGuardTrip(ctx, "input")
		span.SetAttributes(attribute.String(observability.AttrGuardVerdict, "bulk"))
	} else {
		span.SetAttributes(attribute.String(observability.AttrGuardVerdict, "standard"))
	}
	return verdict
}

func (g *Guard) classifyInput(ctx context.Context, userText string) *InputVerdict {
	sp, ok := g.structuredLLM()
	if !ok {
		return keywordVerdict(userText, "classifier unavailable")
	}

	messages := []*llms.Message{llms.NewUserMessage(inputPrompt(userText))}
	structCfg := &llms.StructuredOutputConfig{Format: "json", Schema: g.inputSchema}

	text, _, _, err := sp.GenerateStructured(ctx, messages, nil, structCfg)
	if err != nil {
		slog.Warn("Input guard classification failed, using keyword fallback", "error", err)
		return keywordVerdict(userText, "classifier error")
	}

	var v InputVerdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		slog.Warn("Input guard verdict did not parse, using keyword fallback", "error", err)
		return keywordVerdict(userText, "unparseable verdict")
	}
	if v.ExpectedItems < 0 {
		v.ExpectedItems = 0
	}
	return &v
}

// keywordVerdict is the degraded-mode heuristic: bulk when the request
// mentions bulk work or asks to continue one.
func keywordVerdict(userText, cause string) *InputVerdict {
	lower := strings.ToLower(userText)
	if strings.Contains(lower, "bulk") || strings.Contains(lower, "continue") {
		return &InputVerdict{
			IsBulkOperation: true,
			OperationType:   "bulk_operation",
			Reasoning:       "keyword fallback (" + cause + "): matched bulk/continue",
		}
	}
	return &InputVerdict{
		Reasoning: "keyword fallback (" + cause + "): no bulk keywords",
	}
}

func inputPrompt(userText string) string {
	return fmt.Sprintf(`You are the input guard for an e-commerce operations assistant.

**Incoming Request:**
%s

**Your Task:**
Decide whether this request is a bulk operation: the same operation applied
across many items (products, listings, orders, prices, tags). A request that
resumes or continues a bulk operation already in progress counts as bulk.
A question, a report request, or a change to a single item does not.

Respond in JSON with:
- isBulkOperation: true when the request repeats one operation over many items
- expectedItems: how many items will be affected (0 when you cannot tell)
- operationType: short snake_case label, e.g. discount_removal, price_update, inventory_sync
- reasoning: one sentence explaining your decision`, userText)
}

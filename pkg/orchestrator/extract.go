package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/munshi-ai/munshi/pkg/chokidar"
	"github.com/munshi-ai/munshi/pkg/llms"
)

// itemExtraction is the bulk item extractor's wire shape.
type itemExtraction struct {
	Items  []string `json:"items" jsonschema:"required,description=Item identifiers the operation targets, usually SKUs; empty when none are listed"`
	Action string   `json:"action" jsonschema:"required,description=Short description of the operation to apply to each item"`
}

// itemTokenPattern catches catalog identifiers like ABC-1234 or
// 8471-BPLUS: 4 to 32 chars of upper-case letters, digits, dashes,
// underscores.
var itemTokenPattern = regexp.MustCompile(`\b[A-Z0-9][A-Z0-9_-]{3,31}\b`)

// armBulk activates bulk tracking for the run: pin the contextual
// message continuations re-attach, extract the target item set, and
// restore durable progress from the latest checkpoint.
func (s *Supervisor) armBulk(ctx context.Context, r *run, verdict *chokidar.InputVerdict) {
	r.bulk.Activate(verdict)
	r.bulk.SetContextMessage(r.req.Text)

	extracted := s.extractItems(ctx, r.req.Text, r.req.AdditionalContext)
	if len(extracted.Items) > 0 {
		r.bulk.SetItems(extracted.Items)
	}

	s.restoreProgress(ctx, r)

	slog.Info("Bulk operation armed",
		"conversation_id", r.conv.ID,
		"operation", verdict.OperationType,
		"expected_items", verdict.ExpectedItems,
		"extracted_items", len(extracted.Items))
}

// extractItems pulls the target item ids out of the request. The
// classifier reads both the message and any attachment text; without a
// structured model, the SKU-shaped tokens serve.
func (s *Supervisor) extractItems(ctx context.Context, text, attachments string) itemExtraction {
	source := text
	if attachments != "" {
		source = text + "\n\n" + attachments
	}

	sp, ok := s.structuredLLM()
	if !ok {
		return tokenExtraction(source)
	}

	messages := []*llms.Message{llms.NewUserMessage(extractPrompt(source))}
	structCfg := &llms.StructuredOutputConfig{Format: "json", Schema: s.extractSchema}

	out, _, _, err := sp.GenerateStructured(ctx, messages, nil, structCfg)
	if err != nil {
		slog.Warn("Item extraction failed, using token fallback", "error", err)
		return tokenExtraction(source)
	}

	var v itemExtraction
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		slog.Warn("Item extraction did not parse, using token fallback", "error", err)
		return tokenExtraction(source)
	}
	v.Items = cleanItems(v.Items)
	return v
}

// restoreProgress replays the latest checkpoint so remaining-items
// arithmetic starts from durable progress instead of zero. When an
// item set was extracted, only ids it knows are replayed.
func (s *Supervisor) restoreProgress(ctx context.Context, r *run) {
	if s.checkpoints == nil {
		return
	}
	cp, err := s.checkpoints.LatestCheckpoint(ctx, r.conv.ID)
	if err != nil {
		slog.Warn("Latest checkpoint read failed, starting bulk tracking fresh",
			"conversation_id", r.conv.ID, "error", err)
		return
	}
	if cp == nil {
		return
	}

	items := r.bulk.Items()
	if len(items) == 0 {
		r.bulk.MarkCompleted(cp.Completed...)
		r.bulk.MarkFailed(cp.Failed...)
		return
	}
	known := make(map[string]struct{}, len(items))
	for _, id := range items {
		known[id] = struct{}{}
	}
	var completed, failed []string
	for _, id := range cp.Completed {
		if _, ok := known[id]; ok {
			completed = append(completed, id)
		}
	}
	for _, id := range cp.Failed {
		if _, ok := known[id]; ok {
			failed = append(failed, id)
		}
	}
	r.bulk.MarkCompleted(completed...)
	r.bulk.MarkFailed(failed...)
	if len(completed) > 0 || len(failed) > 0 {
		slog.Info("Bulk progress restored from checkpoint",
			"conversation_id", r.conv.ID, "seq", cp.Seq,
			"completed", len(completed), "failed", len(failed))
	}
}

// tokenExtraction is the degraded-mode heuristic: distinct SKU-shaped
// tokens in appearance order.
func tokenExtraction(source string) itemExtraction {
	var items []string
	seen := make(map[string]struct{})
	for _, tok := range itemTokenPattern.FindAllString(source, -1) {
		if !mixesLettersAndDigits(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		items = append(items, tok)
	}
	return itemExtraction{Items: items}
}

func mixesLettersAndDigits(s string) bool {
	hasLetter, hasDigit := false, false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// cleanItems trims, drops empties, and dedupes in order.
func cleanItems(items []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(items))
	for _, id := range items {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func extractPrompt(source string) string {
	return fmt.Sprintf(`You are the item extractor for an e-commerce operations assistant handling a bulk operation.

**Request (message plus any attachment text):**
%s

**Your Task:**
List the identifiers of the items this operation targets: SKUs, product
ids, listing ids, order numbers. Copy identifiers exactly as written.
When the request describes a target set without listing identifiers
("all products tagged clearance"), return an empty list.

Respond in JSON with:
- items: the item identifiers, in the order they appear
- action: a short description of the operation to apply to each item`, source)
}

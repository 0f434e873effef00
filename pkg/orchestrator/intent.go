package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/llms"
)

// Classifier verdicts below this confidence fall back to medium.
const minIntentConfidence = 0.6

// intentVerdict is the intent classifier's wire shape.
type intentVerdict struct {
	Autonomy   string  `json:"autonomy" jsonschema:"required,description=Autonomy level the request calls for: high, medium, or low"`
	Confidence float64 `json:"confidence" jsonschema:"required,description=Classifier confidence between 0 and 1"`
	Reasoning  string  `json:"reasoning" jsonschema:"required,description=One sentence explaining the level"`
}

// intent is the settled autonomy decision for one run.
type intent struct {
	Autonomy   config.Autonomy
	Confidence float64
	Reasoning  string
}

// analyzeIntent settles the run's autonomy level. An explicit request
// override wins; otherwise the structured classifier decides, degrading
// to the keyword heuristic. Whatever survives is capped by the
// conversation's correction history, but only once the operator has
// actually spoken in prior turns.
func (s *Supervisor) analyzeIntent(ctx context.Context, r *run) intent {
	var in intent
	if r.req.Autonomy != "" {
		in = intent{Autonomy: r.req.Autonomy, Confidence: 1, Reasoning: "request override"}
	} else {
		in = s.classifyIntent(ctx, r.req.Text)
	}

	if !hasUserTurns(r.history) {
		return in
	}
	recommended, err := s.conv.RecommendAutonomy(ctx, r.conv.ID)
	if err != nil {
		slog.Warn("Autonomy recommendation failed, keeping classified level",
			"conversation_id", r.conv.ID, "error", err)
		return in
	}
	if autonomyRank(recommended) < autonomyRank(in.Autonomy) {
		slog.Info("Autonomy capped by recent operator corrections",
			"conversation_id", r.conv.ID, "classified", in.Autonomy, "capped", recommended)
		in.Autonomy = recommended
		in.Reasoning = "capped by recent operator corrections"
	}
	return in
}

func (s *Supervisor) classifyIntent(ctx context.Context, text string) intent {
	sp, ok := s.structuredLLM()
	if !ok {
		return keywordIntent(text, "classifier unavailable")
	}

	messages := []*llms.Message{llms.NewUserMessage(intentPrompt(text))}
	structCfg := &llms.StructuredOutputConfig{Format: "json", Schema: s.intentSchema}

	out, _, _, err := sp.GenerateStructured(ctx, messages, nil, structCfg)
	if err != nil {
		slog.Warn("Intent classification failed, using keyword fallback", "error", err)
		return keywordIntent(text, "classifier error")
	}

	var v intentVerdict
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		slog.Warn("Intent verdict did not parse, using keyword fallback", "error", err)
		return keywordIntent(text, "unparseable verdict")
	}

	level := config.Autonomy(strings.ToLower(strings.TrimSpace(v.Autonomy)))
	switch level {
	case config.AutonomyHigh, config.AutonomyMedium, config.AutonomyLow:
	default:
		return keywordIntent(text, "unknown level "+v.Autonomy)
	}
	if v.Confidence < minIntentConfidence {
		return intent{
			Autonomy:   config.AutonomyMedium,
			Confidence: v.Confidence,
			Reasoning:  "classifier below confidence threshold, defaulting to medium",
		}
	}
	return intent{Autonomy: level, Confidence: v.Confidence, Reasoning: v.Reasoning}
}

// keywordIntent is the degraded-mode heuristic: confirmation-seeking
// language lowers autonomy, hands-off language raises it.
func keywordIntent(text, cause string) intent {
	lower := strings.ToLower(text)
	for _, marker := range []string{"ask me", "ask before", "confirm with me", "check with me", "step by step", "one at a time"} {
		if strings.Contains(lower, marker) {
			return intent{
				Autonomy:   config.AutonomyLow,
				Confidence: 0.4,
				Reasoning:  "keyword fallback (" + cause + "): confirmation requested",
			}
		}
	}
	for _, marker := range []string{"don't ask", "do not ask", "just do it", "go ahead", "without asking", "autonomously"} {
		if strings.Contains(lower, marker) {
			return intent{
				Autonomy:   config.AutonomyHigh,
				Confidence: 0.4,
				Reasoning:  "keyword fallback (" + cause + "): hands-off requested",
			}
		}
	}
	return intent{
		Autonomy:   config.AutonomyMedium,
		Confidence: 0.3,
		Reasoning:  "keyword fallback (" + cause + "): no autonomy signals",
	}
}

// autonomyRank orders levels so the conservative cap can compare them.
func autonomyRank(a config.Autonomy) int {
	switch a {
	case config.AutonomyLow:
		return 0
	case config.AutonomyMedium:
		return 1
	default:
		return 2
	}
}

func hasUserTurns(history []*llms.Message) bool {
	for _, m := range history {
		if m.Role == llms.RoleUser {
			return true
		}
	}
	return false
}

func intentPrompt(text string) string {
	return fmt.Sprintf(`You are the intent analyzer for an e-commerce operations assistant.

**Incoming Request:**
%s

**Your Task:**
Decide how much autonomy this request grants the assistant:
- high: the operator wants the work done end to end without check-ins
- medium: proceed, but pause before destructive or hard-to-reverse steps
- low: the operator wants to approve each step before it runs

Explicit instructions in the request outweigh its tone. Destructive
operations described without urgency default to medium.

Respond in JSON with:
- autonomy: high, medium, or low
- confidence: between 0 and 1
- reasoning: one sentence explaining the level`, text)
}

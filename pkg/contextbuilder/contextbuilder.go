// Package contextbuilder assembles the context bundle an agent run
// starts from. Two tiers exist: the core slice for everyday requests
// and the full slice for bulk work, selected by explicit signals in the
// task text or forced by the caller.
//
// Every bundle is assembled under a hard byte budget. Overflow falls on
// the least protected sections first (additional context, then prompt
// fragments, memories, rules, conversation), and a cut section keeps a
// visible marker rather than vanishing, so the model always knows what
// it is missing.
package contextbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/memory"
	"github.com/munshi-ai/munshi/pkg/observability"
)

const tracerName = "munshi/pkg/contextbuilder"

// Mode identifies which slice a bundle was built as.
type Mode string

const (
	ModeCore Mode = "core"
	ModeFull Mode = "full"
)

// Slice composition limits.
const (
	coreMemoryLimit   = 5
	coreFragmentLimit = 3
	coreRuleLimit     = 10
	coreHistoryLimit  = 3

	fullMemoryLimit   = 15
	fullFragmentLimit = 10
)

// Recaller is the slice of the memory service the builder consumes.
type Recaller interface {
	Search(ctx context.Context, query, scope string, k int) ([]memory.Memory, error)
	SearchFragments(ctx context.Context, query string, k int) ([]memory.Fragment, error)
}

// CheckpointReader exposes the per-conversation work state the full
// slice folds in for resumed bulk operations.
type CheckpointReader interface {
	ReadPlan(ctx context.Context, conversationID int64) ([]checkpoint.Task, error)
	LatestCheckpoint(ctx context.Context, conversationID int64) (*checkpoint.Checkpoint, error)
}

// ExtractedData is the structured outcome of bulk task-data extraction
// that adaptive bundles embed for the model.
type ExtractedData struct {
	Entities []string `json:"entities"`
	Action   string   `json:"action"`
}

// Request carries everything the builder needs for one bundle.
type Request struct {
	// Task is the user's request text.
	Task string

	ConversationID int64
	UserID         string

	// Autonomy is the run's autonomy level. It is carried on the bundle
	// for the agent's instruction preamble.
	Autonomy config.Autonomy

	// ForceFull builds the full slice regardless of task signals.
	ForceFull bool

	// UserProfile is optional profile text rendered ahead of recall
	// sections.
	UserProfile string

	// History is the conversation snapshot the bundle draws recent
	// turns from.
	History []*llms.Message

	// AdditionalContext is extra caller-supplied material, typically
	// text extracted from attachments.
	AdditionalContext string

	// Extracted and FetchedContext feed the adaptive sections of the
	// full slice during an active bulk operation.
	Extracted      *ExtractedData
	FetchedContext string
}

// SectionInfo records how one section fared against the byte budget.
type SectionInfo struct {
	Name      string
	Bytes     int
	Truncated bool
}

// Bundle is the assembled context for one run.
type Bundle struct {
	Mode           Mode
	ConversationID int64
	UserID         string
	Autonomy       config.Autonomy

	// Text is the rendered context, never larger than the configured
	// byte ceiling.
	Text string

	// Patterns are the operation categories detected in the task.
	Patterns []Pattern

	// History is the subset of conversation turns the bundle includes.
	History []*llms.Message

	Sections         []SectionInfo
	TokenCount       int
	Truncated        bool
	HasExtractedData bool
}

// Builder assembles context bundles. It is safe for concurrent use.
type Builder struct {
	cfg         config.ContextConfig
	memory      Recaller
	checkpoints CheckpointReader
	products    ProductReader
	tokens      *TokenCounter

	rules     string
	coreRules string
}

// BuilderConfig configures a Builder. Memory, Checkpoints, and Products
// are each optional; a nil dependency skips the sections it feeds.
type BuilderConfig struct {
	Context     config.ContextConfig
	Memory      Recaller
	Checkpoints CheckpointReader
	Products    ProductReader

	// Rules is the business rules document. When empty and the context
	// config names a rules path, the file is loaded at construction.
	Rules string
}

// NewBuilder creates a context builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	ctxCfg := cfg.Context
	ctxCfg.SetDefaults()
	if err := ctxCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid context config: %w", err)
	}

	rules := cfg.Rules
	if rules == "" && ctxCfg.RulesPath != "" {
		raw, err := os.ReadFile(ctxCfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load business rules: %w", err)
		}
		rules = string(raw)
	}
	rules = strings.TrimSpace(rules)

	tokens, err := NewTokenCounter(ctxCfg.TokenizerModel)
	if err != nil {
		slog.Warn("Tokenizer unavailable, estimating token counts", "model", ctxCfg.TokenizerModel, "error", err)
		tokens = nil
	}

	return &Builder{
		cfg:         ctxCfg,
		memory:      cfg.Memory,
		checkpoints: cfg.Checkpoints,
		products:    cfg.Products,
		tokens:      tokens,
		rules:       rules,
		coreRules:   criticalRuleLines(rules, coreRuleLimit),
	}, nil
}

// Build selects the slice tier from the task signals and assembles the
// bundle.
func (b *Builder) Build(ctx context.Context, req Request) (*Bundle, error) {
	if req.ForceFull || NeedsFull(req.Task) {
		return b.BuildFull(ctx, req)
	}
	return b.BuildCore(ctx, req)
}

// BuildCore assembles the compact slice used for everyday requests.
func (b *Builder) BuildCore(ctx context.Context, req Request) (*Bundle, error) {
	return b.build(ctx, req, ModeCore)
}

// BuildFull assembles the extended slice used for bulk work: wider
// recall, full rules, product blobs, and the adaptive bulk sections.
func (b *Builder) BuildFull(ctx context.Context, req Request) (*Bundle, error) {
	return b.build(ctx, req, ModeFull)
}

func (b *Builder) build(ctx context.Context, req Request, mode Mode) (*Bundle, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, observability.SpanContextBuild,
		trace.WithAttributes(
			attribute.Int64(observability.AttrConversationID, req.ConversationID),
			attribute.String(observability.AttrContextMode, string(mode)),
		))
	defer span.End()

	memoryLimit, fragmentLimit := coreMemoryLimit, coreFragmentLimit
	historyLimit := min(coreHistoryLimit, b.cfg.MaxHistoryMessages)
	if mode == ModeFull {
		memoryLimit, fragmentLimit = fullMemoryLimit, fullFragmentLimit
		historyLimit = b.cfg.MaxHistoryMessages
	}

	patterns := DetectPatterns(req.Task)
	memories := b.recallMemories(ctx, req.Task, req.UserID, memoryLimit)
	fragments := topFragments(b.recallFragments(ctx, req.Task, fragmentLimit*2), fragmentLimit)
	history := recentHistory(req.History, historyLimit)

	var sections []section
	add := func(name, title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		sections = append(sections, section{name: name, body: "## " + title + "\n" + body})
	}

	add("user profile", "User profile", req.UserProfile)
	add("detected patterns", "Detected patterns", renderPatterns(patterns))
	add("context", "Additional context", req.AdditionalContext)
	if mode == ModeFull {
		add("prompt fragments", "Guidance", renderFragmentsByCategory(fragments))
	} else {
		add("prompt fragments", "Guidance", renderFragments(fragments))
	}
	add("memories", "Relevant memories", renderMemories(memories))
	if mode == ModeFull {
		add("business rules", "Business rules", b.rules)
	} else {
		add("business rules", "Business rules", b.coreRules)
	}
	add("conversation", "Recent conversation", renderHistory(history))
	if mode == ModeFull {
		add("bulk operation", "Active bulk operation", b.renderBulk(ctx, req))
		add("fetched context", "Fetched context", req.FetchedContext)
		add("products", "Products", renderProducts(b.fetchProducts(ctx, req.Task)))
	}

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	text, infos, truncated := assemble(sections, b.cfg.MaxContextBytes)
	bundle := &Bundle{
		Mode:             mode,
		ConversationID:   req.ConversationID,
		UserID:           req.UserID,
		Autonomy:         req.Autonomy,
		Text:             text,
		Patterns:         patterns,
		History:          history,
		Sections:         infos,
		TokenCount:       b.tokens.Count(text),
		Truncated:        truncated,
		HasExtractedData: req.Extracted != nil,
	}

	span.SetAttributes(
		attribute.Int(observability.AttrContextBytes, len(text)),
		attribute.Int(observability.AttrContextTokens, bundle.TokenCount),
	)
	slog.Debug("Built context bundle",
		"conversation_id", req.ConversationID,
		"mode", mode,
		"bytes", len(text),
		"tokens", bundle.TokenCount,
		"sections", len(infos),
		"truncated", truncated)
	return bundle, nil
}

func (b *Builder) recallMemories(ctx context.Context, query, scope string, k int) []memory.Memory {
	if b.memory == nil {
		return nil
	}
	memories, err := b.memory.Search(ctx, query, scope, k)
	if err != nil {
		slog.Warn("Memory recall failed", "scope", scope, "error", err)
		return nil
	}
	return memories
}

func (b *Builder) recallFragments(ctx context.Context, query string, k int) []memory.Fragment {
	if b.memory == nil {
		return nil
	}
	fragments, err := b.memory.SearchFragments(ctx, query, k)
	if err != nil {
		slog.Warn("Fragment recall failed", "error", err)
		return nil
	}
	return fragments
}

// renderBulk folds the active bulk operation's extracted data, latest
// checkpoint progress, and current plan into one section.
func (b *Builder) renderBulk(ctx context.Context, req Request) string {
	var lines []string
	if req.Extracted != nil {
		if req.Extracted.Action != "" {
			lines = append(lines, "Action: "+req.Extracted.Action)
		}
		if len(req.Extracted.Entities) > 0 {
			lines = append(lines, "Entities: "+strings.Join(req.Extracted.Entities, ", "))
		}
	}
	if b.checkpoints == nil {
		return strings.Join(lines, "\n")
	}

	cp, err := b.checkpoints.LatestCheckpoint(ctx, req.ConversationID)
	if err != nil {
		slog.Warn("Checkpoint lookup failed", "conversation_id", req.ConversationID, "error", err)
	} else if cp != nil {
		lines = append(lines, fmt.Sprintf("Progress: %d completed, %d failed, %d remaining",
			cp.Stats.Completed, cp.Stats.Failed, cp.Stats.Remaining))
		if cp.LastItem != "" {
			lines = append(lines, "Last item: "+cp.LastItem)
		}
	}

	tasks, err := b.checkpoints.ReadPlan(ctx, req.ConversationID)
	if err != nil {
		slog.Warn("Plan read failed", "conversation_id", req.ConversationID, "error", err)
	} else if len(tasks) > 0 {
		lines = append(lines, "Plan:")
		for _, t := range tasks {
			lines = append(lines, planLine(t))
		}
	}
	return strings.Join(lines, "\n")
}

// topFragments orders fragments by priority then score and keeps the
// best limit entries.
func topFragments(fragments []memory.Fragment, limit int) []memory.Fragment {
	sorted := make([]memory.Fragment, len(fragments))
	copy(sorted, fragments)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Priority.Rank(), sorted[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Score > sorted[j].Score
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// recentHistory keeps the last limit user and assistant turns that
// carry visible text.
func recentHistory(history []*llms.Message, limit int) []*llms.Message {
	if limit <= 0 {
		return nil
	}
	var kept []*llms.Message
	for _, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role != llms.RoleUser && msg.Role != llms.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Text()) == "" {
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept
}

// criticalRuleLines filters a rules document to the lines operators
// marked as binding, capped at limit lines.
func criticalRuleLines(rules string, limit int) string {
	if rules == "" {
		return ""
	}
	var kept []string
	for _, line := range strings.Split(rules, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "CRITICAL") || strings.Contains(trimmed, "ALWAYS") ||
			strings.Contains(trimmed, "NEVER") || strings.Contains(trimmed, "MAP") {
			kept = append(kept, trimmed)
			if len(kept) == limit {
				break
			}
		}
	}
	return strings.Join(kept, "\n")
}

func renderPatterns(patterns []Pattern) string {
	if len(patterns) == 0 {
		return ""
	}
	lines := make([]string, len(patterns))
	for i, p := range patterns {
		lines[i] = "- " + string(p)
	}
	return strings.Join(lines, "\n")
}

func renderMemories(memories []memory.Memory) string {
	if len(memories) == 0 {
		return ""
	}
	lines := make([]string, len(memories))
	for i, m := range memories {
		lines[i] = "- " + m.Content
	}
	return strings.Join(lines, "\n")
}

func renderFragments(fragments []memory.Fragment) string {
	if len(fragments) == 0 {
		return ""
	}
	lines := make([]string, len(fragments))
	for i, f := range fragments {
		lines[i] = "- " + f.Content
	}
	return strings.Join(lines, "\n")
}

// renderFragmentsByCategory groups fragments under category headings,
// ordering categories by their best fragment.
func renderFragmentsByCategory(fragments []memory.Fragment) string {
	if len(fragments) == 0 {
		return ""
	}
	var order []string
	grouped := make(map[string][]memory.Fragment)
	for _, f := range fragments {
		category := f.Category
		if category == "" {
			category = "general"
		}
		if _, seen := grouped[category]; !seen {
			order = append(order, category)
		}
		grouped[category] = append(grouped[category], f)
	}

	var parts []string
	for _, category := range order {
		lines := make([]string, 0, len(grouped[category])+1)
		lines = append(lines, "### "+category)
		for _, f := range grouped[category] {
			lines = append(lines, "- "+f.Content)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n")
}

func renderHistory(history []*llms.Message) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, len(history))
	for i, msg := range history {
		label := "User"
		if msg.Role == llms.RoleAssistant {
			label = "Assistant"
		}
		lines[i] = label + ": " + msg.Text()
	}
	return strings.Join(lines, "\n")
}

func renderProducts(blobs []map[string]any) string {
	if len(blobs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		raw, err := json.Marshal(blob)
		if err != nil {
			continue
		}
		lines = append(lines, string(raw))
	}
	return strings.Join(lines, "\n")
}

func planLine(t checkpoint.Task) string {
	switch t.Status {
	case checkpoint.StatusCompleted:
		return "- [x] " + t.Description
	case checkpoint.StatusInProgress:
		return "- [ ] 🔄 " + t.Description
	default:
		return "- [ ] " + t.Description
	}
}

// section is one budget-accounted region of the rendered bundle.
type section struct {
	name string
	body string
}

// cutOrder lists section names in the order they are sacrificed when
// the rendered bundle overflows the byte budget. Attachment context is
// cut first, then recall sections, then the adaptive bulk sections; the
// detected patterns and user profile go only once nothing else is left.
var cutOrder = []string{
	"context",
	"prompt fragments",
	"memories",
	"business rules",
	"conversation",
	"products",
	"fetched context",
	"bulk operation",
	"detected patterns",
	"user profile",
}

func cutRank(name string) int {
	for i, n := range cutOrder {
		if n == name {
			return i
		}
	}
	return 0
}

func truncationMarker(name string) string {
	return "[Additional " + name + " truncated to prevent context explosion]"
}

// assemble renders sections in order under the byte budget. Budget is
// granted most-protected first per cutOrder, holding back room for
// every not-yet-granted section to at least print its marker, so a cut
// section always announces itself. The result never exceeds maxBytes.
func assemble(sections []section, maxBytes int) (string, []SectionInfo, bool) {
	n := len(sections)
	if n == 0 {
		return "", nil, false
	}

	byCut := make([]int, n)
	for i := range byCut {
		byCut[i] = i
	}
	sort.SliceStable(byCut, func(a, b int) bool {
		return cutRank(sections[byCut[a]].name) > cutRank(sections[byCut[b]].name)
	})

	grants := make([]int, n)
	remaining := maxBytes - 2*(n-1)
	for pos, idx := range byCut {
		reserve := 0
		for _, j := range byCut[pos+1:] {
			reserve += len(truncationMarker(sections[j].name))
		}
		// The reserve taken while granting earlier sections guarantees
		// avail covers at least this section's own marker.
		avail := max(remaining-reserve, 0)
		grants[idx] = min(len(sections[idx].body), avail)
		remaining -= grants[idx]
	}

	var out strings.Builder
	infos := make([]SectionInfo, 0, n)
	truncated := false
	for i, s := range sections {
		sep := ""
		if out.Len() > 0 {
			sep = "\n\n"
		}

		if grants[i] >= len(s.body) {
			out.WriteString(sep)
			out.WriteString(s.body)
			infos = append(infos, SectionInfo{Name: s.name, Bytes: len(s.body)})
			continue
		}

		truncated = true
		marker := truncationMarker(s.name)
		keep := grants[i] - len(marker) - 1
		out.WriteString(sep)
		if keep > 0 {
			body := truncateBytes(s.body, keep)
			out.WriteString(body)
			out.WriteString("\n")
			out.WriteString(marker)
			infos = append(infos, SectionInfo{Name: s.name, Bytes: len(body), Truncated: true})
			continue
		}
		out.WriteString(marker)
		infos = append(infos, SectionInfo{Name: s.name, Truncated: true})
	}

	text := out.String()
	if len(text) > maxBytes {
		text = truncateBytes(text, maxBytes)
	}
	return text, infos, truncated
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

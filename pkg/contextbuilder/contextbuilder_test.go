package contextbuilder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/llms"
	"github.com/munshi-ai/munshi/pkg/memory"
)

type fakeRecaller struct {
	memories  []memory.Memory
	fragments []memory.Fragment

	memoryK     int
	fragmentK   int
	lastQuery   string
	lastScope   string
	memoryErr   error
	fragmentErr error
}

func (f *fakeRecaller) Search(_ context.Context, query, scope string, k int) ([]memory.Memory, error) {
	f.lastQuery, f.lastScope, f.memoryK = query, scope, k
	if f.memoryErr != nil {
		return nil, f.memoryErr
	}
	if len(f.memories) > k {
		return f.memories[:k], nil
	}
	return f.memories, nil
}

func (f *fakeRecaller) SearchFragments(_ context.Context, query string, k int) ([]memory.Fragment, error) {
	f.lastQuery, f.fragmentK = query, k
	if f.fragmentErr != nil {
		return nil, f.fragmentErr
	}
	if len(f.fragments) > k {
		return f.fragments[:k], nil
	}
	return f.fragments, nil
}

type fakeProducts struct {
	blobs map[string]map[string]any
	calls []string
}

func (f *fakeProducts) ReadProduct(_ context.Context, sku string) (map[string]any, error) {
	f.calls = append(f.calls, sku)
	return f.blobs[sku], nil
}

func newTestBuilder(t *testing.T, cfg BuilderConfig) *Builder {
	t.Helper()
	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

func TestBuildSelectsMode(t *testing.T) {
	b := newTestBuilder(t, BuilderConfig{})

	tests := []struct {
		name string
		req  Request
		want Mode
	}{
		{"plain question", Request{Task: "What is the current price of the blue shirt?"}, ModeCore},
		{"bulk wording", Request{Task: "Run a bulk price change for the summer collection"}, ModeFull},
		{"all products", Request{Task: "Set inventory policy on all products"}, ModeFull},
		{"export format", Request{Task: "Give me the catalog as a json array"}, ModeFull},
		{"large item count", Request{Task: "Archive 250 products from the old vendor"}, ModeFull},
		{"small item count", Request{Task: "Archive 12 products from the old vendor"}, ModeCore},
		{"forced", Request{Task: "What changed yesterday?", ForceFull: true}, ModeFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle, err := b.Build(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if bundle.Mode != tt.want {
				t.Errorf("Build() mode = %q, want %q", bundle.Mode, tt.want)
			}
		})
	}
}

func TestBuildCoreComposition(t *testing.T) {
	recaller := &fakeRecaller{
		memories: []memory.Memory{
			{ID: "m1", Content: "Customer prefers email follow-ups", Score: 0.9},
			{ID: "m2", Content: "Vendor Acme ships on Fridays", Score: 0.8},
		},
		fragments: []memory.Fragment{
			{ID: "f1", Content: "Answer in a friendly tone", Priority: memory.PriorityLow, Score: 0.95},
			{ID: "f2", Content: "Check MAP before any price change", Priority: memory.PriorityCritical, Score: 0.5},
			{ID: "f3", Content: "Prefer draft mode for risky edits", Priority: memory.PriorityMedium, Score: 0.9},
			{ID: "f4", Content: "Mention the return policy", Priority: memory.PriorityMedium, Score: 0.85},
		},
	}
	rules := strings.Join([]string{
		"# Store rules",
		"NEVER drop a price below MAP.",
		"Prices update overnight.",
		"ALWAYS confirm destructive changes.",
	}, "\n")

	b := newTestBuilder(t, BuilderConfig{Memory: recaller, Rules: rules})
	bundle, err := b.BuildCore(context.Background(), Request{
		Task:   "Lower the price of the red mug",
		UserID: "user-7",
		History: []*llms.Message{
			llms.NewUserMessage("first"),
			llms.NewAssistantMessage("second"),
			llms.NewUserMessage("third"),
			llms.NewAssistantMessage("fourth"),
		},
	})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}

	if recaller.memoryK != coreMemoryLimit {
		t.Errorf("memory recall k = %d, want %d", recaller.memoryK, coreMemoryLimit)
	}
	if recaller.fragmentK != coreFragmentLimit*2 {
		t.Errorf("fragment recall k = %d, want %d", recaller.fragmentK, coreFragmentLimit*2)
	}
	if recaller.lastScope != "user-7" {
		t.Errorf("memory recall scope = %q, want %q", recaller.lastScope, "user-7")
	}

	text := bundle.Text
	if !strings.Contains(text, "Customer prefers email follow-ups") {
		t.Error("core bundle is missing recalled memories")
	}

	// The critical fragment must beat higher-scored lower priorities.
	critical := strings.Index(text, "Check MAP before any price change")
	low := strings.Index(text, "Answer in a friendly tone")
	if critical < 0 {
		t.Fatal("core bundle dropped the critical fragment")
	}
	if low >= 0 && low < critical {
		t.Error("low-priority fragment ordered ahead of critical one")
	}

	if !strings.Contains(text, "NEVER drop a price below MAP.") {
		t.Error("core bundle is missing marked business rules")
	}
	if strings.Contains(text, "Prices update overnight.") {
		t.Error("core bundle included an unmarked business rule")
	}

	if len(bundle.History) != coreHistoryLimit {
		t.Fatalf("core history length = %d, want %d", len(bundle.History), coreHistoryLimit)
	}
	if strings.Contains(text, "User: first") {
		t.Error("core bundle included history beyond the last three turns")
	}
	if !strings.Contains(text, "Assistant: fourth") {
		t.Error("core bundle dropped the most recent turn")
	}

	if len(bundle.Patterns) != 1 || bundle.Patterns[0] != PatternPriceUpdate {
		t.Errorf("patterns = %v, want [price_update]", bundle.Patterns)
	}
	if !strings.Contains(text, "- price_update") {
		t.Error("detected pattern not rendered")
	}
}

func TestBuildFullComposition(t *testing.T) {
	recaller := &fakeRecaller{
		fragments: []memory.Fragment{
			{ID: "f1", Content: "Use metric units", Category: "formatting", Priority: memory.PriorityMedium, Score: 0.9},
			{ID: "f2", Content: "Respect MAP floors", Category: "pricing", Priority: memory.PriorityCritical, Score: 0.8},
			{ID: "f3", Content: "Round to .99 endings", Category: "pricing", Priority: memory.PriorityMedium, Score: 0.7},
		},
	}
	rules := "NEVER remove MAP floors.\nPlain guidance applies to edge cases."

	b := newTestBuilder(t, BuilderConfig{Memory: recaller, Rules: rules})
	bundle, err := b.BuildFull(context.Background(), Request{Task: "bulk update prices", UserID: "u"})
	if err != nil {
		t.Fatalf("BuildFull() error = %v", err)
	}

	if recaller.memoryK != fullMemoryLimit {
		t.Errorf("memory recall k = %d, want %d", recaller.memoryK, fullMemoryLimit)
	}

	text := bundle.Text
	if !strings.Contains(text, "### pricing") {
		t.Error("full bundle did not group fragments by category")
	}
	pricing := strings.Index(text, "### pricing")
	formatting := strings.Index(text, "### formatting")
	if formatting >= 0 && pricing >= 0 && formatting < pricing {
		t.Error("category with critical fragment should come first")
	}
	if !strings.Contains(text, "Plain guidance applies to edge cases.") {
		t.Error("full bundle should carry the whole rules document")
	}
}

func TestBuildFullAdaptiveSections(t *testing.T) {
	store, err := checkpoint.NewStore(config.CheckpointConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()
	const conv = int64(42)

	tasks := []checkpoint.Task{
		{Description: "Update SKU-1", Status: checkpoint.StatusCompleted},
		{Description: "Update SKU-2", Status: checkpoint.StatusInProgress},
		{Description: "Update SKU-3", Status: checkpoint.StatusPending},
	}
	if err := store.WritePlan(ctx, conv, tasks); err != nil {
		t.Fatalf("WritePlan() error = %v", err)
	}
	if _, err := store.AppendCheckpoint(ctx, conv, checkpoint.Checkpoint{
		Completed: []string{"SKU-1"},
		Stats:     checkpoint.Stats{Completed: 1, Remaining: 2},
		LastItem:  "SKU-1",
	}); err != nil {
		t.Fatalf("AppendCheckpoint() error = %v", err)
	}

	b := newTestBuilder(t, BuilderConfig{Checkpoints: store})
	bundle, err := b.BuildFull(ctx, Request{
		Task:           "continue the bulk update",
		ConversationID: conv,
		Extracted: &ExtractedData{
			Entities: []string{"SKU-1", "SKU-2", "SKU-3"},
			Action:   "update prices",
		},
		FetchedContext: "SKU-2 current price: 19.99",
	})
	if err != nil {
		t.Fatalf("BuildFull() error = %v", err)
	}

	text := bundle.Text
	for _, want := range []string{
		"Action: update prices",
		"Entities: SKU-1, SKU-2, SKU-3",
		"Progress: 1 completed, 0 failed, 2 remaining",
		"Last item: SKU-1",
		"- [x] Update SKU-1",
		"- [ ] 🔄 Update SKU-2",
		"- [ ] Update SKU-3",
		"SKU-2 current price: 19.99",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("adaptive bundle missing %q", want)
		}
	}
	if !bundle.HasExtractedData {
		t.Error("HasExtractedData = false, want true")
	}
}

func TestBuildFullFetchesProducts(t *testing.T) {
	products := &fakeProducts{blobs: map[string]map[string]any{
		"MUG-RED-01": {
			"id":        "gid://product/1",
			"title":     "Red Mug",
			"price":     "12.99",
			"createdAt": "2024-01-01T00:00:00Z",
		},
	}}

	b := newTestBuilder(t, BuilderConfig{Products: products})
	bundle, err := b.BuildFull(context.Background(), Request{Task: "Check stock for MUG-RED-01 and MUG-BLU-02"})
	if err != nil {
		t.Fatalf("BuildFull() error = %v", err)
	}

	if len(products.calls) != 2 {
		t.Fatalf("product lookups = %v, want both referenced SKUs", products.calls)
	}
	if !strings.Contains(bundle.Text, `"title":"Red Mug"`) {
		t.Error("product blob not rendered")
	}
	if strings.Contains(bundle.Text, "createdAt") {
		t.Error("product blob was not stripped")
	}
}

func TestBuildFullCapsProductLookups(t *testing.T) {
	products := &fakeProducts{}
	b := newTestBuilder(t, BuilderConfig{Products: products})

	var skus []string
	for _, s := range []string{"AA", "BB", "CC", "DD", "EE", "FF", "GG", "HH", "II", "JJ", "KK", "LL"} {
		skus = append(skus, s+"-100")
	}
	_, err := b.BuildFull(context.Background(), Request{Task: "Review " + strings.Join(skus, " ")})
	if err != nil {
		t.Fatalf("BuildFull() error = %v", err)
	}
	if len(products.calls) != maxProductFetch {
		t.Errorf("product lookups = %d, want cap of %d", len(products.calls), maxProductFetch)
	}
}

func TestBuildBudgetTruncation(t *testing.T) {
	rules := "ALWAYS confirm bulk deletes.\nNEVER touch MAP floors."
	b := newTestBuilder(t, BuilderConfig{
		Context: config.ContextConfig{MaxContextBytes: 2048},
		Rules:   rules,
	})

	bundle, err := b.BuildCore(context.Background(), Request{
		Task:              "Summarize the attached report",
		AdditionalContext: strings.Repeat("attachment line with enough detail to matter\n", 150),
		History: []*llms.Message{
			llms.NewUserMessage("Can you look at the report I uploaded?"),
			llms.NewAssistantMessage("Uploaded and parsed, ready when you are."),
		},
	})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}

	if len(bundle.Text) > 2048 {
		t.Fatalf("bundle size = %d bytes, exceeds the 2048 ceiling", len(bundle.Text))
	}
	if !bundle.Truncated {
		t.Fatal("Truncated = false, want true")
	}
	if !strings.Contains(bundle.Text, "[Additional context truncated to prevent context explosion]") {
		t.Error("oversized section has no visible truncation marker")
	}

	// The protected sections survive intact; the attachment context is
	// the one sacrificed.
	if !strings.Contains(bundle.Text, "NEVER touch MAP floors.") {
		t.Error("business rules were cut before the attachment context")
	}
	if !strings.Contains(bundle.Text, "Uploaded and parsed, ready when you are.") {
		t.Error("conversation history was cut before the attachment context")
	}

	// Every cut section must be visibly marked, never silently gone.
	for _, info := range bundle.Sections {
		if !info.Truncated {
			continue
		}
		marker := "[Additional " + info.Name + " truncated to prevent context explosion]"
		if !strings.Contains(bundle.Text, marker) {
			t.Errorf("section %q was dropped without a marker", info.Name)
		}
	}
	names := make(map[string]bool, len(bundle.Sections))
	for _, info := range bundle.Sections {
		names[info.Name] = true
	}
	for _, want := range []string{"context", "business rules", "conversation"} {
		if !names[want] {
			t.Errorf("section %q missing from the bundle accounting", want)
		}
	}
}

func TestBuildFullFragmentOverflow(t *testing.T) {
	var fragments []memory.Fragment
	filler := strings.Repeat("check the channel pricing matrix before touching a listing ", 300)
	for i := 0; i < 10; i++ {
		fragments = append(fragments, memory.Fragment{
			ID:       string(rune('a' + i)),
			Content:  filler,
			Category: "pricing",
			Priority: memory.PriorityHigh,
			Score:    0.9,
		})
	}

	b := newTestBuilder(t, BuilderConfig{
		Context: config.ContextConfig{MaxContextBytes: 50000},
		Memory:  &fakeRecaller{fragments: fragments},
	})
	bundle, err := b.BuildFull(context.Background(), Request{
		Task: "continue the bulk price update",
		Extracted: &ExtractedData{
			Entities: []string{"SKU-1", "SKU-2"},
			Action:   "update prices",
		},
	})
	if err != nil {
		t.Fatalf("BuildFull() error = %v", err)
	}

	if len(bundle.Text) > 50000 {
		t.Fatalf("bundle size = %d bytes, exceeds the ceiling", len(bundle.Text))
	}
	if !strings.Contains(bundle.Text, "[Additional prompt fragments truncated to prevent context explosion]") {
		t.Error("fragment overflow has no visible truncation marker")
	}
	// The adaptive bulk section outranks recalled fragments.
	if !strings.Contains(bundle.Text, "Entities: SKU-1, SKU-2") {
		t.Error("extracted bulk data was cut before the prompt fragments")
	}
}

func TestBuildHonorsCancellation(t *testing.T) {
	b := newTestBuilder(t, BuilderConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.BuildCore(ctx, Request{Task: "anything"}); err == nil {
		t.Fatal("BuildCore() with cancelled context should fail")
	}
}

func TestBuildSurvivesRecallFailures(t *testing.T) {
	recaller := &fakeRecaller{
		memoryErr:   context.DeadlineExceeded,
		fragmentErr: context.DeadlineExceeded,
	}
	b := newTestBuilder(t, BuilderConfig{Memory: recaller})

	bundle, err := b.BuildCore(context.Background(), Request{Task: "hello", UserProfile: "Owner of the store"})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}
	if !strings.Contains(bundle.Text, "Owner of the store") {
		t.Error("bundle should still render the sections that succeeded")
	}
}

func TestNewBuilderLoadsRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.md")
	if err := os.WriteFile(path, []byte("CRITICAL: sync inventory hourly.\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b := newTestBuilder(t, BuilderConfig{Context: config.ContextConfig{RulesPath: path}})
	bundle, err := b.BuildCore(context.Background(), Request{Task: "check inventory levels"})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}
	if !strings.Contains(bundle.Text, "CRITICAL: sync inventory hourly.") {
		t.Error("rules file content missing from the bundle")
	}

	if _, err := NewBuilder(BuilderConfig{Context: config.ContextConfig{RulesPath: filepath.Join(dir, "absent.md")}}); err == nil {
		t.Error("NewBuilder() should fail when the rules file cannot be read")
	}
}

func TestBuildTokenCount(t *testing.T) {
	b := newTestBuilder(t, BuilderConfig{Rules: "ALWAYS be concise."})
	bundle, err := b.BuildCore(context.Background(), Request{Task: "quick question"})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}
	if bundle.TokenCount <= 0 {
		t.Errorf("TokenCount = %d, want > 0", bundle.TokenCount)
	}
}

package chokidar

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// PreserveText truncates streamed assistant text to the configured
// preservation budget, marking the cut. Runes are never split.
func (g *Guard) PreserveText(s string) string {
	limit := g.config().PreserveLimitBytes
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[... truncated for continuation]"
}

// ContinuationPrompt builds the retry prompt after a tripwire. It
// quotes the preserved work, enumerates the remaining items from the
// checkpoint-aware set difference, pins the rules the model just broke,
// and re-attaches the original contextual message.
func (g *Guard) ContinuationPrompt(state *BulkState, preserved string) string {
	snap := state.Snapshot()
	remaining := state.Remaining()

	op := snap.OperationType
	if op == "" {
		op = "bulk"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The %s operation is not finished. Your last message announced further work instead of performing it.\n\n", op)

	if preserved != "" {
		b.WriteString("Work completed so far, preserved verbatim:\n\"\"\"\n")
		b.WriteString(preserved)
		if !strings.HasSuffix(preserved, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("\"\"\"\n\n")
	}

	switch {
	case len(remaining) > 0:
		fmt.Fprintf(&b, "Remaining items (%d of %d):\n", len(remaining), snap.ExpectedItems)
		for _, item := range remaining {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	case snap.ExpectedItems > snap.CompletedCount:
		fmt.Fprintf(&b, "%d of %d items are still unprocessed.\n\n",
			snap.ExpectedItems-snap.CompletedCount, snap.ExpectedItems)
	}

	b.WriteString("Continue executing immediately:\n")
	b.WriteString("- Work through every remaining item with your tools, one by one.\n")
	b.WriteString("- Do not return control to the user and do not ask whether to continue.\n")
	b.WriteString("- Do not show code or describe steps instead of executing them.\n")
	b.WriteString("- Report each item as it completes.\n")

	if msg := state.ContextMessage(); msg != "" {
		b.WriteString("\nOriginal context for this operation:\n")
		b.WriteString(msg)
		if !strings.HasSuffix(msg, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/munshi-ai/munshi/pkg/tools"
)

const (
	defaultDocsLimit = 5

	// maxDocBytes skips documentation files too large to be prose.
	maxDocBytes = 1 << 20

	// snippetRadius is how many bytes around the first match are
	// returned per document.
	snippetRadius = 300
)

// SearchDocsTool searches the platform documentation corpus. The
// software engineering agent uses it to look up tool-authoring guides
// and runbooks before creating or refactoring tools.
type SearchDocsTool struct {
	dir string
}

// NewSearchDocsTool builds the tool over a documentation directory.
// Markdown and plain-text files under it are searchable.
func NewSearchDocsTool(dir string) *SearchDocsTool {
	return &SearchDocsTool{dir: dir}
}

func (t *SearchDocsTool) Name() string { return "search_docs" }

func (t *SearchDocsTool) Description() string {
	return "Search the platform documentation for keywords. " +
		"Returns the most relevant documents with an excerpt around the first match."
}

func (t *SearchDocsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Keywords to search the documentation for.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     20,
				"description": "Maximum number of documents to return.",
			},
		},
		"required": []any{"query"},
	}
}

type docMatch struct {
	path    string
	score   int
	snippet string
}

func (t *SearchDocsTool) Invoke(_ context.Context, args map[string]any) (tools.Result, error) {
	query, _ := stringArg(args, "query")
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return tools.NewErrorResult("query cannot be empty"), nil
	}
	limit, ok := intArg(args, "limit")
	if !ok || limit <= 0 {
		limit = defaultDocsLimit
	}

	matches, err := t.search(terms)
	if err != nil {
		return tools.NewErrorResult("documentation is unavailable: %v", err), nil
	}
	if len(matches) == 0 {
		return tools.NewResult(fmt.Sprintf("No documentation matched %q.", query)), nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].path < matches[j].path
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", m.path, m.snippet)
	}
	return tools.NewResult(b.String()), nil
}

func (t *SearchDocsTool) search(terms []string) ([]docMatch, error) {
	if _, err := os.Stat(t.dir); err != nil {
		return nil, err
	}

	var matches []docMatch
	err := filepath.WalkDir(t.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != t.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !searchableDoc(d.Name()) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxDocBytes {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.dir, path)
		if err != nil {
			rel = path
		}

		body := strings.ToLower(string(raw))
		relLower := strings.ToLower(rel)
		score := 0
		firstHit := -1
		for _, term := range terms {
			if strings.Contains(relLower, term) {
				score += 3
			}
			if n := strings.Count(body, term); n > 0 {
				if n > 10 {
					n = 10
				}
				score += n
				if idx := strings.Index(body, term); firstHit < 0 || idx < firstHit {
					firstHit = idx
				}
			}
		}
		if score == 0 {
			return nil
		}
		matches = append(matches, docMatch{
			path:    rel,
			score:   score,
			snippet: snippetAround(string(raw), firstHit),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func searchableDoc(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".txt":
		return true
	default:
		return false
	}
}

// snippetAround extracts the text surrounding the first match, widened
// to line boundaries.
func snippetAround(body string, idx int) string {
	if idx < 0 {
		idx = 0
	}
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + snippetRadius
	if end > len(body) {
		end = len(body)
	}

	if nl := strings.LastIndexByte(body[:start], '\n'); start > 0 && nl >= 0 {
		start = nl + 1
	}
	if nl := strings.IndexByte(body[end:], '\n'); end < len(body) && nl >= 0 {
		end += nl
	}

	snippet := strings.TrimSpace(body[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(body) {
		snippet += "…"
	}
	return snippet
}

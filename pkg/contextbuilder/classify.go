package contextbuilder

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Pattern flags an operation category detected in the task text. The
// supervisor and guardrails use these to tighten behavior around
// sensitive operations.
type Pattern string

const (
	PatternDiscountRemoval Pattern = "discount_removal"
	PatternMAPPricing      Pattern = "map_pricing"
	PatternBulkOperation   Pattern = "bulk_operation"
	PatternPriceUpdate     Pattern = "price_update"
)

const (
	// fullInputThreshold is the task length above which the full slice
	// is built regardless of content.
	fullInputThreshold = 5 * 1024

	// fullItemThreshold is the item count that marks a task as bulk.
	fullItemThreshold = 100

	// fullSKUThreshold is how many distinct SKU-like tokens push a task
	// to the full slice.
	fullSKUThreshold = 6
)

var (
	bulkTokenPattern = regexp.MustCompile(`(?i)\b(?:bulk|batch)\b|all\s+products`)
	exportPattern    = regexp.MustCompile(`(?i)json\s+array|\bcsv\b|\bexport\b`)
	itemCountPattern = regexp.MustCompile(`(?i)\b(\d+)\s*\+?\s*(?:products|items|skus|variants|listings|orders|records|rows)\b`)

	// skuTokenPattern catches catalog identifiers like ABC-1234 or
	// SHIRT_RED_L. Matches are filtered to tokens that mix letters and
	// digits so plain words and bare numbers do not count.
	skuTokenPattern = regexp.MustCompile(`\b[A-Z0-9][A-Z0-9_-]{3,31}\b`)

	mapTokenPattern = regexp.MustCompile(`\bMAP\b`)
)

// NeedsFull reports whether the task text carries any of the explicit
// full-slice signals: bulk wording, a large item count, structured
// export formats, oversized input, or many referenced SKUs.
func NeedsFull(task string) bool {
	if len(task) > fullInputThreshold {
		return true
	}
	if bulkTokenPattern.MatchString(task) {
		return true
	}
	if exportPattern.MatchString(task) {
		return true
	}
	if itemCount(task) >= fullItemThreshold {
		return true
	}
	return len(skuTokens(task)) >= fullSKUThreshold
}

// DetectPatterns flags the operation categories present in the task.
// Results are ordered deterministically.
func DetectPatterns(task string) []Pattern {
	lower := strings.ToLower(task)
	words := splitWords(lower)

	var out []Pattern
	if anyWordHasPrefix(words, "discount", "promo", "promotion", "coupon", "markdown", "clearance", "sale") &&
		anyWordHasPrefix(words, "remov", "delet", "end", "cancel", "clear", "stop", "disabl", "drop") {
		out = append(out, PatternDiscountRemoval)
	}
	if mapTokenPattern.MatchString(task) || strings.Contains(lower, "minimum advertised") {
		out = append(out, PatternMAPPricing)
	}
	if bulkTokenPattern.MatchString(task) || itemCount(task) >= fullItemThreshold {
		out = append(out, PatternBulkOperation)
	}
	if anyWordHasPrefix(words, "price", "pricing", "cost", "msrp") &&
		anyWordHasPrefix(words, "updat", "chang", "set", "adjust", "increas", "decreas", "rais", "lower", "bump", "repric") {
		out = append(out, PatternPriceUpdate)
	}
	return out
}

// itemCount returns the largest item count mentioned in the task, or 0
// when no count is adjacent to an item noun.
func itemCount(task string) int {
	largest := 0
	for _, m := range itemCountPattern.FindAllStringSubmatch(task, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > largest {
			largest = n
		}
	}
	return largest
}

// skuTokens returns the distinct SKU-like tokens from the task in order
// of first appearance.
func skuTokens(task string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range skuTokenPattern.FindAllString(task, -1) {
		if !mixesLettersAndDigits(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
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

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func anyWordHasPrefix(words []string, prefixes ...string) bool {
	for _, w := range words {
		for _, p := range prefixes {
			if strings.HasPrefix(w, p) {
				return true
			}
		}
	}
	return false
}

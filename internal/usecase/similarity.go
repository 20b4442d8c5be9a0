package usecase

import (
	"math"
	"regexp"
	"strings"

	"github.com/cartscout/backend/internal/domain"
)

// Package-level compiled regex pattern for performance
var punctuationRegex = regexp.MustCompile(`[^\p{L}\p{N}\s]`)

const (
	defaultTitleSimilarity = 0.8
	defaultPriceTolerance  = 0.05
	fuzzyEditDistance      = 1
	fuzzyMinTokenLength    = 5
)

// listingStopWords are words that say nothing about which product a listing is
var listingStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "to": true, "for": true,
	"with": true, "by": true, "from": true, "is": true,
	"new": true, "latest": true, "pack": true, "combo": true,
	"edition": true, "version": true, "upto": true, "up": true,
	"men": true, "women": true, "unisex": true,
}

// DedupeConfig holds the duplicate-detection policy
type DedupeConfig struct {
	// TitleSimilarity is the minimum token Jaccard score for two titles to
	// name the same product. Values above 1 disable title matching.
	TitleSimilarity float64
	// PriceTolerance is the maximum relative price gap between duplicates.
	PriceTolerance float64
}

func (c DedupeConfig) withDefaults() DedupeConfig {
	if c.TitleSimilarity <= 0 {
		c.TitleSimilarity = defaultTitleSimilarity
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = defaultPriceTolerance
	}
	return c
}

// deduplicate keeps the first record of every duplicate group. Callers sort
// first so the cheapest, best-rated listing survives.
func deduplicate(items []domain.ProductRecord, cfg DedupeConfig) []domain.ProductRecord {
	cfg = cfg.withDefaults()

	kept := make([]domain.ProductRecord, 0, len(items))
	keptTokens := make([][]string, 0, len(items))

	for _, item := range items {
		tokens := tokenize(item.Title)
		duplicate := false
		for i := range kept {
			if isDuplicate(kept[i], keptTokens[i], item, tokens, cfg) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, item)
			keptTokens = append(keptTokens, tokens)
		}
	}
	return kept
}

// isDuplicate applies the listing identity rule: within one source the
// external id decides; otherwise similar titles at a similar price match.
func isDuplicate(a domain.ProductRecord, aTokens []string, b domain.ProductRecord, bTokens []string, cfg DedupeConfig) bool {
	if a.SourceID == b.SourceID && a.ExternalID != "" && b.ExternalID != "" {
		return a.ExternalID == b.ExternalID
	}
	if cfg.TitleSimilarity > 1 {
		return false
	}
	if !priceClose(a.Price, b.Price, cfg.PriceTolerance) {
		return false
	}
	return titleSimilarity(aTokens, bTokens) >= cfg.TitleSimilarity
}

func priceClose(a, b, tolerance float64) bool {
	high := math.Max(a, b)
	if high == 0 {
		return true
	}
	return math.Abs(a-b) <= tolerance*high
}

// titleSimilarity is the Jaccard index of two token sets, where long tokens
// one edit apart count as equal ("earphone" / "earphones").
func titleSimilarity(tokens1, tokens2 []string) float64 {
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0
	}

	matched, _ := findIntersection(tokens1, tokens2)
	uniq1, set1 := uniqueTokens(tokens1)
	uniq2, set2 := uniqueTokens(tokens2)

	// fuzzy pass over tokens without an exact partner
	used := make(map[string]bool)
	for _, t2 := range uniq2 {
		if set1[t2] {
			continue
		}
		for _, t1 := range uniq1 {
			if set2[t1] || used[t1] {
				continue
			}
			if fuzzyTokenMatch(t1, t2, fuzzyEditDistance) {
				used[t1] = true
				matched++
				break
			}
		}
	}

	union := findUnion(tokens1, tokens2) - len(used)
	if union <= 0 {
		return 0
	}
	return float64(matched) / float64(union)
}

func uniqueTokens(tokens []string) ([]string, map[string]bool) {
	set := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	return out, set
}

// tokenize splits a title into normalized lowercase tokens.
// Model numbers are kept: "Airdopes 141" and "Airdopes 131" are different products.
func tokenize(s string) []string {
	cleaned := punctuationRegex.ReplaceAllString(strings.ToLower(s), " ")

	var tokens []string
	for _, word := range strings.Fields(cleaned) {
		if len([]rune(word)) <= 1 && !isNumeric(word) {
			continue
		}
		if listingStopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// fuzzyTokenMatch checks if two tokens are similar within the edit distance threshold
func fuzzyTokenMatch(token1, token2 string, threshold int) bool {
	if token1 == token2 {
		return true
	}

	// short tokens and anything numeric must match exactly
	if len(token1) < fuzzyMinTokenLength || len(token2) < fuzzyMinTokenLength {
		return false
	}
	if isNumeric(token1) || isNumeric(token2) {
		return false
	}

	lenDiff := len(token1) - len(token2)
	if lenDiff < 0 {
		lenDiff = -lenDiff
	}
	if lenDiff > threshold {
		return false
	}

	return levenshteinDistance(token1, token2) <= threshold
}

// levenshteinDistance calculates the edit distance between two strings
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	r1 := []rune(s1)
	r2 := []rune(s2)
	m := len(r1)
	n := len(r2)

	// two rows instead of the full matrix
	prev := make([]int, n+1)
	curr := make([]int, n+1)

	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		curr[0] = i
		for j := 1; j <= n; j++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[n]
}

// findIntersection returns the count of common tokens and the list of matched tokens
func findIntersection(tokens1, tokens2 []string) (int, []string) {
	set := make(map[string]bool)
	for _, t := range tokens1 {
		set[t] = true
	}

	var matched []string
	seen := make(map[string]bool)
	for _, t := range tokens2 {
		if set[t] && !seen[t] {
			matched = append(matched, t)
			seen[t] = true
		}
	}

	return len(matched), matched
}

// findUnion returns the count of unique tokens across both sets
func findUnion(tokens1, tokens2 []string) int {
	set := make(map[string]bool)
	for _, t := range tokens1 {
		set[t] = true
	}
	for _, t := range tokens2 {
		set[t] = true
	}
	return len(set)
}

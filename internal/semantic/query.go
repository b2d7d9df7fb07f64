package semantic

import (
	"sort"
	"strings"
)

// findByQuery scores each element against the query: exact label match >
// label substring > token overlap across label/placeholder/value/type.
func findByQuery(elements []Element, query string, limit int) []Match {
	if limit <= 0 {
		limit = 5
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	qTokens := tokenize(q)

	var matches []Match
	for _, el := range elements {
		score, reason := scoreElement(el, q, qTokens)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Element: el, Score: score, MatchReason: reason})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func scoreElement(el Element, q string, qTokens []string) (float64, string) {
	label := strings.ToLower(el.Label)
	placeholder := strings.ToLower(el.Placeholder)

	switch {
	case label == q:
		return 1.0, "exact label match"
	case label != "" && strings.Contains(label, q):
		return 0.85, "label contains query"
	case placeholder != "" && strings.Contains(placeholder, q):
		return 0.75, "placeholder contains query"
	}

	haystack := label + " " + placeholder + " " + strings.ToLower(el.Value) + " " + strings.ToLower(el.Type)
	hTokens := tokenize(haystack)
	overlap := 0
	for _, t := range qTokens {
		for _, h := range hTokens {
			if t == h {
				overlap++
				break
			}
		}
	}
	if overlap == 0 {
		return 0, ""
	}
	score := 0.6 * float64(overlap) / float64(len(qTokens))
	return score, "token overlap"
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

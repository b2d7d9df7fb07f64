package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// defaultSnippetBudget bounds an injected memory snippet's size.
const defaultSnippetBudget = 1500

var (
	segOnce sync.Once
	seg     gse.Segmenter
	segMu   sync.Mutex
)

// initSegmenter loads the gse dictionary once. Segmentation lets the
// relevance filter work on CJK task text where plain substring tokens
// don't split on spaces.
func initSegmenter() {
	segOnce.Do(func() {
		seg.AlphaNum = true
		seg.SkipLog = true
		_ = seg.LoadDict()
	})
}

// taskTokens segments the task text into lowercase tokens of at least two
// characters.
func taskTokens(task string) []string {
	initSegmenter()
	segMu.Lock()
	raw := seg.CutSearch(task, true)
	segMu.Unlock()

	var out []string
	for _, tok := range raw {
		tok = strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		}))
		if len([]rune(tok)) >= 2 {
			out = append(out, tok)
		}
	}
	return out
}

// isGlobalPattern reports the patterns that apply regardless of the task at hand.
func isGlobalPattern(t PatternType) bool {
	switch t {
	case PatternLoginRequired, PatternSPAHint:
		return true
	}
	return false
}

// relevant reports whether a non-global pattern's description shares a
// substring of at least two characters with the task text.
func relevant(description, taskLower string, tokens []string) bool {
	d := strings.ToLower(description)
	for _, tok := range tokens {
		if strings.Contains(d, tok) {
			return true
		}
	}
	return longestCommonSubstring(d, taskLower) >= 2
}

// longestCommonSubstring returns the length (in runes) of the longest
// common substring of a and b.
func longestCommonSubstring(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	best := 0
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}

// BuildSnippet renders a card into the Markdown prompt snippet injected
// into the conversation. Non-global patterns irrelevant to the task are
// filtered out; task_intent patterns sort by overlap with the task, then
// recency; the character budget is enforced greedily in that order.
func BuildSnippet(card *Card, task string, budget int) string {
	if card == nil || len(card.Patterns) == 0 {
		return ""
	}
	if budget <= 0 {
		budget = defaultSnippetBudget
	}

	taskLower := strings.ToLower(task)
	tokens := taskTokens(task)

	var kept []Pattern
	for _, p := range card.Patterns {
		switch {
		case isGlobalPattern(p.Type):
			kept = append(kept, p)
		case p.Type == PatternTaskIntent:
			kept = append(kept, p)
		default:
			if relevant(p.Description, taskLower, tokens) {
				kept = append(kept, p)
			}
		}
	}
	if len(kept) == 0 {
		return ""
	}

	// task_intent patterns: most task-overlapping first, recency as the
	// tiebreak. Other types keep their stored order.
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Type == PatternTaskIntent && b.Type == PatternTaskIntent {
			la := longestCommonSubstring(strings.ToLower(a.Value), taskLower)
			lb := longestCommonSubstring(strings.ToLower(b.Value), taskLower)
			if la != lb {
				return la > lb
			}
			return a.LastUsedAt.After(b.LastUsedAt)
		}
		return false
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Site knowledge for %s (v%d)\n", card.Domain, card.Version)
	if card.RequiresLogin {
		sb.WriteString("- This site requires login.\n")
	}
	if card.SiteType != "" {
		fmt.Fprintf(&sb, "- Site type: %s\n", card.SiteType)
	}

	const footer = "\n⚠️ Selectors and paths above were learned from earlier visits and may be stale; verify with get_page_info before relying on them.\n"
	limit := budget - len(footer)

	for _, p := range kept {
		line := fmt.Sprintf("- [%s] %s: %s\n", p.Type, p.Description, p.Value)
		if sb.Len()+len(line) > limit {
			break
		}
		sb.WriteString(line)
	}
	sb.WriteString(footer)
	return sb.String()
}

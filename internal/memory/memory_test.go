package memory

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserpilot/internal/errs"
	"browserpilot/internal/toolbus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(slog.Default(), t.TempDir())
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"www.bing.com":         "bing.com",
		"Bing.com":             "bing.com",
		"cn.bing.com":          "bing.com",
		"shop.example.com.cn":  "example.com.cn",
		"example.co.uk":        "example.co.uk",
		"deep.sub.example.org": "example.org",
		"localhost":            "localhost",
		"example.com:8080":     "example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDomain(in), "input %q", in)
	}
}

func TestDomainFromTask(t *testing.T) {
	assert.Equal(t, "bing.com", DomainFromTask("Open https://www.bing.com/search?q=foo and read results"))
	assert.Equal(t, "example.com", DomainFromTask("go to example.com and check the price"))
	assert.Equal(t, "baidu.com", DomainFromTask("在百度搜索天气"))
	assert.Equal(t, "", DomainFromTask("summarize this text for me"))
}

func TestMergeIdempotent(t *testing.T) {
	set := []Pattern{
		{Type: PatternNavigation, Value: "https://a.com/x", Description: "visit x", Confidence: 0.7, UseCount: 1},
		{Type: PatternSelector, Value: "#login", Description: "login button", Confidence: 0.6, UseCount: 2},
	}
	merged := Merge(set, set)
	require.Len(t, merged, 2, "merging a set with itself adds nothing")

	// Use counts accumulate; everything else is unchanged.
	assert.Equal(t, 2, merged[0].UseCount)
	assert.Equal(t, 4, merged[1].UseCount)
	assert.Equal(t, 0.7, merged[0].Confidence)
}

func TestMergeConflictPrefersConfidenceThenUseCountThenRecency(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	existing := []Pattern{{Type: PatternSelector, Value: "#a", Description: "old", Confidence: 0.5, UseCount: 3, LastUsedAt: older}}
	incoming := []Pattern{{Type: PatternSelector, Value: "#a", Description: "new", Confidence: 0.9, UseCount: 1, LastUsedAt: newer}}
	merged := Merge(existing, incoming)
	require.Len(t, merged, 1)
	assert.Equal(t, "new", merged[0].Description, "higher confidence wins")
	assert.Equal(t, 4, merged[0].UseCount)

	// Equal confidence: higher use count wins.
	existing[0].Confidence = 0.9
	merged = Merge(existing, incoming)
	assert.Equal(t, "old", merged[0].Description)

	// Equal confidence and use count: later LastUsedAt wins.
	incoming[0].UseCount = 3
	merged = Merge(existing, incoming)
	assert.Equal(t, "new", merged[0].Description)
}

func TestMergeAssignsDefaultConfidence(t *testing.T) {
	merged := Merge(nil, []Pattern{{Type: PatternSelector, Value: "#x"}})
	require.Len(t, merged, 1)
	assert.Equal(t, defaultConfidence, merged[0].Confidence)
}

func TestStoreVersionBumpAndArchive(t *testing.T) {
	s := newTestStore(t)

	card := &Card{Domain: "bing.com", Patterns: []Pattern{{Type: PatternNavigation, Value: "https://bing.com"}}}
	require.NoError(t, s.SaveCard(card))
	assert.Equal(t, 1, card.Version)

	card.Patterns = append(card.Patterns, Pattern{Type: PatternSelector, Value: "#sb_form_q"})
	require.NoError(t, s.SaveCard(card))
	assert.Equal(t, 2, card.Version)

	archives, err := s.ListArchives("bing.com")
	require.NoError(t, err)
	assert.Len(t, archives, 1, "previous version is archived")

	loaded, err := s.LoadCard("bing.com")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Version)
	assert.Len(t, loaded.Patterns, 2)
}

func TestStoreRestore(t *testing.T) {
	s := newTestStore(t)

	v1 := &Card{Domain: "example.com", Patterns: []Pattern{{Type: PatternNavigation, Value: "https://example.com/v1"}}}
	require.NoError(t, s.SaveCard(v1))
	v2 := &Card{Domain: "example.com", Patterns: []Pattern{{Type: PatternNavigation, Value: "https://example.com/v2"}}}
	require.NoError(t, s.SaveCard(v2))

	archives, err := s.ListArchives("example.com")
	require.NoError(t, err)
	require.Len(t, archives, 1)

	restored, err := s.Restore("example.com", archives[0])
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v1", restored.Patterns[0].Value)
	assert.Equal(t, 3, restored.Version, "restore keeps versions monotonic")
}

func TestListDomainsIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveCard(&Card{Domain: "a.com", Patterns: []Pattern{
		{Type: PatternSelector, Value: "#x", Description: "search box", Confidence: 0.9},
	}}))
	require.NoError(t, s.SaveCard(&Card{Domain: "b.com"}))

	index, err := s.ListDomains()
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, "a.com", index[0].Domain)
	assert.Equal(t, 1, index[0].PatternCount)
	assert.Contains(t, index[0].TopPatterns[0], "search box")
}

func TestCaptureFromUsageTrace(t *testing.T) {
	navArgs, _ := json.Marshal(map[string]string{"url": "https://www.bing.com/search?q=foo"})
	clickArgs, _ := json.Marshal(map[string]string{"element_id": "e3"})

	records := []toolbus.UsageRecord{
		{Tool: toolbus.ToolNavigate, Args: string(navArgs), Success: true},
		{Tool: toolbus.ToolClick, Args: string(clickArgs), Success: true},
		{Tool: toolbus.ToolClick, Args: string(clickArgs), Success: true},
		{Tool: toolbus.ToolNavigate, Args: `{"url": "https://fail.example.com"}`, Success: false, ErrorCode: errs.CodeNavigationTimeout},
	}

	patterns := Capture("search foo on bing", records)

	var types []PatternType
	for _, p := range patterns {
		types = append(types, p.Type)
	}
	assert.Contains(t, types, PatternNavigation)
	assert.Contains(t, types, PatternSelector)
	assert.Contains(t, types, PatternTaskIntent)

	// The failed navigation is not learned.
	for _, p := range patterns {
		assert.NotContains(t, p.Value, "fail.example.com")
	}
}

func TestKnowledgeCardRoundTrip(t *testing.T) {
	s := newTestStore(t)

	navArgs, _ := json.Marshal(map[string]string{"url": "https://www.bing.com/search?q=foo"})
	patterns := Capture("search foo", []toolbus.UsageRecord{
		{Tool: toolbus.ToolNavigate, Args: string(navArgs), Success: true},
	})
	domain := DomainFromTask("https://www.bing.com/search?q=foo")
	require.Equal(t, "bing.com", domain)

	require.NoError(t, s.SaveCard(&Card{Domain: domain, Patterns: Merge(nil, patterns)}))

	index, err := s.ListDomains()
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "bing.com", index[0].Domain)

	card, err := s.LoadCard("bing.com")
	require.NoError(t, err)
	require.NotNil(t, card)
	hasNav := false
	for _, p := range card.Patterns {
		if p.Type == PatternNavigation {
			hasNav = true
		}
	}
	assert.True(t, hasNav, "card must include a navigation_path pattern")
}

func TestBestCardDomain(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveCard(&Card{Domain: "bing.com", Patterns: []Pattern{{Type: PatternTaskIntent, Value: "search"}}}))

	assert.Equal(t, "bing.com", BestCardDomain(s, "https://www.bing.com/search?q=x"))
	assert.Equal(t, "bing.com", BestCardDomain(s, "https://cn.bing.com/"))
	assert.Equal(t, "", BestCardDomain(s, "https://unknown.example.net/"))
}

func TestBuildSnippetFiltersAndFooter(t *testing.T) {
	card := &Card{
		Domain:  "shop.example",
		Version: 2,
		Patterns: []Pattern{
			{Type: PatternSelector, Description: "price filter slider", Value: "#price"},
			{Type: PatternSelector, Description: "顶部横幅关闭按钮", Value: "#dismiss"},
			{Type: PatternLoginRequired, Description: "checkout needs login", Value: "true"},
			{Type: PatternTaskIntent, Description: "find cheapest price", Value: "find the cheapest price for a laptop"},
		},
	}

	snippet := BuildSnippet(card, "compare laptop price across pages", 0)
	assert.Contains(t, snippet, "price filter slider", "task-relevant selector survives")
	assert.NotContains(t, snippet, "顶部横幅关闭按钮", "selector with no overlap with the task is filtered")
	assert.Contains(t, snippet, "checkout needs login", "global patterns always survive")
	assert.Contains(t, snippet, "find cheapest price")
	assert.Contains(t, snippet, "may be stale", "warning footer present")
}

func TestBuildSnippetBudget(t *testing.T) {
	card := &Card{Domain: "example.com", Version: 1}
	for i := 0; i < 100; i++ {
		card.Patterns = append(card.Patterns, Pattern{
			Type:        PatternTaskIntent,
			Description: "task variant",
			Value:       "do the thing with the search box number",
		})
	}
	snippet := BuildSnippet(card, "search box", 600)
	assert.LessOrEqual(t, len(snippet), 700)
}

func TestLongestCommonSubstring(t *testing.T) {
	assert.Equal(t, 0, longestCommonSubstring("abc", "xyz"))
	assert.Equal(t, 3, longestCommonSubstring("search box", "box"))
	assert.Equal(t, 2, longestCommonSubstring("百度搜索", "搜索引擎"))
}

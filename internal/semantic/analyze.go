package semantic

import (
	"context"
	"fmt"
	"strings"

	"browserpilot/internal/browser"
)

// analyzeCapture carries the signals the classifier looks at.
type analyzeCapture struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Forms         int    `json:"forms"`
	PasswordBoxes int    `json:"passwordBoxes"`
	SearchBoxes   int    `json:"searchBoxes"`
	Articles      int    `json:"articles"`
	ListItems     int    `json:"listItems"`
	Headline      string `json:"headline"`
}

const analyzeScript = `(() => {
    const h1 = document.querySelector('h1');
    return {
        title:         document.title || '',
        url:           location.href,
        forms:         document.querySelectorAll('form').length,
        passwordBoxes: document.querySelectorAll('input[type="password"]').length,
        searchBoxes:   document.querySelectorAll('input[type="search"], input[name*="search" i], input[name="q"]').length,
        articles:      document.querySelectorAll('article, [role="article"]').length,
        listItems:     document.querySelectorAll('li').length,
        headline:      h1 ? (h1.innerText || '').trim().slice(0, 120) : ''
    };
})()`

// Analyze implements Library with a heuristic classifier over DOM signals.
func (l *DefaultLibrary) Analyze(ctx context.Context, page browser.Page) (*Analysis, error) {
	var snap analyzeCapture
	if err := page.Evaluate(ctx, analyzeScript, &snap); err != nil {
		return nil, fmt.Errorf("page analysis failed: %w", err)
	}

	pageType := "other"
	var intents []string
	switch {
	case snap.PasswordBoxes > 0:
		pageType = "login"
		intents = append(intents, "log in")
	case snap.SearchBoxes > 0 && snap.ListItems > 20:
		pageType = "search"
		intents = append(intents, "search", "browse results")
	case snap.SearchBoxes > 0:
		pageType = "search"
		intents = append(intents, "search")
	case snap.Articles > 0:
		pageType = "article"
		intents = append(intents, "read content")
	case snap.Forms > 0:
		pageType = "form"
		intents = append(intents, "fill form")
	case snap.ListItems > 30:
		pageType = "listing"
		intents = append(intents, "browse items")
	}

	summary := snap.Title
	if snap.Headline != "" && !strings.EqualFold(snap.Headline, snap.Title) {
		summary = strings.TrimSpace(summary + " — " + snap.Headline)
	}

	return &Analysis{
		PageType: pageType,
		Summary:  summary,
		Intents:  intents,
	}, nil
}

const regionsScript = `(() => {
    const out = [];
    const roles = [
        ['header, [role="banner"]', 'header'],
        ['nav, [role="navigation"]', 'nav'],
        ['main, [role="main"]', 'main'],
        ['aside, [role="complementary"]', 'aside'],
        ['footer, [role="contentinfo"]', 'footer']
    ];
    for (const [sel, role] of roles) {
        const el = document.querySelector(sel);
        if (!el) continue;
        const rect = el.getBoundingClientRect();
        if (rect.width <= 0 || rect.height <= 0) continue;
        out.push({role: role, bounds: {x: rect.x, y: rect.y, width: rect.width, height: rect.height}});
    }
    return out;
})()`

// DetectRegions implements Library.
func (l *DefaultLibrary) DetectRegions(ctx context.Context, page browser.Page) ([]Region, error) {
	var out []Region
	if err := page.Evaluate(ctx, regionsScript, &out); err != nil {
		return nil, fmt.Errorf("region detection failed: %w", err)
	}
	return out, nil
}

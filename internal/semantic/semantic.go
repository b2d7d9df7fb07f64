// Package semantic turns live pages into structures an LLM can act on:
// interactive element collections with stable semantic ids, page content
// extraction, page classification, and element query matching.
package semantic

import (
	"context"

	"browserpilot/internal/browser"
)

// Bounds is an element's viewport rectangle.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementState captures the interactive state flags of an element.
type ElementState struct {
	Disabled bool `json:"disabled,omitempty"`
	Checked  bool `json:"checked,omitempty"`
	Focused  bool `json:"focused,omitempty"`
}

// Element is one interactive element with its injected semantic id. The id
// is written into the DOM as data-semantic-id so later clicks and typing
// resolve deterministically.
type Element struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"` // link, button, textbox, checkbox, ...
	Label       string       `json:"label"`
	Value       string       `json:"value,omitempty"`
	Href        string       `json:"href,omitempty"`
	Placeholder string       `json:"placeholder,omitempty"`
	Bounds      Bounds       `json:"bounds"`
	State       ElementState `json:"state"`
}

// Section is one content block with an attention score (how prominent the
// block is on the page).
type Section struct {
	Text      string  `json:"text"`
	Attention float64 `json:"attention"`
}

// Content is the extracted page content.
type Content struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Links    []string  `json:"links,omitempty"`
	Images   []string  `json:"images,omitempty"`
}

// Analysis is a coarse page classification.
type Analysis struct {
	PageType string   `json:"pageType"` // search, form, article, listing, login, other
	Summary  string   `json:"summary"`
	Intents  []string `json:"intents,omitempty"`
}

// Region is a coarse page region (header, nav, main, footer, aside).
type Region struct {
	Role   string `json:"role"`
	Bounds Bounds `json:"bounds"`
}

// Match is one query match with its score and reason.
type Match struct {
	Element     Element `json:"element"`
	Score       float64 `json:"score"`
	MatchReason string  `json:"matchReason"`
}

// Library is the semantic collaborator contract the core consumes. The
// default implementation drives the page seam; tests substitute fakes.
type Library interface {
	// CollectElements injects semantic ids and returns the interactive
	// elements. visibleOnly limits collection to the viewport.
	CollectElements(ctx context.Context, page browser.Page, maxElements int, visibleOnly bool) ([]Element, error)

	// ExtractContent returns the readable page content.
	ExtractContent(ctx context.Context, page browser.Page, maxLength int) (*Content, error)

	// Analyze classifies the page.
	Analyze(ctx context.Context, page browser.Page) (*Analysis, error)

	// DetectRegions returns the page's coarse layout regions.
	DetectRegions(ctx context.Context, page browser.Page) ([]Region, error)
}

// FindByQuery scores elements against a natural-language query and returns
// up to limit matches, best first. Pure function over collected elements.
func FindByQuery(elements []Element, query string, limit int) []Match {
	return findByQuery(elements, query, limit)
}

// SelectorFor returns the CSS selector resolving a semantic id back to its
// DOM element.
func SelectorFor(id string) string {
	return `[data-semantic-id="` + id + `"]`
}

package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"browserpilot/internal/browser"
	"browserpilot/internal/define"
	"browserpilot/internal/errs"
	"browserpilot/internal/semantic"
)

// TemplateDeps are the collaborators templates run against.
type TemplateDeps struct {
	Log      *slog.Logger
	Sessions *browser.Manager
	Lib      semantic.Library
}

// Template executes one template over a session. Inputs are the merged
// plan inputs.
type Template func(ctx context.Context, deps TemplateDeps, handle *RunHandle, sessionID string, inputs map[string]any) (any, error)

// Templates returns the registry of built-in templates.
func Templates() map[string]Template {
	return map[string]Template{
		TemplateBatchExtract:    runBatchExtract,
		TemplateMultiTabCompare: runMultiTabCompare,
		TemplateLoginKeep:       runLoginKeep,
	}
}

// --- shared extraction ---

// pageExtract is the per-URL result of the extraction pipeline.
type pageExtract struct {
	URL          string             `json:"url"`
	Title        string             `json:"title,omitempty"`
	ElementCount int                `json:"elementCount"`
	Sections     []semantic.Section `json:"sections,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorCode    errs.Code          `json:"errorCode,omitempty"`
}

// extractOne runs the per-URL tab lifecycle: create tab → wait stable →
// read page info → read content → close tab.
func extractOne(ctx context.Context, deps TemplateDeps, sessionID, url string) pageExtract {
	out := pageExtract{URL: url}

	tab, err := deps.Sessions.CreateTab(ctx, sessionID, url)
	if err != nil {
		out.Error = err.Error()
		out.ErrorCode = errs.CodeOf(err)
		return out
	}
	defer deps.Sessions.CloseTab(ctx, sessionID, tab.ID)

	waitStable(ctx, tab, define.StabilityTimeout)

	elements, err := deps.Lib.CollectElements(ctx, tab.Page, 0, false)
	if err != nil {
		out.Error = err.Error()
		out.ErrorCode = errs.Classify(err)
		return out
	}
	out.ElementCount = len(elements)

	content, err := deps.Lib.ExtractContent(ctx, tab.Page, 0)
	if err != nil {
		out.Error = err.Error()
		out.ErrorCode = errs.Classify(err)
		return out
	}
	out.Title = content.Title
	out.Sections = topSections(content.Sections, 3)
	return out
}

// extractWithRetry retries once when the first attempt died on a
// navigation timeout or page crash.
func extractWithRetry(ctx context.Context, deps TemplateDeps, sessionID, url string) pageExtract {
	out := extractOne(ctx, deps, sessionID, url)
	if out.Error == "" {
		return out
	}
	switch out.ErrorCode {
	case errs.CodeNavigationTimeout, errs.CodePageCrashed:
		deps.Log.Debug("retrying page after transient failure", "url", url, "code", out.ErrorCode)
		return extractOne(ctx, deps, sessionID, url)
	}
	return out
}

func waitStable(ctx context.Context, tab *browser.Tab, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tab.Tracker.IsStable(define.StabilityQuietWindow) {
			return true
		}
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func topSections(sections []semantic.Section, n int) []semantic.Section {
	if len(sections) <= n {
		return sections
	}
	return sections[:n]
}

// --- batch extract ---

// runBatchExtract visits every URL with sliding-window concurrency and
// returns per-URL extractions plus a summary the run manager derives the
// terminal status from.
func runBatchExtract(ctx context.Context, deps TemplateDeps, handle *RunHandle, sessionID string, inputs map[string]any) (any, error) {
	urls := stringsFrom(inputs["urls"])
	if len(urls) == 0 {
		return nil, errs.New(errs.CodeInvalidParameter, "batch_extract_pages needs at least one url")
	}

	concurrency := intFrom(inputs["concurrency"], 3)
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 5 {
		concurrency = 5
	}

	handle.SetProgress(0, len(urls))

	results := make([]pageExtract, len(urls))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var doneCount int
	var mu sync.Mutex

	for i, url := range urls {
		if handle.Canceled() || ctx.Err() != nil {
			results[i] = pageExtract{URL: url, Error: "canceled", ErrorCode: errs.CodeRunCanceled}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = extractWithRetry(ctx, deps, sessionID, url)
			mu.Lock()
			doneCount++
			handle.SetProgress(doneCount, len(urls))
			mu.Unlock()
		}(i, url)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Error == "" {
			succeeded++
		}
	}
	return map[string]any{
		"results": results,
		"summary": map[string]any{
			"succeeded": succeeded,
			"failed":    len(urls) - succeeded,
			"total":     len(urls),
		},
	}, nil
}

// --- multi-tab compare ---

// fieldDiff is the comparison of one field across pages.
type fieldDiff struct {
	Field  string `json:"field"`
	Equal  bool   `json:"equal"`
	Values []any  `json:"values"`
}

// runMultiTabCompare extracts up to ten URLs and diffs title, element
// count (with numeric tolerance) and top sections across them.
func runMultiTabCompare(ctx context.Context, deps TemplateDeps, handle *RunHandle, sessionID string, inputs map[string]any) (any, error) {
	urls := stringsFrom(inputs["urls"])
	if len(urls) < 2 {
		return nil, errs.New(errs.CodeInvalidParameter, "multi_tab_compare needs at least two urls")
	}
	if len(urls) > 10 {
		return nil, errs.New(errs.CodeInvalidParameter, "multi_tab_compare accepts at most ten urls")
	}
	tolerance := floatFrom(inputs["tolerance"], 0.1)

	handle.SetProgress(0, len(urls)+1)

	results := make([]pageExtract, len(urls))
	for i, url := range urls {
		if handle.Canceled() {
			return nil, errs.New(errs.CodeRunCanceled, "canceled between pages")
		}
		results[i] = extractWithRetry(ctx, deps, sessionID, url)
		handle.SetProgress(i+1, len(urls)+1)
	}

	succeeded := 0
	for _, r := range results {
		if r.Error == "" {
			succeeded++
		}
	}

	var diffs []fieldDiff

	titles := make([]any, len(results))
	titlesEqual := true
	for i, r := range results {
		titles[i] = r.Title
		if r.Title != results[0].Title {
			titlesEqual = false
		}
	}
	diffs = append(diffs, fieldDiff{Field: "title", Equal: titlesEqual, Values: titles})

	counts := make([]any, len(results))
	countsEqual := true
	base := float64(results[0].ElementCount)
	for i, r := range results {
		counts[i] = r.ElementCount
		if base > 0 && math.Abs(float64(r.ElementCount)-base)/base > tolerance {
			countsEqual = false
		}
	}
	diffs = append(diffs, fieldDiff{Field: "elementCount", Equal: countsEqual, Values: counts})

	sections := make([]any, len(results))
	sectionsEqual := true
	for i, r := range results {
		var texts []string
		for _, s := range r.Sections {
			texts = append(texts, s.Text)
		}
		sections[i] = texts
		if strings.Join(texts, "\n") != firstSectionKey(results[0]) {
			sectionsEqual = false
		}
	}
	diffs = append(diffs, fieldDiff{Field: "topSections", Equal: sectionsEqual, Values: sections})

	handle.SetProgress(len(urls)+1, len(urls)+1)
	return map[string]any{
		"results": results,
		"diffs":   diffs,
		"summary": map[string]any{
			"succeeded": succeeded,
			"failed":    len(urls) - succeeded,
			"total":     len(urls),
		},
	}, nil
}

func firstSectionKey(r pageExtract) string {
	var texts []string
	for _, s := range r.Sections {
		texts = append(texts, s.Text)
	}
	return strings.Join(texts, "\n")
}

// --- login and keep session ---

// runLoginKeep logs into a site and leaves the session alive so later
// runs reuse the authenticated state.
func runLoginKeep(ctx context.Context, deps TemplateDeps, handle *RunHandle, sessionID string, inputs map[string]any) (any, error) {
	url, _ := inputs["url"].(string)
	username, _ := inputs["username"].(string)
	password, _ := inputs["password"].(string)
	if url == "" || username == "" || password == "" {
		return nil, errs.New(errs.CodeInvalidParameter, "login_and_keep_session needs url, username and password")
	}

	handle.SetProgress(0, 5)

	tab, err := deps.Sessions.GetActiveTab(sessionID)
	if err != nil {
		return nil, err
	}
	deps.Sessions.InjectCookies(ctx, tab)
	if err := tab.Page.Navigate(ctx, url, define.NavigationTimeout); err != nil {
		return nil, errs.Wrap(errs.Classify(err), "open login page", err)
	}
	waitStable(ctx, tab, define.StabilityTimeout)
	handle.SetProgress(1, 5)

	// Resolve the three fields: explicit selectors win; otherwise a
	// page-info pass plus semantic queries.
	userSel, _ := inputs["usernameSelector"].(string)
	passSel, _ := inputs["passwordSelector"].(string)
	submitSel, _ := inputs["submitSelector"].(string)

	if userSel == "" || passSel == "" {
		elements, err := deps.Lib.CollectElements(ctx, tab.Page, 0, false)
		if err != nil {
			return nil, errs.Wrap(errs.Classify(err), "collect login form elements", err)
		}
		if userSel == "" {
			userSel = resolveQuerySelector(elements, queryOr(inputs, "usernameQuery", "username email account"))
		}
		if passSel == "" {
			passSel = resolvePasswordSelector(elements)
		}
		if submitSel == "" {
			submitSel = resolveQuerySelector(elements, queryOr(inputs, "submitQuery", "login sign in submit"))
		}
	}
	if userSel == "" || passSel == "" {
		return nil, errs.New(errs.CodeLoginFieldNotFound, "could not locate the username or password field")
	}
	handle.SetProgress(2, 5)

	if err := typeWithRetry(ctx, tab, userSel, username); err != nil {
		return nil, errs.Wrap(errs.CodeLoginFieldNotFound, "fill username", err)
	}
	if err := typeWithRetry(ctx, tab, passSel, password); err != nil {
		return nil, errs.Wrap(errs.CodeLoginFieldNotFound, "fill password", err)
	}
	handle.SetProgress(3, 5)

	if submitSel != "" {
		if err := clickSelector(ctx, tab, submitSel); err != nil {
			// Fall back to submitting the focused form.
			_ = tab.Page.PressKey(ctx, "Enter")
		}
	} else {
		_ = tab.Page.PressKey(ctx, "Enter")
	}

	loggedIn := waitSuccess(ctx, tab, inputs)
	handle.SetProgress(4, 5)

	deps.Sessions.SaveAllCookies(ctx, sessionID)
	currentURL, _ := tab.Page.URL(ctx)
	handle.SetProgress(5, 5)

	return map[string]any{
		"success":   loggedIn,
		"sessionId": sessionID,
		"url":       currentURL,
	}, nil
}

// waitSuccess waits for the configured success indicator: a selector, a
// URL substring, or page stability, bounded by ten seconds.
func waitSuccess(ctx context.Context, tab *browser.Tab, inputs map[string]any) bool {
	indicatorType, _ := inputs["successIndicator"].(string)
	indicatorValue, _ := inputs["successValue"].(string)
	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		switch indicatorType {
		case "selector":
			var found bool
			script := fmt.Sprintf(`document.querySelector(%q) !== null`, indicatorValue)
			if err := tab.Page.Evaluate(ctx, script, &found); err == nil && found {
				return true
			}
		case "url_contains":
			if u, err := tab.Page.URL(ctx); err == nil && strings.Contains(u, indicatorValue) {
				return true
			}
		default: // stable
			if tab.Tracker.IsStable(define.StabilityQuietWindow) {
				return true
			}
		}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// typeWithRetry clears and fills a field, retrying once on failure.
func typeWithRetry(ctx context.Context, tab *browser.Tab, selector, text string) error {
	err := typeInto(ctx, tab, selector, text)
	if err == nil {
		return nil
	}
	return typeInto(ctx, tab, selector, text)
}

func typeInto(ctx context.Context, tab *browser.Tab, selector, text string) error {
	var found bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.focus();
		el.value = '';
		el.dispatchEvent(new Event('input', {bubbles: true}));
		return true;
	})()`, selector)
	if err := tab.Page.Evaluate(ctx, script, &found); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no element matches %q", selector)
	}
	return tab.Page.SendKeys(ctx, selector, text)
}

func clickSelector(ctx context.Context, tab *browser.Tab, selector string) error {
	var pos struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return null;
		el.scrollIntoViewIfNeeded ? el.scrollIntoViewIfNeeded(true) : el.scrollIntoView();
		const rect = el.getBoundingClientRect();
		return {x: rect.x + rect.width/2, y: rect.y + rect.height/2};
	})()`, selector)
	if err := tab.Page.Evaluate(ctx, script, &pos); err != nil {
		return err
	}
	if pos.X == 0 && pos.Y == 0 {
		return fmt.Errorf("no element matches %q", selector)
	}
	return tab.Page.ClickXY(ctx, pos.X, pos.Y)
}

// resolveQuerySelector finds the best element for a semantic query and
// returns its data-semantic-id selector.
func resolveQuerySelector(elements []semantic.Element, query string) string {
	matches := semantic.FindByQuery(elements, query, 1)
	if len(matches) == 0 {
		return ""
	}
	return semantic.SelectorFor(matches[0].Element.ID)
}

// resolvePasswordSelector prefers the typed password box.
func resolvePasswordSelector(elements []semantic.Element) string {
	for _, el := range elements {
		if el.Type == "password" {
			return semantic.SelectorFor(el.ID)
		}
	}
	return resolveQuerySelector(elements, "password")
}

func queryOr(inputs map[string]any, key, fallback string) string {
	if q, ok := inputs[key].(string); ok && q != "" {
		return q
	}
	return fallback
}

// --- input coercion ---

func stringsFrom(raw any) []string {
	switch list := raw.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intFrom(raw any, fallback int) int {
	switch n := raw.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return fallback
}

func floatFrom(raw any, fallback float64) float64 {
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}

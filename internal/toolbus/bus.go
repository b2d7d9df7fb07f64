package toolbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"browserpilot/internal/browser"
	"browserpilot/internal/define"
	"browserpilot/internal/errs"
	"browserpilot/internal/semantic"
)

// Result is the structured outcome of one tool call. Errors are data, not
// raised: the agent loop feeds them back to the LLM so it can adjust.
type Result struct {
	OK        bool           `json:"ok"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode errs.Code      `json:"errorCode,omitempty"`
	Message   string         `json:"message,omitempty"`
	Hint      string         `json:"hint,omitempty"`
}

func ok(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

func fail(code errs.Code, message string) Result {
	return Result{ErrorCode: code, Message: message}
}

func failHint(code errs.Code, message, hint string) Result {
	return Result{ErrorCode: code, Message: message, Hint: hint}
}

// elementCache remembers the last collected element set per session so
// click/type calls can resolve element ids without re-walking the DOM.
type elementCache struct {
	url      string
	elements []semantic.Element
	byID     map[string]semantic.Element
}

// Bus dispatches LLM tool calls against browser sessions.
type Bus struct {
	log      *slog.Logger
	sessions *browser.Manager
	lib      semantic.Library

	// scriptToolsBlocked gates execute_javascript and upload_file for
	// deployments that don't trust the driving model with them.
	scriptToolsBlocked bool

	mu    sync.Mutex
	cache map[string]*elementCache
}

// New creates the tool bus.
func New(log *slog.Logger, sessions *browser.Manager, lib semantic.Library) *Bus {
	return &Bus{
		log:      log.With("component", "toolbus"),
		sessions: sessions,
		lib:      lib,
		cache:    make(map[string]*elementCache),
	}
}

// BlockScriptTools disables execute_javascript and upload_file; calls to
// them return TRUST_LEVEL_NOT_ALLOWED.
func (b *Bus) BlockScriptTools() {
	b.scriptToolsBlocked = true
}

// ForgetSession drops cached element state for a finished session.
func (b *Bus) ForgetSession(sessionID string) {
	b.mu.Lock()
	delete(b.cache, sessionID)
	b.mu.Unlock()
}

// Elements returns the cached element set for a session (empty when
// get_page_info has not run yet).
func (b *Bus) Elements(sessionID string) []semantic.Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.cache[sessionID]; ok {
		return c.elements
	}
	return nil
}

// Dispatch runs one tool call. Malformed JSON arguments come back as an
// INVALID_PARAMETER result rather than an error so the loop can continue.
func (b *Bus) Dispatch(ctx context.Context, sessionID, tool, argsJSON string) Result {
	b.sessions.UpdateActivity(sessionID)

	res := b.dispatch(ctx, sessionID, tool, argsJSON)
	if !res.OK {
		b.log.Debug("tool failed", "tool", tool, "code", res.ErrorCode, "message", res.Message)
	}
	return res
}

// decodeArgs unmarshals tool arguments into the tool's typed struct.
func decodeArgs(argsJSON string, into any) error {
	if strings.TrimSpace(argsJSON) == "" {
		return nil
	}
	return json.Unmarshal([]byte(argsJSON), into)
}

func (b *Bus) dispatch(ctx context.Context, sessionID, tool, argsJSON string) Result {
	switch tool {
	case ToolNavigate:
		var args struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.navigate(ctx, sessionID, args.URL)

	case ToolGetPageInfo:
		var args struct {
			MaxElements int  `json:"maxElements"`
			VisibleOnly bool `json:"visibleOnly"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.getPageInfo(ctx, sessionID, args.MaxElements, args.VisibleOnly)

	case ToolGetPageContent:
		var args struct {
			MaxLength int `json:"maxLength"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.getPageContent(ctx, sessionID, args.MaxLength)

	case ToolClick:
		var args struct {
			ElementID string `json:"element_id"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.click(ctx, sessionID, args.ElementID)

	case ToolTypeText:
		var args struct {
			ElementID string `json:"element_id"`
			Text      string `json:"text"`
			Submit    bool   `json:"submit"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.typeText(ctx, sessionID, args.ElementID, args.Text, args.Submit)

	case ToolPressKey:
		var args struct {
			Key       string   `json:"key"`
			Modifiers []string `json:"modifiers"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.pressKey(ctx, sessionID, args.Key, args.Modifiers)

	case ToolScroll:
		var args struct {
			Direction string `json:"direction"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.scroll(ctx, sessionID, args.Direction)

	case ToolGoBack:
		return b.goBack(ctx, sessionID)

	case ToolFindElement:
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.findElement(ctx, sessionID, args.Query, args.Limit)

	case ToolWait:
		var args struct {
			Condition string `json:"condition"`
			Ms        int    `json:"ms"`
			Selector  string `json:"selector"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.wait(ctx, sessionID, args.Condition, args.Ms, args.Selector)

	case ToolWaitForStable:
		return b.wait(ctx, sessionID, "stable", 0, "")

	case ToolExecuteJS:
		if b.scriptToolsBlocked {
			return fail(errs.CodeTrustLevelNotAllowed, "execute_javascript is not allowed at this trust level")
		}
		var args struct {
			Script string `json:"script"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.executeJS(ctx, sessionID, args.Script)

	case ToolSelectOption:
		var args struct {
			ElementID string `json:"element_id"`
			Option    string `json:"option"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.selectOption(ctx, sessionID, args.ElementID, args.Option)

	case ToolHover:
		var args struct {
			ElementID string `json:"element_id"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.hover(ctx, sessionID, args.ElementID)

	case ToolSetValue:
		var args struct {
			ElementID string `json:"element_id"`
			Value     string `json:"value"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.setValue(ctx, sessionID, args.ElementID, args.Value)

	case ToolCreateTab:
		var args struct {
			URL string `json:"url"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.createTab(ctx, sessionID, args.URL)

	case ToolCloseTab:
		var args struct {
			TabID string `json:"tab_id"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.closeTab(ctx, sessionID, args.TabID)

	case ToolSwitchTab:
		var args struct {
			TabID string `json:"tab_id"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		if !b.sessions.SwitchTab(sessionID, args.TabID) {
			return fail(errs.CodeTabNotFound, "tab not found: "+args.TabID)
		}
		return ok(map[string]any{"tabId": args.TabID})

	case ToolListTabs:
		return b.listTabs(ctx, sessionID)

	case ToolScreenshot:
		var args struct {
			FullPage  bool   `json:"fullPage"`
			ElementID string `json:"element_id"`
			Format    string `json:"format"`
			Quality   int    `json:"quality"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.screenshot(ctx, sessionID, args.FullPage, args.ElementID, args.Format, args.Quality)

	case ToolHandleDialog:
		var args struct {
			Action string `json:"action"`
			Text   string `json:"text"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.handleDialog(ctx, sessionID, args.Action, args.Text)

	case ToolGetDialogInfo:
		return b.getDialogInfo(sessionID)

	case ToolGetNetworkLogs:
		var args struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.getNetworkLogs(sessionID, args.Limit)

	case ToolGetConsoleLogs:
		var args struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.getConsoleLogs(sessionID, args.Limit)

	case ToolUploadFile:
		if b.scriptToolsBlocked {
			return fail(errs.CodeTrustLevelNotAllowed, "upload_file is not allowed at this trust level")
		}
		var args struct {
			ElementID string `json:"element_id"`
			FilePath  string `json:"filePath"`
		}
		if err := decodeArgs(argsJSON, &args); err != nil {
			return fail(errs.CodeInvalidParameter, "invalid arguments: "+err.Error())
		}
		return b.uploadFile(ctx, sessionID, args.ElementID, args.FilePath)

	case ToolGetDownloads:
		return b.getDownloads(sessionID)

	default:
		return fail(errs.CodeInvalidRequest, "unknown tool: "+tool)
	}
}

// --- helpers ---

func (b *Bus) activeTab(sessionID string) (*browser.Tab, Result) {
	tab, err := b.sessions.GetActiveTab(sessionID)
	if err != nil {
		return nil, fail(errs.CodeOf(err), err.Error())
	}
	return tab, Result{OK: true}
}

const refreshHint = "The element list may be stale. Call get_page_info to refresh element ids."

// resolveElement looks an element id up in the session's cached set.
func (b *Bus) resolveElement(sessionID, elementID string) (semantic.Element, Result) {
	if elementID == "" {
		return semantic.Element{}, fail(errs.CodeInvalidParameter, "element_id is required")
	}
	b.mu.Lock()
	c, cached := b.cache[sessionID]
	b.mu.Unlock()
	if !cached || len(c.elements) == 0 {
		return semantic.Element{}, failHint(errs.CodeElementNotFound,
			"no element list collected yet", refreshHint)
	}
	el, found := c.byID[elementID]
	if !found {
		return semantic.Element{}, failHint(errs.CodeElementNotFound,
			fmt.Sprintf("element %q not found in the current page", elementID), refreshHint)
	}
	return el, Result{OK: true}
}

func (b *Bus) storeElements(sessionID, url string, elements []semantic.Element) {
	byID := make(map[string]semantic.Element, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}
	b.mu.Lock()
	b.cache[sessionID] = &elementCache{url: url, elements: elements, byID: byID}
	b.mu.Unlock()
}

func (b *Bus) invalidateElements(sessionID string) {
	b.mu.Lock()
	delete(b.cache, sessionID)
	b.mu.Unlock()
}

// adoptPopup registers a popup opened by the last interaction as a tab.
func (b *Bus) adoptPopup(ctx context.Context, sessionID string, tab *browser.Tab) (adopted *browser.Tab) {
	popup := tab.Tracker.TakePopup()
	if popup == nil || popup.Page() == nil {
		return nil
	}
	return b.sessions.RegisterPopupAsTab(ctx, sessionID, popup.Page())
}

// --- tool implementations ---

func (b *Bus) navigate(ctx context.Context, sessionID, url string) Result {
	if url == "" {
		return fail(errs.CodeInvalidParameter, "url is required")
	}
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}

	// Inject the full jar first so cross-domain redirects keep SSO state.
	b.sessions.InjectCookies(ctx, tab)

	if err := tab.Page.Navigate(ctx, url, define.NavigationTimeout); err != nil {
		return fail(errs.Classify(err), "navigation failed: "+err.Error())
	}

	// Cookie save must complete before the URL change is reported.
	b.sessions.SaveAllCookies(ctx, sessionID)
	tab.SetLastURL(url)
	b.invalidateElements(sessionID)

	finalURL, _ := tab.Page.URL(ctx)
	if finalURL == "" {
		finalURL = url
	}
	return ok(map[string]any{"url": finalURL})
}

func (b *Bus) getPageInfo(ctx context.Context, sessionID string, maxElements int, visibleOnly bool) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	elements, err := b.lib.CollectElements(ctx, tab.Page, maxElements, visibleOnly)
	if err != nil {
		return fail(errs.Classify(err), "element collection failed: "+err.Error())
	}
	url, _ := tab.Page.URL(ctx)
	b.storeElements(sessionID, url, elements)

	return ok(map[string]any{
		"url":      url,
		"count":    len(elements),
		"elements": elements,
	})
}

func (b *Bus) getPageContent(ctx context.Context, sessionID string, maxLength int) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	content, err := b.lib.ExtractContent(ctx, tab.Page, maxLength)
	if err != nil {
		return fail(errs.Classify(err), "content extraction failed: "+err.Error())
	}
	return ok(map[string]any{
		"title":    content.Title,
		"sections": content.Sections,
		"links":    content.Links,
	})
}

func (b *Bus) click(ctx context.Context, sessionID, elementID string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}

	urlBefore, _ := tab.Page.URL(ctx)

	x, y := semantic.CenterOf(el)
	if err := tab.Page.ClickXY(ctx, x, y); err != nil {
		return fail(errs.Classify(err), "click failed: "+err.Error())
	}

	// Give a popup or navigation a moment to materialize.
	time.Sleep(300 * time.Millisecond)

	data := map[string]any{"clicked": elementID}
	if adopted := b.adoptPopup(ctx, sessionID, tab); adopted != nil {
		data["popupTabId"] = adopted.ID
	}

	b.sessions.SaveAllCookies(ctx, sessionID)

	urlAfter, _ := tab.Page.URL(ctx)
	if urlAfter != "" && urlAfter != urlBefore {
		tab.SetLastURL(urlAfter)
		b.invalidateElements(sessionID)
		data["navigatedTo"] = urlAfter
	}
	return ok(data)
}

func (b *Bus) typeText(ctx context.Context, sessionID, elementID, text string, submit bool) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}

	selector := semantic.SelectorFor(el.ID)

	// Focus and clear through the DOM, then type real keystrokes.
	var focused bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.scrollIntoViewIfNeeded ? el.scrollIntoViewIfNeeded(true) : el.scrollIntoView();
		el.focus();
		el.value = '';
		el.dispatchEvent(new Event('input', {bubbles: true}));
		return true;
	})()`, selector)
	if err := tab.Page.Evaluate(ctx, script, &focused); err != nil {
		return fail(errs.Classify(err), "focus failed: "+err.Error())
	}
	if !focused {
		return failHint(errs.CodeElementNotFound,
			fmt.Sprintf("element %q no longer present", elementID), refreshHint)
	}

	if err := tab.Page.SendKeys(ctx, selector, text); err != nil {
		return fail(errs.Classify(err), "typing failed: "+err.Error())
	}

	if submit {
		if err := tab.Page.PressKey(ctx, "Enter"); err != nil {
			return fail(errs.Classify(err), "submit failed: "+err.Error())
		}
		b.sessions.SaveAllCookies(ctx, sessionID)
		b.invalidateElements(sessionID)
	}
	return ok(map[string]any{"typed": elementID, "submitted": submit})
}

func (b *Bus) pressKey(ctx context.Context, sessionID, key string, modifiers []string) Result {
	if key == "" {
		return fail(errs.CodeInvalidParameter, "key is required")
	}
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if err := tab.Page.PressKey(ctx, key, modifiers...); err != nil {
		return fail(errs.Classify(err), "key press failed: "+err.Error())
	}
	return ok(map[string]any{"key": key})
}

func (b *Bus) scroll(ctx context.Context, sessionID, direction string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	var script string
	switch direction {
	case "down", "":
		script = "window.scrollBy(0, window.innerHeight * 0.8)"
	case "up":
		script = "window.scrollBy(0, -window.innerHeight * 0.8)"
	case "top":
		script = "window.scrollTo(0, 0)"
	case "bottom":
		script = "window.scrollTo(0, document.body.scrollHeight)"
	default:
		return fail(errs.CodeInvalidParameter, "direction must be one of up, down, top, bottom")
	}
	if err := tab.Page.Evaluate(ctx, script, nil); err != nil {
		return fail(errs.Classify(err), "scroll failed: "+err.Error())
	}
	return ok(map[string]any{"scrolled": direction})
}

func (b *Bus) goBack(ctx context.Context, sessionID string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if err := tab.Page.GoBack(ctx); err != nil {
		return fail(errs.Classify(err), "go back failed: "+err.Error())
	}
	b.sessions.SaveAllCookies(ctx, sessionID)
	b.invalidateElements(sessionID)
	url, _ := tab.Page.URL(ctx)
	tab.SetLastURL(url)
	return ok(map[string]any{"url": url})
}

func (b *Bus) findElement(ctx context.Context, sessionID, query string, limit int) Result {
	if query == "" {
		return fail(errs.CodeInvalidParameter, "query is required")
	}
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}

	b.mu.Lock()
	c, cached := b.cache[sessionID]
	b.mu.Unlock()

	var elements []semantic.Element
	if cached {
		elements = c.elements
	} else {
		var err error
		elements, err = b.lib.CollectElements(ctx, tab.Page, 0, false)
		if err != nil {
			return fail(errs.Classify(err), "element collection failed: "+err.Error())
		}
		url, _ := tab.Page.URL(ctx)
		b.storeElements(sessionID, url, elements)
	}

	matches := semantic.FindByQuery(elements, query, limit)
	if len(matches) == 0 {
		return failHint(errs.CodeElementNotFound,
			fmt.Sprintf("no element matches %q", query),
			"Try get_page_info to inspect the page, or a simpler query.")
	}
	return ok(map[string]any{"matches": matches})
}

func (b *Bus) wait(ctx context.Context, sessionID, condition string, ms int, selector string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if ms <= 0 {
		ms = int(define.StabilityTimeout / time.Millisecond)
	}
	if ms > 30000 {
		ms = 30000
	}
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)

	switch condition {
	case "time":
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return fail(errs.CodeExecutionError, ctx.Err().Error())
		}
		return ok(map[string]any{"waitedMs": ms})

	case "selector":
		if selector == "" {
			return fail(errs.CodeInvalidParameter, "selector is required for condition=selector")
		}
		script := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
		for time.Now().Before(deadline) {
			var found bool
			if err := tab.Page.Evaluate(ctx, script, &found); err == nil && found {
				return ok(map[string]any{"found": selector})
			}
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return fail(errs.CodeExecutionError, ctx.Err().Error())
			}
		}
		return fail(errs.CodePageLoadTimeout, fmt.Sprintf("selector %q did not appear within %dms", selector, ms))

	case "stable", "":
		for time.Now().Before(deadline) {
			if tab.Tracker.IsStable(define.StabilityQuietWindow) {
				return ok(map[string]any{"stable": true})
			}
			select {
			case <-time.After(150 * time.Millisecond):
			case <-ctx.Done():
				return fail(errs.CodeExecutionError, ctx.Err().Error())
			}
		}
		// Not stable in time: report it, the LLM may proceed anyway.
		return ok(map[string]any{"stable": false, "loadState": string(tab.Tracker.LoadState())})

	default:
		return fail(errs.CodeInvalidParameter, "condition must be one of time, selector, stable")
	}
}

func (b *Bus) executeJS(ctx context.Context, sessionID, script string) Result {
	if strings.TrimSpace(script) == "" {
		return fail(errs.CodeInvalidParameter, "script is required")
	}
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	var out any
	if err := tab.Page.Evaluate(ctx, script, &out); err != nil {
		return fail(errs.Classify(err), "script failed: "+err.Error())
	}
	return ok(map[string]any{"result": out})
}

func (b *Bus) selectOption(ctx context.Context, sessionID, elementID, option string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el || el.tagName.toLowerCase() !== 'select') return 'not a select';
		const want = %q;
		for (const opt of el.options) {
			if (opt.value === want || opt.text.trim() === want) {
				el.value = opt.value;
				el.dispatchEvent(new Event('change', {bubbles: true}));
				return '';
			}
		}
		return 'option not found';
	})()`, semantic.SelectorFor(el.ID), option)

	var errText string
	if err := tab.Page.Evaluate(ctx, script, &errText); err != nil {
		return fail(errs.Classify(err), "select failed: "+err.Error())
	}
	if errText != "" {
		return failHint(errs.CodeElementNotFound, errText, refreshHint)
	}
	return ok(map[string]any{"selected": option})
}

func (b *Bus) hover(ctx context.Context, sessionID, elementID string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}
	x, y := semantic.CenterOf(el)
	if err := tab.Page.HoverXY(ctx, x, y); err != nil {
		return fail(errs.Classify(err), "hover failed: "+err.Error())
	}
	return ok(map[string]any{"hovered": elementID})
}

func (b *Bus) setValue(ctx context.Context, sessionID, elementID, value string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, semantic.SelectorFor(el.ID), value)

	var done bool
	if err := tab.Page.Evaluate(ctx, script, &done); err != nil {
		return fail(errs.Classify(err), "set value failed: "+err.Error())
	}
	if !done {
		return failHint(errs.CodeElementNotFound,
			fmt.Sprintf("element %q no longer present", elementID), refreshHint)
	}
	return ok(map[string]any{"set": elementID})
}

func (b *Bus) createTab(ctx context.Context, sessionID, url string) Result {
	tab, err := b.sessions.CreateTab(ctx, sessionID, url)
	if err != nil {
		return fail(errs.CodeOf(err), err.Error())
	}
	b.invalidateElements(sessionID)
	return ok(map[string]any{"tabId": tab.ID, "url": url})
}

func (b *Bus) closeTab(ctx context.Context, sessionID, tabID string) Result {
	if tabID == "" {
		tab, res := b.activeTab(sessionID)
		if !res.OK {
			return res
		}
		tabID = tab.ID
	}
	if !b.sessions.CloseTab(ctx, sessionID, tabID) {
		return fail(errs.CodeTabNotFound, "tab not found: "+tabID)
	}
	b.invalidateElements(sessionID)
	return ok(map[string]any{"closed": tabID})
}

func (b *Bus) listTabs(ctx context.Context, sessionID string) Result {
	tabs, err := b.sessions.ListTabs(sessionID)
	if err != nil {
		return fail(errs.CodeOf(err), err.Error())
	}
	sess, _ := b.sessions.Get(sessionID)

	list := make([]map[string]any, 0, len(tabs))
	for _, t := range tabs {
		entry := map[string]any{"tabId": t.ID, "url": t.LastURL()}
		if sess != nil && sess.ActiveTabID() == t.ID {
			entry["active"] = true
		}
		list = append(list, entry)
	}
	return ok(map[string]any{"tabs": list})
}

func (b *Bus) screenshot(ctx context.Context, sessionID string, fullPage bool, elementID, format string, quality int) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	if format == "" {
		format = "png"
	}

	if elementID != "" {
		el, res := b.resolveElement(sessionID, elementID)
		if !res.OK {
			return res
		}
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (el) el.scrollIntoView({block: 'center'});
			return el !== null;
		})()`, semantic.SelectorFor(el.ID))
		var found bool
		_ = tab.Page.Evaluate(ctx, script, &found)
		if !found {
			return failHint(errs.CodeElementNotFound,
				fmt.Sprintf("element %q no longer present", elementID), refreshHint)
		}
	}

	img, err := tab.Page.Screenshot(ctx, fullPage, format, quality)
	if err != nil {
		return fail(errs.Classify(err), "screenshot failed: "+err.Error())
	}
	return ok(map[string]any{
		"format": format,
		"bytes":  len(img),
		"base64": base64.StdEncoding.EncodeToString(img),
	})
}

func (b *Bus) handleDialog(ctx context.Context, sessionID, action, text string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	var accept bool
	switch action {
	case "accept":
		accept = true
	case "dismiss":
		accept = false
	default:
		return fail(errs.CodeInvalidParameter, "action must be accept or dismiss")
	}
	if err := tab.Page.HandleDialog(ctx, accept, text); err != nil {
		return fail(errs.Classify(err), "dialog handling failed: "+err.Error())
	}
	if d := tab.Tracker.LastDialog(); d != nil {
		d.Handled = true
	}
	return ok(map[string]any{"action": action})
}

func (b *Bus) getDialogInfo(sessionID string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	d := tab.Tracker.LastDialog()
	if d == nil {
		return ok(map[string]any{"open": false})
	}
	return ok(map[string]any{
		"open":    true,
		"type":    d.Type,
		"message": d.Message,
	})
}

func (b *Bus) getNetworkLogs(sessionID string, limit int) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if limit <= 0 {
		limit = 30
	}
	logs := tab.Tracker.NetworkLog()
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return ok(map[string]any{"requests": logs})
}

func (b *Bus) getConsoleLogs(sessionID string, limit int) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	if limit <= 0 {
		limit = 30
	}
	logs := tab.Tracker.ConsoleLog()
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return ok(map[string]any{"messages": logs})
}

func (b *Bus) uploadFile(ctx context.Context, sessionID, elementID, filePath string) Result {
	if filePath == "" {
		return fail(errs.CodeInvalidParameter, "filePath is required")
	}
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	el, res := b.resolveElement(sessionID, elementID)
	if !res.OK {
		return res
	}
	if err := tab.Page.SetUploadFiles(ctx, semantic.SelectorFor(el.ID), []string{filePath}); err != nil {
		return fail(errs.Classify(err), "upload failed: "+err.Error())
	}
	return ok(map[string]any{"uploaded": filePath})
}

func (b *Bus) getDownloads(sessionID string) Result {
	tab, res := b.activeTab(sessionID)
	if !res.OK {
		return res
	}
	return ok(map[string]any{"downloads": tab.Tracker.Downloads()})
}

package browser

import (
	"context"
	"time"
)

// Cookie is the driver-neutral cookie record stored by the cookie store and
// exchanged with the devtools protocol.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// PageEvent is one record delivered by a page listener. Exactly one of the
// payload fields is set, discriminated by Kind.
type PageEvent struct {
	Kind EventKind
	Time time.Time

	Network  *NetworkRecord
	Console  *ConsoleRecord
	Dialog   *DialogRecord
	Download *DownloadRecord
	Popup    *PopupRecord
	// LoadState carries the new load state for KindLoadState events.
	LoadState LoadState
	// URL carries the destination for KindNavigated events.
	URL string
}

// EventKind discriminates PageEvent payloads.
type EventKind int

const (
	KindNetwork EventKind = iota
	KindConsole
	KindDialog
	KindDownload
	KindPopup
	KindLoadState
	KindNavigated
	KindDOMMutation
)

// LoadState is the page load lifecycle value tracked per tab.
type LoadState string

const (
	LoadStateLoading          LoadState = "loading"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoaded           LoadState = "loaded"
)

// NetworkRecord is one request/response observation.
type NetworkRecord struct {
	RequestID string    `json:"requestId"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Status    int       `json:"status,omitempty"`
	Type      string    `json:"type,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Failed    bool      `json:"failed,omitempty"`
}

// ConsoleRecord is one console message.
type ConsoleRecord struct {
	Level string    `json:"level"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// DialogRecord is one native dialog occurrence.
type DialogRecord struct {
	Type    string    `json:"type"` // alert, confirm, prompt, beforeunload
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Handled bool      `json:"handled"`
}

// DownloadRecord is one download observation.
type DownloadRecord struct {
	URL      string    `json:"url"`
	Filename string    `json:"filename"`
	Time     time.Time `json:"time"`
}

// PopupRecord is one popup (new window/tab opened by the page).
type PopupRecord struct {
	URL  string    `json:"url"`
	Time time.Time `json:"time"`
	// page is the adopted popup page, available until registered as a tab.
	page Page
}

// Page returns the popup's page handle, if the driver exposed one.
func (p *PopupRecord) Page() Page { return p.page }

// Page is the narrow surface the core needs from one browsing surface.
// The chromedp-backed implementation lives in chromedp_page.go; tests use
// fakes. Every method honors ctx cancellation.
type Page interface {
	// TargetID identifies the underlying driver target.
	TargetID() string

	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)

	// Navigate loads url and waits for the document to become ready,
	// bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// Evaluate runs script in the page and unmarshals the result into out
	// (out may be nil to discard).
	Evaluate(ctx context.Context, script string, out any) error

	// ClickXY dispatches a trusted mouse press+release at viewport
	// coordinates.
	ClickXY(ctx context.Context, x, y float64) error

	// HoverXY moves the mouse to viewport coordinates.
	HoverXY(ctx context.Context, x, y float64) error

	// SendKeys types text into the element matched by selector.
	SendKeys(ctx context.Context, selector, text string) error

	// PressKey dispatches a raw key (e.g. "Enter", "Tab") with optional
	// modifiers ("Control", "Shift", "Alt", "Meta").
	PressKey(ctx context.Context, key string, modifiers ...string) error

	// Screenshot captures the viewport (or full page) as image bytes.
	Screenshot(ctx context.Context, fullPage bool, format string, quality int) ([]byte, error)

	// GoBack navigates one entry back in the tab history.
	GoBack(ctx context.Context) error

	// Cookies returns all cookies visible to the browser, including
	// cross-domain ones (Storage.getCookies).
	Cookies(ctx context.Context) ([]Cookie, error)

	// SetCookies injects cookies into the browser context.
	SetCookies(ctx context.Context, cookies []Cookie) error

	// HandleDialog responds to the pending JavaScript dialog.
	HandleDialog(ctx context.Context, accept bool, text string) error

	// SetUploadFiles attaches local files to the file input matched by
	// selector.
	SetUploadFiles(ctx context.Context, selector string, files []string) error

	// Listen attaches an event callback; the returned detach func removes
	// it. Detach must be called on tab close to break the page↔tracker
	// cycle.
	Listen(fn func(PageEvent)) (detach func())

	// Close destroys the underlying target. Errors are advisory; callers
	// swallow them.
	Close(ctx context.Context) error
}

// Browser creates pages. Implemented by the chromedp instance pair; tests
// substitute fakes.
type Browser interface {
	// NewPage opens a new page (about:blank when url is empty).
	NewPage(ctx context.Context, url string) (Page, error)
	// Headless reports which kind of browser this is.
	Headless() bool
}

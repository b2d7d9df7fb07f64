// Package browsertest provides in-memory fakes of the browser driver seam
// for tests in other packages.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"browserpilot/internal/browser"
)

// FakePage is a scriptable browser.Page.
type FakePage struct {
	mu        sync.Mutex
	id        string
	url       string
	closed    bool
	listeners map[uint64]func(browser.PageEvent)
	nextID    uint64

	// NavigateErr fails Navigate when set.
	NavigateErr error
	// NavigateErrURLs fails Navigate for specific URLs.
	NavigateErrURLs map[string]error
	// EvalFn handles Evaluate calls; nil means "do nothing".
	EvalFn func(script string, out any) error
	// CookieList is returned by Cookies.
	CookieList []browser.Cookie
	// Typed accumulates SendKeys input.
	Typed []string
	// Keys accumulates PressKey input.
	Keys []string
	// Clicks accumulates ClickXY coordinates.
	Clicks [][2]float64
}

// NewFakePage creates a page with the given target id.
func NewFakePage(id string) *FakePage {
	return &FakePage{id: id, listeners: make(map[uint64]func(browser.PageEvent))}
}

func (p *FakePage) TargetID() string { return p.id }

func (p *FakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// SetURL sets the page's current location.
func (p *FakePage) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *FakePage) Navigate(_ context.Context, url string, _ time.Duration) error {
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	if err, ok := p.NavigateErrURLs[url]; ok {
		return err
	}
	p.SetURL(url)
	return nil
}

func (p *FakePage) Evaluate(_ context.Context, script string, out any) error {
	if p.EvalFn != nil {
		return p.EvalFn(script, out)
	}
	return nil
}

func (p *FakePage) ClickXY(_ context.Context, x, y float64) error {
	p.mu.Lock()
	p.Clicks = append(p.Clicks, [2]float64{x, y})
	p.mu.Unlock()
	return nil
}

func (p *FakePage) HoverXY(context.Context, float64, float64) error { return nil }

func (p *FakePage) SendKeys(_ context.Context, _, text string) error {
	p.mu.Lock()
	p.Typed = append(p.Typed, text)
	p.mu.Unlock()
	return nil
}

func (p *FakePage) PressKey(_ context.Context, key string, _ ...string) error {
	p.mu.Lock()
	p.Keys = append(p.Keys, key)
	p.mu.Unlock()
	return nil
}

func (p *FakePage) Screenshot(context.Context, bool, string, int) ([]byte, error) {
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}

func (p *FakePage) GoBack(context.Context) error { return nil }

func (p *FakePage) Cookies(context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.CookieList...), nil
}

func (p *FakePage) SetCookies(context.Context, []browser.Cookie) error { return nil }

func (p *FakePage) HandleDialog(context.Context, bool, string) error { return nil }

func (p *FakePage) SetUploadFiles(context.Context, string, []string) error { return nil }

func (p *FakePage) Listen(fn func(browser.PageEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Emit delivers an event to all listeners.
func (p *FakePage) Emit(ev browser.PageEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.mu.Lock()
	fns := make([]func(browser.PageEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *FakePage) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeBrowser mints FakePages.
type FakeBrowser struct {
	mu       sync.Mutex
	headless bool
	counter  int

	// Pages lists every page created, in order.
	Pages []*FakePage
	// OnNewPage, when set, configures each new page.
	OnNewPage func(p *FakePage)
	// NewPageErr fails NewPage when set.
	NewPageErr error
}

func (b *FakeBrowser) Headless() bool { return b.headless }

func (b *FakeBrowser) NewPage(_ context.Context, url string) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	b.counter++
	p := NewFakePage(fmt.Sprintf("target-%d", b.counter))
	p.url = url
	if b.OnNewPage != nil {
		b.OnNewPage(p)
	}
	b.Pages = append(b.Pages, p)
	return p, nil
}

// FakeProvider satisfies browser.Provider with FakeBrowsers.
type FakeProvider struct {
	mu sync.Mutex

	Headless *FakeBrowser
	Headful  *FakeBrowser
	idle     map[bool]time.Time
}

// NewFakeProvider creates a provider with empty browsers.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Headless: &FakeBrowser{headless: true},
		Headful:  &FakeBrowser{headless: false},
		idle:     make(map[bool]time.Time),
	}
}

func (f *FakeProvider) Get(headless bool) (browser.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idle, headless)
	if headless {
		return f.Headless, nil
	}
	return f.Headful, nil
}

func (f *FakeProvider) MarkIdle(headless bool) {
	f.mu.Lock()
	f.idle[headless] = time.Now()
	f.mu.Unlock()
}

func (f *FakeProvider) MarkBusy(headless bool) {
	f.mu.Lock()
	delete(f.idle, headless)
	f.mu.Unlock()
}

func (f *FakeProvider) CloseIdle(time.Duration) int { return 0 }

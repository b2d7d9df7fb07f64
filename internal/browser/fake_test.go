package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakePage is an in-memory Page for tests.
type fakePage struct {
	mu        sync.Mutex
	id        string
	url       string
	closed    bool
	cookies   []Cookie
	injected  []Cookie
	listeners map[uint64]func(PageEvent)
	nextID    uint64

	navigateErr error
	cookiesErr  error
	evalFn      func(script string, out any) error
}

func newFakePage(id string) *fakePage {
	return &fakePage{id: id, listeners: make(map[uint64]func(PageEvent))}
}

func (p *fakePage) TargetID() string { return p.id }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Navigate(_ context.Context, url string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.url = url
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, script string, out any) error {
	if p.evalFn != nil {
		return p.evalFn(script, out)
	}
	return nil
}

func (p *fakePage) ClickXY(context.Context, float64, float64) error { return nil }
func (p *fakePage) HoverXY(context.Context, float64, float64) error { return nil }
func (p *fakePage) SendKeys(context.Context, string, string) error  { return nil }
func (p *fakePage) PressKey(context.Context, string, ...string) error {
	return nil
}
func (p *fakePage) Screenshot(context.Context, bool, string, int) ([]byte, error) {
	return []byte{0x89, 0x50}, nil
}
func (p *fakePage) GoBack(context.Context) error { return nil }

func (p *fakePage) Cookies(context.Context) ([]Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cookiesErr != nil {
		return nil, p.cookiesErr
	}
	return append([]Cookie(nil), p.cookies...), nil
}

func (p *fakePage) SetCookies(_ context.Context, cookies []Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, cookies...)
	return nil
}

func (p *fakePage) HandleDialog(context.Context, bool, string) error { return nil }

func (p *fakePage) SetUploadFiles(context.Context, string, []string) error { return nil }

func (p *fakePage) Listen(fn func(PageEvent)) func() {
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

func (p *fakePage) emit(ev PageEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.mu.Lock()
	fns := make([]func(PageEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakePage) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeBrowser mints fakePages.
type fakeBrowser struct {
	mu       sync.Mutex
	headless bool
	pages    []*fakePage
	counter  int

	newPageErr error
}

func (b *fakeBrowser) Headless() bool { return b.headless }

func (b *fakeBrowser) NewPage(_ context.Context, url string) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newPageErr != nil {
		return nil, b.newPageErr
	}
	b.counter++
	p := newFakePage(fmt.Sprintf("target-%d", b.counter))
	p.url = url
	b.pages = append(b.pages, p)
	return p, nil
}

// fakeProvider satisfies Provider without launching anything.
type fakeProvider struct {
	mu       sync.Mutex
	browsers map[bool]*fakeBrowser
	idle     map[bool]time.Time
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		browsers: map[bool]*fakeBrowser{
			true:  {headless: true},
			false: {headless: false},
		},
		idle: make(map[bool]time.Time),
	}
}

func (f *fakeProvider) Get(headless bool) (Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.idle, headless)
	return f.browsers[headless], nil
}

func (f *fakeProvider) MarkIdle(headless bool) {
	f.mu.Lock()
	f.idle[headless] = time.Now()
	f.mu.Unlock()
}

func (f *fakeProvider) MarkBusy(headless bool) {
	f.mu.Lock()
	delete(f.idle, headless)
	f.mu.Unlock()
}

func (f *fakeProvider) CloseIdle(time.Duration) int { return 0 }

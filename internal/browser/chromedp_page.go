package browser

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// chromedpPage drives one tab target. All operations run through
// chromedp.Run against the tab context; per-call deadlines come from the
// caller's ctx via context.AfterFunc, so an expiring request never
// cancels the long-lived tab context.
type chromedpPage struct {
	targetID target.ID
	tabCtx   context.Context
	cancel   context.CancelFunc
	allocCtx context.Context

	mu        sync.Mutex
	listeners map[uint64]func(PageEvent)
	nextID    uint64
	lastURL   string
}

func newChromedpPage(tabCtx context.Context, cancel context.CancelFunc, allocCtx context.Context) *chromedpPage {
	p := &chromedpPage{
		targetID:  chromedp.FromContext(tabCtx).Target.TargetID,
		tabCtx:    tabCtx,
		cancel:    cancel,
		allocCtx:  allocCtx,
		listeners: make(map[uint64]func(PageEvent)),
	}
	p.attachCDPListeners()
	p.watchPopups()
	return p
}

// watchPopups adopts page targets opened by this tab (window.open,
// target=_blank clicks) and surfaces them as popup events carrying a live
// page handle. WaitNewTarget is one-shot, so it is re-armed after every
// hit.
func (p *chromedpPage) watchPopups() {
	go func() {
		for {
			ch := chromedp.WaitNewTarget(p.tabCtx, func(info *target.Info) bool {
				return info.Type == "page" && info.OpenerID == p.targetID
			})
			select {
			case id, ok := <-ch:
				if !ok {
					return
				}
				popupCtx, popupCancel := chromedp.NewContext(p.allocCtx, chromedp.WithTargetID(id))
				popup := newChromedpPage(popupCtx, popupCancel, p.allocCtx)
				url, _ := popup.URL(p.tabCtx)
				p.emit(PageEvent{Kind: KindPopup, Popup: &PopupRecord{URL: url, page: popup}})
			case <-p.tabCtx.Done():
				return
			}
		}
	}()
}

func (p *chromedpPage) TargetID() string { return string(p.targetID) }

// opCtx derives a cancellable operation context from the tab context that is
// also cancelled when the caller's reqCtx expires.
func (p *chromedpPage) opCtx(reqCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(p.tabCtx)
	stop := context.AfterFunc(reqCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *chromedpPage) URL(reqCtx context.Context) (string, error) {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	var url string
	if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (p *chromedpPage) Navigate(reqCtx context.Context, url string, timeout time.Duration) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	return nil
}

func (p *chromedpPage) Evaluate(reqCtx context.Context, script string, out any) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	if out == nil {
		return chromedp.Run(ctx, chromedp.Evaluate(script, nil))
	}
	return chromedp.Run(ctx, chromedp.Evaluate(script, out))
}

// ClickXY dispatches CDP mouse press+release at the coordinates. Unlike JS
// el.click(), these go through the browser input pipeline and are treated
// as trusted user interactions.
func (p *chromedpPage) ClickXY(reqCtx context.Context, x, y float64) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return fmt.Errorf("mouse press failed: %w", err)
		}
		if err := input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return fmt.Errorf("mouse release failed: %w", err)
		}
		return nil
	}))
}

func (p *chromedpPage) HoverXY(reqCtx context.Context, x, y float64) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (p *chromedpPage) SetUploadFiles(reqCtx context.Context, selector string, files []string) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.SetUploadFiles(selector, files, chromedp.ByQuery))
}

func (p *chromedpPage) SendKeys(reqCtx context.Context, selector, text string) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (p *chromedpPage) PressKey(reqCtx context.Context, key string, modifiers ...string) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()

	var mod input.Modifier
	for _, m := range modifiers {
		switch m {
		case "Alt":
			mod |= input.ModifierAlt
		case "Control":
			mod |= input.ModifierCtrl
		case "Meta":
			mod |= input.ModifierCommand
		case "Shift":
			mod |= input.ModifierShift
		}
	}

	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchKeyEvent(input.KeyRawDown).
			WithKey(key).WithModifiers(mod).Do(ctx); err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey(key).WithModifiers(mod).Do(ctx)
	}))
}

func (p *chromedpPage) Screenshot(reqCtx context.Context, fullPage bool, format string, quality int) ([]byte, error) {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	var buf []byte
	var act chromedp.Action
	if fullPage {
		act = chromedp.FullScreenshot(&buf, quality)
	} else {
		act = chromedp.CaptureScreenshot(&buf)
	}
	if err := chromedp.Run(ctx, act); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromedpPage) GoBack(reqCtx context.Context) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.NavigateBack())
}

// Cookies harvests every cookie in the browser context, not only the ones
// scoped to the current page, so cross-domain SSO cookies survive.
func (p *chromedpPage) Cookies(reqCtx context.Context) ([]Cookie, error) {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	var out []Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		out = make([]Cookie, 0, len(cookies))
		for _, c := range cookies {
			out = append(out, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: c.SameSite.String(),
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *chromedpPage) SetCookies(reqCtx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	ctx, done := p.opCtx(reqCtx)
	defer done()
	params := cookieParams(cookies)
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}

// cookieParams converts stored cookies back into CDP cookie parameters.
// Expires and SameSite must survive the round trip: persistent auth
// cookies re-injected without them would degrade to attribute-stripped
// session cookies.
func cookieParams(cookies []Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		cp := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*float64(time.Second))))
			cp.Expires = &expires
		}
		if c.SameSite != "" {
			cp.SameSite = network.CookieSameSite(c.SameSite)
		}
		params = append(params, cp)
	}
	return params
}

func (p *chromedpPage) HandleDialog(reqCtx context.Context, accept bool, text string) error {
	ctx, done := p.opCtx(reqCtx)
	defer done()
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		act := page.HandleJavaScriptDialog(accept)
		if text != "" {
			act = act.WithPromptText(text)
		}
		return act.Do(ctx)
	}))
}

func (p *chromedpPage) Listen(fn func(PageEvent)) (detach func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *chromedpPage) emit(ev PageEvent) {
	ev.Time = time.Now()
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

// attachCDPListeners translates raw CDP target events into PageEvents.
// Enabling the relevant domains happens once per tab.
func (p *chromedpPage) attachCDPListeners() {
	go func() {
		_ = chromedp.Run(p.tabCtx,
			network.Enable(),
			page.Enable(),
			runtime.Enable(),
			browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow),
		)
	}()

	chromedp.ListenTarget(p.tabCtx, func(ev any) {
		switch ev := ev.(type) {
		case *page.EventFrameNavigated:
			if ev.Frame.ParentID == "" { // main frame only
				p.mu.Lock()
				p.lastURL = ev.Frame.URL
				p.mu.Unlock()
				p.emit(PageEvent{Kind: KindNavigated, URL: ev.Frame.URL})
				p.emit(PageEvent{Kind: KindLoadState, LoadState: LoadStateLoading})
			}
		case *page.EventDomContentEventFired:
			p.emit(PageEvent{Kind: KindLoadState, LoadState: LoadStateDOMContentLoaded})
		case *page.EventLoadEventFired:
			p.emit(PageEvent{Kind: KindLoadState, LoadState: LoadStateLoaded})
		case *page.EventJavascriptDialogOpening:
			p.emit(PageEvent{Kind: KindDialog, Dialog: &DialogRecord{
				Type:    string(ev.Type),
				Message: ev.Message,
			}})
		case *browser.EventDownloadWillBegin:
			p.emit(PageEvent{Kind: KindDownload, Download: &DownloadRecord{
				URL:      ev.URL,
				Filename: ev.SuggestedFilename,
			}})
		case *network.EventRequestWillBeSent:
			p.emit(PageEvent{Kind: KindNetwork, Network: &NetworkRecord{
				RequestID: ev.RequestID.String(),
				URL:       ev.Request.URL,
				Method:    ev.Request.Method,
				Type:      ev.Type.String(),
				Started:   time.Now(),
			}})
		case *network.EventResponseReceived:
			p.emit(PageEvent{Kind: KindNetwork, Network: &NetworkRecord{
				RequestID: ev.RequestID.String(),
				URL:       ev.Response.URL,
				Status:    int(ev.Response.Status),
				Finished:  time.Now(),
			}})
		case *network.EventLoadingFailed:
			p.emit(PageEvent{Kind: KindNetwork, Network: &NetworkRecord{
				RequestID: ev.RequestID.String(),
				Failed:    true,
				Finished:  time.Now(),
			}})
		case *runtime.EventConsoleAPICalled:
			text := ""
			for i, arg := range ev.Args {
				if i > 0 {
					text += " "
				}
				if arg.Value != nil {
					text += string(arg.Value)
				} else if arg.Description != "" {
					text += arg.Description
				}
			}
			p.emit(PageEvent{Kind: KindConsole, Console: &ConsoleRecord{
				Level: string(ev.Type),
				Text:  text,
			}})
		}
	})
}

func (p *chromedpPage) Close(reqCtx context.Context) error {
	ctx, done := p.opCtx(reqCtx)
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.CloseTarget(p.targetID).Do(ctx)
	}))
	done()
	p.cancel()
	return err
}

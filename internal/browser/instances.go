package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// chromedpBrowser is one launched Chrome process (headless or headful).
// The first tab context holds the Browser WebSocket connection and must
// never be cancelled while the browser is alive; browser-level CDP commands
// run against it.
type chromedpBrowser struct {
	headless bool

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
}

func (b *chromedpBrowser) Headless() bool { return b.headless }

func (b *chromedpBrowser) NewPage(ctx context.Context, url string) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocCtx)
	if url == "" {
		url = "about:blank"
	}
	navCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return newChromedpPage(tabCtx, tabCancel, b.allocCtx), nil
}

func (b *chromedpBrowser) close() {
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// Instances is the process-wide browser pair. Launch is lazy and
// serialized: concurrent getBrowser calls for the same kind share one
// launch.
type Instances struct {
	log *slog.Logger

	browserPath  string
	windowWidth  int
	windowHeight int

	mu       sync.Mutex
	headless *chromedpBrowser
	headful  *chromedpBrowser

	// lastReleased records when the last session of each kind ended, for
	// the idle-close timer. Zero means a session is (or was never) active.
	lastReleased map[bool]time.Time
}

// NewInstances creates the (initially empty) browser pair.
func NewInstances(log *slog.Logger, browserPath string, width, height int) *Instances {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 1024
	}
	return &Instances{
		log:          log.With("component", "browser"),
		browserPath:  browserPath,
		windowWidth:  width,
		windowHeight: height,
		lastReleased: make(map[bool]time.Time),
	}
}

// Get returns the browser of the requested kind, launching it if needed.
func (in *Instances) Get(headless bool) (Browser, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.getLocked(headless)
}

func (in *Instances) getLocked(headless bool) (*chromedpBrowser, error) {
	existing := in.headless
	if !headless {
		existing = in.headful
	}
	if existing != nil {
		delete(in.lastReleased, headless)
		return existing, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(in.windowWidth, in.windowHeight),
	)

	// With no configured path, chromedp probes the well-known browser
	// locations itself.
	if in.browserPath != "" {
		opts = append(opts, chromedp.ExecPath(in.browserPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	// First tab: proves the process starts and anchors the Browser
	// WebSocket connection.
	browserCtx, _ := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to start browser (headless=%v): %w", headless, err)
	}

	b := &chromedpBrowser{
		headless:    headless,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
	}
	if headless {
		in.headless = b
	} else {
		in.headful = b
	}
	delete(in.lastReleased, headless)
	in.log.Info("browser launched", "headless", headless, "path", in.browserPath)
	return b, nil
}

// MarkIdle records that the last session of the given kind ended now; the
// idle sweep closes the browser once the delay elapses.
func (in *Instances) MarkIdle(headless bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.lastReleased[headless] = time.Now()
}

// MarkBusy cancels a pending idle close for the kind.
func (in *Instances) MarkBusy(headless bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.lastReleased, headless)
}

// CloseIdle closes browsers whose kind has been session-free for at least
// delay. Returns how many were closed.
func (in *Instances) CloseIdle(delay time.Duration) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	closed := 0
	for _, headless := range []bool{true, false} {
		released, ok := in.lastReleased[headless]
		if !ok || time.Since(released) < delay {
			continue
		}
		if b := in.pick(headless); b != nil {
			b.close()
			in.clear(headless)
			closed++
			in.log.Info("idle browser closed", "headless", headless)
		}
		delete(in.lastReleased, headless)
	}
	return closed
}

// CloseAll tears down both browsers.
func (in *Instances) CloseAll() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, headless := range []bool{true, false} {
		if b := in.pick(headless); b != nil {
			b.close()
			in.clear(headless)
		}
	}
	in.lastReleased = make(map[bool]time.Time)
}

func (in *Instances) pick(headless bool) *chromedpBrowser {
	if headless {
		return in.headless
	}
	return in.headful
}

func (in *Instances) clear(headless bool) {
	if headless {
		in.headless = nil
	} else {
		in.headful = nil
	}
}

package browser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"browserpilot/internal/define"
	"browserpilot/internal/errs"
)

// Tab is one browsing surface within a session.
type Tab struct {
	ID      string
	Page    Page
	Tracker *Tracker

	mu      sync.Mutex
	lastURL string
}

// SetLastURL records the last seen URL for the tab.
func (t *Tab) SetLastURL(u string) {
	t.mu.Lock()
	t.lastURL = u
	t.mu.Unlock()
}

// LastURL returns the last seen URL.
func (t *Tab) LastURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL
}

// Session is an isolated browser context: an ordered set of tabs, an
// active-tab pointer, and an expiry that auto-extends on activity for
// headful sessions.
type Session struct {
	ID       string
	Headless bool
	Options  CreateOptions

	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time

	tabs      map[string]*Tab
	tabOrder  []string
	activeTab string
}

// ActiveTabID returns the active tab identifier.
func (s *Session) ActiveTabID() string { return s.activeTab }

// CreateOptions configures a new session.
type CreateOptions struct {
	Headless bool
	StartURL string
	TTL      time.Duration
}

// Provider hands out browser instances by kind. *Instances implements it
// with real Chrome processes; tests substitute fakes.
type Provider interface {
	Get(headless bool) (Browser, error)
	MarkIdle(headless bool)
	MarkBusy(headless bool)
	CloseIdle(delay time.Duration) int
}

// Manager owns sessions, tabs, cookie synchronization and the lifecycle
// sweepers.
type Manager struct {
	log       *slog.Logger
	instances Provider
	cookies   *CookieStore

	maxTabs    int
	defaultTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	sweepMu sync.Mutex // single-flight for ExpireSweep
	syncMu  sync.Mutex // single-flight for SyncHeadfulCookies
}

// NewManager creates the session manager.
func NewManager(log *slog.Logger, instances Provider, cookies *CookieStore, maxTabs int, defaultTTL time.Duration) *Manager {
	if maxTabs <= 0 {
		maxTabs = define.MaxTabsPerSession
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Manager{
		log:        log.With("component", "session"),
		instances:  instances,
		cookies:    cookies,
		maxTabs:    maxTabs,
		defaultTTL: defaultTTL,
		sessions:   make(map[string]*Session),
	}
}

// Create launches (or reuses) the matching browser instance, opens a first
// tab with a tracker attached, and injects stored cookies so logged-in
// state carries over.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	b, err := m.instances.Get(opts.Headless)
	if err != nil {
		return nil, err
	}
	m.instances.MarkBusy(opts.Headless)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		Headless:     opts.Headless,
		Options:      opts,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		tabs:         make(map[string]*Tab),
	}

	tab, err := m.openTab(ctx, b, opts.StartURL)
	if err != nil {
		return nil, err
	}

	sess.tabs[tab.ID] = tab
	sess.tabOrder = []string{tab.ID}
	sess.activeTab = tab.ID

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.log.Info("session created", "session", sess.ID, "headless", opts.Headless)
	return sess, nil
}

// openTab creates a page with stored cookies injected beforehand and a
// tracker attached.
func (m *Manager) openTab(ctx context.Context, b Browser, url string) (*Tab, error) {
	page, err := b.NewPage(ctx, "")
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecutionError, "create tab", err)
	}

	// Inject the whole jar before any navigation: SSO flows redirect
	// across domains and need cookies for all of them.
	if err := page.SetCookies(ctx, m.cookies.All()); err != nil {
		m.log.Warn("cookie inject failed", "error", err)
	}

	tracker := NewTracker()
	tracker.Attach(page)

	tab := &Tab{
		ID:      uuid.NewString(),
		Page:    page,
		Tracker: tracker,
	}
	if url != "" {
		if err := page.Navigate(ctx, url, define.NavigationTimeout); err != nil {
			tracker.Detach()
			_ = page.Close(ctx)
			return nil, errs.Wrap(errs.Classify(err), "open "+url, err)
		}
		tab.SetLastURL(url)
	}
	return tab, nil
}

// CreateTab adds a tab to the session, failing once the per-session cap is
// reached.
func (m *Manager) CreateTab(ctx context.Context, sessionID, url string) (*Tab, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, errs.Newf(errs.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	if len(sess.tabs) >= m.maxTabs {
		m.mu.Unlock()
		return nil, errs.Newf(errs.CodeInvalidRequest, "session already has the maximum of %d tabs", m.maxTabs)
	}
	headless := sess.Headless
	m.mu.Unlock()

	b, err := m.instances.Get(headless)
	if err != nil {
		return nil, err
	}

	tab, err := m.openTab(ctx, b, url)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		tab.Tracker.Detach()
		_ = tab.Page.Close(ctx)
		return nil, errs.Newf(errs.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	sess.tabs[tab.ID] = tab
	sess.tabOrder = append(sess.tabOrder, tab.ID)
	sess.activeTab = tab.ID
	m.mu.Unlock()

	m.touch(sessionID)
	return tab, nil
}

// RegisterPopupAsTab adopts a popup page produced by a click as a new tab.
// Returns nil when the session is gone or the tab cap is reached (the
// popup is closed in that case).
func (m *Manager) RegisterPopupAsTab(ctx context.Context, sessionID string, page Page) *Tab {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || len(sess.tabs) >= m.maxTabs {
		m.mu.Unlock()
		if page != nil {
			_ = page.Close(ctx)
		}
		return nil
	}

	tracker := NewTracker()
	tracker.Attach(page)
	tab := &Tab{
		ID:      uuid.NewString(),
		Page:    page,
		Tracker: tracker,
	}
	sess.tabs[tab.ID] = tab
	sess.tabOrder = append(sess.tabOrder, tab.ID)
	sess.activeTab = tab.ID
	m.mu.Unlock()

	if u, err := page.URL(ctx); err == nil {
		tab.SetLastURL(u)
	}
	m.touch(sessionID)
	return tab
}

// SwitchTab makes the tab active. Returns false when session or tab is
// unknown.
func (m *Manager) SwitchTab(sessionID, tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := sess.tabs[tabID]; !ok {
		return false
	}
	sess.activeTab = tabID
	return true
}

// CloseTab closes one tab, harvesting its cookies first. Closing the last
// tab destroys the session. Returns false when session or tab is unknown.
func (m *Manager) CloseTab(ctx context.Context, sessionID, tabID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	tab, ok := sess.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	if len(sess.tabs) == 1 {
		m.mu.Unlock()
		return m.Close(ctx, sessionID)
	}

	delete(sess.tabs, tabID)
	sess.tabOrder = removeString(sess.tabOrder, tabID)
	if sess.activeTab == tabID {
		sess.activeTab = sess.tabOrder[len(sess.tabOrder)-1]
	}
	m.mu.Unlock()

	m.harvest(ctx, tab)
	tab.Tracker.Detach()
	_ = tab.Page.Close(ctx) // close failures are swallowed
	return true
}

// Close destroys a session, harvesting cookies from its active tab first.
// Returns false when the session is unknown.
func (m *Manager) Close(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, sessionID)
	headless := sess.Headless
	remaining := 0
	for _, other := range m.sessions {
		if other.Headless == headless {
			remaining++
		}
	}
	m.mu.Unlock()

	if active, ok := sess.tabs[sess.activeTab]; ok {
		m.harvest(ctx, active)
	}
	for _, tab := range sess.tabs {
		tab.Tracker.Detach()
		_ = tab.Page.Close(ctx)
	}

	if remaining == 0 {
		m.instances.MarkIdle(headless)
	}
	m.cookies.Flush()
	m.log.Info("session closed", "session", sessionID)
	return true
}

// CloseAll destroys every session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(ctx, id)
	}
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// GetActiveTab returns the session's active tab.
func (m *Manager) GetActiveTab(sessionID string) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	tab, ok := sess.tabs[sess.activeTab]
	if !ok {
		return nil, errs.Newf(errs.CodeTabNotFound, "active tab missing in session %s", sessionID)
	}
	return tab, nil
}

// GetTab returns one tab by id.
func (m *Manager) GetTab(sessionID, tabID string) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	tab, ok := sess.tabs[tabID]
	if !ok {
		return nil, errs.Newf(errs.CodeTabNotFound, "tab not found: %s", tabID)
	}
	return tab, nil
}

// ListTabs returns the session's tabs in creation order.
func (m *Manager) ListTabs(sessionID string) ([]*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	out := make([]*Tab, 0, len(sess.tabOrder))
	for _, id := range sess.tabOrder {
		out = append(out, sess.tabs[id])
	}
	return out, nil
}

// UpdateActivity refreshes last-activity. Headful sessions always keep at
// least an hour of life remaining so a human can pick the window back up.
func (m *Manager) UpdateActivity(sessionID string) {
	m.touch(sessionID)
}

func (m *Manager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	now := time.Now()
	sess.LastActivity = now
	if !sess.Headless {
		if min := now.Add(define.HeadfulMinRemaining); sess.ExpiresAt.Before(min) {
			sess.ExpiresAt = min
		}
	}
}

// SaveAllCookies harvests cookies from the session's active tab into the
// store. Harvest errors are swallowed.
func (m *Manager) SaveAllCookies(ctx context.Context, sessionID string) {
	tab, err := m.GetActiveTab(sessionID)
	if err != nil {
		return
	}
	m.harvest(ctx, tab)
}

// harvest pulls all browser cookies through a tab and merges them into the
// store.
func (m *Manager) harvest(ctx context.Context, tab *Tab) {
	cookies, err := tab.Page.Cookies(ctx)
	if err != nil {
		m.log.Warn("cookie harvest failed", "error", err)
		return
	}
	m.cookies.Save(cookies)
}

// InjectCookies pushes the whole jar into a tab's browser context; used
// before navigation.
func (m *Manager) InjectCookies(ctx context.Context, tab *Tab) {
	if err := tab.Page.SetCookies(ctx, m.cookies.All()); err != nil {
		m.log.Warn("cookie inject failed", "error", err)
	}
}

// SyncHeadfulCookies harvests cookies from every headful session; a human
// may have logged in somewhere in the visible window. Single-flight.
func (m *Manager) SyncHeadfulCookies(ctx context.Context) {
	if !m.syncMu.TryLock() {
		return
	}
	defer m.syncMu.Unlock()

	m.mu.Lock()
	var tabs []*Tab
	for _, sess := range m.sessions {
		if sess.Headless {
			continue
		}
		if tab, ok := sess.tabs[sess.activeTab]; ok {
			tabs = append(tabs, tab)
		}
	}
	m.mu.Unlock()

	for _, tab := range tabs {
		m.harvest(ctx, tab)
	}
}

// ExpireSweep closes sessions past their expiry (harvesting cookies on the
// way out) and then closes idle browsers. Single-flight: a running sweep is
// never re-entered.
func (m *Manager) ExpireSweep(ctx context.Context, idleCloseDelay time.Duration) {
	if !m.sweepMu.TryLock() {
		return
	}
	defer m.sweepMu.Unlock()

	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Info("session expired", "session", id)
		m.Close(ctx, id)
	}

	m.instances.CloseIdle(idleCloseDelay)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider()
	cookies := NewCookieStore(testLogger(), "", 0)
	m := NewManager(testLogger(), provider, cookies, 5, time.Minute)
	return m, provider
}

func TestManagerCreateAndClose(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)
	assert.Equal(t, 1, m.SessionCount())

	tab, err := m.GetActiveTab(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ActiveTabID(), tab.ID)

	assert.True(t, m.Close(ctx, sess.ID))
	assert.Equal(t, 0, m.SessionCount())
	assert.False(t, m.Close(ctx, sess.ID), "closing twice returns false")

	// Last session of the kind marks the browser idle.
	provider.mu.Lock()
	_, idle := provider.idle[true]
	provider.mu.Unlock()
	assert.True(t, idle)
}

func TestManagerActiveTabInvariant(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)

	t2, err := m.CreateTab(ctx, sess.ID, "")
	require.NoError(t, err)
	t3, err := m.CreateTab(ctx, sess.ID, "")
	require.NoError(t, err)

	// Newest tab becomes active.
	assert.Equal(t, t3.ID, sess.ActiveTabID())

	// Arbitrary switch/close sequences keep the pointer on an existing tab.
	assert.True(t, m.SwitchTab(sess.ID, t2.ID))
	assert.True(t, m.CloseTab(ctx, sess.ID, t2.ID))

	tabs, err := m.ListTabs(sess.ID)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, tab := range tabs {
		ids[tab.ID] = true
	}
	assert.True(t, ids[sess.ActiveTabID()], "active tab must reference an existing tab")

	assert.False(t, m.SwitchTab(sess.ID, "nope"))
	assert.False(t, m.CloseTab(ctx, sess.ID, "nope"))
}

func TestManagerClosingLastTabDestroysSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)
	tab, err := m.GetActiveTab(sess.ID)
	require.NoError(t, err)

	assert.True(t, m.CloseTab(ctx, sess.ID, tab.ID))
	assert.Equal(t, 0, m.SessionCount())
}

func TestManagerTabCap(t *testing.T) {
	provider := newFakeProvider()
	cookies := NewCookieStore(testLogger(), "", 0)
	m := NewManager(testLogger(), provider, cookies, 3, time.Minute)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)

	// The session starts with one tab; two more reach the cap.
	_, err = m.CreateTab(ctx, sess.ID, "")
	require.NoError(t, err)
	_, err = m.CreateTab(ctx, sess.ID, "")
	require.NoError(t, err)

	_, err = m.CreateTab(ctx, sess.ID, "")
	require.Error(t, err, "tab creation at the cap must fail")
	assert.Contains(t, err.Error(), "maximum")
}

func TestManagerHeadfulExpiryExtension(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: false, TTL: time.Minute})
	require.NoError(t, err)

	m.UpdateActivity(sess.ID)

	got, ok := m.Get(sess.ID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Until(got.ExpiresAt), 59*time.Minute,
		"headful sessions keep at least an hour after activity")
}

func TestManagerExpireSweep(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true, TTL: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	m.ExpireSweep(ctx, time.Hour)
	_, ok := m.Get(sess.ID)
	assert.False(t, ok, "expired session is removed by the sweep")
}

func TestManagerPopupAdoption(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)

	popup := newFakePage("popup-target")
	popup.url = "https://popup.example.com"
	tab := m.RegisterPopupAsTab(ctx, sess.ID, popup)
	require.NotNil(t, tab)

	assert.Equal(t, tab.ID, sess.ActiveTabID(), "adopted popup becomes the active tab")
	tabs, _ := m.ListTabs(sess.ID)
	assert.Len(t, tabs, 2)

	// Unknown session: popup is closed, not adopted.
	orphan := newFakePage("orphan")
	assert.Nil(t, m.RegisterPopupAsTab(ctx, "missing", orphan))
	assert.True(t, orphan.closed)
}

func TestManagerCookieHarvestOnClose(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)

	tab, err := m.GetActiveTab(sess.ID)
	require.NoError(t, err)
	tab.Page.(*fakePage).cookies = []Cookie{{Name: "sid", Value: "v", Domain: "example.com", Path: "/"}}

	m.Close(ctx, sess.ID)
	assert.Len(t, m.cookies.GetForURL("https://example.com/"), 1,
		"cookies are harvested before the session dies")
}

func TestManagerTrackerDetachedOnCloseTab(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateOptions{Headless: true})
	require.NoError(t, err)
	second, err := m.CreateTab(ctx, sess.ID, "")
	require.NoError(t, err)

	page := second.Page.(*fakePage)
	require.Equal(t, 1, page.listenerCount())

	m.CloseTab(ctx, sess.ID, second.ID)
	assert.Equal(t, 0, page.listenerCount(), "closeTab must detach the tracker")
	assert.True(t, page.closed)
}

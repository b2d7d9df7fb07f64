package browser

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestCookieStoreLastValueWins(t *testing.T) {
	s := NewCookieStore(testLogger(), "", 0)

	s.Save([]Cookie{{Name: "sid", Value: "one", Domain: "example.com", Path: "/"}})
	s.Save([]Cookie{{Name: "sid", Value: "two", Domain: "example.com", Path: "/"}})

	got := s.GetForURL("https://example.com/page")
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].Value)
}

func TestCookieStoreKeyedByNameAndPath(t *testing.T) {
	s := NewCookieStore(testLogger(), "", 0)

	s.Save([]Cookie{
		{Name: "sid", Value: "a", Domain: "example.com", Path: "/"},
		{Name: "sid", Value: "b", Domain: "example.com", Path: "/admin"},
	})

	got := s.GetForURL("https://example.com/")
	assert.Len(t, got, 2)
}

func TestCookieStoreDomainMatching(t *testing.T) {
	s := NewCookieStore(testLogger(), "", 0)
	s.Save([]Cookie{
		{Name: "root", Value: "v", Domain: ".example.com", Path: "/"},
		{Name: "exact", Value: "v", Domain: "app.example.com", Path: "/"},
		{Name: "other", Value: "v", Domain: "example.org", Path: "/"},
	})

	names := func(cookies []Cookie) []string {
		var out []string
		for _, c := range cookies {
			out = append(out, c.Name)
		}
		return out
	}

	// Subdomain sees its own cookies plus parent-domain (leading-dot) ones.
	assert.ElementsMatch(t, []string{"root", "exact"}, names(s.GetForURL("https://app.example.com/x")))
	// The bare domain sees only the parent cookie.
	assert.ElementsMatch(t, []string{"root"}, names(s.GetForURL("https://example.com/")))
	// Unrelated host sees nothing from example.com.
	assert.ElementsMatch(t, []string{"other"}, names(s.GetForURL("https://example.org/")))
}

func TestCookieStoreFIFOEviction(t *testing.T) {
	s := NewCookieStore(testLogger(), "", 3)

	for _, d := range []string{"a.com", "b.com", "c.com", "d.com"} {
		s.Save([]Cookie{{Name: "x", Value: "v", Domain: d, Path: "/"}})
	}

	assert.Equal(t, 3, s.DomainCount())
	assert.Empty(t, s.GetForURL("https://a.com/"), "oldest domain should be evicted")
	assert.Len(t, s.GetForURL("https://d.com/"), 1)
}

func TestCookieStoreFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")

	s := NewCookieStore(testLogger(), path, 0)
	s.Save([]Cookie{{Name: "sid", Value: "persisted", Domain: "example.com", Path: "/"}})
	s.Flush()

	reloaded := NewCookieStore(testLogger(), path, 0)
	got := reloaded.GetForURL("https://example.com/")
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Value)
}

func TestCookieStoreDropsExpired(t *testing.T) {
	s := NewCookieStore(testLogger(), "", 0)
	s.Save([]Cookie{{Name: "old", Value: "v", Domain: "example.com", Path: "/", Expires: 1}})
	assert.Empty(t, s.GetForURL("https://example.com/"))
}

package browser

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"browserpilot/internal/define"
)

// cookieKey identifies a cookie within a domain for merge-on-save.
type cookieKey struct {
	name string
	path string
}

// CookieStore is the process-wide cookie jar: domain → (name,path) → cookie.
// Domains are capped with FIFO eviction. Saves optionally persist to a JSON
// file with a debounce so bursts of harvests coalesce into one write.
type CookieStore struct {
	log *slog.Logger

	mu         sync.Mutex
	domains    map[string]map[cookieKey]Cookie
	order      []string // insertion order for FIFO eviction
	maxDomains int

	filePath  string
	saveTimer *time.Timer
	debounce  time.Duration
}

// NewCookieStore creates a store. filePath may be empty for a memory-only
// store. An existing file is loaded; load errors are swallowed (the store
// starts empty).
func NewCookieStore(log *slog.Logger, filePath string, maxDomains int) *CookieStore {
	if maxDomains <= 0 {
		maxDomains = define.MaxCookieDomains
	}
	s := &CookieStore{
		log:        log.With("component", "cookies"),
		domains:    make(map[string]map[cookieKey]Cookie),
		maxDomains: maxDomains,
		filePath:   filePath,
		debounce:   define.CookieSaveDebounce,
	}
	s.loadFile()
	return s
}

// Save merges cookies into the store. The most recent value for the same
// (name, domain, path) wins. Expired cookies are dropped.
func (s *CookieStore) Save(cookies []Cookie) {
	if len(cookies) == 0 {
		return
	}
	now := float64(time.Now().Unix())

	s.mu.Lock()
	for _, c := range cookies {
		if c.Expires > 0 && c.Expires < now {
			continue
		}
		domain := normalizeCookieDomain(c.Domain)
		if domain == "" {
			continue
		}
		set, ok := s.domains[domain]
		if !ok {
			s.evictLocked()
			set = make(map[cookieKey]Cookie)
			s.domains[domain] = set
			s.order = append(s.order, domain)
		}
		set[cookieKey{name: c.Name, path: c.Path}] = c
	}
	s.mu.Unlock()

	s.scheduleSave()
}

// evictLocked drops the oldest domain when at capacity.
func (s *CookieStore) evictLocked() {
	for len(s.domains) >= s.maxDomains && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.domains, oldest)
	}
}

// GetForURL returns every cookie whose domain matches the URL's hostname:
// exact match, or a stored parent domain (leading-dot and bare) of the
// hostname.
func (s *CookieStore) GetForURL(rawURL string) []Cookie {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Cookie
	for domain, set := range s.domains {
		if !domainMatches(host, domain) {
			continue
		}
		for _, c := range set {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// All returns every stored cookie (for pre-navigation injection, so SSO
// redirects across domains keep their state).
func (s *CookieStore) All() []Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Cookie
	for _, set := range s.domains {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

// DomainCount returns the number of stored domains.
func (s *CookieStore) DomainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.domains)
}

// Flush writes the store to disk immediately, cancelling any pending
// debounced write.
func (s *CookieStore) Flush() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()
	s.writeFile()
}

// domainMatches reports whether a stored cookie domain applies to host.
// A leading dot means the cookie matches the domain itself and all
// subdomains; a bare domain stored by the browser behaves the same way for
// parent-domain cookies.
func domainMatches(host, domain string) bool {
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// normalizeCookieDomain lowers the domain and strips the leading dot; the
// dot semantics are reconstructed in domainMatches.
func normalizeCookieDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// --- persistence ---

func (s *CookieStore) scheduleSave() {
	if s.filePath == "" || s.filePath == "-" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTimer != nil {
		return // a write is already pending
	}
	s.saveTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.mu.Unlock()
		s.writeFile()
	})
}

func (s *CookieStore) writeFile() {
	if s.filePath == "" || s.filePath == "-" {
		return
	}

	s.mu.Lock()
	snapshot := make(map[string][]Cookie, len(s.domains))
	for domain, set := range s.domains {
		list := make([]Cookie, 0, len(set))
		for _, c := range set {
			list = append(list, c)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		snapshot[domain] = list
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.log.Warn("cookie marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		s.log.Warn("cookie dir create failed", "error", err)
		return
	}
	if err := os.WriteFile(s.filePath, data, 0o600); err != nil {
		s.log.Warn("cookie file write failed", "error", err)
	}
}

func (s *CookieStore) loadFile() {
	if s.filePath == "" || s.filePath == "-" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return
	}
	var snapshot map[string][]Cookie
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.log.Warn("cookie file parse failed, starting empty", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for domain, list := range snapshot {
		set := make(map[cookieKey]Cookie, len(list))
		for _, c := range list {
			set[cookieKey{name: c.Name, path: c.Path}] = c
		}
		s.domains[domain] = set
		s.order = append(s.order, domain)
	}
}

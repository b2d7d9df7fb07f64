package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists knowledge cards as one JSON file per domain, with
// archived previous versions under a timestamped subpath.
type Store struct {
	log *slog.Logger
	dir string

	mu sync.Mutex
}

// NewStore creates a card store rooted at dir.
func NewStore(log *slog.Logger, dir string) *Store {
	return &Store{
		log: log.With("component", "memory"),
		dir: dir,
	}
}

func (s *Store) cardPath(domain string) string {
	return filepath.Join(s.dir, domain+".json")
}

func (s *Store) archiveDir(domain string) string {
	return filepath.Join(s.dir, "archive", domain)
}

// LoadCard returns the card for a normalized domain, or nil when none
// exists.
func (s *Store) LoadCard(domain string) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(domain)
}

func (s *Store) loadLocked(domain string) (*Card, error) {
	data, err := os.ReadFile(s.cardPath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read card %s: %w", domain, err)
	}
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("parse card %s: %w", domain, err)
	}
	return &card, nil
}

// SaveCard writes the card, bumping its version and archiving the replaced
// file. Version is monotonically non-decreasing per domain.
func (s *Store) SaveCard(card *Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadLocked(card.Domain)
	if err != nil {
		return err
	}
	if prev != nil {
		s.archiveLocked(prev)
		if card.Version <= prev.Version {
			card.Version = prev.Version + 1
		}
	} else if card.Version <= 0 {
		card.Version = 1
	}
	card.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal card %s: %w", card.Domain, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := os.WriteFile(s.cardPath(card.Domain), data, 0o644); err != nil {
		return fmt.Errorf("write card %s: %w", card.Domain, err)
	}
	return nil
}

// archiveLocked copies the current card file under a timestamped name.
// Archive failures are logged and swallowed; losing history never blocks a
// save.
func (s *Store) archiveLocked(card *Card) {
	dir := s.archiveDir(card.Domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("archive dir create failed", "domain", card.Domain, "error", err)
		return
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return
	}
	name := fmt.Sprintf("v%d-%s.json", card.Version, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.log.Warn("archive write failed", "domain", card.Domain, "error", err)
	}
}

// Restore replaces the current card with an archived version file.
func (s *Store) Restore(domain, archiveName string) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.archiveDir(domain), archiveName))
	if err != nil {
		return nil, fmt.Errorf("read archive %s/%s: %w", domain, archiveName, err)
	}
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("parse archive %s/%s: %w", domain, archiveName, err)
	}

	cur, err := s.loadLocked(domain)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		s.archiveLocked(cur)
		card.Version = cur.Version + 1
	}
	card.UpdatedAt = time.Now()

	out, err := json.MarshalIndent(&card, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.cardPath(domain), out, 0o644); err != nil {
		return nil, err
	}
	return &card, nil
}

// ListArchives returns the archived version files for a domain, newest
// last.
func (s *Store) ListArchives(domain string) ([]string, error) {
	entries, err := os.ReadDir(s.archiveDir(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	// Names are v<version>-<timestamp>.json; order by the numeric version
	// so that v10 sorts after v9.
	version := func(name string) int {
		var v int
		_, _ = fmt.Sscanf(name, "v%d-", &v)
		return v
	}
	sort.SliceStable(out, func(i, j int) bool {
		if vi, vj := version(out[i]), version(out[j]); vi != vj {
			return vi < vj
		}
		return out[i] < out[j]
	})
	return out, nil
}

// IndexEntry is one domain in the store index, with snippets of its top
// patterns for prompt construction.
type IndexEntry struct {
	Domain       string   `json:"domain"`
	PatternCount int      `json:"patternCount"`
	TopPatterns  []string `json:"topPatterns"`
}

// ListDomains returns the index of stored domains, sorted by domain.
func (s *Store) ListDomains() ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []IndexEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		domain := strings.TrimSuffix(e.Name(), ".json")
		card, err := s.loadLocked(domain)
		if err != nil || card == nil {
			continue
		}
		out = append(out, IndexEntry{
			Domain:       card.Domain,
			PatternCount: len(card.Patterns),
			TopPatterns:  topPatternSnippets(card, 3),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// topPatternSnippets returns short descriptions of the highest-confidence
// patterns.
func topPatternSnippets(card *Card, n int) []string {
	patterns := make([]Pattern, len(card.Patterns))
	copy(patterns, card.Patterns)
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].UseCount > patterns[j].UseCount
	})
	var out []string
	for _, p := range patterns {
		if len(out) >= n {
			break
		}
		desc := p.Description
		if len(desc) > 60 {
			desc = desc[:60]
		}
		out = append(out, fmt.Sprintf("%s: %s", p.Type, desc))
	}
	return out
}

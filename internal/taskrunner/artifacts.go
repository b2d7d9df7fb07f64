package taskrunner

import (
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"browserpilot/internal/define"
	"browserpilot/internal/errs"
)

// Artifact is a byte blob owned by a run, readable in chunks. Its TTL
// countdown starts when the owning run reaches a terminal status.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	MimeType  string    `json:"mimeType"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`

	data      []byte
	expiresAt time.Time // zero until the owning run is terminal
}

// ArtifactStore is the in-memory artifact keeper.
type ArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	ttl       time.Duration
}

// NewArtifactStore creates a store with the given post-terminal TTL.
func NewArtifactStore(ttl time.Duration) *ArtifactStore {
	if ttl <= 0 {
		ttl = define.ArtifactTTLAfterTerminal
	}
	return &ArtifactStore{
		artifacts: make(map[string]*Artifact),
		ttl:       ttl,
	}
}

// Put stores a new artifact for a run and returns its id.
func (s *ArtifactStore) Put(runID, mimeType string, data []byte) string {
	id := "art_" + gonanoid.Must(12)
	copied := make([]byte, len(data))
	copy(copied, data)

	s.mu.Lock()
	s.artifacts[id] = &Artifact{
		ID:        id,
		RunID:     runID,
		MimeType:  mimeType,
		Size:      len(copied),
		CreatedAt: time.Now(),
		data:      copied,
	}
	s.mu.Unlock()
	return id
}

// Get returns a chunk of an artifact's bytes. limit is capped at 256 KiB
// per read; offset past the end yields an empty chunk.
func (s *ArtifactStore) Get(id string, offset, limit int) (*Artifact, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, stored := s.artifacts[id]
	if !stored {
		return nil, nil, errs.Newf(errs.CodeArtifactNotFound, "artifact not found: %s", id)
	}
	if offset < 0 || limit < 0 {
		return nil, nil, errs.New(errs.CodeInvalidParameter, "offset and limit must be non-negative")
	}
	if limit == 0 || limit > define.ArtifactChunkLimit {
		limit = define.ArtifactChunkLimit
	}
	if offset >= len(art.data) {
		return art, nil, nil
	}
	end := offset + limit
	if end > len(art.data) {
		end = len(art.data)
	}
	chunk := make([]byte, end-offset)
	copy(chunk, art.data[offset:end])
	return art, chunk, nil
}

// ListForRun returns the artifact ids owned by a run, oldest first.
func (s *ArtifactStore) ListForRun(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, art := range s.artifacts {
		if art.RunID == runID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.artifacts[out[i]].CreatedAt.Before(s.artifacts[out[j]].CreatedAt)
	})
	return out
}

// StartTTL begins the expiry countdown for a run's artifacts. Called when
// the run turns terminal; calling again is a no-op for already-armed
// artifacts.
func (s *ArtifactStore) StartTTL(runID string) {
	deadline := time.Now().Add(s.ttl)
	s.mu.Lock()
	for _, art := range s.artifacts {
		if art.RunID == runID && art.expiresAt.IsZero() {
			art.expiresAt = deadline
		}
	}
	s.mu.Unlock()
}

// Sweep drops expired artifacts and returns how many were removed.
func (s *ArtifactStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, art := range s.artifacts {
		if !art.expiresAt.IsZero() && now.After(art.expiresAt) {
			delete(s.artifacts, id)
			removed++
		}
	}
	return removed
}

package toolbus

import (
	"sync"
	"time"

	"browserpilot/internal/errs"
)

// UsageRecord is one executed tool call, kept for loop detection and for
// the site-memory capturer.
type UsageRecord struct {
	Tool      string
	Args      string
	Success   bool
	ErrorCode errs.Code
	At        time.Time
}

// UsageTracker accumulates the tool calls of one agent run, in order.
type UsageTracker struct {
	mu      sync.Mutex
	records []UsageRecord
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Record appends one call.
func (t *UsageTracker) Record(tool, args string, success bool, code errs.Code) {
	t.mu.Lock()
	t.records = append(t.records, UsageRecord{
		Tool:      tool,
		Args:      args,
		Success:   success,
		ErrorCode: code,
		At:        time.Now(),
	})
	t.mu.Unlock()
}

// Records returns a copy of all records, oldest first.
func (t *UsageTracker) Records() []UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UsageRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Last returns the most recent n records, oldest first.
func (t *UsageTracker) Last(n int) []UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.records) {
		n = len(t.records)
	}
	out := make([]UsageRecord, n)
	copy(out, t.records[len(t.records)-n:])
	return out
}

// Len returns the number of records.
func (t *UsageTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

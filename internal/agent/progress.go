package agent

import (
	"regexp"
	"strings"
	"sync"
)

// subgoalMarker matches completion markers the prompt asks the model to
// embed, e.g. "[done] opened the search page".
var subgoalMarker = regexp.MustCompile(`(?mi)^\s*\[(?:done|完成)\]\s*(.+)$`)

// Progress estimates how far a run has come: one observation per executed
// tool, weighted by whether it advanced the page, plus a subgoal checklist
// advanced by markers in assistant content.
type Progress struct {
	mu sync.Mutex

	observations int
	actions      int
	navigations  int
	failures     int

	subgoals []string
}

// NewProgress creates an empty estimator.
func NewProgress() *Progress {
	return &Progress{}
}

// ObserveTool records one executed tool call.
func (p *Progress) ObserveTool(tool string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observations++
	if !success {
		p.failures++
		return
	}
	switch {
	case tool == "navigate" || tool == "go_back":
		p.navigations++
		p.actions++
	case !observationTools[tool]:
		p.actions++
	}
}

// ScanSubgoals extracts completion markers from assistant content and
// returns the newly completed subgoals.
func (p *Progress) ScanSubgoals(content string) []string {
	matches := subgoalMarker.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var added []string
	for _, m := range matches {
		goal := strings.TrimSpace(m[1])
		if goal == "" || p.hasSubgoalLocked(goal) {
			continue
		}
		p.subgoals = append(p.subgoals, goal)
		added = append(added, goal)
	}
	return added
}

func (p *Progress) hasSubgoalLocked(goal string) bool {
	for _, g := range p.subgoals {
		if g == goal {
			return true
		}
	}
	return false
}

// Subgoals returns the completed subgoals in order.
func (p *Progress) Subgoals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.subgoals))
	copy(out, p.subgoals)
	return out
}

// Estimate returns a rough completion ratio in [0,1): it grows with
// actions and subgoals and never reaches 1 (only done decides that).
func (p *Progress) Estimate(maxIterations int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxIterations <= 0 {
		maxIterations = 1
	}
	score := float64(p.actions)/float64(maxIterations) + 0.1*float64(len(p.subgoals))
	if score > 0.95 {
		score = 0.95
	}
	return score
}

// Counters reports the raw counts (for the progress event payload).
func (p *Progress) Counters() (observations, actions, navigations, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observations, p.actions, p.navigations, p.failures
}

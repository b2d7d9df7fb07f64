package memory

import (
	"encoding/json"
	"net/url"
	"time"

	"browserpilot/internal/toolbus"
)

// Capture converts a successful run's tool-usage trace into patterns:
// successful navigations become navigation_path, repeated clicks become
// selector hints, and the task itself becomes a task_intent. Patterns are
// deduplicated by (type, value).
func Capture(task string, records []toolbus.UsageRecord) []Pattern {
	now := time.Now()
	seen := make(map[patternKey]bool)
	var out []Pattern

	add := func(p Pattern) {
		p.Value = clampValue(p.Value)
		if p.Value == "" {
			return
		}
		k := keyOf(p)
		if seen[k] {
			return
		}
		seen[k] = true
		p.Source = SourceAgentAuto
		p.Confidence = defaultConfidence
		p.UseCount = 1
		p.CreatedAt = now
		p.LastUsedAt = now
		out = append(out, p)
	}

	clickCounts := make(map[string]int)

	for _, rec := range records {
		if !rec.Success {
			continue
		}
		switch rec.Tool {
		case toolbus.ToolNavigate:
			var args struct {
				URL string `json:"url"`
			}
			if json.Unmarshal([]byte(rec.Args), &args) != nil || args.URL == "" {
				continue
			}
			add(Pattern{
				Type:        PatternNavigation,
				Description: "Visited " + pathOf(args.URL),
				Value:       args.URL,
			})
		case toolbus.ToolClick:
			var args struct {
				ElementID string `json:"element_id"`
			}
			if json.Unmarshal([]byte(rec.Args), &args) != nil || args.ElementID == "" {
				continue
			}
			clickCounts[args.ElementID]++
		}
	}

	for elementID, count := range clickCounts {
		if count < 2 {
			continue
		}
		add(Pattern{
			Type:        PatternSelector,
			Description: "Element used repeatedly during the task",
			Value:       `[data-semantic-id="` + elementID + `"]`,
		})
	}

	if task != "" {
		add(Pattern{
			Type:        PatternTaskIntent,
			Description: summarize(task),
			Value:       clampValue(task),
		})
	}

	return out
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Path == "" || u.Path == "/" {
		return u.Host
	}
	return u.Host + u.Path
}

func summarize(task string) string {
	runes := []rune(task)
	if len(runes) > 80 {
		return string(runes[:80]) + "…"
	}
	return task
}

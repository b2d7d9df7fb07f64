package toolbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"browserpilot/internal/define"
	"browserpilot/internal/semantic"
)

// Formatter turns tool results into budget-bounded Markdown/JSON messages
// for the conversation. It keeps a per-session element map so repeated
// get_page_info calls on the same URL emit only the differences.
type Formatter struct {
	budget int

	mu   sync.Mutex
	prev map[string]*formatterState
}

type formatterState struct {
	url      string
	elements map[string]semantic.Element
}

// NewFormatter creates a formatter with the default character budget.
func NewFormatter() *Formatter {
	return &Formatter{
		budget: define.ToolResultBudget,
		prev:   make(map[string]*formatterState),
	}
}

// ForgetSession drops per-session diff state.
func (f *Formatter) ForgetSession(sessionID string) {
	f.mu.Lock()
	delete(f.prev, sessionID)
	f.mu.Unlock()
}

// Format renders a tool result within the character budget. Secrets are
// masked before anything reaches the conversation.
func (f *Formatter) Format(sessionID, tool string, res Result) string {
	if !res.OK {
		return f.formatError(res)
	}

	var out string
	switch tool {
	case ToolGetPageInfo:
		out = f.formatPageInfo(sessionID, res)
	case ToolGetPageContent:
		out = formatPageContent(res)
	case ToolScreenshot:
		out = formatScreenshot(res)
	case ToolGetNetworkLogs:
		out = formatJSON(map[string]any{"requests": res.Data["requests"]})
	case ToolGetConsoleLogs:
		out = formatJSON(map[string]any{"messages": res.Data["messages"]})
	case ToolFindElement:
		out = formatMatches(res)
	case ToolListTabs:
		out = formatJSON(res.Data)
	default:
		out = formatJSON(res.Data)
	}

	out = MaskSecrets(out)
	return truncateAtLine(out, f.budget)
}

func (f *Formatter) formatError(res Result) string {
	payload := map[string]any{
		"errorCode": string(res.ErrorCode),
		"message":   res.Message,
	}
	if res.Hint != "" {
		payload["hint"] = res.Hint
	}
	return formatJSON(payload)
}

// formatPageInfo emits the full element list on a new URL, and only the
// added/removed/changed elements when at most half the set changed on a
// repeat call for the same URL.
func (f *Formatter) formatPageInfo(sessionID string, res Result) string {
	url, _ := res.Data["url"].(string)
	elements, _ := res.Data["elements"].([]semantic.Element)

	current := make(map[string]semantic.Element, len(elements))
	for _, el := range elements {
		current[el.ID] = el
	}

	f.mu.Lock()
	prev := f.prev[sessionID]
	f.prev[sessionID] = &formatterState{url: url, elements: current}
	f.mu.Unlock()

	if prev != nil && prev.url == url && len(prev.elements) > 0 {
		added, removed, changed := diffElements(prev.elements, current)
		total := len(current)
		if total == 0 {
			total = 1
		}
		changedRatio := float64(len(added)+len(removed)+len(changed)) / float64(total)
		if changedRatio <= 0.5 {
			return formatElementDiff(url, len(elements), added, removed, changed)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Page: %s\nInteractive elements (%d):\n", url, len(elements))
	for _, el := range elements {
		sb.WriteString(semantic.FormatElementLine(maskElement(el)))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func diffElements(prev, current map[string]semantic.Element) (added, removed, changed []semantic.Element) {
	for id, el := range current {
		old, ok := prev[id]
		if !ok {
			added = append(added, el)
			continue
		}
		if old.Label != el.Label || old.Value != el.Value || old.Type != el.Type ||
			old.State != el.State {
			changed = append(changed, el)
		}
	}
	for id, el := range prev {
		if _, ok := current[id]; !ok {
			removed = append(removed, el)
		}
	}
	sortByID(added)
	sortByID(removed)
	sortByID(changed)
	return added, removed, changed
}

func sortByID(els []semantic.Element) {
	sort.Slice(els, func(i, j int) bool { return els[i].ID < els[j].ID })
}

func formatElementDiff(url string, total int, added, removed, changed []semantic.Element) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Page: %s (unchanged elements omitted, %d total)\n", url, total)
	writeSection := func(title string, els []semantic.Element) {
		if len(els) == 0 {
			return
		}
		fmt.Fprintf(&sb, "%s (%d):\n", title, len(els))
		for _, el := range els {
			sb.WriteString(semantic.FormatElementLine(maskElement(el)))
			sb.WriteByte('\n')
		}
	}
	writeSection("Added", added)
	writeSection("Removed", removed)
	writeSection("Changed", changed)
	if len(added)+len(removed)+len(changed) == 0 {
		sb.WriteString("No element changes since the last call.\n")
	}
	return sb.String()
}

func formatPageContent(res Result) string {
	title, _ := res.Data["title"].(string)
	sections, _ := res.Data["sections"].([]semantic.Section)
	links, _ := res.Data["links"].([]string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	for _, s := range sections {
		sb.WriteString(s.Text)
		sb.WriteString("\n\n")
	}
	if len(links) > 0 {
		sb.WriteString("Links:\n")
		for i, l := range links {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&sb, "- %s\n", l)
		}
	}
	return sb.String()
}

func formatScreenshot(res Result) string {
	// The image itself stays out of the conversation; report its size so
	// the LLM knows the capture worked.
	return formatJSON(map[string]any{
		"format": res.Data["format"],
		"bytes":  res.Data["bytes"],
	})
}

func formatMatches(res Result) string {
	matches, _ := res.Data["matches"].([]semantic.Match)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Matches (%d):\n", len(matches))
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s score=%.2f (%s)\n",
			semantic.FormatElementLine(maskElement(m.Element)), m.Score, m.MatchReason)
	}
	return sb.String()
}

func formatJSON(data map[string]any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}

// truncateAtLine truncates text to maxLen without cutting a line in half.
func truncateAtLine(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := strings.LastIndex(text[:maxLen], "\n")
	if cut <= 0 {
		cut = maxLen
	}
	return text[:cut] + "\n... (truncated)"
}

// --- secret masking ---

var secretKeyMarkers = []string{"password", "passwd", "secret", "token", "apikey", "api_key", "credential"}

// IsSecretKey reports whether a field name looks like it holds a secret.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// maskElement hides values of password-typed inputs.
func maskElement(el semantic.Element) semantic.Element {
	if el.Type == "password" && el.Value != "" {
		el.Value = "********"
	}
	if IsSecretKey(el.Label) && el.Value != "" {
		el.Value = "********"
	}
	return el
}

// MaskSecrets rewrites "key": "value" pairs whose key looks secret-bearing.
// It operates on the rendered text so every formatter output passes through
// one gate.
func MaskSecrets(text string) string {
	lower := strings.ToLower(text)
	var sb strings.Builder
	last := 0
	for i := 0; i < len(text); {
		marker, pos := nextSecretMarker(lower, i)
		if pos < 0 {
			break
		}
		// Find the value following `"<key>": "` on this occurrence.
		valStart := strings.Index(text[pos:], `": "`)
		if valStart < 0 || valStart > 60 {
			i = pos + len(marker)
			continue
		}
		valStart = pos + valStart + len(`": "`)
		valEnd := strings.Index(text[valStart:], `"`)
		if valEnd < 0 {
			i = pos + len(marker)
			continue
		}
		sb.WriteString(text[last:valStart])
		sb.WriteString("********")
		last = valStart + valEnd
		i = last
	}
	if last == 0 {
		return text
	}
	sb.WriteString(text[last:])
	return sb.String()
}

func nextSecretMarker(lower string, from int) (string, int) {
	best := -1
	var bestMarker string
	for _, marker := range secretKeyMarkers {
		if pos := strings.Index(lower[from:], marker); pos >= 0 {
			if best < 0 || from+pos < best {
				best = from + pos
				bestMarker = marker
			}
		}
	}
	if best < 0 {
		return "", -1
	}
	return bestMarker, best
}

package taskrunner

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Template identifiers.
const (
	TemplateBatchExtract    = "batch_extract_pages"
	TemplateMultiTabCompare = "multi_tab_compare"
	TemplateLoginKeep       = "login_and_keep_session"
)

// TaskSpec is what a caller submits.
type TaskSpec struct {
	Goal         string         `json:"goal"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Budget       Budget         `json:"budget,omitempty"`
}

// Budget bounds the repair loop.
type Budget struct {
	MaxRetries int `json:"maxRetries,omitempty"`
}

// StepKind discriminates plan steps.
type StepKind string

const (
	StepTemplate  StepKind = "template"
	StepAgentGoal StepKind = "agent_goal"
)

// Step is one planned unit of work: a template invocation or a
// natural-language goal handed to the agent loop.
type Step struct {
	Kind       StepKind       `json:"kind"`
	TemplateID string         `json:"templateId,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Goal       string         `json:"goal,omitempty"`
}

// Planner maps task specs to ordered steps with a keyword rule table; an
// optional LLM classifier runs only when no rule matches, and its failures
// silently fall back to agent_goal.
type Planner struct {
	log        *slog.Logger
	classifier model.ToolCallingChatModel // optional
}

// NewPlanner creates a planner. classifier may be nil.
func NewPlanner(log *slog.Logger, classifier model.ToolCallingChatModel) *Planner {
	return &Planner{log: log.With("component", "planner"), classifier: classifier}
}

var planURLPattern = regexp.MustCompile(`https?://[^\s"'<>）)】,]+`)

// Plan produces the ordered step list for a spec.
func (p *Planner) Plan(ctx context.Context, spec TaskSpec) []Step {
	urls := collectURLs(spec)
	goal := strings.ToLower(spec.Goal)

	switch {
	case len(urls) >= 2 && containsAny(goal, "compare", "对比", "比较"):
		return []Step{{
			Kind:       StepTemplate,
			TemplateID: TemplateMultiTabCompare,
			Inputs:     mergeInputs(spec.Inputs, map[string]any{"urls": urls}),
		}}

	case len(urls) >= 2 || (len(urls) >= 1 && containsAny(goal, "extract", "scrape", "batch", "each", "提取", "抓取")):
		return []Step{{
			Kind:       StepTemplate,
			TemplateID: TemplateBatchExtract,
			Inputs:     mergeInputs(spec.Inputs, map[string]any{"urls": urls, "goal": spec.Goal}),
		}}

	case len(urls) >= 1 && containsAny(goal, "login", "log in", "sign in", "登录", "登陆"):
		return []Step{{
			Kind:       StepTemplate,
			TemplateID: TemplateLoginKeep,
			Inputs:     mergeInputs(spec.Inputs, map[string]any{"url": urls[0]}),
		}}
	}

	if step, matched := p.classify(ctx, spec); matched {
		return []Step{step}
	}
	return []Step{{Kind: StepAgentGoal, Goal: spec.Goal}}
}

// classify asks the LLM classifier to pick a template. Any failure — call
// error, unparseable reply, unknown template — means no match.
func (p *Planner) classify(ctx context.Context, spec TaskSpec) (Step, bool) {
	if p.classifier == nil {
		return Step{}, false
	}

	prompt := `Classify this browsing task onto a template, if one fits exactly.

Templates:
- batch_extract_pages: visit a list of URLs and extract content from each
- multi_tab_compare: open several URLs and compare them field by field
- login_and_keep_session: log into a site and keep the session

Task: ` + spec.Goal + `

Reply with JSON only: {"template": "<id>", "inputs": {...}} or {"template": null} when none fits.`

	llmCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	resp, err := p.classifier.Generate(llmCtx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		p.log.Debug("classifier unavailable, falling back to agent_goal", "error", err)
		return Step{}, false
	}

	raw := extractJSONObject(resp.Content)
	if raw == "" {
		return Step{}, false
	}
	var parsed struct {
		Template string         `json:"template"`
		Inputs   map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Step{}, false
	}
	switch parsed.Template {
	case TemplateBatchExtract, TemplateMultiTabCompare, TemplateLoginKeep:
		return Step{
			Kind:       StepTemplate,
			TemplateID: parsed.Template,
			Inputs:     mergeInputs(spec.Inputs, parsed.Inputs),
		}, true
	}
	return Step{}, false
}

// extractJSONObject returns the first {...} object embedded in text, or "".
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// collectURLs gathers URLs from inputs.urls and the goal text, de-duplicated
// in order.
func collectURLs(spec TaskSpec) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimRight(u, ".,;")
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	if raw, ok := spec.Inputs["urls"]; ok {
		switch list := raw.(type) {
		case []string:
			for _, u := range list {
				add(u)
			}
		case []any:
			for _, item := range list {
				if u, ok := item.(string); ok {
					add(u)
				}
			}
		}
	}
	for _, u := range planURLPattern.FindAllString(spec.Goal, -1) {
		add(u)
	}
	return out
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func mergeInputs(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, exists := out[k]; !exists || v != nil {
			out[k] = v
		}
	}
	return out
}

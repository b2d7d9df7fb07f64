package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cannedModel replies with a fixed message (or error) to every call.
type cannedModel struct {
	reply string
	err   error
}

func (m *cannedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *cannedModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (m *cannedModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestPlannerCompareRule(t *testing.T) {
	p := NewPlanner(slog.Default(), nil)
	steps := p.Plan(context.Background(), TaskSpec{
		Goal: "compare https://a.example.com and https://b.example.com prices",
	})
	require.Len(t, steps, 1)
	assert.Equal(t, StepTemplate, steps[0].Kind)
	assert.Equal(t, TemplateMultiTabCompare, steps[0].TemplateID)
	assert.Len(t, steps[0].Inputs["urls"], 2)
}

func TestPlannerBatchExtractRule(t *testing.T) {
	p := NewPlanner(slog.Default(), nil)
	steps := p.Plan(context.Background(), TaskSpec{
		Goal:   "extract the title from each page",
		Inputs: map[string]any{"urls": []string{"https://a", "https://b", "https://c"}},
	})
	require.Len(t, steps, 1)
	assert.Equal(t, TemplateBatchExtract, steps[0].TemplateID)
}

func TestPlannerLoginRule(t *testing.T) {
	p := NewPlanner(slog.Default(), nil)
	steps := p.Plan(context.Background(), TaskSpec{
		Goal: "login to https://portal.example.com with my account",
	})
	require.Len(t, steps, 1)
	assert.Equal(t, TemplateLoginKeep, steps[0].TemplateID)
	assert.Equal(t, "https://portal.example.com", steps[0].Inputs["url"])
}

func TestPlannerFallbackToAgentGoal(t *testing.T) {
	p := NewPlanner(slog.Default(), nil)
	steps := p.Plan(context.Background(), TaskSpec{Goal: "find a good lasagna recipe"})
	require.Len(t, steps, 1)
	assert.Equal(t, StepAgentGoal, steps[0].Kind)
	assert.Equal(t, "find a good lasagna recipe", steps[0].Goal)
}

func TestPlannerClassifierMatch(t *testing.T) {
	p := NewPlanner(slog.Default(), &cannedModel{
		reply: `Sure: {"template": "batch_extract_pages", "inputs": {"urls": ["https://x.example.com"]}}`,
	})
	steps := p.Plan(context.Background(), TaskSpec{Goal: "grab that page"})
	require.Len(t, steps, 1)
	assert.Equal(t, TemplateBatchExtract, steps[0].TemplateID)
}

func TestPlannerClassifierFailureFallsBack(t *testing.T) {
	cases := []*cannedModel{
		{err: errors.New("llm down")},
		{reply: "no JSON here"},
		{reply: `{"template": "made_up_template"}`},
		{reply: `{"template": null}`},
	}
	for _, m := range cases {
		p := NewPlanner(slog.Default(), m)
		steps := p.Plan(context.Background(), TaskSpec{Goal: "do something unusual"})
		require.Len(t, steps, 1)
		assert.Equal(t, StepAgentGoal, steps[0].Kind, "classifier failure must silently fall back")
	}
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSONObject(`prefix {"a": 1} suffix`))
	assert.Equal(t, `{"a": {"b": "}"}}`, extractJSONObject(`{"a": {"b": "}"}}`))
	assert.Equal(t, "", extractJSONObject("no braces"))
	assert.Equal(t, "", extractJSONObject("{unclosed"))
}

func TestCollectURLsDedup(t *testing.T) {
	urls := collectURLs(TaskSpec{
		Goal:   "see https://a.example.com and https://a.example.com again",
		Inputs: map[string]any{"urls": []any{"https://b.example.com"}},
	})
	assert.Equal(t, []string{"https://b.example.com", "https://a.example.com"}, urls)
}

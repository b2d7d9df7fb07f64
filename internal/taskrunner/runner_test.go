package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserpilot/internal/browser"
	"browserpilot/internal/browser/browsertest"
	"browserpilot/internal/events"
	"browserpilot/internal/semantic"
)

// runnerLib serves fixed elements and content for template tests.
type runnerLib struct{}

func (runnerLib) CollectElements(context.Context, browser.Page, int, bool) ([]semantic.Element, error) {
	return []semantic.Element{
		{ID: "e1", Type: "textbox", Label: "Username"},
		{ID: "e2", Type: "password", Label: "Password"},
		{ID: "e3", Type: "button", Label: "Sign in"},
	}, nil
}

func (runnerLib) ExtractContent(_ context.Context, p browser.Page, _ int) (*semantic.Content, error) {
	url, _ := p.URL(context.Background())
	return &semantic.Content{
		Title:    "Title of " + url,
		Sections: []semantic.Section{{Text: "body of " + url, Attention: 1}},
	}, nil
}

func (runnerLib) Analyze(context.Context, browser.Page) (*semantic.Analysis, error) {
	return &semantic.Analysis{PageType: "other"}, nil
}

func (runnerLib) DetectRegions(context.Context, browser.Page) ([]semantic.Region, error) {
	return nil, nil
}

// fakeAgents scripts RunGoal outcomes, in call order.
type fakeAgents struct {
	results []string
	calls   []string
}

func (f *fakeAgents) RunGoal(_ context.Context, _, _, goal string) (string, bool, error) {
	f.calls = append(f.calls, goal)
	if len(f.results) == 0 {
		return `{"note":"default"}`, true, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next, true, nil
}

func newTestRunner(t *testing.T, agents AgentRunner, failURLs map[string]error) *Runner {
	t.Helper()
	log := slog.Default()
	provider := browsertest.NewFakeProvider()
	provider.Headless.OnNewPage = func(p *browsertest.FakePage) {
		p.NavigateErrURLs = failURLs
	}
	cookies := browser.NewCookieStore(log, "", 0)
	sessions := browser.NewManager(log, provider, cookies, 20, time.Minute)

	planner := NewPlanner(log, nil)
	runs := NewRunManager(log, NewArtifactStore(time.Hour), nil, 5, 10*time.Second, time.Hour)
	return NewRunner(log, sessions, runnerLib{}, planner, runs, agents, events.NewHub())
}

func TestBatchExtractRun(t *testing.T) {
	runner := newTestRunner(t, &fakeAgents{}, nil)

	id, err := runner.Submit(TaskSpec{
		Goal:   "extract the title from each page",
		Inputs: map[string]any{"urls": []string{"https://a", "https://b", "https://c"}, "concurrency": 2},
	})
	require.NoError(t, err)

	run := waitTerminal(t, runner.Runs(), id)
	assert.Equal(t, StatusSucceeded, run.Status)

	result := run.Result.(map[string]any)
	summary := result["summary"].(map[string]any)
	assert.Equal(t, 3, summary["total"])
	assert.Equal(t, 3, summary["succeeded"])
	assert.Equal(t, 0, summary["failed"])
}

func TestBatchExtractPartialSuccess(t *testing.T) {
	runner := newTestRunner(t, &fakeAgents{}, map[string]error{
		"https://b": errors.New("net::ERR_TIMED_OUT navigation timeout"),
	})

	id, err := runner.Submit(TaskSpec{
		Goal:   "extract the title from each page",
		Inputs: map[string]any{"urls": []string{"https://a", "https://b", "https://c"}},
	})
	require.NoError(t, err)

	run := waitTerminal(t, runner.Runs(), id)
	assert.Equal(t, StatusPartialSuccess, run.Status, "2 of 3 pages succeeded")
}

func TestAgentGoalRunWithVerificationRepair(t *testing.T) {
	agents := &fakeAgents{results: []string{
		`{"price": "12.99"}`, // wrong type
		`{"price": 12.99}`,   // repaired
	}}
	runner := newTestRunner(t, agents, nil)

	id, err := runner.Submit(TaskSpec{
		Goal: "find the widget price",
		OutputSchema: map[string]any{
			"type":       "object",
			"required":   []any{"price"},
			"properties": map[string]any{"price": map[string]any{"type": "number"}},
		},
		Budget: Budget{MaxRetries: 2},
	})
	require.NoError(t, err)

	run := waitTerminal(t, runner.Runs(), id)
	assert.Equal(t, StatusSucceeded, run.Status)

	require.Len(t, agents.calls, 2, "one original step plus one repair step")
	assert.Contains(t, agents.calls[1], "price", "repair goal names the mismatched field")

	result := run.Result.(map[string]any)
	verification := result["verification"].(Verification)
	assert.True(t, verification.Pass)
}

func TestAgentGoalVerificationExhaustsRetries(t *testing.T) {
	agents := &fakeAgents{results: []string{
		`{"price": "12.99"}`,
		`{"price": "still wrong"}`,
	}}
	runner := newTestRunner(t, agents, nil)

	id, err := runner.Submit(TaskSpec{
		Goal: "find the widget price",
		OutputSchema: map[string]any{
			"type":       "object",
			"required":   []any{"price"},
			"properties": map[string]any{"price": map[string]any{"type": "number"}},
		},
		Budget: Budget{MaxRetries: 1},
	})
	require.NoError(t, err)

	run := waitTerminal(t, runner.Runs(), id)
	assert.Equal(t, StatusFailed, run.Status, "verification failure surfaces as failed")

	result := run.Result.(map[string]any)
	verification := result["verification"].(Verification)
	assert.False(t, verification.Pass)
}

func TestMultiTabCompareRun(t *testing.T) {
	runner := newTestRunner(t, &fakeAgents{}, nil)

	id, err := runner.Submit(TaskSpec{
		Goal: "compare https://a.example.com and https://b.example.com",
	})
	require.NoError(t, err)

	run := waitTerminal(t, runner.Runs(), id)
	assert.Equal(t, StatusSucceeded, run.Status)

	result := run.Result.(map[string]any)
	diffs := result["diffs"].([]fieldDiff)
	require.NotEmpty(t, diffs)
	byField := map[string]fieldDiff{}
	for _, d := range diffs {
		byField[d.Field] = d
	}
	assert.False(t, byField["title"].Equal, "titles differ per URL")
	assert.True(t, byField["elementCount"].Equal, "same element counts within tolerance")
}

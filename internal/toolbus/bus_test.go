package toolbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserpilot/internal/browser"
	"browserpilot/internal/browser/browsertest"
	"browserpilot/internal/errs"
	"browserpilot/internal/semantic"
)

// fakeLib is a scriptable semantic.Library.
type fakeLib struct {
	elements []semantic.Element
	content  *semantic.Content
}

func (l *fakeLib) CollectElements(context.Context, browser.Page, int, bool) ([]semantic.Element, error) {
	return l.elements, nil
}

func (l *fakeLib) ExtractContent(context.Context, browser.Page, int) (*semantic.Content, error) {
	if l.content != nil {
		return l.content, nil
	}
	return &semantic.Content{Title: "t"}, nil
}

func (l *fakeLib) Analyze(context.Context, browser.Page) (*semantic.Analysis, error) {
	return &semantic.Analysis{PageType: "other"}, nil
}

func (l *fakeLib) DetectRegions(context.Context, browser.Page) ([]semantic.Region, error) {
	return nil, nil
}

func newTestBus(t *testing.T, lib *fakeLib) (*Bus, string) {
	t.Helper()
	log := slog.Default()
	provider := browsertest.NewFakeProvider()
	cookies := browser.NewCookieStore(log, "", 0)
	sessions := browser.NewManager(log, provider, cookies, 20, time.Minute)

	sess, err := sessions.Create(context.Background(), browser.CreateOptions{Headless: true})
	require.NoError(t, err)

	return New(log, sessions, lib), sess.ID
}

func TestDispatchMalformedJSONIsParameterError(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	res := bus.Dispatch(context.Background(), sessionID, ToolNavigate, `{"url": `)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeInvalidParameter, res.ErrorCode)
}

func TestDispatchUnknownTool(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	res := bus.Dispatch(context.Background(), sessionID, "fly_to_the_moon", `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeInvalidRequest, res.ErrorCode)
}

func TestDispatchSessionNotFound(t *testing.T) {
	bus, _ := newTestBus(t, &fakeLib{})
	res := bus.Dispatch(context.Background(), "missing", ToolGetPageInfo, `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeSessionNotFound, res.ErrorCode)
}

func TestNavigateReportsFinalURL(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	res := bus.Dispatch(context.Background(), sessionID, ToolNavigate, `{"url": "https://example.com"}`)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "https://example.com", res.Data["url"])
}

func TestClickRequiresCollectedElements(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	res := bus.Dispatch(context.Background(), sessionID, ToolClick, `{"element_id": "e1"}`)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeElementNotFound, res.ErrorCode)
	assert.NotEmpty(t, res.Hint, "element errors carry a refresh hint")
}

func TestGetPageInfoThenClick(t *testing.T) {
	lib := &fakeLib{elements: []semantic.Element{
		{ID: "e1", Type: "button", Label: "Go", Bounds: semantic.Bounds{X: 10, Y: 20, Width: 30, Height: 10}},
	}}
	bus, sessionID := newTestBus(t, lib)

	info := bus.Dispatch(context.Background(), sessionID, ToolGetPageInfo, `{}`)
	require.True(t, info.OK)
	assert.Equal(t, 1, info.Data["count"])

	click := bus.Dispatch(context.Background(), sessionID, ToolClick, `{"element_id": "e1"}`)
	require.True(t, click.OK, click.Message)
	assert.Equal(t, "e1", click.Data["clicked"])

	// Unknown id still fails after collection.
	miss := bus.Dispatch(context.Background(), sessionID, ToolClick, `{"element_id": "e99"}`)
	assert.Equal(t, errs.CodeElementNotFound, miss.ErrorCode)
}

func TestTabToolsRoundTrip(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	ctx := context.Background()

	created := bus.Dispatch(ctx, sessionID, ToolCreateTab, `{"url": "https://example.com/b"}`)
	require.True(t, created.OK, created.Message)
	tabID := created.Data["tabId"].(string)

	list := bus.Dispatch(ctx, sessionID, ToolListTabs, `{}`)
	require.True(t, list.OK)
	tabs := list.Data["tabs"].([]map[string]any)
	assert.Len(t, tabs, 2)

	switched := bus.Dispatch(ctx, sessionID, ToolSwitchTab, `{"tab_id": "`+tabID+`"}`)
	assert.True(t, switched.OK)

	closed := bus.Dispatch(ctx, sessionID, ToolCloseTab, `{"tab_id": "`+tabID+`"}`)
	assert.True(t, closed.OK)

	missing := bus.Dispatch(ctx, sessionID, ToolSwitchTab, `{"tab_id": "`+tabID+`"}`)
	assert.Equal(t, errs.CodeTabNotFound, missing.ErrorCode)
}

func TestBlockedScriptTools(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	bus.BlockScriptTools()

	res := bus.Dispatch(context.Background(), sessionID, ToolExecuteJS, `{"script": "1+1"}`)
	assert.Equal(t, errs.CodeTrustLevelNotAllowed, res.ErrorCode)

	res = bus.Dispatch(context.Background(), sessionID, ToolUploadFile, `{"element_id": "e1", "filePath": "/tmp/f"}`)
	assert.Equal(t, errs.CodeTrustLevelNotAllowed, res.ErrorCode)
}

func TestWaitTime(t *testing.T) {
	bus, sessionID := newTestBus(t, &fakeLib{})
	start := time.Now()
	res := bus.Dispatch(context.Background(), sessionID, ToolWait, `{"condition": "time", "ms": 30}`)
	require.True(t, res.OK)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

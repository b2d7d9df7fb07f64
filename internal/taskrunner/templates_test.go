package taskrunner

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserpilot/internal/browser"
	"browserpilot/internal/browser/browsertest"
	"browserpilot/internal/errs"
)

func TestLoginKeepSession(t *testing.T) {
	log := slog.Default()
	provider := browsertest.NewFakeProvider()
	provider.Headless.OnNewPage = func(p *browsertest.FakePage) {
		p.EvalFn = func(script string, out any) error {
			switch v := out.(type) {
			case *bool:
				*v = true // focus/clear scripts find their element
			case *struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			}:
				v.X, v.Y = 100, 40 // submit button position
			}
			return nil
		}
	}
	cookies := browser.NewCookieStore(log, "", 0)
	sessions := browser.NewManager(log, provider, cookies, 20, time.Minute)

	sess, err := sessions.Create(context.Background(), browser.CreateOptions{Headless: true})
	require.NoError(t, err)

	deps := TemplateDeps{Log: log, Sessions: sessions, Lib: runnerLib{}}
	handle := &RunHandle{runID: "run-login", mgr: newTestRunManager(t, 5)}

	result, err := runLoginKeep(context.Background(), deps, handle, sess.ID, map[string]any{
		"url":              "https://portal.example.com/login",
		"username":         "alice",
		"password":         "hunter2",
		"successIndicator": "url_contains",
		"successValue":     "portal.example.com",
	})
	require.NoError(t, err)

	payload := result.(map[string]any)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, sess.ID, payload["sessionId"])

	// Both credentials were typed.
	tab, err := sessions.GetActiveTab(sess.ID)
	require.NoError(t, err)
	typed := tab.Page.(*browsertest.FakePage).Typed
	assert.Contains(t, typed, "alice")
	assert.Contains(t, typed, "hunter2")

	// The session survives for later runs.
	_, ok := sessions.Get(sess.ID)
	assert.True(t, ok)
}

func TestLoginKeepMissingInputs(t *testing.T) {
	deps := TemplateDeps{Log: slog.Default()}
	_, err := runLoginKeep(context.Background(), deps, &RunHandle{}, "s", map[string]any{
		"url": "https://example.com",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidParameter, errs.CodeOf(err))
}

func TestBatchExtractRejectsEmptyURLs(t *testing.T) {
	deps := TemplateDeps{Log: slog.Default()}
	_, err := runBatchExtract(context.Background(), deps, &RunHandle{}, "s", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidParameter, errs.CodeOf(err))
}

func TestMultiTabCompareBounds(t *testing.T) {
	deps := TemplateDeps{Log: slog.Default()}

	_, err := runMultiTabCompare(context.Background(), deps, &RunHandle{}, "s", map[string]any{
		"urls": []string{"https://only-one"},
	})
	require.Error(t, err)

	var many []string
	for i := 0; i < 11; i++ {
		many = append(many, "https://site-"+strings.Repeat("x", i+1)+".example.com")
	}
	_, err = runMultiTabCompare(context.Background(), deps, &RunHandle{}, "s", map[string]any{
		"urls": many,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ten")
}

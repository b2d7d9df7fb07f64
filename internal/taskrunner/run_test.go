package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunManager(t *testing.T, maxConcurrent int) *RunManager {
	t.Helper()
	return NewRunManager(slog.Default(), NewArtifactStore(time.Hour), nil, maxConcurrent, 5*time.Second, time.Hour)
}

func waitTerminal(t *testing.T, m *RunManager, runID string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = m.Get(runID)
		return err == nil && run.Status.IsTerminal()
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

func TestRunStatusFromSummary(t *testing.T) {
	cases := []struct {
		succeeded, total int
		want             Status
	}{
		{3, 3, StatusSucceeded},
		{2, 3, StatusPartialSuccess},
		{1, 3, StatusFailed},
		{0, 3, StatusFailed},
	}
	for _, tc := range cases {
		m := newTestRunManager(t, 5)
		id, err := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
			return map[string]any{"summary": map[string]any{
				"succeeded": tc.succeeded, "failed": tc.total - tc.succeeded, "total": tc.total,
			}}, nil
		})
		require.NoError(t, err)
		run := waitTerminal(t, m, id)
		assert.Equal(t, tc.want, run.Status, "summary %d/%d", tc.succeeded, tc.total)
	}
}

func TestRunStatusFromSuccessFlag(t *testing.T) {
	m := newTestRunManager(t, 5)
	id, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return map[string]any{"success": false}, nil
	})
	assert.Equal(t, StatusFailed, waitTerminal(t, m, id).Status)

	id2, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return map[string]any{"anything": "else"}, nil
	})
	assert.Equal(t, StatusSucceeded, waitTerminal(t, m, id2).Status)
}

func TestRunExecutorErrorFails(t *testing.T) {
	m := newTestRunManager(t, 5)
	id, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return nil, errors.New("boom")
	})
	run := waitTerminal(t, m, id)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "boom", run.Error.Message)
}

func TestRunTerminalStatusIsSticky(t *testing.T) {
	m := newTestRunManager(t, 5)
	id, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return map[string]any{"success": true}, nil
	})
	run := waitTerminal(t, m, id)
	require.Equal(t, StatusSucceeded, run.Status)

	// Later transition attempts are no-ops.
	m.transition(id, StatusFailed, nil, &RunError{Code: "EXECUTION_ERROR", Message: "late"})
	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Nil(t, got.Error)
}

func TestRunConcurrencyCap(t *testing.T) {
	m := newTestRunManager(t, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	blockingExec := func(context.Context, *RunHandle) (any, error) {
		<-release
		return nil, nil
	}

	wg.Add(2)
	for i := 0; i < 2; i++ {
		_, err := m.Submit("tpl", "", true, func(ctx context.Context, h *RunHandle) (any, error) {
			defer wg.Done()
			return blockingExec(ctx, h)
		})
		require.NoError(t, err)
	}

	// All slots occupied by non-terminal runs: submission is rejected.
	_, err := m.Submit("tpl", "", true, blockingExec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	close(release)
	wg.Wait()

	assert.Eventually(t, func() bool {
		_, err := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
			return nil, nil
		})
		return err == nil
	}, time.Second, 5*time.Millisecond, "slots free up after runs finish")
}

func TestRunCancelCooperative(t *testing.T) {
	m := newTestRunManager(t, 5)
	started := make(chan struct{})
	id, _ := m.Submit("tpl", "", true, func(ctx context.Context, h *RunHandle) (any, error) {
		close(started)
		for !h.Canceled() {
			time.Sleep(5 * time.Millisecond)
		}
		return map[string]any{"partial": true}, nil
	})

	<-started
	assert.True(t, m.Cancel(id))
	run := waitTerminal(t, m, id)
	assert.Equal(t, StatusCanceled, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "RUN_CANCELED", string(run.Error.Code))

	assert.False(t, m.Cancel(id), "cancel of a terminal run returns false")
	assert.False(t, m.Cancel("missing"))
}

func TestRunTimeout(t *testing.T) {
	m := NewRunManager(slog.Default(), nil, nil, 5, 50*time.Millisecond, time.Hour)
	id, _ := m.Submit("tpl", "", true, func(ctx context.Context, _ *RunHandle) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	run := waitTerminal(t, m, id)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "RUN_TIMEOUT", string(run.Error.Code))
}

func TestRunListNewestFirst(t *testing.T) {
	m := newTestRunManager(t, 5)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestRunResultArtifact(t *testing.T) {
	artifacts := NewArtifactStore(time.Hour)
	m := NewRunManager(slog.Default(), artifacts, nil, 5, 5*time.Second, time.Hour)

	id, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return map[string]any{"success": true, "value": 7}, nil
	})
	run := waitTerminal(t, m, id)
	require.Len(t, run.ArtifactIDs, 1, "terminal run saves its result as an artifact")

	art, chunk, err := artifacts.Get(run.ArtifactIDs[0], 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "application/json", art.MimeType)
	assert.Contains(t, string(chunk), `"value":7`)
}

func TestRunSweepDropsExpired(t *testing.T) {
	m := NewRunManager(slog.Default(), nil, nil, 5, 5*time.Second, time.Millisecond)
	id, _ := m.Submit("tpl", "", true, func(context.Context, *RunHandle) (any, error) {
		return nil, nil
	})
	waitTerminal(t, m, id)
	time.Sleep(5 * time.Millisecond)

	m.Sweep()
	_, err := m.Get(id)
	assert.Error(t, err)
}

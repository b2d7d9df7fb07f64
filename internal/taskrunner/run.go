package taskrunner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"browserpilot/internal/define"
	"browserpilot/internal/errs"
)

// Status is a run's lifecycle state. Terminal statuses are final: a run
// reaches at most one, and transitions out of it are no-ops.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusPartialSuccess Status = "partial_success"
	StatusCanceled       Status = "canceled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartialSuccess, StatusCanceled:
		return true
	}
	return false
}

// RunProgress counts completed steps.
type RunProgress struct {
	TotalSteps int `json:"totalSteps"`
	DoneSteps  int `json:"doneSteps"`
}

// RunError is the terminal error record of a failed run.
type RunError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// Run is one task-template execution.
type Run struct {
	ID          string      `json:"id"`
	TemplateID  string      `json:"templateId,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`
	OwnsSession bool        `json:"ownsSession"`
	Status      Status      `json:"status"`
	Progress    RunProgress `json:"progress"`
	ElapsedMs   int64       `json:"elapsedMs"`
	Result      any         `json:"result,omitempty"`
	Error       *RunError   `json:"error,omitempty"`
	ArtifactIDs []string    `json:"artifactIds,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	FinishedAt  time.Time   `json:"finishedAt,omitzero"`
}

// RunHandle is what an executor sees of its run: progress reporting and
// cooperative cancellation.
type RunHandle struct {
	runID string
	mgr   *RunManager

	cancelMu sync.Mutex
	canceled bool
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string { return h.runID }

// Canceled reports whether cancellation was requested. Executors check it
// between steps; in-flight work completes.
func (h *RunHandle) Canceled() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.canceled
}

func (h *RunHandle) markCanceled() {
	h.cancelMu.Lock()
	h.canceled = true
	h.cancelMu.Unlock()
}

// SetProgress updates the run's step counters.
func (h *RunHandle) SetProgress(done, total int) {
	h.mgr.setProgress(h.runID, done, total)
}

// Executor is the run body. Its return value decides the terminal status
// (see deriveStatus).
type Executor func(ctx context.Context, handle *RunHandle) (any, error)

// TerminalRecorder receives terminal runs (the journal implements it).
type TerminalRecorder interface {
	RecordTerminalRun(run *Run)
}

// RunManager owns the run map, the concurrency semaphore, wall-clock
// timeouts and terminal-status transitions.
type RunManager struct {
	log       *slog.Logger
	artifacts *ArtifactStore
	recorder  TerminalRecorder

	maxConcurrent int
	hardTimeout   time.Duration
	runTTL        time.Duration

	mu      sync.Mutex
	runs    map[string]*Run
	handles map[string]*RunHandle
	active  int
}

// NewRunManager creates the manager.
func NewRunManager(log *slog.Logger, artifacts *ArtifactStore, recorder TerminalRecorder, maxConcurrent int, hardTimeout, runTTL time.Duration) *RunManager {
	if maxConcurrent <= 0 {
		maxConcurrent = define.MaxConcurrentRuns
	}
	if hardTimeout <= 0 || hardTimeout > define.RunHardTimeout {
		hardTimeout = define.RunHardTimeout
	}
	if runTTL <= 0 {
		runTTL = define.RunTTLAfterTerminal
	}
	return &RunManager{
		log:           log.With("component", "runs"),
		artifacts:     artifacts,
		recorder:      recorder,
		maxConcurrent: maxConcurrent,
		hardTimeout:   hardTimeout,
		runTTL:        runTTL,
		runs:          make(map[string]*Run),
		handles:       make(map[string]*RunHandle),
	}
}

// Submit starts an executor as a run. When every slot is occupied by a
// non-terminal run the submission is rejected immediately.
func (m *RunManager) Submit(templateID, sessionID string, ownsSession bool, executor Executor) (string, error) {
	m.mu.Lock()
	if m.active >= m.maxConcurrent {
		m.mu.Unlock()
		return "", errs.Newf(errs.CodeInvalidRequest,
			"concurrent run limit reached (%d); retry after a run finishes", m.maxConcurrent)
	}
	m.active++

	run := &Run{
		ID:          "run_" + gonanoid.Must(12),
		TemplateID:  templateID,
		SessionID:   sessionID,
		OwnsSession: ownsSession,
		Status:      StatusQueued,
		CreatedAt:   time.Now(),
	}
	handle := &RunHandle{runID: run.ID, mgr: m}
	m.runs[run.ID] = run
	m.handles[run.ID] = handle
	m.mu.Unlock()

	go m.execute(run.ID, handle, executor)
	return run.ID, nil
}

func (m *RunManager) execute(runID string, handle *RunHandle, executor Executor) {
	m.transition(runID, StatusRunning, nil, nil)
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.hardTimeout)
	defer cancel()

	result, err := executor(ctx, handle)
	elapsed := time.Since(started).Milliseconds()

	m.mu.Lock()
	if run, ok := m.runs[runID]; ok {
		run.ElapsedMs = elapsed
	}
	m.active--
	delete(m.handles, runID)
	m.mu.Unlock()

	switch {
	case handle.Canceled():
		m.transition(runID, StatusCanceled, result, &RunError{
			Code:    errs.CodeRunCanceled,
			Message: "run canceled",
		})
	case ctx.Err() != nil:
		m.transition(runID, StatusFailed, result, &RunError{
			Code:    errs.CodeRunTimeout,
			Message: "run exceeded the wall-clock limit",
		})
	case err != nil:
		m.transition(runID, StatusFailed, result, &RunError{
			Code:    errs.CodeOf(err),
			Message: err.Error(),
		})
	default:
		m.transition(runID, deriveStatus(result), result, nil)
	}
}

// deriveStatus maps an executor result onto a terminal status:
// {summary:{succeeded,total}} → succeeded / partial_success (ratio ≥ 0.5) /
// failed; {success:bool} → succeeded / failed; anything else → succeeded.
func deriveStatus(result any) Status {
	data, err := json.Marshal(result)
	if err != nil {
		return StatusSucceeded
	}
	var shape struct {
		Summary *struct {
			Succeeded int `json:"succeeded"`
			Total     int `json:"total"`
		} `json:"summary"`
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return StatusSucceeded
	}
	if shape.Summary != nil && shape.Summary.Total > 0 {
		switch {
		case shape.Summary.Succeeded == shape.Summary.Total:
			return StatusSucceeded
		case float64(shape.Summary.Succeeded)/float64(shape.Summary.Total) >= 0.5:
			return StatusPartialSuccess
		default:
			return StatusFailed
		}
	}
	if shape.Success != nil {
		if *shape.Success {
			return StatusSucceeded
		}
		return StatusFailed
	}
	return StatusSucceeded
}

// transition moves a run to a new status. Terminal statuses are sticky:
// once set, further transitions are dropped.
func (m *RunManager) transition(runID string, status Status, result any, runErr *RunError) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok || run.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	run.Status = status
	if result != nil {
		run.Result = result
	}
	if runErr != nil {
		run.Error = runErr
	}
	var snapshot *Run
	if status.IsTerminal() {
		run.FinishedAt = time.Now()
		if m.artifacts != nil && result != nil {
			if data, err := json.Marshal(result); err == nil {
				id := m.artifacts.Put(runID, "application/json", data)
				run.ArtifactIDs = append(run.ArtifactIDs, id)
			}
		}
		copied := *run
		snapshot = &copied
	}
	m.mu.Unlock()

	if snapshot != nil {
		if m.artifacts != nil {
			m.artifacts.StartTTL(runID)
		}
		if m.recorder != nil {
			m.recorder.RecordTerminalRun(snapshot)
		}
		m.log.Info("run finished", "run", runID, "status", status)
	}
}

// bindSession records the session a run ended up with (sessions are
// created inside the executor, after submit).
func (m *RunManager) bindSession(runID, sessionID string, owns bool) {
	m.mu.Lock()
	if run, ok := m.runs[runID]; ok {
		run.SessionID = sessionID
		run.OwnsSession = owns
	}
	m.mu.Unlock()
}

func (m *RunManager) setProgress(runID string, done, total int) {
	m.mu.Lock()
	if run, ok := m.runs[runID]; ok && !run.Status.IsTerminal() {
		run.Progress = RunProgress{TotalSteps: total, DoneSteps: done}
	}
	m.mu.Unlock()
}

// Cancel requests cooperative cancellation. Returns false for unknown or
// already-terminal runs.
func (m *RunManager) Cancel(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	handle := m.handles[runID]
	m.mu.Unlock()
	if !ok || run.Status.IsTerminal() || handle == nil {
		return false
	}
	handle.markCanceled()
	return true
}

// Get returns a copy of one run.
func (m *RunManager) Get(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, errs.Newf(errs.CodeRunNotFound, "run not found: %s", runID)
	}
	copied := *run
	return &copied, nil
}

// List returns all runs, newest first.
func (m *RunManager) List() []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		copied := *run
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep drops terminal runs past the retention TTL and expired artifacts.
func (m *RunManager) Sweep() {
	now := time.Now()
	m.mu.Lock()
	for id, run := range m.runs {
		if run.Status.IsTerminal() && now.Sub(run.FinishedAt) > m.runTTL {
			delete(m.runs, id)
		}
	}
	m.mu.Unlock()
	if m.artifacts != nil {
		m.artifacts.Sweep()
	}
}

// ActiveCount returns the number of non-terminal runs holding slots.
func (m *RunManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

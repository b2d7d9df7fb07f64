// Package taskrunner executes typed task templates as asynchronous,
// schema-verified runs with cooperative cancellation.
package taskrunner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"browserpilot/internal/browser"
	"browserpilot/internal/errs"
	"browserpilot/internal/events"
	"browserpilot/internal/semantic"
)

// AgentRunner executes a natural-language goal over a session and returns
// the agent's result payload. The agent loop implements it; tests fake it.
type AgentRunner interface {
	RunGoal(ctx context.Context, runID, sessionID, goal string) (result string, success bool, err error)
}

// Runner plans and executes task specs.
type Runner struct {
	log       *slog.Logger
	sessions  *browser.Manager
	lib       semantic.Library
	planner   *Planner
	runs      *RunManager
	templates map[string]Template
	agents    AgentRunner
	hub       *events.Hub
}

// NewRunner wires the task runner.
func NewRunner(log *slog.Logger, sessions *browser.Manager, lib semantic.Library, planner *Planner, runs *RunManager, agents AgentRunner, hub *events.Hub) *Runner {
	return &Runner{
		log:       log.With("component", "taskrunner"),
		sessions:  sessions,
		lib:       lib,
		planner:   planner,
		runs:      runs,
		templates: Templates(),
		agents:    agents,
		hub:       hub,
	}
}

// Runs exposes the run manager (status polling, cancel, listing).
func (r *Runner) Runs() *RunManager { return r.runs }

// Submit plans the spec and starts an asynchronous run. The returned run
// id is immediately pollable.
func (r *Runner) Submit(spec TaskSpec) (string, error) {
	if strings.TrimSpace(spec.Goal) == "" {
		return "", errs.New(errs.CodeInvalidRequest, "task goal is required")
	}

	plan := r.planner.Plan(context.Background(), spec)
	templateID := ""
	if len(plan) == 1 && plan[0].Kind == StepTemplate {
		templateID = plan[0].TemplateID
	}

	// login_and_keep_session leaves the session alive for future runs.
	keepSession := false
	for _, step := range plan {
		if step.Kind == StepTemplate && step.TemplateID == TemplateLoginKeep {
			keepSession = true
		}
	}

	return r.runs.Submit(templateID, "", !keepSession, func(ctx context.Context, handle *RunHandle) (any, error) {
		return r.execute(ctx, handle, spec, plan, keepSession)
	})
}

// execute runs the plan's steps in order, then verifies and repairs.
func (r *Runner) execute(ctx context.Context, handle *RunHandle, spec TaskSpec, plan []Step, keepSession bool) (any, error) {
	sess, err := r.sessions.Create(ctx, browser.CreateOptions{Headless: true})
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecutionError, "create session", err)
	}
	r.runs.bindSession(handle.RunID(), sess.ID, !keepSession)
	if !keepSession {
		defer r.sessions.Close(ctx, sess.ID)
	}

	deps := TemplateDeps{Log: r.log, Sessions: r.sessions, Lib: r.lib}

	handle.SetProgress(0, len(plan))
	var last any
	for i, step := range plan {
		if handle.Canceled() {
			return last, errs.New(errs.CodeRunCanceled, "canceled between steps")
		}
		if ctx.Err() != nil {
			return last, errs.New(errs.CodeRunTimeout, "run timed out")
		}

		last, err = r.executeStep(ctx, handle, deps, sess.ID, step)
		if err != nil {
			return last, err
		}
		handle.SetProgress(i+1, len(plan))
	}

	// Verification and repair against the output schema.
	if len(spec.OutputSchema) > 0 {
		last = r.verifyAndRepair(ctx, handle, sess.ID, spec, last)
	}
	return last, nil
}

func (r *Runner) executeStep(ctx context.Context, handle *RunHandle, deps TemplateDeps, sessionID string, step Step) (any, error) {
	switch step.Kind {
	case StepTemplate:
		tpl, ok := r.templates[step.TemplateID]
		if !ok {
			return nil, errs.Newf(errs.CodeTemplateNotFound, "template not found: %s", step.TemplateID)
		}
		return tpl(ctx, deps, handle, sessionID, step.Inputs)

	case StepAgentGoal:
		result, success, err := r.agents.RunGoal(ctx, handle.RunID(), sessionID, step.Goal)
		if err != nil {
			return nil, err
		}
		payload := parseAgentResult(result)
		payload["success"] = success
		return payload, nil

	default:
		return nil, errs.Newf(errs.CodeInvalidRequest, "unknown step kind: %s", step.Kind)
	}
}

// verifyAndRepair checks the result against the output schema; on failure
// it dispatches repair agent_goal steps describing what is missing, up to
// the budget. The final result always carries the last verification.
func (r *Runner) verifyAndRepair(ctx context.Context, handle *RunHandle, sessionID string, spec TaskSpec, result any) any {
	verification := Verify(normalizeResult(result), spec.OutputSchema)
	retries := spec.Budget.MaxRetries

	for !verification.Pass && retries > 0 && !handle.Canceled() && ctx.Err() == nil {
		goal := repairGoal(spec, verification)
		if goal == "" {
			break
		}
		r.log.Info("dispatching repair step", "run", handle.RunID(), "reason", verification.Reason)

		repaired, success, err := r.agents.RunGoal(ctx, handle.RunID(), sessionID, goal)
		retries--
		if err != nil || !success {
			continue
		}
		result = parseAgentResult(repaired)
		verification = Verify(normalizeResult(result), spec.OutputSchema)
	}

	return map[string]any{
		"result":       result,
		"verification": verification,
		"success":      verification.Pass,
	}
}

// repairGoal describes the gaps for the repair agent.
func repairGoal(spec TaskSpec, v Verification) string {
	var sb strings.Builder
	sb.WriteString("The previous attempt at this task returned a result that does not match the required output format.\n")
	sb.WriteString("Task: " + spec.Goal + "\n")
	if len(v.MissingFields) > 0 {
		sb.WriteString("Missing fields: " + strings.Join(v.MissingFields, ", ") + "\n")
	}
	if len(v.TypeMismatches) > 0 {
		sb.WriteString("Fields with the wrong type: " + strings.Join(v.TypeMismatches, ", ") + "\n")
	}
	if schemaJSON, err := json.Marshal(spec.OutputSchema); err == nil {
		sb.WriteString("Produce a JSON result matching this schema exactly: " + string(schemaJSON) + "\n")
	}
	if sb.Len() == 0 {
		return ""
	}
	return sb.String()
}

// parseAgentResult interprets the agent's final text as JSON when
// possible, else wraps it.
func parseAgentResult(text string) map[string]any {
	raw := extractJSONObject(text)
	if raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			return m
		}
	}
	return map[string]any{"text": text}
}

// normalizeResult unwraps the {result, verification} envelope and coerces
// the value into plain JSON types for the verifier.
func normalizeResult(result any) any {
	if m, ok := result.(map[string]any); ok {
		if inner, exists := m["result"]; exists {
			if _, hasVerification := m["verification"]; hasVerification {
				result = inner
			}
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return result
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return result
	}
	return out
}

// Cancel cancels a run cooperatively.
func (r *Runner) Cancel(runID string) bool {
	return r.runs.Cancel(runID)
}

// Stream returns the run's event stream.
func (r *Runner) Stream(runID string) *events.Stream {
	return r.hub.Stream(runID)
}

// Package agent drives the reason–act loop: it feeds the conversation to
// the LLM, executes the tool calls the LLM chooses through the tool bus,
// and streams observations back until the model calls done, the iteration
// budget runs out, or errors pile up.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"browserpilot/internal/browser"
	"browserpilot/internal/config"
	"browserpilot/internal/errs"
	"browserpilot/internal/events"
	"browserpilot/internal/memory"
	"browserpilot/internal/toolbus"
)

// RunResult is the outcome of one agent run.
type RunResult struct {
	Success    bool        `json:"success"`
	Result     string      `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Iterations int         `json:"iterations"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
}

// TokenUsage accumulates LLM token counts across iterations.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateSuspended
	stateTerminal
)

const systemPrompt = `You are a browsing agent. You control a real web browser through tools.

Work iteratively: inspect the page (get_page_info, get_page_content), act (navigate, click, type_text), and verify the result before moving on. Element ids come from get_page_info and go stale after navigation — refresh them when in doubt.

When the task is complete (or clearly impossible), call the done tool exactly once with the final result. If the task needs information only the user has (credentials, choices), call ask_human.

When you finish a meaningful sub-step, note it on its own line as "[done] <what was achieved>".`

// Loop is the per-run reason–act controller. One Loop drives one task over
// one browser session; Run may be called once.
type Loop struct {
	log       *slog.Logger
	cfg       config.Agent
	chatModel model.ToolCallingChatModel
	bus       *toolbus.Bus
	formatter *toolbus.Formatter
	sessions  *browser.Manager
	store     *memory.Store
	stream    *events.Stream

	runID       string
	sessionID   string
	ownsSession bool

	mu              sync.Mutex
	st              state
	done            bool
	pending         *pendingInput
	injectedDomains map[string]bool

	usage    *toolbus.UsageTracker
	detector *Detector
	progress *Progress

	tokens TokenUsage
}

// Options wires a Loop's collaborators.
type Options struct {
	Log       *slog.Logger
	Config    config.Agent
	ChatModel model.ToolCallingChatModel
	Bus       *toolbus.Bus
	Formatter *toolbus.Formatter
	Sessions  *browser.Manager
	Memory    *memory.Store
	Stream    *events.Stream
	RunID     string
	SessionID string
	// OwnsSession makes cleanup close the session.
	OwnsSession bool
}

// New creates a Loop bound to a session.
func New(opts Options) (*Loop, error) {
	if opts.SessionID == "" {
		return nil, errs.New(errs.CodeInvalidRequest, "agent loop needs a session")
	}
	bound, err := opts.ChatModel.WithTools(append(toolbus.ToolInfos(), toolbus.AgentToolInfos()...))
	if err != nil {
		return nil, errs.Wrap(errs.CodeExecutionError, "bind tools", err)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Loop{
		log:             opts.Log.With("component", "agent", "run", runID),
		cfg:             opts.Config,
		chatModel:       bound,
		bus:             opts.Bus,
		formatter:       opts.Formatter,
		sessions:        opts.Sessions,
		store:           opts.Memory,
		stream:          opts.Stream,
		runID:           runID,
		sessionID:       opts.SessionID,
		ownsSession:     opts.OwnsSession,
		injectedDomains: make(map[string]bool),
		usage:           toolbus.NewUsageTracker(),
		detector:        NewDetector(),
		progress:        NewProgress(),
	}, nil
}

// SessionID returns the bound session id.
func (l *Loop) SessionID() string { return l.sessionID }

// Run executes the task. A second call while the first is still running
// fails immediately.
func (l *Loop) Run(ctx context.Context, task string) RunResult {
	l.mu.Lock()
	if l.st != stateIdle {
		l.mu.Unlock()
		return RunResult{Success: false, Error: "agent is already running"}
	}
	l.st = stateRunning
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.HardTimeout.D())
	defer cancel()

	l.emit(events.Event{Type: events.TypeSessionCreated, Data: map[string]any{
		"sessionId": l.sessionID,
	}})

	conv := NewConversation(systemPrompt, task)
	l.preRecall(ctx, conv, task)

	result := l.loop(ctx, conv, task)

	l.mu.Lock()
	l.st = stateTerminal
	l.mu.Unlock()

	if result.Success {
		l.captureMemory(task)
	}

	doneData := map[string]any{"success": result.Success}
	if result.Result != "" {
		doneData["result"] = result.Result
	}
	if result.Error != "" {
		doneData["error"] = result.Error
	}
	l.emit(events.Event{Type: events.TypeDone, Iteration: result.Iterations, Data: doneData})
	return result
}

// loop runs the per-iteration protocol.
func (l *Loop) loop(ctx context.Context, conv *Conversation, task string) RunResult {
	consecutiveErrors := 0
	reminderSent := false

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if l.isDone() || ctx.Err() != nil {
			break
		}

		// Remind the model to wrap up when the budget nearly runs out.
		if !reminderSent && l.cfg.MaxIterations > 3 && l.cfg.MaxIterations-iteration <= 2 {
			conv.AddUser("[系统提示] Only a couple of iterations remain. Wrap up now and call done with the best result so far.")
			reminderSent = true
		}

		llmCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		resp, err := l.chatModel.Generate(llmCtx, conv.Messages())
		cancel()
		if err != nil {
			consecutiveErrors++
			decision := Recover("_llm", errs.Classify(err), err.Error(), consecutiveErrors, l.cfg.MaxConsecutiveErrors)
			if decision.Kind == DecisionAbort {
				return RunResult{Success: false, Error: decision.Reason, Iterations: iteration, TokenUsage: l.tokenUsage()}
			}
			l.log.Warn("llm call failed, retrying", "error", err, "consecutive", consecutiveErrors)
			if !sleepCtx(ctx, decision.Delay) {
				return RunResult{Success: false, Error: "run timed out", Iterations: iteration, TokenUsage: l.tokenUsage()}
			}
			continue
		}
		consecutiveErrors = 0
		l.addTokens(resp)

		conv.AddAssistant(resp)
		if resp.Content != "" {
			l.emit(events.Event{Type: events.TypeThinking, Iteration: iteration, Data: map[string]any{
				"content": resp.Content,
			}})
		}
		for _, goal := range l.progress.ScanSubgoals(resp.Content) {
			l.emit(events.Event{Type: events.TypeSubgoalCompleted, Iteration: iteration, Data: map[string]any{
				"subgoal": goal,
			}})
		}

		// No tool calls: the content is the result.
		if len(resp.ToolCalls) == 0 {
			return RunResult{Success: true, Result: resp.Content, Iterations: iteration, TokenUsage: l.tokenUsage()}
		}

		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			args := call.Function.Arguments

			l.emit(events.Event{Type: events.TypeToolCall, Iteration: iteration, Data: map[string]any{
				"tool": name,
				"args": toolbus.MaskSecrets(args),
			}})

			switch name {
			case toolbus.ToolDone:
				result := l.handleDone(conv, call)
				result.Iterations = iteration
				result.TokenUsage = l.tokenUsage()
				return result

			case toolbus.ToolAskHuman:
				if aborted := l.handleAskHuman(ctx, conv, call, iteration); aborted != nil {
					aborted.Iterations = iteration
					aborted.TokenUsage = l.tokenUsage()
					return *aborted
				}

			default:
				abort := l.handleToolCall(ctx, conv, call, iteration, &consecutiveErrors)
				if abort != nil {
					abort.Iterations = iteration
					abort.TokenUsage = l.tokenUsage()
					return *abort
				}
			}
		}

		obs, actions, navs, failures := l.progress.Counters()
		l.emit(events.Event{Type: events.TypeProgress, Iteration: iteration, Data: map[string]any{
			"estimate":     l.progress.Estimate(l.cfg.MaxIterations),
			"observations": obs,
			"actions":      actions,
			"navigations":  navs,
			"failures":     failures,
		}})
	}

	if ctx.Err() != nil {
		return RunResult{Success: false, Error: "run timed out", Iterations: l.cfg.MaxIterations, TokenUsage: l.tokenUsage()}
	}
	return RunResult{Success: false, Error: "iteration budget exhausted without done", Iterations: l.cfg.MaxIterations, TokenUsage: l.tokenUsage()}
}

// handleDone parses the done call and finishes the run.
func (l *Loop) handleDone(conv *Conversation, call schema.ToolCall) RunResult {
	var args struct {
		Result  string `json:"result"`
		Success *bool  `json:"success"`
	}
	_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
	success := args.Success == nil || *args.Success

	conv.AddToolResult(call.ID, toolbus.ToolDone, "Task completed.")
	l.setDone()

	return RunResult{Success: success, Result: args.Result}
}

// handleAskHuman suspends the loop until resolveInput or timeout. Returns
// a non-nil result only when the run must abort.
func (l *Loop) handleAskHuman(ctx context.Context, conv *Conversation, call schema.ToolCall, iteration int) *RunResult {
	var args struct {
		Question string       `json:"question"`
		Fields   []InputField `json:"fields"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		conv.AddToolResult(call.ID, toolbus.ToolAskHuman, `{"errorCode":"INVALID_PARAMETER","message":"malformed ask_human arguments"}`)
		return nil
	}

	requestID := uuid.NewString()
	pending := newPendingInput(requestID, args.Fields, l.cfg.AskHumanTimeout.D(), nil)

	l.mu.Lock()
	l.pending = pending
	l.st = stateSuspended
	l.mu.Unlock()

	// Field names and types go out; values never do.
	fieldsPayload := make([]map[string]any, 0, len(args.Fields))
	for _, f := range args.Fields {
		entry := map[string]any{"name": f.Name, "type": f.Type}
		if f.Label != "" {
			entry["label"] = f.Label
		}
		fieldsPayload = append(fieldsPayload, entry)
	}
	l.emit(events.Event{Type: events.TypeInputRequired, Iteration: iteration, Data: map[string]any{
		"requestId": requestID,
		"question":  args.Question,
		"fields":    fieldsPayload,
	}})

	response, okResp := pending.wait()

	l.mu.Lock()
	l.pending = nil
	l.st = stateRunning
	l.mu.Unlock()

	if ctx.Err() != nil {
		return &RunResult{Success: false, Error: "run timed out while waiting for input"}
	}
	if !okResp {
		conv.AddToolResult(call.ID, toolbus.ToolAskHuman, `{"errorCode":"EXECUTION_ERROR","message":"no response from the user within the time limit"}`)
		l.emit(events.Event{Type: events.TypeToolResult, Iteration: iteration, Data: map[string]any{
			"tool":   toolbus.ToolAskHuman,
			"result": "timeout",
		}})
		return nil
	}

	raw, _ := json.Marshal(response)
	conv.AddToolResult(call.ID, toolbus.ToolAskHuman, string(raw))
	l.emit(events.Event{Type: events.TypeToolResult, Iteration: iteration, Data: map[string]any{
		"tool":   toolbus.ToolAskHuman,
		"result": maskResponse(args.Fields, response),
	}})
	return nil
}

// handleToolCall dispatches one regular tool call. Returns a non-nil
// result only when the recovery policy aborts the run.
func (l *Loop) handleToolCall(ctx context.Context, conv *Conversation, call schema.ToolCall, iteration int, consecutiveErrors *int) *RunResult {
	name := call.Function.Name
	args := stripSessionID(call.Function.Arguments)

	// Memory auto-recall: before navigating, surface what is known about
	// the target site.
	if name == toolbus.ToolNavigate {
		l.autoRecall(conv, args)
	}

	res := l.bus.Dispatch(ctx, l.sessionID, name, args)
	l.usage.Record(name, args, res.OK, res.ErrorCode)
	l.progress.ObserveTool(name, res.OK)

	formatted := l.formatter.Format(l.sessionID, name, res)
	conv.AddToolResult(call.ID, name, formatted)

	l.emit(events.Event{Type: events.TypeToolResult, Iteration: iteration, Data: map[string]any{
		"tool":    name,
		"success": res.OK,
		"error":   string(res.ErrorCode),
	}})

	if hint := l.detector.Observe(name, args, res.OK); hint != "" {
		conv.Defer(hint)
	}

	if res.OK {
		*consecutiveErrors = 0
		return nil
	}

	*consecutiveErrors++
	decision := Recover(name, res.ErrorCode, res.Message, *consecutiveErrors, l.cfg.MaxConsecutiveErrors)
	switch decision.Kind {
	case DecisionAbort:
		return &RunResult{Success: false, Error: decision.Reason}
	case DecisionRetry:
		if !sleepCtx(ctx, decision.Delay) {
			return &RunResult{Success: false, Error: "run timed out"}
		}
	case DecisionInjectHint:
		if decision.Hint != "" {
			conv.Defer(decision.Hint)
		}
	}
	return nil
}

// ResolveInput resumes a loop suspended on ask_human. Returns false when
// no matching request is pending (already resolved, timed out, or unknown
// id).
func (l *Loop) ResolveInput(requestID string, response map[string]string) bool {
	l.mu.Lock()
	pending := l.pending
	l.mu.Unlock()
	if pending == nil || pending.requestID != requestID {
		return false
	}
	return pending.resolve(response)
}

// Cleanup releases the loop's resources and closes the owned session.
// Safe to call multiple times.
func (l *Loop) Cleanup(ctx context.Context) {
	l.mu.Lock()
	if l.pending != nil {
		l.pending.cancel()
		l.pending = nil
	}
	l.mu.Unlock()

	l.bus.ForgetSession(l.sessionID)
	l.formatter.ForgetSession(l.sessionID)
	if l.ownsSession {
		l.sessions.Close(ctx, l.sessionID)
	}
}

// UsageRecords exposes the run's tool trace (for the task runner's
// verification and repair steps).
func (l *Loop) UsageRecords() []toolbus.UsageRecord {
	return l.usage.Records()
}

// --- memory integration ---

// preRecall asks the LLM which known domains matter for this task and
// injects their knowledge snippets before the first real iteration.
func (l *Loop) preRecall(ctx context.Context, conv *Conversation, task string) {
	if l.store == nil {
		return
	}
	index, err := l.store.ListDomains()
	if err != nil || len(index) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString("Task: " + task + "\n\nKnown sites:\n")
	for _, entry := range index {
		fmt.Fprintf(&sb, "- %s (%d patterns: %s)\n", entry.Domain, entry.PatternCount, strings.Join(entry.TopPatterns, "; "))
	}
	sb.WriteString("\nReply with up to three domains from the list that are relevant to the task, one per line. Reply NONE if none apply.")

	llmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := l.chatModel.Generate(llmCtx, []*schema.Message{schema.UserMessage(sb.String())})
	if err != nil {
		l.log.Debug("memory pre-recall skipped", "error", err)
		return
	}

	known := make(map[string]bool, len(index))
	for _, entry := range index {
		known[entry.Domain] = true
	}

	count := 0
	for _, line := range strings.Split(resp.Content, "\n") {
		domain := strings.Trim(strings.TrimSpace(line), "-* ")
		if !known[domain] || l.injectedDomains[domain] || count >= 3 {
			continue
		}
		l.injectCard(conv, domain, task, false)
		count++
	}
}

// autoRecall injects the best card for a navigation target as a deferred
// hint, once per domain per run.
func (l *Loop) autoRecall(conv *Conversation, argsJSON string) {
	if l.store == nil {
		return
	}
	var args struct {
		URL string `json:"url"`
	}
	if json.Unmarshal([]byte(argsJSON), &args) != nil || args.URL == "" {
		return
	}
	domain := memory.BestCardDomain(l.store, args.URL)
	if domain == "" || l.injectedDomains[domain] {
		return
	}
	l.injectCard(conv, domain, currentTask(conv), true)
}

// injectCard renders a card snippet into the conversation.
func (l *Loop) injectCard(conv *Conversation, domain, task string, deferred bool) {
	card, err := l.store.LoadCard(domain)
	if err != nil || card == nil {
		return
	}
	snippet := memory.BuildSnippet(card, task, 0)
	if snippet == "" {
		return
	}
	l.injectedDomains[domain] = true
	msg := "[系统提示] " + snippet
	if deferred {
		conv.Defer(msg)
	} else {
		conv.AddUser(msg)
	}
	l.emit(events.Event{Type: events.TypeMemoryRecall, Data: map[string]any{
		"domain":   domain,
		"patterns": len(card.Patterns),
	}})
}

// captureMemory learns patterns from a successful run and merges them into
// the domain's card. Failures are swallowed: memory is best-effort.
func (l *Loop) captureMemory(task string) {
	if l.store == nil {
		return
	}
	records := l.usage.Records()
	patterns := memory.Capture(task, records)
	if len(patterns) == 0 {
		return
	}

	domain := primaryDomain(records)
	if domain == "" {
		domain = memory.DomainFromTask(task)
	}
	if domain == "" {
		return
	}

	card, err := l.store.LoadCard(domain)
	if err != nil {
		l.log.Warn("memory load failed", "domain", domain, "error", err)
		return
	}
	if card == nil {
		card = &memory.Card{Domain: domain}
	}
	card.Patterns = memory.Merge(card.Patterns, patterns)
	if err := l.store.SaveCard(card); err != nil {
		l.log.Warn("memory save failed", "domain", domain, "error", err)
	}
}

// primaryDomain picks the domain of the first successful navigation.
func primaryDomain(records []toolbus.UsageRecord) string {
	for _, rec := range records {
		if rec.Tool != toolbus.ToolNavigate || !rec.Success {
			continue
		}
		var args struct {
			URL string `json:"url"`
		}
		if json.Unmarshal([]byte(rec.Args), &args) == nil && args.URL != "" {
			if d := memory.DomainFromTask(args.URL); d != "" {
				return d
			}
		}
	}
	return ""
}

// currentTask digs the original task text back out of the conversation.
func currentTask(conv *Conversation) string {
	for _, msg := range conv.Messages() {
		if msg.Role == schema.User {
			return msg.Content
		}
	}
	return ""
}

// --- small helpers ---

func (l *Loop) emit(ev events.Event) {
	if l.stream != nil {
		l.stream.Publish(ev)
	}
}

func (l *Loop) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop) setDone() {
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
}

func (l *Loop) addTokens(resp *schema.Message) {
	if resp.ResponseMeta == nil || resp.ResponseMeta.Usage == nil {
		return
	}
	u := resp.ResponseMeta.Usage
	l.tokens.PromptTokens += u.PromptTokens
	l.tokens.CompletionTokens += u.CompletionTokens
	l.tokens.TotalTokens += u.TotalTokens
}

func (l *Loop) tokenUsage() *TokenUsage {
	if l.tokens.TotalTokens == 0 {
		return nil
	}
	t := l.tokens
	return &t
}

// stripSessionID removes any session identifier the model hallucinated
// into the arguments; the bus binds the loop's own session.
func stripSessionID(argsJSON string) string {
	if !strings.Contains(argsJSON, "session") {
		return argsJSON
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &m); err != nil {
		return argsJSON
	}
	delete(m, "sessionId")
	delete(m, "session_id")
	out, err := json.Marshal(m)
	if err != nil {
		return argsJSON
	}
	return string(out)
}

// sleepCtx sleeps unless the context ends first; reports whether the sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

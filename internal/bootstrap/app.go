// Package bootstrap wires the platform together: browser instances,
// session manager, tool bus, agent loops, task runner, site memory, event
// hub, journal, and the periodic sweepers.
package bootstrap

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"browserpilot/internal/agent"
	"browserpilot/internal/browser"
	"browserpilot/internal/config"
	"browserpilot/internal/errs"
	"browserpilot/internal/events"
	"browserpilot/internal/journal"
	"browserpilot/internal/llm"
	"browserpilot/internal/logger"
	"browserpilot/internal/memory"
	"browserpilot/internal/semantic"
	"browserpilot/internal/taskrunner"
	"browserpilot/internal/toolbus"
)

// App is the assembled platform. Transports call its typed methods.
type App struct {
	Log *slog.Logger
	Cfg *config.Config

	Instances *browser.Instances
	Cookies   *browser.CookieStore
	Sessions  *browser.Manager
	Semantic  semantic.Library
	Bus       *toolbus.Bus
	Formatter *toolbus.Formatter
	Memory    *memory.Store
	Hub       *events.Hub
	Journal   *journal.Journal
	Runner    *taskrunner.Runner

	chatModel model.ToolCallingChatModel

	cron       *cron.Cron
	logCleanup func()

	mu        sync.Mutex
	loops     map[string]*agent.Loop // runID -> live agent loop
	agentRuns int                    // top-level agent runs holding a slot
}

// New builds the platform from configuration.
func New(cfg *config.Config) (*App, error) {
	log, logCleanup, err := logger.New()
	if err != nil {
		return nil, err
	}

	app := &App{
		Log:        log,
		Cfg:        cfg,
		logCleanup: logCleanup,
		loops:      make(map[string]*agent.Loop),
	}

	app.Instances = browser.NewInstances(log, cfg.Browser.BrowserPath, cfg.Browser.WindowWidth, cfg.Browser.WindowHeight)
	app.Cookies = browser.NewCookieStore(log, cfg.Browser.CookieFile, cfg.Browser.MaxCookieDomains)
	app.Sessions = browser.NewManager(log, app.Instances, app.Cookies, cfg.Browser.MaxTabsPerSession, cfg.Browser.SessionTTL.D())
	app.Semantic = semantic.New()
	app.Bus = toolbus.New(log, app.Sessions, app.Semantic)
	if cfg.Browser.BlockScriptTools {
		app.Bus.BlockScriptTools()
	}
	app.Formatter = toolbus.NewFormatter()
	app.Memory = memory.NewStore(log, cfg.Memory.Dir)
	app.Hub = events.NewHub()

	chatModel, err := llm.NewChatModel(context.Background(), cfg.LLM)
	if err != nil {
		return nil, err
	}
	app.chatModel = chatModel

	// The journal is best-effort: the platform runs without it.
	if j, err := journal.Open(log, cfg.DataDir); err != nil {
		log.Warn("journal disabled", "error", err)
	} else {
		app.Journal = j
	}

	artifacts := taskrunner.NewArtifactStore(cfg.Runner.ArtifactTTL.D())
	runs := taskrunner.NewRunManager(log, artifacts, app.Journal, cfg.Runner.MaxConcurrentRuns, cfg.Runner.RunHardTimeout.D(), cfg.Runner.RunTTL.D())
	planner := taskrunner.NewPlanner(log, chatModel)
	app.Runner = taskrunner.NewRunner(log, app.Sessions, app.Semantic, planner, runs, app, app.Hub)

	app.startSweepers()
	return app, nil
}

// startSweepers schedules the periodic maintenance jobs. Each underlying
// operation is single-flight, so an overrunning job is skipped rather than
// stacked.
func (a *App) startSweepers() {
	c := cron.New()
	_, _ = c.AddFunc("@every "+a.Cfg.Browser.SweepInterval.D().String(), func() {
		a.Sessions.ExpireSweep(context.Background(), a.Cfg.Browser.IdleCloseDelay.D())
	})
	_, _ = c.AddFunc("@every "+a.Cfg.Browser.CookieSyncTick.D().String(), func() {
		a.Sessions.SyncHeadfulCookies(context.Background())
	})
	_, _ = c.AddFunc("@every 60s", func() {
		a.Runner.Runs().Sweep()
	})
	c.Start()
	a.cron = c
}

// RunGoal implements taskrunner.AgentRunner: it drives a nested agent
// loop over an existing session for one natural-language goal.
func (a *App) RunGoal(ctx context.Context, runID, sessionID, goal string) (string, bool, error) {
	loop, err := agent.New(agent.Options{
		Log:       a.Log,
		Config:    a.Cfg.Agent,
		ChatModel: a.chatModel,
		Bus:       a.Bus,
		Formatter: a.Formatter,
		Sessions:  a.Sessions,
		Memory:    a.Memory,
		Stream:    a.Hub.Stream(runID),
		RunID:     runID,
		SessionID: sessionID,
		// The task run owns the session; the nested loop must not close it.
		OwnsSession: false,
	})
	if err != nil {
		return "", false, err
	}
	a.registerLoop(runID, loop)
	defer a.unregisterLoop(runID)

	result := loop.Run(ctx, goal)
	if !result.Success && result.Error != "" {
		return result.Result, false, nil
	}
	return result.Result, result.Success, nil
}

// StartAgentRun creates a session and launches an agent run for a task.
// It returns the run id; events stream through Hub.Stream(runID).
// Direct agent runs share the concurrency budget with task runs.
func (a *App) StartAgentRun(ctx context.Context, task string, headless bool) (string, error) {
	a.mu.Lock()
	if a.agentRuns+a.Runner.Runs().ActiveCount() >= a.Cfg.Runner.MaxConcurrentRuns {
		a.mu.Unlock()
		return "", errs.Newf(errs.CodeInvalidRequest,
			"concurrent run limit reached (%d); retry after a run finishes", a.Cfg.Runner.MaxConcurrentRuns)
	}
	a.agentRuns++
	a.mu.Unlock()

	releaseSlot := func() {
		a.mu.Lock()
		a.agentRuns--
		a.mu.Unlock()
	}

	sess, err := a.Sessions.Create(ctx, browser.CreateOptions{Headless: headless})
	if err != nil {
		releaseSlot()
		return "", err
	}

	runID := uuid.NewString()
	loop, err := agent.New(agent.Options{
		Log:         a.Log,
		Config:      a.Cfg.Agent,
		ChatModel:   a.chatModel,
		Bus:         a.Bus,
		Formatter:   a.Formatter,
		Sessions:    a.Sessions,
		Memory:      a.Memory,
		Stream:      a.Hub.Stream(runID),
		RunID:       runID,
		SessionID:   sess.ID,
		OwnsSession: true,
	})
	if err != nil {
		a.Sessions.Close(ctx, sess.ID)
		releaseSlot()
		return "", err
	}
	a.registerLoop(runID, loop)

	go func() {
		defer releaseSlot()
		defer a.unregisterLoop(runID)
		defer loop.Cleanup(context.Background())
		loop.Run(context.Background(), task)
	}()
	return runID, nil
}

// ResolveInput resumes an agent run suspended on ask_human.
func (a *App) ResolveInput(runID, requestID string, response map[string]string) bool {
	a.mu.Lock()
	loop := a.loops[runID]
	a.mu.Unlock()
	if loop == nil {
		return false
	}
	return loop.ResolveInput(requestID, response)
}

// SubmitTask plans and starts a task run.
func (a *App) SubmitTask(spec taskrunner.TaskSpec) (string, error) {
	return a.Runner.Submit(spec)
}

// GetRun returns a run's current state.
func (a *App) GetRun(runID string) (*taskrunner.Run, error) {
	return a.Runner.Runs().Get(runID)
}

// ListRuns returns all runs, newest first.
func (a *App) ListRuns() []*taskrunner.Run {
	return a.Runner.Runs().List()
}

// CancelRun requests cooperative cancellation of a task run.
func (a *App) CancelRun(runID string) bool {
	return a.Runner.Cancel(runID)
}

func (a *App) registerLoop(runID string, loop *agent.Loop) {
	a.mu.Lock()
	a.loops[runID] = loop
	a.mu.Unlock()
}

func (a *App) unregisterLoop(runID string) {
	a.mu.Lock()
	delete(a.loops, runID)
	a.mu.Unlock()
}

// Shutdown stops sweepers and tears everything down.
func (a *App) Shutdown(ctx context.Context) {
	if a.cron != nil {
		a.cron.Stop()
	}
	a.Sessions.CloseAll(ctx)
	a.Instances.CloseAll()
	a.Cookies.Flush()
	if a.Journal != nil {
		_ = a.Journal.Close()
	}
	_ = a.Hub.Close()
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// Err is re-exported so transports can switch on error codes without
// importing errs directly.
func Err(err error) errs.Code {
	return errs.CodeOf(err)
}

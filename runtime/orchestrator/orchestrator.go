// Package orchestrator implements the two workflow shapes that drive agent
// work: the per-task worker workflow (plan, review, implement, CI fix, code
// review, merge) and the per-user main-thread workflow that multiplexes
// inbound events. All side effects run in registered steps; the workflow
// bodies are deterministic state machines over step results and topic
// messages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mainloop-ai/mainloop/features/bus"
	"github.com/mainloop-ai/mainloop/features/forge"
	"github.com/mainloop-ai/mainloop/features/sandbox"
	"github.com/mainloop-ai/mainloop/features/store"
	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

// Workflow tuning. MaxJobRetries and MaxCIIterations bound the two
// application-level retry loops; the engine-level step retry stays at one
// attempt so these loops own failure handling.
const (
	MaxJobRetries   = 5
	MaxCIIterations = 5

	PRPollInterval   = 30 * time.Second
	JobResultTimeout = time.Hour
	UserWaitTimeout  = 24 * time.Hour

	// MainThreadHeartbeat is the receive timeout of the main-thread event
	// loop; each expiry is a durable liveness checkpoint.
	MainThreadHeartbeat = time.Hour

	cleanupAttempts = 3

	// Dual-source polling schedule.
	pollInitialInterval = 10 * time.Second
	pollMultiplier      = 1.5
	pollMaxInterval     = 300 * time.Second
	pollBudget          = 24 * time.Hour
)

// Config carries deployment-level orchestrator settings.
type Config struct {
	// CallbackBaseURL is the externally reachable base URL executor jobs
	// POST results to, e.g. "http://orchestrator.mainloop:8080".
	CallbackBaseURL string

	// AgentHandle is the forge username mentions of which make a PR comment
	// actionable, without the leading @.
	AgentHandle string
}

// Orchestrator owns the workflow definitions, their steps, and the
// capability clients they call. Construct one per process and call Register
// before starting workflows.
type Orchestrator struct {
	engine  engine.Engine
	store   store.Store
	forge   forge.Client
	sandbox sandbox.Launcher
	bus     bus.Bus
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	cfg     Config
}

// Deps are the injected capabilities. Engine, Store, Forge, and Sandbox are
// required; nil observability deps default to noop.
type Deps struct {
	Engine  engine.Engine
	Store   store.Store
	Forge   forge.Client
	Sandbox sandbox.Launcher
	Bus     bus.Bus
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Forge == nil:
		return nil, errors.New("orchestrator: forge is required")
	case deps.Sandbox == nil:
		return nil, errors.New("orchestrator: sandbox is required")
	}
	if deps.Bus == nil {
		deps.Bus = bus.NewInProcess(deps.Metrics)
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.AgentHandle == "" {
		cfg.AgentHandle = "mainloop"
	}
	return &Orchestrator{
		engine:  deps.Engine,
		store:   deps.Store,
		forge:   deps.Forge,
		sandbox: deps.Sandbox,
		bus:     deps.Bus,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		cfg:     cfg,
	}, nil
}

// Bus exposes the event bus for the HTTP facade's stream endpoints.
func (o *Orchestrator) Bus() bus.Bus { return o.bus }

// Store exposes the store for the HTTP facade.
func (o *Orchestrator) Store() store.Store { return o.store }

// Engine exposes the engine for the HTTP facade's signal and status calls.
func (o *Orchestrator) Engine() engine.Engine { return o.engine }

// Register registers both workflow definitions and every step with the
// engine. Must complete before StartWorkerTask or EnsureMainThread.
func (o *Orchestrator) Register(ctx context.Context) error {
	workflows := []engine.WorkflowDefinition{
		{Name: api.WorkflowWorkerTask, TaskQueue: api.QueueWorkerTasks, Handler: o.workerTaskWorkflow},
		{Name: api.WorkflowMainThread, TaskQueue: api.QueueMainThreads, Handler: o.mainThreadWorkflow},
	}
	for _, def := range workflows {
		if err := o.engine.RegisterWorkflow(ctx, def); err != nil {
			return fmt.Errorf("register workflow %s: %w", def.Name, err)
		}
	}
	for _, def := range o.stepDefinitions() {
		if err := o.engine.RegisterStep(ctx, def); err != nil {
			return fmt.Errorf("register step %s: %w", def.Name, err)
		}
	}
	return nil
}

// StartWorkerTask launches the worker workflow for a pending task. The
// workflow ID is the task ID, so repeated starts attach to the running
// execution.
func (o *Orchestrator) StartWorkerTask(ctx context.Context, task *api.WorkerTask) (engine.WorkflowHandle, error) {
	o.metrics.IncCounter(telemetry.MetricTasksStarted, 1, "task_type", string(task.TaskType))
	return o.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       task.ID,
		Workflow: api.WorkflowWorkerTask,
		Input:    &api.RunInput{TaskID: task.ID, UserID: task.UserID},
	})
}

// EnsureMainThread get-or-starts the user's main-thread workflow and
// returns its workflow ID.
func (o *Orchestrator) EnsureMainThread(ctx context.Context, userID string) (string, error) {
	id := api.MainThreadWorkflowID(userID)
	_, err := o.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       id,
		Workflow: api.WorkflowMainThread,
		Input:    &api.RunInput{UserID: userID},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SendUserMessage delivers a chat message to the user's main thread,
// starting the workflow if needed.
func (o *Orchestrator) SendUserMessage(ctx context.Context, userID string, msg api.UserMessage) error {
	id, err := o.EnsureMainThread(ctx, userID)
	if err != nil {
		return err
	}
	return o.engine.SignalWorkflow(ctx, id, api.TopicUserMessage, msg)
}

// SendQueueResponse delivers an inbox response to the user's main thread.
func (o *Orchestrator) SendQueueResponse(ctx context.Context, userID string, resp api.QueueResponse) error {
	id, err := o.EnsureMainThread(ctx, userID)
	if err != nil {
		return err
	}
	return o.engine.SignalWorkflow(ctx, id, api.TopicQueueResponse, resp)
}

// SendJobResult relays an executor-job callback to the task's workflow.
func (o *Orchestrator) SendJobResult(ctx context.Context, result api.JobResult) error {
	return o.engine.SignalWorkflow(ctx, result.TaskID, api.TopicJobResult, result)
}

// CancelTask cancels the task's workflow and closes its forge artifacts.
// Cancelling the workflow first removes the competing writer, then the
// terminal status write happens here at the API boundary.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	if err := o.engine.CancelWorkflow(ctx, taskID); err != nil && !errors.Is(err, engine.ErrWorkflowNotFound) {
		return err
	}
	repo := RepoSlug(task.RepoURL)
	if task.IssueNumber > 0 && repo != "" {
		if _, err := o.forge.CreateIssueComment(ctx, repo, task.IssueNumber, CancelComment); err != nil {
			o.logger.Warn(ctx, "post cancel comment", "task_id", taskID, "err", err)
		}
		if err := o.forge.CloseIssue(ctx, repo, task.IssueNumber); err != nil {
			o.logger.Warn(ctx, "close issue on cancel", "task_id", taskID, "err", err)
		}
	}
	now := time.Now().UTC()
	task.Status = api.TaskStatusCancelled
	task.CompletedAt = &now
	if err := o.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	o.publishTaskUpdate(ctx, task)
	return nil
}

func (o *Orchestrator) publishTaskUpdate(ctx context.Context, task *api.WorkerTask) {
	ev := bus.Event{
		Type:   bus.EventTaskUpdated,
		TaskID: task.ID,
		Data:   map[string]any{"status": string(task.Status)},
	}
	o.bus.PublishTask(ctx, task.ID, ev)
	o.bus.PublishUser(ctx, task.UserID, ev)
}

func (o *Orchestrator) callbackURL(taskID string) string {
	base := strings.TrimSuffix(o.cfg.CallbackBaseURL, "/")
	return fmt.Sprintf("%s/internal/tasks/%s/complete", base, taskID)
}

// RepoSlug extracts the "owner/name" slug from a repository URL. Returns ""
// when the URL has no recognizable slug.
func RepoSlug(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

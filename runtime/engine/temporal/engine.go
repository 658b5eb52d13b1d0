// Package temporal implements the engine abstractions on top of Temporal.
// Workflows map to Temporal workflows, steps to activities, topics to named
// signal channels, and durable sleep to workflow timers.
//
// # Version gating
//
// Task queues are suffixed with the application version ("worker_tasks@v12").
// A redeployed binary polls only its own version's queues, so workflow
// records started under an incompatible version are never replayed against
// mismatched step ordering; they stay visible in Temporal for operator
// inspection.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/mainloop-ai/mainloop/runtime/api"
	"github.com/mainloop-ai/mainloop/runtime/engine"
	"github.com/mainloop-ai/mainloop/runtime/telemetry"
)

// QueueConfig sizes one task queue's worker.
type QueueConfig struct {
	// Name is the logical queue name, before version suffixing.
	Name string
	// MaxConcurrentWorkflows caps concurrently executing workflow tasks on
	// this queue's worker. Zero means the Temporal default.
	MaxConcurrentWorkflows int
}

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil the
	// adapter creates a lazy client from ClientOptions and installs the
	// OTEL tracing interceptor.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is nil.
	ClientOptions *client.Options

	// AppVersion is the application version compiled into the binary. Used
	// to suffix task queues for resume gating. Required.
	AppVersion string

	// Queues declares the task queues this process serves. A worker is
	// created per queue.
	Queues []QueueConfig

	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// Logger emits worker lifecycle logs. Nil means noop.
	Logger telemetry.Logger
}

// Engine implements engine.Engine backed by Temporal. One worker is created
// per declared queue; workers start lazily on first StartWorkflow.
type Engine struct {
	client      client.Client
	closeClient bool
	appVersion  string
	logger      telemetry.Logger

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	workflows      map[string]engine.WorkflowDefinition
	stepOptions    map[string]engine.StepOptions
	queueCaps      map[string]int
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.AppVersion == "" {
		return nil, errors.New("temporal engine: app version is required")
	}
	if len(opts.Queues) == 0 {
		return nil, errors.New("temporal engine: at least one queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if !opts.DisableTracing {
			tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
			if err != nil {
				return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
			}
			clientOpts.Interceptors = append(clientOpts.Interceptors, tracer)
		}
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	e := &Engine{
		client:      cli,
		closeClient: closeClient,
		appVersion:  opts.AppVersion,
		logger:      logger,
		workers:     make(map[string]*workerBundle),
		workflows:   make(map[string]engine.WorkflowDefinition),
		stepOptions: make(map[string]engine.StepOptions),
		queueCaps:   make(map[string]int),
	}
	for _, q := range opts.Queues {
		e.queueCaps[q.Name] = q.MaxConcurrentWorkflows
	}
	return e, nil
}

// RegisterWorkflow registers a workflow definition with the worker of its
// versioned task queue.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid workflow definition")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	handler := def.Handler
	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.RunInput) (*api.RunOutput, error) {
		return handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStep registers a step handler as a Temporal activity on its queue's
// worker. The handler signature is validated by the Temporal SDK at
// registration time.
func (e *Engine) RegisterStep(_ context.Context, def engine.StepDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid step definition")
	}
	bundle, err := e.workerForQueue(def.Options.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(def.Name, def.Handler)

	e.mu.Lock()
	e.stepOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches a workflow execution. Re-invoking with an ID that is
// already running returns a handle to the existing run.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow name is required")
	}
	if req.ID == "" {
		return nil, errors.New("temporal engine: workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: workflow %q is not registered", req.Workflow)
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}

	memo := map[string]any{engine.MemoAppVersion: e.appVersion}
	for k, v := range req.Memo {
		memo[k] = v
	}
	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                e.versionedQueue(queue),
		Memo:                     memo,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.ID, err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalWorkflow durably enqueues a topic message for the workflow with the
// given ID.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, topic string, payload any) error {
	if workflowID == "" {
		return errors.New("temporal engine: workflow id is required")
	}
	err := e.client.SignalWorkflow(ctx, workflowID, "", topic, payload)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// CancelWorkflow requests cancellation of the workflow with the given ID.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	err := e.client.CancelWorkflow(ctx, workflowID, "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// QueryRunStatus maps the Temporal execution status onto the engine's
// lifecycle states.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return "", engine.ErrWorkflowNotFound
		}
		return "", err
	}
	switch resp.GetWorkflowExecutionInfo().GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusSuccess, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCancelled, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusError, nil
	default:
		return engine.RunStatusEnqueued, nil
	}
}

// Stop gracefully stops all workers.
func (e *Engine) Stop() {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

// Close shuts down the Temporal client if the engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) versionedQueue(name string) string {
	return name + "@" + e.appVersion
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		return nil, errors.New("temporal engine: task queue is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	versioned := e.versionedQueue(queue)
	if bundle, ok := e.workers[versioned]; ok {
		return bundle, nil
	}

	workerOpts := worker.Options{}
	if capacity := e.queueCaps[queue]; capacity > 0 {
		workerOpts.MaxConcurrentWorkflowTaskExecutionSize = capacity
		workerOpts.MaxConcurrentActivityExecutionSize = capacity * 2
	}
	w := worker.New(e.client, versioned, workerOpts)
	bundle := &workerBundle{queue: versioned, worker: w, logger: e.logger}
	e.workers[versioned] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) stepOptionsFor(name string) engine.StepOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepOptions[name]
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activityRegisterOptions(name))
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) ID() string {
	return h.run.GetID()
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.RunOutput, error) {
	var out api.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
